package logging

import (
	"context"
	"net/http"
	"time"

	"github.com/vlevchine/InGear/errors"
)

// Middleware scopes a named child of base to every request so that Track
// works as expected, recovers panics into a 500 and logs one line per request
// with everything that was tracked along the way.
func Middleware(base Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := With(r.Context(), base.Named(r.Method+" "+r.URL.Path))
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			defer func() {
				if err := errors.Recovered(recover()); err != nil {
					Track(ctx, "error.panic", true)
					TrackError(ctx, err)
					if !rec.wroteHeader {
						http.Error(rec, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					}
				}

				l := FromContext(ctx).With("http.status", rec.status).With("http.duration", time.Since(start))
				switch {
				case rec.status >= http.StatusInternalServerError:
					l.Error("request finished")
				case rec.status >= http.StatusBadRequest:
					l.Warn("request finished")
				default:
					l.Info("request finished")
				}
			}()

			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

const stackSize = 5

// TrackError records the kind, status and a short stack of err on the request
// scope.
func TrackError(ctx context.Context, err error) {
	c, ok := ctx.Value(ctxkey{}).(*ctxkey)
	if !ok || err == nil {
		return
	}
	l := c.logger.
		With("error", err.Error()).
		With("error.kind", errors.KindOf(err).String()).
		With("error.http_status", errors.HTTPStatusCode(err))

	var e *errors.Error
	if errors.As(err, &e) {
		frames := e.StackFrames()
		if len(frames) > stackSize {
			frames = frames[:stackSize]
		}
		stack := make([]string, 0, len(frames))
		for _, f := range frames {
			stack = append(stack, f.Package+"."+f.Name)
		}
		l = l.With("error.stack_trace", stack)
	}
	c.logger = l
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

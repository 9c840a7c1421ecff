// Package errors provides the error type used throughout InGear. An *Error
// carries a stack trace, a Kind that callers branch on, a gRPC status code, an
// HTTP status code and an optional public message that is safe to return to a
// browser.
//
// Errors are created with New, NewK or Errorf and decorated fluently:
//
//	var ErrNoSession = errors.NewK("session: no record", errors.NotFound).
//		WithPublicMessage("Session not found")
//
//	if errors.IsKind(err, errors.Expired) {
//		// ask the caller to renew
//	}
//
// Kind decides the default code and HTTP status. Both can be overridden per
// error with WithCode and WithHTTPStatusCode.
package errors

import (
	"bytes"
	"fmt"
	"net/http"
	"reflect"
	"runtime"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaxStackDepth is the maximum number of stackframes on any error.
var MaxStackDepth = 50

// Error is an error with an attached stacktrace. It can be used wherever the
// builtin error interface is expected.
type Error struct {
	Err    error
	stack  []uintptr
	frames []StackFrame
	prefix string

	// Discriminant used by callers to decide how to handle the failure.
	kind Kind

	// gRPC status code; zero value means "derive from kind".
	code    codes.Code
	hasCode bool

	// HTTP status code; overrides the one mapped from the code.
	httpStatusCode int

	// Error message to return to client.
	publicMessage string
}

// New makes an Error from the given value. If that value is already an error
// then it will be used directly, if not, it will be passed to fmt.Errorf("%v").
// The stacktrace will point to the line of code that called New.
func New(e any) *Error {
	return newError(e, Unknown, 3)
}

// NewK makes an Error of the given kind.
func NewK(e any, kind Kind) *Error {
	return newError(e, kind, 3)
}

// NewC makes an Error with an explicit gRPC status code and no kind.
func NewC(e any, code codes.Code) *Error {
	err := newError(e, Unknown, 3)
	err.code = code
	err.hasCode = true
	return err
}

// Kindf formats a new error of the given kind.
func Kindf(kind Kind, format string, a ...any) *Error {
	return newError(fmt.Errorf(format, a...), kind, 3)
}

// Errorf creates a new error with the given message. It is a drop-in
// replacement for fmt.Errorf that records a stack trace. Wrapped errors are
// still reachable through errors.Is and errors.As, and the kind of a wrapped
// *Error is inherited.
func Errorf(format string, a ...any) *Error {
	inner := fmt.Errorf(format, a...)
	return newError(inner, KindOf(inner), 3)
}

func newError(e any, kind Kind, skip int) *Error {
	var err error
	switch e := e.(type) {
	case error:
		err = e
	default:
		err = fmt.Errorf("%v", e)
	}
	stack := make([]uintptr, MaxStackDepth)
	length := runtime.Callers(skip, stack)
	return &Error{
		Err:   err,
		stack: stack[:length],
		kind:  kind,
	}
}

// Wrap makes an Error from the given value. If the value is already an *Error
// it is returned unchanged. The skip parameter indicates how far up the stack
// to start the stacktrace. 0 is from the current call, 1 from its caller, etc.
func Wrap(e any, skip int) *Error {
	if e == nil {
		return nil
	}
	if err, ok := e.(*Error); ok {
		return err
	}
	var kind Kind
	if err, ok := e.(error); ok {
		kind = KindOf(err)
	}
	return newError(e, kind, 3+skip)
}

// WrapPrefix wraps the error and adds a prefix to its message. The kind, codes
// and public message of an existing *Error are retained.
func WrapPrefix(e any, prefix string, skip int) *Error {
	if e == nil {
		return nil
	}

	err := Wrap(e, 1+skip)
	if err.prefix != "" {
		prefix = fmt.Sprintf("%s: %s", prefix, err.prefix)
	}

	cp := *err
	cp.prefix = prefix
	cp.frames = nil
	return &cp
}

// Mark resets the stack trace of an error to the point Mark was called.
func Mark(e any, skip int) *Error {
	if e == nil {
		return nil
	}
	if err, ok := e.(*Error); ok {
		stack := make([]uintptr, MaxStackDepth)
		length := runtime.Callers(2+skip, stack)
		cp := *err
		cp.stack = stack[:length]
		cp.frames = nil
		return &cp
	}
	return Wrap(e, 1+skip)
}

// WithKind wraps err, if needed, and sets its kind.
func WithKind(err error, kind Kind) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, 1).WithKind(kind)
}

// WithPublicMessage wraps err, if needed, and sets its public message.
func WithPublicMessage(err error, publicMessage string) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, 1).WithPublicMessage(publicMessage)
}

// WithCode wraps err, if needed, and sets its gRPC status code.
func WithCode(err error, code codes.Code) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, 1).WithCode(code)
}

// WithHTTPStatusCode wraps err, if needed, and sets an explicit HTTP status
// code, overriding the one mapped from the gRPC code.
func WithHTTPStatusCode(err error, code int) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, 1).WithHTTPStatusCode(code)
}

// Error returns the underlying error's message.
func (err *Error) Error() string {
	msg := err.Err.Error()
	if err.prefix != "" {
		msg = fmt.Sprintf("%s: %s", err.prefix, msg)
	}
	return msg
}

// Stack returns the callstack formatted the same way that go does in
// runtime/debug.Stack().
func (err *Error) Stack() []byte {
	buf := bytes.Buffer{}
	for _, frame := range err.StackFrames() {
		buf.WriteString(frame.String())
	}
	return buf.Bytes()
}

// Callers returns the raw program counters of the stack.
func (err *Error) Callers() []uintptr {
	return err.stack
}

// ErrorStack returns a string that contains both the error message and the
// callstack.
func (err *Error) ErrorStack() string {
	return err.TypeName() + " " + err.Error() + "\n" + string(err.Stack())
}

// StackFrames returns an array of frames containing information about the
// stack.
func (err *Error) StackFrames() []StackFrame {
	if err.frames == nil {
		err.frames = make([]StackFrame, len(err.stack))
		for i, pc := range err.stack {
			err.frames[i] = NewStackFrame(pc)
		}
	}
	return err.frames
}

// TypeName returns the type of the wrapped error, e.g. *errors.errorString.
func (err *Error) TypeName() string {
	if _, ok := err.Err.(recoveredPanic); ok {
		return "panic"
	}
	return reflect.TypeOf(err.Err).String()
}

// Unwrap the error (implements api for As function).
func (err *Error) Unwrap() error {
	return err.Err
}

// Is reports whether target is an *Error wrapping the same underlying error,
// so copies made by Mark match the original with the standard errors.Is.
func (err *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == err.Err
}

// Kind returns the error's discriminant.
func (err *Error) Kind() Kind {
	return err.kind
}

// WithKind sets the discriminant of the error.
func (err *Error) WithKind(kind Kind) *Error {
	err.kind = kind
	return err
}

// Code returns the gRPC status code associated with the error. Unless set
// explicitly it is derived from the kind.
func (err *Error) Code() codes.Code {
	if err.hasCode {
		return err.code
	}
	return err.kind.Code()
}

// WithCode sets the gRPC status code associated with the error.
func (err *Error) WithCode(code codes.Code) *Error {
	err.code = code
	err.hasCode = true
	return err
}

// HTTPStatusCode returns the HTTP status code that should be returned to the
// client. If a code is set, it will be used, otherwise a default will be
// returned based on the gRPC code.
func (err *Error) HTTPStatusCode() int {
	if err.httpStatusCode != 0 {
		return err.httpStatusCode
	}
	switch err.Code() {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithHTTPStatusCode sets the HTTP status code that should be returned to the
// client.
func (err *Error) WithHTTPStatusCode(code int) *Error {
	err.httpStatusCode = code
	return err
}

// PublicMessage returns the error string that should be returned to the client.
func (err *Error) PublicMessage() string {
	if err.publicMessage != "" {
		return err.publicMessage
	}
	return err.Error()
}

// WithPublicMessage sets the error string that should be returned to the client.
func (err *Error) WithPublicMessage(publicMessage string) *Error {
	err.publicMessage = publicMessage
	return err
}

// GRPCStatus returns a gRPC status object for the error.
func (err *Error) GRPCStatus() *status.Status {
	return status.New(err.Code(), err.PublicMessage())
}

// Code returns a gRPC status code for an error. If the error is nil, it returns
// codes.OK. If any error in the chain exposes a `Code()` method, it is
// returned. Otherwise codes.Unknown is returned.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var e codedError
	if As(err, &e) {
		return e.Code()
	}
	return codes.Unknown
}

// HTTPStatusCode returns an HTTP status code for an error. If the error is nil,
// it returns http.StatusOK. If any error in the chain exposes a
// `HTTPStatusCode()` method, it is returned. Otherwise
// http.StatusInternalServerError is returned.
func HTTPStatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e httpError
	if As(err, &e) {
		return e.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the public message of the first *Error in the chain,
// or fallback when there is none.
func PublicMessage(err error, fallback string) string {
	var e *Error
	if As(err, &e) && e.publicMessage != "" {
		return e.publicMessage
	}
	return fallback
}

type codedError interface {
	Code() codes.Code
}

type httpError interface {
	HTTPStatusCode() int
}

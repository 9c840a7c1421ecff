package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTrack(t *testing.T) {
	core, obs := observer.New(zap.InfoLevel)

	ctx := With(t.Context(), NewZapLogger(zap.New(core)))
	Track(ctx, "foo", "bar") // Should be passed on to child logger.

	ctx2 := With(ctx, FromContext(ctx).Named("nested"))
	Track(ctx2, "baz", "bam") // Should not propagate to root logger.

	Info(ctx, "root log")
	Info(ctx2, "nested log")

	require.Equal(t, 2, obs.Len())
	all := obs.All()
	assert.Equal(t, "root log", all[0].Message)
	assert.ElementsMatch(t, []zap.Field{zap.String("foo", "bar")}, all[0].Context)

	assert.Equal(t, "nested log", all[1].Message)
	assert.ElementsMatch(t, []zap.Field{
		zap.String("foo", "bar"),
		zap.String("baz", "bam"),
	}, all[1].Context)
}

func TestFromContextWithoutLogger(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	l.Info("goes nowhere")

	Track(context.Background(), "ignored", true)
}

func TestEnsureLogger(t *testing.T) {
	ctx := EnsureLogger(context.Background())
	require.NotNil(t, FromContext(ctx))

	core, _ := observer.New(zap.InfoLevel)
	l := NewZapLogger(zap.New(core))
	ctx = With(context.Background(), l)
	assert.Same(t, l, FromContext(EnsureLogger(ctx)), "existing logger should be kept")
}

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulti(t *testing.T) {
	a, b := &Capture{}, &Capture{}
	failing := EmitterFunc(func(context.Context, *Event) error { return errors.New("sink down") })

	m := Multi(a, nil, failing, b)
	err := m.Emit(context.Background(), &Event{Operation: "session.create"})
	assert.EqualError(t, err, "sink down")
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)

	assert.Same(t, a, Multi(nil, a))
	assert.NoError(t, Multi().Emit(context.Background(), &Event{}))
}

func TestCapture_StoresCopies(t *testing.T) {
	c := &Capture{}
	ev := &Event{Operation: "op", Details: map[string]string{"k": "v"}}
	require.NoError(t, c.Emit(context.Background(), ev))
	require.NoError(t, c.Emit(context.Background(), nil))
	ev.Details["k"] = "changed"

	events := c.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "v", events[0].Details["k"])
	c.Reset()
	assert.Empty(t, c.Events())
}

func TestEmitAsync(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	em := EmitterFunc(func(ctx context.Context, _ *Event) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		calls.Add(1)
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	EmitAsync(em, ctx, &Event{Operation: "op"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async emit did not run")
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestEmitAsync_NilArgs(t *testing.T) {
	assert.NotPanics(t, func() {
		EmitAsync(nil, context.Background(), &Event{})
		EmitAsync(&Capture{}, context.Background(), nil)
	})
}

func TestEmitAsync_LogsFailure(t *testing.T) {
	var buf syncBuffer
	logger := zerolog.New(&buf)
	failing := EmitterFunc(func(context.Context, *Event) error { return errors.New("kafka unreachable") })

	EmitAsync(failing, logger.WithContext(context.Background()), &Event{Operation: "session.create"})
	require.Eventually(t, func() bool { return bytes.Contains(buf.Bytes(), []byte("kafka unreachable")) }, time.Second, 5*time.Millisecond)
}

func TestAsync_ReturnsImmediately(t *testing.T) {
	release := make(chan struct{})
	c := &Capture{}
	slow := EmitterFunc(func(ctx context.Context, e *Event) error {
		<-release
		return c.Emit(ctx, e)
	})
	em := Async(slow, zerolog.Nop())

	ev := &Event{Operation: "op", Details: map[string]string{"k": "v"}}
	require.NoError(t, em.Emit(context.Background(), ev))
	ev.Details["k"] = "mutated after emit"
	close(release)

	require.Eventually(t, func() bool { return len(c.Events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "v", c.Events()[0].Details["k"])
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	em := NewLogEmitter(zerolog.New(&buf).Level(zerolog.DebugLevel))
	require.NoError(t, em.Emit(context.Background(), &Event{
		Operation: "session.destroy", Phase: PhaseComplete, Success: true, TenantID: "t1",
		Details: map[string]string{"outcome": "destroyed"},
	}))
	out := buf.String()
	assert.Contains(t, out, `"operation":"session.destroy"`)
	assert.Contains(t, out, `"details":{"outcome":"destroyed"}`)
	assert.Contains(t, out, `"component":"telemetry"`)
}

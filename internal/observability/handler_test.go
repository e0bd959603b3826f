package observability

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestHandler(t *testing.T, w io.Writer) *Handler {
	t.Helper()
	h, err := NewHandlerWithOptions(
		tracenoop.NewTracerProvider().Tracer("test"),
		metricnoop.NewMeterProvider().Meter("test"),
		"canopy-test",
		HandlerOptions{Level: slog.LevelDebug, Writer: w, BufferSize: 64},
	)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestWithAttrs_DerivedHandlerDoesNotBlock(t *testing.T) {
	out := &syncBuffer{}
	h := newTestHandler(t, out)

	logger := slog.New(h).With("component", "bridge")
	done := make(chan struct{})
	go func() {
		logger.Info("setpoint written", "actuator", "pump_active")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected derived handler to accept the record without blocking")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(out.String(), `"component":"bridge"`) {
		t.Fatalf("Expected derived attributes in output, got %q", out.String())
	}
	if !strings.Contains(out.String(), `"actuator":"pump_active"`) {
		t.Fatalf("Expected record attributes in output, got %q", out.String())
	}
}

func TestWithAttrs_ParentUnaffected(t *testing.T) {
	out := &syncBuffer{}
	h := newTestHandler(t, out)

	derived := h.WithAttrs([]slog.Attr{slog.String("component", "twin")})
	slog.New(derived).Info("stepped")
	slog.New(h).Info("plain")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	var plainHasComponent bool
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if strings.Contains(line, `"msg":"plain"`) && strings.Contains(line, "component") {
			plainHasComponent = true
		}
	}
	if plainHasComponent {
		t.Fatal("Expected derived attributes not to leak into the parent handler")
	}
}

package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Handler is a slog.Handler that annotates records with trace context,
// counts log volume as a metric, and writes JSON lines without blocking
// the caller. A full buffer drops the record rather than stalling a
// control loop.
type Handler struct {
	opts        HandlerOptions
	tracer      trace.Tracer
	meter       metric.Meter
	serviceName string

	logCounter  metric.Int64Counter
	dropCounter metric.Int64Counter

	buffer   chan logEntry
	mu       sync.RWMutex
	attrs    []slog.Attr
	shutdown chan struct{}
	wg       sync.WaitGroup
}

type HandlerOptions struct {
	Level      slog.Level
	Writer     io.Writer
	BufferSize int
}

type logEntry struct {
	time  time.Time
	level slog.Level
	msg   string
	attrs []slog.Attr
	ctx   context.Context
}

func NewHandler(tracer trace.Tracer, meter metric.Meter, serviceName string) (*Handler, error) {
	return NewHandlerWithOptions(tracer, meter, serviceName, HandlerOptions{
		Level:      slog.LevelInfo,
		Writer:     os.Stderr,
		BufferSize: 1000,
	})
}

func NewHandlerWithOptions(tracer trace.Tracer, meter metric.Meter, serviceName string, opts HandlerOptions) (*Handler, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}

	logCounter, err := meter.Int64Counter(
		"logs_total",
		metric.WithDescription("Total number of log entries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dropCounter, err := meter.Int64Counter(
		"logs_dropped_total",
		metric.WithDescription("Total number of log entries dropped due to a full buffer"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		opts:        opts,
		tracer:      tracer,
		meter:       meter,
		serviceName: serviceName,
		logCounter:  logCounter,
		dropCounter: dropCounter,
		buffer:      make(chan logEntry, opts.BufferSize),
		shutdown:    make(chan struct{}),
	}

	h.wg.Add(1)
	go h.processLogs()

	return h, nil
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}

	attrs := make([]slog.Attr, 0, r.NumAttrs()+4)
	h.mu.RLock()
	attrs = append(attrs, h.attrs...)
	h.mu.RUnlock()
	r.Attrs(func(attr slog.Attr) bool {
		attrs = append(attrs, attr)
		return true
	})

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		attrs = append(attrs,
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	attrs = append(attrs, slog.String("service", h.serviceName))

	entry := logEntry{
		time:  r.Time,
		level: r.Level,
		msg:   r.Message,
		attrs: attrs,
		ctx:   ctx,
	}

	select {
	case h.buffer <- entry:
	default:
		h.dropCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("service", h.serviceName),
		))
	}

	return nil
}

// WithAttrs returns a derived handler carrying the extra attributes.
// The derived handler shares the parent's buffer and drain goroutine;
// Shutdown belongs to the root handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.RLock()
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	h.mu.RUnlock()
	merged = append(merged, attrs...)

	return &Handler{
		opts:        h.opts,
		tracer:      h.tracer,
		meter:       h.meter,
		serviceName: h.serviceName,
		logCounter:  h.logCounter,
		dropCounter: h.dropCounter,
		buffer:      h.buffer,
		shutdown:    h.shutdown,
		attrs:       merged,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return h
}

func (h *Handler) processLogs() {
	defer h.wg.Done()

	for {
		select {
		case entry := <-h.buffer:
			h.processLogEntry(entry)
		case <-h.shutdown:
			for {
				select {
				case entry := <-h.buffer:
					h.processLogEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (h *Handler) processLogEntry(entry logEntry) {
	h.logCounter.Add(entry.ctx, 1, metric.WithAttributes(
		attribute.String("level", entry.level.String()),
		attribute.String("service", h.serviceName),
	))

	logData := map[string]interface{}{
		"time":  entry.time.Format(time.RFC3339),
		"level": entry.level.String(),
		"msg":   entry.msg,
	}
	for _, attr := range entry.attrs {
		logData[attr.Key] = attr.Value.Any()
	}

	if h.opts.Writer != nil {
		line, err := json.Marshal(logData)
		if err != nil {
			line = []byte(fmt.Sprintf(`{"level":"ERROR","msg":"unmarshalable log entry: %v"}`, err))
		}
		fmt.Fprintf(h.opts.Writer, "%s\n", line)
	}
}

func (h *Handler) Shutdown(ctx context.Context) error {
	close(h.shutdown)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

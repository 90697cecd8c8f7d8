//go:build otel

package cmd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/al-how/claude-conductor/internal/bus"
	"github.com/al-how/claude-conductor/internal/config"
	"github.com/al-how/claude-conductor/pkg/protocol"
)

// initTelemetry exports one span per agent task to an OTLP collector,
// correlated through the dispatcher's session events. Returns a cleanup
// func, or nil when telemetry is disabled.
func initTelemetry(ctx context.Context, cfg *config.Config, msgBus *bus.MessageBus) func() {
	if !cfg.Telemetry.Enabled {
		return nil
	}

	exp, err := newTraceExporter(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("otel exporter init failed", "error", err)
		return nil
	}

	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "conductor"
	}
	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(semconv.ServiceName(serviceName)),
		sdkresource.WithFromEnv(),
	)
	if err != nil {
		slog.Error("otel resource init failed", "error", err)
		return nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracer := tp.Tracer("conductor/dispatch")

	spans := &taskSpans{open: make(map[string]trace.Span)}
	msgBus.Subscribe("otel-exporter", func(ev bus.Event) {
		spans.record(tracer, ev)
	})

	slog.Info("otel task spans enabled",
		"endpoint", cfg.Telemetry.Endpoint, "protocol", cfg.Telemetry.Protocol)

	return func() {
		msgBus.Unsubscribe("otel-exporter")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}
}

func newTraceExporter(ctx context.Context, tc config.TelemetryConfig) (*otlptrace.Exporter, error) {
	if tc.Protocol == "http" {
		var opts []otlptracehttp.Option
		if tc.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(tc.Endpoint))
		}
		if tc.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(tc.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(tc.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	var opts []otlptracegrpc.Option
	if tc.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(tc.Endpoint))
	}
	if tc.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(tc.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(tc.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// taskSpans opens a span on session_start and ends it on the matching
// terminal event. Spans for tasks that never finish are dropped with the
// provider at shutdown.
type taskSpans struct {
	mu   sync.Mutex
	open map[string]trace.Span
}

func (t *taskSpans) record(tracer trace.Tracer, ev bus.Event) {
	taskID, _ := ev.Payload["task_id"].(string)
	if taskID == "" {
		return
	}

	switch ev.Name {
	case protocol.EventSessionStart:
		source, _ := ev.Payload["source"].(string)
		_, span := tracer.Start(context.Background(), "agent.task",
			trace.WithAttributes(
				attribute.String("task.id", taskID),
				attribute.String("task.source", source),
			))
		t.mu.Lock()
		t.open[taskID] = span
		t.mu.Unlock()

	case protocol.EventSessionComplete, protocol.EventSessionFailed, protocol.EventSessionTimeout:
		t.mu.Lock()
		span, ok := t.open[taskID]
		delete(t.open, taskID)
		t.mu.Unlock()
		if !ok {
			return
		}
		if ev.Name != protocol.EventSessionComplete {
			span.SetStatus(codes.Error, ev.Name)
		}
		if errText, ok := ev.Payload["error"].(string); ok && errText != "" {
			span.SetAttributes(attribute.String("task.error", errText))
		}
		span.End()
	}
}

package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/llm"
	"github.com/jkaninda/scrapeforge/internal/sandbox"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics, tracing, and anomaly detection.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps a generation provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.String("llm.model", req.Model),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	model := req.Model
	if resp != nil && resp.Model != "" {
		model = resp.Model
	}

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	if err != nil {
		p.anomaly.RecordError("llm_request")
	} else {
		p.anomaly.RecordSuccess("llm_request")
	}

	return resp, err
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics, tracing, and anomaly detection.
type InstrumentedSandbox struct {
	inner       sandbox.Sandbox
	sandboxType string // "process" or "docker"
	metrics     *MetricsCollector
	tracer      trace.Tracer
	anomaly     *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, sandboxType string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:       inner,
		sandboxType: sandboxType,
		metrics:     metrics,
		tracer:      tracer,
		anomaly:     anomaly,
	}
}

func (s *InstrumentedSandbox) Run(ctx context.Context, req sandbox.RunRequest) *sandbox.RunResult {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.String("sandbox.type", s.sandboxType),
				attribute.String("execution.id", req.ExecutionID),
			))
		defer span.End()
	}

	result := s.inner.Run(ctx, req)

	if s.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("execution.status", string(result.Status)))
		if result.Status != domain.ExecutionCompleted {
			span.SetStatus(codes.Error, result.Error)
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxRunsTotal.WithLabelValues(s.sandboxType, string(result.Status)).Inc()
		s.metrics.SandboxRunDuration.WithLabelValues(s.sandboxType).Observe(result.Duration.Seconds())
	}

	op := "sandbox_" + s.sandboxType
	if result.Status == domain.ExecutionCompleted {
		s.anomaly.RecordSuccess(op)
	} else {
		s.anomaly.RecordError(op)
	}

	return result
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider            = (*InstrumentedProvider)(nil)
	_ sandbox.Sandbox         = (*InstrumentedSandbox)(nil)
	_ sandbox.CleanupRecorder = (*MetricsCollector)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}

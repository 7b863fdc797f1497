package observer

import (
	"context"
	"time"

	"github.com/conclave-ai/conclave"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedCompleter wraps a conclave.Completer with OTEL instrumentation.
type ObservedCompleter struct {
	inner conclave.Completer
	inst  *Instruments
}

// WrapCompleter returns an instrumented completer that emits traces and
// metrics for every call.
func WrapCompleter(inner conclave.Completer, inst *Instruments) *ObservedCompleter {
	return &ObservedCompleter{inner: inner, inst: inst}
}

func (o *ObservedCompleter) Name() string { return o.inner.Name() }

// Complete instruments a unary completion call.
func (o *ObservedCompleter) Complete(ctx context.Context, req conclave.CompletionRequest) (conclave.CompletionResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String("complete"),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Complete(ctx, req)
	o.record(ctx, span, "complete", req.Model, resp, err, time.Since(start), 0)
	return resp, err
}

// CompleteStream instruments a streaming call, counting forwarded chunks.
func (o *ObservedCompleter) CompleteStream(ctx context.Context, req conclave.CompletionRequest, ch chan<- string) (conclave.CompletionResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.complete_stream", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String("complete_stream"),
	))
	defer span.End()
	start := time.Now()

	// Count chunks on the way through; the wrapper owns closing proxied
	// sends by closing proxy after the inner call returns.
	proxy := make(chan string, cap(ch))
	var chunks int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for delta := range proxy {
			chunks++
			ch <- delta
		}
		close(ch)
	}()

	resp, err := o.inner.CompleteStream(ctx, req, proxy)
	<-done

	span.SetAttributes(AttrStreamChunks.Int64(chunks))
	o.record(ctx, span, "complete_stream", req.Model, resp, err, time.Since(start), chunks)
	return resp, err
}

// record emits the shared per-call metrics and span status.
func (o *ObservedCompleter) record(ctx context.Context, span trace.Span, method, model string, resp conclave.CompletionResponse, err error, elapsed time.Duration, chunks int64) {
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		AttrAgentStatus.String(status),
	)
	o.inst.LLMRequests.Add(ctx, 1, attrs)
	o.inst.LLMDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	if err == nil {
		span.SetAttributes(
			AttrTokensInput.Int(resp.Usage.InputTokens),
			AttrTokensOutput.Int(resp.Usage.OutputTokens),
		)
		o.inst.TokenUsage.Add(ctx, int64(resp.Usage.InputTokens+resp.Usage.OutputTokens), attrs)
	}
}

var _ conclave.Completer = (*ObservedCompleter)(nil)

// Package opentracing adapts an opentracing-go tracer to tracing.Tracer.
package opentracing

import (
	"context"
	"net/http"

	"github.com/hpc-io/pdc-sub007/logger"
	"github.com/hpc-io/pdc-sub007/tracing"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
)

// Ensure type implements interface.
var _ tracing.Tracer = (*Tracer)(nil)

// Tracer wraps an opentracing.Tracer.
type Tracer struct {
	tracer opentracing.Tracer
	logger logger.Logger
}

// NewTracer returns a new instance of Tracer.
func NewTracer(tracer opentracing.Tracer, logger logger.Logger) *Tracer {
	return &Tracer{tracer: tracer, logger: logger}
}

// StartSpanFromContext starts a span that is a child of any span already
// carried by ctx.
func (t *Tracer) StartSpanFromContext(ctx context.Context, operationName string) (tracing.Span, context.Context) {
	var opts []opentracing.StartSpanOption
	if parent := opentracing.SpanFromContext(ctx); parent != nil {
		opts = append(opts, opentracing.ChildOf(parent.Context()))
	}
	span := t.tracer.StartSpan(operationName, opts...)
	return span, opentracing.ContextWithSpan(ctx, span)
}

// InjectHTTPHeaders copies the span of r's context into its headers.
func (t *Tracer) InjectHTTPHeaders(r *http.Request) {
	span := opentracing.SpanFromContext(r.Context())
	if span == nil {
		return
	}
	if err := t.tracer.Inject(span.Context(), opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(r.Header)); err != nil {
		t.logger.Errorf("opentracing inject error: %s", err)
	}
}

// ExtractHTTPHeaders starts a server-side span from the headers of r.
func (t *Tracer) ExtractHTTPHeaders(r *http.Request) (tracing.Span, context.Context) {
	wireContext, _ := t.tracer.Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(r.Header))
	span := t.tracer.StartSpan("PDC.Op."+r.URL.Path, ext.RPCServerOption(wireContext))
	return span, opentracing.ContextWithSpan(r.Context(), span)
}

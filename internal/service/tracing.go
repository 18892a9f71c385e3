package service

import (
	"context"

	"github.com/egannguyen/storefront/internal/entity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/egannguyen/storefront/internal/service")

// EventEmitter hands committed events to the dispatcher. Emit must not block
// on delivery and never reports delivery failures back to the caller.
type EventEmitter interface {
	Emit(ctx context.Context, events ...entity.Event)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		if code := entity.CodeOf(err); code != "" {
			span.SetStatus(codes.Error, string(code))
		} else {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// stockLowCrossed reports whether moving from before to after took the product
// below its reorder threshold.
func stockLowCrossed(p *entity.Product, before, after int) bool {
	return p.ReorderThreshold > 0 && before >= p.ReorderThreshold && after < p.ReorderThreshold
}

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scopes.
const (
	scopeService = "nextstack"
	scopeDB      = "nextstack/db"
)

// Span attribute keys for the payment pipeline.
const (
	AttrEventID   = attribute.Key("stripe.event_id")
	AttrEventType = attribute.Key("stripe.event_type")
	AttrSessionID = attribute.Key("stripe.session_id")
	AttrPaymentID = attribute.Key("payment.id")
)

// EventDuplicateDelivery marks a webhook that hit an already stored payment.
const EventDuplicateDelivery = "payment.duplicate_delivery"

// DBOperation names the statement kind on a database span.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	// DBOperationExec covers DDL and other statements without rows.
	DBOperationExec DBOperation = "exec"
)

// StartDBSpan starts a client span named "<operation> <table>" and returns a
// func that records err (if any) and ends it.
//
//	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationInsert)
//	defer func() { endSpan(err) }()
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, func(error)) {
	name := string(operation)
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", string(operation)),
	}
	if table != "" {
		name += " " + table
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}

	ctx, span := otel.Tracer(scopeDB).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, endWith(span)
}

// StartSpan starts an internal span, e.g. "webhook.verify".
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(scopeService).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, endWith(span)
}

func endWith(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the span in ctx. No-op without a recording span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the span in ctx.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

package obs

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ctxSpanKey struct{}

const maxStatementLen = 300

// PGXTracer creates spans for queries and batches. Batched statements are
// recorded as events on the batch span.
type PGXTracer struct{}

var (
	_ pgx.QueryTracer = PGXTracer{}
	_ pgx.BatchTracer = PGXTracer{}
)

func (PGXTracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) context.Context {
	ctx, span := otel.Tracer("db.pgx").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("db.system", "postgresql"))
	span.SetAttributes(attrs...)
	return context.WithValue(ctx, ctxSpanKey{}, span)
}

func (PGXTracer) end(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	span, ok := ctx.Value(ctxSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceQueryStart starts a span named after the SQL verb.
func (t PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	op := sqlOperation(data.SQL)
	return t.start(ctx, "pgx."+strings.ToLower(op),
		attribute.String("db.operation", op),
		attribute.String("db.statement", truncateSQL(data.SQL)),
	)
}

// TraceQueryEnd ends the span and records rows affected and any error.
func (t PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	t.end(ctx, data.Err, attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
}

// TraceBatchStart starts a span covering the whole batch.
func (t PGXTracer) TraceBatchStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceBatchStartData) context.Context {
	size := 0
	if data.Batch != nil {
		size = data.Batch.Len()
	}
	return t.start(ctx, "pgx.batch", attribute.Int("db.batch.size", size))
}

// TraceBatchQuery records each statement of the batch as a span event.
func (PGXTracer) TraceBatchQuery(ctx context.Context, _ *pgx.Conn, data pgx.TraceBatchQueryData) {
	span, ok := ctx.Value(ctxSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("db.operation", sqlOperation(data.SQL))}
	if data.Err != nil {
		attrs = append(attrs, attribute.String("error", data.Err.Error()))
	}
	span.AddEvent("batch.query", trace.WithAttributes(attrs...))
}

// TraceBatchEnd ends the batch span.
func (t PGXTracer) TraceBatchEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceBatchEndData) {
	t.end(ctx, data.Err)
}

func sqlOperation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "UNKNOWN"
	}
	return strings.ToUpper(fields[0])
}

func truncateSQL(sql string) string {
	trimmed := strings.TrimSpace(sql)
	if len(trimmed) > maxStatementLen {
		return trimmed[:maxStatementLen] + "..."
	}
	return trimmed
}

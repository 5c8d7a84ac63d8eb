package coordinator

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/orbital-training-coordinator/internal/logging"
	"github.com/signalsfoundry/orbital-training-coordinator/internal/observability"
)

const roundIDMetadataKey = "x-round-id"

// RoundIDUnaryServerInterceptor ensures a round_id is on the context,
// taking it from inbound metadata when present, and attaches a per-call
// logger annotated with the method.
func RoundIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(roundIDMetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithRoundID(ctx, vals[0])
			}
		}
		ctx, _ = logging.EnsureRoundID(ctx)

		method := "unknown"
		if info != nil {
			method = info.FullMethod
		}
		ctx = logging.ContextWithLogger(ctx, base.With(logging.String("method", method)))

		resp, err := handler(ctx, req)
		return resp, ToStatusError(err)
	}
}

// TracingUnaryServerInterceptor names the RPC span, annotates it with the
// rpc.* attributes and the round_id, and starts a server span itself when
// no stats handler has. Chain it after RoundIDUnaryServerInterceptor.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	tracer := otel.Tracer(tracerName)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := observability.SplitMethod(fullMethod)
		name := fmt.Sprintf("OTC/%s/%s", service, method)

		span := trace.SpanFromContext(ctx)
		created := false
		if !span.SpanContext().IsValid() {
			ctx, span = tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
			created = true
		} else {
			span.SetName(name)
		}

		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
			attribute.String("rpc.full_method", strings.TrimPrefix(fullMethod, "/")),
		}
		if id := logging.RoundIDFromContext(ctx); id != "" {
			attrs = append(attrs, attribute.String("round_id", id))
		}
		span.SetAttributes(attrs...)

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if created {
			span.End()
		}
		return resp, err
	}
}

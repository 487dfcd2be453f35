package observability

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/circuitworld/internal/logging"
)

func TestRunIDInterceptorUsesIncomingMetadata(t *testing.T) {
	interceptor := RunIDUnaryServerInterceptor(nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-run-id", "run-42"))

	var gotID string
	var gotLogger logging.Logger
	_, err := interceptor(ctx, nil, info, func(ctx context.Context, req any) (any, error) {
		gotID = logging.RunIDFromContext(ctx)
		gotLogger = logging.LoggerFromContext(ctx)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if gotID != "run-42" {
		t.Fatalf("run id = %q, want run-42", gotID)
	}
	if gotLogger == nil {
		t.Fatalf("expected a request logger on the context")
	}
}

func TestRunIDInterceptorGeneratesID(t *testing.T) {
	interceptor := RunIDUnaryServerInterceptor(logging.Noop())
	info := &grpc.UnaryServerInfo{FullMethod: "/svc/Method"}

	var gotID string
	_, _ = interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		gotID = logging.RunIDFromContext(ctx)
		return nil, nil
	})
	if gotID == "" {
		t.Fatalf("expected a generated run id")
	}
}

func TestTracingInterceptorPassesErrorsThrough(t *testing.T) {
	interceptor := TracingUnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/svc/Method"}
	boom := errors.New("boom")

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

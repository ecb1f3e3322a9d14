package llm

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// startFakeSidecar serves the generate method with an echo of the prompts.
func startFakeSidecar(t *testing.T) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != generateMethod {
			return nil
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		fields := req.GetFields()
		resp, err := structpb.NewStruct(map[string]any{
			"text": fields["system_prompt"].GetStringValue() + "|" + fields["user_prompt"].GetStringValue(),
		})
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	}))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestSidecarClientGenerate(t *testing.T) {
	addr := startFakeSidecar(t)

	cfg := DefaultSidecarConfig(addr)
	cfg.RequestTimeout = 5 * time.Second
	client, err := NewSidecarClient(cfg, nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Health(context.Background()))

	text, err := client.Generate(context.Background(), "sys", "hello", Options{Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "sys|hello", text)
}

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// DialGRPC opens a client connection for GRPCTransport.
func DialGRPC(endpoint string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("DialGRPC: %w", err)
	}
	return conn, nil
}

// GRPCTransport returns a Transport that invokes unary methods on service,
// exchanging google.protobuf.Struct messages. The call path becomes the
// method name: "/status" on service "studio.kiln.v1.KilnBridge" invokes
// "/studio.kiln.v1.KilnBridge/status".
func GRPCTransport(conn grpc.ClientConnInterface, service string) Transport {
	service = strings.Trim(service, "/")

	return func(ctx context.Context, path string, input map[string]any, timeout time.Duration) (map[string]any, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		plain, err := plainMap(input)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		req, err := structpb.NewStruct(plain)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}

		method := "/" + service + "/" + strings.TrimPrefix(path, "/")
		out := &structpb.Struct{}
		if err := conn.Invoke(ctx, method, req, out); err != nil {
			return nil, err
		}
		return out.AsMap(), nil
	}
}

// plainMap round-trips v through JSON so structpb only sees the types it
// accepts (float64, string, bool, nil, []any, map[string]any).
func plainMap(v map[string]any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

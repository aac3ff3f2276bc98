package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"github.com/and161185/vaultbridge/internal/messaging"
)

// Client calls the bridge service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Dispatch sends one request.
func (c *Client) Dispatch(ctx context.Context, req *messaging.Request, opts ...grpc.CallOption) (*messaging.Response, error) {
	out := new(messaging.Response)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, DispatchMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// BearerCreds attaches a bearer token to every call.
type BearerCreds struct {
	Token  string
	Secure bool
}

func (b BearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.Token}, nil
}

func (b BearerCreds) RequireTransportSecurity() bool { return b.Secure }

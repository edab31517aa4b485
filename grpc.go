package authstate

import (
	"context"

	"google.golang.org/grpc/credentials"
)

type rpcCredentials struct {
	session    *Session
	requireTLS bool
}

// PerRPCCredentials adapts s for use with grpc.WithPerRPCCredentials. Each
// call goes through PrepareAPICall; a failure aborts the RPC before it is
// sent.
func PerRPCCredentials(s *Session, requireTLS bool) credentials.PerRPCCredentials {
	return &rpcCredentials{session: s, requireTLS: requireTLS}
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c *rpcCredentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	header, err := c.session.PrepareAPICall(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"authorization": header}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c *rpcCredentials) RequireTransportSecurity() bool {
	return c.requireTLS
}

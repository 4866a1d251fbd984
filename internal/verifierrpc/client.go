package verifierrpc

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	internaldns "github.com/changerawr/domains/internal/dns"
)

// Client calls a remote DomainVerifier. It satisfies the same contract as
// *dns.Verifier: transport failures become entries in the result's Errors.
type Client struct {
	cc     grpc.ClientConnInterface
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// Dial connects to a verifier at target. Extra options are appended after
// plaintext transport credentials.
func Dial(target string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial verifier %s: %w", target, err)
	}
	return &Client{cc: conn, conn: conn, logger: logger}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface, logger *zap.Logger) *Client {
	return &Client{cc: cc, logger: logger}
}

// Close closes the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// VerifyDNSRecords runs the remote engine.
func (c *Client) VerifyDNSRecords(ctx context.Context, domain, expectedTarget, token string) *internaldns.VerificationResult {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"domain":          structpb.NewStringValue(domain),
		"expected_target": structpb.NewStringValue(expectedTarget),
		"token":           structpb.NewStringValue(token),
	}}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodVerify, req, out); err != nil {
		c.logger.Warn("verifier rpc failed", zap.String("domain", domain), zap.Error(err))
		return &internaldns.VerificationResult{
			Errors: []string{fmt.Sprintf("DNS verification error: %v", err)},
		}
	}
	return structToResult(out)
}

// CheckDomainResolution asks the remote engine whether domain resolves.
// RPC failures report false.
func (c *Client) CheckDomainResolution(ctx context.Context, domain string) bool {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"domain": structpb.NewStringValue(domain),
	}}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodResolve, req, out); err != nil {
		c.logger.Warn("verifier rpc failed", zap.String("domain", domain), zap.Error(err))
		return false
	}
	return out.GetFields()["resolves"].GetBoolValue()
}

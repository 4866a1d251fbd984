// Package verifierrpc exposes the verification engine over gRPC so that DNS
// and outbound HTTP probing can run on dedicated egress hosts.
//
// Messages are google.protobuf.Struct values; the field names match the JSON
// form of dns.VerificationResult.
package verifierrpc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	internaldns "github.com/changerawr/domains/internal/dns"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "changerawr.domains.v1.DomainVerifier"

const (
	methodVerify  = "/" + ServiceName + "/VerifyDNSRecords"
	methodResolve = "/" + ServiceName + "/CheckDomainResolution"
)

// Engine is the verification capability served over RPC. *dns.Verifier satisfies it.
type Engine interface {
	VerifyDNSRecords(ctx context.Context, domain, expectedTarget, token string) *internaldns.VerificationResult
	CheckDomainResolution(ctx context.Context, domain string) bool
}

// VerifierServer is the server API for the DomainVerifier service.
type VerifierServer interface {
	VerifyDNSRecords(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CheckDomainResolution(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Server implements VerifierServer on top of an Engine.
type Server struct {
	engine Engine
	logger *zap.Logger
}

// NewServer creates a Server.
func NewServer(engine Engine, logger *zap.Logger) *Server {
	return &Server{engine: engine, logger: logger}
}

// VerifyDNSRecords implements VerifierServer.
//
// Request fields: domain, expected_target, token. Fields are passed to the
// engine as sent, so empty values fail the same checks they fail in-process.
func (s *Server) VerifyDNSRecords(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	domain := stringField(req, "domain")
	target := stringField(req, "expected_target")
	token := stringField(req, "token")

	res := s.engine.VerifyDNSRecords(ctx, domain, target, token)
	out, err := resultToStruct(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

// CheckDomainResolution implements VerifierServer.
//
// Request fields: domain. Response fields: domain, resolves.
func (s *Server) CheckDomainResolution(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	domain := stringField(req, "domain")
	resolves := s.engine.CheckDomainResolution(ctx, domain)
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"domain":   structpb.NewStringValue(domain),
		"resolves": structpb.NewBoolValue(resolves),
	}}, nil
}

// Register adds the verifier and the standard health service to srv.
func Register(srv *grpc.Server, impl VerifierServer) *health.Server {
	srv.RegisterService(&serviceDesc, impl)

	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, healthSvc)
	healthSvc.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return healthSvc
}

// LoggingInterceptor logs each unary call with its status code and latency.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VerifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "VerifyDNSRecords", Handler: verifyHandler},
		{MethodName: "CheckDomainResolution", Handler: resolveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "changerawr/domains/v1/verifier.proto",
}

func verifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerifierServer).VerifyDNSRecords(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodVerify}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VerifierServer).VerifyDNSRecords(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func resolveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerifierServer).CheckDomainResolution(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodResolve}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VerifierServer).CheckDomainResolution(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[name].GetStringValue()
}

func resultToStruct(r *internaldns.VerificationResult) (*structpb.Struct, error) {
	errs := make([]any, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	m := map[string]any{
		"cname_valid": r.CNAMEValid,
		"txt_valid":   r.TXTValid,
		"errors":      errs,
	}
	if r.CNAMETarget != nil {
		m["cname_target"] = *r.CNAMETarget
	}
	if r.TXTRecord != nil {
		m["txt_record"] = *r.TXTRecord
	}
	return structpb.NewStruct(m)
}

func structToResult(s *structpb.Struct) *internaldns.VerificationResult {
	f := s.GetFields()
	res := &internaldns.VerificationResult{
		CNAMEValid: f["cname_valid"].GetBoolValue(),
		TXTValid:   f["txt_valid"].GetBoolValue(),
		Errors:     []string{},
	}
	if v, ok := f["cname_target"]; ok {
		t := v.GetStringValue()
		res.CNAMETarget = &t
	}
	if v, ok := f["txt_record"]; ok {
		t := v.GetStringValue()
		res.TXTRecord = &t
	}
	for _, e := range f["errors"].GetListValue().GetValues() {
		res.Errors = append(res.Errors, e.GetStringValue())
	}
	return res
}

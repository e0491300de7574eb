package auth

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// MethodResource uses the full gRPC method name without its leading slash
// as the resource.
func MethodResource(fullMethod string) string {
	return strings.TrimPrefix(fullMethod, "/")
}

// UnaryServerInterceptor authorizes each unary call with the bearer token
// in the "authorization" metadata. Calls are checked against realm; an
// empty realm follows the resource. resource maps the method to a resource
// (MethodResource when nil). Denies become status errors:
//
//	CROSS_POOL_ACCESS          PermissionDenied
//	KEY_FETCH_ERROR            Unavailable
//	other token failures       Unauthenticated
//
// The error code is attached as the "x-auth-error-code" trailer.
func UnaryServerInterceptor(checker Checker, realm Realm, resource func(fullMethod string) string) grpc.UnaryServerInterceptor {
	if resource == nil {
		resource = MethodResource
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authorizeGRPC(ctx, checker, realm, resource(info.FullMethod))
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming form of [UnaryServerInterceptor].
// The check runs once when the stream opens.
func StreamServerInterceptor(checker Checker, realm Realm, resource func(fullMethod string) string) grpc.StreamServerInterceptor {
	if resource == nil {
		resource = MethodResource
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authorizeGRPC(ss.Context(), checker, realm, resource(info.FullMethod))
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func authorizeGRPC(ctx context.Context, checker Checker, realm Realm, resource string) (context.Context, error) {
	var caller string
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		caller = peerHost(p.Addr)
	}

	var token string
	var headerErr error
	md, _ := metadata.FromIncomingContext(ctx)
	if vals := md.Get(strings.ToLower(HeaderAuthorization)); len(vals) > 0 {
		token, headerErr = ParseBearer(vals[0])
	} else {
		headerErr = sserr.New(sserr.CodeInvalidTokenFormat, "auth: missing authorization metadata")
	}

	d, id := checker.Authorize(ctx, CheckRequest{Token: token, Resource: resource, Realm: realm, Caller: caller})
	if !d.Allowed() {
		if headerErr != nil {
			d.ErrorCode, d.ErrorMessage = sserr.CodeInvalidTokenFormat, headerErr.Error()
		}
		_ = grpc.SetTrailer(ctx, metadata.Pairs(strings.ToLower(HeaderErrorCode), string(d.ErrorCode)))
		return ctx, status.Error(GRPCCode(d.ErrorCode), d.ErrorMessage)
	}

	ctx = ContextWithDecision(ctx, d)
	if id != nil {
		ctx = ContextWithIdentity(ctx, id)
	}
	return ContextWithCaller(ctx, caller), nil
}

// peerHost returns the host of a peer address, matching [ClientAddr] so
// HTTP and gRPC denies from one client share a caller key.
func peerHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// GRPCCode maps a deny code to a gRPC status code.
func GRPCCode(code sserr.Code) codes.Code {
	switch code.Category() {
	case sserr.CategoryAuthorization:
		return codes.PermissionDenied
	case sserr.CategoryUnavailable:
		return codes.Unavailable
	case sserr.CategoryTimeout:
		return codes.DeadlineExceeded
	case sserr.CategoryAuthentication, sserr.CategoryValidation:
		return codes.Unauthenticated
	}
	return codes.Internal
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

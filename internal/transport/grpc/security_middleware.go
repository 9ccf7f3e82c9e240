package grpc

import (
	"context"
	"fmt"
	"net"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/security"
)

// SecurityMiddleware applies the shared rate limiter to gRPC calls
type SecurityMiddleware struct {
	limiter *security.RateLimiter
}

// NewSecurityMiddleware creates a new security middleware. A nil limiter allows every call.
func NewSecurityMiddleware(limiter *security.RateLimiter) *SecurityMiddleware {
	return &SecurityMiddleware{
		limiter: limiter,
	}
}

// UnaryInterceptor rejects calls from peers over their rate limit
func (sm *SecurityMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if sm.limiter != nil && !sm.limiter.Allow(ctx, peerIP(ctx)) {
			sm.limiter.Rejected("grpc")
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}

		return handler(ctx, req)
	}
}

// peerIP extracts the caller's IP address from the gRPC context
func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}

	if tcpAddr, ok := p.Addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}

	if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
		return host
	}
	return p.Addr.String()
}

// InterceptorLogger adapts a logrus logger to the go-grpc-middleware logging interceptors
func InterceptorLogger(l logrus.FieldLogger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		f := make(logrus.Fields, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			f[fmt.Sprint(fields[i])] = fields[i+1]
		}
		entry := l.WithFields(f)

		switch lvl {
		case logging.LevelDebug:
			entry.Debug(msg)
		case logging.LevelInfo:
			entry.Info(msg)
		case logging.LevelWarn:
			entry.Warn(msg)
		case logging.LevelError:
			entry.Error(msg)
		default:
			entry.Warnf("unknown level %v: %s", lvl, msg)
		}
	})
}

// NewServer builds a gRPC server with logging, rate limiting and the given extra interceptors
func NewServer(log logrus.FieldLogger, sm *SecurityMiddleware, interceptors ...grpc.UnaryServerInterceptor) *grpc.Server {
	chain := []grpc.UnaryServerInterceptor{
		logging.UnaryServerInterceptor(InterceptorLogger(log)),
		sm.UnaryInterceptor(),
	}
	chain = append(chain, interceptors...)

	return grpc.NewServer(
		grpc.ChainUnaryInterceptor(chain...),
		grpc.MaxRecvMsgSize(1024*1024),
		grpc.MaxSendMsgSize(1024*1024),
	)
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/observability/metrics"
	"OpenMCP-Swap/internal/session"
)

// statusWriter 包装 http.ResponseWriter 以捕获响应状态码。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument 记录请求指标与审计日志。
func (s *Server) instrument(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		duration := time.Since(start)
		metrics.ObserveHTTPRequest(handler, r.Method, sw.status, duration)
		s.audit.Info("api_request",
			slog.String("event", r.URL.Path),
			slog.String("method", r.Method),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
	})
}

// rateLimit 使用全局令牌桶限流。
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, xerrors.New(CodeRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

type sessionKey struct{}

// withSession 将已认证的会话写入上下文。
func withSession(ctx context.Context, sess *session.Session, token string) context.Context {
	return context.WithValue(ctx, sessionKey{}, authenticated{session: sess, token: token})
}

type authenticated struct {
	session *session.Session
	token   string
}

func sessionFromContext(ctx context.Context) (authenticated, bool) {
	auth, ok := ctx.Value(sessionKey{}).(authenticated)
	return auth, ok && auth.session != nil
}

func bearerFromContext(ctx context.Context) string {
	auth, _ := ctx.Value(sessionKey{}).(authenticated)
	return auth.token
}

// authenticate 解析 bearer 令牌。失败时写入 401 并记录审计日志。
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, toolName string) (*http.Request, bool) {
	if s.deps.Sessions == nil {
		writeError(w, xerrors.New(xerrors.CodeInitFailure, "session manager is not configured"))
		return nil, false
	}
	token := bearerToken(r)
	if token == "" {
		s.deny(w, r, toolName, "missing bearer token")
		return nil, false
	}
	sess, ok := s.deps.Sessions.ResolveSession(r.Context(), token)
	if !ok {
		s.deny(w, r, toolName, "invalid or expired session")
		return nil, false
	}
	return r.WithContext(withSession(r.Context(), sess, token)), true
}

func (s *Server) deny(w http.ResponseWriter, r *http.Request, toolName, reason string) {
	s.audit.Warn("access_denied",
		slog.String("tool", toolName),
		slog.String("path", r.URL.Path),
		slog.String("remote", r.RemoteAddr),
		slog.String("error", reason),
	)
	writeError(w, xerrors.New(xerrors.CodeUnauthorized, reason))
}

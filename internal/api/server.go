package api

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"OpenMCP-Swap/internal/aggregator"
	"OpenMCP-Swap/internal/chain"
	"OpenMCP-Swap/internal/comparator"
	"OpenMCP-Swap/internal/executor"
	"OpenMCP-Swap/internal/observability/metrics"
	"OpenMCP-Swap/internal/quote"
	"OpenMCP-Swap/internal/session"
	"OpenMCP-Swap/internal/storage/mysql"
	"OpenMCP-Swap/internal/web3/provider"
	"OpenMCP-Swap/pkg/logger"
)

// Networks 是链注册表的只读视图。
type Networks interface {
	Networks() []string
	GetNetworkConfig(networkID string) (chain.Network, error)
	ResolveAssetAddress(ref chain.AssetRef, networkID string) (common.Address, error)
}

// Quoter 返回单链最优报价。
type Quoter interface {
	GetBestQuote(ctx context.Context, req quote.Request) (*aggregator.Result, error)
}

// Comparer 跨链比较报价。
type Comparer interface {
	CompareAcrossNetworks(ctx context.Context, sellSymbol, buySymbol string, sellAmount *big.Int) ([]comparator.NetworkQuote, error)
}

// Sessions 管理会话生命周期。
type Sessions interface {
	CreateSession(ctx context.Context, userID string, networkIDs []string) (*session.Session, error)
	ResolveSession(ctx context.Context, token string) (*session.Session, bool)
	RevokeSession(ctx context.Context, token string) bool
	ExportKey(ctx context.Context, token, exportCode string) (string, error)
}

// Executor 执行兑换。
type Executor interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// History 查询执行历史。
type History interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]mysql.ExecutionRecord, error)
}

// ChainStatus 汇总各链的实时状态。
type ChainStatus interface {
	Snapshots(ctx context.Context) map[string]provider.SnapshotResult
}

// Dependencies 汇集工具调用所需的组件，未配置的组件对应的工具返回 INITIALIZATION_FAILURE。
type Dependencies struct {
	Networks   Networks
	Quotes     Quoter
	Comparator Comparer
	Sessions   Sessions
	Executor   Executor
	History    History
	Chains     ChainStatus
}

// Config 控制监听地址、限流与优雅退出。
type Config struct {
	Address         string
	RateLimitPerSec float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
}

// Server 负责暴露工具调用接口。
type Server struct {
	cfg     Config
	deps    Dependencies
	tools   map[string]tool
	limiter *rate.Limiter
	logger  *slog.Logger
	audit   *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, deps Dependencies) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("api"),
		audit:  logger.Audit(),
	}
	if cfg.RateLimitPerSec > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(cfg.RateLimitPerSec) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), burst)
	}
	s.tools = s.registerTools()
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/tools/{name}", s.instrument("tool", s.rateLimit(http.HandlerFunc(s.handleTool))))
	mux.Handle("GET /api/v1/tools", s.instrument("tools", http.HandlerFunc(s.handleListTools)))
	mux.Handle("GET /healthz", http.HandlerFunc(s.handleHealth))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("tool api listening", slog.String("address", s.cfg.Address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	writeData(w, names)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, map[string]string{"status": "ok"})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, Envelope{Error: "服务已关闭", Code: "UNAVAILABLE"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

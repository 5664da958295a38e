package session

import (
	"context"
	"crypto/ecdsa"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"OpenMCP-Swap/internal/chain"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/observability/metrics"
	"OpenMCP-Swap/pkg/logger"
)

const (
	// DefaultInactivityTTL is how long a session survives without activity.
	DefaultInactivityTTL = 24 * time.Hour
	// DefaultReapInterval is how often idle sessions are purged.
	DefaultReapInterval = time.Hour
	// DefaultTokenTTL bounds the lifetime of a bearer token.
	DefaultTokenTTL = 30 * 24 * time.Hour
)

// Session is the public view of an active session.
type Session struct {
	SessionID    string         `json:"sessionId"`
	UserID       string         `json:"userId"`
	Address      common.Address `json:"address"`
	NetworkIDs   []string       `json:"networkIds"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActiveAt time.Time      `json:"lastActiveAt"`
	// BearerToken is only set on the value returned by CreateSession.
	BearerToken string `json:"bearerToken,omitempty"`
}

// HasNetwork reports whether the session was opened for networkID.
func (s *Session) HasNetwork(networkID string) bool {
	for _, id := range s.NetworkIDs {
		if strings.EqualFold(id, networkID) {
			return true
		}
	}
	return false
}

func sessionFromRecord(rec *Record) *Session {
	return &Session{
		SessionID:    rec.SessionID,
		UserID:       rec.UserID,
		Address:      rec.Address,
		NetworkIDs:   append([]string(nil), rec.NetworkIDs...),
		CreatedAt:    rec.CreatedAt,
		LastActiveAt: rec.LastActiveAt,
	}
}

// Networks validates network ids at session creation.
type Networks interface {
	GetNetworkConfig(networkID string) (chain.Network, error)
}

// Config controls token signing and session lifetime.
type Config struct {
	Secret        string
	Issuer        string
	TokenTTL      time.Duration
	InactivityTTL time.Duration
	ReapInterval  time.Duration
	// ExportSecret gates ExportKey. Empty disables key export.
	ExportSecret string
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithAuditLogger overrides the audit logger.
func WithAuditLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.audit = l
		}
	}
}

// Manager owns session lifecycles and the signing keys behind them. Keys
// never leave the manager except through ExportKey.
type Manager struct {
	cfg      Config
	signer   *tokenSigner
	store    Store
	networks Networks
	now      func() time.Time
	logger   *slog.Logger
	audit    *slog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager validates cfg and starts the idle session reaper.
func NewManager(cfg Config, store Store, networks Networks, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("session secret must be configured")
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.InactivityTTL <= 0 {
		cfg.InactivityTTL = DefaultInactivityTTL
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.TokenTTL < 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}

	m := &Manager{
		cfg:      cfg,
		signer:   &tokenSigner{secret: []byte(cfg.Secret), issuer: cfg.Issuer, ttl: cfg.TokenTTL},
		store:    store,
		networks: networks,
		now:      time.Now,
		logger:   logger.Named("session"),
		audit:    logger.Audit(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.reapLoop()
	return m, nil
}

// CreateSession generates a fresh wallet for the given networks and issues a
// bearer token bound to it. An empty userID gets a generated one.
func (m *Manager) CreateSession(ctx context.Context, userID string, networkIDs []string) (*Session, error) {
	if len(networkIDs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "at least one network is required")
	}
	networks := make([]string, 0, len(networkIDs))
	seen := make(map[string]struct{}, len(networkIDs))
	for _, id := range networkIDs {
		if m.networks != nil {
			network, err := m.networks.GetNetworkConfig(id)
			if err != nil {
				return nil, err
			}
			id = network.ID
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		networks = append(networks, id)
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = uuid.NewString()
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "generate wallet key")
	}

	now := m.now()
	rec := &Record{
		SessionID:    uuid.NewString(),
		UserID:       userID,
		Address:      crypto.PubkeyToAddress(key.PublicKey),
		NetworkIDs:   networks,
		CreatedAt:    now,
		LastActiveAt: now,
		Key:          key,
	}
	token, err := m.signer.issue(userID, rec.SessionID, now)
	if err != nil {
		WipeKey(key)
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "issue session token")
	}
	if err := m.store.Put(ctx, rec); err != nil {
		WipeKey(key)
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist session")
	}

	m.audit.Info("session_created",
		slog.String("session_id", rec.SessionID),
		slog.String("user_id", userID),
		slog.String("address", rec.Address.Hex()),
		slog.Any("networks", networks))
	metrics.IncSessionEvent("created", 1)
	m.publishSize(ctx)

	out := sessionFromRecord(rec)
	out.BearerToken = token
	return out, nil
}

// ResolveSession validates token and returns its session, refreshing the
// activity timestamp. Malformed, expired, idle and revoked tokens all yield
// ok=false.
func (m *Manager) ResolveSession(ctx context.Context, token string) (*Session, bool) {
	rec, ok := m.lookup(ctx, token)
	if !ok {
		return nil, false
	}
	now := m.now()
	if err := m.store.Touch(ctx, rec.SessionID, now); err != nil {
		return nil, false
	}
	if now.After(rec.LastActiveAt) {
		rec.LastActiveAt = now
	}
	return sessionFromRecord(rec), true
}

func (m *Manager) lookup(ctx context.Context, token string) (*Record, bool) {
	now := m.now()
	claims, err := m.signer.verify(token, now, true)
	if err != nil {
		return nil, false
	}
	rec, err := m.store.Get(ctx, claims.SessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("session lookup failed", slog.String("session_id", claims.SessionID), slog.Any("error", err))
		}
		return nil, false
	}
	if rec.UserID != claims.Subject {
		return nil, false
	}
	if now.Sub(rec.LastActiveAt) > m.cfg.InactivityTTL {
		m.destroy(ctx, rec.SessionID, "session_expired")
		return nil, false
	}
	return rec, true
}

// RevokeSession destroys the session behind token and wipes its key. It
// returns true only for the call that actually removed the session.
func (m *Manager) RevokeSession(ctx context.Context, token string) bool {
	claims, err := m.signer.verify(token, m.now(), false)
	if err != nil {
		return false
	}
	removed := m.destroy(ctx, claims.SessionID, "session_revoked")
	if removed {
		metrics.IncSessionEvent("revoked", 1)
	}
	return removed
}

func (m *Manager) destroy(ctx context.Context, sessionID, event string) bool {
	removed, err := m.store.Delete(ctx, sessionID)
	if err != nil {
		m.logger.Error("delete session failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return false
	}
	if removed {
		m.audit.Info(event, slog.String("session_id", sessionID))
		m.publishSize(ctx)
	}
	return removed
}

// SignTransaction signs tx with the session key for chainID. The key never
// leaves the manager.
func (m *Manager) SignTransaction(ctx context.Context, token string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	rec, ok := m.lookup(ctx, token)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "session is invalid or expired")
	}
	if tx == nil || chainID == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "transaction and chain id are required")
	}
	var signed *types.Transaction
	err := m.store.WithKey(ctx, rec.SessionID, func(key *ecdsa.PrivateKey) error {
		var signErr error
		signed, signErr = types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
		return signErr
	})
	if errors.Is(err, ErrNotFound) {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "session was revoked")
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "sign transaction")
	}
	_ = m.store.Touch(ctx, rec.SessionID, m.now())
	return signed, nil
}

// ExportKey returns the hex encoded private key of the session. It requires
// the separately configured export code and is audited.
func (m *Manager) ExportKey(ctx context.Context, token, exportCode string) (string, error) {
	if m.cfg.ExportSecret == "" {
		return "", xerrors.New(xerrors.CodeUnauthorized, "key export is disabled")
	}
	rec, ok := m.lookup(ctx, token)
	if !ok {
		return "", xerrors.New(xerrors.CodeUnauthorized, "session is invalid or expired")
	}
	if subtle.ConstantTimeCompare([]byte(exportCode), []byte(m.cfg.ExportSecret)) != 1 {
		m.audit.Warn("key_export_denied", slog.String("session_id", rec.SessionID))
		return "", xerrors.New(xerrors.CodeUnauthorized, "export authorization failed")
	}

	var encoded string
	err := m.store.WithKey(ctx, rec.SessionID, func(key *ecdsa.PrivateKey) error {
		raw := crypto.FromECDSA(key)
		encoded = hex.EncodeToString(raw)
		for i := range raw {
			raw[i] = 0
		}
		return nil
	})
	if err != nil {
		return "", xerrors.New(xerrors.CodeUnauthorized, "session was revoked")
	}
	m.audit.Warn("key_exported",
		slog.String("session_id", rec.SessionID),
		slog.String("user_id", rec.UserID),
		slog.String("address", rec.Address.Hex()))
	metrics.IncSessionEvent("exported", 1)
	return encoded, nil
}

// Reap purges every session idle for longer than the inactivity window and
// returns how many were removed.
func (m *Manager) Reap(ctx context.Context) int {
	cutoff := m.now().Add(-m.cfg.InactivityTTL)
	ids, err := m.store.IdleSince(ctx, cutoff)
	if err != nil {
		m.logger.Error("list idle sessions failed", slog.Any("error", err))
		return 0
	}
	removed := 0
	for _, id := range ids {
		if m.destroy(ctx, id, "session_expired") {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("idle sessions purged", slog.Int("count", removed))
		metrics.IncSessionEvent("reaped", removed)
	}
	return removed
}

func (m *Manager) reapLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			m.Reap(ctx)
			cancel()
		}
	}
}

func (m *Manager) publishSize(ctx context.Context) {
	if n, err := m.store.Len(ctx); err == nil {
		metrics.SetActiveSessions(n)
	}
}

// Close stops the reaper and releases the store, wiping held keys. It is
// safe to call more than once.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
		if closeErr := m.store.Close(); closeErr != nil {
			err = fmt.Errorf("close session store: %w", closeErr)
		}
	})
	return err
}

package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	gomysql "github.com/go-sql-driver/mysql"
)

// 执行状态。
const (
	StatusConfirmed = "confirmed"
	StatusPending   = "pending"
	StatusFailed    = "failed"
	// StatusRejected 表示在提交前就被拒绝，没有链上交易。
	StatusRejected = "rejected"
)

// ExecutionRecord 表示一次兑换执行的落库结构。金额以十进制字符串保存。
type ExecutionRecord struct {
	ID              string `json:"id"`
	SessionID       string `json:"sessionId"`
	UserID          string `json:"userId"`
	NetworkID       string `json:"networkId"`
	Venue           string `json:"venue,omitempty"`
	SellAsset       string `json:"sellAsset"`
	BuyAsset        string `json:"buyAsset"`
	SellAmount      string `json:"sellAmount"`
	BuyAmount       string `json:"buyAmount,omitempty"`
	MinBuyAmount    string `json:"minBuyAmount,omitempty"`
	TxHash          string `json:"txHash,omitempty"`
	BlockNumber     uint64 `json:"blockNumber,omitempty"`
	GasUsed         uint64 `json:"gasUsed,omitempty"`
	Status          string `json:"status"`
	ErrorCode       string `json:"errorCode,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
	SavingsAbsolute string `json:"savingsAbsolute,omitempty"`
	SavingsPercent  string `json:"savingsPercent,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
	CompletedAt     int64  `json:"completedAt"`
	DurationMs      int64  `json:"durationMs"`
}

// ErrDuplicateExecution 表示执行 ID 已存在。
var ErrDuplicateExecution = errors.New("execution already recorded")

// ExecutionRepository 抽象执行历史的持久化接口。
type ExecutionRepository interface {
	Save(ctx context.Context, record ExecutionRecord) error
	// ListByUser 按创建时间倒序返回用户最近的执行记录。
	ListByUser(ctx context.Context, userID string, limit int) ([]ExecutionRecord, error)
	Close() error
}

const (
	defaultListLimit      = 20
	maxListLimit          = 200
	defaultMemoryCapacity = 1024
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// MemoryExecutionRepository 在内存中保留最近的执行记录，超出容量时丢弃最旧的。
type MemoryExecutionRepository struct {
	mu       sync.RWMutex
	capacity int
	records  []ExecutionRecord
	ids      map[string]struct{}
}

// NewMemoryExecutionRepository 创建内存执行仓库。
func NewMemoryExecutionRepository(capacity int) *MemoryExecutionRepository {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryExecutionRepository{capacity: capacity, ids: make(map[string]struct{})}
}

// Save 追加一条执行记录。
func (m *MemoryExecutionRepository) Save(_ context.Context, record ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ids[record.ID]; exists {
		return ErrDuplicateExecution
	}
	m.records = append(m.records, record)
	m.ids[record.ID] = struct{}{}
	if overflow := len(m.records) - m.capacity; overflow > 0 {
		for _, dropped := range m.records[:overflow] {
			delete(m.ids, dropped.ID)
		}
		m.records = append([]ExecutionRecord(nil), m.records[overflow:]...)
	}
	return nil
}

// ListByUser 返回用户最近的执行记录。
func (m *MemoryExecutionRepository) ListByUser(_ context.Context, userID string, limit int) ([]ExecutionRecord, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []ExecutionRecord
	for i := len(m.records) - 1; i >= 0 && len(results) < limit; i-- {
		if m.records[i].UserID == userID {
			results = append(results, m.records[i])
		}
	}
	return results, nil
}

// Close 无需释放资源。
func (m *MemoryExecutionRepository) Close() error { return nil }

// SQLExecutionRepository 使用 MySQL 存储执行历史。
type SQLExecutionRepository struct {
	db *sql.DB
}

// NewSQLExecutionRepository 创建连接池并执行迁移。
func NewSQLExecutionRepository(ctx context.Context, cfg Config) (*SQLExecutionRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLExecutionRepository{db: db}, nil
}

const insertExecutionSQL = `INSERT INTO swap_executions
    (id, session_id, user_id, network_id, venue, sell_asset, buy_asset, sell_amount, buy_amount, min_buy_amount,
     tx_hash, block_number, gas_used, status, error_code, error_message, savings_absolute, savings_percent,
     created_at, completed_at, duration_ms)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectExecutionsByUserSQL = `SELECT id, session_id, user_id, network_id, venue, sell_asset, buy_asset, sell_amount,
    buy_amount, min_buy_amount, tx_hash, block_number, gas_used, status, error_code, COALESCE(error_message, ''),
    savings_absolute, savings_percent, created_at, completed_at, duration_ms
    FROM swap_executions WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`

// Save 将执行记录写入 MySQL。
func (s *SQLExecutionRepository) Save(ctx context.Context, r ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, insertExecutionSQL,
		r.ID, r.SessionID, r.UserID, r.NetworkID, r.Venue, r.SellAsset, r.BuyAsset, r.SellAmount, r.BuyAmount, r.MinBuyAmount,
		r.TxHash, r.BlockNumber, r.GasUsed, r.Status, r.ErrorCode, r.ErrorMessage, r.SavingsAbsolute, r.SavingsPercent,
		r.CreatedAt, r.CompletedAt, r.DurationMs,
	)
	if err != nil {
		var mysqlErr *gomysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDuplicateExecution
		}
		return fmt.Errorf("写入执行记录失败: %w", err)
	}
	return nil
}

// ListByUser 查询用户最近的执行记录。
func (s *SQLExecutionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectExecutionsByUserSQL, userID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("查询执行记录失败: %w", err)
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var r ExecutionRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.UserID, &r.NetworkID, &r.Venue, &r.SellAsset, &r.BuyAsset, &r.SellAmount,
			&r.BuyAmount, &r.MinBuyAmount, &r.TxHash, &r.BlockNumber, &r.GasUsed, &r.Status, &r.ErrorCode, &r.ErrorMessage,
			&r.SavingsAbsolute, &r.SavingsPercent, &r.CreatedAt, &r.CompletedAt, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("解析执行记录失败: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历执行记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLExecutionRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ ExecutionRepository = (*MemoryExecutionRepository)(nil)
	_ ExecutionRepository = (*SQLExecutionRepository)(nil)
)

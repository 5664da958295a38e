package redis

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"OpenMCP-Swap/internal/session"
)

// SessionStoreConfig 描述 Redis 会话存储的连接参数。
type SessionStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	// Passphrase 用于加密落盘的会话私钥，不能为空。
	Passphrase string
}

const (
	fieldUser      = "user_id"
	fieldAddress   = "address"
	fieldNetworks  = "networks"
	fieldCreatedAt = "created_at"
	fieldKey       = "key"
)

// SessionStore 将会话记录保存在 Redis hash 中，并以 sorted set 按最近活跃时间
// 建立索引。私钥以 keystore v3 格式加密后存储。
type SessionStore struct {
	client     redis.UniversalClient
	prefix     string
	passphrase string
	scryptN    int
	scryptP    int
}

// NewSessionStore 连接 Redis 并返回会话存储。
func NewSessionStore(cfg SessionStoreConfig) (*SessionStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	store, err := NewSessionStoreWithClient(client, cfg.Prefix, cfg.Passphrase)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// NewSessionStoreWithClient 复用已有的 Redis 客户端。
func NewSessionStoreWithClient(client redis.UniversalClient, prefix, passphrase string) (*SessionStore, error) {
	if client == nil {
		return nil, errors.New("Redis client 不能为空")
	}
	if passphrase == "" {
		return nil, errors.New("会话私钥加密口令不能为空")
	}
	if prefix == "" {
		prefix = "openmcp:swap:"
	}
	return &SessionStore{
		client:     client,
		prefix:     prefix,
		passphrase: passphrase,
		scryptN:    keystore.LightScryptN,
		scryptP:    keystore.LightScryptP,
	}, nil
}

func (s *SessionStore) recordKey(id string) string { return s.prefix + "session:" + id }
func (s *SessionStore) indexKey() string          { return s.prefix + "sessions:active" }

// Put implements session.Store.
func (s *SessionStore) Put(ctx context.Context, rec *session.Record) error {
	if rec == nil || rec.SessionID == "" || rec.Key == nil {
		return errors.New("session record requires an id and a key")
	}
	// 明文私钥只在加密前存在，写入成功与否都要擦除。
	defer session.WipeKey(rec.Key)
	fields, err := encodeRecord(rec, s.passphrase, s.scryptN, s.scryptP)
	if err != nil {
		return err
	}
	key := s.recordKey(rec.SessionID)
	created, err := s.client.HSetNX(ctx, key, fieldUser, rec.UserID).Result()
	if err != nil {
		return fmt.Errorf("写入会话失败: %w", err)
	}
	if !created {
		return errors.New("session already exists")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: score(rec.LastActiveAt), Member: rec.SessionID})
		return nil
	})
	if err != nil {
		_ = s.client.Del(ctx, key).Err()
		return fmt.Errorf("写入会话失败: %w", err)
	}
	return nil
}

// Get implements session.Store.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*session.Record, error) {
	var (
		fieldsCmd *redis.MapStringStringCmd
		scoreCmd  *redis.FloatCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fieldsCmd = pipe.HGetAll(ctx, s.recordKey(sessionID))
		scoreCmd = pipe.ZScore(ctx, s.indexKey(), sessionID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}
	fields := fieldsCmd.Val()
	lastActive, scoreErr := scoreCmd.Result()
	if len(fields) == 0 || errors.Is(scoreErr, redis.Nil) {
		return nil, session.ErrNotFound
	}
	return decodeRecord(sessionID, fields, fromScore(lastActive))
}

// Touch implements session.Store. The index only moves forward.
func (s *SessionStore) Touch(ctx context.Context, sessionID string, at time.Time) error {
	if _, err := s.client.ZScore(ctx, s.indexKey(), sessionID).Result(); err != nil {
		if errors.Is(err, redis.Nil) {
			return session.ErrNotFound
		}
		return fmt.Errorf("读取会话失败: %w", err)
	}
	err := s.client.ZAddArgs(ctx, s.indexKey(), redis.ZAddArgs{
		XX:      true,
		GT:      true,
		Members: []redis.Z{{Score: score(at), Member: sessionID}},
	}).Err()
	if err != nil {
		return fmt.Errorf("更新会话活跃时间失败: %w", err)
	}
	return nil
}

// WithKey implements session.Store. The key is decrypted per call and wiped
// once fn returns.
func (s *SessionStore) WithKey(ctx context.Context, sessionID string, fn func(*ecdsa.PrivateKey) error) error {
	blob, err := s.client.HGet(ctx, s.recordKey(sessionID), fieldKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.ErrNotFound
		}
		return fmt.Errorf("读取会话私钥失败: %w", err)
	}
	key, err := decryptKey([]byte(blob), s.passphrase)
	if err != nil {
		return err
	}
	defer session.WipeKey(key)
	return fn(key)
}

// Delete implements session.Store.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.recordKey(sessionID))
		pipe.ZRem(ctx, s.indexKey(), sessionID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("删除会话失败: %w", err)
	}
	return del.Val() > 0, nil
}

// IdleSince implements session.Store.
func (s *SessionStore) IdleSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(score(cutoff), 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("查询闲置会话失败: %w", err)
	}
	return ids, nil
}

// Len implements session.Store.
func (s *SessionStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("统计会话失败: %w", err)
	}
	return int(n), nil
}

// Close 关闭 Redis 连接。加密的记录保留在 Redis 中，直到被撤销或回收。
func (s *SessionStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func fromScore(v float64) time.Time { return time.UnixMilli(int64(v)).UTC() }

func encodeRecord(rec *session.Record, passphrase string, scryptN, scryptP int) (map[string]interface{}, error) {
	id, err := uuid.Parse(rec.SessionID)
	if err != nil {
		id = uuid.New()
	}
	blob, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    rec.Address,
		PrivateKey: rec.Key,
	}, passphrase, scryptN, scryptP)
	if err != nil {
		return nil, fmt.Errorf("加密会话私钥失败: %w", err)
	}
	return map[string]interface{}{
		fieldUser:      rec.UserID,
		fieldAddress:   rec.Address.Hex(),
		fieldNetworks:  strings.Join(rec.NetworkIDs, ","),
		fieldCreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldKey:       string(blob),
	}, nil
}

func decodeRecord(sessionID string, fields map[string]string, lastActive time.Time) (*session.Record, error) {
	address := fields[fieldAddress]
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("会话 %s 地址无效", sessionID)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("会话 %s 创建时间无效: %w", sessionID, err)
	}
	var networks []string
	if raw := fields[fieldNetworks]; raw != "" {
		networks = strings.Split(raw, ",")
	}
	return &session.Record{
		SessionID:    sessionID,
		UserID:       fields[fieldUser],
		Address:      common.HexToAddress(address),
		NetworkIDs:   networks,
		CreatedAt:    createdAt,
		LastActiveAt: lastActive,
	}, nil
}

func decryptKey(blob []byte, passphrase string) (*ecdsa.PrivateKey, error) {
	key, err := keystore.DecryptKey(blob, passphrase)
	if err != nil {
		return nil, fmt.Errorf("解密会话私钥失败: %w", err)
	}
	return key.PrivateKey, nil
}

var _ session.Store = (*SessionStore)(nil)

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
)

// RedisContextManager stores each context's history in its own Redis
// sorted set, scored by a monotonically increasing sequence number so
// ZRangeByScore replays entries in insertion order. This lets multiple
// orchestrator instances share conversation state behind a session
// registry without pinning a context to one process.
type RedisContextManager struct {
	client    *redis.Client
	keyPrefix string
	seq       atomic.Int64
	maxAge    time.Duration
}

// RedisConfig configures a RedisContextManager.
type RedisConfig struct {
	// Client is the Redis client to use. Required.
	Client *redis.Client
	// KeyPrefix namespaces the sorted-set keys. Defaults to "sts:history:".
	KeyPrefix string
	// ContextTimeout excludes entries older than this from GetHistories.
	// Zero disables age-based exclusion.
	ContextTimeout time.Duration
}

// NewRedisContextManager builds a RedisContextManager from cfg.
func NewRedisContextManager(cfg RedisConfig) (*RedisContextManager, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("history: redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sts:history:"
	}
	return &RedisContextManager{client: cfg.Client, keyPrefix: prefix, maxAge: cfg.ContextTimeout}, nil
}

var _ orchestrator.ContextManager = (*RedisContextManager)(nil)

func (r *RedisContextManager) key(contextID string) string {
	return r.keyPrefix + contextID
}

type storedMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	SchemaTag  string `json:"schema_tag,omitempty"`
	StoredAt   int64  `json:"stored_at"`
}

func (r *RedisContextManager) GetHistories(ctx context.Context, contextID string, limit int) ([]orchestrator.LLMMessage, error) {
	members, err := r.client.ZRangeByScore(ctx, r.key(contextID), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("history: redis get: %w", err)
	}

	var cutoff int64
	if r.maxAge > 0 {
		cutoff = time.Now().Add(-r.maxAge).UnixNano()
	}

	fresh := make([]orchestrator.LLMMessage, 0, len(members))
	for _, member := range members {
		var sm storedMessage
		if err := json.Unmarshal([]byte(member), &sm); err != nil {
			continue
		}
		if r.maxAge > 0 && sm.StoredAt < cutoff {
			continue
		}
		fresh = append(fresh, orchestrator.LLMMessage{
			Role:       sm.Role,
			Content:    sm.Content,
			ToolCallID: sm.ToolCallID,
			ToolName:   sm.ToolName,
		})
	}

	if limit <= 0 || limit >= len(fresh) {
		return fresh, nil
	}
	return fresh[len(fresh)-limit:], nil
}

func (r *RedisContextManager) AddHistories(ctx context.Context, contextID string, messages []orchestrator.LLMMessage, schemaTag string) error {
	if len(messages) == 0 {
		return nil
	}

	now := time.Now().UnixNano()
	zs := make([]redis.Z, 0, len(messages))
	for _, m := range messages {
		data, err := json.Marshal(storedMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
			SchemaTag:  schemaTag,
			StoredAt:   now,
		})
		if err != nil {
			return fmt.Errorf("history: marshal message: %w", err)
		}
		zs = append(zs, redis.Z{Score: float64(r.seq.Add(1)), Member: string(data)})
	}

	if err := r.client.ZAdd(ctx, r.key(contextID), zs...).Err(); err != nil {
		return fmt.Errorf("history: redis add: %w", err)
	}
	return nil
}

// Clear removes a context's stored history entirely.
func (r *RedisContextManager) Clear(ctx context.Context, contextID string) error {
	return r.client.Del(ctx, r.key(contextID)).Err()
}

package core

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRequestKeyPrefix = "sign-access:request:"

// completeScript flips a pending request to its final status in place.
// Only status and completed_at are written, so the other fields and the key
// TTL stay exactly as Save left them.
// Returns 1 on success, 0 when no request holds the token, -1 when the
// request is no longer pending.
var completeScript = redis.NewScript(`
local vals = redis.call("HMGET", KEYS[1], "token", "status")
if not vals[1] or vals[1] ~= ARGV[1] then return 0 end
if vals[2] ~= "pending" then return -1 end
redis.call("HSET", KEYS[1], "status", ARGV[2], "completed_at", ARGV[3])
return 1
`)

type RedisStore struct {
	conn      *RedisConn
	keyPrefix string
}

func NewRedisStore(conn *RedisConn, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultRequestKeyPrefix
	}
	return &RedisStore{
		conn:      conn,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisStore) key(resourceID int64, t TokenType) string {
	return s.keyPrefix + string(t) + ":" + strconv.FormatInt(resourceID, 10)
}

func (s *RedisStore) Save(ctx context.Context, r SignatureRequest, ttl time.Duration) error {
	rdb, err := s.conn.Client(ctx)
	if err != nil {
		return err
	}
	key := s.key(r.ResourceID, r.Type)
	fields := map[string]any{
		"resource_id": strconv.FormatInt(r.ResourceID, 10),
		"type":        string(r.Type),
		"token":       r.Token,
		"expires_at":  formatTime(r.ExpiresAt),
		"status":      string(r.Status),
		"created_at":  formatTime(r.CreatedAt),
	}
	if r.CompletedAt != nil {
		fields["completed_at"] = formatTime(*r.CompletedAt)
	}
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Get(ctx context.Context, resourceID int64, t TokenType) (*SignatureRequest, error) {
	rdb, err := s.conn.Client(ctx)
	if err != nil {
		return nil, err
	}
	vals, err := rdb.HGetAll(ctx, s.key(resourceID, t)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	r, err := decodeRequest(vals)
	if err != nil {
		return nil, fmt.Errorf("decode signature request: %w", err)
	}
	return r, nil
}

func decodeRequest(vals map[string]string) (*SignatureRequest, error) {
	id, err := strconv.ParseInt(vals["resource_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("resource_id: %w", err)
	}
	r := &SignatureRequest{
		ResourceID: id,
		Type:       TokenType(vals["type"]),
		Token:      vals["token"],
		Status:     RequestStatus(vals["status"]),
	}
	if r.ExpiresAt, err = parseTime(vals["expires_at"]); err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}
	if r.CreatedAt, err = parseTime(vals["created_at"]); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if raw, ok := vals["completed_at"]; ok && raw != "" {
		at, err := parseTime(raw)
		if err != nil {
			return nil, fmt.Errorf("completed_at: %w", err)
		}
		r.CompletedAt = &at
	}
	return r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func (s *RedisStore) Complete(ctx context.Context, resourceID int64, t TokenType, token string, to RequestStatus, at time.Time) error {
	if !CanTransition(StatusPending, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, StatusPending, to)
	}
	rdb, err := s.conn.Client(ctx)
	if err != nil {
		return err
	}

	res, err := completeScript.Run(ctx, rdb, []string{s.key(resourceID, t)},
		token, string(to), formatTime(at)).Int()
	if err != nil {
		return err
	}
	switch res {
	case 0:
		return ErrNotFound
	case -1:
		return ErrUsed
	default:
		return nil
	}
}

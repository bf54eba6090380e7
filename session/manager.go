package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"
)

const activeSessionsKey = "active_sessions"

// Registry records session metadata in Redis so other processes can see
// which voice sessions are live. A Registry without Redis does nothing;
// every method is safe on a nil receiver.
type Registry struct {
	redis *redis.Client
	ttl   time.Duration
	log   pslog.Logger
}

// Record is the metadata stored for one session
type Record struct {
	Deployment string
	Voice      string
	CreatedAt  time.Time
}

// NewRegistry connects to Redis. If Redis is unreachable the registry is
// returned disabled rather than failing.
func NewRegistry(ctx context.Context, addr, password string, ttl time.Duration, log pslog.Logger) *Registry {
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	r := &Registry{ttl: ttl, log: log}
	if addr == "" {
		return r
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	// Test Redis connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Redis unavailable, continue without it
		log.Warn("redis unavailable, session registry disabled", "addr", addr, "err", err)
		_ = client.Close()
		return r
	}

	r.redis = client
	return r
}

// Enabled reports whether records are being written
func (r *Registry) Enabled() bool {
	return r != nil && r.redis != nil
}

func sessionKey(id string) string {
	return "session:" + id
}

// Open stores a new active session
func (r *Registry) Open(ctx context.Context, id string, rec Record) {
	if !r.Enabled() {
		return
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	key := sessionKey(id)
	pipe := r.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"created_at":    rec.CreatedAt.Format(time.RFC3339),
		"last_activity": now.Format(time.RFC3339),
		"status":        "active",
		"deployment":    rec.Deployment,
		"voice":         rec.Voice,
	})
	pipe.SAdd(ctx, activeSessionsKey, id)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("registry open failed", "session", id, "err", err)
	}
}

// Touch updates the session's last activity and extends its TTL
func (r *Registry) Touch(ctx context.Context, id string) {
	if !r.Enabled() {
		return
	}
	key := sessionKey(id)
	pipe := r.redis.TxPipeline()
	pipe.HSet(ctx, key, "last_activity", time.Now().Format(time.RFC3339))
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Debug("registry touch failed", "session", id, "err", err)
	}
}

// Close marks the session closed and removes it from the active set. The
// record itself expires with its TTL.
func (r *Registry) Close(ctx context.Context, id string) {
	if !r.Enabled() {
		return
	}
	key := sessionKey(id)
	pipe := r.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"status":    "closed",
		"closed_at": time.Now().Format(time.RFC3339),
	})
	pipe.SRem(ctx, activeSessionsKey, id)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("registry close failed", "session", id, "err", err)
	}
}

// Active lists the ids of sessions currently marked active
func (r *Registry) Active(ctx context.Context) ([]string, error) {
	if !r.Enabled() {
		return nil, nil
	}
	return r.redis.SMembers(ctx, activeSessionsKey).Result()
}

// Shutdown releases the Redis connection
func (r *Registry) Shutdown() error {
	if !r.Enabled() {
		return nil
	}
	return r.redis.Close()
}

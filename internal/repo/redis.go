package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

import (
	"github.com/redis/go-redis/v9"
)

import (
	"github.com/nanjiek/pixiu-rcu/internal/config"
)

// All keys share the prefix as hash tag so the scripts and the
// transactional reload stay on one cluster slot.
const (
	keyEntriesTmpl   = "{%s}:entries"
	keyRevisionsTmpl = "{%s}:entry_revs"
	keyRevisionTmpl  = "{%s}:revision"
)

type RedisRepo struct {
	Prefix         string
	UpdateChannel  string
	Cli            *redis.ClusterClient
	logger         *slog.Logger
	defaultTimeout time.Duration // per command
	loadTimeout    time.Duration // full reloads
}

// NewRedis with functional options for flexibility
func NewRedis(cfg *config.Config, logger *slog.Logger, opts ...Option) (*RedisRepo, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &RedisRepo{
		Prefix:         cfg.Redis.Prefix,
		UpdateChannel:  cfg.Redis.UpdatesChannel,
		logger:         logger,
		defaultTimeout: durationOrDefault(cfg.Redis.CommandTimeoutMs, 100),
		loadTimeout:    2 * time.Second,
	}

	for _, opt := range opts {
		opt(r)
	}

	addrs := normalizeAddrs(cfg.Redis)
	if len(addrs) == 0 {
		return nil, errors.New("no redis addresses configured")
	}

	r.Cli = redis.NewClusterClient(buildClusterOptions(cfg.Redis))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Cli.Ping(ctx).Err(); err != nil {
		logger.Error("redis cluster ping failed", "err", err)
		_ = r.Cli.Close()
		return nil, fmt.Errorf("redis cluster connect failed: %w", err)
	}

	return r, nil
}

// Option pattern for custom configurations
type Option func(*RedisRepo)

func WithDefaultTimeout(d time.Duration) Option {
	return func(r *RedisRepo) { r.defaultTimeout = d }
}

func WithLoadTimeout(d time.Duration) Option {
	return func(r *RedisRepo) { r.loadTimeout = d }
}

func (r *RedisRepo) withTimeout(ctx context.Context, opTimeout time.Duration) (context.Context, context.CancelFunc) {
	if opTimeout == 0 {
		opTimeout = r.defaultTimeout
	}
	return context.WithTimeout(ctx, opTimeout)
}

func (r *RedisRepo) KeyEntries() string {
	return fmt.Sprintf(keyEntriesTmpl, r.Prefix)
}

func (r *RedisRepo) KeyRevisions() string {
	return fmt.Sprintf(keyRevisionsTmpl, r.Prefix)
}

func (r *RedisRepo) KeyRevision() string {
	return fmt.Sprintf(keyRevisionTmpl, r.Prefix)
}

func (r *RedisRepo) scriptKeys() []string {
	return []string{r.KeyEntries(), r.KeyRevisions(), r.KeyRevision()}
}

// LoadEntries reads every entry and the catalog revision in one transaction.
func (r *RedisRepo) LoadEntries(parentCtx context.Context) (map[string]config.Entry, uint64, error) {
	ctx, cancel := r.withTimeout(parentCtx, r.loadTimeout)
	defer cancel()

	var bodies, revs *redis.MapStringStringCmd
	var rev *redis.StringCmd
	_, err := r.Cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		bodies = pipe.HGetAll(ctx, r.KeyEntries())
		revs = pipe.HGetAll(ctx, r.KeyRevisions())
		rev = pipe.Get(ctx, r.KeyRevision())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("load entries failed: %w", err)
	}

	revision, err := rev.Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("parse catalog revision failed: %w", err)
	}

	return decodeEntries(bodies.Val(), revs.Val(), r.logger), revision, nil
}

// SaveEntry stores e and returns the catalog revision it was written at.
func (r *RedisRepo) SaveEntry(parentCtx context.Context, e config.Entry) (uint64, error) {
	return r.runSave(parentCtx, scriptSaveEntry, e)
}

// SeedEntry stores e only if the key is absent. It returns 0 when an entry
// already existed.
func (r *RedisRepo) SeedEntry(parentCtx context.Context, e config.Entry) (uint64, error) {
	return r.runSave(parentCtx, scriptSeedEntry, e)
}

func (r *RedisRepo) runSave(parentCtx context.Context, script *redis.Script, e config.Entry) (uint64, error) {
	e.Revision = 0
	body, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encode entry %s failed: %w", e.Key, err)
	}

	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	rev, err := script.Run(ctx, r.Cli, r.scriptKeys(), e.Key, body).Uint64()
	if err != nil {
		return 0, fmt.Errorf("save entry %s failed: %w", e.Key, err)
	}
	return rev, nil
}

// DeleteEntry removes key and returns the new catalog revision, or 0 if
// the key did not exist.
func (r *RedisRepo) DeleteEntry(parentCtx context.Context, key string) (uint64, error) {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	rev, err := scriptDeleteEntry.Run(ctx, r.Cli, r.scriptKeys(), key).Uint64()
	if err != nil {
		return 0, fmt.Errorf("delete entry %s failed: %w", key, err)
	}
	return rev, nil
}

func (r *RedisRepo) PublishUpdate(parentCtx context.Context, key string) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	if err := r.Cli.Publish(ctx, r.UpdateChannel, key).Err(); err != nil {
		return fmt.Errorf("publish update for entry %s failed: %w", key, err)
	}
	return nil
}

// WatchUpdates forwards update notifications until ctx is done. Bursts are
// coalesced: a notification is dropped when one is already pending.
func (r *RedisRepo) WatchUpdates(ctx context.Context) <-chan string {
	sub := r.Cli.Subscribe(ctx, r.UpdateChannel)
	out := make(chan string, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
				}
			}
		}
	}()
	return out
}

func (r *RedisRepo) Close() error {
	return r.Cli.Close()
}

func decodeEntries(bodies, revs map[string]string, logger *slog.Logger) map[string]config.Entry {
	out := make(map[string]config.Entry, len(bodies))
	for key, body := range bodies {
		var e config.Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			logger.Warn("failed to decode entry", "key", key, "error", err)
			continue
		}
		e.Key = key
		if raw, ok := revs[key]; ok {
			rev, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				logger.Warn("bad entry revision", "key", key, "revision", raw)
			}
			e.Revision = rev
		}
		out[key] = e
	}
	return out
}

func normalizeAddrs(cfg config.RedisCfg) []string {
	if len(cfg.Addrs) > 0 {
		return cfg.Addrs
	}
	if cfg.Addr == "" {
		return nil
	}
	parts := strings.Split(cfg.Addr, ",")
	var out []string
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func buildClusterOptions(cfg config.RedisCfg) *redis.ClusterOptions {
	return &redis.ClusterOptions{
		Addrs:           normalizeAddrs(cfg),
		Password:        cfg.Password,
		RouteByLatency:  true,
		PoolSize:        atLeast(cfg.PoolSize, 20),
		MinIdleConns:    atLeast(cfg.MinIdleConns, 2),
		DialTimeout:     durationOrDefault(cfg.DialTimeoutMs, 800),
		ReadTimeout:     durationOrDefault(cfg.ReadTimeoutMs, 800),
		WriteTimeout:    durationOrDefault(cfg.WriteTimeoutMs, 800),
		MaxRetries:      atLeast(cfg.MaxRetries, 2),
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSec) * time.Second,
	}
}

func atLeast(val, def int) int {
	if val > def {
		return val
	}
	return def
}

func durationOrDefault(ms int, defMs int) time.Duration {
	if ms <= 0 {
		ms = defMs
	}
	return time.Duration(ms) * time.Millisecond
}

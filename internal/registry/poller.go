package registry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

import (
	"github.com/nanjiek/pixiu-rcu/internal/registry/source"
)

const FailClosed = "fail-closed"

// PollerConfig controls the pull loop behavior.
type PollerConfig struct {
	Interval   time.Duration
	FailPolicy string // fail-open | fail-closed
}

// Poller periodically pulls the full entry set from an external source
// (e.g., Nacos) and publishes it when its version changes.
type Poller struct {
	source     source.Source
	registry   *Registry
	interval   time.Duration
	failPolicy string
	lastVer    string
	log        *slog.Logger
	mu         sync.Mutex
}

func NewPoller(src source.Source, reg *Registry, cfg PollerConfig) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		source:     src,
		registry:   reg,
		interval:   interval,
		failPolicy: strings.ToLower(strings.TrimSpace(cfg.FailPolicy)),
		log:        reg.log,
	}
}

// SyncOnce pulls once and reports whether a new catalog was published.
func (p *Poller) SyncOnce(ctx context.Context) (bool, error) {
	return p.pull(ctx)
}

// Start runs the polling loop until ctx is done.
func (p *Poller) Start(ctx context.Context) {
	if _, err := p.pull(ctx); err != nil {
		p.log.Warn("entry pull failed on startup", "error", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.pull(ctx); err != nil {
				p.log.Warn("entry pull failed", "error", err)
			}
		}
	}
}

func (p *Poller) pull(ctx context.Context) (bool, error) {
	payload, err := p.source.Fetch(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.handleFailure()
		return false, err
	}
	if payload.Version != "" && payload.Version == p.lastVer {
		return false, nil
	}

	entries := BuildEntryMap(payload.Entries)
	if len(entries) == 0 {
		p.log.Warn("pulled payload contains no valid entries", "version", payload.Version)
	}

	p.registry.ReplaceAll(entries, 0)
	p.lastVer = payload.Version
	return true, nil
}

// handleFailure empties the catalog under fail-closed. The version is
// forgotten so the next good pull publishes again.
func (p *Poller) handleFailure() {
	if p.failPolicy != FailClosed {
		return
	}
	if p.registry.Len() > 0 {
		p.registry.ReplaceAll(nil, 0)
	}
	p.lastVer = ""
}

package source

import (
	"context"
)

import (
	"github.com/nanjiek/pixiu-rcu/internal/config"
)

// Payload is a normalized entry set fetched from an external source.
type Payload struct {
	Entries []config.Entry
	Version string
}

// Source fetches the full entry set from an external system (e.g., Nacos).
type Source interface {
	Fetch(ctx context.Context) (Payload, error)
}

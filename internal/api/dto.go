package api

import (
	"github.com/nanjiek/pixiu-rcu/internal/config"
)

// EntryRequest is the PUT body; the key comes from the path.
type EntryRequest struct {
	Value  any               `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

// CatalogResponse is one consistent view of (part of) the catalog.
type CatalogResponse struct {
	Revision uint64         `json:"revision" yaml:"revision"`
	Entries  []config.Entry `json:"entries"  yaml:"entries"`
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

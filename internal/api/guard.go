package api

import (
	"net/http"
)

import (
	sentinel "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/base"
	sentinelconf "github.com/alibaba/sentinel-golang/core/config"
	"github.com/alibaba/sentinel-golang/core/flow"
)

import (
	"github.com/nanjiek/pixiu-rcu/internal/config"
)

// Flow control resources guarding the API.
const (
	ResourceRead  = "rcu:read"
	ResourceWrite = "rcu:write"
)

// InitSentinel starts the sentinel runtime. logDir receives its block and
// metric logs.
func InitSentinel(appName, logDir string) error {
	conf := sentinelconf.NewDefaultConfig()
	conf.Sentinel.App.Name = appName
	if logDir != "" {
		conf.Sentinel.Log.Dir = logDir
	}
	return sentinel.InitWithConfig(conf)
}

// LoadGuardRules replaces the flow rules with QPS caps from cfg. A zero cap
// leaves its resource unguarded.
func LoadGuardRules(cfg config.GuardCfg) error {
	rules := make([]*flow.Rule, 0, 2)
	if cfg.ReadQPS > 0 {
		rules = append(rules, qpsRule(ResourceRead, cfg.ReadQPS))
	}
	if cfg.WriteQPS > 0 {
		rules = append(rules, qpsRule(ResourceWrite, cfg.WriteQPS))
	}
	_, err := flow.LoadRules(rules)
	return err
}

func qpsRule(resource string, qps float64) *flow.Rule {
	return &flow.Rule{
		Resource:               resource,
		TokenCalculateStrategy: flow.Direct,
		ControlBehavior:        flow.Reject,
		Threshold:              qps,
		StatIntervalInMs:       1000,
	}
}

// guard admits a request through resource or answers 429.
func guard(resource string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, b := sentinel.Entry(resource, sentinel.WithTrafficType(base.Inbound))
		if b != nil {
			w.Header().Set("Retry-After", "1")
			errResp(w, http.StatusTooManyRequests, "too many requests: "+b.Error())
			return
		}
		defer e.Exit()
		next(w, r)
	}
}

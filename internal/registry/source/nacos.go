package source

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

import (
	"gopkg.in/yaml.v3"
)

import (
	"github.com/nanjiek/pixiu-rcu/internal/config"
)

const (
	defaultNacosGroup = "DEFAULT_GROUP"
	configsPath       = "/nacos/v1/cs/configs"
	maxPayloadBytes   = 8 << 20
)

var ErrDisabled = errors.New("nacos source is disabled")

// NacosSource pulls the entry set from the Nacos config center over HTTP.
type NacosSource struct {
	cfg    config.NacosCfg
	client *http.Client
	log    *slog.Logger
}

type NacosOption func(*NacosSource)

func WithHTTPClient(c *http.Client) NacosOption {
	return func(s *NacosSource) { s.client = c }
}

func WithLogger(l *slog.Logger) NacosOption {
	return func(s *NacosSource) { s.log = l }
}

func NewNacosSource(cfg config.NacosCfg, opts ...NacosOption) *NacosSource {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	s := &NacosSource{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch downloads the configured dataId and decodes it. The version is the
// server's Content-MD5, or the md5 of the body when the header is missing.
func (s *NacosSource) Fetch(ctx context.Context) (Payload, error) {
	if !s.cfg.Enabled() {
		return Payload{}, ErrDisabled
	}

	reqURL, err := s.buildURL()
	if err != nil {
		return Payload{}, fmt.Errorf("build nacos url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Payload{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Payload{}, fmt.Errorf("nacos request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return Payload{}, fmt.Errorf("read nacos response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Payload{}, fmt.Errorf("nacos fetch failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	version := resp.Header.Get("Content-MD5")
	if version == "" {
		sum := md5.Sum(body)
		version = hex.EncodeToString(sum[:])
	}

	entries, err := parseEntries(body, s.cfg.Format)
	if err != nil {
		return Payload{}, err
	}

	valid := entries[:0]
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			s.log.Warn("skipping nacos entry", "key", e.Key, "error", err)
			continue
		}
		valid = append(valid, e)
	}

	return Payload{Entries: valid, Version: version}, nil
}

func (s *NacosSource) buildURL() (string, error) {
	base, err := url.Parse(s.cfg.Addr)
	if err != nil {
		return "", err
	}
	base.Path = strings.TrimRight(base.Path, "/") + configsPath

	group := s.cfg.Group
	if group == "" {
		group = defaultNacosGroup
	}

	q := base.Query()
	q.Set("dataId", s.cfg.DataID)
	q.Set("group", group)
	if s.cfg.Namespace != "" {
		q.Set("tenant", s.cfg.Namespace)
	}
	if s.cfg.Username != "" {
		q.Set("username", s.cfg.Username)
		q.Set("password", s.cfg.Password)
	}
	base.RawQuery = q.Encode()

	return base.String(), nil
}

// parseEntries accepts a bare list or an {entries: [...]} document in JSON
// or YAML. An empty format tries JSON first.
func parseEntries(raw []byte, format string) ([]config.Entry, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty entries payload")
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		if entries, ok := decodeList(trimmed, json.Unmarshal); ok {
			return entries, nil
		}
		return nil, errors.New("invalid json entries payload")
	case "yaml", "yml":
		if entries, ok := decodeList(trimmed, yaml.Unmarshal); ok {
			return entries, nil
		}
		return nil, errors.New("invalid yaml entries payload")
	case "":
		if entries, ok := decodeList(trimmed, json.Unmarshal); ok {
			return entries, nil
		}
		if entries, ok := decodeList(trimmed, yaml.Unmarshal); ok {
			return entries, nil
		}
		return nil, errors.New("entries payload is neither json nor yaml")
	default:
		return nil, fmt.Errorf("unsupported entries payload format %q", format)
	}
}

type wrapped struct {
	Entries []config.Entry `json:"entries" yaml:"entries"`
}

func decodeList(raw []byte, unmarshal func([]byte, any) error) ([]config.Entry, bool) {
	var list []config.Entry
	if err := unmarshal(raw, &list); err == nil {
		return list, true
	}
	var w wrapped
	if err := unmarshal(raw, &w); err == nil && w.Entries != nil {
		return w.Entries, true
	}
	return nil, false
}

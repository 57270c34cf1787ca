package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrExceeded marks a denied quota check. Non-fatal: the pipeline
// answers with a fixed limit notice instead of generating.
var ErrExceeded = errors.New("quota: limit reached")

// Result is the read-only outcome of one quota check. This package
// never owns the accounting; it only consults it.
type Result struct {
	Allowed   bool `json:"allowed"`
	Limit     int  `json:"limit"`
	Current   int  `json:"current"`
	Remaining int  `json:"remaining"`
}

// Checker is the pre-flight gate consulted before any generation.
type Checker interface {
	Check(ctx context.Context, ownerID string) (Result, error)
}

// HTTPChecker consults an external quota service.
type HTTPChecker struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPChecker(endpoint string, timeout time.Duration) (*HTTPChecker, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("quota endpoint not configured")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPChecker{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPChecker) Check(ctx context.Context, ownerID string) (Result, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return Result{}, fmt.Errorf("parse quota endpoint: %w", err)
	}
	q := u.Query()
	q.Set("owner_id", ownerID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("create quota request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("send quota request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read quota response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("quota request failed: status=%d", resp.StatusCode)
	}

	var out Result
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("parse quota response: %w", err)
	}
	return out, nil
}

// StaticChecker enforces a flat per-owner message budget with local
// in-process counting. A limit of 0 means unlimited; meant for
// standalone deployments without a billing service.
type StaticChecker struct {
	limit  int
	mu     sync.Mutex
	counts map[string]int
}

func NewStaticChecker(limit int) *StaticChecker {
	return &StaticChecker{limit: limit, counts: map[string]int{}}
}

func (c *StaticChecker) Check(ctx context.Context, ownerID string) (Result, error) {
	if c.limit <= 0 {
		return Result{Allowed: true}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.counts[ownerID]
	if current >= c.limit {
		return Result{Allowed: false, Limit: c.limit, Current: current, Remaining: 0}, nil
	}
	c.counts[ownerID] = current + 1
	return Result{Allowed: true, Limit: c.limit, Current: current + 1, Remaining: c.limit - current - 1}, nil
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrMissingBaseURL indicates that the client was built without a server base URL.
	ErrMissingBaseURL = errors.New("transport: base url is required")
	// ErrCoolingDown indicates that the domain is inside a backoff cooldown and the call was skipped.
	ErrCoolingDown = errors.New("transport: domain cooling down")
	// ErrServerUnavailable indicates a timeout, 5xx, or 429 response. Callers treat
	// this class as transient: the mutation stays queued and backoff escalates.
	ErrServerUnavailable = errors.New("transport: server unavailable")
	// ErrRejected indicates a mutation-specific 4xx rejection. This class never
	// escalates backoff; only the mutation's own retry counter moves.
	ErrRejected = errors.New("transport: request rejected")
)

// FailureClass partitions outbound call outcomes for the retry policy.
type FailureClass int

const (
	// FailureClassNone marks a successful call.
	FailureClassNone FailureClass = iota
	// FailureClassUnavailable marks a timeout, 5xx, or 429.
	FailureClassUnavailable
	// FailureClassRejected marks a validation or authorization 4xx.
	FailureClassRejected
)

// ClassifyStatus maps an HTTP status code to a failure class.
func ClassifyStatus(status int) FailureClass {
	switch {
	case status == http.StatusTooManyRequests:
		return FailureClassUnavailable
	case status >= http.StatusInternalServerError:
		return FailureClassUnavailable
	case status >= http.StatusBadRequest:
		return FailureClassRejected
	default:
		return FailureClassNone
	}
}

// MutationPayload is one queued mutation on the wire.
type MutationPayload struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MutationResult is the server's per-mutation outcome, correlated by id.
type MutationResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Mutation result statuses.
const (
	MutationStatusSuccess = "success"
	MutationStatusError   = "error"
)

// SyncItem is one delta in a cursor stream. Cursor carries the item's own
// revision so the consumer advances to the maximum delivered value.
type SyncItem struct {
	Cursor int64           `json:"cursor"`
	Data   json.RawMessage `json:"data"`
}

// ClientConfig describes the inputs required to build a Client.
type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Client is a bearer-token HTTP client that owns the per-domain backoff
// state. Every outbound call checks the domain's cooldown first; a call inside
// the cooldown window never reaches the network.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	clock      func() time.Time
	logger     *zap.Logger

	mu       sync.Mutex
	backoffs map[string]Backoff
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		httpClient: httpClient,
		clock:      clock,
		logger:     logger,
		backoffs:   make(map[string]Backoff),
	}, nil
}

// PushMutations submits one ordered batch of mutations for a workspace and
// returns the per-mutation results.
func (c *Client) PushMutations(ctx context.Context, workspaceID string, mutations []MutationPayload) ([]MutationResult, error) {
	request := struct {
		Mutations []MutationPayload `json:"mutations"`
	}{Mutations: mutations}
	var response struct {
		Results []MutationResult `json:"results"`
	}
	path := fmt.Sprintf("/workspaces/%s/mutations", url.PathEscape(workspaceID))
	if err := c.do(ctx, http.MethodPost, path, nil, request, &response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

// FetchSyncItems pulls stream deltas with revisions above the cursor.
func (c *Client) FetchSyncItems(ctx context.Context, kind, scope string, cursor int64) ([]SyncItem, error) {
	query := url.Values{}
	query.Set("cursor", strconv.FormatInt(cursor, 10))
	var response struct {
		Items []SyncItem `json:"items"`
	}
	path := fmt.Sprintf("/sync/%s/%s", url.PathEscape(kind), url.PathEscape(scope))
	if err := c.do(ctx, http.MethodGet, path, query, nil, &response); err != nil {
		return nil, err
	}
	return response.Items, nil
}

// FetchNodeUpdates pulls the full update history for one node. Used when a
// visible collaboration references a node that is absent locally.
func (c *Client) FetchNodeUpdates(ctx context.Context, nodeID string) ([]SyncItem, error) {
	var response struct {
		Items []SyncItem `json:"items"`
	}
	path := fmt.Sprintf("/nodes/%s/history", url.PathEscape(nodeID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Items, nil
}

// Domain returns the server domain that keys the backoff state.
func (c *Client) Domain() string {
	return c.baseURL.Host
}

// CanReach reports whether the domain is outside its cooldown window.
func (c *Client) CanReach() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoffs[c.Domain()].CanRetry(c.clock())
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	domain := c.Domain()
	now := c.clock()

	c.mu.Lock()
	backoff := c.backoffs[domain]
	c.mu.Unlock()
	if !backoff.CanRetry(now) {
		return fmt.Errorf("%w: %s until %s", ErrCoolingDown, domain, backoff.CooldownUntil.Format(time.RFC3339))
	}

	target := c.baseURL.JoinPath(path)
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		// Network failures and timeouts count as availability failures.
		c.escalate(domain)
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer response.Body.Close() //nolint:errcheck

	switch ClassifyStatus(response.StatusCode) {
	case FailureClassUnavailable:
		c.escalate(domain)
		return fmt.Errorf("%w: status %d", ErrServerUnavailable, response.StatusCode)
	case FailureClassRejected:
		c.reset(domain)
		return fmt.Errorf("%w: status %d", ErrRejected, response.StatusCode)
	}

	c.reset(domain)
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

func (c *Client) escalate(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	escalated := c.backoffs[domain].IncreaseError(c.clock())
	c.backoffs[domain] = escalated
	c.logger.Warn("server availability failure",
		zap.String("domain", domain),
		zap.Int("consecutive_failures", escalated.ConsecutiveFailures),
		zap.Time("cooldown_until", escalated.CooldownUntil))
}

func (c *Client) reset(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backoffs[domain].ConsecutiveFailures > 0 {
		c.logger.Info("server reachable again", zap.String("domain", domain))
	}
	c.backoffs[domain] = c.backoffs[domain].Reset()
}

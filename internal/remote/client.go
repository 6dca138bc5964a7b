package remote

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ClientConfig holds configuration for an HTTP origin client.
type ClientConfig struct {
	// BaseURL is the origin root, e.g. "http://localhost:7420".
	BaseURL string

	// ClientID identifies this replica to the origin.
	ClientID string

	// CompressThreshold is the request size above which bodies are
	// compressed. Negative disables compression.
	CompressThreshold int

	// HTTPClient performs the requests. Callers bound each exchange
	// through the context.
	HTTPClient *http.Client

	// Logger for client operations (optional)
	Logger *log.Logger
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig(baseURL string) *ClientConfig {
	return &ClientConfig{
		BaseURL:           baseURL,
		CompressThreshold: CompressThreshold,
		HTTPClient:        &http.Client{Timeout: 60 * time.Second},
		Logger:            log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// Client talks to an origin over HTTP. It implements Origin.
type Client struct {
	config *ClientConfig
	base   *url.URL
}

var _ Origin = (*Client)(nil)

// NewClient creates a client for the origin at baseURL with default settings.
func NewClient(baseURL string) (*Client, error) {
	return NewClientWithConfig(DefaultClientConfig(baseURL))
}

// NewClientWithConfig creates a client with custom configuration.
func NewClientWithConfig(config *ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid origin URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid origin URL %q: scheme must be http or https", config.BaseURL)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{config: config, base: base}, nil
}

// HealthURL is the URL connectivity probes should target.
func (c *Client) HealthURL() string {
	return c.base.String() + "/v1/health"
}

// SyncBatch posts a batch to the origin.
func (c *Client) SyncBatch(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	if req.ClientID == "" {
		req.ClientID = c.config.ClientID
	}
	var resp BatchResponse
	n, err := c.do(ctx, http.MethodPost, "/v1/sync/batch", nil, req, &resp)
	if err != nil {
		return nil, err
	}
	resp.Bytes = n
	if err := checkResults(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches entity changes after cursor.
func (c *Client) Pull(ctx context.Context, cursor string, limit int) (*PullResponse, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("since", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp PullResponse
	n, err := c.do(ctx, http.MethodGet, "/v1/sync/pull", q, nil, &resp)
	if err != nil {
		return nil, err
	}
	resp.Bytes = n
	return &resp, nil
}

// Health queries the origin's health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var info HealthInfo
	if _, err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// do performs one exchange and returns the number of bytes on the wire.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) (int64, error) {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	var body []byte
	var encoding string
	if in != nil {
		var err error
		body, encoding, err = encodeBody(in, c.config.CompressThreshold)
		if err != nil {
			return 0, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set(HeaderProtocol, ProtocolVersion)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Encoding", encodingZstd)
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if encoding != "" {
		httpReq.Header.Set("Content-Encoding", encoding)
	}

	httpResp, err := c.config.HTTPClient.Do(httpReq)
	if err != nil {
		return int64(len(body)), &TransportError{Temporary: true, Err: err}
	}
	defer httpResp.Body.Close()

	if err := compatible(httpResp.Header.Get(HeaderProtocol)); err != nil {
		c.config.Logger.Printf("Warning: %v", err)
		return int64(len(body)), &TransportError{StatusCode: httpResp.StatusCode, Err: err}
	}

	data, n, err := readBody(httpResp.Body, httpResp.Header.Get("Content-Encoding"))
	total := int64(len(body)) + n
	if err != nil {
		return total, &TransportError{StatusCode: httpResp.StatusCode, Temporary: true, Err: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := http.StatusText(httpResp.StatusCode)
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return total, statusError(httpResp, msg)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return total, &TransportError{StatusCode: httpResp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return total, nil
}

// checkResults rejects responses that report unknown ids or statuses.
// Missing results are left for the caller to treat as transient.
func checkResults(req *BatchRequest, resp *BatchResponse) error {
	sent := make(map[string]bool, len(req.Operations))
	for _, item := range req.Operations {
		sent[item.ID] = true
	}
	for _, res := range resp.Results {
		if !sent[res.ID] {
			return &TransportError{Err: fmt.Errorf("response carries result for unknown operation %s", res.ID)}
		}
		if !res.Status.IsValid() {
			return &TransportError{Err: fmt.Errorf("response carries invalid status %q for %s", res.Status, res.ID)}
		}
	}
	return nil
}

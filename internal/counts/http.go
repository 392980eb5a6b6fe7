package counts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// HTTPOracle fetches counters from the engagement-count provider's REST API.
type HTTPOracle struct {
	BaseURL string
	APIKey  string
	client  *http.Client
	log     *zap.Logger
}

// NewHTTPOracle constructs an oracle with a shared HTTP client.
func NewHTTPOracle(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *HTTPOracle {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPOracle{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// providerResponse mirrors the provider's JSON. Some providers call
// retweets "shares"; both are accepted.
type providerResponse struct {
	Likes    *int64 `json:"likes"`
	Retweets *int64 `json:"retweets"`
	Shares   *int64 `json:"shares"`
	Replies  *int64 `json:"replies"`
}

// GetCounts performs one GET against the provider.
func (o *HTTPOracle) GetCounts(ctx context.Context, contentRef string) (Counts, error) {
	params := url.Values{}
	params.Set("content", contentRef)
	reqURL := o.BaseURL + "/v1/engagement?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Counts{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if o.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.APIKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return Counts{}, fmt.Errorf("http GET: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Counts{}, fmt.Errorf("read body: %w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Counts{}, fmt.Errorf("provider returned %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var pr providerResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return Counts{}, fmt.Errorf("json unmarshal: %w: %v", ErrUnavailable, err)
	}

	c := Counts{
		Likes:    deref(pr.Likes),
		Retweets: deref(pr.Retweets),
		Replies:  deref(pr.Replies),
	}
	if pr.Retweets == nil {
		c.Retweets = deref(pr.Shares)
	}
	if c.AllZero() {
		o.log.Warn("counts provider returned all-zero counters", zap.String("content_ref", contentRef))
	}
	return c, nil
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

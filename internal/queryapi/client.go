// Package queryapi provides the client for the wide-event query service's
// range-query interface.
package queryapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/wideobs/widewatch/internal/logger"
	"github.com/wideobs/widewatch/internal/models"
)

// ClientConfig tunes retry and connection pooling behavior.
type ClientConfig struct {
	MaxRetries          int
	RetryDelayBase      time.Duration
	RetryDelayMax       time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// Client fetches sample windows from the query service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	config     ClientConfig
}

// NewClient creates a query service client.
func NewClient(baseURL string, timeout time.Duration, config ClientConfig) *Client {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelayBase <= 0 {
		config.RetryDelayBase = 500 * time.Millisecond
	}
	if config.RetryDelayMax < config.RetryDelayBase {
		config.RetryDelayMax = 10 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
		config:     config,
	}
}

// rangeResponse mirrors the query service's range-query result shape.
type rangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string        `json:"resultType"`
		Result     []rangeSeries `json:"result"`
	} `json:"data"`
}

type rangeSeries struct {
	Metric map[string]string `json:"metric"`
	Values []samplePair      `json:"values"`
}

// samplePair decodes the wire form [unixSeconds, "value"].
type samplePair models.Sample

func (p *samplePair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var ts float64
	if err := json.Unmarshal(raw[0], &ts); err != nil {
		return fmt.Errorf("bad sample timestamp: %w", err)
	}
	var vs string
	if err := json.Unmarshal(raw[1], &vs); err != nil {
		return fmt.Errorf("bad sample value: %w", err)
	}
	v, err := strconv.ParseFloat(vs, 64)
	if err != nil {
		return fmt.Errorf("bad sample value %q: %w", vs, err)
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	p.Timestamp = time.Unix(sec, nsec).UTC()
	p.Value = v
	return nil
}

// FetchRange retrieves the sample window for one series. Transient failures
// are retried with capped exponential backoff and jitter; malformed data is
// reported immediately without retrying. The per-call deadline is always
// shorter than the series' evaluation interval.
func (c *Client) FetchRange(ctx context.Context, series models.SeriesConfig, from, to time.Time) ([]models.Sample, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/query_range")
	if err != nil {
		return nil, &models.FetchError{Kind: models.FetchBadData, Series: series.ID(), Err: err}
	}
	q := u.Query()
	q.Set("query", series.Query)
	q.Set("start", strconv.FormatInt(from.Unix(), 10))
	q.Set("end", strconv.FormatInt(to.Unix(), 10))
	q.Set("step", strconv.Itoa(int(series.Step()/time.Second)))
	u.RawQuery = q.Encode()

	perCall := c.timeout
	if perCall >= series.Interval {
		perCall = series.Interval / 2
	}

	var lastErr *models.FetchError
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, lastErr
			}
			logger.Debug("Retrying fetch for %s (attempt %d/%d)", series.ID(), attempt+1, c.config.MaxRetries)
		}

		samples, ferr := c.doFetch(ctx, series, u.String(), perCall)
		if ferr == nil {
			return samples, nil
		}
		if !ferr.Retryable() {
			return nil, ferr
		}
		lastErr = ferr
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) doFetch(ctx context.Context, series models.SeriesConfig, urlStr string, perCall time.Duration) ([]models.Sample, *models.FetchError) {
	callCtx, cancel := context.WithTimeout(ctx, perCall)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, &models.FetchError{Kind: models.FetchBadData, Series: series.ID(), Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := models.FetchUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = models.FetchTimeout
		}
		return nil, &models.FetchError{Kind: kind, Series: series.ID(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &models.FetchError{
			Kind:   models.FetchUnavailable,
			Series: series.ID(),
			Err:    fmt.Errorf("server error: %d", resp.StatusCode),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, &models.FetchError{
			Kind:   models.FetchBadData,
			Series: series.ID(),
			Err:    fmt.Errorf("unexpected status: %d", resp.StatusCode),
		}
	}

	var decoded rangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &models.FetchError{Kind: models.FetchBadData, Series: series.ID(), Err: err}
	}
	if decoded.Status != "success" {
		return nil, &models.FetchError{
			Kind:   models.FetchBadData,
			Series: series.ID(),
			Err:    fmt.Errorf("query status %q", decoded.Status),
		}
	}
	if len(decoded.Data.Result) > 1 {
		return nil, &models.FetchError{
			Kind:   models.FetchBadData,
			Series: series.ID(),
			Err:    fmt.Errorf("query resolved to %d series, want 1", len(decoded.Data.Result)),
		}
	}
	if len(decoded.Data.Result) == 0 {
		return nil, nil
	}

	values := decoded.Data.Result[0].Values
	samples := make([]models.Sample, len(values))
	for i, p := range values {
		samples[i] = models.Sample(p)
	}
	if err := models.ValidateBatch(samples); err != nil {
		return nil, &models.FetchError{Kind: models.FetchBadData, Series: series.ID(), Err: err}
	}
	return samples, nil
}

// sleepBackoff waits base*2^(attempt-1) capped at the max delay plus up to
// 50% jitter, or returns early when the context is done.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := c.config.RetryDelayBase << shift
	if delay <= 0 || delay > c.config.RetryDelayMax {
		delay = c.config.RetryDelayMax
	}
	delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

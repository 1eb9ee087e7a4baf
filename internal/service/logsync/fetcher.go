// Package logsync pulls the directory audit, sign-in and resource activity
// feeds incrementally, categorizes every record, archives and projects each
// batch, and checkpoints a per-stream cursor once a run fully succeeds.
package logsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"idgov/internal/domain"
)

// PageFormat names the response members that carry the continuation links.
type PageFormat struct {
	NextKey  string
	DeltaKey string // empty when the API has no delta tokens
}

// Page formats of the two upstream APIs.
var (
	ODataFormat = PageFormat{NextKey: "@odata.nextLink", DeltaKey: "@odata.deltaLink"}
	ARMFormat   = PageFormat{NextKey: "nextLink"}
)

// Page is one decoded response page.
type Page struct {
	Records   []json.RawMessage
	NextLink  string
	DeltaLink string
}

// PageFetcher fetches a single page by absolute URL.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string, format PageFormat) (*Page, error)
}

// FetcherOptions configures retry and throttling.
type FetcherOptions struct {
	MaxAttempts       int           // total attempts per page, default 3
	BaseDelay         time.Duration // delay after attempt n is n*BaseDelay, default 2s
	RequestsPerSecond float64       // 0 disables throttling
	Burst             int
}

// Fetcher is a PageFetcher that retries transient failures with a linearly
// increasing delay.
type Fetcher struct {
	client      *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

var _ PageFetcher = (*Fetcher)(nil)

// NewFetcher creates a Fetcher. client must already carry authentication.
func NewFetcher(client *http.Client, opts FetcherOptions, logger *slog.Logger) *Fetcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Fetcher{
		client:      client,
		limiter:     rate.NewLimiter(limit, opts.Burst),
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		logger:      logger.With("component", "fetcher"),
	}
}

// FetchPage fetches and decodes one page. Non-success statuses, timeouts and
// connection errors are retried; once the attempts are used up the last
// *domain.TransientFetchError is returned.
func (f *Fetcher) FetchPage(ctx context.Context, url string, format PageFormat) (*Page, error) {
	var (
		page    *Page
		attempt int
	)
	err := retry.Do(ctx, linearBackoff(f.baseDelay, f.maxAttempts), func(ctx context.Context) error {
		attempt++
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		p, err := f.fetchOnce(ctx, url, format)
		if err != nil {
			var tf *domain.TransientFetchError
			if errors.As(err, &tf) {
				f.logger.Warn("page fetch failed", "url", url, "attempt", attempt, "status", tf.Status, "error", tf.Err)
				return retry.RetryableError(err)
			}
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string, format PageFormat) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TransientFetchError{URL: url, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientFetchError{URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.TransientFetchError{
			URL:    url,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return ParsePage(body, format)
}

// ParsePage decodes the "value" array and continuation links of a page.
func ParsePage(body []byte, format PageFormat) (*Page, error) {
	page := &Page{}
	_, err := jsonparser.ArrayEach(body, func(value []byte, typ jsonparser.ValueType, _ int, _ error) {
		if typ != jsonparser.Object {
			return
		}
		rec := make(json.RawMessage, len(value))
		copy(rec, value)
		page.Records = append(page.Records, rec)
	}, "value")
	if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	if err != nil && !json.Valid(body) {
		return nil, fmt.Errorf("decode page: response is not JSON")
	}

	if format.NextKey != "" {
		page.NextLink, _ = jsonparser.GetString(body, format.NextKey)
	}
	if format.DeltaKey != "" {
		page.DeltaLink, _ = jsonparser.GetString(body, format.DeltaKey)
	}
	return page, nil
}

// linearBackoff waits attempt*base between attempts and stops after
// maxAttempts attempts in total.
func linearBackoff(base time.Duration, maxAttempts int) retry.Backoff {
	var n atomic.Int64
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		return time.Duration(n.Add(1)) * base, false
	})
	return retry.WithMaxRetries(uint64(maxAttempts-1), b)
}

package logsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"idgov/internal/clock"
	"idgov/internal/domain"
)

// Batch is everything one run of a stream fetched.
type Batch struct {
	Records []json.RawMessage
	// Cursor is the candidate cursor to persist if the run succeeds. It equals
	// the input cursor when nothing new was learned.
	Cursor string
	From   time.Time // zero for continuation streams
	To     time.Time
}

// Source collects the records of one stream starting at cursor. An empty
// cursor means cold start.
type Source interface {
	Stream() domain.Stream
	Collect(ctx context.Context, cursor string) (*Batch, error)
}

// Default upstream endpoints.
const (
	DefaultAuditBaseURL = "https://graph.microsoft.com/beta"
	DefaultARMBaseURL   = "https://management.azure.com"

	activityAPIVersion = "2015-04-01"
	activitySelect     = "eventName,operationName,status,eventTimestamp,correlationId," +
		"submissionTimestamp,level,resourceGroupName,resourceProviderName," +
		"resourceId,resourceType,caller,authorization,claims,description," +
		"eventDataId,operationId,properties,category,subscriptionId"

	// MaxActivityWindow is the widest time range the activity API accepts
	// in one query.
	MaxActivityWindow = 7 * 24 * time.Hour
)

// ContinuationStream follows next-page links until the feed hands out a
// delta link, which becomes the new cursor.
type ContinuationStream struct {
	stream   domain.Stream
	fetcher  PageFetcher
	baseURL  string
	lookback time.Duration
	clock    clock.Clock
}

// NewContinuationStream creates a source for directoryAudits or signIns.
// lookback bounds the cold start of the sign-in feed; 0 fetches everything.
func NewContinuationStream(stream domain.Stream, fetcher PageFetcher, baseURL string, lookback time.Duration, clk clock.Clock) *ContinuationStream {
	if baseURL == "" {
		baseURL = DefaultAuditBaseURL
	}
	return &ContinuationStream{
		stream:   stream,
		fetcher:  fetcher,
		baseURL:  strings.TrimRight(baseURL, "/"),
		lookback: lookback,
		clock:    clk,
	}
}

// Stream returns the stream name.
func (s *ContinuationStream) Stream() domain.Stream { return s.stream }

// ColdStartURL is the first page requested when no cursor exists.
func (s *ContinuationStream) ColdStartURL() string {
	u := s.baseURL + "/auditLogs/" + string(s.stream)
	if s.stream != domain.StreamSignIns || s.lookback <= 0 {
		return u
	}
	since := s.clock.Now().Add(-s.lookback).UTC().Truncate(time.Second).Format(time.RFC3339)
	q := url.Values{}
	q.Set("$top", "1000")
	q.Set("$filter", "(createdDateTime ge "+since+
		" and signInEventTypes/any(t: t eq 'interactiveUser' or t eq 'nonInteractiveUser'))")
	return u + "?" + q.Encode()
}

// Collect fetches every page from cursor, or from the cold-start URL.
func (s *ContinuationStream) Collect(ctx context.Context, cursor string) (*Batch, error) {
	next := cursor
	if next == "" {
		next = s.ColdStartURL()
	}

	batch := &Batch{Cursor: cursor}
	seen := make(map[string]bool)
	for next != "" {
		if seen[next] {
			return nil, fmt.Errorf("%s: page link loops back to %s", s.stream, next)
		}
		seen[next] = true

		page, err := s.fetcher.FetchPage(ctx, next, ODataFormat)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.stream, err)
		}
		batch.Records = append(batch.Records, page.Records...)

		switch {
		case page.NextLink != "":
			next = page.NextLink
		case page.DeltaLink != "":
			batch.Cursor = page.DeltaLink
			next = ""
		default:
			next = ""
		}
	}
	return batch, nil
}

// WindowedStream reads the resource activity log, which has no continuation
// tokens, in consecutive time windows from the cursor up to now.
type WindowedStream struct {
	fetcher        PageFetcher
	baseURL        string
	subscriptionID string
	lookback       time.Duration
	window         time.Duration
	clock          clock.Clock
}

// NewWindowedStream creates the activity source. window is capped at
// MaxActivityWindow.
func NewWindowedStream(fetcher PageFetcher, baseURL, subscriptionID string, lookback, window time.Duration, clk clock.Clock) *WindowedStream {
	if baseURL == "" {
		baseURL = DefaultARMBaseURL
	}
	if window <= 0 || window > MaxActivityWindow {
		window = MaxActivityWindow
	}
	return &WindowedStream{
		fetcher:        fetcher,
		baseURL:        strings.TrimRight(baseURL, "/"),
		subscriptionID: subscriptionID,
		lookback:       lookback,
		window:         window,
		clock:          clk,
	}
}

// Stream returns the stream name.
func (s *WindowedStream) Stream() domain.Stream { return domain.StreamActivity }

// Windows splits [from, to) into consecutive windows no wider than the
// configured size.
func (s *WindowedStream) Windows(from, to time.Time) [][2]time.Time {
	var out [][2]time.Time
	for start := from; start.Before(to); {
		end := start.Add(s.window)
		if end.After(to) {
			end = to
		}
		out = append(out, [2]time.Time{start, end})
		start = end
	}
	return out
}

// WindowURL is the first page of one window query.
func (s *WindowedStream) WindowURL(start, end time.Time) string {
	q := url.Values{}
	q.Set("api-version", activityAPIVersion)
	q.Set("$filter", fmt.Sprintf("eventTimestamp ge %s and eventTimestamp le %s",
		start.UTC().Truncate(time.Second).Format(time.RFC3339),
		end.UTC().Truncate(time.Second).Format(time.RFC3339)))
	q.Set("$select", activitySelect)
	return s.baseURL + "/subscriptions/" + url.PathEscape(s.subscriptionID) +
		"/providers/Microsoft.Insights/eventtypes/management/values?" + q.Encode()
}

// Collect fetches every window between the cursor (or now minus the lookback)
// and now. The candidate cursor is the largest event timestamp observed,
// never earlier than the input cursor. A cold start that sees no events
// yields now, so the next run does not rescan the whole lookback.
func (s *WindowedStream) Collect(ctx context.Context, cursor string) (*Batch, error) {
	now := s.clock.Now().UTC()
	from := now.Add(-s.lookback)
	var high time.Time
	if cursor != "" {
		ts, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, domain.ErrValidation("activity cursor %q is not a timestamp", cursor)
		}
		from = ts.UTC()
		high = from
	}

	batch := &Batch{Cursor: cursor, From: from, To: now}
	for _, w := range s.Windows(from, now) {
		next := s.WindowURL(w[0], w[1])
		for next != "" {
			page, err := s.fetcher.FetchPage(ctx, next, ARMFormat)
			if err != nil {
				return nil, fmt.Errorf("%s window %s..%s: %w", domain.StreamActivity,
					w[0].Format(time.RFC3339), w[1].Format(time.RFC3339), err)
			}
			for _, rec := range page.Records {
				ts := domain.LogRecord{Stream: domain.StreamActivity, Raw: rec}.Timestamp()
				if ts.After(high) {
					high = ts
				}
			}
			batch.Records = append(batch.Records, page.Records...)
			if page.NextLink == next {
				break
			}
			next = page.NextLink
		}
	}

	switch {
	case !high.IsZero():
		batch.Cursor = high.UTC().Format(time.RFC3339Nano)
	case cursor == "":
		batch.Cursor = now.Format(time.RFC3339Nano)
	}
	return batch, nil
}

package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/buger/jsonparser"

	"idgov/internal/domain"
)

const maxErrorBody = 4 << 10

// APIError is a non-success response from the Graph API that does not map
// onto a domain error.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: status %d: %s: %s", e.Method, e.Path, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
}

// restClient issues JSON requests against a base URL.
type restClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func (c *restClient) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + path
}

// do sends one request and returns the response body of a 2xx response.
// 404 and 409 become domain errors so callers can branch with errors.As.
func (c *restClient) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}

	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}
	code, _ := jsonparser.GetString(raw, "error", "code")
	msg, _ := jsonparser.GetString(raw, "error", "message")
	c.logger.Debug("directory request failed", "method", method, "path", path, "status", resp.StatusCode, "code", code)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, domain.ErrNotFound("%s %s: %s", method, path, firstNonEmpty(msg, "not found"))
	case http.StatusConflict:
		return nil, domain.ErrConflict("%s %s: %s", method, path, firstNonEmpty(msg, "conflict"))
	}
	return nil, &APIError{Method: method, Path: path, Status: resp.StatusCode, Code: code, Message: msg}
}

// each walks every page of a collection, calling fn with the raw JSON of each
// element of "value" and following @odata.nextLink.
func (c *restClient) each(ctx context.Context, path string, fn func(item []byte) error) error {
	next := path
	for next != "" {
		raw, err := c.do(ctx, http.MethodGet, next, nil)
		if err != nil {
			return err
		}

		var itemErr error
		_, err = jsonparser.ArrayEach(raw, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
			if itemErr != nil {
				return
			}
			itemErr = fn(value)
		}, "value")
		if err != nil && err != jsonparser.KeyPathNotFoundError {
			return fmt.Errorf("decode page of %s: %w", path, err)
		}
		if itemErr != nil {
			return itemErr
		}

		next, _ = jsonparser.GetString(raw, "@odata.nextLink")
	}
	return nil
}

func getString(raw []byte, keys ...string) string {
	s, err := jsonparser.GetString(raw, keys...)
	if err != nil {
		return ""
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// odataQuote escapes s as an OData string literal.
func odataQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

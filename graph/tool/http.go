package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPTool performs HTTP requests described by a map input.
//
// Input keys:
//   - "url" (string, required)
//   - "method" (string): GET, POST, PUT or PATCH; defaults to GET
//   - "headers" (map of string values)
//   - "body": a string is sent verbatim, any other value is JSON encoded
//     and Content-Type defaults to application/json
//
// Output keys:
//   - "status_code" (int)
//   - "headers" (map[string]interface{}): single values as string, repeated as []string
//   - "body" (string)
//
// Non-2xx responses are returned, not treated as errors; callers decide.
type HTTPTool struct {
	client  *http.Client
	maxBody int64
}

// HTTPOption configures an HTTPTool.
type HTTPOption func(*HTTPTool)

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPTool) {
		h.client = c
	}
}

// WithTimeout sets the per-request timeout. Default 30s.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPTool) {
		h.client.Timeout = d
	}
}

// WithMaxBody caps how many response bytes are read. Default 10 MiB.
func WithMaxBody(n int64) HTTPOption {
	return func(h *HTTPTool) {
		h.maxBody = n
	}
}

// NewHTTPTool creates an HTTPTool.
func NewHTTPTool(opts ...HTTPOption) *HTTPTool {
	h := &HTTPTool{
		client:  &http.Client{Timeout: 30 * time.Second},
		maxBody: 10 << 20,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements Tool.
func (h *HTTPTool) Name() string {
	return "http_request"
}

// Call implements Tool.
func (h *HTTPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	urlStr, ok := input["url"].(string)
	if !ok || urlStr == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s (supported: GET, POST, PUT, PATCH)", method)
	}

	var body io.Reader
	jsonBody := false
	switch b := input["body"].(type) {
	case nil:
	case string:
		if b != "" {
			body = strings.NewReader(b)
		}
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}
		body = bytes.NewReader(data)
		jsonBody = true
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if jsonBody {
		req.Header.Set("Content-Type", "application/json")
	}
	switch headers := input["headers"].(type) {
	case map[string]interface{}:
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, value := range headers {
			req.Header.Set(key, value)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	respHeaders := make(map[string]interface{}, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}, nil
}

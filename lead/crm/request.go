// Package crm provides REST clients for the CRM and the marketing
// automation system the lead workflow researches and updates.
//
// Both clients speak HTTP through a tool.Tool, normally a tool.HTTPTool,
// so tests can swap the transport for a tool.MockTool.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dshills/leadgraph-go/graph"
	"github.com/dshills/leadgraph-go/graph/tool"
)

// ErrNotFound is returned when the remote system has no matching record.
var ErrNotFound = errors.New("record not found")

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed when repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type request struct {
	method string
	url    string
	token  string
	body   any
}

// do performs r and decodes a JSON response into out when out is non-nil.
// Client errors other than 404 and 429 are marked permanent.
func do(ctx context.Context, t tool.Tool, r request, out any) error {
	input := map[string]interface{}{
		"method": r.method,
		"url":    r.url,
		"headers": map[string]string{
			"Accept": "application/json",
		},
	}
	if r.token != "" {
		input["headers"].(map[string]string)["Authorization"] = "Bearer " + r.token
	}
	if r.body != nil {
		input["body"] = r.body
	}

	resp, err := t.Call(ctx, input)
	if err != nil {
		return err
	}
	status := statusCode(resp["status_code"])
	body, _ := resp["body"].(string)

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, r.url)
	case status < 200 || status > 299:
		serr := &StatusError{Method: r.method, URL: r.url, StatusCode: status, Body: body}
		if !serr.Retryable() {
			return graph.Permanent(serr)
		}
		return serr
	}

	if out == nil || body == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", r.url, err)
	}
	return nil
}

func statusCode(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// Package tool provides callable integrations used by workflow nodes.
package tool

import "context"

// Tool is an executable integration with a map-in, map-out contract.
//
// Implementations should validate their input, respect ctx cancellation and
// return descriptive errors. Outputs hold JSON-compatible values only.
//
// Example:
//
//	out, err := tool.NewHTTPTool().Call(ctx, map[string]interface{}{
//	    "method": "GET",
//	    "url":    "https://crm.example.com/api/leads/L-42",
//	})
type Tool interface {
	// Name returns the tool identifier, lowercase with underscores.
	Name() string

	// Call executes the tool.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

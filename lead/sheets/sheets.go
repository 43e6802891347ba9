// Package sheets records finished lead workflows as spreadsheet rows.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/dshills/leadgraph-go/graph"
	"github.com/dshills/leadgraph-go/lead"
)

// Columns is the row layout written by Ledger, in column order.
var Columns = []string{
	"Received At", "Lead ID", "Email", "Company", "Inquiry", "Category",
	"Qualification", "Reason", "Estimated Spend", "Draft Versions",
	"Review Score", "Decision", "Reviewer", "Email Sent", "CRM Updated",
}

// Config configures a Ledger.
type Config struct {
	SpreadsheetID string
	// Sheet is the tab name. Default "Leads".
	Sheet string
	// RequestsPerMinute caps append calls. Default 60, the per-user
	// write quota of the Sheets API.
	RequestsPerMinute int
}

// Ledger implements lead.Ledger by appending rows below the header row.
type Ledger struct {
	svc     *sheets.Service
	cfg     Config
	limiter *rate.Limiter
}

var _ lead.Ledger = (*Ledger)(nil)

// New creates a Ledger.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Ledger, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	if cfg.Sheet == "" {
		cfg.Sheet = "Leads"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &Ledger{
		svc:     svc,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
	}, nil
}

// Append implements lead.Ledger.
func (l *Ledger) Append(ctx context.Context, rec lead.Record) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sheets append: %w", err)
	}
	vr := &sheets.ValueRange{Values: [][]interface{}{Row(rec)}}
	_, err := l.svc.Spreadsheets.Values.
		Append(l.cfg.SpreadsheetID, l.cfg.Sheet+"!A2", vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != http.StatusTooManyRequests {
			return graph.Permanent(fmt.Errorf("sheets append: %w", err))
		}
		return fmt.Errorf("sheets append: %w", err)
	}
	return nil
}

// Row renders rec in Columns order.
func Row(rec lead.Record) []interface{} {
	return []interface{}{
		rec.ReceivedAt,
		rec.LeadID,
		rec.Email,
		rec.Company,
		rec.Inquiry,
		rec.Category,
		rec.Status,
		rec.Reason,
		rec.EstimatedSpend,
		rec.DraftVersions,
		rec.ReviewScore,
		rec.Decision,
		rec.Reviewer,
		rec.EmailSent,
		rec.CRMUpdated,
	}
}

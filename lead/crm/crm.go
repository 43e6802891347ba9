package crm

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dshills/leadgraph-go/graph/tool"
	"github.com/dshills/leadgraph-go/lead"
)

// DefaultAPIVersion is the REST API version used when Config.APIVersion is
// empty.
const DefaultAPIVersion = "v59.0"

var lookupFields = []string{
	"Id", "FirstName", "LastName", "Company", "Industry",
	"NumberOfEmployees", "AnnualRevenue", "Website", "Phone",
}

// Config configures a Client.
type Config struct {
	// BaseURL is the instance URL, e.g. https://example.my.salesforce.com.
	BaseURL    string
	Token      string
	APIVersion string

	// TaskDirection is written on logged email tasks. Default "Outbound".
	TaskDirection string
}

// Client implements lead.CRM over the sObject REST API.
type Client struct {
	cfg  Config
	http tool.Tool
	now  func() time.Time
}

var _ lead.CRM = (*Client)(nil)

// New creates a Client. A nil transport uses tool.NewHTTPTool().
func New(cfg Config, transport tool.Tool) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("crm base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.TaskDirection == "" {
		cfg.TaskDirection = "Outbound"
	}
	if transport == nil {
		transport = tool.NewHTTPTool()
	}
	return &Client{cfg: cfg, http: transport, now: time.Now}, nil
}

func (c *Client) sobject(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return fmt.Sprintf("%s/services/data/%s/sobjects/%s", c.cfg.BaseURL, c.cfg.APIVersion, strings.Join(escaped, "/"))
}

func recordType(t string) (string, error) {
	switch t {
	case "", "Lead":
		return "Lead", nil
	case "Contact":
		return "Contact", nil
	}
	return "", fmt.Errorf("unsupported record type %q", t)
}

// LookupLead implements lead.CRM.
func (c *Client) LookupLead(ctx context.Context, id, typ string) (lead.CRMRecord, error) {
	typ, err := recordType(typ)
	if err != nil {
		return lead.CRMRecord{}, err
	}
	var rec struct {
		FirstName         string  `json:"FirstName"`
		LastName          string  `json:"LastName"`
		Company           string  `json:"Company"`
		Industry          string  `json:"Industry"`
		NumberOfEmployees int     `json:"NumberOfEmployees"`
		AnnualRevenue     float64 `json:"AnnualRevenue"`
		Website           string  `json:"Website"`
		Phone             string  `json:"Phone"`
	}
	u := c.sobject(typ, id) + "?fields=" + url.QueryEscape(strings.Join(lookupFields, ","))
	if err := do(ctx, c.http, request{method: "GET", url: u, token: c.cfg.Token}, &rec); err != nil {
		return lead.CRMRecord{}, fmt.Errorf("lookup %s %s: %w", typ, id, err)
	}

	out := lead.CRMRecord{
		FirstName: rec.FirstName,
		LastName:  rec.LastName,
		Company:   rec.Company,
		Industry:  rec.Industry,
		Website:   rec.Website,
		Phone:     rec.Phone,
	}
	if rec.NumberOfEmployees > 0 {
		out.Employees = fmt.Sprintf("%d", rec.NumberOfEmployees)
	}
	if rec.AnnualRevenue > 0 {
		out.Revenue = fmt.Sprintf("%.0f", rec.AnnualRevenue)
	}
	return out, nil
}

// UpdateStatus implements lead.CRM. Leads carry the standard Status field;
// contacts a custom Lead_Status__c field.
func (c *Client) UpdateStatus(ctx context.Context, id, typ, status string) error {
	typ, err := recordType(typ)
	if err != nil {
		return err
	}
	field := "Status"
	if typ == "Contact" {
		field = "Lead_Status__c"
	}
	r := request{method: "PATCH", url: c.sobject(typ, id), token: c.cfg.Token, body: map[string]string{field: status}}
	if err := do(ctx, c.http, r, nil); err != nil {
		return fmt.Errorf("update %s %s: %w", typ, id, err)
	}
	return nil
}

// LogTask implements lead.CRM.
func (c *Client) LogTask(ctx context.Context, id, subject, body string) error {
	task := map[string]string{
		"WhoId":             id,
		"Subject":           subject,
		"Description":       body,
		"ActivityDate":      c.now().Format("2006-01-02"),
		"Status":            "Completed",
		"Type":              "Email",
		"TaskSubType":       "Email",
		"Task_Direction__c": c.cfg.TaskDirection,
	}
	var resp struct {
		ID string `json:"id"`
	}
	r := request{method: "POST", url: c.sobject("Task"), token: c.cfg.Token, body: task}
	if err := do(ctx, c.http, r, &resp); err != nil {
		return fmt.Errorf("log task for %s: %w", id, err)
	}
	return nil
}

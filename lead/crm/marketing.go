package crm

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dshills/leadgraph-go/graph/tool"
	"github.com/dshills/leadgraph-go/lead"
)

// DefaultActivityTypes are the activity type ids reported as engagement:
// web visits, form fills and email clicks.
var DefaultActivityTypes = []int{1, 2, 10}

// maxPages caps activity paging for a single lookup.
const maxPages = 20

// MarketingConfig configures a MarketingClient.
type MarketingConfig struct {
	// BaseURL is the REST endpoint, e.g. https://123-ABC-456.mktorest.com.
	BaseURL       string
	ClientID      string
	ClientSecret  string
	ActivityTypes []int
}

// MarketingClient implements lead.Marketing over a marketing-automation
// REST API authenticated with client credentials.
type MarketingClient struct {
	cfg  MarketingConfig
	http tool.Tool
	now  func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

var _ lead.Marketing = (*MarketingClient)(nil)

// NewMarketing creates a MarketingClient. A nil transport uses
// tool.NewHTTPTool().
func NewMarketing(cfg MarketingConfig, transport tool.Tool) (*MarketingClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("marketing base url is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("marketing client credentials are required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if len(cfg.ActivityTypes) == 0 {
		cfg.ActivityTypes = DefaultActivityTypes
	}
	if transport == nil {
		transport = tool.NewHTTPTool()
	}
	return &MarketingClient{cfg: cfg, http: transport, now: time.Now}, nil
}

// accessToken returns a cached token, fetching a new one a minute before
// the old one expires.
func (m *MarketingClient) accessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != "" && m.now().Before(m.expires) {
		return m.token, nil
	}

	q := url.Values{}
	q.Set("grant_type", "client_credentials")
	q.Set("client_id", m.cfg.ClientID)
	q.Set("client_secret", m.cfg.ClientSecret)
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := do(ctx, m.http, request{method: "GET", url: m.cfg.BaseURL + "/identity/oauth/token?" + q.Encode()}, &resp); err != nil {
		return "", fmt.Errorf("marketing auth: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("marketing auth: empty access token")
	}
	m.token = resp.AccessToken
	m.expires = m.now().Add(time.Duration(resp.ExpiresIn)*time.Second - time.Minute)
	return m.token, nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool       `json:"success"`
	Errors  []apiError `json:"errors"`
}

func (e envelope) err() error {
	if e.Success {
		return nil
	}
	if len(e.Errors) > 0 {
		return fmt.Errorf("api error %s: %s", e.Errors[0].Code, e.Errors[0].Message)
	}
	return fmt.Errorf("api request unsuccessful")
}

// Engagement implements lead.Marketing. An email the system does not know
// yields an empty Engagement.
func (m *MarketingClient) Engagement(ctx context.Context, email string, since time.Duration) (lead.Engagement, error) {
	token, err := m.accessToken(ctx)
	if err != nil {
		return lead.Engagement{}, err
	}

	leadID, err := m.findLead(ctx, token, email)
	if err != nil || leadID == "" {
		return lead.Engagement{}, err
	}

	pageToken, err := m.pagingToken(ctx, token, m.now().Add(-since))
	if err != nil {
		return lead.Engagement{}, err
	}

	types := make([]string, len(m.cfg.ActivityTypes))
	for i, t := range m.cfg.ActivityTypes {
		types[i] = strconv.Itoa(t)
	}

	eng := lead.Engagement{LeadID: leadID}
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("nextPageToken", pageToken)
		q.Set("leadIds", leadID)
		q.Set("activityTypeIds", strings.Join(types, ","))
		var resp struct {
			envelope
			NextPageToken string `json:"nextPageToken"`
			MoreResult    bool   `json:"moreResult"`
			Result        []struct {
				ActivityTypeID   int    `json:"activityTypeId"`
				ActivityDate     string `json:"activityDate"`
				PrimaryAttrValue string `json:"primaryAttributeValue"`
			} `json:"result"`
		}
		r := request{method: "GET", url: m.cfg.BaseURL + "/rest/v1/activities.json?" + q.Encode(), token: token}
		if err := do(ctx, m.http, r, &resp); err != nil {
			return lead.Engagement{}, fmt.Errorf("marketing activities: %w", err)
		}
		if err := resp.err(); err != nil {
			return lead.Engagement{}, fmt.Errorf("marketing activities: %w", err)
		}
		for _, a := range resp.Result {
			eng.Activities = append(eng.Activities, lead.Activity{
				Type:   activityName(a.ActivityTypeID),
				Date:   a.ActivityDate,
				Detail: a.PrimaryAttrValue,
			})
		}
		if !resp.MoreResult || resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return eng, nil
}

func (m *MarketingClient) findLead(ctx context.Context, token, email string) (string, error) {
	q := url.Values{}
	q.Set("filterType", "email")
	q.Set("filterValues", email)
	q.Set("fields", "id,email")
	var resp struct {
		envelope
		Result []struct {
			ID int64 `json:"id"`
		} `json:"result"`
	}
	r := request{method: "GET", url: m.cfg.BaseURL + "/rest/v1/leads.json?" + q.Encode(), token: token}
	if err := do(ctx, m.http, r, &resp); err != nil {
		return "", fmt.Errorf("marketing lead lookup: %w", err)
	}
	if err := resp.err(); err != nil {
		return "", fmt.Errorf("marketing lead lookup: %w", err)
	}
	if len(resp.Result) == 0 {
		return "", nil
	}
	return strconv.FormatInt(resp.Result[0].ID, 10), nil
}

func (m *MarketingClient) pagingToken(ctx context.Context, token string, since time.Time) (string, error) {
	q := url.Values{}
	q.Set("sinceDatetime", since.UTC().Format(time.RFC3339))
	var resp struct {
		envelope
		NextPageToken string `json:"nextPageToken"`
	}
	r := request{method: "GET", url: m.cfg.BaseURL + "/rest/v1/activities/pagingtoken.json?" + q.Encode(), token: token}
	if err := do(ctx, m.http, r, &resp); err != nil {
		return "", fmt.Errorf("marketing paging token: %w", err)
	}
	if err := resp.err(); err != nil {
		return "", fmt.Errorf("marketing paging token: %w", err)
	}
	return resp.NextPageToken, nil
}

func activityName(id int) string {
	switch id {
	case 1:
		return "web_visit"
	case 2:
		return "form_fill"
	case 10:
		return "email_click"
	}
	return "activity_" + strconv.Itoa(id)
}

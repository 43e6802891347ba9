// Package approval posts email drafts to a human reviewer.
//
// Slack posts to a chat channel; the message timestamp becomes the thread
// the reviewer answers in. Webhook posts to any HTTP endpoint and mints the
// thread id itself. Either way the reply is delivered back to the service
// with the same channel and thread id.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dshills/leadgraph-go/graph"
	"github.com/dshills/leadgraph-go/graph/tool"
	"github.com/dshills/leadgraph-go/lead"
)

// SlackAPI is the default Slack Web API base URL.
const SlackAPI = "https://slack.com/api"

// Slack implements lead.ApprovalChannel with chat.postMessage.
type Slack struct {
	apiURL  string
	token   string
	channel string
	http    tool.Tool
}

var _ lead.ApprovalChannel = (*Slack)(nil)

// NewSlack creates a Slack channel. An empty apiURL uses SlackAPI and a
// nil transport uses tool.NewHTTPTool().
func NewSlack(apiURL, token, channel string, transport tool.Tool) (*Slack, error) {
	if token == "" || channel == "" {
		return nil, fmt.Errorf("slack token and channel are required")
	}
	if apiURL == "" {
		apiURL = SlackAPI
	}
	if transport == nil {
		transport = tool.NewHTTPTool()
	}
	return &Slack{apiURL: strings.TrimRight(apiURL, "/"), token: token, channel: channel, http: transport}, nil
}

// RequestApproval implements lead.ApprovalChannel.
func (s *Slack) RequestApproval(ctx context.Context, req lead.ApprovalRequest) (lead.Thread, error) {
	resp, err := s.http.Call(ctx, map[string]interface{}{
		"method": http.MethodPost,
		"url":    s.apiURL + "/chat.postMessage",
		"headers": map[string]string{
			"Authorization": "Bearer " + s.token,
		},
		"body": map[string]interface{}{
			"channel": s.channel,
			"text":    "Email approval required for " + req.LeadEmail,
			"blocks":  blocks(req),
		},
	})
	if err != nil {
		return lead.Thread{}, fmt.Errorf("slack post: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return lead.Thread{}, fmt.Errorf("slack post: %w", err)
	}

	var out struct {
		OK      bool   `json:"ok"`
		Error   string `json:"error"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	}
	body, _ := resp["body"].(string)
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return lead.Thread{}, fmt.Errorf("slack post: failed to decode response: %w", err)
	}
	if !out.OK {
		return lead.Thread{}, graph.Permanent(fmt.Errorf("slack post: %s", out.Error))
	}
	return lead.Thread{Channel: out.Channel, ThreadTS: out.TS}, nil
}

func blocks(req lead.ApprovalRequest) []map[string]interface{} {
	mrkdwn := func(text string) map[string]interface{} {
		return map[string]interface{}{"type": "mrkdwn", "text": text}
	}
	out := []map[string]interface{}{
		{"type": "header", "text": map[string]interface{}{"type": "plain_text", "text": "Email Approval Required"}},
	}
	if req.Note != "" {
		out = append(out, map[string]interface{}{"type": "section", "text": mrkdwn(req.Note)})
	}
	out = append(out,
		map[string]interface{}{"type": "section", "fields": []interface{}{
			mrkdwn("*Lead:*\n" + req.LeadEmail),
			mrkdwn("*Qualification:*\n" + req.Status),
		}},
		map[string]interface{}{"type": "section", "text": mrkdwn("*Subject:*\n" + req.Subject)},
		map[string]interface{}{"type": "section", "text": mrkdwn(fmt.Sprintf("*Draft v%d:*\n```%s```", req.Version, req.Body))},
		map[string]interface{}{"type": "divider"},
		map[string]interface{}{"type": "context", "elements": []interface{}{
			mrkdwn("Reply in this thread to approve, reject, or suggest changes"),
		}},
	)
	if req.Reason != "" {
		out = append(out, map[string]interface{}{"type": "context", "elements": []interface{}{
			mrkdwn("Reason: " + req.Reason),
		}})
	}
	return out
}

// Webhook implements lead.ApprovalChannel by posting the request as JSON
// to a URL. The thread id is a random UUID.
type Webhook struct {
	url     string
	channel string
	http    tool.Tool
	newID   func() string
}

var _ lead.ApprovalChannel = (*Webhook)(nil)

// WebhookPayload is the JSON body a Webhook posts.
type WebhookPayload struct {
	Channel   string `json:"channel"`
	ThreadTS  string `json:"thread_ts"`
	LeadEmail string `json:"lead_email"`
	Status    string `json:"qualification_status"`
	Reason    string `json:"reason,omitempty"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Version   int    `json:"version"`
	Note      string `json:"note,omitempty"`
}

// NewWebhook creates a Webhook. Channel names the reviewer queue and is
// echoed in every payload. A nil transport uses tool.NewHTTPTool().
func NewWebhook(url, channel string, transport tool.Tool) (*Webhook, error) {
	if url == "" {
		return nil, fmt.Errorf("approval webhook url is required")
	}
	if channel == "" {
		channel = "approvals"
	}
	if transport == nil {
		transport = tool.NewHTTPTool()
	}
	return &Webhook{url: url, channel: channel, http: transport, newID: uuid.NewString}, nil
}

// RequestApproval implements lead.ApprovalChannel.
func (w *Webhook) RequestApproval(ctx context.Context, req lead.ApprovalRequest) (lead.Thread, error) {
	thread := lead.Thread{Channel: w.channel, ThreadTS: w.newID()}
	resp, err := w.http.Call(ctx, map[string]interface{}{
		"method": http.MethodPost,
		"url":    w.url,
		"body": WebhookPayload{
			Channel:   thread.Channel,
			ThreadTS:  thread.ThreadTS,
			LeadEmail: req.LeadEmail,
			Status:    req.Status,
			Reason:    req.Reason,
			Subject:   req.Subject,
			Body:      req.Body,
			Version:   req.Version,
			Note:      req.Note,
		},
	})
	if err != nil {
		return lead.Thread{}, fmt.Errorf("approval webhook: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return lead.Thread{}, fmt.Errorf("approval webhook: %w", err)
	}
	return thread, nil
}

func checkStatus(resp map[string]interface{}) error {
	status, _ := resp["status_code"].(int)
	if status >= 200 && status < 300 {
		return nil
	}
	err := fmt.Errorf("unexpected status %d", status)
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return graph.Permanent(err)
	}
	return err
}

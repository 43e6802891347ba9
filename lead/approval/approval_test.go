package approval

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/leadgraph-go/graph"
	"github.com/dshills/leadgraph-go/graph/tool"
	"github.com/dshills/leadgraph-go/lead"
)

func sampleRequest() lead.ApprovalRequest {
	return lead.ApprovalRequest{
		LeadEmail: "dana@example.com",
		Status:    lead.StatusSQL,
		Reason:    "spend 2400",
		Subject:   "Re: Your Inquiry",
		Body:      "Hi Dana",
		Version:   2,
	}
}

func TestSlack_RequestApproval(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat.postMessage", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"ok":true,"channel":"C123","ts":"1730000000.000100"}`)
	}))
	defer srv.Close()

	s, err := NewSlack(srv.URL, "xoxb-1", "#sales-approvals", nil)
	require.NoError(t, err)

	req := sampleRequest()
	req.Note = "I could not tell what you meant."
	thread, err := s.RequestApproval(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, lead.Thread{Channel: "C123", ThreadTS: "1730000000.000100"}, thread)
	assert.Equal(t, "C123/1730000000.000100", thread.Token())

	assert.Equal(t, "Bearer xoxb-1", auth)
	assert.Equal(t, "#sales-approvals", got["channel"])
	assert.Contains(t, got["text"], "dana@example.com")

	raw, err := json.Marshal(got["blocks"])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Draft v2")
	assert.Contains(t, string(raw), "I could not tell what you meant.")
}

func TestSlack_Errors(t *testing.T) {
	t.Run("api error", func(t *testing.T) {
		mock := &tool.MockTool{Responses: []map[string]interface{}{
			{"status_code": 200, "body": `{"ok":false,"error":"channel_not_found"}`},
		}}
		s, err := NewSlack("", "xoxb-1", "#nowhere", mock)
		require.NoError(t, err)

		_, err = s.RequestApproval(context.Background(), sampleRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "channel_not_found")
		assert.True(t, graph.IsPermanent(err))
		assert.Equal(t, SlackAPI+"/chat.postMessage", mock.Calls[0].Input["url"])
	})

	t.Run("server error", func(t *testing.T) {
		mock := &tool.MockTool{Responses: []map[string]interface{}{{"status_code": 502, "body": ""}}}
		s, err := NewSlack("", "xoxb-1", "#sales", mock)
		require.NoError(t, err)

		_, err = s.RequestApproval(context.Background(), sampleRequest())
		require.Error(t, err)
		assert.False(t, graph.IsPermanent(err))
	})

	t.Run("missing config", func(t *testing.T) {
		_, err := NewSlack("", "", "#sales", nil)
		assert.Error(t, err)
	})
}

func TestWebhook_RequestApproval(t *testing.T) {
	var got WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, "", nil)
	require.NoError(t, err)

	thread, err := w.RequestApproval(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "approvals", thread.Channel)
	_, err = uuid.Parse(thread.ThreadTS)
	assert.NoError(t, err)

	assert.Equal(t, thread.Channel, got.Channel)
	assert.Equal(t, thread.ThreadTS, got.ThreadTS)
	assert.Equal(t, "dana@example.com", got.LeadEmail)
	assert.Equal(t, lead.StatusSQL, got.Status)
	assert.Equal(t, 2, got.Version)

	again, err := w.RequestApproval(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.NotEqual(t, thread.ThreadTS, again.ThreadTS)
}

func TestWebhook_Rejected(t *testing.T) {
	mock := &tool.MockTool{Responses: []map[string]interface{}{{"status_code": 410}}}
	w, err := NewWebhook("http://reviewers.internal/hook", "sales", mock)
	require.NoError(t, err)
	w.newID = func() string { return "fixed" }

	_, err = w.RequestApproval(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, graph.IsPermanent(err))

	payload, ok := mock.Calls[0].Input["body"].(WebhookPayload)
	require.True(t, ok)
	assert.Equal(t, "fixed", payload.ThreadTS)

	_, err = NewWebhook("", "", nil)
	assert.Error(t, err)
}

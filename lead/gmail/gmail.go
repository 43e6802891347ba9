// Package gmail sends lead replies through the Gmail API.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/http"
	"net/textproto"
	"strings"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dshills/leadgraph-go/graph"
	"github.com/dshills/leadgraph-go/lead"
)

// Config configures a Mailer.
type Config struct {
	// From is the sender address. With domain-wide delegation it must be
	// the impersonated user.
	From    string
	ReplyTo string
	Cc      []string

	// User is the Gmail user id the message is sent as. Default "me".
	User string
}

// Mailer implements lead.Mailer.
type Mailer struct {
	svc *gmail.Service
	cfg Config
}

var _ lead.Mailer = (*Mailer)(nil)

// New creates a Mailer. Authentication comes from opts, typically
// option.WithCredentialsFile for a service account.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Mailer, error) {
	if cfg.From == "" {
		return nil, fmt.Errorf("gmail sender address is required")
	}
	if cfg.User == "" {
		cfg.User = "me"
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return &Mailer{svc: svc, cfg: cfg}, nil
}

// Send implements lead.Mailer.
func (m *Mailer) Send(ctx context.Context, msg lead.Email) (string, error) {
	if msg.To == "" {
		return "", graph.Permanent(errors.New("gmail: recipient is required"))
	}
	raw, err := compose(m.cfg, msg)
	if err != nil {
		return "", graph.Permanent(fmt.Errorf("gmail: %w", err))
	}

	sent, err := m.svc.Users.Messages.
		Send(m.cfg.User, &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}).
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != http.StatusTooManyRequests {
			return "", graph.Permanent(fmt.Errorf("gmail send: %w", err))
		}
		return "", fmt.Errorf("gmail send: %w", err)
	}
	return sent.Id, nil
}

// compose renders msg as an RFC 2822 message. A message with both bodies
// is sent as multipart/alternative.
func compose(cfg Config, msg lead.Email) ([]byte, error) {
	var buf bytes.Buffer
	header := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	header("From", cfg.From)
	header("To", msg.To)
	header("Cc", strings.Join(cfg.Cc, ", "))
	header("Reply-To", cfg.ReplyTo)
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("MIME-Version", "1.0")

	switch {
	case msg.HTML != "" && msg.Text != "":
		mw := multipart.NewWriter(&buf)
		header("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
		buf.WriteString("\r\n")
		for _, part := range []struct{ typ, body string }{
			{"text/plain", msg.Text},
			{"text/html", msg.HTML},
		} {
			w, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":              {part.typ + "; charset=UTF-8"},
				"Content-Transfer-Encoding": {"quoted-printable"},
			})
			if err != nil {
				return nil, err
			}
			if err := writeQP(w, part.body); err != nil {
				return nil, err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
	case msg.HTML != "":
		header("Content-Type", "text/html; charset=UTF-8")
		header("Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQP(&buf, msg.HTML); err != nil {
			return nil, err
		}
	default:
		header("Content-Type", "text/plain; charset=UTF-8")
		header("Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQP(&buf, msg.Text); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeQP(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

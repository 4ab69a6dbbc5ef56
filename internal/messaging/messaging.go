// Package messaging provides the send_message tool, which delivers a
// text message through an HTTP messaging API.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/toolrelay/internal/httpkit"
	"github.com/nugget/toolrelay/internal/jsonval"
	"github.com/nugget/toolrelay/internal/mcp"
	"github.com/nugget/toolrelay/internal/tools"
)

// DefaultTimeout bounds one delivery. Delivery may wait on the
// upstream network for close to a minute.
const DefaultTimeout = 60 * time.Second

// Config describes the messaging API.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Message is the request body sent to the API.
type Message struct {
	ID        string `json:"client_message_id"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// Receipt is the API's answer to a delivered message.
type Receipt struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Sender posts messages to the API.
type Sender struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewSender creates a Sender. A nil httpClient gets one with the
// configured timeout and bearer token.
func NewSender(cfg Config, httpClient *http.Client, logger *slog.Logger) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithBearerToken(cfg.Token),
			httpkit.WithRetry(1, time.Second),
			httpkit.WithLogger(logger),
		)
	}
	return &Sender{url: cfg.URL, http: httpClient, logger: logger}
}

// Send delivers one message. Each message carries a fresh client id so
// the API can discard a duplicate delivered by a retried request.
func (s *Sender) Send(ctx context.Context, recipient, text string) (*Receipt, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Text:      text,
	}

	var receipt Receipt
	if err := httpkit.PostJSON(ctx, s.http, s.url, msg, &receipt); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	s.logger.Info("message sent",
		"recipient", recipient,
		"message_id", receipt.ID,
		"status", receipt.Status,
	)
	return &receipt, nil
}

// Register adds the send_message tool to reg.
func (s *Sender) Register(reg *tools.Registry) {
	reg.Register(&tools.Tool{
		Name:        "send_message",
		Description: "Send a text message to a recipient (a phone number or account handle).",
		InputSchema: &mcp.PropertySchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"recipient": {Type: "string", Description: "Phone number or account handle"},
				"text":      {Type: "string", Description: "Message body"},
			},
			Required: []string{"recipient", "text"},
		},
		Handler: s.handleSend,
	})
}

type sendArgs struct {
	Recipient string `json:"recipient" validate:"required"`
	Text      string `json:"text" validate:"required,max=4096"`
}

func (s *Sender) handleSend(ctx context.Context, args jsonval.Object) (string, error) {
	var a sendArgs
	if err := tools.DecodeArgs(args, &a); err != nil {
		return "", err
	}
	recipient := strings.TrimSpace(a.Recipient)
	if recipient == "" {
		return "", &tools.ArgumentError{Field: "recipient", Reason: "is required"}
	}

	receipt, err := s.Send(ctx, recipient, a.Text)
	if err != nil {
		return "", err
	}

	status := receipt.Status
	if status == "" {
		status = "sent"
	}
	if receipt.ID != "" {
		return fmt.Sprintf("Message to %s %s (id %s).", recipient, status, receipt.ID), nil
	}
	return fmt.Sprintf("Message to %s %s.", recipient, status), nil
}

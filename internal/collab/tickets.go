package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/toolrelay/internal/httpkit"
	"github.com/nugget/toolrelay/internal/jsonval"
	"github.com/nugget/toolrelay/internal/mcp"
	"github.com/nugget/toolrelay/internal/tools"
)

// Ticket is a support ticket.
type Ticket struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewTicket is the body of a create request.
type NewTicket struct {
	Subject     string `json:"subject"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

// TicketClient talks to the ticket store.
type TicketClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewTicketClient creates a ticket store client. A nil httpClient gets
// a shared client carrying token as a bearer credential.
func NewTicketClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *TicketClient {
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithBearerToken(token))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TicketClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

// UserContext returns the store's free-form description of the calling
// user (account, plan, open tickets).
func (c *TicketClient) UserContext(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := httpkit.GetJSON(ctx, c.http, c.baseURL+"/user-context", &out); err != nil {
		return nil, fmt.Errorf("get user context: %w", err)
	}
	return out, nil
}

// Ticket fetches a ticket by id.
func (c *TicketClient) Ticket(ctx context.Context, id string) (*Ticket, error) {
	var t Ticket
	if err := httpkit.GetJSON(ctx, c.http, c.baseURL+"/ticket/"+url.PathEscape(id), &t); err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", id, err)
	}
	return &t, nil
}

// Create opens a ticket. The idempotency key lets the store collapse a
// create repeated after a lost response.
func (c *TicketClient) Create(ctx context.Context, nt NewTicket, idempotencyKey string) (*Ticket, error) {
	body, err := json.Marshal(nt)
	if err != nil {
		return nil, fmt.Errorf("marshal ticket: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ticket", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("create ticket: %w", &httpkit.StatusError{
			Method:     http.MethodPost,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 4096),
		})
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var t Ticket
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, fmt.Errorf("decode created ticket: %w", err)
	}
	c.logger.Info("ticket created", "ticket_id", t.ID, "priority", nt.Priority)
	return &t, nil
}

// RegisterTools adds get_user_context, get_ticket, and create_ticket to reg.
func (c *TicketClient) RegisterTools(reg *tools.Registry) {
	reg.Register(&tools.Tool{
		Name:        "get_user_context",
		Description: "Get the current user's support account context: plan, contact details, and open tickets.",
		InputSchema: &mcp.PropertySchema{Type: "object"},
		Handler:     c.handleUserContext,
	})

	reg.Register(&tools.Tool{
		Name:        "get_ticket",
		Description: "Fetch a support ticket by id.",
		InputSchema: &mcp.PropertySchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"ticket_id": {Type: "string", Description: "Ticket identifier"},
			},
			Required: []string{"ticket_id"},
		},
		Handler: c.handleGetTicket,
	})

	reg.Register(&tools.Tool{
		Name:        "create_ticket",
		Description: "Open a new support ticket.",
		InputSchema: &mcp.PropertySchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"subject":     {Type: "string", Description: "One-line summary"},
				"description": {Type: "string", Description: "Full description of the problem"},
				"priority": {
					Type:        "string",
					Description: "Ticket priority (default normal)",
					Enum:        []any{"low", "normal", "high", "urgent"},
				},
			},
			Required: []string{"subject", "description"},
		},
		Handler: c.handleCreateTicket,
	})
}

func (c *TicketClient) handleUserContext(ctx context.Context, _ jsonval.Object) (string, error) {
	uc, err := c.UserContext(ctx)
	if err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(uc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format user context: %w", err)
	}
	return string(out), nil
}

type getTicketArgs struct {
	TicketID string `json:"ticket_id" validate:"required"`
}

func (c *TicketClient) handleGetTicket(ctx context.Context, args jsonval.Object) (string, error) {
	var a getTicketArgs
	if err := tools.DecodeArgs(args, &a); err != nil {
		return "", err
	}
	t, err := c.Ticket(ctx, a.TicketID)
	if err != nil {
		return "", err
	}
	return formatTicket(t), nil
}

type createTicketArgs struct {
	Subject     string `json:"subject" validate:"required,max=200"`
	Description string `json:"description" validate:"required"`
	Priority    string `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

func (c *TicketClient) handleCreateTicket(ctx context.Context, args jsonval.Object) (string, error) {
	var a createTicketArgs
	if err := tools.DecodeArgs(args, &a); err != nil {
		return "", err
	}
	if a.Priority == "" {
		a.Priority = "normal"
	}

	t, err := c.Create(ctx, NewTicket(a), uuid.NewString())
	if err != nil {
		return "", err
	}
	return "Ticket created.\n\n" + formatTicket(t), nil
}

func formatTicket(t *Ticket) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ticket %s: %s\n", t.ID, t.Subject)
	if t.Status != "" {
		fmt.Fprintf(&sb, "Status: %s\n", t.Status)
	}
	if t.Priority != "" {
		fmt.Fprintf(&sb, "Priority: %s\n", t.Priority)
	}
	if !t.CreatedAt.IsZero() {
		fmt.Fprintf(&sb, "Opened: %s\n", t.CreatedAt.Format(time.RFC3339))
	}
	if t.Description != "" {
		fmt.Fprintf(&sb, "\n%s\n", t.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

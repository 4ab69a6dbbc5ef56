// Package currency provides the get_exchange_rate tool backed by a
// Frankfurter-compatible exchange rate API.
package currency

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/nugget/toolrelay/internal/httpkit"
	"github.com/nugget/toolrelay/internal/jsonval"
	"github.com/nugget/toolrelay/internal/mcp"
	"github.com/nugget/toolrelay/internal/tools"
)

// Quote is a conversion returned by the rate API.
type Quote struct {
	Amount float64            `json:"amount"`
	Base   string             `json:"base"`
	Date   string             `json:"date"`
	Rates  map[string]float64 `json:"rates"`
}

// Client queries the rate API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a rate API client rooted at baseURL.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

// Latest converts amount of from into each of the to currencies at the
// most recent published rate.
func (c *Client) Latest(ctx context.Context, from string, to []string, amount float64) (*Quote, error) {
	q := url.Values{}
	q.Set("from", from)
	q.Set("to", strings.Join(to, ","))
	q.Set("amount", strconv.FormatFloat(amount, 'f', -1, 64))

	var quote Quote
	if err := httpkit.GetJSON(ctx, c.http, c.baseURL+"/latest?"+q.Encode(), &quote); err != nil {
		return nil, fmt.Errorf("exchange rate lookup: %w", err)
	}
	c.logger.Debug("exchange rate fetched", "from", from, "to", to, "date", quote.Date)
	return &quote, nil
}

// Register adds the get_exchange_rate tool to reg.
func (c *Client) Register(reg *tools.Registry) {
	reg.Register(&tools.Tool{
		Name:        "get_exchange_rate",
		Description: "Convert an amount between currencies at the latest published exchange rate. Currencies are ISO 4217 codes such as USD, EUR, JPY.",
		InputSchema: &mcp.PropertySchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"from":   {Type: "string", Description: "Source currency code"},
				"to":     {Type: "string", Description: "Target currency code, or several separated by commas"},
				"amount": {Type: "number", Description: "Amount in the source currency (default 1)"},
			},
			Required: []string{"from", "to"},
		},
		Handler: c.handleGetExchangeRate,
	})
}

type rateArgs struct {
	From   string   `json:"from" validate:"required,len=3,alpha"`
	To     string   `json:"to" validate:"required"`
	Amount *float64 `json:"amount" validate:"omitempty,gt=0"`
}

func (c *Client) handleGetExchangeRate(ctx context.Context, args jsonval.Object) (string, error) {
	var a rateArgs
	if err := tools.DecodeArgs(args, &a); err != nil {
		return "", err
	}

	amount := 1.0
	if a.Amount != nil {
		amount = *a.Amount
	}

	from := strings.ToUpper(a.From)
	var targets []string
	for _, code := range strings.Split(a.To, ",") {
		code = strings.ToUpper(strings.TrimSpace(code))
		if len(code) != 3 {
			return "", &tools.ArgumentError{Field: "to", Reason: fmt.Sprintf("%q is not a currency code", code)}
		}
		if code != from {
			targets = append(targets, code)
		}
	}
	if len(targets) == 0 {
		return fmt.Sprintf("%s %s = %s %s", formatAmount(amount), from, formatAmount(amount), from), nil
	}

	quote, err := c.Latest(ctx, from, targets, amount)
	if err != nil {
		return "", err
	}
	return formatQuote(quote, from, amount), nil
}

func formatQuote(q *Quote, from string, amount float64) string {
	codes := make([]string, 0, len(q.Rates))
	for code := range q.Rates {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var sb strings.Builder
	for _, code := range codes {
		fmt.Fprintf(&sb, "%s %s = %s %s\n", formatAmount(amount), from, formatAmount(q.Rates[code]), code)
	}
	if q.Date != "" {
		fmt.Fprintf(&sb, "Rates as of %s.", q.Date)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(math.Round(v*10000)/10000, 'f', -1, 64)
}

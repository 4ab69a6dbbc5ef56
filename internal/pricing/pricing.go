// Package pricing provides the estimate_budget_plan tool, which runs an
// external pricing script and returns its report.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/toolrelay/internal/jsonval"
	"github.com/nugget/toolrelay/internal/mcp"
	"github.com/nugget/toolrelay/internal/tools"
)

// Config names the script and how to run it.
type Config struct {
	Interpreter string
	Script      string
	Timeout     time.Duration
}

// Estimator runs the pricing script.
type Estimator struct {
	cfg    Config
	exec   *tools.Executor
	logger *slog.Logger
}

// New creates an Estimator. exec may be nil to use default limits.
func New(cfg Config, exec *tools.Executor, logger *slog.Logger) *Estimator {
	if exec == nil {
		exec = tools.NewExecutor(tools.ExecConfig{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{cfg: cfg, exec: exec, logger: logger}
}

// Register adds the estimate_budget_plan tool to reg.
func (e *Estimator) Register(reg *tools.Registry) {
	reg.Register(&tools.Tool{
		Name:        "estimate_budget_plan",
		Description: "Estimate a spending plan for a budget. Returns the pricing script's breakdown by line item.",
		InputSchema: &mcp.PropertySchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"budget":   {Type: "number", Description: "Total budget, greater than zero"},
				"currency": {Type: "string", Description: "Currency code for the budget (default USD)"},
				"category": {Type: "string", Description: "Spending category, e.g. travel or groceries (default general)"},
			},
			Required: []string{"budget"},
		},
		Handler: e.handleEstimate,
	})
}

type estimateArgs struct {
	Currency string `json:"currency" validate:"omitempty,len=3,alpha"`
	Category string `json:"category" validate:"omitempty,max=64"`
}

func (e *Estimator) handleEstimate(ctx context.Context, args jsonval.Object) (string, error) {
	if !args.Has("budget") {
		return "", &tools.ArgumentError{Field: "budget", Reason: "is required"}
	}
	budget, err := args.Number("budget")
	if err != nil {
		return "", &tools.ArgumentError{Field: "budget", Reason: "must be a number"}
	}
	if math.IsNaN(budget) || math.IsInf(budget, 0) {
		return "", &tools.ArgumentError{Field: "budget", Reason: "must be a finite number"}
	}
	if budget <= 0 {
		return "", &tools.ArgumentError{Field: "budget", Reason: "must be greater than 0"}
	}

	rest := make(jsonval.Object, len(args))
	for k, v := range args {
		if k != "budget" {
			rest[k] = v
		}
	}
	var a estimateArgs
	if err := tools.DecodeArgs(rest, &a); err != nil {
		return "", err
	}
	currency := strings.ToUpper(a.Currency)
	if currency == "" {
		currency = "USD"
	}
	category := a.Category
	if category == "" {
		category = "general"
	}

	return e.Estimate(ctx, budget, currency, category)
}

// Estimate runs the script and returns its trimmed standard output.
func (e *Estimator) Estimate(ctx context.Context, budget float64, currency, category string) (string, error) {
	argv := []string{
		e.cfg.Script,
		"--budget", strconv.FormatFloat(budget, 'f', -1, 64),
		"--currency", currency,
		"--category", category,
	}

	res, err := e.exec.Run(ctx, e.cfg.Timeout, e.cfg.Interpreter, argv...)
	if err != nil {
		return "", fmt.Errorf("pricing script: %w", err)
	}
	if err := res.Err(); err != nil {
		e.logger.Warn("pricing script failed",
			"script", e.cfg.Script,
			"exit_code", res.ExitCode,
			"timed_out", res.TimedOut,
		)
		return "", fmt.Errorf("pricing script: %w", err)
	}

	e.logger.Debug("pricing script completed",
		"script", e.cfg.Script,
		"elapsed", res.Duration.Round(time.Millisecond),
	)

	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return "", fmt.Errorf("pricing script produced no output")
	}
	return out, nil
}

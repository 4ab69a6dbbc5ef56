package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"google.golang.org/genai"

	"github.com/nugget/toolrelay/internal/config"
	"github.com/nugget/toolrelay/internal/jsonval"
	"github.com/nugget/toolrelay/internal/mcp"
)

// repositoryConfig maps the client section of the config onto the
// connection settings [mcp.Connect] takes.
func repositoryConfig(cfg *config.Config) mcp.RepositoryConfig {
	cl := cfg.Client
	rc := mcp.RepositoryConfig{
		Primary:              mcp.EndpointConfig{Host: cl.Primary.Host, Port: cl.Primary.Port},
		SecondaryTools:       cl.SecondaryTools,
		ConnectTimeout:       cl.ConnectTimeout,
		ReadTimeout:          cl.ReadTimeout,
		SecondaryReadTimeout: cl.SecondaryReadTimeout,
		RetryDelay:           cl.RetryDelay,
		MaxSkippedLines:      cl.MaxSkippedLines,
	}
	if cl.Secondary != nil {
		rc.Secondary = &mcp.EndpointConfig{Host: cl.Secondary.Host, Port: cl.Secondary.Port}
	}
	return rc
}

// connect loads the config and opens the tool service. Client logs go
// to stderr so stdout carries only command output.
func connect(ctx context.Context, stderr io.Writer, opts options) (mcp.ToolService, *slog.Logger, error) {
	cfg, _, err := loadConfig(opts.configPath, true)
	if err != nil {
		return nil, nil, err
	}
	logger := configuredLogger(stderr, cfg)

	svc, err := mcp.Connect(ctx, repositoryConfig(cfg), logger)
	if err != nil {
		return nil, nil, err
	}
	return svc, logger, nil
}

// runTools lists every tool the configured servers advertise.
func runTools(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	svc, _, err := connect(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer svc.Close()

	defs, err := svc.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}
	for _, srv := range mcp.Servers(svc) {
		fmt.Fprintf(stdout, "# %s %s\n", srv.Name, srv.Version)
	}
	if len(defs) == 0 {
		fmt.Fprintln(stdout, "No tools available.")
		return nil
	}
	for _, d := range defs {
		fmt.Fprintf(stdout, "%-28s %s\n", d.Name, d.Description)
	}
	return nil
}

// runCall invokes one tool. argJSON, when non-empty, must be a JSON
// object. A tool-level failure is printed and returned as an error so
// the exit status reflects it.
func runCall(ctx context.Context, stdout, stderr io.Writer, opts options, name, argJSON string) error {
	args := jsonval.Object{}
	if argJSON != "" {
		var raw map[string]any
		if err := json.Unmarshal([]byte(argJSON), &raw); err != nil {
			return fmt.Errorf("parse arguments: %w", err)
		}
		var err error
		if args, err = jsonval.FromMap(raw); err != nil {
			return fmt.Errorf("parse arguments: %w", err)
		}
	}

	svc, logger, err := connect(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.CallTool(ctx, name, args)
	if err != nil {
		return fmt.Errorf("call %s: %w", name, err)
	}
	logger.Debug("tool call finished", "tool", name, "is_error", result.IsError)

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(stdout, result.Text())
	}
	if result.IsError {
		return errors.New("tool reported an error")
	}
	return nil
}

// runDeclarations prints the merged tool list converted to function
// declarations, the form a model consumes.
func runDeclarations(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	svc, logger, err := connect(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer svc.Close()

	decl, err := mcp.NewBridge(svc, logger).Tools(ctx)
	if err != nil {
		return err
	}
	if decl == nil {
		decl = []*genai.Tool{}
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(decl)
}

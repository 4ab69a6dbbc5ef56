// Toolrelay serves and consumes named tools over a line-delimited
// JSON-RPC protocol on plain TCP.
//
// A primary tool server hosts the general tools (repository queries,
// exchange rates, budget estimates, messaging, review and ticket
// stores). An optional device server hosts the Android emulator tool.
// The client commands connect to both, merge their tool lists, and
// route each call to the server that owns the tool. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	toolrelay serve                Start the primary tool server
//	toolrelay serve-device         Start the device tool server
//	toolrelay tools                List tools from the configured servers
//	toolrelay call <name> [json]   Invoke one tool
//	toolrelay declarations         Print tools as function declarations
//	toolrelay version              Print version and build information
//	toolrelay -o json version      Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/toolrelay/internal/buildinfo"
	"github.com/nugget/toolrelay/internal/config"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath string
	outputFmt  string // "text" or "json"
}

// run is the real entry point. ctx controls the process lifetime;
// stdout receives command output and logs; args is os.Args[1:].
// Arguments are parsed by hand to keep run free of package-level flag
// state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "serve-device":
		return runServeDevice(ctx, stdout, opts)
	case "tools":
		return runTools(ctx, stdout, stderr, opts)
	case "call":
		if len(cmdArgs) == 0 || len(cmdArgs) > 2 {
			return errors.New("usage: toolrelay call <name> [json-arguments]")
		}
		argJSON := ""
		if len(cmdArgs) == 2 {
			argJSON = cmdArgs[1]
		}
		return runCall(ctx, stdout, stderr, opts, cmdArgs[0], argJSON)
	case "declarations":
		return runDeclarations(ctx, stdout, stderr, opts)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Toolrelay - tool servers and client over line-delimited JSON-RPC")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolrelay [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Start the primary tool server")
	fmt.Fprintln(w, "  serve-device          Start the device (emulator) tool server")
	fmt.Fprintln(w, "  tools                 List tools from the configured servers")
	fmt.Fprintln(w, "  call <name> [json]    Invoke a tool with JSON object arguments")
	fmt.Fprintln(w, "  declarations          Print the tool list as function declarations")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./toolrelay.yaml, ~/.config/toolrelay/config.yaml, /etc/toolrelay/config.yaml")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" gives text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger a loaded config asks for.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist. With no explicit path and nothing found in
// the search paths, the built-in defaults are used when allowDefault is
// set.
func loadConfig(explicit string, allowDefault bool) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit == "" && allowDefault {
			return config.Default(), "", nil
		}
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

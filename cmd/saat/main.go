package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/mtzanidakis/saat/internal/config"
	"github.com/mtzanidakis/saat/internal/container"
	"github.com/mtzanidakis/saat/internal/mcpserver"
	"github.com/mtzanidakis/saat/internal/pipeline"
)

var version = "dev"

// logLevel is shared by every handler so SIGHUP can change it.
var logLevel = new(slog.LevelVar)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("saat %s\n", version)
		return
	case "serve", "gateway":
		err = runServe()
	case "run":
		err = runPipeline(os.Args[2:])
	case "mcp":
		err = runMCP()
	case "pipelines":
		err = runPipelines(os.Args[2:])
	case "image":
		err = runImage(os.Args[2:])
	case "vault":
		err = runVault(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: saat <command>

Commands:
  serve                               Start the saat service (API, scheduler, bus)
  run <pipeline> [-p key=value]...    Run a pipeline once and print the result
  mcp                                 Serve MCP tools on stdio
  pipelines [list|validate <file>...] List or check pipeline definitions
  image build -t <tag> [-f <Dockerfile>] <dir>
                                      Build a container agent image
  vault <command>                     Manage encrypted secrets
  backup -f <out.tar.zst>             Back up the store and pipelines
  restore -f <in.tar.zst> [-overwrite]
                                      Restore a backup
  version                             Print version

Environment:
  SAAT_CONFIG                         Config file (default config/saat.yaml)
`)
}

// loadConfig reads the config and installs the process-wide logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)
	logLevel.Set(cfg.LogLevel())
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runPipeline(args []string) error {
	name, params, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: saat run <pipeline> [-p key=value]... [-timeout <duration>]\n")
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := newCore(cfg, coreOptions{})
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if params.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.timeout)
		defer cancel()
	}

	res, err := c.broker.ExecutePipeline(ctx, name, params.values)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("pipeline %s failed with %d errors", name, len(res.Errors))
	}
	return nil
}

type runParams struct {
	values  map[string]any
	timeout time.Duration
}

func parseRunArgs(args []string) (string, runParams, error) {
	params := runParams{values: make(map[string]any)}
	var name string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-p":
			if i+1 >= len(args) {
				return "", params, fmt.Errorf("missing value for -p")
			}
			i++
			k, v, ok := strings.Cut(args[i], "=")
			if !ok || k == "" {
				return "", params, fmt.Errorf("invalid parameter %q, expected key=value", args[i])
			}
			params.values[k] = parseValue(v)
		case "-timeout":
			if i+1 >= len(args) {
				return "", params, fmt.Errorf("missing value for -timeout")
			}
			i++
			d, err := time.ParseDuration(args[i])
			if err != nil {
				return "", params, fmt.Errorf("invalid timeout: %w", err)
			}
			params.timeout = d
		default:
			if name != "" {
				return "", params, fmt.Errorf("unexpected argument %q", args[i])
			}
			name = args[i]
		}
	}

	if name == "" {
		return "", params, fmt.Errorf("missing pipeline name")
	}
	return name, params, nil
}

// parseValue decodes JSON literals (numbers, booleans, arrays, objects)
// and keeps anything else as a plain string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func runMCP() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := newCore(cfg, coreOptions{})
	if err != nil {
		return err
	}
	defer c.Close()

	return server.ServeStdio(mcpserver.New(c.broker, c.db, version))
}

func runPipelines(args []string) error {
	cmd := "list"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "list":
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := newCore(cfg, coreOptions{})
		if err != nil {
			return err
		}
		defer c.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tMODE\tSTEPS\tAGENTS")
		for _, p := range c.broker.Pipelines() {
			mode := p.Mode
			if mode == "" {
				mode = pipeline.ModeSequential
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.Name, p.Version, mode, len(p.Steps), strings.Join(p.Agents(), ", "))
		}
		return w.Flush()

	case "validate":
		if len(args) < 2 {
			return fmt.Errorf("usage: saat pipelines validate <file>...")
		}
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		problems := validatePipelineFiles(args[1:], cfg.Agents)
		for _, p := range problems {
			fmt.Println(p)
		}
		if len(problems) > 0 {
			return fmt.Errorf("%d problems found", len(problems))
		}
		fmt.Println("OK")
		return nil

	default:
		return fmt.Errorf("unknown pipelines command: %s", cmd)
	}
}

// validatePipelineFiles parses every file and reports structural errors
// and steps naming agents absent from agents.
func validatePipelineFiles(files []string, agents map[string]config.AgentDefinition) []string {
	var problems []string
	for _, f := range files {
		pipelines, err := pipeline.LoadFile(f)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", f, err))
			continue
		}
		for _, p := range pipelines {
			for _, s := range p.Steps {
				if _, ok := agents[s.Agent]; !ok {
					problems = append(problems, fmt.Sprintf("%s: pipeline %s step %s: unknown agent %q", f, p.Name, s.Name, s.Agent))
				}
			}
		}
	}
	return problems
}

func runImage(args []string) error {
	if len(args) == 0 || args[0] != "build" {
		return fmt.Errorf("usage: saat image build -t <tag> [-f <Dockerfile>] <dir>")
	}

	var tag, dockerfile, dir string
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "-t":
			if i+1 >= len(rest) {
				return fmt.Errorf("missing value for -t")
			}
			i++
			tag = rest[i]
		case "-f":
			if i+1 >= len(rest) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			dockerfile = rest[i]
		default:
			dir = rest[i]
		}
	}
	if tag == "" || dir == "" {
		return fmt.Errorf("usage: saat image build -t <tag> [-f <Dockerfile>] <dir>")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := container.NewManager(cfg.Container, nil)
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := mgr.BuildImage(ctx, dir, dockerfile, tag); err != nil {
		return err
	}
	fmt.Printf("Image %s built\n", tag)
	return nil
}

// Package app implements the tlt command line: global flags, configuration
// layering, command dispatch, s3:// staging and exit codes.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/arkilian/tlt/internal/config"
	tlterrors "github.com/arkilian/tlt/internal/errors"
	"github.com/arkilian/tlt/internal/logging"
	"github.com/arkilian/tlt/internal/storage"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

var (
	version = "dev"
	commit  = "unknown"
)

// SetVersion records build information for the version command.
func SetVersion(v, c string) {
	if v != "" {
		version = v
	}
	if c != "" {
		commit = c
	}
}

// usageError marks failures that exit with ExitUsage.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// errHelp is returned after -h output has been printed.
var errHelp = errors.New("help requested")

type command struct {
	summary string
	run     func(a *App, ctx context.Context, args []string) error
}

var commands = map[string]command{
	"ingest":    {"Validate a CSV of events and write a typed table", (*App).runIngest},
	"transform": {"Aggregate an events table into daily per-feature metrics", (*App).runTransform},
	"report":    {"Write metrics.txt and charts for a table", (*App).runReport},
	"size":      {"Compare the size of a CSV and its table", (*App).runSize},
	"enrich":    {"Add synthetic latency_ms values to a CSV", (*App).runEnrich},
	"run":       {"Ingest, transform and report in one work directory", (*App).runPipeline},
	"version":   {"Print version information", (*App).runVersion},
}

// Option configures an App.
type Option func(*App)

// WithOpener replaces the S3 opener used for s3:// locations.
func WithOpener(open storage.Opener) Option {
	return func(a *App) { a.opener = open }
}

// App runs one tlt invocation.
type App struct {
	stdout io.Writer
	stderr io.Writer

	opener storage.Opener
	cfg    *config.Config
	stager *storage.Stager
	runID  string
}

// New creates an App writing command results to stdout and logs and errors to stderr.
func New(stdout, stderr io.Writer, opts ...Option) *App {
	a := &App{stdout: stdout, stderr: stderr}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run executes the command line in args (without the program name) and
// returns the process exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	err := a.run(ctx, args)
	switch {
	case err == nil, errors.Is(err, errHelp):
		return ExitOK
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "command failed",
		append(tlterrors.LogAttrs(err), slog.String("error", err.Error()))...)
	fmt.Fprintf(a.stderr, "Error: %s\n", tlterrors.UserMessage(err))
	var ue *usageError
	if errors.As(err, &ue) {
		return ExitUsage
	}
	return ExitFailure
}

func (a *App) run(ctx context.Context, args []string) error {
	var configFile, logLevel, logFormat string
	fs := flag.NewFlagSet("tlt", flag.ContinueOnError)
	fs.StringVar(&configFile, "config", "", "path to a YAML or JSON configuration file")
	fs.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&logFormat, "log-format", "", "log format: text or json")
	if err := a.parseFlags(fs, args, func() { a.printUsage(fs) }); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		a.printUsage(fs)
		return usagef("missing command")
	}
	name, cmdArgs := rest[0], rest[1:]
	cmd, ok := commands[name]
	if !ok {
		return usagef("unknown command %q", name)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return &usageError{msg: tlterrors.UserMessage(err)}
	}
	a.cfg = cfg

	a.runID = uuid.New().String()
	logging.Init(a.stderr, cfg.Logging.Format, logging.ParseLevel(cfg.Logging.Level), slog.String("run_id", a.runID))

	open := a.opener
	if open == nil {
		open = storage.S3Opener(storage.S3Config{
			Region:          cfg.Storage.S3.Region,
			Endpoint:        cfg.Storage.S3.Endpoint,
			UsePathStyle:    cfg.Storage.S3.UsePathStyle,
			MultipartConfig: storage.DefaultMultipartConfig(),
		})
	}
	a.stager = storage.NewStager(open)
	defer func() {
		if err := a.stager.Close(); err != nil {
			slog.Warn("failed to remove staging directory", slog.String("error", err.Error()))
		}
	}()

	slog.Debug("command started", slog.String("command", name))
	return cmd.run(a, ctx, cmdArgs)
}

// parseFlags parses args into fs, mapping flag errors to usage errors. help
// runs only for -h.
func (a *App) parseFlags(fs *flag.FlagSet, args []string, help func()) error {
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			help()
			return errHelp
		}
		return usagef("%s", err.Error())
	}
	return nil
}

// parseCommand parses command flags, rejects positional arguments and
// validates opts, all before any work starts.
func (a *App) parseCommand(fs *flag.FlagSet, args []string, opts interface{}) error {
	help := func() {
		fmt.Fprintf(a.stdout, "Usage: tlt %s [flags]\n\nFlags:\n", fs.Name())
		fs.SetOutput(a.stdout)
		fs.PrintDefaults()
	}
	if err := a.parseFlags(fs, args, help); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return usagef("unexpected argument %q", fs.Arg(0))
	}
	if err := config.ValidateStruct(opts); err != nil {
		return &usageError{msg: tlterrors.UserMessage(err)}
	}
	return nil
}

func (a *App) printUsage(fs *flag.FlagSet) {
	w := a.stderr
	fmt.Fprintf(w, "tlt - telemetry batch pipeline\n\n")
	fmt.Fprintf(w, "Usage: tlt [global flags] <command> [flags]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-10s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(w, "\nGlobal flags:\n")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fs.SetOutput(io.Discard)
	fmt.Fprintf(w, "\nEnvironment variables override the config file, e.g.:\n")
	fmt.Fprintf(w, "  %s_TRANSFORM_MAU_WINDOW   rolling active-user window in days\n", config.EnvPrefix)
	fmt.Fprintf(w, "  %s_LOGGING_LEVEL          debug, info, warn, error\n", config.EnvPrefix)
	fmt.Fprintf(w, "  %s_STORAGE_S3_ENDPOINT    S3-compatible endpoint for s3:// paths\n", config.EnvPrefix)
	fmt.Fprintf(w, "\nRun 'tlt <command> -h' for command flags.\n")
}

// joinLocation appends name to a local directory or s3:// prefix.
func joinLocation(dir, name string) string {
	if strings.HasPrefix(dir, storage.S3Scheme) {
		return strings.TrimSuffix(dir, "/") + "/" + name
	}
	return filepath.Join(dir, name)
}

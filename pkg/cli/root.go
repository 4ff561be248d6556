package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/platinummonkey/registrar/pkg/config"
	"github.com/platinummonkey/registrar/pkg/observability"
)

// Exit codes
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// UsageError reports a malformed invocation
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

func usageErrorf(format string, args ...interface{}) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// ExitError carries a non-zero exit code for outcomes the command has already
// reported, such as a failing probe
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Flags       *pflag.FlagSet
	Run         func(ctx context.Context, args []string) error
}

// App is the registrar-cli command tree
type App struct {
	Name     string
	Commands map[string]*Command

	stdout io.Writer
	stderr io.Writer
	global globalOptions
}

type globalOptions struct {
	dbDriver      string
	databaseURL   string
	configFromEnv bool
	logLevel      string
}

func (g *globalOptions) register(fs *pflag.FlagSet) {
	fs.StringVar(&g.dbDriver, "db-driver", "", "Database driver: postgres or sqlite3 (default from REGISTRAR_DB_DRIVER)")
	fs.StringVar(&g.databaseURL, "database-url", "", "Database DSN (default from REGISTRAR_DATABASE_URL)")
	fs.BoolVar(&g.configFromEnv, "config-from-env", true, "Read unset settings from REGISTRAR_* variables")
	fs.StringVar(&g.logLevel, "log-level", "warn", "Log level")
}

// NewApp creates the command tree writing to stdout and stderr
func NewApp(stdout, stderr io.Writer) *App {
	a := &App{
		Name:     "registrar-cli",
		Commands: make(map[string]*Command),
		stdout:   stdout,
		stderr:   stderr,
	}

	for _, cmd := range []*Command{
		a.newSeedCommand(),
		a.newSweepCommand(),
		a.newAuditCoverageCommand(),
		a.newReportHealthCommand(),
		a.newMigrateCommand(),
	} {
		a.global.register(cmd.Flags)
		cmd.Flags.SetOutput(io.Discard)
		a.Commands[cmd.Name] = cmd
	}
	return a
}

// Execute runs args (without the program name) and returns the exit code
func (a *App) Execute(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		a.usage(a.stdout)
		if len(args) == 0 {
			return ExitUsage
		}
		return ExitOK
	}

	cmd, ok := a.Commands[args[0]]
	if !ok {
		fmt.Fprintf(a.stderr, "unknown command: %s\n\n", args[0])
		a.usage(a.stderr)
		return ExitUsage
	}

	if err := cmd.Flags.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			a.commandUsage(a.stdout, cmd)
			return ExitOK
		}
		fmt.Fprintf(a.stderr, "%s: %v\n\n", cmd.Name, err)
		a.commandUsage(a.stderr, cmd)
		return ExitUsage
	}

	err := cmd.Run(ctx, cmd.Flags.Args())
	var usageErr *UsageError
	var exitErr *ExitError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.As(err, &usageErr):
		fmt.Fprintf(a.stderr, "%s: %v\n\n", cmd.Name, err)
		a.commandUsage(a.stderr, cmd)
		return ExitUsage
	default:
		fmt.Fprintf(a.stderr, "%s: %v\n", cmd.Name, err)
		return ExitFailure
	}
}

func (a *App) usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: %s <command> [flags]\n\nCommands:\n", a.Name)
	names := make([]string, 0, len(a.Commands))
	for name := range a.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-15s %s\n", name, a.Commands[name].Description)
	}
	fmt.Fprintf(w, "\nRun '%s <command> --help' for command flags.\n", a.Name)
}

func (a *App) commandUsage(w io.Writer, cmd *Command) {
	fmt.Fprintf(w, "Usage: %s %s [flags]\n\n%s\n\nFlags:\n", a.Name, cmd.Name, cmd.Description)
	var flags strings.Builder
	cmd.Flags.SetOutput(&flags)
	cmd.Flags.PrintDefaults()
	cmd.Flags.SetOutput(io.Discard)
	fmt.Fprint(w, flags.String())
}

// config resolves the deployment configuration: environment (or defaults),
// then command-line overrides
func (a *App) config() (*config.Config, error) {
	var cfg *config.Config
	if a.global.configFromEnv {
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Defaults()
	}

	if a.global.dbDriver != "" {
		cfg.DBDriver = a.global.dbDriver
	}
	if a.global.databaseURL != "" {
		cfg.DatabaseURL = a.global.databaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, usageErrorf("%v", err)
	}
	return cfg, nil
}

func (a *App) logger() *observability.Logger {
	return observability.NewLogger(observability.LoggerConfig{
		Level:  a.global.logLevel,
		Output: a.stderr,
	})
}

// Main runs the tool with the process arguments and exits
func Main() {
	os.Exit(NewApp(os.Stdout, os.Stderr).Execute(context.Background(), os.Args[1:]))
}

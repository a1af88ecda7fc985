// Command ralph runs task manifests through coding agents in parallel, lock-safe batches and
// merges the results back to the main branch.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/buildinfo"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/config"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/logging"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/repo"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/run"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitStopped = 130
)

const (
	logFormatAuto    = "auto"
	logFormatConsole = "console"
	logFormatJSON    = "json"
)

// usageError marks command-line mistakes, which exit 2 instead of 1.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

// app carries the process streams and global flags shared by every command.
type app struct {
	stdout io.Writer
	stderr io.Writer

	verbose   bool
	logFormat string
	logger    *zap.Logger

	// exitCode is set by commands that finish without error but must not exit 0.
	exitCode int
	// exit terminates the process on a second interrupt.
	exit func(code int)
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) int {
	cli := &app{stdout: stdout, stderr: stderr, exit: os.Exit, logger: zap.NewNop()}
	root := cli.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	_ = cli.logger.Sync()
	if err == nil {
		return cli.exitCode
	}
	if isUsageError(err) {
		fmt.Fprintf(stderr, "Error: %v\nRun 'ralph --help' for usage.\n", err)
		return exitUsage
	}
	fmt.Fprintln(stderr, run.AsUserFacing(err).Render())
	return exitFailure
}

func isUsageError(err error) bool {
	var usage *usageError
	if errors.As(err, &usage) {
		return true
	}
	return strings.HasPrefix(err.Error(), "unknown command")
}

func (cli *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ralph",
		Short: "Run coding agents over task manifests in lock-safe parallel batches",
		Long: `ralph plans task manifests into batches whose resource locks do not conflict,
runs an agent per task in its own workspace, and merges each finished batch
into the main branch after an integration check.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch cli.logFormat {
			case logFormatAuto, logFormatConsole, logFormatJSON:
			default:
				return &usageError{err: fmt.Errorf("invalid --log-format %q (want auto, console, or json)", cli.logFormat)}
			}
			cli.logger = logging.New(logging.Options{
				Verbose: cli.verbose,
				JSON:    cli.jsonLogs(),
				Writer:  cli.stderr,
			})
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&cli.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&cli.logFormat, "log-format", logFormatAuto, "Log format: auto, console, or json")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.AddCommand(
		cli.runCommand(),
		cli.resumeCommand(),
		cli.planCommand(),
		cli.statusCommand(),
		cli.initCommand(),
		cli.versionCommand(),
	)
	return root
}

func (cli *app) initCommand() *cobra.Command {
	var repoPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the .ralph layout and a starter config in the repository",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := repo.Resolve(repoPath)
			if err != nil {
				return configError("Repository not found.", err, "Run inside a git repository or pass --repo.")
			}
			if err := config.InitRepo(root, config.InitOptions{Verbose: cli.verbose, Writer: cli.stdout}); err != nil {
				return fmt.Errorf("init %s: %w", root, err)
			}
			fmt.Fprintf(cli.stdout, "Initialized ralph in %s\n", root)
			return nil
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", "", "Repository path (default: the current directory)")
	return cmd
}

func (cli *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cli.stdout, "ralph "+buildinfo.String())
			return nil
		},
	}
}

// noArgs rejects positional arguments as a usage error.
func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return &usageError{err: fmt.Errorf("%s takes no arguments, got %q", cmd.CommandPath(), args)}
	}
	return nil
}

// configError wraps setup failures so they render with a title and hint.
func configError(title string, err error, hint string) error {
	return &run.UserFacingError{
		Code:    run.CodeConfig,
		Title:   title,
		Message: err.Error(),
		Hint:    hint,
		Cause:   err,
	}
}

func (cli *app) jsonLogs() bool {
	switch cli.logFormat {
	case logFormatJSON:
		return true
	case logFormatConsole:
		return false
	}
	return !isTerminal(cli.stderr)
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

// Package commands provides the CLI commands for toolgate.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/toolgate/internal/app"
	"github.com/opencode-ai/toolgate/internal/config"
	"github.com/opencode-ai/toolgate/internal/logging"
	"github.com/opencode-ai/toolgate/internal/policy"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs    bool
	logLevel     string
	workDirFlag  string
	allowFlags   []string
	askFlags     []string
	excludeFlags []string
)

var logFile io.Closer

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "toolgate - authorize and run the tool calls of an AI agent",
	Long: `toolgate decides, for every tool call an agent emits, whether it runs,
asks the operator first, or is refused, and then runs it.

Policies come from the command line (--allow, --ask, --exclude), from
allow-always grants made during the session, from the persisted policy file
and from the builtin defaults, in that order of precedence.

Run 'toolgate serve' to expose the engine over HTTP, or 'toolgate run' to
run tool calls read from a file.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&workDirFlag, "directory", "", "Working directory")
	rootCmd.PersistentFlags().StringArrayVar(&allowFlags, "allow", nil, "Run matching tool calls without asking (e.g. 'Bash(git status*)')")
	rootCmd.PersistentFlags().StringArrayVar(&askFlags, "ask", nil, "Ask before running matching tool calls")
	rootCmd.PersistentFlags().StringArrayVar(&excludeFlags, "exclude", nil, "Refuse matching tool calls")

	rootCmd.SetVersionTemplate(fmt.Sprintf("toolgate %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(policyCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// setupLogging sends logs to stderr with --print-logs and to the log file
// in the state directory otherwise.
func setupLogging(cmd *cobra.Command, args []string) error {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(logLevel)

	if printLogs {
		cfg.Pretty = true
	} else {
		f, err := logging.OpenLogFile(config.GetPaths().State)
		if err != nil {
			return err
		}
		logFile = f
		cfg.Output = f
	}
	logging.Init(cfg)
	return nil
}

// applyConfigLogLevel lets the configured level take over when --log-level
// was not given.
func applyConfigLogLevel(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
		return
	}
	logging.Logger = logging.Logger.Level(logging.ParseLevel(cfg.LogLevel))
}

// runtimeSource builds the runtime policy source from the CLI flags.
func runtimeSource() (policy.Source, error) {
	if len(allowFlags) == 0 && len(askFlags) == 0 && len(excludeFlags) == 0 {
		return policy.Source{}, nil
	}
	return policy.FromLists(policy.OriginRuntime, "cli", allowFlags, askFlags, excludeFlags)
}

// startApp builds and starts the app for the working directory.
func startApp(ctx context.Context, cmd *cobra.Command, watch bool) (*app.App, error) {
	workDir, err := GetWorkDir(workDirFlag)
	if err != nil {
		return nil, err
	}
	if err := config.GetPaths().EnsurePaths(); err != nil {
		return nil, err
	}
	runtime, err := runtimeSource()
	if err != nil {
		return nil, err
	}

	a, err := app.New(app.Options{
		Directory: workDir,
		Runtime:   runtime,
		Watch:     watch,
	})
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return nil, err
	}

	cfg, err := a.Config(ctx)
	if err != nil {
		_ = a.Shutdown(context.Background())
		return nil, err
	}
	applyConfigLogLevel(cmd, cfg)

	logging.Info().Str("directory", workDir).Str("version", Version).Msg("toolgate started")
	return a, nil
}

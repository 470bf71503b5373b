// Package cmd defines and implements the CLI commands for the image-registry-checker executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/image-registry-checker/internal/config"
	"github.com/JakeFAU/image-registry-checker/internal/server"
)

// version is overridden at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

type rootOptions struct {
	configFile string
	envFile    string

	// app is set once PersistentPreRunE has built it, so run can close it on every exit path.
	app *server.App
}

// exitError carries a process exit code out of a command without printing usage.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// newRootCmd creates and configures the root command.
func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image-registry-checker",
		Short: "Serves an API to check whether a container image is present in a registry.",
		Long: `This webserver serves an API to check whether a container image is present
in a registry or not. Currently, it only allows to query public registries
(no authentication implemented) and serves only http (no encryption).

To query for the image docker.io/nginx, run

  curl "http://localhost:8080/exists?image=docker.io/nginx"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Build the application once flags are parsed and hand it to subcommands.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := buildApp(cmd, opts)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opts.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Run(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env",
		"dotenv file exported into the environment before configuration is read")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newCheckCmd(), newVersionCmd())
	return cmd
}

func buildApp(cmd *cobra.Command, opts *rootOptions) (*server.App, error) {
	loaded, envErr := config.LoadEnvFile(opts.envFile)

	cfg, err := config.Load(opts.configFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	appInstance, err := server.Build(cfg, version)
	if err != nil {
		return nil, err
	}

	logger := appInstance.Logger()
	switch {
	case envErr != nil:
		logger.Warn("cannot read environment from env file", zap.String("path", opts.envFile), zap.Error(envErr))
	case !loaded && opts.envFile != "":
		logger.Info("cannot read environment from env file", zap.String("path", opts.envFile))
	case loaded:
		logger.Debug("environment loaded from env file", zap.String("path", opts.envFile))
	}
	return appInstance, nil
}

func resolveApp(ctx context.Context) (*server.App, error) {
	appInstance, ok := ctx.Value(appKey).(*server.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command tree and maps the result to a process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &rootOptions{}
	defer func() {
		if opts.app != nil {
			opts.app.Close()
		}
	}()

	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(stderr, "Error:", exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return 1
}

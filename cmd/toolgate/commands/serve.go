package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/toolgate/internal/app"
	"github.com/opencode-ai/toolgate/internal/logging"
	"github.com/opencode-ai/toolgate/internal/server"
)

var (
	serveListen  string
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the toolgate HTTP server",
	Long: `Start toolgate as a server that accepts tool calls, permission answers
and job commands over HTTP and streams every state change over SSE.

The first interrupt (Ctrl-C) cancels every unfinished tool call; a second
one, or an interrupt while nothing is running, shuts the server down.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Address to listen on (default 127.0.0.1:4096)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload the policy file when it changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := startApp(ctx, cmd, !serveNoWatch)
	if err != nil {
		return err
	}

	cfg, err := a.Config(ctx)
	if err != nil {
		return err
	}
	serverConfig := server.DefaultConfig()
	switch {
	case serveListen != "":
		serverConfig.Addr = serveListen
	case cfg.Listen != "":
		serverConfig.Addr = cfg.Listen
	}

	srv, err := startServer(ctx, a, serverConfig)
	if err != nil {
		_ = a.Shutdown(ctx)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "toolgate listening on http://%s\n", serverConfig.Addr)

	waitForShutdown(a)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Server shutdown error")
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Service cleanup error")
	}
	logging.Info().Msg("Server stopped")
	return nil
}

// startServer starts an HTTP server exposing a's services.
func startServer(ctx context.Context, a *app.App, cfg *server.Config) (*server.Server, error) {
	svc, err := a.ServerServices(ctx)
	if err != nil {
		return nil, err
	}
	srv := server.New(cfg, svc)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("Server error")
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()
	return srv, nil
}

// waitForShutdown blocks until the server should stop. An interrupt first
// cancels the running tool calls; only an interrupt with nothing left to
// cancel, or SIGTERM, returns.
func waitForShutdown(a *app.App) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	for sig := range quit {
		if sig == syscall.SIGTERM {
			return
		}
		engine, err := a.Engine(context.Background())
		if err != nil {
			return
		}
		if n := engine.Interrupt(); n > 0 {
			logging.Info().Int("calls", n).Msg("Interrupted running tool calls, interrupt again to stop the server")
			fmt.Fprintf(os.Stderr, "canceled %d tool call(s); press Ctrl-C again to stop\n", n)
			continue
		}
		return
	}
}

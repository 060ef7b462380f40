package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/tglogin/internal/api"
	"github.com/majorcontext/tglogin/internal/log"
)

const shutdownTimeout = 15 * time.Second

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the login API",
	Long: `Run the HTTP login API.

The caller's user key is read from the header named by api.user_header,
which the fronting proxy sets after authenticating the caller. Login
containers idle longer than sessions.idle_ttl are swept in the background,
and leftovers from a previous process are removed at startup.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides api.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	a.mgr.Start()

	addr := cfg.API.Listen
	if serveListen != "" {
		addr = serveListen
	}
	srv := api.New(a.svc, a.gw, api.Options{UserHeader: cfg.API.UserHeader})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Listen(addr)
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			log.Info("shutting down", "signal", sig.String())
		case <-gctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

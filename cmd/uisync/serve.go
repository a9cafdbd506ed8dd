package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/uisync/uisync/internal/dispatch"
	"github.com/uisync/uisync/internal/metrics"
	"github.com/uisync/uisync/internal/server"
	"github.com/uisync/uisync/internal/session"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hot-reload session host",
	Long: `Runs the session host: an HTTP control surface for creating and
inspecting sessions, and a websocket endpoint preview devices connect to.
Stops on SIGINT/SIGTERM after closing every device stream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		listen := cfg.Server.Listen
		if serveListen != "" {
			listen = serveListen
		}

		m := metrics.New()
		registry := session.NewRegistry(session.Options{
			SessionTimeout: cfg.SessionTimeout(),
		})
		dispatcher := dispatch.New(registry, dispatch.Options{})
		srv := server.New(server.Options{
			Listen:     listen,
			PublicHost: cfg.Server.PublicHost,
		}, registry, dispatcher, m)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			registry.Run(ctx)
			return nil
		})
		g.Go(func() error {
			return srv.Run(ctx)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "bind address (overrides server.listen)")
	rootCmd.AddCommand(serveCmd)
}

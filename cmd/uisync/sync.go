package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/uisync/uisync/internal/conflict"
	"github.com/uisync/uisync/internal/ir"
	"github.com/uisync/uisync/internal/irstore"
	"github.com/uisync/uisync/internal/metrics"
	"github.com/uisync/uisync/internal/queue"
	"github.com/uisync/uisync/internal/syncengine"
	"github.com/uisync/uisync/internal/syncmode"
	"github.com/uisync/uisync/internal/watcher"
)

var (
	syncPushHost      string
	syncPushSession   string
	syncMetricsListen string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Watch both source trees and keep them in sync",
	Long: `Watches both watch roots, converts changed sources into the shared
intermediate representation, and regenerates the opposite side. With
--push-host and --push-session, every successful sync is also pushed to a
running session host for live preview.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Sync.Enabled {
			return fmt.Errorf("sync is disabled in %s (sync.enabled: false)", cfgPath)
		}
		pair, err := cfg.Pair()
		if err != nil {
			return err
		}
		irs, err := irstore.New(cfg.StorageDir)
		if err != nil {
			return err
		}

		ctrl := syncmode.New(cfg.Mode, pair)
		var detector *conflict.Detector
		var conflicts *conflict.Store
		if ctrl.ConflictDetectionEnabled() {
			detector = conflict.NewDetector(pair, irs, 0)
			conflicts = conflict.NewStore(cfg.StorageDir)
		}

		adapters := map[string]syncengine.Adapter{
			pair.A.Tag: syncengine.Passthrough(pair.A.Tag),
			pair.B.Tag: syncengine.Passthrough(pair.B.Tag),
		}
		m := metrics.New()
		engine := syncengine.New(pair, ctrl, irs, adapters, detector, conflicts, syncengine.Options{
			FallbackBehavior: cfg.Conversion.FallbackBehavior,
			TestSync:         cfg.Sync.TestSync,
		})
		engine.OnResult(func(res syncengine.Result) {
			m.RecordSyncResult(string(res.Outcome))
		})
		if syncPushHost != "" && syncPushSession != "" {
			engine.OnResult(pushResult(irs))
		}

		w, err := watcher.New(pair, watcher.Options{
			Debounce: cfg.Debounce(),
			Ignore:   cfg.Sync.ExcludePatterns,
		})
		if err != nil {
			return err
		}
		q := queue.New(queue.Options{
			OnDrop: func(queue.Item) { m.RecordQueueDrop() },
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		slog.Info("Sync running", "mode", cfg.Mode,
			"rootA", pair.A.Root, "rootB", pair.B.Root)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return w.Run(ctx)
		})
		g.Go(func() error {
			q.Run(ctx, func(ctx context.Context, batch []queue.Item) {
				for _, res := range engine.ProcessBatch(ctx, batch) {
					if res.Err != nil {
						slog.Error("Sync failed", "path", res.Path, "error", res.Err)
					}
				}
				m.SetQueueDepth(q.Len())
			})
			return nil
		})
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-w.Events:
					q.Enqueue(ev)
					m.SetQueueDepth(q.Len())
				case err := <-w.Errors:
					slog.Warn("Watcher error", "error", err)
				}
			}
		})
		if syncMetricsListen != "" {
			g.Go(func() error {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
				srv := &http.Server{Addr: syncMetricsListen, Handler: mux}
				go func() {
					<-ctx.Done()
					_ = srv.Close()
				}()
				slog.Info("Metrics listening", "addr", syncMetricsListen)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		}
		return g.Wait()
	},
}

// pushResult forwards each synced body to the session host.
func pushResult(irs *irstore.Store) func(syncengine.Result) {
	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("http://%s/send/%s", syncPushHost, syncPushSession)
	return func(res syncengine.Result) {
		if res.Outcome != syncengine.OutcomeSynced {
			return
		}
		rec, err := irs.Load(res.ID)
		if err != nil {
			slog.Warn("Push skipped, cannot load representation",
				"id", res.ID, "error", err)
			return
		}
		body, err := ir.CanonicalBytes(rec.Body)
		if err != nil {
			slog.Warn("Push skipped, cannot encode representation",
				"id", res.ID, "error", err)
			return
		}
		resp, err := client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			slog.Warn("Push to session host failed", "id", res.ID, "error", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			slog.Warn("Session host rejected push",
				"id", res.ID, "status", resp.StatusCode)
		}
	}
}

func init() {
	syncCmd.Flags().StringVar(&syncPushHost, "push-host", "", "session host address to push updates to (host:port)")
	syncCmd.Flags().StringVar(&syncPushSession, "push-session", "", "session id to push updates into")
	syncCmd.Flags().StringVar(&syncMetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (host:port)")
	rootCmd.AddCommand(syncCmd)
}

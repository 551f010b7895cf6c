package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/uahtechtube/finxchange/internal/cache"
	"github.com/uahtechtube/finxchange/internal/config"
	"github.com/uahtechtube/finxchange/internal/edge"
	"github.com/uahtechtube/finxchange/internal/queue"
)

func main() {
	godotenv.Load()

	root := &cobra.Command{
		Use:   "finx-edge",
		Short: "Offline-first edge agent for the FinXchange API",
		Long: `finx-edge is a local proxy that sits between a FinXchange client and
the API. It caches reads, queues payment writes while the network is
down, and replays them automatically once connectivity returns.`,
		SilenceUsage: true,
	}

	root.AddCommand(runCmd(), queueCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the edge proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdge()
		},
	}
}

func runEdge() error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Str("service", "finx-edge").Logger()

	cfg, err := config.LoadEdge()
	if err != nil {
		return err
	}

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}

	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue.db"))
	if err != nil {
		return err
	}
	defer q.Close()

	c, err := cache.Open(filepath.Join(cfg.DataDir, "cache.db"), cfg.Version)
	if err != nil {
		return err
	}
	defer c.Close()

	// Records stuck in processing from a previous crash go back to queued.
	requeued, err := q.RequeueStuck(cfg.StuckThreshold)
	if err != nil {
		log.Error().Err(err).Msg("stuck-record sweep failed")
	} else if requeued > 0 {
		log.Info().Int("count", requeued).Msg("requeued stuck records")
	}

	if n, err := c.PurgeOtherGenerations(); err != nil {
		log.Error().Err(err).Msg("cache generation purge failed")
	} else if n > 0 {
		log.Info().Int("count", n).Str("generation", cfg.Version).Msg("purged stale cache generations")
	}
	if _, err := c.SweepExpired(); err != nil {
		log.Error().Err(err).Msg("expired cache sweep failed")
	}

	notifier := edge.LogNotifier{Log: log}
	monitor := edge.NewMonitor(cfg.UpstreamURL+"/health", cfg.ProbeInterval, log)

	drainer := edge.NewDrainer(edge.DrainerConfig{
		Upstream: upstream,
		Queue:    q,
		Cache:    c,
		Monitor:  monitor,
		Notifier: notifier,
		UserID:   cfg.UserID,
		Delay:    cfg.DrainDelay,
		Log:      log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.OnOnline(func() { drainer.Drain(ctx) })
	monitor.OnOffline(func() {
		notifier.Alert("You are offline. Transactions will be queued and sent when connectivity returns.")
	})
	go monitor.Run(ctx)

	// Requeued records would otherwise wait for a connectivity flap that may
	// never come; drain them once the first probe has settled the state.
	if requeued > 0 {
		go func() {
			monitor.Probe(ctx)
			drainer.Drain(ctx)
		}()
	}

	// Periodic cleanup of seeded entries past their TTL.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.SweepExpired(); err != nil {
					log.Error().Err(err).Msg("expired cache sweep failed")
				}
			}
		}
	}()

	proxy := edge.NewProxy(edge.ProxyConfig{
		Upstream:  upstream,
		Queue:     q,
		Cache:     c,
		Monitor:   monitor,
		Policy:    edge.DefaultPolicy(),
		Notifier:  notifier,
		Drainer:   drainer,
		UserID:    cfg.UserID,
		Freshness: cfg.FreshnessWindow,
		Log:       log,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: proxy.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("upstream", cfg.UpstreamURL).Msg("edge proxy starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("proxy failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline transaction queue",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List queued transactions, newest first",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withQueue(func(q *queue.Store, userID string) error {
					records, err := q.List(userID)
					if err != nil {
						return err
					}
					if len(records) == 0 {
						fmt.Println("queue is empty")
						return nil
					}
					for _, rec := range records {
						fmt.Printf("%s  %-16s %10s  %-10s %s\n",
							rec.ID, rec.Kind, rec.Amount, rec.Status,
							time.UnixMilli(rec.EnqueuedAt).Format(time.RFC3339))
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "retry <id>",
			Short: "Re-queue a failed transaction and trigger a drain",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.LoadEdge()
				if err != nil {
					return err
				}
				if err := withQueue(func(q *queue.Store, _ string) error {
					return q.Retry(args[0])
				}); err != nil {
					return err
				}
				fmt.Printf("record %s re-queued\n", args[0])
				if err := triggerDrain(cfg.ListenAddr); err != nil {
					fmt.Println("edge agent not reachable; the record will drain on the next reconnect")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <id>",
			Short: "Remove a queued transaction",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withQueue(func(q *queue.Store, _ string) error {
					if err := q.Remove(args[0]); err != nil {
						return err
					}
					fmt.Printf("record %s removed\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove all queued transactions for this user",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withQueue(func(q *queue.Store, userID string) error {
					if err := q.Clear(userID); err != nil {
						return err
					}
					fmt.Println("queue cleared")
					return nil
				})
			},
		},
	)

	return cmd
}

// triggerDrain asks a running edge agent to drain the queue now.
func triggerDrain(listenAddr string) error {
	addr := listenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post("http://"+addr+"/_edge/drain", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("drain trigger returned %d", resp.StatusCode)
	}
	return nil
}

func withQueue(fn func(q *queue.Store, userID string) error) error {
	cfg, err := config.LoadEdge()
	if err != nil {
		return err
	}
	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue.db"))
	if err != nil {
		return err
	}
	defer q.Close()
	return fn(q, cfg.UserID)
}

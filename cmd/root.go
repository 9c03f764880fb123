// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

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
	"github.com/united-manufacturing-hub/remediation-core/pkg/actor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/actor/guard"
	"github.com/united-manufacturing-hub/remediation-core/pkg/actor/rest"
	"github.com/united-manufacturing-hub/remediation-core/pkg/api"
	"github.com/united-manufacturing-hub/remediation-core/pkg/config"
	"github.com/united-manufacturing-hub/remediation-core/pkg/control"
	"github.com/united-manufacturing-hub/remediation-core/pkg/eventmanager"
	"github.com/united-manufacturing-hub/remediation-core/pkg/executor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/history"
	"github.com/united-manufacturing-hub/remediation-core/pkg/lock"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/metrics"
	"github.com/united-manufacturing-hub/remediation-core/pkg/notification"
	"github.com/united-manufacturing-hub/remediation-core/pkg/operation"
	"github.com/united-manufacturing-hub/remediation-core/pkg/sentry"
	"github.com/united-manufacturing-hub/remediation-core/pkg/snapshot"
	"github.com/united-manufacturing-hub/remediation-core/pkg/source"
	"go.uber.org/zap"
)

// appVersion is set with -ldflags "-X main.appVersion=...".
var appVersion = sentry.DefaultAppVersion

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "remediation-core",
		Short:         "Closed-loop remediation orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	defaultPath, _ := config.GetAsString("CONFIG_PATH", false, config.DefaultConfigPath)
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "path of the configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and policies, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			cmd.Printf("configuration valid: %d control loop(s), %d actor(s)\n", len(cfg.Policies), len(cfg.Actors))

			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(appVersion)
		},
	})

	return root
}

// closer collects shutdown steps, run in reverse order.
type closer struct {
	log   *zap.SugaredLogger
	steps []func(ctx context.Context) error
}

func (c *closer) add(fn func(ctx context.Context) error) {
	c.steps = append(c.steps, fn)
}

func (c *closer) run() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for i := len(c.steps) - 1; i >= 0; i-- {
		if err := c.steps[i](ctx); err != nil {
			c.log.Warnw("shutdown step failed", "error", err)
		}
	}
}

func run(ctx context.Context, cfg config.FullConfig) error {
	log := logger.For(logger.ComponentControlLoop)
	log.Infow("Starting remediation-core", "version", appVersion)

	sentry.InitSentry(cfg.SentryDSN, appVersion, true)
	defer sentry.Flush(2 * time.Second)

	shutdown := &closer{log: log}
	defer shutdown.run()

	server := metrics.SetupMetricsEndpoint(cfg.MetricsAddr)
	shutdown.add(func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	pool := executor.NewPool(cfg.Control.Workers)
	shutdown.add(pool.Shutdown)

	registry := actor.NewRegistry()
	guard.New(cfg.Guard).Register(registry)

	for _, ac := range cfg.Actors {
		rest.New(ac).Register(registry)
	}

	dataManager, err := openHistory(ctx, cfg.History, shutdown)
	if err != nil {
		return err
	}

	var snapshots control.SnapshotStore

	if cfg.Snapshot.Dir != "" {
		store, err := snapshot.Open(snapshot.Config{Path: cfg.Snapshot.Dir, SyncWrites: true})
		if err != nil {
			return err
		}

		shutdown.add(func(context.Context) error { return store.Close() })

		snapshots = store
	}

	sinks := []notification.Sink{notification.NewLogSink()}

	if cfg.Kafka.Enabled() && cfg.Kafka.NotificationTopic != "" {
		sink, err := notification.NewKafkaSink(notification.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.NotificationTopic,
		})
		if err != nil {
			return err
		}

		shutdown.add(func(context.Context) error { return sink.Close() })

		sinks = append(sinks, sink)
	}

	policies, err := cfg.PolicyStore()
	if err != nil {
		return err
	}

	loop := control.NewControlLoop(control.Config{
		TickerTime:          cfg.Control.TickerTime,
		StarvationThreshold: cfg.Control.StarvationThreshold,
		MaxConcurrent:       cfg.Control.MaxConcurrent,
	}, eventmanager.Services{
		Resolver:    registry,
		Executor:    pool,
		Locks:       lock.NewManager(pool, cfg.Control.LockMaxHold),
		DataManager: dataManager,
	}, policies, snapshots, sinks...)

	// runs before the pool and the stores shut down
	shutdown.add(loop.Stop)

	resumed, err := loop.Resume(ctx)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to resume remediations: %v", err)
	} else if resumed > 0 {
		log.Infow("resumed remediations", "count", resumed)
	}

	if cfg.Kafka.Enabled() && cfg.Kafka.EventTopic != "" {
		src, err := source.NewKafka(source.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.EventTopic,
			GroupID: cfg.Kafka.GroupID,
		})
		if err != nil {
			return err
		}

		shutdown.add(func(context.Context) error { return src.Close() })

		go func() {
			if err := src.Run(ctx, loop.HandleEvent); err != nil {
				sentry.ReportIssuef(sentry.IssueTypeError, log, "Event source stopped: %v", err)
			}
		}()
	} else {
		log.Warn("No event topic configured, no events will be received")
	}

	if cfg.API.Addr != "" {
		apiServer := api.NewServer(cfg.API, loop)
		shutdown.add(apiServer.Stop)

		go func() {
			if err := apiServer.Start(); err != nil {
				sentry.ReportIssuef(sentry.IssueTypeError, log, "API server failed: %v", err)
			}
		}()
	}

	log.Infow("control loop started", "policies", policies.Names())

	if err := loop.Execute(ctx); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Control loop failed: %v", err)

		return err
	}

	log.Info("remediation-core stopped")

	return nil
}

func openHistory(ctx context.Context, cfg config.HistoryConfig, shutdown *closer) (operation.DataManager, error) {
	var store history.Store

	switch cfg.Backend {
	case "", config.HistoryNone:
		return history.Disabled{}, nil
	case config.HistoryMemory:
		store = history.NewMemoryStore()
	case config.HistorySQLite:
		s, err := history.NewSQLiteStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}

		store = s
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}

	dm := history.NewManager(store, history.Config{
		MaxQueueLength: cfg.MaxQueueLength,
		BatchSize:      cfg.BatchSize,
		Retry:          history.DefaultConfig().Retry,
	})
	shutdown.add(dm.Stop)

	return dm, nil
}

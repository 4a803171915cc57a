// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/livemigrate/services/migrate/config"
	"github.com/AleutianAI/livemigrate/services/migrate/engine"
	"github.com/AleutianAI/livemigrate/services/migrate/state"
	"github.com/AleutianAI/livemigrate/services/migrate/statusapi"
	storage "github.com/AleutianAI/livemigrate/services/migrate/storage/badger"
	"github.com/AleutianAI/livemigrate/services/migrate/telemetry"
)

const shutdownGrace = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var (
		addr     string
		users    int
		noWatch  bool
		readyOut bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API for an in-process demo host",
		Long: `serve exposes the migration state, history and configuration over HTTP,
accepts migration triggers on POST /v1/migrate/run and serves metrics on
/metrics. The configuration file is watched and reapplied on change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			srv, err := newServer(ctx, cfg, users)
			if err != nil {
				return err
			}
			defer srv.close()

			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
			}
			if readyOut {
				fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", ln.Addr())
			}

			var watchPath string
			if !noWatch {
				watchPath = a.resolveConfigPath()
			}
			return srv.run(ctx, ln, watchPath)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().IntVar(&users, "users", 3, "number of users in the demo host")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the configuration file on change")
	cmd.Flags().BoolVar(&readyOut, "print-addr", false, "print the bound address once listening")
	return cmd
}

// server wires the engine, its history store and the HTTP API.
type server struct {
	eng      *engine.Engine
	handlers *statusapi.Handlers
	http     *http.Server
	db       *storage.DB
	shutdown func(context.Context) error
	logger   *slog.Logger
}

func newServer(ctx context.Context, cfg *config.Config, users int) (*server, error) {
	logger := slog.Default().With("component", "cmd.Server")

	telCfg := telemetry.DefaultConfig()
	shutdown, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s := &server{shutdown: shutdown, logger: logger}

	st := state.New(cfg.History.Size)
	if cfg.History.Path != "" {
		db, err := storage.Open(storage.DefaultConfig(cfg.History.Path))
		if err != nil {
			s.close()
			return nil, err
		}
		s.db = db
		sink, err := state.NewBadgerHistory(db, cfg.History.MaxRecords)
		if err != nil {
			s.close()
			return nil, err
		}
		st.SetSink(sink)
		n, err := st.Restore(ctx)
		if err != nil {
			logger.Warn("history not restored", "path", cfg.History.Path, "error", err)
		} else {
			logger.Info("history restored", "path", cfg.History.Path, "records", n)
		}
	}

	host, err := newDemoHost(users, false)
	if err != nil {
		s.close()
		return nil, err
	}
	opts := host.options()
	opts.Config = cfg
	opts.State = st
	opts.TracingEnabled = telCfg.TracingEnabled()
	s.eng, err = engine.New(opts)
	if err != nil {
		s.close()
		return nil, err
	}

	s.handlers = statusapi.NewHandlers(s.eng, host.request)
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	s.http = &http.Server{
		Handler:           statusapi.NewRouter(s.handlers, telemetry.MetricsHandler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// run serves on ln until ctx is done, reloading watchPath when non-empty.
func (s *server) run(ctx context.Context, ln net.Listener, watchPath string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("status API listening", "addr", ln.Addr().String())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.logger.Info("shutting down status API")
		return s.http.Shutdown(shutdownCtx)
	})

	if watchPath != "" {
		g.Go(func() error {
			if err := config.Watch(ctx, watchPath, s.reload); err != nil {
				s.logger.Warn("configuration reload disabled", "path", watchPath, "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// reload applies a reloaded configuration, keeping the previous one when
// loading failed or the new one is rejected.
func (s *server) reload(cfg *config.Config, err error) {
	if err != nil {
		s.logger.Warn("keeping previous configuration", "error", err)
		return
	}
	if err := s.eng.ApplyConfig(cfg); err != nil {
		s.logger.Warn("configuration rejected", "error", err)
		return
	}
	s.handlers.ApplyConfig(cfg)
}

// close releases the history store and flushes telemetry.
func (s *server) close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("close history store", "error", err)
		}
	}
	if s.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown", "error", err)
		}
	}
}

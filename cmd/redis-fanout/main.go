// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/redis-fanout/internal/config"
	"github.com/nishisan-dev/redis-fanout/internal/logging"
	"github.com/nishisan-dev/redis-fanout/internal/orchestrator"
	"github.com/nishisan-dev/redis-fanout/internal/scheduler"
	"github.com/nishisan-dev/redis-fanout/internal/statusapi"
)

const shutdownGrace = 10 * time.Second

func main() {
	defaultPath := os.Getenv("REDIS_FANOUT_CONFIG")
	if defaultPath == "" {
		defaultPath = "/etc/redis-fanout/config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to redis-fanout config file (or set REDIS_FANOUT_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Service.Logging.Level, cfg.Service.Logging.Format, cfg.Service.Logging.FilePath)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, logger)

	var webSrv *http.Server
	if cfg.WebUI.Enabled {
		nets, err := statusapi.ParseCIDRs(cfg.WebUI.AllowCIDRs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing web_ui.allow_cidrs: %v\n", err)
			os.Exit(1)
		}
		var acl *statusapi.ACL
		if len(nets) > 0 {
			acl = statusapi.NewACL(nets)
		}
		api := statusapi.New(orch, acl)
		webSrv = &http.Server{
			Addr:    net.JoinHostPort(cfg.WebUI.Host, fmt.Sprintf("%d", cfg.WebUI.Port)),
			Handler: api.Handler(),
		}
		go func() {
			logger.Info("status API listening", "addr", webSrv.Addr)
			if err := webSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status API server stopped", "err", err)
			}
		}()
	}

	var sched *scheduler.Scheduler
	if cfg.Service.Reconciliation.Enabled {
		sched, err = scheduler.New(cfg.Service.Reconciliation.Cron, func(jobCtx context.Context) error {
			logger.Info("reconciliation cycle starting")
			return orch.RunFullReconciliation(jobCtx)
		}, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting reconciliation scheduler: %v\n", err)
			os.Exit(1)
		}
		sched.Start()
		defer sched.Stop(context.Background())
	}

	runErr := orch.Run(ctx)

	if webSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = webSrv.Shutdown(shutdownCtx)
	}

	if runErr != nil {
		logger.Error("orchestrator stopped with error", "err", runErr)
		os.Exit(1)
	}
}

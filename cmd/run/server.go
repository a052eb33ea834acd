package run

import (
	"context"

	"mytunnel/internal/conf"
	"mytunnel/internal/flog"
	"mytunnel/internal/metrics"
	"mytunnel/internal/monitor"
	"mytunnel/internal/server"
)

func startServer(cfg *conf.Conf) {
	flog.Infof("Starting server...")

	srv, err := server.New(cfg)
	if err != nil {
		flog.Fatalf("Failed to initialize server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.NewExporter().Start(ctx, cfg.Metrics.BindAddr)
	}
	if cfg.Metrics.APIAddr != "" {
		monitor.Start(ctx, cfg.Metrics.APIAddr, srv.Manager(), srv.BufferPool())
	}

	if err := srv.Start(); err != nil {
		flog.Fatalf("Server encountered an error: %v", err)
	}
}

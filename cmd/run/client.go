package run

import (
	"mytunnel/internal/client"
	"mytunnel/internal/conf"
	"mytunnel/internal/flog"
)

func startClient(cfg *conf.Conf) {
	flog.Infof("Starting client...")

	c, err := client.New(cfg)
	if err != nil {
		flog.Fatalf("Failed to initialize client: %v", err)
	}
	if err := c.Start(); err != nil {
		flog.Fatalf("Client encountered an error: %v", err)
	}
}

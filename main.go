package main

import (
	"os"

	"github.com/spf13/cobra"

	"mytunnel/cmd/run"
)

var rootCmd = &cobra.Command{
	Use:   "mytunnel",
	Short: "QUIC tunnel proxy",
	Long:  `mytunnel is a QUIC-based tunnel: a server that relays TCP streams and UDP datagrams, and a client exposing local SOCKS5 and HTTP CONNECT proxies.`,
}

func main() {
	rootCmd.AddCommand(run.Cmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

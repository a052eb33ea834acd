package run

import (
	"log"
	"runtime"

	"github.com/spf13/cobra"

	"mytunnel/internal/conf"
	"mytunnel/internal/flog"
)

var confPath string

func init() {
	Cmd.Flags().StringVarP(&confPath, "config", "c", "config.toml", "Path to the configuration file.")
}

var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the client or server based on the config file.",
	Long:  `The 'run' command reads the specified TOML configuration file and starts in the configured role.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := conf.LoadFromFile(confPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		initialize(cfg)

		switch cfg.Role {
		case "client":
			startClient(cfg)
			return
		case "server":
			startServer(cfg)
			return
		}

		log.Fatalf("Failed to load configuration")
	},
}

func initialize(cfg *conf.Conf) {
	flog.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if cfg.Role == "server" && cfg.Server.Workers > 0 {
		runtime.GOMAXPROCS(cfg.Server.EffectiveWorkers())
	}
}

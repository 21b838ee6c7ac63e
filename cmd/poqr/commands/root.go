package commands

import (
	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/poqr/poqr/config"
	"github.com/TheusHen/poqr/poqr/instrument"
	"github.com/TheusHen/poqr/poqr/log"
)

var (
	configFile string
	dataDir    string
	dirURL     string

	cfg     *config.Config
	backend *log.Backend
)

func Execute() error {
	root := &cobra.Command{
		Use:          "poqr",
		Short:        "Post-quantum onion routing",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if configFile != "" {
				cfg, err = config.LoadFile(configFile)
			} else {
				cfg = config.Default()
			}
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.Relay.DataDir = dataDir
			}
			if dirURL != "" {
				cfg.Directory.URL = dirURL
			}
			backend, err = log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
			if err != nil {
				return err
			}
			instrument.Init(cfg.Metrics.Address)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "f", "", "TOML config file")
	root.PersistentFlags().StringVar(&dataDir, "datadir", "", "key directory (overrides Relay.DataDir)")
	root.PersistentFlags().StringVar(&dirURL, "directory", "", "directory base URL (e.g. http://127.0.0.1:8080)")

	root.AddCommand(genkeyCmd(), relayCmd(), directoryCmd(), sendCmd())
	return root.Execute()
}

func logger(module string) *logging.Logger {
	return backend.GetLogger(module)
}

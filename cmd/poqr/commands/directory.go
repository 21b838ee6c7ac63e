package commands

import (
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheusHen/poqr/poqr/directory/httpdir"
	"github.com/TheusHen/poqr/poqr/directory/memory"
)

func directoryCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Run the relay directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.Directory.Address
			}
			if addr == "" {
				return errors.New("no listen address. use --listen or Directory.Address")
			}
			log := logger("directory")
			srv := &http.Server{
				Addr:              addr,
				Handler:           httpdir.NewServer(memory.New(), log),
				ReadHeaderTimeout: 5 * time.Second,
			}
			log.Noticef("Directory listening on %s", addr)
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "", "listen address (overrides Directory.Address)")
	return cmd
}

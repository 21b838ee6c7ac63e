package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheusHen/poqr/poqr"
	"github.com/TheusHen/poqr/poqr/lattice"
)

func genkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate the relay identity and KEM keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Relay.DataDir == "" {
				return errors.New("no data directory. use --datadir or Relay.DataDir")
			}
			scheme, err := lattice.SchemeByName(cfg.Crypto.KEM)
			if err != nil {
				return err
			}
			kp, _, err := poqr.LoadOrGenerateKeys(cfg.Relay.DataDir, scheme)
			if err != nil {
				return err
			}
			fmt.Printf("Relay keys in %s\nKEM: %s\nPeerID: %s\n", cfg.Relay.DataDir, scheme.Name(), kp.PeerID())
			return nil
		},
	}
}

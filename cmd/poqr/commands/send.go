package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheusHen/poqr/poqr"
	"github.com/TheusHen/poqr/poqr/circuit"
	"github.com/TheusHen/poqr/poqr/directory/httpdir"
	"github.com/TheusHen/poqr/poqr/link"
	"github.com/TheusHen/poqr/poqr/transport/quic"
)

// send <message>: build a circuit, send the message, print the reply.
func sendCmd() *cobra.Command {
	var hops int
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message through a new circuit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Directory.URL == "" {
				return errors.New("no directory configured. use --directory")
			}
			if hops == 0 {
				hops = cfg.Crypto.Hops
			}
			log := logger("client")

			client := poqr.NewClient(quic.Transport{}, httpdir.NewClient(cfg.Directory.URL), circuit.Config{
				ReceiveWindow:     cfg.Limits.ReceiveWindow,
				AuthFailureBudget: cfg.Limits.AuthFailureBudget,
				BuildTimeout:      cfg.Limits.BuildTimeoutDuration(),
				Compress:          cfg.Transfer.Compress,
				ParityShards:      cfg.Transfer.ParityShards,
			}, link.Config{
				BadCellThreshold: cfg.Limits.BadCellThreshold,
				WriteQueue:       cfg.Limits.WriteQueue,
			}, log)
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfg.Limits.BuildTimeoutDuration())
			defer cancel()

			c, err := client.OpenRandomCircuit(ctx, hops)
			if err != nil {
				return err
			}
			defer c.Close()
			log.Infof("Circuit %d built through %d hops", c.ID(), len(c.Path()))

			if err := c.Send(ctx, []byte(args[0])); err != nil {
				return err
			}
			reply, err := c.Receive(ctx)
			if err != nil {
				return err
			}
			fmt.Println(string(reply))
			return nil
		},
	}
	cmd.Flags().IntVar(&hops, "hops", 0, "circuit length (default Crypto.Hops)")
	return cmd
}

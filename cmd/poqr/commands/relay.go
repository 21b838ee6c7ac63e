package commands

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/poqr/poqr"
	"github.com/TheusHen/poqr/poqr/config"
	"github.com/TheusHen/poqr/poqr/directory"
	"github.com/TheusHen/poqr/poqr/directory/httpdir"
	"github.com/TheusHen/poqr/poqr/lattice"
	"github.com/TheusHen/poqr/poqr/link"
	"github.com/TheusHen/poqr/poqr/relay"
	"github.com/TheusHen/poqr/poqr/transport/quic"
)

func relayCmd() *cobra.Command {
	var exit bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Relay.DataDir == "" {
				return errors.New("no data directory. use --datadir or Relay.DataDir")
			}
			if cmd.Flags().Changed("exit") {
				cfg.Relay.Exit = exit
			}
			log := logger("relay")

			scheme, err := lattice.SchemeByName(cfg.Crypto.KEM)
			if err != nil {
				return err
			}
			kp, sk, err := poqr.LoadOrGenerateKeys(cfg.Relay.DataDir, scheme)
			if err != nil {
				return err
			}

			rcfg := relay.Config{
				Identity:  kp,
				KEMKey:    sk,
				Transport: quic.Transport{},
				Link: link.Config{
					BadCellThreshold: cfg.Limits.BadCellThreshold,
					WriteQueue:       cfg.Limits.WriteQueue,
				},
				ReceiveWindow:     cfg.Limits.ReceiveWindow,
				AuthFailureBudget: cfg.Limits.AuthFailureBudget,
				ExtendTimeout:     cfg.Limits.ExtendTimeoutDuration(),
				ForwardTimeout:    cfg.Limits.ForwardTimeoutDuration(),
				Exit:              cfg.Relay.Exit,
				Compress:          cfg.Transfer.Compress,
				ParityShards:      cfg.Transfer.ParityShards,
				Log:               log,
			}
			if cfg.Relay.Exit {
				rcfg.Deliverer = deliverer(cfg.Relay.Deliverer)
			}
			r, err := relay.New(rcfg)
			if err != nil {
				return err
			}
			defer r.Close()

			ln, err := quic.Listen(cfg.Relay.Address)
			if err != nil {
				return err
			}
			errCh := make(chan error, 1)
			go func() { errCh <- r.Serve(ln) }()

			if cfg.Directory.URL != "" {
				stop := make(chan struct{})
				defer close(stop)
				go announce(r, httpdir.NewClient(cfg.Directory.URL), log, stop)
			} else {
				log.Warning("No directory configured, relay will not be announced")
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case <-sig:
				log.Notice("Shutting down")
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
	cmd.Flags().BoolVar(&exit, "exit", false, "deliver messages at the end of circuits")
	return cmd
}

// announce publishes the relay descriptor now and again before it expires.
func announce(r *relay.Relay, dir directory.Resolver, log *logging.Logger, stop <-chan struct{}) {
	t := time.NewTicker(directory.DescriptorLifetime / 4)
	defer t.Stop()
	for {
		d, err := r.Descriptor(cfg.Relay.Advertise)
		if err == nil {
			err = dir.Announce(d)
		}
		if err != nil {
			log.Errorf("Failed to announce descriptor: %v", err)
		} else {
			log.Noticef("Announced %s at %s", d.PeerID.Short(), d.Addr)
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

func deliverer(name string) relay.Deliverer {
	if name == config.DelivererEcho {
		return relay.EchoDeliverer{}
	}
	return relay.AckDeliverer{}
}

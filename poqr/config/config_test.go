package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheusHen/poqr/poqr/lattice"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "no Load() with nil config")

	const basicConfig = `# A basic relay.
[Logging]
Level = "debug"

[Crypto]
KEM = "LATTICE768-X25519"
Hops = 4

[Relay]
Address = "0.0.0.0:9443"
Advertise = "relay.example.org:9443"
DataDir = "/var/lib/poqr"
Exit = true
Deliverer = "echo"

[Directory]
URL = "http://127.0.0.1:8080"

[Limits]
BadCellThreshold = 4
BuildTimeout = 5000

[Transfer]
Compress = true
ParityShards = -1

[Metrics]
Address = "127.0.0.1:9100"
`
	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(lattice.NameHybrid, cfg.Crypto.KEM)
	require.Equal(4, cfg.Crypto.Hops)
	require.Equal("relay.example.org:9443", cfg.Relay.Advertise)
	require.True(cfg.Relay.Exit)
	require.Equal(DelivererEcho, cfg.Relay.Deliverer)
	require.Equal(4, cfg.Limits.BadCellThreshold)
	require.Equal(defaultAuthFailureBudget, cfg.Limits.AuthFailureBudget)
	require.Equal(5*time.Second, cfg.Limits.BuildTimeoutDuration())
	require.Equal(15*time.Second, cfg.Limits.ExtendTimeoutDuration())
	require.Equal(30*time.Second, cfg.Limits.ForwardTimeoutDuration())
	require.True(cfg.Transfer.Compress)
	require.Equal(-1, cfg.Transfer.ParityShards)
	require.Equal("127.0.0.1:9100", cfg.Metrics.Address)
}

func TestDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(""))
	require.NoError(err)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Equal(lattice.Name, cfg.Crypto.KEM)
	require.Equal(defaultHops, cfg.Crypto.Hops)
	require.Equal(defaultAddress, cfg.Relay.Address)
	require.Equal(defaultAddress, cfg.Relay.Advertise)
	require.Equal(DelivererAck, cfg.Relay.Deliverer)
	require.Equal(defaultParityShards, cfg.Transfer.ParityShards)
	require.Equal(defaultWriteQueue, cfg.Limits.WriteQueue)

	require.Equal(cfg, Default())
}

func TestInvalidConfig(t *testing.T) {
	for name, body := range map[string]string{
		"level":     "[Logging]\nLevel = \"LOUD\"\n",
		"kem":       "[Crypto]\nKEM = \"RSA\"\n",
		"hops":      "[Crypto]\nHops = 9\n",
		"datadir":   "[Relay]\nDataDir = \"relative/dir\"\n",
		"deliverer": "[Relay]\nDeliverer = \"smtp\"\n",
		"unknown":   "[Relay]\nColour = \"blue\"\n",
		"syntax":    "[Relay\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "poqr.toml")
	require.NoError(os.WriteFile(f, []byte("[Crypto]\nKEM = \"X25519\"\n"), 0o600))
	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Equal("X25519", cfg.Crypto.KEM)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(err)
}

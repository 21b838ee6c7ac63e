// Package config implements the configuration for POQR relays, hosts and
// directory servers.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/TheusHen/poqr/poqr/cell"
	"github.com/TheusHen/poqr/poqr/lattice"
	"github.com/TheusHen/poqr/poqr/log"
)

const (
	defaultLogLevel = "NOTICE"

	defaultHops              = 3
	defaultAddress           = "127.0.0.1:9443"
	defaultBadCellThreshold  = 16
	defaultAuthFailureBudget = 8
	defaultReceiveWindow     = 4
	defaultWriteQueue        = 256
	defaultBuildTimeout      = 30 * 1000 // 30 sec.
	defaultExtendTimeout     = 15 * 1000 // 15 sec.
	defaultForwardTimeout    = 30 * 1000 // 30 sec.
	defaultParityShards      = 2

	// DelivererAck and DelivererEcho name the built-in exit deliverers.
	DelivererAck  = "ack"
	DelivererEcho = "echo"
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch {
	case lvl == "":
		lvl = defaultLogLevel
	case !log.ValidLevel(lvl):
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Crypto selects the KEM and the circuit length.
type Crypto struct {
	// KEM is the key encapsulation scheme relays publish keys for.
	// LATTICE768 when empty.
	KEM string

	// Hops is the number of relays in circuits built by hosts.
	Hops int
}

func (cCfg *Crypto) applyDefaults() {
	if cCfg.KEM == "" {
		cCfg.KEM = lattice.Name
	}
	if cCfg.Hops == 0 {
		cCfg.Hops = defaultHops
	}
}

func (cCfg *Crypto) validate() error {
	s, err := lattice.SchemeByName(cCfg.KEM)
	if err != nil {
		return fmt.Errorf("config: Crypto: %w", err)
	}
	if s.CiphertextSize() > cell.MaxExtendCiphertext {
		return fmt.Errorf("config: Crypto: KEM '%v' ciphertexts do not fit a cell", cCfg.KEM)
	}
	if cCfg.Hops < 1 || cCfg.Hops > cell.MaxHops {
		return fmt.Errorf("config: Crypto: Hops %d is outside 1..%d", cCfg.Hops, cell.MaxHops)
	}
	return nil
}

// Relay is the relay configuration.
type Relay struct {
	// Address is the UDP address the QUIC listener binds.
	Address string

	// Advertise is the address published in the descriptor, Address if
	// empty.
	Advertise string

	// DataDir holds the identity and KEM key files. It must be absolute.
	DataDir string

	// Exit enables application delivery.
	Exit bool

	// Deliverer is the built-in exit application, "ack" or "echo".
	Deliverer string
}

func (rCfg *Relay) applyDefaults() {
	if rCfg.Address == "" {
		rCfg.Address = defaultAddress
	}
	if rCfg.Advertise == "" {
		rCfg.Advertise = rCfg.Address
	}
	if rCfg.Deliverer == "" {
		rCfg.Deliverer = DelivererAck
	}
}

func (rCfg *Relay) validate() error {
	if rCfg.DataDir != "" && !filepath.IsAbs(rCfg.DataDir) {
		return fmt.Errorf("config: Relay: DataDir '%v' is not an absolute path", rCfg.DataDir)
	}
	switch rCfg.Deliverer {
	case DelivererAck, DelivererEcho:
	default:
		return fmt.Errorf("config: Relay: Deliverer '%v' is invalid", rCfg.Deliverer)
	}
	return nil
}

// Directory locates the relay directory.
type Directory struct {
	// URL is the base URL of the directory server used by relays and
	// hosts.
	URL string

	// Address is the listen address of the directory server.
	Address string
}

// Limits bounds per-link and per-circuit resources.
type Limits struct {
	// BadCellThreshold is how many malformed cells close a link.
	BadCellThreshold int

	// AuthFailureBudget is how many unauthenticated cells a circuit
	// absorbs before it is torn down.
	AuthFailureBudget int

	// ReceiveWindow is how far ahead of the expected cell a hop accepts.
	ReceiveWindow int

	// WriteQueue is the number of cells queued per link.
	WriteQueue int

	// BuildTimeout bounds a circuit build in milliseconds.
	BuildTimeout int

	// ExtendTimeout bounds one EXTEND at a relay in milliseconds.
	ExtendTimeout int

	// ForwardTimeout bounds, in milliseconds, how long a relay waits for
	// room on a link before it gives up on a circuit.
	ForwardTimeout int
}

func (lCfg *Limits) applyDefaults() {
	if lCfg.BadCellThreshold <= 0 {
		lCfg.BadCellThreshold = defaultBadCellThreshold
	}
	if lCfg.AuthFailureBudget <= 0 {
		lCfg.AuthFailureBudget = defaultAuthFailureBudget
	}
	if lCfg.ReceiveWindow <= 0 {
		lCfg.ReceiveWindow = defaultReceiveWindow
	}
	if lCfg.WriteQueue <= 0 {
		lCfg.WriteQueue = defaultWriteQueue
	}
	if lCfg.BuildTimeout <= 0 {
		lCfg.BuildTimeout = defaultBuildTimeout
	}
	if lCfg.ExtendTimeout <= 0 {
		lCfg.ExtendTimeout = defaultExtendTimeout
	}
	if lCfg.ForwardTimeout <= 0 {
		lCfg.ForwardTimeout = defaultForwardTimeout
	}
}

// BuildTimeoutDuration returns BuildTimeout as a time.Duration.
func (lCfg *Limits) BuildTimeoutDuration() time.Duration {
	return time.Duration(lCfg.BuildTimeout) * time.Millisecond
}

// ExtendTimeoutDuration returns ExtendTimeout as a time.Duration.
func (lCfg *Limits) ExtendTimeoutDuration() time.Duration {
	return time.Duration(lCfg.ExtendTimeout) * time.Millisecond
}

// ForwardTimeoutDuration returns ForwardTimeout as a time.Duration.
func (lCfg *Limits) ForwardTimeoutDuration() time.Duration {
	return time.Duration(lCfg.ForwardTimeout) * time.Millisecond
}

// Transfer configures application message encoding.
type Transfer struct {
	// Compress enables lz4 for messages that shrink.
	Compress bool

	// ParityShards is the number of Reed-Solomon parity fragments per
	// multi-fragment message. Negative disables parity.
	ParityShards int
}

func (tCfg *Transfer) applyDefaults() {
	if tCfg.ParityShards == 0 {
		tCfg.ParityShards = defaultParityShards
	}
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Address is where /metrics is served. Disabled if empty.
	Address string
}

// Config is the top level configuration.
type Config struct {
	Logging   *Logging
	Crypto    *Crypto
	Relay     *Relay
	Directory *Directory
	Limits    *Limits
	Transfer  *Transfer
	Metrics   *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Logging == nil {
		cfg.Logging = &Logging{Level: defaultLogLevel}
	}
	if cfg.Crypto == nil {
		cfg.Crypto = &Crypto{}
	}
	if cfg.Relay == nil {
		cfg.Relay = &Relay{}
	}
	if cfg.Directory == nil {
		cfg.Directory = &Directory{}
	}
	if cfg.Limits == nil {
		cfg.Limits = &Limits{}
	}
	if cfg.Transfer == nil {
		cfg.Transfer = &Transfer{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}

	cfg.Crypto.applyDefaults()
	cfg.Relay.applyDefaults()
	cfg.Limits.applyDefaults()
	cfg.Transfer.applyDefaults()

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Crypto.validate(); err != nil {
		return err
	}
	if err := cfg.Relay.validate(); err != nil {
		return err
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}

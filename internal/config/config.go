// Package config loads and validates the coordinator configuration: a YAML
// file for structured options plus a .env overlay for deployment secrets.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/lnhive/hived/internal/hive"
)

// GovernanceMode controls how aggressively the node acts without operator
// confirmation.
type GovernanceMode string

const (
	GovernanceSupervised GovernanceMode = "supervised"
	GovernanceFailsafe   GovernanceMode = "failsafe"

	// governanceAutonomousAlias is accepted on input and mapped to failsafe.
	governanceAutonomousAlias = "autonomous"
)

// VPNMode restricts which peers may be admitted at the transport edge.
type VPNMode string

const (
	VPNAny       VPNMode = "any"
	VPNPreferred VPNMode = "vpn-preferred"
	VPNOnly      VPNMode = "vpn-only"
)

// IdentityMode selects the signing adapter implementation.
type IdentityMode string

const (
	IdentityLocal  IdentityMode = "local"
	IdentityRemote IdentityMode = "remote"
)

// Config is the full coordinator configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Hive       HiveConfig       `yaml:"hive"`
	Identity   IdentityConfig   `yaml:"identity"`
	Settlement SettlementConfig `yaml:"settlement"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Lightning  LightningConfig  `yaml:"lightning"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr     string `yaml:"listen_addr"`      // RPC/command surface
	PeerListenAddr string `yaml:"peer_listen_addr"` // websocket peer wire
	Env            string `yaml:"env"`
}

type HiveConfig struct {
	GovernanceMode   GovernanceMode `yaml:"governance_mode"`
	VPNMode          VPNMode        `yaml:"vpn_mode"`
	VPNSubnets       []string       `yaml:"vpn_subnets"`
	RequiredMessages []string       `yaml:"required_messages"`
	RelayTTLDefault  int            `yaml:"relay_ttl_default"`
	FeerateGateSatVB int            `yaml:"feerate_gate_threshold_sat_per_vb"`
	// Seed peers dialed at startup, "pubkey@host:port".
	Peers []string `yaml:"peers"`
}

type IdentityConfig struct {
	Mode IdentityMode `yaml:"identity_mode"`
	// RemoteSignerAddr is the gRPC endpoint of the sibling signer process
	// (remote mode only).
	RemoteSignerAddr string        `yaml:"remote_signer_addr"`
	SignTimeout      time.Duration `yaml:"sign_timeout"`
}

type SettlementConfig struct {
	Enabled      bool `yaml:"settlement_enabled"`
	PeriodWeeks  int  `yaml:"settlement_period_weeks"`
	NetworkAware bool `yaml:"network_optimized_weights"`
	// PayTimeout bounds each Lightning sub-payment.
	PayTimeout time.Duration `yaml:"pay_timeout"`
}

type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type CacheConfig struct {
	// RedisAddr enables the redis mirror of the aggregation cache when
	// non-empty; the in-memory cache is always active.
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type LightningConfig struct {
	// RPCSocket is the path of the node's JSON-RPC unix socket.
	RPCSocket string `yaml:"rpc_socket"`
	// MaxUpdateRounds caps openchannel_update iterations in the
	// dual-funded open before aborting to the single-funded path.
	MaxUpdateRounds int `yaml:"max_update_rounds"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads path, applies the optional .env overlay, validates, and
// normalizes aliases.
func Load(path string) (*Config, error) {
	// Deployment overrides; missing file is fine.
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if v := os.Getenv("HIVED_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("HIVED_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":9735"
	}
	if c.Server.PeerListenAddr == "" {
		c.Server.PeerListenAddr = ":9736"
	}
	if c.Hive.GovernanceMode == "" {
		c.Hive.GovernanceMode = GovernanceSupervised
	}
	if c.Hive.VPNMode == "" {
		c.Hive.VPNMode = VPNAny
	}
	if c.Hive.RelayTTLDefault == 0 {
		c.Hive.RelayTTLDefault = 2
	}
	if c.Identity.Mode == "" {
		c.Identity.Mode = IdentityLocal
	}
	if c.Identity.SignTimeout == 0 {
		c.Identity.SignTimeout = 5 * time.Second
	}
	if c.Settlement.PeriodWeeks == 0 {
		c.Settlement.PeriodWeeks = 1
	}
	if c.Settlement.PayTimeout == 0 {
		c.Settlement.PayTimeout = 120 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "file:hived.db?_pragma=journal_mode(WAL)"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = time.Hour
	}
	if c.Lightning.MaxUpdateRounds == 0 {
		c.Lightning.MaxUpdateRounds = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate normalizes aliases and rejects invalid enumerations.
func (c *Config) Validate() error {
	// "autonomous" is a historical alias for failsafe.
	if string(c.Hive.GovernanceMode) == governanceAutonomousAlias {
		c.Hive.GovernanceMode = GovernanceFailsafe
	}
	switch c.Hive.GovernanceMode {
	case GovernanceSupervised, GovernanceFailsafe:
	default:
		return hive.Validationf("governance_mode %q", c.Hive.GovernanceMode)
	}

	switch c.Hive.VPNMode {
	case VPNAny, VPNPreferred, VPNOnly:
	default:
		return hive.Validationf("vpn_mode %q", c.Hive.VPNMode)
	}

	for _, cidr := range c.Hive.VPNSubnets {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return hive.Validationf("vpn_subnets entry %q", cidr)
		}
	}

	switch c.Identity.Mode {
	case IdentityLocal, IdentityRemote:
	default:
		return hive.Validationf("identity_mode %q", c.Identity.Mode)
	}
	if c.Identity.Mode == IdentityRemote && c.Identity.RemoteSignerAddr == "" {
		return hive.Validationf("identity_mode remote requires remote_signer_addr")
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return hive.Validationf("storage driver %q", c.Storage.Driver)
	}

	if c.Hive.RelayTTLDefault < 1 || c.Hive.RelayTTLDefault > 8 {
		return hive.Validationf("relay_ttl_default %d outside [1,8]", c.Hive.RelayTTLDefault)
	}
	return nil
}

// VPNNets parses the configured CIDR list. Validate has already checked
// them, so parse errors are skipped.
func (c *Config) VPNNets() []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(c.Hive.VPNSubnets))
	for _, cidr := range c.Hive.VPNSubnets {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}

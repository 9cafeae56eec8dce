package client

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/UnclePhil1/chromatic/ringgame"
)

const configFileName = "chromatic.conf"

// AppConfig is the consolidated configuration for the client app.
type AppConfig struct {
	// Absolute directory where config, identity and logs live.
	DataDir string

	// Shared room store (redis). Empty means in-memory, single process.
	StoreAddr string
	StorePass string

	// Transfer backend selection: a gateway URL, or a dcrd node. Both empty
	// means the in-memory ledger.
	GatewayAddr  string
	DcrdHostPort string
	DcrdRPCUser  string
	DcrdRPCPass  string
	DcrdRPCCert  string

	// Wallet key file (32-byte hex). Created on first run when absent.
	WalletKeyPath string
	// Address payouts should land on; defaults to the wallet address.
	PayoutAddress string

	// Path to the stats database. Empty disables stats.
	StatsDBPath string

	EscrowMode   ringgame.EscrowMode
	PollInterval time.Duration
	DebugLevel   string

	// Base for shareable room links.
	ShareBase string
}

// ConfigOverrides carries optional CLI overrides for config values.
type ConfigOverrides struct {
	StoreAddr     string
	GatewayAddr   string
	DcrdHostPort  string
	DcrdRPCUser   string
	DcrdRPCPass   string
	DcrdRPCCert   string
	PayoutAddress string
	EscrowMode    string
	DebugLevel    string
}

func defaultAppConfig(datadir string) *AppConfig {
	return &AppConfig{
		DataDir:       datadir,
		WalletKeyPath: filepath.Join(datadir, "wallet.key"),
		EscrowMode:    ringgame.EscrowModeGenerated,
		PollInterval:  1250 * time.Millisecond,
		DebugLevel:    "info",
		ShareBase:     "chromatic://room",
	}
}

// LoadAppConfig loads configuration from <datadir>/chromatic.conf, applies
// overrides and returns the consolidated config. A missing file is written
// out with defaults so the first run leaves something editable behind.
func LoadAppConfig(datadir string, ov ConfigOverrides) (*AppConfig, error) {
	if datadir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		datadir = filepath.Join(home, ".chromatic")
	}
	if err := os.MkdirAll(datadir, 0o700); err != nil {
		return nil, fmt.Errorf("create datadir: %w", err)
	}

	cfg := defaultAppConfig(datadir)
	path := filepath.Join(datadir, configFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaultConfig(path, cfg); err != nil {
			return nil, err
		}
	} else if err := readConfigFile(path, cfg); err != nil {
		return nil, err
	}

	if ov.StoreAddr != "" {
		cfg.StoreAddr = ov.StoreAddr
	}
	if ov.GatewayAddr != "" {
		cfg.GatewayAddr = ov.GatewayAddr
	}
	if ov.DcrdHostPort != "" {
		cfg.DcrdHostPort = ov.DcrdHostPort
	}
	if ov.DcrdRPCUser != "" {
		cfg.DcrdRPCUser = ov.DcrdRPCUser
	}
	if ov.DcrdRPCPass != "" {
		cfg.DcrdRPCPass = ov.DcrdRPCPass
	}
	if ov.DcrdRPCCert != "" {
		cfg.DcrdRPCCert = ov.DcrdRPCCert
	}
	if ov.PayoutAddress != "" {
		cfg.PayoutAddress = ov.PayoutAddress
	}
	if ov.EscrowMode != "" {
		cfg.EscrowMode = ringgame.EscrowMode(ov.EscrowMode)
	}
	if ov.DebugLevel != "" {
		cfg.DebugLevel = ov.DebugLevel
	}

	switch cfg.EscrowMode {
	case ringgame.EscrowModeGenerated, ringgame.EscrowModeSelf:
	default:
		return nil, fmt.Errorf("unknown escrow mode %q", cfg.EscrowMode)
	}
	return cfg, nil
}

func readConfigFile(path string, cfg *AppConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") || strings.HasPrefix(s, ";") {
			continue
		}
		k, v, ok := strings.Cut(s, "=")
		if !ok {
			return fmt.Errorf("%s:%d: expected key=value", path, line)
		}
		k = strings.TrimSpace(strings.ToLower(k))
		v = strings.TrimSpace(v)
		switch k {
		case "storeaddr":
			cfg.StoreAddr = v
		case "storepass":
			cfg.StorePass = v
		case "gatewayaddr":
			cfg.GatewayAddr = v
		case "dcrdhostport":
			cfg.DcrdHostPort = v
		case "dcrdrpcuser":
			cfg.DcrdRPCUser = v
		case "dcrdrpcpass":
			cfg.DcrdRPCPass = v
		case "dcrdrpccert":
			cfg.DcrdRPCCert = v
		case "walletkeypath":
			cfg.WalletKeyPath = v
		case "payoutaddress":
			cfg.PayoutAddress = v
		case "statsdbpath":
			cfg.StatsDBPath = v
		case "escrowmode":
			cfg.EscrowMode = ringgame.EscrowMode(v)
		case "pollinterval":
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s:%d: bad pollinterval: %w", path, line, err)
			}
			cfg.PollInterval = d
		case "debuglevel":
			cfg.DebugLevel = v
		case "sharebase":
			cfg.ShareBase = v
		default:
			return fmt.Errorf("%s:%d: unknown key %q", path, line, k)
		}
	}
	return sc.Err()
}

func writeDefaultConfig(path string, cfg *AppConfig) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# chromatic client configuration\n")
	fmt.Fprintf(&b, "#storeaddr=localhost:6379\n")
	fmt.Fprintf(&b, "#gatewayaddr=\n")
	fmt.Fprintf(&b, "#dcrdhostport=\n")
	fmt.Fprintf(&b, "#dcrdrpcuser=\n")
	fmt.Fprintf(&b, "#dcrdrpcpass=\n")
	fmt.Fprintf(&b, "#dcrdrpccert=\n")
	fmt.Fprintf(&b, "walletkeypath=%s\n", cfg.WalletKeyPath)
	fmt.Fprintf(&b, "#payoutaddress=\n")
	fmt.Fprintf(&b, "#statsdbpath=\n")
	fmt.Fprintf(&b, "escrowmode=%s\n", cfg.EscrowMode)
	fmt.Fprintf(&b, "pollinterval=%s\n", cfg.PollInterval)
	fmt.Fprintf(&b, "debuglevel=%s\n", cfg.DebugLevel)
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDBPath         = "~/.hostagent/journal.db"
	defaultAPIListenAddr  = "0.0.0.0:8899"
	defaultHypervisorURL  = "http://127.0.0.1:8898"
	defaultHypervisorPort = 8898
	defaultHostIP         = "127.0.0.1"
	defaultStorageType    = "nfs"
	defaultSyncInterval   = 60 * time.Second
	defaultSystemISO      = "/opt/hostagent/iso/systemvm.iso"
	defaultControlPort    = 3922
	defaultBridge         = "xenbr0"
	defaultStopAttempts   = 30
	defaultStopInterval   = 10 * time.Second
	defaultProbeAttempts  = 60
	defaultProbeInterval  = 5 * time.Second
	defaultRetention      = 7 * 24 * time.Hour
	defaultRetentionSweep = time.Hour
)

// ServerConfig captures the runtime configuration required by the daemon.
type ServerConfig struct {
	DatabasePath  string
	APIListenAddr string
	APIKey        string
	APIAllowCIDRs []string

	HypervisorURL   string
	HypervisorPort  int
	HypervisorToken string

	HostIP  string
	OwnerID string
	PoolVIP string

	PoolAlias        string
	StorageType      string
	StorageHost      string
	StoragePath      string
	PrimaryStorageID string

	SyncInterval time.Duration
	// JournalRetention bounds how long journal rows are kept; 0 keeps them forever.
	JournalRetention time.Duration
	JournalSweep     time.Duration

	SystemISO     string
	ControlPort   int
	GuestBridge   string
	PrivateBridge string
	PublicBridge  string
	// BridgeCheck verifies bridges through netlink before attaching NICs.
	BridgeCheck bool

	StopAttempts  int
	StopInterval  time.Duration
	ProbeAttempts int
	ProbeInterval time.Duration
}

// PoolConfigured reports whether enough repository settings are present to
// run pool setup at startup.
func (c ServerConfig) PoolConfigured() bool {
	return c.StorageHost != "" && c.StoragePath != ""
}

// FromEnv loads server configuration from environment variables, applying
// defaults when unset.
func FromEnv() (ServerConfig, error) {
	cfg := ServerConfig{
		DatabasePath:     expandPath(getenv("HOSTAGENT_DB_PATH", defaultDBPath)),
		APIListenAddr:    getenv("HOSTAGENT_API_LISTEN", defaultAPIListenAddr),
		APIKey:           strings.TrimSpace(os.Getenv("HOSTAGENT_API_KEY")),
		APIAllowCIDRs:    splitList(os.Getenv("HOSTAGENT_API_ALLOW_CIDR")),
		HypervisorURL:    getenv("HOSTAGENT_HYPERVISOR_URL", defaultHypervisorURL),
		HypervisorToken:  strings.TrimSpace(os.Getenv("HOSTAGENT_HYPERVISOR_TOKEN")),
		HostIP:           getenv("HOSTAGENT_HOST_IP", defaultHostIP),
		OwnerID:          strings.TrimSpace(os.Getenv("HOSTAGENT_OWNER_ID")),
		PoolVIP:          strings.TrimSpace(os.Getenv("HOSTAGENT_POOL_VIP")),
		PoolAlias:        strings.TrimSpace(os.Getenv("HOSTAGENT_POOL_ALIAS")),
		StorageType:      getenv("HOSTAGENT_STORAGE_TYPE", defaultStorageType),
		StorageHost:      strings.TrimSpace(os.Getenv("HOSTAGENT_STORAGE_HOST")),
		StoragePath:      strings.TrimSpace(os.Getenv("HOSTAGENT_STORAGE_PATH")),
		PrimaryStorageID: strings.TrimSpace(os.Getenv("HOSTAGENT_PRIMARY_STORAGE_ID")),
		SystemISO:        getenv("HOSTAGENT_SYSTEM_ISO", defaultSystemISO),
		GuestBridge:      getenv("HOSTAGENT_GUEST_BRIDGE", defaultBridge),
		PrivateBridge:    getenv("HOSTAGENT_PRIVATE_BRIDGE", defaultBridge),
		PublicBridge:     getenv("HOSTAGENT_PUBLIC_BRIDGE", defaultBridge),
	}

	var err error
	if cfg.HypervisorPort, err = intEnv("HOSTAGENT_HYPERVISOR_PORT", defaultHypervisorPort); err != nil {
		return ServerConfig{}, err
	}
	if cfg.ControlPort, err = intEnv("HOSTAGENT_CONTROL_PORT", defaultControlPort); err != nil {
		return ServerConfig{}, err
	}
	if cfg.StopAttempts, err = intEnv("HOSTAGENT_STOP_ATTEMPTS", defaultStopAttempts); err != nil {
		return ServerConfig{}, err
	}
	if cfg.ProbeAttempts, err = intEnv("HOSTAGENT_PROBE_ATTEMPTS", defaultProbeAttempts); err != nil {
		return ServerConfig{}, err
	}
	if cfg.SyncInterval, err = durationEnv("HOSTAGENT_SYNC_INTERVAL", defaultSyncInterval); err != nil {
		return ServerConfig{}, err
	}
	if cfg.JournalRetention, err = durationEnv("HOSTAGENT_JOURNAL_RETENTION", defaultRetention); err != nil {
		return ServerConfig{}, err
	}
	if cfg.JournalSweep, err = durationEnv("HOSTAGENT_JOURNAL_SWEEP", defaultRetentionSweep); err != nil {
		return ServerConfig{}, err
	}
	if cfg.StopInterval, err = durationEnv("HOSTAGENT_STOP_INTERVAL", defaultStopInterval); err != nil {
		return ServerConfig{}, err
	}
	if cfg.ProbeInterval, err = durationEnv("HOSTAGENT_PROBE_INTERVAL", defaultProbeInterval); err != nil {
		return ServerConfig{}, err
	}
	if cfg.BridgeCheck, err = boolEnv("HOSTAGENT_BRIDGE_CHECK", false); err != nil {
		return ServerConfig{}, err
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if net.ParseIP(c.HostIP) == nil {
		return fmt.Errorf("invalid host ip %q", c.HostIP)
	}
	if c.PoolVIP != "" && net.ParseIP(c.PoolVIP) == nil {
		return fmt.Errorf("invalid pool virtual ip %q", c.PoolVIP)
	}
	if c.PoolVIP != "" && c.OwnerID == "" {
		return fmt.Errorf("HOSTAGENT_OWNER_ID required when a pool virtual ip is set")
	}
	if c.PoolConfigured() && c.OwnerID == "" {
		return fmt.Errorf("HOSTAGENT_OWNER_ID required when pool storage is set")
	}

	listenAddr := strings.TrimSpace(c.APIListenAddr)
	if listenAddr == "" {
		return fmt.Errorf("api listen address required")
	}
	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return fmt.Errorf("invalid api listen address %q: %w", listenAddr, err)
	}

	parsed, err := url.Parse(c.HypervisorURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid hypervisor url %q", c.HypervisorURL)
	}
	for _, cidr := range c.APIAllowCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid api allow cidr %q: %w", cidr, err)
		}
	}

	if c.HypervisorPort <= 0 || c.HypervisorPort > 65535 {
		return fmt.Errorf("invalid hypervisor port %d", c.HypervisorPort)
	}
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		return fmt.Errorf("invalid control port %d", c.ControlPort)
	}
	if c.StopAttempts <= 0 || c.ProbeAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive")
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync interval must not be negative")
	}
	if c.JournalRetention < 0 {
		return fmt.Errorf("journal retention must not be negative")
	}
	if c.JournalRetention > 0 && c.JournalSweep <= 0 {
		return fmt.Errorf("journal sweep interval must be positive when retention is set")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func expandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}

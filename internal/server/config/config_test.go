package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("HOSTAGENT_HOST_IP", "")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.HostIP != defaultHostIP || cfg.HypervisorPort != defaultHypervisorPort {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.SyncInterval != time.Minute || cfg.StopAttempts != 30 || cfg.ProbeInterval != 5*time.Second {
		t.Fatalf("unexpected retry defaults %+v", cfg)
	}
	if cfg.JournalRetention != 7*24*time.Hour || cfg.JournalSweep != time.Hour {
		t.Fatalf("unexpected journal retention defaults %+v", cfg)
	}
	if strings.HasPrefix(cfg.DatabasePath, "~") {
		t.Fatalf("database path not expanded: %s", cfg.DatabasePath)
	}
	if cfg.PoolConfigured() {
		t.Fatalf("pool must not be configured by default")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HOSTAGENT_HOST_IP", "10.0.0.11")
	t.Setenv("HOSTAGENT_OWNER_ID", "ms-1")
	t.Setenv("HOSTAGENT_POOL_VIP", "10.0.0.100")
	t.Setenv("HOSTAGENT_STORAGE_HOST", "nfs.example")
	t.Setenv("HOSTAGENT_STORAGE_PATH", "/export/primary")
	t.Setenv("HOSTAGENT_SYNC_INTERVAL", "15s")
	t.Setenv("HOSTAGENT_API_ALLOW_CIDR", "10.0.0.0/8, 192.168.0.0/16")
	t.Setenv("HOSTAGENT_BRIDGE_CHECK", "true")
	t.Setenv("HOSTAGENT_DB_PATH", ":memory:")
	t.Setenv("HOSTAGENT_JOURNAL_RETENTION", "0")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if !cfg.PoolConfigured() || cfg.PoolVIP != "10.0.0.100" {
		t.Fatalf("pool settings not loaded: %+v", cfg)
	}
	if cfg.SyncInterval != 15*time.Second || !cfg.BridgeCheck || cfg.JournalRetention != 0 {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if len(cfg.APIAllowCIDRs) != 2 || cfg.APIAllowCIDRs[1] != "192.168.0.0/16" {
		t.Fatalf("unexpected cidrs %v", cfg.APIAllowCIDRs)
	}
	if cfg.DatabasePath != ":memory:" {
		t.Fatalf("in-memory path rewritten: %s", cfg.DatabasePath)
	}
}

func TestFromEnvValidation(t *testing.T) {
	cases := map[string]map[string]string{
		"bad host ip":        {"HOSTAGENT_HOST_IP": "not-an-ip"},
		"bad vip":            {"HOSTAGENT_POOL_VIP": "vip", "HOSTAGENT_OWNER_ID": "ms-1"},
		"vip without owner":  {"HOSTAGENT_POOL_VIP": "10.0.0.100"},
		"bad duration":       {"HOSTAGENT_SYNC_INTERVAL": "soon"},
		"bad port":           {"HOSTAGENT_HYPERVISOR_PORT": "70000"},
		"bad cidr":           {"HOSTAGENT_API_ALLOW_CIDR": "10.0.0.0"},
		"bad hypervisor url": {"HOSTAGENT_HYPERVISOR_URL": "127.0.0.1:8898"},
		"bad listen":         {"HOSTAGENT_API_LISTEN": "8899"},
		"zero attempts":      {"HOSTAGENT_STOP_ATTEMPTS": "0"},
		"negative retention": {"HOSTAGENT_JOURNAL_RETENTION": "-1h"},
		"zero sweep":         {"HOSTAGENT_JOURNAL_SWEEP": "0s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := FromEnv(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

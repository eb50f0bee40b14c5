// Package config loads settings for the hypervisor simulator daemon.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
)

const (
	defaultHTTPListen = "0.0.0.0:8898"
	defaultHostname   = "hvsim"
	defaultAddress    = "127.0.0.1"
)

// Config captures runtime settings for hvsim.
type Config struct {
	HTTPListen string
	Hostname   string
	Address    string
	Token      string
	// Seed lists domains present in the listing at boot, keyed by name with
	// their raw status code.
	Seed map[string]string
}

// FromEnv loads configuration using environment variables with defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		HTTPListen: getenv("HVSIM_LISTEN", defaultHTTPListen),
		Hostname:   getenv("HVSIM_HOSTNAME", defaultHostname),
		Address:    getenv("HVSIM_ADDRESS", defaultAddress),
		Token:      strings.TrimSpace(os.Getenv("HVSIM_TOKEN")),
	}

	if _, _, err := net.SplitHostPort(cfg.HTTPListen); err != nil {
		return Config{}, fmt.Errorf("invalid listen address %q: %w", cfg.HTTPListen, err)
	}
	if net.ParseIP(cfg.Address) == nil {
		return Config{}, fmt.Errorf("invalid host address %q", cfg.Address)
	}

	seed, err := parseSeed(os.Getenv("HVSIM_SEED_VMS"))
	if err != nil {
		return Config{}, err
	}
	cfg.Seed = seed
	return cfg, nil
}

// parseSeed reads "name=status,name=status". A bare name means running.
func parseSeed(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, status, found := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid HVSIM_SEED_VMS entry %q", item)
		}
		status = strings.TrimSpace(status)
		if !found || status == "" {
			status = "r"
		}
		out[name] = status
	}
	return out, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

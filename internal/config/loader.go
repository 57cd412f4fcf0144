// loader.go implements the configuration loading lifecycle:
//
//  1. Enforce UTC timezone to prevent drift bugs in retry scheduling.
//  2. Load a .env file via godotenv (non-fatal if absent).
//  3. Populate the Config struct from the environment via envconfig.
//  4. Validate the struct using go-playground/validator.
//  5. Cross-validate the safeguard settings (mode-dependent requirements).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Load reads, validates, and returns the process configuration. Any error is
// fatal to the caller; there is no partial configuration.
func Load() (*Config, error) {
	// All retry arithmetic assumes UTC.
	time.Local = time.UTC

	// A missing .env file is normal outside local development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: processing environment: %w", err)
	}

	v := validator.New()
	if err := v.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	if err := validateSafeguard(cfg.Safeguard); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateSafeguard enforces mode-dependent requirements that struct tags
// cannot express: allowlist and redirect modes both need a redirect address,
// and allowlist needs at least one domain.
func validateSafeguard(sc SafeguardConfig) error {
	switch sc.Mode {
	case "allowlist":
		if len(sc.AllowedDomains) == 0 {
			return fmt.Errorf("config: SEND_SAFEGUARD_MODE=allowlist requires SEND_ALLOWED_DOMAINS")
		}
		if sc.RedirectAddress == "" {
			return fmt.Errorf("config: SEND_SAFEGUARD_MODE=allowlist requires SEND_REDIRECT_ADDRESS for non-allowed recipients")
		}
	case "redirect":
		if sc.RedirectAddress == "" {
			return fmt.Errorf("config: SEND_SAFEGUARD_MODE=redirect requires SEND_REDIRECT_ADDRESS")
		}
	}
	return nil
}

// NormalizedDomains returns the allowlist lowercased and trimmed, ready for
// case-insensitive domain matching.
func (sc SafeguardConfig) NormalizedDomains() []string {
	out := make([]string, 0, len(sc.AllowedDomains))
	for _, d := range sc.AllowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "24h" decode directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config carries every tunable constant of the escalation engine. All values
// have working defaults so an empty file (or no file) yields a usable config.
type Config struct {
	DatabaseURL string `yaml:"database_url"`

	// HighValueThreshold is the estimated budget above which a case earns an
	// exclusivity window regardless of complexity. Strictly greater-than.
	HighValueThreshold int64 `yaml:"high_value_threshold"`

	// ExclusivityWindow is how long a qualifying case stays reserved for the
	// top access tier.
	ExclusivityWindow Duration `yaml:"exclusivity_window"`

	// MinCrossBorderFunding is the funding floor for promotion to an
	// international case. Strictly greater-than.
	MinCrossBorderFunding int64 `yaml:"min_cross_border_funding"`

	// PanelSize is how many partner firms receive a simultaneous panel offer.
	PanelSize int `yaml:"panel_size"`

	// DefaultAuctionDays is the bidding window length used when the panel
	// stage exhausts without an acceptance.
	DefaultAuctionDays int `yaml:"default_auction_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HighValueThreshold:    100_000,
		ExclusivityWindow:     Duration(24 * time.Hour),
		MinCrossBorderFunding: 50_000,
		PanelSize:             5,
		DefaultAuctionDays:    7,
	}
}

// Load reads the YAML file at path (if it exists), then applies LEXBRIDGE_*
// environment overrides on top. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env overrides
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("LEXBRIDGE_HIGH_VALUE_THRESHOLD"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: LEXBRIDGE_HIGH_VALUE_THRESHOLD: %w", err)
		}
		c.HighValueThreshold = n
	}
	if v := os.Getenv("LEXBRIDGE_EXCLUSIVITY_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: LEXBRIDGE_EXCLUSIVITY_WINDOW: %w", err)
		}
		c.ExclusivityWindow = Duration(d)
	}
	if v := os.Getenv("LEXBRIDGE_MIN_CROSS_BORDER_FUNDING"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: LEXBRIDGE_MIN_CROSS_BORDER_FUNDING: %w", err)
		}
		c.MinCrossBorderFunding = n
	}
	if v := os.Getenv("LEXBRIDGE_PANEL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: LEXBRIDGE_PANEL_SIZE: %w", err)
		}
		c.PanelSize = n
	}
	if v := os.Getenv("LEXBRIDGE_DEFAULT_AUCTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: LEXBRIDGE_DEFAULT_AUCTION_DAYS: %w", err)
		}
		c.DefaultAuctionDays = n
	}
	return nil
}

func (c *Config) validate() error {
	if c.HighValueThreshold <= 0 {
		return fmt.Errorf("config: high_value_threshold must be positive")
	}
	if c.ExclusivityWindow <= 0 {
		return fmt.Errorf("config: exclusivity_window must be positive")
	}
	if c.MinCrossBorderFunding <= 0 {
		return fmt.Errorf("config: min_cross_border_funding must be positive")
	}
	if c.PanelSize <= 0 {
		return fmt.Errorf("config: panel_size must be positive")
	}
	if c.DefaultAuctionDays <= 0 {
		return fmt.Errorf("config: default_auction_days must be positive")
	}
	return nil
}

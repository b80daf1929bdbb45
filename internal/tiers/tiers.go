// Package tiers holds the operator-tunable economics of the platform:
// membership tier caps, shift durations, and the day window bounds.
package tiers

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Tier struct {
	Name string          `yaml:"name"`
	Cap  decimal.Decimal `yaml:"cap"`
}

type Durations struct {
	DayMinutes   int `yaml:"day_minutes"`
	NightMinutes int `yaml:"night_minutes"`
}

type Window struct {
	DayStartHour int `yaml:"day_start_hour"`
	DayEndHour   int `yaml:"day_end_hour"`
}

type Config struct {
	Tiers     []Tier    `yaml:"tiers"`
	Durations Durations `yaml:"durations"`
	Window    Window    `yaml:"window"`
}

func Default() Config {
	return Config{
		Tiers: []Tier{
			{Name: "Basic", Cap: decimal.NewFromInt(650)},
			{Name: "Professional", Cap: decimal.NewFromInt(1500)},
			{Name: "Expert", Cap: decimal.NewFromInt(3000)},
		},
		Durations: Durations{DayMinutes: 2, NightMinutes: 30},
		Window:    Window{DayStartHour: 6, DayEndHour: 22},
	}
}

func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse tiers config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid tiers config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv reads DONEZO_TIERS_FILE when set and falls back to the
// compiled defaults on any failure, so a bad config file never keeps
// the server from starting.
func LoadFromEnv() Config {
	path := os.Getenv("DONEZO_TIERS_FILE")
	if path == "" {
		return Default()
	}
	cfg, err := Load(path)
	if err != nil {
		log.Printf("tiers: load failed path=%s err=%v; using defaults", path, err)
		return Default()
	}
	return cfg
}

func (c Config) validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("no tiers defined")
	}
	for _, t := range c.Tiers {
		if t.Name == "" {
			return fmt.Errorf("tier with empty name")
		}
		if t.Cap.IsNegative() {
			return fmt.Errorf("tier %s has negative cap", t.Name)
		}
	}
	if c.Durations.DayMinutes <= 0 || c.Durations.NightMinutes <= 0 {
		return fmt.Errorf("durations must be positive")
	}
	if c.Window.DayStartHour < 0 || c.Window.DayEndHour > 24 || c.Window.DayStartHour >= c.Window.DayEndHour {
		return fmt.Errorf("day window [%d,%d) is not a valid hour range", c.Window.DayStartHour, c.Window.DayEndHour)
	}
	return nil
}

// CapFor returns the daily earnings cap for the named tier. Unknown
// tiers get the first (lowest) configured tier's cap.
func (c Config) CapFor(name string) decimal.Decimal {
	for _, t := range c.Tiers {
		if t.Name == name {
			return t.Cap
		}
	}
	return c.Tiers[0].Cap
}

// DurationFor maps a task category to its required dwell time.
func (c Config) DurationFor(category string) time.Duration {
	if category == "Night" {
		return time.Duration(c.Durations.NightMinutes) * time.Minute
	}
	return time.Duration(c.Durations.DayMinutes) * time.Minute
}

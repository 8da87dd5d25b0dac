// Package cortex wires every subsystem into one running substrate: it is
// the only package in this module allowed to import all the others, the
// single point where storeadapter, metricsledger, knowledge, persona,
// governance, ritual, and pilot get composed into a runnable process.
package cortex

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EvolutionConfig tunes the skill synthesizer and persona mutation loop.
type EvolutionConfig struct {
	MaxSandboxSkills int `yaml:"maxSandboxSkills"`
}

// RefinerConfig tunes the action journal's failure-clustering refiner.
type RefinerConfig struct {
	MinFailureCluster int `yaml:"minFailureCluster"`
}

// StrategyConfig tunes the strategic planner's verification thresholds.
type StrategyConfig struct {
	BaseVerificationSamples int `yaml:"baseVerificationSamples"`
}

// Config is the subsystem configuration every component reads its tunables
// from, loaded the way the teacher's configs/teams.yaml is: one YAML file
// parsed at startup, field defaults applied for anything the file omits.
type Config struct {
	DBPath            string          `yaml:"dbPath"`
	Dialect           string          `yaml:"dialect"` // "sqlite" (cgo) or "puregc" (modernc.org/sqlite)
	ContextWindowSize int             `yaml:"contextWindowSize"`
	PolicyCacheTTL    time.Duration   `yaml:"policyCacheTTL"`
	MaxSynthesisItems int             `yaml:"maxSynthesisItems"`
	Evolution         EvolutionConfig `yaml:"evolution"`
	Refiner           RefinerConfig   `yaml:"refiner"`
	Strategy          StrategyConfig  `yaml:"strategy"`
	HiveNATSURL       string          `yaml:"hiveNatsUrl"`
	NotifyEnabled     bool            `yaml:"notifyEnabled"`
}

// DefaultConfig returns the defaults spec.md §6 and §9 name.
func DefaultConfig() Config {
	return Config{
		DBPath:            "data/cortex.db",
		Dialect:           "puregc",
		ContextWindowSize: 50,
		PolicyCacheTTL:    60 * time.Second,
		MaxSynthesisItems: 500,
		Evolution:         EvolutionConfig{MaxSandboxSkills: 50},
		Refiner:           RefinerConfig{MinFailureCluster: 3},
		Strategy:          StrategyConfig{BaseVerificationSamples: 10},
	}
}

// LoadConfig reads a YAML config file, applying DefaultConfig for any field
// the file leaves zero-valued.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

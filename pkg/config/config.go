// Package config provides configuration management for the federated
// feasibility pipeline: defaults, JSON file loading, environment variable
// overrides and validation.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (highest priority)
//  2. Configuration file (JSON format)
//  3. Default values (lowest priority)
//
// The k-anonymity floor is enforced here: MinParticipatingMedics can never
// be configured below 3. With 1 or 2 contributing sites a participant that
// knows its own cohort size can derive another participant's exact count
// by subtraction.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/openmedex/fedquery/pkg/linkage"
)

// EnvPrefix is the prefix of all recognized environment overrides.
const EnvPrefix = "FEDQUERY_"

// MinParticipatingMedicsFloor is the lowest admissible k-anonymity
// threshold.
const MinParticipatingMedicsFloor = 3

// DefaultQueryPrefix is the syntactic prefix every accepted cohort query
// must carry, compared case-insensitively.
const DefaultQueryPrefix = "select count"

// DefaultBloomFilterLength is the default record bloom filter length in
// bits.
const DefaultBloomFilterLength = 3000

// DefaultMatchThreshold is the default positive-match threshold of the
// federated matcher.
const DefaultMatchThreshold = 0.8

// Config holds the recognized options of the feasibility pipeline.
type Config struct {
	// MinParticipatingMedics is the k-anonymity threshold: cohort results
	// with fewer contributing sites are dropped. Never below 3.
	MinParticipatingMedics int `json:"minParticipatingMedics"`

	// MinCohortDefinitions is the minimum number of cohorts a study must
	// define before anything is dispatched.
	MinCohortDefinitions int `json:"minCohortDefinitions"`

	// QueryPrefix is the required syntactic prefix of accepted queries.
	QueryPrefix string `json:"queryPrefix"`

	// BloomFilterLength is the record bloom filter length in bits.
	BloomFilterLength int `json:"bloomFilterLength"`

	// RecordLinkageFieldWeights sizes each identifier field's share of the
	// record bloom filter. Nine entries, one per identifier field.
	RecordLinkageFieldWeights []float64 `json:"recordLinkageFieldWeights"`

	// RecordLinkageFieldLengths is the per-field bloom filter length in
	// bits. Nine entries, one per identifier field.
	RecordLinkageFieldLengths []int `json:"recordLinkageFieldLengths"`

	// MatchThreshold is the similarity score at or above which two record
	// bloom filters are considered the same person.
	MatchThreshold float64 `json:"matchThreshold"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"logLevel"`
}

// Default returns the default configuration, matching the constants of
// the reference deployment.
func Default() *Config {
	return &Config{
		MinParticipatingMedics:    MinParticipatingMedicsFloor,
		MinCohortDefinitions:      1,
		QueryPrefix:               DefaultQueryPrefix,
		BloomFilterLength:         DefaultBloomFilterLength,
		RecordLinkageFieldWeights: []float64{0.1, 0.1, 0.1, 0.2, 0.05, 0.1, 0.05, 0.2, 0.1},
		RecordLinkageFieldLengths: []int{500, 500, 250, 50, 500, 250, 500, 500, 500},
		MatchThreshold:            DefaultMatchThreshold,
		LogLevel:                  "info",
	}
}

// Load reads the configuration file at path (if path is non-empty),
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvPrefix + "MIN_PARTICIPATING_MEDICS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMIN_PARTICIPATING_MEDICS: %w", EnvPrefix, err)
		}
		c.MinParticipatingMedics = n
	}
	if v := os.Getenv(EnvPrefix + "MIN_COHORT_DEFINITIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMIN_COHORT_DEFINITIONS: %w", EnvPrefix, err)
		}
		c.MinCohortDefinitions = n
	}
	if v := os.Getenv(EnvPrefix + "QUERY_PREFIX"); v != "" {
		c.QueryPrefix = v
	}
	if v := os.Getenv(EnvPrefix + "BLOOM_FILTER_LENGTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sBLOOM_FILTER_LENGTH: %w", EnvPrefix, err)
		}
		c.BloomFilterLength = n
	}
	if v := os.Getenv(EnvPrefix + "MATCH_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sMATCH_THRESHOLD: %w", EnvPrefix, err)
		}
		c.MatchThreshold = f
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate checks the configuration and returns a descriptive error for
// the first violation found.
func (c *Config) Validate() error {
	if c.MinParticipatingMedics < MinParticipatingMedicsFloor {
		return fmt.Errorf("minParticipatingMedics must be at least %d, got %d: "+
			"lower values let a site derive another site's count by subtraction",
			MinParticipatingMedicsFloor, c.MinParticipatingMedics)
	}
	if c.MinCohortDefinitions < 1 {
		return fmt.Errorf("minCohortDefinitions must be at least 1, got %d", c.MinCohortDefinitions)
	}
	if strings.TrimSpace(c.QueryPrefix) == "" {
		return fmt.Errorf("queryPrefix must not be empty")
	}
	if c.BloomFilterLength < 64 {
		return fmt.Errorf("bloomFilterLength must be at least 64 bits, got %d", c.BloomFilterLength)
	}
	if len(c.RecordLinkageFieldWeights) != linkage.NumFields {
		return fmt.Errorf("recordLinkageFieldWeights must have %d entries, one per identifier field, got %d",
			linkage.NumFields, len(c.RecordLinkageFieldWeights))
	}
	if len(c.RecordLinkageFieldLengths) != linkage.NumFields {
		return fmt.Errorf("recordLinkageFieldLengths must have %d entries, one per identifier field, got %d",
			linkage.NumFields, len(c.RecordLinkageFieldLengths))
	}
	var sum float64
	for i, w := range c.RecordLinkageFieldWeights {
		if w <= 0 {
			return fmt.Errorf("recordLinkageFieldWeights[%d] must be positive, got %v", i, w)
		}
		sum += w
	}
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("recordLinkageFieldWeights must sum to 1.0, got %v", sum)
	}
	for i, l := range c.RecordLinkageFieldLengths {
		if l < 1 {
			return fmt.Errorf("recordLinkageFieldLengths[%d] must be positive, got %d", i, l)
		}
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("matchThreshold must be in (0, 1], got %v", c.MatchThreshold)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func parseLogLevel(level string) (string, error) {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return strings.ToLower(level), nil
	default:
		return "", fmt.Errorf("invalid logLevel %q: expected debug, info, warn or error", level)
	}
}

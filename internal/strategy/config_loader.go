package strategy

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"quantcore/internal/core"
)

// FileConfig is one strategy entry in the YAML config file.
type FileConfig struct {
	ID                       string             `yaml:"id"`
	Name                     string             `yaml:"name"`
	Category                 string             `yaml:"category"`
	Timeframes               []string           `yaml:"timeframes"`
	PrimaryTimeframe         string             `yaml:"primary_timeframe"`
	Symbols                  []string           `yaml:"symbols"`
	MaxLeverage              float64            `yaml:"max_leverage"`
	CapitalAllocationPercent float64            `yaml:"capital_allocation_percent"`
	WarmupCandles            int                `yaml:"warmup_candles"`
	Params                   map[string]float64 `yaml:"params"`
	Enabled                  bool               `yaml:"enabled"`
}

// ConfigFile is the top-level YAML structure.
type ConfigFile struct {
	Strategies []FileConfig `yaml:"strategies"`
}

// LoadConfigs reads strategy definitions from a YAML file.
func LoadConfigs(path string) ([]FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse strategy config %s: %w", path, err)
	}
	return file.Strategies, nil
}

// ToConfig converts a file entry into a runtime Config.
func (fc FileConfig) ToConfig() *Config {
	return &Config{
		ID:                       fc.ID,
		Name:                     fc.Name,
		Category:                 Category(fc.Category),
		Timeframes:               fc.Timeframes,
		PrimaryTimeframe:         fc.PrimaryTimeframe,
		Symbols:                  fc.Symbols,
		MaxLeverage:              fc.MaxLeverage,
		CapitalAllocationPercent: fc.CapitalAllocationPercent,
		WarmupCandles:            fc.WarmupCandles,
		Params:                   fc.Params,
	}
}

// New builds the concrete variant for cfg's category.
func New(cfg *Config) (Strategy, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	switch cfg.Category {
	case CategoryTrendFollowing:
		return NewTrendFollowing(cfg), nil
	case CategoryMeanReversion:
		return NewMeanReversion(cfg), nil
	case CategoryCarry:
		return NewFundingCarry(cfg), nil
	case CategoryMomentum:
		return NewCrossMomentum(cfg), nil
	default:
		return nil, core.Validationf("unknown strategy category %q", cfg.Category)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.ID == "" {
		return core.Validationf("strategy id is required")
	}
	if len(cfg.Symbols) == 0 {
		return core.Validationf("strategy %s has no symbols", cfg.ID)
	}
	if len(cfg.Timeframes) == 0 {
		return core.Validationf("strategy %s has no timeframes", cfg.ID)
	}
	primaryOK := false
	for _, tf := range cfg.Timeframes {
		if tf == cfg.PrimaryTimeframe {
			primaryOK = true
			break
		}
	}
	if !primaryOK {
		return core.Validationf("strategy %s: primary timeframe %q not in timeframes", cfg.ID, cfg.PrimaryTimeframe)
	}
	if cfg.WarmupCandles <= 0 {
		return core.Validationf("strategy %s: warmup candles must be positive", cfg.ID)
	}
	if cfg.CapitalAllocationPercent < 0 || cfg.CapitalAllocationPercent > 100 {
		return core.Validationf("strategy %s: capital allocation must be in [0,100]", cfg.ID)
	}
	return nil
}

// SyncConfigToDB upserts strategy definitions into the database so the API
// and reporting layers see the same universe the runtime was started with.
func SyncConfigToDB(db *sql.DB, configs []FileConfig) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO strategies (id, name, category, primary_timeframe, symbols, params, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			primary_timeframe = excluded.primary_timeframe,
			symbols = excluded.symbols,
			params = excluded.params,
			enabled = excluded.enabled,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, cfg := range configs {
		symbolsJSON, err := json.Marshal(cfg.Symbols)
		if err != nil {
			return fmt.Errorf("marshal symbols for strategy %s: %w", cfg.ID, err)
		}
		paramsJSON, err := json.Marshal(cfg.Params)
		if err != nil {
			return fmt.Errorf("marshal params for strategy %s: %w", cfg.ID, err)
		}

		_, err = stmt.Exec(
			cfg.ID,
			cfg.Name,
			cfg.Category,
			cfg.PrimaryTimeframe,
			string(symbolsJSON),
			string(paramsJSON),
			cfg.Enabled,
		)
		if err != nil {
			return fmt.Errorf("upsert strategy %s: %w", cfg.ID, err)
		}
	}

	return tx.Commit()
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models karmaline.yml.
type Config struct {
	Token struct {
		Name          string `yaml:"name"`
		Symbol        string `yaml:"symbol"`
		Treasury      string `yaml:"treasury"`
		Escrow        string `yaml:"escrow"`
		FeeRateBps    int64  `yaml:"fee_rate_bps"`
		InitialSupply int64  `yaml:"initial_supply"`
	} `yaml:"token"`
	Escrow struct {
		PlatformFeeBps int64  `yaml:"platform_fee_bps"`
		MaxFeeBps      int64  `yaml:"max_fee_bps"`
		FeeCollector   string `yaml:"fee_collector"`
	} `yaml:"escrow"`
	Roles struct {
		SuperAdmins []string `yaml:"super_admins"`
	} `yaml:"roles"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run kl init or copy a karmaline.yml", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Token.Symbol == "" {
		return fmt.Errorf("config.token.symbol is required")
	}
	if c.Token.Treasury == "" {
		return fmt.Errorf("config.token.treasury is required")
	}
	if c.Token.Escrow == "" {
		return fmt.Errorf("config.token.escrow is required")
	}
	if c.Token.Treasury == c.Token.Escrow {
		return fmt.Errorf("config.token.treasury and config.token.escrow must differ")
	}
	if c.Token.FeeRateBps < 0 || c.Token.FeeRateBps > 10000 {
		return fmt.Errorf("config.token.fee_rate_bps must be in [0,10000]")
	}
	if c.Token.InitialSupply <= 0 {
		return fmt.Errorf("config.token.initial_supply must be positive")
	}
	if c.Escrow.MaxFeeBps <= 0 || c.Escrow.MaxFeeBps > 10000 {
		return fmt.Errorf("config.escrow.max_fee_bps must be in (0,10000]")
	}
	if c.Escrow.PlatformFeeBps < 0 || c.Escrow.PlatformFeeBps > c.Escrow.MaxFeeBps {
		return fmt.Errorf("config.escrow.platform_fee_bps must be in [0,%d]", c.Escrow.MaxFeeBps)
	}
	if c.Escrow.FeeCollector == "" {
		return fmt.Errorf("config.escrow.fee_collector is required")
	}
	if len(c.Roles.SuperAdmins) == 0 {
		return fmt.Errorf("config.roles.super_admins must name at least one account")
	}
	for _, a := range c.Roles.SuperAdmins {
		if a == "" {
			return fmt.Errorf("config.roles.super_admins contains empty account")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "karmaline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(superAdmin string) string {
	return fmt.Sprintf(defaultTemplate, superAdmin)
}

// Default returns the default Config struct.
func Default(superAdmin string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(superAdmin))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `token:
  name: Karma Token
  symbol: KRM
  treasury: treasury
  escrow: escrow
  fee_rate_bps: 100
  initial_supply: 100000000

escrow:
  platform_fee_bps: 250
  max_fee_bps: 1000
  fee_collector: fee-collector

roles:
  super_admins:
    - %s
`

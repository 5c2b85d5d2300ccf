package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"kravflyt/internal/domain"
)

// FileName is the workspace config file.
const FileName = "kravflyt.yml"

// Config models kravflyt.yml.
type Config struct {
	Preclusion Preclusion `yaml:"preclusion"`
	Forsering  Forsering  `yaml:"forsering"`
	Locale     string     `yaml:"locale"`
}

// Preclusion holds notice deadlines in whole days. A measurement strictly
// greater than a threshold crosses it.
type Preclusion struct {
	WarningDays  int                         `yaml:"warning_days"`
	CriticalDays map[domain.RuleCategory]int `yaml:"critical_days"`
}

type Forsering struct {
	UpliftPercent  int `yaml:"uplift_percent"`
	WarningPercent int `yaml:"warning_percent"`
}

// CriticalThreshold returns the critical day count for a rule category,
// falling back to the default category.
func (p Preclusion) CriticalThreshold(category domain.RuleCategory) int {
	if v, ok := p.CriticalDays[category]; ok {
		return v
	}
	return p.CriticalDays[domain.RuleDefault]
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Preclusion.WarningDays < 0 {
		return fmt.Errorf("config.preclusion.warning_days must be >= 0")
	}
	if _, ok := c.Preclusion.CriticalDays[domain.RuleDefault]; !ok {
		return fmt.Errorf("config.preclusion.critical_days.default is required")
	}
	for category, days := range c.Preclusion.CriticalDays {
		switch category {
		case domain.RuleDefault, domain.RuleRiggDrift, domain.RuleIrregularChange, domain.RuleSpecifiedClaim:
		default:
			return fmt.Errorf("config.preclusion.critical_days has unknown rule category %s", category)
		}
		if days < c.Preclusion.WarningDays {
			return fmt.Errorf("critical threshold for %s (%d) is below warning_days (%d)", category, days, c.Preclusion.WarningDays)
		}
	}
	if c.Forsering.UpliftPercent < 0 {
		return fmt.Errorf("config.forsering.uplift_percent must be >= 0")
	}
	if c.Forsering.WarningPercent <= 0 || c.Forsering.WarningPercent > 100 {
		return fmt.Errorf("config.forsering.warning_percent must be in 1..100")
	}
	if c.Locale == "" {
		return fmt.Errorf("config.locale is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with kf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `# Notice deadlines (NS 8407). Days are whole days since the circumstance arose.
preclusion:
  warning_days: 3
  critical_days:
    default: 14
    rigg_drift: 7
    irregular_change: 10
    specified_claim: 21

# Acceleration cost cap: rejected days x daily penalty x (100 + uplift) / 100.
forsering:
  uplift_percent: 30
  warning_percent: 80

locale: nb
`

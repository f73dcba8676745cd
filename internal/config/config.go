// Package config loads obsagent configuration from .obsagent/config.yaml
// and platform credentials from .obsagent/platforms.yaml.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cgast/obsagent/internal/logging"
	"github.com/cgast/obsagent/pkg/judge"
	"github.com/cgast/obsagent/pkg/observability"
	"github.com/cgast/obsagent/pkg/verify"
)

// Dir is the per-project configuration directory.
const Dir = ".obsagent"

// Config represents the runtime configuration.
type Config struct {
	Log       logging.Config       `yaml:"log"`
	Verify    VerifyConfig         `yaml:"verify"`
	Judge     JudgeConfig          `yaml:"judge"`
	Telemetry observability.Config `yaml:"telemetry"`
	History   HistoryConfig        `yaml:"history"`
	Inspector InspectorConfig      `yaml:"inspector"`
	Tools     ToolsConfig          `yaml:"tools"`
}

// VerifyConfig defines engine defaults.
type VerifyConfig struct {
	Concurrency int      `yaml:"concurrency"`
	Seed        *uint64  `yaml:"seed"`         // fixed sampling seed; unset draws from the global source
	Handlers    []string `yaml:"handlers"`     // handlers applied to every contract, e.g. [log, events]
	MinSeverity string   `yaml:"min_severity"` // lowest status the github handler reports
}

// JudgeConfig configures the semantic judge. An empty endpoint disables it.
type JudgeConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	Retries           int           `yaml:"retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxTranscript     int           `yaml:"max_transcript"`
}

// Enabled reports whether a judge endpoint is configured.
func (j JudgeConfig) Enabled() bool {
	return strings.TrimSpace(j.Endpoint) != ""
}

// Client returns the judge client configuration.
func (j JudgeConfig) Client() judge.Config {
	return judge.Config{
		Endpoint:          j.Endpoint,
		Model:             j.Model,
		APIKey:            j.APIKey,
		Timeout:           j.Timeout,
		Retries:           j.Retries,
		RequestsPerSecond: j.RequestsPerSecond,
		Burst:             j.Burst,
		MaxTranscript:     j.MaxTranscript,
	}
}

// HistoryConfig defines run history settings.
type HistoryConfig struct {
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
	Persist    bool   `yaml:"persist"`
}

// InspectorConfig defines inspector settings.
type InspectorConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ToolsConfig restricts the tools offered to the demo agent.
type ToolsConfig struct {
	Root           string   `yaml:"root"` // workspace; empty uses a scratch directory
	AllowedDomains []string `yaml:"allowed_domains"`
}

// PlatformConfig represents platform credentials.
type PlatformConfig struct {
	GitHub GitHubConfig `yaml:"github"`
}

// GitHubConfig holds settings for the github violation handler.
type GitHubConfig struct {
	Token   string   `yaml:"token"`
	Repo    string   `yaml:"repo"` // owner/name
	BaseURL string   `yaml:"base_url"`
	Labels  []string `yaml:"labels"`
}

// Configured reports whether issues can be filed.
func (g GitHubConfig) Configured() bool {
	return g.Token != "" && g.Repo != ""
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Log: logging.Config{Level: "info", Format: "text"},
		Verify: VerifyConfig{
			Concurrency: 4,
			Handlers:    []string{"log"},
			MinSeverity: string(verify.StatusWarning),
		},
		Judge: JudgeConfig{
			Model:             "gpt-4o-mini",
			Timeout:           30 * time.Second,
			Retries:           2,
			RequestsPerSecond: 2,
			Burst:             1,
		},
		Telemetry: observability.DefaultConfig(),
		History: HistoryConfig{
			Path:       Dir + "/history.db",
			MaxEntries: 10000,
			Persist:    true,
		},
		Inspector: InspectorConfig{Port: 4200},
	}
}

// Validate reports configuration values the engine cannot use.
func (c Config) Validate() error {
	var errs []string
	if c.Verify.Concurrency < 1 {
		errs = append(errs, "verify.concurrency must be at least 1")
	}
	if c.Verify.MinSeverity != "" {
		if _, err := verify.ParseStatus(c.Verify.MinSeverity); err != nil {
			errs = append(errs, "verify.min_severity: "+err.Error())
		}
	}
	if c.Judge.RequestsPerSecond < 0 {
		errs = append(errs, "judge.requests_per_second must not be negative")
	}
	if r := c.Telemetry.SampleRate; r < 0 || r > 1 {
		errs = append(errs, "telemetry.sample_rate must be within [0, 1]")
	}
	if c.History.MaxEntries < 0 {
		errs = append(errs, "history.max_entries must not be negative")
	}
	if p := c.Inspector.Port; p < 0 || p > 65535 {
		errs = append(errs, fmt.Sprintf("inspector.port %d out of range", p))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, "log.level: "+err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// LoadConfig reads and parses a runtime config YAML file, interpolating
// ${ENV} and ${ENV:-default} references. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal([]byte(interpolateEnvVars(string(data))), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadPlatformConfig reads and parses a platform credentials YAML file.
// Performs environment variable interpolation on string values.
func LoadPlatformConfig(path string) (PlatformConfig, error) {
	var cfg PlatformConfig

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read platform config %s: %w", path, err)
	}

	if err := yaml.Unmarshal([]byte(interpolateEnvVars(string(data))), &cfg); err != nil {
		return cfg, fmt.Errorf("parse platform config %s: %w", path, err)
	}
	return cfg, nil
}

// envVarPattern matches ${NAME} and ${NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// interpolateEnvVars expands environment references. An unset variable
// takes its default when one is given and is otherwise left as written.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		if val, ok := os.LookupEnv(m[1]); ok {
			return val
		}
		if def, ok := strings.CutPrefix(m[2], ":-"); ok {
			return def
		}
		return match
	})
}

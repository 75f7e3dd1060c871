package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/opencode-ai/toolgate/internal/policy"
)

// Config is the application configuration.
type Config struct {
	LogLevel string `json:"logLevel,omitempty"`
	Listen   string `json:"listen,omitempty"`

	// KillGracePeriod is how long a killed background job gets between
	// SIGTERM and SIGKILL, as a duration string such as "3s".
	KillGracePeriod string `json:"killGracePeriod,omitempty"`

	// RepeatGuard, when true, asks before running the same call
	// RepeatThreshold times in a row, even when policy allows it.
	RepeatGuard     *bool `json:"repeatGuard,omitempty"`
	RepeatThreshold int   `json:"repeatThreshold,omitempty"`

	// PolicyFile overrides the path of the persisted policy file.
	PolicyFile string `json:"policyFile,omitempty"`

	// Tools maps extra legacy tool names to canonical ones.
	Tools map[string]string `json:"tools,omitempty"`

	// Defaults replaces the builtin default policies when set.
	Defaults *PolicyLists `json:"defaults,omitempty"`
}

// PolicyLists holds tool patterns grouped by decision.
type PolicyLists struct {
	Allow   []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Ask     []string `json:"ask,omitempty" yaml:"ask,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// Source converts the lists to a policy source.
func (l PolicyLists) Source(origin policy.Origin, name string) (policy.Source, error) {
	return policy.FromLists(origin, name, l.Allow, l.Ask, l.Exclude)
}

// Empty reports whether no list has an entry.
func (l PolicyLists) Empty() bool {
	return len(l.Allow) == 0 && len(l.Ask) == 0 && len(l.Exclude) == 0
}

// KillGrace returns the parsed kill grace period, or fallback when unset.
func (c *Config) KillGrace(fallback time.Duration) time.Duration {
	if c.KillGracePeriod == "" {
		return fallback
	}
	d, err := time.ParseDuration(c.KillGracePeriod)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// RepeatGuardEnabled reports whether the repeat guard is on. It is off
// unless the config turns it on.
func (c *Config) RepeatGuardEnabled() bool {
	return c.RepeatGuard != nil && *c.RepeatGuard
}

// PolicyFilePath returns the configured policy file path or the default.
func (c *Config) PolicyFilePath() string {
	if c.PolicyFile != "" {
		return c.PolicyFile
	}
	return GetPaths().PolicyFilePath()
}

// BuiltinSource returns the builtin-default policy source, replaced by the
// configured defaults when present.
func (c *Config) BuiltinSource() (policy.Source, error) {
	if c.Defaults == nil {
		return policy.BuiltinDefaults(), nil
	}
	return c.Defaults.Source(policy.OriginBuiltin, "config defaults")
}

// Validate checks values that cannot be checked while decoding.
func (c *Config) Validate() error {
	if c.KillGracePeriod != "" {
		d, err := time.ParseDuration(c.KillGracePeriod)
		if err != nil {
			return fmt.Errorf("killGracePeriod: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("killGracePeriod: negative duration %s", d)
		}
	}
	if c.RepeatThreshold < 0 {
		return fmt.Errorf("repeatThreshold: must not be negative")
	}
	if c.Defaults != nil {
		if _, err := c.BuiltinSource(); err != nil {
			return fmt.Errorf("defaults: %w", err)
		}
	}
	return nil
}

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/toolgate/)
// 2. Project config (.toolgate/)
// 3. TOOLGATE_CONFIG file
// 4. TOOLGATE_CONFIG_CONTENT inline JSON
// 5. Environment variables, after loading .env from directory
func Load(directory string) (*Config, error) {
	config := &Config{}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) error {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil
		}
		if loaded[absPath] {
			return nil
		}
		err = loadConfigFile(path, config, baseDir)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		loaded[absPath] = true
		return nil
	}

	var candidates [][2]string

	// 1. Global config
	globalPath := GetPaths().Config
	candidates = append(candidates,
		[2]string{filepath.Join(globalPath, "toolgate.json"), globalPath},
		[2]string{filepath.Join(globalPath, "toolgate.jsonc"), globalPath},
	)

	// 2. Project config
	if directory != "" {
		projectConfigDir := filepath.Join(directory, ".toolgate")
		candidates = append(candidates,
			[2]string{filepath.Join(projectConfigDir, "toolgate.json"), projectConfigDir},
			[2]string{filepath.Join(projectConfigDir, "toolgate.jsonc"), projectConfigDir},
		)
	}

	// 3. TOOLGATE_CONFIG file override
	if configPath := os.Getenv("TOOLGATE_CONFIG"); configPath != "" {
		candidates = append(candidates, [2]string{configPath, filepath.Dir(configPath)})
	}

	for _, c := range candidates {
		if err := loadOnce(c[0], c[1]); err != nil {
			return nil, err
		}
	}

	// 4. TOOLGATE_CONFIG_CONTENT inline JSON
	if configContent := os.Getenv("TOOLGATE_CONFIG_CONTENT"); configContent != "" {
		var inlineConfig Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(configContent)), &inlineConfig); err != nil {
			return nil, fmt.Errorf("TOOLGATE_CONFIG_CONTENT: %w", err)
		}
		mergeConfig(config, &inlineConfig)
	}

	// 5. Environment variables (highest priority)
	if directory != "" {
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}
	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	// Apply interpolation
	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			home := os.Getenv("HOME")
			filePath = filepath.Join(home, filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for JSON string
		escaped, _ := json.Marshal(strings.TrimRight(string(content), "\n"))
		return string(escaped[1 : len(escaped)-1])
	})

	return []byte(str)
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *Config) {
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.Listen != "" {
		target.Listen = source.Listen
	}
	if source.KillGracePeriod != "" {
		target.KillGracePeriod = source.KillGracePeriod
	}
	if source.RepeatGuard != nil {
		target.RepeatGuard = source.RepeatGuard
	}
	if source.RepeatThreshold != 0 {
		target.RepeatThreshold = source.RepeatThreshold
	}
	if source.PolicyFile != "" {
		target.PolicyFile = source.PolicyFile
	}

	// Merge tool aliases
	if source.Tools != nil {
		if target.Tools == nil {
			target.Tools = make(map[string]string)
		}
		for k, v := range source.Tools {
			target.Tools[k] = v
		}
	}

	if source.Defaults != nil {
		target.Defaults = source.Defaults
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *Config) {
	if level := os.Getenv("TOOLGATE_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
	if listen := os.Getenv("TOOLGATE_LISTEN"); listen != "" {
		config.Listen = listen
	}
	if path := os.Getenv("TOOLGATE_POLICY_FILE"); path != "" {
		config.PolicyFile = path
	}
}

// Save saves the configuration to a file.
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

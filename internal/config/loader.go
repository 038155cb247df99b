package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix marks the environment variables read as configuration.
	EnvPrefix = "AUTOPILOT_"

	maxConfigFileSize = 1024 * 1024 // 1MB
	projectConfigDir  = ".autopilot"
	configFileName    = "config.yaml"
)

// nestedSections are sections whose fields sit one level deeper, so
// AUTOPILOT_PATTERNSTORE_NATS_URL maps to patternstore.nats.url.
var nestedSections = []string{"patternstore.chromem", "patternstore.nats"}

// LoadWithFile loads configuration from a YAML file, then overrides it
// with environment variables.
//
// Precedence, highest first:
//  1. AUTOPILOT_* environment variables
//  2. the YAML file
//  3. defaults
//
// An empty configPath looks for .autopilot/config.yaml in the working
// directory, then ~/.config/autopilot/config.yaml. A missing file is not
// an error.
//
// The file must live in the working directory tree, ~/.config/autopilot/
// or /etc/autopilot/, be at most 1MB, and have 0600 or 0400 permissions.
//
// Environment variables split on the first underscore after the prefix:
//
//	AUTOPILOT_THRESHOLDS_AUTO_CONTINUE -> thresholds.auto_continue
//	AUTOPILOT_TIMEOUTS_AGENT           -> timeouts.agent
//	AUTOPILOT_PATTERNSTORE_NATS_TOKEN  -> patternstore.nats.token
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		configPath = defaultConfigPath()
	}

	if configPath != "" {
		if err := validateConfigPath(configPath); err != nil {
			return nil, fmt.Errorf("config path validation failed: %w", err)
		}
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps AUTOPILOT_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, n := range nestedSections {
		prefix := strings.ReplaceAll(n, ".", "_") + "_"
		if strings.HasPrefix(key, prefix) {
			return n + "." + strings.TrimPrefix(key, prefix)
		}
	}
	section, field, ok := strings.Cut(key, "_")
	if !ok {
		return ""
	}
	return section + "." + field
}

func defaultConfigPath() string {
	candidates := []string{filepath.Join(projectConfigDir, configFileName)}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "autopilot", configFileName))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	// Validate through the open descriptor to avoid a TOCTOU race.
	f, err := os.Open(path) // #nosec G304 -- path validated above
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// EnsureProjectDir creates the .autopilot directory holding checkpoints,
// the audit log and the pattern store.
func EnsureProjectDir() error {
	if err := os.MkdirAll(projectConfigDir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", projectConfigDir, err)
	}
	return nil
}

// validateConfigPath checks that path resolves into an allowed directory,
// whether or not the file exists yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
	}

	for _, dir := range allowedConfigDirs() {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be under the working directory, ~/.config/autopilot/ or /etc/autopilot/")
}

func allowedConfigDirs() []string {
	dirs := []string{"/etc/autopilot"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "autopilot"))
	}
	if wd, err := os.Getwd(); err == nil {
		if resolved, err := filepath.EvalSymlinks(wd); err == nil {
			wd = resolved
		}
		dirs = append(dirs, wd)
	}
	return dirs
}

// validateConfigFileProperties checks permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0o600 && perm != 0o400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

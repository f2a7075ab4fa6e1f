// Package config loads runtime configuration from JSON files with defaults,
// pointer-overlay merging, and environment fallbacks. Files may carry //
// and /* */ comments.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type RuntimeConfig struct {
	WorkspaceRoot  string `json:"workspace_root"`
	MaxConcurrency int    `json:"max_concurrency"`
}

type SafetyConfig struct {
	CommandTimeoutMS int `json:"command_timeout_ms"`
	OutputLimitBytes int `json:"output_limit_bytes"`
}

type CacheConfig struct {
	MaxEntries  int  `json:"max_entries"`
	MaxMemoryMB int  `json:"max_memory_mb"`
	Persist     bool `json:"persist"`
}

type WorkflowConfig struct {
	DefaultRetryDelayMS int  `json:"default_retry_delay_ms"`
	ContinueOnError     bool `json:"continue_on_error"`
}

type StorageConfig struct {
	BaseDir string `json:"base_dir"`
}

type SessionConfig struct {
	HistoryLimit     int `json:"history_limit"`
	LockTimeoutMS    int `json:"lock_timeout_ms"`
	ConflictWindowMS int `json:"conflict_window_ms"`
}

type Config struct {
	Runtime  RuntimeConfig  `json:"runtime"`
	Safety   SafetyConfig   `json:"safety"`
	Cache    CacheConfig    `json:"cache"`
	Workflow WorkflowConfig `json:"workflow"`
	Storage  StorageConfig  `json:"storage"`
	Session  SessionConfig  `json:"session"`
}

// file* mirror the sections with pointer fields so an absent key keeps the
// default while an explicit zero overrides it.

type fileRuntimeConfig struct {
	WorkspaceRoot  *string `json:"workspace_root"`
	MaxConcurrency *int    `json:"max_concurrency"`
}

type fileSafetyConfig struct {
	CommandTimeoutMS *int `json:"command_timeout_ms"`
	OutputLimitBytes *int `json:"output_limit_bytes"`
}

type fileCacheConfig struct {
	MaxEntries  *int  `json:"max_entries"`
	MaxMemoryMB *int  `json:"max_memory_mb"`
	Persist     *bool `json:"persist"`
}

type fileWorkflowConfig struct {
	DefaultRetryDelayMS *int  `json:"default_retry_delay_ms"`
	ContinueOnError     *bool `json:"continue_on_error"`
}

type fileStorageConfig struct {
	BaseDir *string `json:"base_dir"`
}

type fileSessionConfig struct {
	HistoryLimit     *int `json:"history_limit"`
	LockTimeoutMS    *int `json:"lock_timeout_ms"`
	ConflictWindowMS *int `json:"conflict_window_ms"`
}

type fileConfig struct {
	Runtime  *fileRuntimeConfig  `json:"runtime"`
	Safety   *fileSafetyConfig   `json:"safety"`
	Cache    *fileCacheConfig    `json:"cache"`
	Workflow *fileWorkflowConfig `json:"workflow"`
	Storage  *fileStorageConfig  `json:"storage"`
	Session  *fileSessionConfig  `json:"session"`
}

func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			MaxConcurrency: 4,
		},
		Safety: SafetyConfig{
			CommandTimeoutMS: 120000,
			OutputLimitBytes: 1 << 20,
		},
		Cache: CacheConfig{
			MaxEntries:  1000,
			MaxMemoryMB: 64,
			Persist:     true,
		},
		Workflow: WorkflowConfig{
			DefaultRetryDelayMS: 1000,
			ContinueOnError:     false,
		},
		Storage: StorageConfig{
			BaseDir: "~/.substrate",
		},
		Session: SessionConfig{
			HistoryLimit:     100,
			LockTimeoutMS:    2000,
			ConflictWindowMS: 300000,
		},
	}
}

// Load 加载配置：默认值 → 全局文件 → 项目文件 → 环境变量
// Load resolves configuration in layers: defaults, the global file, then
// the given (or discovered) project file, then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	for _, globalPath := range globalConfigPaths() {
		if err := mergeFromFile(&cfg, globalPath); err != nil {
			return Config{}, err
		}
	}

	resolvedPath := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("SUBSTRATE_CONFIG_PATH")); envPath != "" {
		resolvedPath = envPath
	}
	if resolvedPath == "" {
		resolvedPath = findProjectConfigPath()
	}
	if err := mergeFromFile(&cfg, resolvedPath); err != nil {
		return Config{}, err
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, normalize(&cfg)
}

func globalConfigPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, ".substrate", "config.json")}
}

func findProjectConfigPath() string {
	candidates := []string{
		"substrate.config.json",
		".substrate/config.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func mergeFromFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	resolved, err := expandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", resolved, err)
	}

	cleaned := stripJSONComments(data)
	var fc fileConfig
	if err := json.Unmarshal(cleaned, &fc); err != nil {
		return fmt.Errorf("parse config %q: %w", resolved, err)
	}
	applyFileConfig(cfg, fc)
	return nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Runtime != nil {
		if fc.Runtime.WorkspaceRoot != nil {
			cfg.Runtime.WorkspaceRoot = *fc.Runtime.WorkspaceRoot
		}
		if fc.Runtime.MaxConcurrency != nil {
			cfg.Runtime.MaxConcurrency = *fc.Runtime.MaxConcurrency
		}
	}
	if fc.Safety != nil {
		if fc.Safety.CommandTimeoutMS != nil {
			cfg.Safety.CommandTimeoutMS = *fc.Safety.CommandTimeoutMS
		}
		if fc.Safety.OutputLimitBytes != nil {
			cfg.Safety.OutputLimitBytes = *fc.Safety.OutputLimitBytes
		}
	}
	if fc.Cache != nil {
		if fc.Cache.MaxEntries != nil {
			cfg.Cache.MaxEntries = *fc.Cache.MaxEntries
		}
		if fc.Cache.MaxMemoryMB != nil {
			cfg.Cache.MaxMemoryMB = *fc.Cache.MaxMemoryMB
		}
		if fc.Cache.Persist != nil {
			cfg.Cache.Persist = *fc.Cache.Persist
		}
	}
	if fc.Workflow != nil {
		if fc.Workflow.DefaultRetryDelayMS != nil {
			cfg.Workflow.DefaultRetryDelayMS = *fc.Workflow.DefaultRetryDelayMS
		}
		if fc.Workflow.ContinueOnError != nil {
			cfg.Workflow.ContinueOnError = *fc.Workflow.ContinueOnError
		}
	}
	if fc.Storage != nil {
		if fc.Storage.BaseDir != nil {
			cfg.Storage.BaseDir = *fc.Storage.BaseDir
		}
	}
	if fc.Session != nil {
		if fc.Session.HistoryLimit != nil {
			cfg.Session.HistoryLimit = *fc.Session.HistoryLimit
		}
		if fc.Session.LockTimeoutMS != nil {
			cfg.Session.LockTimeoutMS = *fc.Session.LockTimeoutMS
		}
		if fc.Session.ConflictWindowMS != nil {
			cfg.Session.ConflictWindowMS = *fc.Session.ConflictWindowMS
		}
	}
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("SUBSTRATE_WORKSPACE_ROOT")); v != "" {
		cfg.Runtime.WorkspaceRoot = v
	}
	if v := strings.TrimSpace(os.Getenv("SUBSTRATE_STORAGE_DIR")); v != "" {
		cfg.Storage.BaseDir = v
	}
	if v := strings.TrimSpace(os.Getenv("SUBSTRATE_MAX_CONCURRENCY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid SUBSTRATE_MAX_CONCURRENCY: %q", v)
		}
		cfg.Runtime.MaxConcurrency = n
	}
	if v := strings.TrimSpace(os.Getenv("SUBSTRATE_COMMAND_TIMEOUT_MS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid SUBSTRATE_COMMAND_TIMEOUT_MS: %q", v)
		}
		cfg.Safety.CommandTimeoutMS = n
	}
	return nil
}

func normalize(cfg *Config) error {
	if cfg.Runtime.WorkspaceRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.Runtime.WorkspaceRoot = cwd
	}
	root, err := expandPath(cfg.Runtime.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("expand workspace root: %w", err)
	}
	cfg.Runtime.WorkspaceRoot = root

	base, err := expandPath(cfg.Storage.BaseDir)
	if err != nil {
		return fmt.Errorf("expand storage dir: %w", err)
	}
	cfg.Storage.BaseDir = base

	if cfg.Runtime.MaxConcurrency < 1 {
		cfg.Runtime.MaxConcurrency = 1
	}
	if cfg.Cache.MaxEntries < 1 {
		cfg.Cache.MaxEntries = 1
	}
	if cfg.Session.HistoryLimit < 1 {
		cfg.Session.HistoryLimit = 1
	}
	return nil
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return filepath.Abs(path)
}

// stripJSONComments 去除 JSON 中的 // 和 /* */ 注释，字符串内的不受影响
// stripJSONComments removes // and /* */ comments outside string literals.
func stripJSONComments(data []byte) []byte {
	const (
		stateNormal = iota
		stateString
		stateLineComment
		stateBlockComment
	)

	state := stateNormal
	escaped := false
	out := bytes.Buffer{}

	for i := 0; i < len(data); i++ {
		c := data[i]
		next := byte(0)
		if i+1 < len(data) {
			next = data[i+1]
		}

		switch state {
		case stateNormal:
			if c == '"' {
				state = stateString
				out.WriteByte(c)
				continue
			}
			if c == '/' && next == '/' {
				state = stateLineComment
				i++
				continue
			}
			if c == '/' && next == '*' {
				state = stateBlockComment
				i++
				continue
			}
			out.WriteByte(c)
		case stateString:
			out.WriteByte(c)
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				state = stateNormal
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
				out.WriteByte(c)
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateNormal
				i++
			}
		}
	}

	return out.Bytes()
}

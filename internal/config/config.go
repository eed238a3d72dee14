// Package config loads hwbuild settings: built-in defaults, then an
// optional YAML or JSON file, then HWB_* environment variables and bound
// CLI flags.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "HWB"

type LLMConfig struct {
	Model       string `json:"model" yaml:"model"`
	MaxRetries  int    `json:"max_retries" yaml:"max_retries"`
	RetryBaseMS int    `json:"retry_base_ms" yaml:"retry_base_ms"`
	CacheDir    string `json:"cache_dir" yaml:"cache_dir"`
	// CacheTTLS of zero disables the response cache.
	CacheTTLS int `json:"cache_ttl_s" yaml:"cache_ttl_s"`
	// Tokens overrides output budgets by stage: requirements, parts, pcb,
	// cad or assembler.
	Tokens map[string]int `json:"tokens,omitempty" yaml:"tokens,omitempty"`
}

type PartsConfig struct {
	DB     string  `json:"db" yaml:"db"`
	FTSMax int     `json:"fts_max" yaml:"fts_max"`
	BOMMax int     `json:"bom_max" yaml:"bom_max"`
	INRUSD float64 `json:"inr_usd" yaml:"inr_usd"`
}

type PipelineConfig struct {
	StageTimeoutsMS map[string]int `json:"stage_timeouts_ms,omitempty" yaml:"stage_timeouts_ms,omitempty"`
	CompileSTL      bool           `json:"compile_stl" yaml:"compile_stl"`
	OpenSCAD        string         `json:"openscad" yaml:"openscad"`
}

type ServerConfig struct {
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
}

type PathsConfig struct {
	OutputDir string `json:"output_dir" yaml:"output_dir"`
	// StateDir holds one directory per run.
	StateDir string `json:"state_dir" yaml:"state_dir"`
	// CheckpointURL selects the checkpoint backend; empty means the fs
	// store rooted at StateDir.
	CheckpointURL string `json:"checkpoint_url" yaml:"checkpoint_url"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type Config struct {
	Version  int            `json:"version" yaml:"version"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Parts    PartsConfig    `json:"parts" yaml:"parts"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Paths    PathsConfig    `json:"paths" yaml:"paths"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// Default is the configuration with nothing overridden.
func Default() *Config {
	return &Config{
		Version: 1,
		LLM: LLMConfig{
			Model:       "claude-opus-4-6",
			MaxRetries:  3,
			RetryBaseMS: 1000,
			CacheDir:    filepath.Join(os.TempDir(), "hwb_cache"),
			CacheTTLS:   3600,
			Tokens:      map[string]int{},
		},
		Parts: PartsConfig{
			DB:     filepath.Join("data", "parts.db"),
			FTSMax: 80,
			BOMMax: 60,
			INRUSD: 0.012,
		},
		Pipeline: PipelineConfig{
			StageTimeoutsMS: map[string]int{},
			OpenSCAD:        "openscad",
		},
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8000,
			MaxConcurrent: 2,
		},
		Paths: PathsConfig{
			OutputDir: "output",
			StateDir:  defaultStateDir(),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func defaultStateDir() string {
	if x := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); x != "" {
		return filepath.Join(x, "hwbuild", "runs")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "hwbuild", "runs")
	}
	return filepath.Join(home, ".local", "state", "hwbuild", "runs")
}

// Load reads path (optional) and the environment.
func Load(path string) (*Config, error) {
	return LoadWith(path, viper.New())
}

// LoadWith is Load with a caller-owned viper instance, so CLI flags bound
// into v take precedence over the file.
func LoadWith(path string, v *viper.Viper) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if v == nil {
		v = viper.New()
	}
	if err := applyOverrides(cfg, v); err != nil {
		return nil, err
	}
	normalize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = decodeJSONStrict(b, cfg)
	default:
		err = decodeYAMLStrict(b, cfg)
	}
	if err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

type override struct {
	key   string
	env   string
	apply func(cfg *Config, raw string) error
}

// overrides lists every viper key hwbuild reads. CLI flags bind to the
// same keys.
var overrides = []override{
	{"model", "HWB_MODEL", setString(func(c *Config) *string { return &c.LLM.Model })},
	{"max_retries", "HWB_MAX_RETRIES", setInt(func(c *Config) *int { return &c.LLM.MaxRetries })},
	{"retry_base_ms", "HWB_RETRY_BASE_MS", setInt(func(c *Config) *int { return &c.LLM.RetryBaseMS })},
	{"cache_dir", "HWB_CACHE_DIR", setString(func(c *Config) *string { return &c.LLM.CacheDir })},
	{"cache_ttl", "HWB_CACHE_TTL", setInt(func(c *Config) *int { return &c.LLM.CacheTTLS })},
	{"tokens_req", "HWB_TOKENS_REQ", setToken("requirements")},
	{"tokens_parts", "HWB_TOKENS_PARTS", setToken("parts")},
	{"tokens_pcb", "HWB_TOKENS_PCB", setToken("pcb")},
	{"tokens_cad", "HWB_TOKENS_CAD", setToken("cad")},
	{"tokens_asm", "HWB_TOKENS_ASM", setToken("assembler")},
	{"parts_db", "HWB_PARTS_DB", setString(func(c *Config) *string { return &c.Parts.DB })},
	{"fts_max", "HWB_FTS_MAX", setInt(func(c *Config) *int { return &c.Parts.FTSMax })},
	{"bom_max", "HWB_BOM_MAX", setInt(func(c *Config) *int { return &c.Parts.BOMMax })},
	{"inr_usd", "HWB_INR_USD", setFloat(func(c *Config) *float64 { return &c.Parts.INRUSD })},
	{"compile_stl", "HWB_COMPILE_STL", setBool(func(c *Config) *bool { return &c.Pipeline.CompileSTL })},
	{"openscad", "HWB_OPENSCAD", setString(func(c *Config) *string { return &c.Pipeline.OpenSCAD })},
	{"host", "HWB_HOST", setString(func(c *Config) *string { return &c.Server.Host })},
	{"port", "HWB_PORT", setInt(func(c *Config) *int { return &c.Server.Port })},
	{"max_concurrent", "HWB_MAX_CONCURRENT", setInt(func(c *Config) *int { return &c.Server.MaxConcurrent })},
	{"output_dir", "HWB_OUTPUT_DIR", setString(func(c *Config) *string { return &c.Paths.OutputDir })},
	{"state_dir", "HWB_STATE_DIR", setString(func(c *Config) *string { return &c.Paths.StateDir })},
	{"checkpoint_url", "HWB_CHECKPOINT_URL", setString(func(c *Config) *string { return &c.Paths.CheckpointURL })},
	{"log_level", "HWB_LOG_LEVEL", setString(func(c *Config) *string { return &c.Log.Level })},
	{"log_format", "HWB_LOG_FORMAT", setString(func(c *Config) *string { return &c.Log.Format })},
}

// Keys are the viper keys CLI flags may bind to.
func Keys() []string {
	out := make([]string, 0, len(overrides))
	for _, o := range overrides {
		out = append(out, o.key)
	}
	return out
}

func applyOverrides(cfg *Config, v *viper.Viper) error {
	for _, o := range overrides {
		if err := v.BindEnv(o.key, o.env); err != nil {
			return err
		}
		if !v.IsSet(o.key) {
			continue
		}
		raw := strings.TrimSpace(v.GetString(o.key))
		if err := o.apply(cfg, raw); err != nil {
			return fmt.Errorf("%s (%s): %w", o.key, o.env, err)
		}
	}
	return nil
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, raw string) error {
		*field(c) = raw
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, raw string) error {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		*field(c) = n
		return nil
	}
}

func setFloat(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, raw string) error {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		*field(c) = f
		return nil
	}
}

func setBool(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, raw string) error {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		*field(c) = b
		return nil
	}
}

func setToken(stage string) func(*Config, string) error {
	return func(c *Config, raw string) error {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		if c.LLM.Tokens == nil {
			c.LLM.Tokens = map[string]int{}
		}
		c.LLM.Tokens[stage] = n
		return nil
	}
}

func normalize(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.LLM.Model = strings.TrimSpace(cfg.LLM.Model)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.LLM.Tokens == nil {
		cfg.LLM.Tokens = map[string]int{}
	}
	if cfg.Pipeline.StageTimeoutsMS == nil {
		cfg.Pipeline.StageTimeoutsMS = map[string]int{}
	}
}

// tokenPurposes maps a stage to the generator purposes it issues.
var tokenPurposes = map[string][]string{
	"requirements": {"requirements"},
	"parts":        {"parts.select", "parts.suggest"},
	"pcb":          {"pcb.circuit", "pcb.schematic", "pcb.layout"},
	"cad":          {"cad.enclosure", "cad.lid"},
	"assembler":    {"assembly"},
}

var stageNames = []string{"requirements", "parts", "pcb", "cad", "assembler", "quoter"}

func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", c.Version)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.MaxRetries < 0 || c.LLM.RetryBaseMS < 0 || c.LLM.CacheTTLS < 0 {
		return fmt.Errorf("llm retry and cache settings must be non-negative")
	}
	for stage, n := range c.LLM.Tokens {
		if _, ok := tokenPurposes[stage]; !ok {
			return fmt.Errorf("llm.tokens: unknown stage %q", stage)
		}
		if n <= 0 {
			return fmt.Errorf("llm.tokens.%s must be positive", stage)
		}
	}
	if c.Parts.FTSMax < 1 || c.Parts.BOMMax < 1 {
		return fmt.Errorf("parts.fts_max and parts.bom_max must be at least 1")
	}
	if c.Parts.INRUSD <= 0 {
		return fmt.Errorf("parts.inr_usd must be positive")
	}
	for stage, ms := range c.Pipeline.StageTimeoutsMS {
		if !slices.Contains(stageNames, stage) {
			return fmt.Errorf("pipeline.stage_timeouts_ms: unknown stage %q", stage)
		}
		if ms <= 0 {
			return fmt.Errorf("pipeline.stage_timeouts_ms.%s must be positive", stage)
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.MaxConcurrent < 1 {
		return fmt.Errorf("server.max_concurrent must be at least 1")
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json: %q", c.Log.Format)
	}
	return nil
}

// TokenOverrides expands the per-stage budgets into per-purpose ones.
func (c *Config) TokenOverrides() map[string]int {
	out := map[string]int{}
	for stage, n := range c.LLM.Tokens {
		for _, p := range tokenPurposes[stage] {
			out[p] = n
		}
	}
	return out
}

// StageTimeouts returns the configured deadlines keyed by stage name.
func (c *Config) StageTimeouts() map[string]time.Duration {
	out := map[string]time.Duration{}
	for stage, ms := range c.Pipeline.StageTimeoutsMS {
		out[stage] = time.Duration(ms) * time.Millisecond
	}
	return out
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.LLM.CacheTTLS) * time.Second
}

func (c *Config) Addr() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

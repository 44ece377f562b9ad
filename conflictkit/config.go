package conflictkit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
)

// ConfigLoader loads and validates resolution settings from YAML or JSON
// and notifies watchers when a new configuration is applied.
type ConfigLoader struct {
	mu            sync.RWMutex
	currentConfig *Config
	validators    []ConfigValidator
	watchers      []ConfigWatcher
	transformers  []ConfigTransformer
	logger        *logging.Logger
}

// Config is the file form of the engine, scanner, policy and sweep settings.
type Config struct {
	Version     string `json:"version" yaml:"version"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	LogLevel    string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	Engine  EngineConfig  `json:"engine,omitempty" yaml:"engine,omitempty"`
	Scanner ScannerConfig `json:"scanner,omitempty" yaml:"scanner,omitempty"`
	Policy  PolicyConfig  `json:"entity_policy,omitempty" yaml:"entity_policy,omitempty"`
	Sweep   SweepConfig   `json:"sweep,omitempty" yaml:"sweep,omitempty"`
}

// EngineConfig contains engine settings.
type EngineConfig struct {
	// StoreTimeout is a Go duration string, e.g. "5s".
	StoreTimeout      string `json:"store_timeout,omitempty" yaml:"store_timeout,omitempty"`
	DetectConcurrency int    `json:"detect_concurrency,omitempty" yaml:"detect_concurrency,omitempty"`
}

// ScannerConfig contains bulk scan settings.
type ScannerConfig struct {
	PageSize int `json:"page_size,omitempty" yaml:"page_size,omitempty"`
}

// SweepConfig contains the background sweep settings.
type SweepConfig struct {
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Strategy string `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Choice   string `json:"choice,omitempty" yaml:"choice,omitempty"`
	Workers  int    `json:"workers,omitempty" yaml:"workers,omitempty"`
}

// ConfigValidator validates configuration before applying it.
type ConfigValidator interface {
	Validate(config *Config) error
	Name() string
}

// ConfigWatcher monitors configuration changes.
type ConfigWatcher interface {
	OnConfigChanged(oldConfig, newConfig *Config)
	OnConfigError(err error)
	Name() string
}

// ConfigTransformer allows modification of configuration during loading.
type ConfigTransformer interface {
	Transform(config *Config) (*Config, error)
	Name() string
}

// ConfigLoaderOption configures a ConfigLoader.
type ConfigLoaderOption interface {
	apply(*ConfigLoader)
}

type configLoaderOptionFunc func(*ConfigLoader)

func (f configLoaderOptionFunc) apply(cl *ConfigLoader) {
	f(cl)
}

// WithConfigValidator adds a validator.
func WithConfigValidator(validator ConfigValidator) ConfigLoaderOption {
	return configLoaderOptionFunc(func(cl *ConfigLoader) {
		cl.validators = append(cl.validators, validator)
	})
}

// WithWatcher adds a watcher.
func WithWatcher(watcher ConfigWatcher) ConfigLoaderOption {
	return configLoaderOptionFunc(func(cl *ConfigLoader) {
		cl.watchers = append(cl.watchers, watcher)
	})
}

// WithTransformer adds a transformer.
func WithTransformer(transformer ConfigTransformer) ConfigLoaderOption {
	return configLoaderOptionFunc(func(cl *ConfigLoader) {
		cl.transformers = append(cl.transformers, transformer)
	})
}

// WithConfigLogger sets the loader logger.
func WithConfigLogger(logger *logging.Logger) ConfigLoaderOption {
	return configLoaderOptionFunc(func(cl *ConfigLoader) {
		cl.logger = logger
	})
}

// NewConfigLoader creates a new configuration loader. The BasicValidator
// is always installed first.
func NewConfigLoader(opts ...ConfigLoaderOption) *ConfigLoader {
	cl := &ConfigLoader{
		validators: []ConfigValidator{&BasicValidator{}},
	}
	for _, opt := range opts {
		opt.apply(cl)
	}
	if cl.logger == nil {
		cl.logger = logging.Default()
	}
	cl.logger = cl.logger.WithComponent(logging.ComponentConfig)
	return cl
}

// LoadFromFile loads configuration from a YAML or JSON file.
func (cl *ConfigLoader) LoadFromFile(path string) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.logger.Debug("loading configuration from file", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return cl.failed(errors.NewConfigurationError(errors.OpLoad, fmt.Errorf("failed to read config file %s: %w", path, err)))
	}
	return cl.loadFromBytes(data, detectFormat(path))
}

// LoadFromBytes loads configuration from raw bytes.
func (cl *ConfigLoader) LoadFromBytes(data []byte, format string) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	return cl.loadFromBytes(data, format)
}

func (cl *ConfigLoader) loadFromBytes(data []byte, format string) error {
	var config Config

	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return cl.failed(errors.NewConfigurationError(errors.OpLoad, fmt.Errorf("failed to parse YAML config: %w", err)))
		}
	case "json":
		if err := json.Unmarshal(data, &config); err != nil {
			return cl.failed(errors.NewConfigurationError(errors.OpLoad, fmt.Errorf("failed to parse JSON config: %w", err)))
		}
	default:
		return cl.failed(errors.NewConfigurationError(errors.OpLoad, fmt.Errorf("unsupported config format: %s", format)))
	}

	return cl.applyConfig(&config)
}

func (cl *ConfigLoader) applyConfig(config *Config) error {
	for _, transformer := range cl.transformers {
		transformed, err := transformer.Transform(config)
		if err != nil {
			return cl.failed(errors.NewConfigurationError(errors.OpConfig, fmt.Errorf("transformer %s failed: %w", transformer.Name(), err)))
		}
		config = transformed
	}

	for _, validator := range cl.validators {
		if err := validator.Validate(config); err != nil {
			return cl.failed(errors.NewConfigurationError(errors.OpConfig, fmt.Errorf("validator %s failed: %w", validator.Name(), err)))
		}
	}

	oldConfig := cl.currentConfig
	cl.currentConfig = config

	for _, watcher := range cl.watchers {
		go func(w ConfigWatcher) {
			defer func() {
				if r := recover(); r != nil {
					cl.logger.Error("config watcher panic", slog.String("watcher", w.Name()), slog.Any("panic", r))
				}
			}()
			w.OnConfigChanged(oldConfig, config)
		}(watcher)
	}

	cl.logger.Debug("configuration applied", slog.String("version", config.Version), slog.String("name", config.Name))
	return nil
}

func (cl *ConfigLoader) failed(err error) error {
	cl.logger.LogError(context.Background(), err, "configuration rejected")
	for _, watcher := range cl.watchers {
		go func(w ConfigWatcher) {
			defer func() {
				if r := recover(); r != nil {
					cl.logger.Error("config watcher panic", slog.String("watcher", w.Name()), slog.Any("panic", r))
				}
			}()
			w.OnConfigError(err)
		}(watcher)
	}
	return err
}

// Current returns the current configuration, or nil before the first load.
func (cl *ConfigLoader) Current() *Config {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	return cl.currentConfig
}

func (cl *ConfigLoader) current() (*Config, error) {
	config := cl.Current()
	if config == nil {
		return nil, errors.NewConfigurationError(errors.OpConfig, fmt.Errorf("no configuration loaded"))
	}
	return config, nil
}

// BuildEntityPolicy creates an EntityPolicy from the current configuration.
func (cl *ConfigLoader) BuildEntityPolicy() (*EntityPolicy, error) {
	config, err := cl.current()
	if err != nil {
		return nil, err
	}
	return BuildEntityPolicy(config.Policy)
}

// EngineOptions translates the current configuration into engine options.
func (cl *ConfigLoader) EngineOptions() ([]EngineOption, error) {
	config, err := cl.current()
	if err != nil {
		return nil, err
	}
	policy, err := BuildEntityPolicy(config.Policy)
	if err != nil {
		return nil, err
	}
	opts := []EngineOption{WithEntityPolicy(policy)}
	if config.Engine.StoreTimeout != "" {
		d, err := time.ParseDuration(config.Engine.StoreTimeout)
		if err != nil {
			return nil, errors.NewConfigurationError(errors.OpConfig, fmt.Errorf("invalid store_timeout: %w", err))
		}
		opts = append(opts, WithStoreTimeout(d))
	}
	if config.Engine.DetectConcurrency > 0 {
		opts = append(opts, WithDetectConcurrency(config.Engine.DetectConcurrency))
	}
	return opts, nil
}

// ScannerOptions translates the current configuration into scanner options.
func (cl *ConfigLoader) ScannerOptions() ([]ScannerOption, error) {
	config, err := cl.current()
	if err != nil {
		return nil, err
	}
	var opts []ScannerOption
	if config.Scanner.PageSize > 0 {
		opts = append(opts, WithPageSize(config.Scanner.PageSize))
	}
	return opts, nil
}

// detectFormat determines file format from extension.
func detectFormat(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "json":
		return "json"
	default:
		return "yaml"
	}
}

// BasicValidator checks required fields, strategy tags and durations.
type BasicValidator struct{}

func (v *BasicValidator) Name() string {
	return "basic"
}

func (v *BasicValidator) Validate(config *Config) error {
	if config.Version == "" {
		return fmt.Errorf("configuration version is required")
	}
	if config.Name == "" {
		return fmt.Errorf("configuration name is required")
	}
	if _, ok := logging.ParseLevel(config.LogLevel); !ok {
		return fmt.Errorf("invalid log_level: %s", config.LogLevel)
	}
	if config.Engine.StoreTimeout != "" {
		d, err := time.ParseDuration(config.Engine.StoreTimeout)
		if err != nil {
			return fmt.Errorf("invalid engine.store_timeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("engine.store_timeout must be positive")
		}
	}
	if config.Scanner.PageSize < 0 {
		return fmt.Errorf("scanner.page_size must not be negative")
	}
	if config.Sweep.Workers < 0 {
		return fmt.Errorf("sweep.workers must not be negative")
	}
	if config.Sweep.Strategy != "" {
		if _, err := ParseStrategy(config.Sweep.Strategy); err != nil {
			return err
		}
	}
	if _, err := ParseChoice(config.Sweep.Choice); err != nil {
		return err
	}

	ruleNames := make(map[string]bool)
	for _, rule := range config.Policy.Rules {
		if rule.Name == "" {
			return fmt.Errorf("entity_policy rule name is required")
		}
		if ruleNames[rule.Name] {
			return fmt.Errorf("duplicate entity_policy rule name: %s", rule.Name)
		}
		ruleNames[rule.Name] = true
		if rule.Strategy == "" {
			return fmt.Errorf("strategy is required for rule %s", rule.Name)
		}
	}
	_, err := BuildEntityPolicy(config.Policy)
	return err
}

// LoggingWatcher logs configuration changes.
type LoggingWatcher struct {
	logger *logging.Logger
}

func NewLoggingWatcher(logger *logging.Logger) *LoggingWatcher {
	return &LoggingWatcher{logger: logger}
}

func (w *LoggingWatcher) Name() string {
	return "logging"
}

func (w *LoggingWatcher) OnConfigChanged(oldConfig, newConfig *Config) {
	if w.logger == nil {
		return
	}

	if oldConfig == nil {
		w.logger.Info("initial configuration loaded",
			slog.String("version", newConfig.Version),
			slog.Int("rules", len(newConfig.Policy.Rules)))
	} else {
		w.logger.Info("configuration updated",
			slog.String("old_version", oldConfig.Version),
			slog.String("new_version", newConfig.Version),
			slog.Int("old_rules", len(oldConfig.Policy.Rules)),
			slog.Int("new_rules", len(newConfig.Policy.Rules)))
	}
}

func (w *LoggingWatcher) OnConfigError(err error) {
	if w.logger != nil {
		w.logger.LogError(context.Background(), err, "configuration error")
	}
}

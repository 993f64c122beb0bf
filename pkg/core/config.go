package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config содержит разрешенный снимок конфигурации ядра.
// Загрузка XML директорий и построение сетевых списков вне ядра;
// ядро получает только готовые значения.
type Config struct {
	Core      CoreConfig      `yaml:"core"`
	ACL       []ACLConfig     `yaml:"acl"`
	DMachine  DMachineConfig  `yaml:"dmachine"`
	Record    RecordConfig    `yaml:"record"`
	Eavesdrop EavesdropConfig `yaml:"eavesdrop"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// CoreConfig общие параметры процесса
type CoreConfig struct {
	Hostname    string            `yaml:"hostname"`     // Переопределение имени хоста
	LogLevel    string            `yaml:"log_level"`    // debug, info, warn, error
	MaxSessions int               `yaml:"max_sessions"` // Лимит одновременных сессий
	Variables   map[string]string `yaml:"variables"`    // Глобальные переменные
}

// ACLConfig описывает один именованный сетевой список
type ACLConfig struct {
	Name    string          `yaml:"name"`
	Default string          `yaml:"default"` // allow или deny
	Nodes   []ACLNodeConfig `yaml:"nodes"`
}

// ACLNodeConfig узел списка: либо cidr, либо пара host+mask
type ACLNodeConfig struct {
	Type string `yaml:"type"` // allow или deny
	CIDR string `yaml:"cidr"`
	Host string `yaml:"host"`
	Mask string `yaml:"mask"`
}

// DMachineConfig таймауты цифрового автомата по умолчанию
type DMachineConfig struct {
	DigitTimeout time.Duration `yaml:"digit_timeout"`
	InputTimeout time.Duration `yaml:"input_timeout"`
}

// RecordConfig параметры записи по умолчанию
type RecordConfig struct {
	MinSeconds int `yaml:"min_seconds"`
}

// EavesdropConfig параметры ожидания готовности целевой сессии
type EavesdropConfig struct {
	ReadyRetries  int           `yaml:"ready_retries"`
	ReadyInterval time.Duration `yaml:"ready_interval"`
}

// MetricsConfig адрес HTTP эндпоинта метрик
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Core: CoreConfig{
			LogLevel:    "info",
			MaxSessions: 1000,
			Variables:   make(map[string]string),
		},
		DMachine: DMachineConfig{
			DigitTimeout: 1500 * time.Millisecond,
		},
		Record: RecordConfig{
			MinSeconds: 0,
		},
		Eavesdrop: EavesdropConfig{
			ReadyRetries:  100,
			ReadyInterval: 20 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
	}
}

// Load читает YAML конфигурацию из файла
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader декодирует YAML поверх значений по умолчанию и проверяет результат
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if cfg.Core.Variables == nil {
		cfg.Core.Variables = make(map[string]string)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность значений.
// Возвращает объединенную ошибку со всеми найденными нарушениями.
func Validate(cfg *Config) error {
	var errs []error

	switch cfg.Core.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("core.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Core.LogLevel))
	}
	if cfg.Core.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("core.max_sessions must be >= 0"))
	}
	if cfg.DMachine.DigitTimeout < 0 || cfg.DMachine.InputTimeout < 0 {
		errs = append(errs, fmt.Errorf("dmachine timeouts must be >= 0"))
	}
	if cfg.Record.MinSeconds < 0 {
		errs = append(errs, fmt.Errorf("record.min_seconds must be >= 0"))
	}

	seen := make(map[string]bool)
	for i, acl := range cfg.ACL {
		if acl.Name == "" {
			errs = append(errs, fmt.Errorf("acl[%d]: name is required", i))
			continue
		}
		if seen[acl.Name] {
			errs = append(errs, fmt.Errorf("acl[%d]: duplicate name %q", i, acl.Name))
		}
		seen[acl.Name] = true
		if _, err := buildACL(acl); err != nil {
			errs = append(errs, fmt.Errorf("acl[%d] %q: %w", i, acl.Name, err))
		}
	}

	return errors.Join(errs...)
}

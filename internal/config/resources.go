package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/sdkloader/internal/loader"
)

// ResourcesConfig is the resource catalog file.
type ResourcesConfig struct {
	Resources map[string]*ResourceSettings `yaml:"resources"`
}

// ResourceSettings describes one loadable script.
type ResourceSettings struct {
	Src           string   `yaml:"src"`
	Match         string   `yaml:"match,omitempty"`
	Global        string   `yaml:"global"`
	DefaultLocale string   `yaml:"default_locale,omitempty"`
	Timeout       Duration `yaml:"timeout,omitempty"`
	PollInterval  Duration `yaml:"poll_interval,omitempty"`
	// Warm makes the warmer keep this resource loaded.
	Warm bool `yaml:"warm,omitempty"`
	// PublicKeyEnv names the environment variable holding the public key the
	// warmer constructs the client with.
	PublicKeyEnv string                 `yaml:"public_key_env,omitempty"`
	Options      map[string]interface{} `yaml:"options,omitempty"`
}

// Duration is a time.Duration written as "10s" or "100ms" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// LoadResourcesConfigFromPath loads the catalog from a specific path
func LoadResourcesConfigFromPath(path string) (*ResourcesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resources config: %w", err)
	}
	return ParseResourcesConfig(data)
}

// ParseResourcesConfig parses and validates catalog YAML.
func ParseResourcesConfig(data []byte) (*ResourcesConfig, error) {
	var cfg ResourcesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse resources config: %w", err)
	}

	for name, settings := range cfg.Resources {
		if settings == nil {
			return nil, fmt.Errorf("resource %s: empty definition", name)
		}
		if err := settings.Resource(name).WithDefaults().Validate(); err != nil {
			return nil, fmt.Errorf("resource %s: %w", name, err)
		}
	}
	return &cfg, nil
}

// DefaultResourcesConfig returns a catalog holding only MercadoPago.
func DefaultResourcesConfig() *ResourcesConfig {
	mp := loader.MercadoPago()
	return &ResourcesConfig{
		Resources: map[string]*ResourceSettings{
			mp.Name: {
				Src:           mp.Src,
				Match:         mp.Match,
				Global:        mp.Global,
				DefaultLocale: mp.DefaultLocale,
				Timeout:       Duration(mp.Timeout),
				PollInterval:  Duration(mp.PollInterval),
				Warm:          true,
				PublicKeyEnv:  "MERCADOPAGO_PUBLIC_KEY",
			},
		},
	}
}

// Resource converts settings to a loader resource named name.
func (s *ResourceSettings) Resource(name string) loader.Resource {
	return loader.Resource{
		Name:          name,
		Src:           s.Src,
		Match:         s.Match,
		Global:        s.Global,
		DefaultLocale: s.DefaultLocale,
		Timeout:       time.Duration(s.Timeout),
		PollInterval:  time.Duration(s.PollInterval),
	}
}

// ConstructorArgs returns the arguments the warmer uses, reading the public
// key from the configured environment variable.
func (s *ResourceSettings) ConstructorArgs() loader.ConstructorArgs {
	args := loader.ConstructorArgs{Options: s.Options}
	if s.PublicKeyEnv != "" {
		args.PublicKey = os.Getenv(s.PublicKeyEnv)
	}
	return args
}

// Names returns the catalog's resource names, sorted.
func (c *ResourcesConfig) Names() []string {
	names := make([]string, 0, len(c.Resources))
	for name := range c.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

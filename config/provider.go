package config

import "go.uber.org/fx"

func NewProvider(custom *Config) fx.Option {
	if custom != nil {
		return fx.Provide(func() *Config {
			return custom
		})
	}

	return fx.Provide(func() (*Config, error) {
		cfg := &Config{}
		if err := LoadConfig(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	})
}

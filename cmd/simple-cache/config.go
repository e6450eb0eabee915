package main

import (
	"fmt"
	"os"

	"github.com/cleverplatypus/apihive-adapter-simple-cache/pkg/pipeline"
	requestfilter "github.com/cleverplatypus/apihive-adapter-simple-cache/pkg/request-filter"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const defaultDir = "simple-cache-data"

type Config struct {
	Cache  CacheConfig         `yaml:"cache"`
	APIs   []*pipeline.API     `yaml:"apis" validate:"dive,required"`
	Filter requestfilter.Rules `yaml:"filter"`
}

type CacheConfig struct {
	Name      string `yaml:"name" env:"SIMPLE_CACHE_NAME" validate:"omitempty,max=128"`
	Dir       string `yaml:"dir" env:"SIMPLE_CACHE_DIR"`
	Clear     bool   `yaml:"clear" env:"SIMPLE_CACHE_CLEAR"`
	Sweep     string `yaml:"sweep" env:"SIMPLE_CACHE_SWEEP"`
	RedisAddr string `yaml:"redisAddr" env:"SIMPLE_CACHE_REDIS_ADDR" validate:"omitempty,hostname_port"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// getConfig reads the optional config file, then applies environment overrides and validates.
func getConfig(filename string) (Config, error) {
	config := Config{Cache: CacheConfig{Dir: defaultDir}}
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse config %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config.Cache); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	if err := validate.Struct(config); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

package config

import (
	"os"
	"time"

	"github.com/go-yaml/yaml"
)

type Config struct {
	Server Server `yaml:"server"`
}

type Server struct {
	Listen        string `yaml:"listen"`
	PostgresDsn   string `yaml:"postgresDsn"` // empty keeps documents in memory
	RedisAddr     string `yaml:"redisAddr"`   // empty disables flush signals
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
	// CacheTTL is the lifetime of cached documents, e.g. "10m". Zero disables the cache.
	CacheTTL string `yaml:"cacheTTL"`
}

// CacheDuration parses CacheTTL.
func (s Server) CacheDuration() (time.Duration, error) {
	if s.CacheTTL == "" {
		return 0, nil
	}
	return time.ParseDuration(s.CacheTTL)
}

func Load(path string) (Config, error) {

	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	err = yaml.NewDecoder(file).Decode(&config)
	if err != nil {
		return Config{}, err
	}

	if config.Server.Listen == "" {
		config.Server.Listen = ":8000"
	}
	if _, err := config.Server.CacheDuration(); err != nil {
		return Config{}, err
	}

	return config, nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration
type Config struct {
	GRPCAddress            string `yaml:"grpcAddress"`
	RESTAddress            string `yaml:"restAddress"`
	QUICAddress            string `yaml:"quicAddress"`
	KeysDirectory          string `yaml:"keysDirectory"`
	ChunkStorePath         string `yaml:"chunkStorePath"`
	RetryQueuePath         string `yaml:"retryQueuePath"`
	SessionStorePath       string `yaml:"sessionStorePath"`
	DownloadDirectory      string `yaml:"downloadDirectory"`
	ChunkSize              int64  `yaml:"chunkSize"`
	MaxConcurrentTransfers int    `yaml:"maxConcurrentTransfers"`
	TokenTTL               int    `yaml:"tokenTtl"`
	EventBufferSize        int    `yaml:"eventBufferSize"`
	WorkerCount            int    `yaml:"workerCount"`
	QueueDepth             int    `yaml:"queueDepth"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".local", "share", "meshdrop")

	return &Config{
		GRPCAddress:            "127.0.0.1:9090",
		RESTAddress:            "127.0.0.1:8080",
		QUICAddress:            ":4433",
		KeysDirectory:          filepath.Join(baseDir, "keys"),
		ChunkStorePath:         filepath.Join(baseDir, "chunks.db"),
		RetryQueuePath:         filepath.Join(baseDir, "retry.db"),
		SessionStorePath:       filepath.Join(baseDir, "sessions.db"),
		DownloadDirectory:      filepath.Join(baseDir, "downloads"),
		ChunkSize:              1048576, // 1 MiB
		MaxConcurrentTransfers: 10,
		TokenTTL:               3600,
		EventBufferSize:        100,
		WorkerCount:            8,
		QueueDepth:             32,
	}
}

// LoadConfig loads configuration from a YAML file at configPath, overlaying
// it onto DefaultConfig so a partial file only overrides the fields it
// names. A missing file is not an error: the caller runs on defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", configPath, err)
	}
	return cfg, nil
}

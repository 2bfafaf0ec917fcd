package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"frameforge/internal/combine"
	"frameforge/internal/stages"
)

const (
	// EnvConfigPath names the environment variable overriding the config location.
	EnvConfigPath     = "FRAMEFORGE_CONFIG"
	DefaultConfigPath = "~/.config/frameforge/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the reduction service.
type Config struct {
	Processing Processing             `json:"processing"`
	Logging    Logging                `json:"logging"`
	Paths      Paths                  `json:"paths"`
	Storage    Storage                `json:"storage"`
	FrameStore FrameStore             `json:"frame_store"`
	Combine    combine.Config         `json:"combine"`
	CosmicRay  stages.CosmicRayConfig `json:"cosmic_ray"`
	MQTT       MQTT                   `json:"mqtt"`
	Server     Server                 `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int  `json:"parallel_jobs"`
	QueueDepth   int  `json:"queue_depth"`
	AllowReapply bool `json:"allow_reapply"` // let a stage run again on a frame that already records it
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`
}

// Paths configures default locations.
type Paths struct {
	RawDir        string `json:"raw_dir"`
	ProcessedDir  string `json:"processed_dir"`
	DatabasePath  string `json:"database_path"`
	PipelinesFile string `json:"pipelines_file"`
}

// Storage selects the SQLite driver: "sqlite" (pure Go) or "sqlite3" (cgo).
type Storage struct {
	Driver string `json:"driver"`
}

// FrameStore selects where frame pixels live.
type FrameStore struct {
	Kind  string `json:"kind"` // dir, minio, memory
	MinIO MinIO  `json:"minio"`
}

// MinIO holds object store connection settings.
type MinIO struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// MQTT configures the external job queue subscription.
type MQTT struct {
	Broker   string `json:"broker"`
	Topic    string `json:"topic"`
	ClientID string `json:"client_id"`
	QoS      byte   `json:"qos"`
	Codec    string `json:"codec"` // json, msgpack, proto
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Path returns the config file location in effect.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	expanded, err := ExpandUser(Path())
	if err != nil {
		return nil, err
	}
	return LoadFile(expanded)
}

// LoadFile reads the config at path over the defaults. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs <= 0 {
		return fmt.Errorf("processing.parallel_jobs must be positive, got %d", c.Processing.ParallelJobs)
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver %q: want sqlite or sqlite3", c.Storage.Driver)
	}
	switch c.FrameStore.Kind {
	case "dir", "memory":
	case "minio":
		if c.FrameStore.MinIO.Endpoint == "" || c.FrameStore.MinIO.Bucket == "" {
			return errors.New("frame_store.minio needs endpoint and bucket")
		}
	default:
		return fmt.Errorf("frame_store.kind %q: want dir, minio or memory", c.FrameStore.Kind)
	}
	switch c.Combine.Estimator {
	case "", combine.EstimatorMean, combine.EstimatorMedian:
	default:
		return fmt.Errorf("combine.estimator %q: want mean or median", c.Combine.Estimator)
	}
	switch c.MQTT.Codec {
	case "", "json", "msgpack", "proto":
	default:
		return fmt.Errorf("mqtt.codec %q: want json, msgpack or proto", c.MQTT.Codec)
	}
	return nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := filepath.Join(os.TempDir(), "frameforge")
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueDepth:   defaultParallel * 16,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			LogDir: "./logs",
		},
		Paths: Paths{
			RawDir:        filepath.Join(dataDir, "raw"),
			ProcessedDir:  filepath.Join(dataDir, "processed"),
			DatabasePath:  filepath.Join(dataDir, "frameforge.db"),
			PipelinesFile: "~/.config/frameforge/pipelines.yaml",
		},
		Storage:    Storage{Driver: "sqlite"},
		FrameStore: FrameStore{Kind: "dir", MinIO: MinIO{Bucket: "frames"}},
		Combine:    combine.DefaultConfig(),
		CosmicRay:  stages.CosmicRayConfig{Threshold: 5, MinSigma: 1},
		MQTT:       MQTT{Topic: "frameforge/jobs", ClientID: "frameforge-worker", QoS: 1, Codec: "json"},
		Server:     Server{HTTPAddr: ":8080", GRPCAddr: ":9090"},
	}
}

// ExpandUser replaces a leading ~ with the home directory.
func ExpandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}

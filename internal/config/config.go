// Package config handles configuration loading for the Granite server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Data    DataConfig    `yaml:"data"`
	Granite GraniteConfig `yaml:"granite"`
	Cache   CacheConfig   `yaml:"cache"`
	Render  RenderConfig  `yaml:"render"`
	Export  ExportConfig  `yaml:"export"`
	Logging LogConfig     `yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatasetConfig describes one Granite dataset.
type DatasetConfig struct {
	XFDLPath string `yaml:"xfdl_path"`
	// AMRDivisions overrides granite.amr_divisions when non-zero.
	AMRDivisions int `yaml:"amr_divisions"`
}

// DataConfig holds the configured datasets. The YAML form is either the
// legacy single dataset (data.xfdl_path) or a map of named datasets, in
// which case the first one is the default.
type DataConfig struct {
	DefaultDataset string
	Datasets       map[string]DatasetConfig
	order          []string
}

// DatasetIDs returns dataset IDs in configuration order.
func (d DataConfig) DatasetIDs() []string {
	ids := make([]string, len(d.order))
	copy(ids, d.order)
	return ids
}

// UnmarshalYAML accepts both the legacy and the multi-dataset layout.
func (d *DataConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected mapping, got %v", value.Tag)
	}

	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value == "xfdl_path" {
			var legacy DatasetConfig
			if err := value.Decode(&legacy); err != nil {
				return fmt.Errorf("data: %w", err)
			}
			d.set("default", legacy)
			return nil
		}
	}

	for i := 0; i+1 < len(value.Content); i += 2 {
		id := value.Content[i].Value
		var ds DatasetConfig
		if err := value.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		d.set(id, ds)
	}
	return nil
}

func (d *DataConfig) set(id string, ds DatasetConfig) {
	if d.Datasets == nil {
		d.Datasets = make(map[string]DatasetConfig)
	}
	if _, ok := d.Datasets[id]; !ok {
		d.order = append(d.order, id)
	}
	d.Datasets[id] = ds
	if d.DefaultDataset == "" {
		d.DefaultDataset = id
	}
}

// GraniteConfig contains runtime settings.
type GraniteConfig struct {
	// ClassPath is the Granite jar or the native root directory.
	ClassPath string `yaml:"class_path"`
	// JavaArgs are extra space separated runtime arguments.
	JavaArgs     string `yaml:"java_args"`
	AMRDivisions int    `yaml:"amr_divisions"`
	// Bridge selects "native" (in process) or "rpc".
	Bridge     string `yaml:"bridge"`
	RPCAddress string `yaml:"rpc_address"`
	// RPCTimeoutSeconds bounds each remote call over RPC.
	RPCTimeoutSeconds int `yaml:"rpc_timeout_seconds"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	SliceSizeMB     int `yaml:"slice_size_mb"`
	SliceTTLMinutes int `yaml:"slice_ttl_minutes"`
	QuerySize       int `yaml:"query_size"`
	PayloadSize     int `yaml:"payload_size"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	CellSize        int    `yaml:"cell_size"`
	DefaultColormap string `yaml:"default_colormap"`
	MaxPixels       int    `yaml:"max_pixels"`
}

// ExportConfig contains export job settings.
type ExportConfig struct {
	OutputDir      string `yaml:"output_dir"`
	DBPath         string `yaml:"db_path"`
	Workers        int    `yaml:"workers"`
	RetentionHours int    `yaml:"retention_hours"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Granite: GraniteConfig{
			AMRDivisions:      3,
			Bridge:            "native",
			RPCAddress:        "localhost:9310",
			RPCTimeoutSeconds: 30,
		},
		Cache: CacheConfig{
			SliceSizeMB:     512,
			SliceTTLMinutes: 10,
			QuerySize:       1000,
			PayloadSize:     16,
		},
		Render: RenderConfig{
			CellSize:        1,
			DefaultColormap: "viridis",
			MaxPixels:       4096 * 4096,
		},
		Export: ExportConfig{
			OutputDir:      "./data/exports",
			DBPath:         "./data/exports/jobs.db",
			Workers:        1,
			RetentionHours: 24,
		},
	}
	cfg.Data.set("default", DatasetConfig{XFDLPath: "./data/granite/base.xfdl"})
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Granite.AMRDivisions <= 0 {
		cfg.Granite.AMRDivisions = defaults.Granite.AMRDivisions
	}
	if cfg.Granite.Bridge == "" {
		cfg.Granite.Bridge = defaults.Granite.Bridge
	}
	if cfg.Granite.RPCAddress == "" {
		cfg.Granite.RPCAddress = defaults.Granite.RPCAddress
	}
	if cfg.Granite.RPCTimeoutSeconds <= 0 {
		cfg.Granite.RPCTimeoutSeconds = defaults.Granite.RPCTimeoutSeconds
	}
	if cfg.Cache.SliceSizeMB == 0 {
		cfg.Cache.SliceSizeMB = defaults.Cache.SliceSizeMB
	}
	if cfg.Cache.SliceTTLMinutes == 0 {
		cfg.Cache.SliceTTLMinutes = defaults.Cache.SliceTTLMinutes
	}
	if cfg.Cache.QuerySize == 0 {
		cfg.Cache.QuerySize = defaults.Cache.QuerySize
	}
	if cfg.Cache.PayloadSize == 0 {
		cfg.Cache.PayloadSize = defaults.Cache.PayloadSize
	}
	if cfg.Render.CellSize == 0 {
		cfg.Render.CellSize = defaults.Render.CellSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Render.MaxPixels == 0 {
		cfg.Render.MaxPixels = defaults.Render.MaxPixels
	}
	if cfg.Export.OutputDir == "" {
		cfg.Export.OutputDir = defaults.Export.OutputDir
	}
	if cfg.Export.DBPath == "" {
		cfg.Export.DBPath = defaults.Export.DBPath
	}
	if cfg.Export.Workers <= 0 {
		cfg.Export.Workers = defaults.Export.Workers
	}
	if cfg.Export.RetentionHours == 0 {
		cfg.Export.RetentionHours = defaults.Export.RetentionHours
	}
}

// Divisions returns the AMR divisions for dataset id.
func (c *Config) Divisions(id string) int {
	if ds, ok := c.Data.Datasets[id]; ok && ds.AMRDivisions > 0 {
		return ds.AMRDivisions
	}
	return c.Granite.AMRDivisions
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full scanflow configuration tree.
type Config struct {
	Scanner    ScannerConfig    `yaml:"scanner"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Processing ProcessingConfig `yaml:"processing"`
	Server     ServerConfig     `yaml:"server"`
	Upload     UploadConfig     `yaml:"upload"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ScannerConfig selects the device and how pages are acquired from it.
type ScannerConfig struct {
	Device          string  `yaml:"device"`
	Resolution      int     `yaml:"resolution"`
	Mode            string  `yaml:"mode"`
	Source          string  `yaml:"source"` // Auto, ADF, Flatbed, or a device-specific name
	Format          string  `yaml:"format"` // png, jpeg, tiff
	ColorCorrection string  `yaml:"color_correction"`
	Mirror          bool    `yaml:"mirror"`      // single-sided lane mounted backward
	PageWidth       float64 `yaml:"page_width"`  // mm, 0 = device default
	PageHeight      float64 `yaml:"page_height"` // mm, 0 = device default
	TimeoutSeconds  int     `yaml:"timeout"`     // hard limit on one acquisition run
}

type APIConfig struct {
	Workspace      string `yaml:"workspace"`
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout"`
}

type StorageConfig struct {
	TempDir             string `yaml:"temp_dir"`
	FailedDir           string `yaml:"failed_dir"`
	KeepFailed          bool   `yaml:"keep_failed"`
	TempRetentionHours  int    `yaml:"temp_retention_hours"`
	FailedRetentionDays int    `yaml:"failed_retention_days"`
}

type ProcessingConfig struct {
	SkipBlank      bool    `yaml:"skip_blank"`
	BlankThreshold float64 `yaml:"blank_threshold"` // max non-white pixel fraction for a blank page
	WhiteThreshold int     `yaml:"white_threshold"` // brightness at or above this counts as white
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// UploadConfig controls transport strategy and page preparation.
type UploadConfig struct {
	Compression           string `yaml:"compression"` // individual, zip, zip-bundled
	ImageQuality          int    `yaml:"image_quality"`
	OptimizePNG           bool   `yaml:"optimize_png"`
	ZipBundleSize         int    `yaml:"zip_bundle_size"`       // max pages per bundle, 0 = unlimited
	ZipBundleMaxBytes     int64  `yaml:"zip_bundle_max_bytes"`  // max payload bytes per bundle, 0 = unlimited
	ZipCompressionLevel   int    `yaml:"zip_compression_level"` // 1-9
	AutoJPEGThreshold     int    `yaml:"auto_jpeg_threshold"`   // convert all pages when job has at least this many, 0 = off
	AutoJPEGPageSizeBytes int64  `yaml:"auto_jpeg_page_size_bytes"`
	MaxImageDimension     int    `yaml:"max_image_dimension"` // px, 0 = unlimited
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the built-in configuration, matching a stock install.
func Default() *Config {
	return &Config{
		Scanner: ScannerConfig{
			Resolution:      300,
			Mode:            "Color",
			Source:          "Auto",
			Format:          "png",
			ColorCorrection: "none",
			TimeoutSeconds:  300,
		},
		API: APIConfig{
			Workspace:      "default",
			URL:            "http://localhost:8080",
			TimeoutSeconds: 30,
		},
		Storage: StorageConfig{
			TempDir:             "/tmp",
			FailedDir:           "/tmp/failed",
			KeepFailed:          true,
			TempRetentionHours:  168,
			FailedRetentionDays: 30,
		},
		Processing: ProcessingConfig{
			SkipBlank:      true,
			BlankThreshold: 0.03,
			WhiteThreshold: 250,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 5000,
		},
		Upload: UploadConfig{
			Compression:         "individual",
			ImageQuality:        90,
			OptimizePNG:         true,
			ZipCompressionLevel: 6,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// searchPaths lists config file locations in priority order.
func searchPaths() []string {
	paths := []string{
		"/opt/scanflow/config/config.yaml",
		"./config/config.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".scanflow", "config.yaml"))
	}
	return append(paths, "/etc/scanflow/config.yaml", "./config.yaml")
}

// Load reads configuration from path, or from the first existing default
// location when path is empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if env := os.Getenv("SCANFLOW_CONFIG"); env != "" {
			path = env
		} else {
			for _, p := range searchPaths() {
				if _, err := os.Stat(p); err == nil {
					path = p
					break
				}
			}
		}
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// Unmarshal over the defaults so absent keys keep their default values.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// FormatExt returns the file extension scanimage uses for the configured
// output format. scanimage writes jpeg output with a jpg extension.
func (s ScannerConfig) FormatExt() string {
	if s.Format == "jpeg" {
		return "jpg"
	}
	return s.Format
}

func (s ScannerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (s StorageConfig) TempRetention() time.Duration {
	return time.Duration(s.TempRetentionHours) * time.Hour
}

func (s StorageConfig) FailedRetention() time.Duration {
	return time.Duration(s.FailedRetentionDays) * 24 * time.Hour
}

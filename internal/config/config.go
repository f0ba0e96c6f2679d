package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the application configuration
type Config struct {
	Engine     EngineConfig     `json:"engine"`
	Processing ProcessingConfig `json:"processing"`
	Output     OutputConfig     `json:"output"`
}

// EngineConfig holds configuration for the inference backend
type EngineConfig struct {
	ServerURL string `json:"server_url"`
	Model     string `json:"model"`
	Scale     int    `json:"scale"`
	Mode      string `json:"mode"`
}

// ProcessingConfig holds configuration for tiled processing
type ProcessingConfig struct {
	TileSize    int `json:"tile_size"`
	TilePad     int `json:"tile_pad"`
	MinTileSize int `json:"min_tile_size"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	OutputDir string `json:"output_dir"`
	Format    string `json:"format"`
	Quality   int    `json:"quality"`
	Lossless  bool   `json:"lossless"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			ServerURL: "http://localhost:8090",
			Model:     "RealESRGAN_x4plus",
			Scale:     4,
			Mode:      "accelerated",
		},
		Processing: ProcessingConfig{
			TileSize:    400,
			TilePad:     10,
			MinTileSize: 64,
		},
		Output: OutputConfig{
			OutputDir: "./output",
			Format:    "png",
			Quality:   90,
			Lossless:  false,
		},
	}
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Engine.Scale < 1 {
		return fmt.Errorf("engine.scale must be at least 1")
	}

	if c.Engine.Mode != "accelerated" && c.Engine.Mode != "fallback" {
		return fmt.Errorf("engine.mode must be accelerated or fallback")
	}

	if c.Processing.TileSize < 1 {
		return fmt.Errorf("processing.tile_size must be positive")
	}

	if c.Processing.TilePad < 0 {
		return fmt.Errorf("processing.tile_pad must be non-negative")
	}

	if c.Processing.TilePad >= c.Processing.TileSize {
		return fmt.Errorf("processing.tile_pad must be smaller than processing.tile_size")
	}

	if c.Processing.MinTileSize < 1 {
		return fmt.Errorf("processing.min_tile_size must be positive")
	}

	if c.Processing.MinTileSize > c.Processing.TileSize {
		return fmt.Errorf("processing.min_tile_size cannot exceed processing.tile_size")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	switch c.Output.Format {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("output.format must be one of jpg, png, webp")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "image-upscaler", "config.json")
}

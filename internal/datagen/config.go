package datagen

import (
	"encoding/json"
	"os"
)

// Config holds all the configuration for the asset generator.
type Config struct {
	// ServeRoot is the directory the assets are written to, usually the serve
	// root of a responder.
	ServeRoot string `json:"serve_root"`

	// Clean removes ServeRoot before generating.
	Clean bool `json:"clean"`

	// Assets lists the files to generate. File ids are slash-separated paths
	// relative to ServeRoot.
	Assets []AssetSpec `json:"assets"`

	// Manifest writes manifest.json (id, size, BLAKE2b-256 of every file under ServeRoot).
	Manifest bool `json:"manifest"`
}

// AssetSpec specifies how to generate one asset.
type AssetSpec struct {
	Name string `json:"name"`
	Size int64  `json:"size"`

	// Readable writes Pattern repeatedly. Otherwise the data is random:
	// reproducible when Seed is non-zero, from crypto/rand when it is zero.
	Readable bool   `json:"readable"`
	Pattern  string `json:"pattern"`
	Seed     uint64 `json:"seed"`
}

// LoadConfig reads a configuration file from the given path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultConfig returns a default configuration: a small shot with a scene
// file, a texture and an empty sidecar.
func DefaultConfig() *Config {
	return &Config{
		ServeRoot: "serve",
		Manifest:  true,
		Assets: []AssetSpec{
			{Name: "scenes/shot010.blend", Size: 8 * 1024 * 1024, Seed: 10},
			{Name: "textures/wood_albedo.exr", Size: 3*1024*1024 + 1234, Seed: 11},
			{Name: "scenes/shot010.txt", Size: 4096, Readable: true, Pattern: "frame range 1001-1100\n"},
			{Name: "scenes/shot010.lock", Size: 0},
		},
	}
}

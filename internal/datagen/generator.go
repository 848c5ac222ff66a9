package datagen

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	mrand "math/rand/v2"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const ManifestName = "manifest.json"

// Generator writes test assets into a serve root.
type Generator struct {
	config *Config
	logger *slog.Logger
}

// NewGenerator creates a new asset generator instance.
func NewGenerator(config *Config, logger *slog.Logger) (*Generator, error) {
	if config.ServeRoot == "" {
		return nil, errors.New("serve root must be specified")
	}
	seen := make(map[string]bool)
	for i, a := range config.Assets {
		if a.Size < 0 {
			return nil, fmt.Errorf("asset %d (%s): size must not be negative", i, a.Name)
		}
		name, err := cleanName(a.Name)
		if err != nil {
			return nil, fmt.Errorf("asset %d: %w", i, err)
		}
		if seen[name] {
			return nil, fmt.Errorf("asset %s listed twice", name)
		}
		seen[name] = true
		if a.Readable && a.Pattern == "" {
			return nil, fmt.Errorf("asset %s: readable data needs a pattern", name)
		}
	}
	if logger == nil {
		logger = slog.Default().With("component", "datagen")
	}
	return &Generator{config: config, logger: logger}, nil
}

// cleanName refuse les ids qui sortiraient du serve root.
func cleanName(name string) (string, error) {
	if name == "" {
		return "", errors.New("asset name is empty")
	}
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("asset name %q escapes the serve root", name)
	}
	return clean, nil
}

// Run generates the assets and, if configured, the manifest.
func (g *Generator) Run() error {
	g.logger.Info("Starting asset generation", "serve_root", g.config.ServeRoot, "assets", len(g.config.Assets))

	if g.config.Clean {
		if err := os.RemoveAll(g.config.ServeRoot); err != nil {
			return fmt.Errorf("failed to clean serve root: %w", err)
		}
	}
	if err := os.MkdirAll(g.config.ServeRoot, 0755); err != nil {
		return fmt.Errorf("failed to create serve root: %w", err)
	}

	for _, a := range g.config.Assets {
		if err := g.writeAsset(a); err != nil {
			return err
		}
	}

	if g.config.Manifest {
		entries, err := BuildManifest(g.config.ServeRoot)
		if err != nil {
			return err
		}
		if err := writeManifest(filepath.Join(g.config.ServeRoot, ManifestName), entries); err != nil {
			return err
		}
		g.logger.Info("Manifest written", "files", len(entries))
	}
	return nil
}

func (g *Generator) writeAsset(a AssetSpec) error {
	name, _ := cleanName(a.Name)
	filePath := filepath.Join(g.config.ServeRoot, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for asset %s: %w", name, err)
	}

	destFile, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create asset file %s: %w", filePath, err)
	}

	var dataReader io.Reader
	switch {
	case a.Readable:
		dataReader = newPatternReader(a.Pattern)
	case a.Seed != 0:
		dataReader = newSeededReader(a.Seed)
	default:
		dataReader = rand.Reader
	}

	if _, err := io.CopyN(destFile, dataReader, a.Size); err != nil {
		destFile.Close()
		return fmt.Errorf("failed to write data to %s: %w", filePath, err)
	}
	if err := destFile.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", filePath, err)
	}
	g.logger.Debug("Asset written", "file_id", name, "size", a.Size)
	return nil
}

// ManifestEntry décrit un fichier servi.
type ManifestEntry struct {
	FileID string `json:"file_id"`
	Size   int64  `json:"size"`
	Digest string `json:"blake2b_256"`
}

// BuildManifest parcourt root et calcule l'empreinte de chaque fichier
// régulier, manifest exclu, triés par id.
func BuildManifest(root string) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("could not find relative path for %s from root %s: %w", p, root, err)
		}
		id := filepath.ToSlash(rel)
		if id == ManifestName {
			return nil
		}
		size, digest, err := FileDigest(p)
		if err != nil {
			return err
		}
		entries = append(entries, ManifestEntry{FileID: id, Size: size, Digest: digest})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking directory %s: %w", root, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FileID < entries[j].FileID })
	return entries, nil
}

// FileDigest retourne la taille et le BLAKE2b-256 hexadécimal d'un fichier.
func FileDigest(p string) (int64, string, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return 0, "", err
	}
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("failed to read %s: %w", p, err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// LoadManifest lit un manifest.json.
func LoadManifest(p string) ([]ManifestEntry, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", p, err)
	}
	return entries, nil
}

func writeManifest(p string, entries []ManifestEntry) error {
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(entries); err != nil {
		f.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return f.Close()
}

// patternReader is an infinite reader that repeats a given pattern.
type patternReader struct {
	pattern []byte
	pos     int
}

func newPatternReader(pattern string) *patternReader {
	return &patternReader{pattern: []byte(pattern)}
}

func (r *patternReader) Read(p []byte) (n int, err error) {
	if len(r.pattern) == 0 {
		return 0, io.EOF
	}
	for i := 0; i < len(p); i++ {
		p[i] = r.pattern[r.pos]
		r.pos = (r.pos + 1) % len(r.pattern)
	}
	return len(p), nil
}

// seededReader produit le même flux pour la même graine.
type seededReader struct {
	rng *mrand.ChaCha8
}

func newSeededReader(seed uint64) *seededReader {
	var key [32]byte
	binary.LittleEndian.PutUint64(key[:], seed)
	return &seededReader{rng: mrand.NewChaCha8(key)}
}

func (r *seededReader) Read(p []byte) (int, error) {
	return r.rng.Read(p)
}

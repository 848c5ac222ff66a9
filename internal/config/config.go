// Package config charge la configuration d'un nœud : valeurs par défaut,
// puis fichier JSON, puis variables RENDERSYNC_*, puis flags de la ligne de
// commande. Chaque couche ne remplace que ce qu'elle fixe.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"rendersync/internal/responder"
	"rendersync/internal/transfer"

	"github.com/spf13/pflag"
)

const EnvPrefix = "RENDERSYNC_"

// Duration s'écrit "30s" ou en secondes (30) dans le fichier JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		d.Duration = time.Duration(x * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Peer est un pair à connecter au démarrage d'un nœud.
type Peer struct {
	ID        string   `json:"id"`
	Endpoints []string `json:"endpoints"`
	PublicKey string   `json:"public_key,omitempty"` // hex DER SubjectPublicKeyInfo
}

// Config contient toute la configuration d'un nœud.
type Config struct {
	NodeID      string `json:"node_id"`
	ListenAddr  string `json:"listen_addr"`
	ServeRoot   string `json:"serve_root"`
	StagingDir  string `json:"staging_dir"`
	JournalPath string `json:"journal_path"`
	ControlAddr string `json:"control_addr"`

	ChunkSize      int64    `json:"chunk_size"`
	Window         int      `json:"window"`
	Retries        int      `json:"retries"`
	NetworkTimeout Duration `json:"network_timeout"`
	RateLimit      int64    `json:"rate_limit"` // octets/s servis, 0 = illimité

	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	Peers []Peer `json:"peers,omitempty"`
}

// Default retourne la configuration par défaut.
func Default() *Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "rendersync"
	}
	return &Config{
		NodeID:         host,
		ListenAddr:     "0.0.0.0:7000",
		ServeRoot:      "./serve",
		JournalPath:    "rendersync.db",
		ControlAddr:    "127.0.0.1:7001",
		ChunkSize:      transfer.DefaultChunkSize,
		Window:         transfer.DefaultWindow,
		Retries:        transfer.DefaultRetries,
		NetworkTimeout: Duration{transfer.DefaultMaxTimeout},
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// LoadFile superpose le fichier JSON path à c. Les clés absentes du fichier
// gardent leur valeur.
func (c *Config) LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv superpose les variables RENDERSYNC_* lues par lookup (os.LookupEnv en production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, f := range fields {
		v, ok := lookup(EnvPrefix + f.env)
		if !ok || v == "" {
			continue
		}
		if err := f.parse(c, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, f.env, err)
		}
	}
	return nil
}

// Flags reçoit les valeurs des flags; seules celles modifiées sur la ligne de
// commande sont appliquées par Apply.
type Flags struct {
	fs     *pflag.FlagSet
	values Config
	// File est le chemin passé à --config.
	File string
}

// RegisterFlags déclare un flag par clé de configuration sur fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	fl := &Flags{fs: fs}
	def := Default()
	v := &fl.values
	fs.StringVar(&fl.File, "config", "", "path to a JSON node configuration file")
	fs.StringVar(&v.NodeID, "node-id", def.NodeID, "node identifier announced to peers")
	fs.StringVar(&v.ListenAddr, "listen", def.ListenAddr, "UDP address the responder listens on")
	fs.StringVar(&v.ServeRoot, "serve-root", def.ServeRoot, "directory whose files are served to peers")
	fs.StringVar(&v.StagingDir, "staging-dir", def.StagingDir, "parent of the private staging directory (default: system temp)")
	fs.StringVar(&v.JournalPath, "journal", def.JournalPath, "path of the transfer journal database")
	fs.StringVar(&v.ControlAddr, "control-addr", def.ControlAddr, "address of the websocket control endpoint")
	fs.Int64Var(&v.ChunkSize, "chunk-size", def.ChunkSize, "chunk size in bytes")
	fs.IntVar(&v.Window, "window", def.Window, "chunks requested per batch")
	fs.IntVar(&v.Retries, "retries", def.Retries, "inactivity retries before a transfer fails")
	fs.DurationVar(&v.NetworkTimeout.Duration, "network-timeout", def.NetworkTimeout.Duration, "silence tolerated from a peer")
	fs.Int64Var(&v.RateLimit, "rate-limit", def.RateLimit, "bytes per second served, 0 for unlimited")
	fs.StringVar(&v.TLSCert, "cert", def.TLSCert, "TLS certificate file (self-signed if empty)")
	fs.StringVar(&v.TLSKey, "key", def.TLSKey, "TLS key file")
	fs.StringVar(&v.LogLevel, "log-level", def.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&v.LogFormat, "log-format", def.LogFormat, "log format (text, json)")
	return fl
}

// Apply copie dans c les flags fixés explicitement.
func (fl *Flags) Apply(c *Config) {
	for _, f := range fields {
		if fl.fs.Lookup(f.flag) != nil && fl.fs.Changed(f.flag) {
			f.copy(c, &fl.values)
		}
	}
}

// Resolve construit la configuration finale : défauts, fichier (--config),
// environnement, flags.
func Resolve(fl *Flags, lookup func(string) (string, bool)) (*Config, error) {
	c := Default()
	if fl != nil && fl.File != "" {
		if err := c.LoadFile(fl.File); err != nil {
			return nil, err
		}
	}
	if err := c.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if fl != nil {
		fl.Apply(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate vérifie la cohérence des valeurs.
func (c *Config) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id must not be empty"))
	}
	if c.ChunkSize <= 0 || c.ChunkSize > responder.MaxRangeLength {
		errs = append(errs, fmt.Errorf("chunk_size must be in (0, %d], got %d", responder.MaxRangeLength, c.ChunkSize))
	}
	if c.Window <= 0 {
		errs = append(errs, fmt.Errorf("window must be positive, got %d", c.Window))
	}
	if c.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must not be negative, got %d", c.Retries))
	}
	if c.NetworkTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("network_timeout must be positive, got %s", c.NetworkTimeout))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative, got %d", c.RateLimit))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	for i, p := range c.Peers {
		if p.ID == "" || len(p.Endpoints) == 0 {
			errs = append(errs, fmt.Errorf("peers[%d] needs an id and at least one endpoint", i))
		}
	}
	return errors.Join(errs...)
}

// TransferParams retourne les réglages des tâches de réception.
func (c *Config) TransferParams() transfer.Params {
	p := transfer.Params{
		ChunkSize:  c.ChunkSize,
		Window:     c.Window,
		Retries:    c.Retries,
		MaxTimeout: c.NetworkTimeout.Duration,
	}
	// retries: 0 dans la config veut dire aucun retry.
	if p.Retries == 0 {
		p.Retries = transfer.NoRetries
	}
	return p
}

// field relie une clé à son flag et à sa variable d'environnement.
type field struct {
	flag  string
	env   string
	parse func(c *Config, v string) error
	copy  func(dst, src *Config)
}

func str(flag, env string, get func(*Config) *string) field {
	return field{
		flag:  flag,
		env:   env,
		parse: func(c *Config, v string) error { *get(c) = v; return nil },
		copy:  func(dst, src *Config) { *get(dst) = *get(src) },
	}
}

func integer[T int | int64](flag, env string, get func(*Config) *T) field {
	return field{
		flag: flag,
		env:  env,
		parse: func(c *Config, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			*get(c) = T(n)
			return nil
		},
		copy: func(dst, src *Config) { *get(dst) = *get(src) },
	}
}

var fields = []field{
	str("node-id", "NODE_ID", func(c *Config) *string { return &c.NodeID }),
	str("listen", "LISTEN_ADDR", func(c *Config) *string { return &c.ListenAddr }),
	str("serve-root", "SERVE_ROOT", func(c *Config) *string { return &c.ServeRoot }),
	str("staging-dir", "STAGING_DIR", func(c *Config) *string { return &c.StagingDir }),
	str("journal", "JOURNAL", func(c *Config) *string { return &c.JournalPath }),
	str("control-addr", "CONTROL_ADDR", func(c *Config) *string { return &c.ControlAddr }),
	integer("chunk-size", "CHUNK_SIZE", func(c *Config) *int64 { return &c.ChunkSize }),
	integer("window", "WINDOW", func(c *Config) *int { return &c.Window }),
	integer("retries", "RETRIES", func(c *Config) *int { return &c.Retries }),
	{
		flag: "network-timeout",
		env:  "NETWORK_TIMEOUT",
		parse: func(c *Config, v string) error {
			return c.NetworkTimeout.UnmarshalJSON(jsonScalar(v))
		},
		copy: func(dst, src *Config) { dst.NetworkTimeout = src.NetworkTimeout },
	},
	integer("rate-limit", "RATE_LIMIT", func(c *Config) *int64 { return &c.RateLimit }),
	str("cert", "TLS_CERT", func(c *Config) *string { return &c.TLSCert }),
	str("key", "TLS_KEY", func(c *Config) *string { return &c.TLSKey }),
	str("log-level", "LOG_LEVEL", func(c *Config) *string { return &c.LogLevel }),
	str("log-format", "LOG_FORMAT", func(c *Config) *string { return &c.LogFormat }),
}

// jsonScalar rend "30s" ou 30 décodables par Duration.UnmarshalJSON.
func jsonScalar(v string) []byte {
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return []byte(v)
	}
	return []byte(strconv.Quote(v))
}

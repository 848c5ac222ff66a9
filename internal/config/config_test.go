package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"rendersync/internal/transfer"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestResolve_Layering(t *testing.T) {
	path := writeConfig(t, `{
		"node_id": "ws-from-file",
		"window": 8,
		"network_timeout": "12s",
		"serve_root": "/srv/assets",
		"peers": [{"id": "farm-01", "endpoints": ["10.0.0.5:7000", "farm-01.lan:7000"]}]
	}`)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fl := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--window", "16", "--log-level", "debug"}))

	env := envMap(map[string]string{
		"RENDERSYNC_NODE_ID":         "ws-from-env",
		"RENDERSYNC_WINDOW":          "4",
		"RENDERSYNC_NETWORK_TIMEOUT": "45",
	})
	c, err := Resolve(fl, env)
	require.NoError(t, err)

	assert.Equal(t, "ws-from-env", c.NodeID)                   // env > fichier
	assert.Equal(t, 16, c.Window)                              // flag > env
	assert.Equal(t, 45*time.Second, c.NetworkTimeout.Duration) // env en secondes
	assert.Equal(t, "/srv/assets", c.ServeRoot)                // fichier
	assert.Equal(t, "debug", c.LogLevel)                       // flag
	assert.Equal(t, int64(64000), c.ChunkSize)                 // défaut
	require.Len(t, c.Peers, 1)
	assert.Equal(t, []string{"10.0.0.5:7000", "farm-01.lan:7000"}, c.Peers[0].Endpoints)

	p := c.TransferParams()
	assert.Equal(t, 16, p.Window)
	assert.Equal(t, 45*time.Second, p.MaxTimeout)
	assert.Equal(t, transfer.DefaultRetries, p.Retries)
}

func TestTransferParams_ZeroRetriesMeansNone(t *testing.T) {
	c := Default()
	c.Retries = 0
	assert.Equal(t, transfer.NoRetries, c.TransferParams().Retries)
}

func TestResolve_UnchangedFlagsDoNotOverride(t *testing.T) {
	path := writeConfig(t, `{"listen_addr": "0.0.0.0:9000"}`)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fl := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path}))

	c, err := Resolve(fl, envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", c.ListenAddr)
}

func TestResolve_Errors(t *testing.T) {
	_, err := Resolve(nil, envMap(map[string]string{"RENDERSYNC_WINDOW": "many"}))
	assert.ErrorContains(t, err, "RENDERSYNC_WINDOW")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fl := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", writeConfig(t, `{"windw": 3}`)}))
	_, err = Resolve(fl, envMap(nil))
	assert.ErrorContains(t, err, "unknown field")

	_, err = Resolve(nil, envMap(map[string]string{"RENDERSYNC_CHUNK_SIZE": "0", "RENDERSYNC_TLS_CERT": "c.pem"}))
	assert.ErrorContains(t, err, "chunk_size")
	assert.ErrorContains(t, err, "tls_key")
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration)
	require.NoError(t, d.UnmarshalJSON([]byte(`2.5`)))
	assert.Equal(t, 2500*time.Millisecond, d.Duration)
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"2.5s"`, string(out))
}

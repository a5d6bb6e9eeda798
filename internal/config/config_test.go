package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/position.report/internal/anchors"
	"github.com/banshee-data/position.report/internal/serialmux"
	"github.com/banshee-data/position.report/internal/solver"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, SourceSerial, cfg.GetSource())
	assert.Equal(t, 100*time.Millisecond, cfg.GetPollInterval())
	assert.Equal(t, time.Duration(0), cfg.GetCycleTimeout())
	assert.Equal(t, 50*time.Millisecond, cfg.GetPublishTimeout())
	assert.Equal(t, "/dev/ttyACM0", cfg.GetSerialPort())
	assert.Equal(t, serialmux.PortOptions{}, cfg.GetSerialOptions())
	assert.Equal(t, ":7000", cfg.GetSocketListen())
	assert.Equal(t, "", cfg.GetReplayPath())
	assert.Equal(t, 100*time.Millisecond, cfg.GetReplayInterval())
	assert.Equal(t, "ranging", cfg.GetSimFormat())
	assert.Equal(t, 0.0, cfg.GetSimNoise())
	assert.Equal(t, 20*time.Second, cfg.GetSimPeriod())
	assert.Equal(t, "positions.db", cfg.GetDBPath())
	assert.Equal(t, ":8080", cfg.GetListen())

	layout, err := cfg.Layout()
	require.NoError(t, err)
	assert.Equal(t, DefaultAnchors, layout.Anchors())
	assert.Equal(t, []anchors.ID{0, 1, 2}, cfg.GetRequiredAnchors(layout))
}

func TestLoadDefaultsFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultConfigPath))
	require.NoError(t, err)

	assert.Equal(t, &solver.Bounds{MinX: -8, MinY: -8, MaxX: 8, MaxY: 8}, cfg.Bounds)
	assert.Equal(t, 115200, cfg.GetSerialOptions().BaudRate)
	assert.Equal(t, 0.02, cfg.GetSimNoise())
	layout, err := cfg.Layout()
	require.NoError(t, err)
	assert.Equal(t, DefaultAnchors, layout.Anchors())
}

func TestLoadExampleTOML(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "locate.example.toml"))
	require.NoError(t, err)

	assert.Equal(t, SourceSocket, cfg.GetSource())
	assert.Equal(t, 2*time.Second, cfg.GetCycleTimeout())
	layout, err := cfg.Layout()
	require.NoError(t, err)
	assert.Equal(t, 4, layout.Len())
	assert.Equal(t, []anchors.ID{0, 1, 2}, cfg.GetRequiredAnchors(layout))
	require.NotNil(t, cfg.Bounds)
	assert.Equal(t, 5.0, cfg.Bounds.MaxX)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "locate.json", `{
  "source": "replay",
  "replay_path": "testdata/session.txt",
  "poll_interval": "20ms",
  "serial": {"port": "/dev/ttyUSB1", "options": {"baud_rate": 9600}},
  "sim": {"format": "json"}
}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, SourceReplay, cfg.GetSource())
	assert.Equal(t, "testdata/session.txt", cfg.GetReplayPath())
	assert.Equal(t, 20*time.Millisecond, cfg.GetPollInterval())
	assert.Equal(t, "/dev/ttyUSB1", cfg.GetSerialPort())
	assert.Equal(t, 9600, cfg.GetSerialOptions().BaudRate)
	assert.Equal(t, "json", cfg.GetSimFormat())
	assert.Equal(t, 20*time.Second, cfg.GetSimPeriod())
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"extension", "locate.yaml", `source: sim`, "extension"},
		{"bad json", "locate.json", `{"source": `, "parse config JSON"},
		{"bad toml", "locate.toml", `source = `, "parse config TOML"},
		{"unknown toml key", "locate.toml", `sauce = "sim"`, "unknown config keys"},
		{"unknown source", "locate.json", `{"source": "carrier-pigeon"}`, "unknown source"},
		{"bad duration", "locate.json", `{"cycle_timeout": "soon"}`, "cycle_timeout"},
		{"negative duration", "locate.json", `{"publish_timeout": "-1s"}`, "publish_timeout"},
		{"zero poll", "locate.json", `{"poll_interval": "0s"}`, "poll_interval"},
		{"too few anchors", "locate.json", `{"anchors": [{"id": 0}, {"id": 1}]}`, "at least 3"},
		{"duplicate anchor", "locate.json", `{"anchors": [{"id": 0}, {"id": 0, "x": 1}, {"id": 2, "y": 1}]}`, "duplicate"},
		{"sparse anchor ids", "locate.json", `{"anchors": [{"id": 0}, {"id": 1, "x": 1}, {"id": 4, "y": 1}]}`, "without gaps"},
		{"unknown required", "locate.json", `{"required_anchors": [0, 1, 7]}`, "unknown anchor 7"},
		{"bounds", "locate.json", `{"bounds": {"min_x": 5, "max_x": 1}}`, "invalid bounds"},
		{"serial options", "locate.json", `{"serial": {"options": {"parity": "Q"}}}`, "serial options"},
		{"sim noise", "locate.json", `{"sim": {"noise": -0.5}}`, "sim.noise"},
		{"sim period", "locate.json", `{"sim": {"period": "a while"}}`, "sim.period"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.file, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stat")
}

func TestLoadTooLarge(t *testing.T) {
	body := `{"listen": ":8080", "pad": "` + strings.Repeat("x", maxFileSize) + `"}`
	_, err := Load(writeConfig(t, "big.json", body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestRequiredAnchorsUnknownIsSentinel(t *testing.T) {
	cfg := &Config{RequiredAnchors: []int{0, 9}}
	err := cfg.Validate()
	assert.ErrorIs(t, err, anchors.ErrUnknownAnchor)
}

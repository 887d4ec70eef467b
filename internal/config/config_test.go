package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
transport:
  kind: tcp
  addr: 192.168.0.10:5555
  dial_timeout: 3s
scheduler:
  default_timeout: 1500ms
  retry:
    max_retries: 3
    initial_backoff: 20ms
    backoff_factor: 2
    max_backoff: 500ms
    retry_on: [timeout, execution_failed]
recovery:
  attempts: 4
  base_delay: 100ms
telemetry:
  enabled: true
  schedule: "@every 30s"
journal:
  driver: file
  path: ./data/journal
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "brickctl.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "192.168.0.10:5555", cfg.Transport.Addr)
	require.NotNil(t, cfg.Scheduler.Retry)
	assert.Equal(t, 3, cfg.Scheduler.Retry.MaxRetries)
	assert.Equal(t, []string{"timeout", "execution_failed"}, cfg.Scheduler.Retry.RetryOn)
	require.NotNil(t, cfg.Telemetry)
	assert.Equal(t, "@every 30s", cfg.Telemetry.Schedule)
	assert.Same(t, cfg, m.Get())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "brickctl.json", `{"transport":{"kind":"sim"},"bluetooth":{}}`))
	_, err := m.Load()
	assert.ErrorContains(t, err, "bluetooth")
}

func TestLoadRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "brickctl.json", `{"transport":{"kind":"sim"}}{}`))
	_, err := m.Load()
	assert.Error(t, err)
}

func TestDecodeYAMLEdges(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("empty.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)

	_, err = Decode("two.yml", []byte("transport:\n  kind: sim\n---\ntransport:\n  kind: tcp\n"))
	assert.ErrorContains(t, err, "multiple documents")

	_, err = Decode("key.yaml", []byte("? [a, b]\n: 1\n"))
	assert.ErrorContains(t, err, "non-scalar key")

	cfg, err = Decode("alias.yaml", []byte("transport:\n  kind: &k sim\n  addr: *k\n"))
	require.NoError(t, err)
	assert.Equal(t, "sim", cfg.Transport.Addr)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		cfg     Config
		wantErr string
	}{
		"sim ok":          {cfg: Config{Transport: TransportConfig{Kind: "sim"}}},
		"tcp needs addr":  {cfg: Config{}, wantErr: "transport.addr"},
		"bad kind":        {cfg: Config{Transport: TransportConfig{Kind: "usb"}}, wantErr: "transport.kind"},
		"bad duration":    {cfg: Config{Transport: TransportConfig{Kind: "sim"}, Scheduler: SchedulerConfig{DefaultTimeout: "soon"}}, wantErr: "scheduler.default_timeout"},
		"bad retry code":  {cfg: Config{Transport: TransportConfig{Kind: "sim"}, Scheduler: SchedulerConfig{Retry: &RetryConfig{RetryOn: []string{"always"}}}}, wantErr: "retry_on"},
		"bad factor":      {cfg: Config{Transport: TransportConfig{Kind: "sim"}, Scheduler: SchedulerConfig{Retry: &RetryConfig{BackoffFactor: 0.5}}}, wantErr: "backoff_factor"},
		"telemetry spec":  {cfg: Config{Transport: TransportConfig{Kind: "sim"}, Telemetry: &TelemetryConfig{Enabled: true}}, wantErr: "telemetry.schedule"},
		"journal driver":  {cfg: Config{Transport: TransportConfig{Kind: "sim"}, Journal: &JournalConfig{Driver: "postgres"}}, wantErr: "journal.driver"},
		"log format":      {cfg: Config{Transport: TransportConfig{Kind: "sim"}, Logging: LoggingConfig{Format: "xml"}}, wantErr: "logging.format"},
		"negative bounds": {cfg: Config{Transport: TransportConfig{Kind: "sim"}, Recovery: RecoveryConfig{Attempts: -1}}, wantErr: "recovery.attempts"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := Validate(&tc.cfg)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Transport: TransportConfig{Kind: "sim"}, Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{Transport: TransportConfig{Kind: "sim"}, Logging: LoggingConfig{Level: "debug"},
		Scheduler: SchedulerConfig{DefaultTimeout: "1s"}, Journal: &JournalConfig{Driver: "file", Path: "/x"}}

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"journal", "logging", "scheduler"}, changed)
	assert.Equal(t, []string{"journal"}, restart)
	assert.NotEmpty(t, attrs)

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestDurationOr(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		raw     string
		want    time.Duration
		wantErr string
	}{
		"empty uses default": {raw: "", want: time.Second},
		"zero uses default":  {raw: "0s", want: time.Second},
		"go syntax":          {raw: " 250ms ", want: 250 * time.Millisecond},
		"bare millis":        {raw: "1500", want: 1500 * time.Millisecond},
		"negative":           {raw: "-1s", wantErr: "negative"},
		"negative millis":    {raw: "-5", wantErr: "negative"},
		"garbage":            {raw: "soon", wantErr: "x.timeout: invalid duration"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			d, err := DurationOr("x.timeout", tc.raw, time.Second)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, d)
		})
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "brickctl.json", `{"transport":{"kind":"sim"},"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and never published.
	require.NoError(t, os.WriteFile(path, []byte(`{"transport":{"kind":"usb"}}`), 0o600))
	time.Sleep(2 * reloadDebounce)
	require.NoError(t, os.WriteFile(path, []byte(`{"transport":{"kind":"sim"},"logging":{"level":"debug"}}`), 0o600))

	select {
	case cfg := <-sub:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

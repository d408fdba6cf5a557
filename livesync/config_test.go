package livesync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLoadEnvConfigDefaults(t *testing.T) {
	t.Setenv("API_URL", "")
	os.Unsetenv("API_URL")
	t.Setenv("SOCKET_URL", "")
	os.Unsetenv("SOCKET_URL")

	config, err := LoadEnvConfig(filepath.Join(t.TempDir(), "missing.env"))
	assert.Equal(t, err, nil)
	assert.Equal(t, config.ApiUrl, DefaultApiUrl)
	assert.Equal(t, config.SocketUrl, DefaultApiUrl)
}

func TestLoadEnvConfigFile(t *testing.T) {
	for _, key := range []string{"API_URL", "SOCKET_URL", "API_TOKEN", "VIEWER_ID"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	envFile := filepath.Join(t.TempDir(), ".env")
	err := os.WriteFile(envFile, []byte(strings.Join([]string{
		"API_URL=https://api.example.org",
		"API_TOKEN=abc",
		"VIEWER_ID=u1",
	}, "\n")), 0600)
	assert.Equal(t, err, nil)

	// the environment wins over the file
	t.Setenv("VIEWER_ID", "u2")

	config, err := LoadEnvConfig(envFile)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.ApiUrl, "https://api.example.org")
	assert.Equal(t, config.SocketUrl, "https://api.example.org")
	assert.Equal(t, config.ApiToken, "abc")
	assert.Equal(t, config.ViewerId, "u2")
}

func TestMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	r := NewReconciler(NewCollection[*Event](), metrics)
	r.ApplySnapshot(EntityKindEvent, []*Event{testEvent("1", "A"), testEvent("2", "B")}, r.BeginSnapshot())
	r.Apply(Created(testEvent("3", "C")))
	r.Apply(Deleted[*Event](EntityKindEvent, "3"))
	r.Apply(Deleted[*Event](EntityKindEvent, "3"))

	assert.Equal(t, testutil.ToFloat64(metrics.snapshotItems.WithLabelValues("event")), float64(2))
	assert.Equal(t, testutil.ToFloat64(metrics.eventsApplied.WithLabelValues("event", "created")), float64(1))
	assert.Equal(t, testutil.ToFloat64(metrics.eventsApplied.WithLabelValues("event", "deleted")), float64(2))

	metrics.ChannelConnected()
	metrics.ChannelConnected()
	metrics.ChannelDisconnected()
	assert.Equal(t, testutil.ToFloat64(metrics.channelsOpen), float64(1))

	metrics.Mutation("add interest", "ok")
	assert.Equal(t, testutil.ToFloat64(metrics.mutations.WithLabelValues("add interest", "ok")), float64(1))

	var nilMetrics *Metrics
	nilMetrics.ChannelError()
	nilMetrics.SnapshotLoad(EntityKindEvent, "ok")
}

package stats

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	p := Summarize(ds)
	assert.Equal(t, 100, p.N)
	assert.Equal(t, 51*time.Millisecond, p.P50)
	assert.Equal(t, 95*time.Millisecond, p.P95)
	assert.Equal(t, 99*time.Millisecond, p.P99)
	assert.Equal(t, 100*time.Millisecond, p.Max)
	assert.Equal(t, 50500*time.Microsecond, p.Avg)

	assert.Zero(t, Summarize(nil).N)
}

const exposition = `# HELP dm_connections_total Current number of active WebSocket connections
# TYPE dm_connections_total gauge
dm_connections_total 42
dm_active_views 7
dm_messages_total{type="sent"} 120
dm_messages_total{type="failed"} 3
dm_messages_total{type="read"} 80
dm_rate_limited_total{rule="send"} 5
dm_rate_limited_total{rule="open"} 1
dm_send_latency_seconds_bucket{le="0.005"} 100
dm_send_latency_seconds_sum 1.5
dm_send_latency_seconds_count 120
`

func TestParseSnapshot(t *testing.T) {
	snap, err := parseSnapshot(strings.NewReader(exposition))
	require.NoError(t, err)

	assert.Equal(t, 42.0, snap.connections)
	assert.Equal(t, 7.0, snap.activeViews)
	assert.Equal(t, 120.0, snap.messagesTotal)
	assert.Equal(t, 3.0, snap.failed)
	assert.Equal(t, 6.0, snap.rateLimited)
	assert.Equal(t, 1.5, snap.latencySum)
	assert.Equal(t, 120.0, snap.latencyCount)
}

func TestParseMetricLine(t *testing.T) {
	name, labels, v, ok := parseMetricLine(`dm_messages_total{type="sent",x="y"} 12 1700000000`)
	require.True(t, ok)
	assert.Equal(t, "dm_messages_total", name)
	assert.Equal(t, map[string]string{"type": "sent", "x": "y"}, labels)
	assert.Equal(t, 12.0, v)

	_, _, _, ok = parseMetricLine("garbage")
	assert.False(t, ok)
	_, _, _, ok = parseMetricLine("dm_x notanumber")
	assert.False(t, ok)
}

func TestCollectorReport(t *testing.T) {
	c := NewCollector()
	c.AddConnect(2 * time.Millisecond)
	c.AddAck(5 * time.Millisecond)
	c.AddDelivery(9 * time.Millisecond)
	c.AddFailure("network_failure")
	c.AddError()

	assert.Equal(t, 1, c.ConnectionCount())
	assert.Equal(t, 1, c.ErrorCount())
	assert.Equal(t, 1, c.AckCount())

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Connections:  1")
	assert.Contains(t, out, "network_failure")
	assert.Contains(t, out, "Send Ack Latency")
	assert.Contains(t, out, "Delivery Latency")
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { Register(reg) })

	ChunkWaits.WithLabelValues("ready").Inc()
	BytesServed.WithLabelValues("video").Add(10)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["chunkrelay_chunk_waits_total"])
	assert.True(t, names["chunkrelay_bytes_served_total"])

	assert.Panics(t, func() { Register(reg) }, "double registration must fail")
}

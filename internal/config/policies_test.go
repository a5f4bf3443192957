package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicies = `
quotas:
  - name: per-key
    timeUnit: hour
    allow: 1000
    startTime: "2024-01-01T00:00:00Z"
    paths: ["/v1/quotas"]
  - name: minimal
spikeArrests:
  - name: burst
    allow: 20
    bufferSize: 5
`

func TestParsePolicies(t *testing.T) {
	pf, err := ParsePolicies([]byte(samplePolicies))
	require.NoError(t, err)
	require.Len(t, pf.Quotas, 2)
	require.Len(t, pf.SpikeArrests, 1)

	t.Run("explicit values", func(t *testing.T) {
		q := pf.Quotas[0]
		assert.Equal(t, "per-key", q.Name)
		assert.Equal(t, "hour", q.TimeUnit)
		assert.Equal(t, 1, q.Interval)
		assert.Equal(t, int64(1000), q.Allow)
		assert.Equal(t, []string{"/v1/quotas"}, q.Paths)

		start, err := q.Start()
		require.NoError(t, err)
		assert.True(t, start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("defaults", func(t *testing.T) {
		q := pf.Quotas[1]
		assert.Equal(t, "minute", q.TimeUnit)
		assert.Equal(t, 1, q.Interval)
		assert.Equal(t, int64(1), q.Allow)

		start, err := q.Start()
		require.NoError(t, err)
		assert.True(t, start.IsZero())

		s := pf.SpikeArrests[0]
		assert.Equal(t, "second", s.TimeUnit)
		assert.Equal(t, int64(20), s.Allow)
		assert.Equal(t, 5, s.BufferSize)
	})
}

func TestParsePolicies_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing name", "quotas:\n  - allow: 3\n", "name is required"},
		{"duplicate name", "quotas:\n  - name: a\nspikeArrests:\n  - name: a\n", "duplicate"},
		{"bad start", "quotas:\n  - name: a\n    startTime: yesterday\n", "startTime"},
		{"unknown field", "quotas:\n  - name: a\n    limit: 3\n", "limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicies([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParsePolicies_Empty(t *testing.T) {
	pf, err := ParsePolicies(nil)
	require.NoError(t, err)
	assert.Empty(t, pf.Quotas)
	assert.Empty(t, pf.SpikeArrests)
}

func TestLoadPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicies), 0o600))

	pf, err := LoadPolicies(path)
	require.NoError(t, err)
	assert.Len(t, pf.Quotas, 2)

	_, err = LoadPolicies(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

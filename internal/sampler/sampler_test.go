package sampler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitsOverloaded(t *testing.T) {
	tests := []struct {
		name   string
		limits Limits
		r      Reading
		want   bool
	}{
		{"no limits", Limits{}, Reading{LoadAvg: 100, CPUs: 1}, false},
		{"load under", Limits{MaxLoad: 1.0}, Reading{LoadAvg: 3.5, CPUs: 4}, false},
		{"load over", Limits{MaxLoad: 1.0}, Reading{LoadAvg: 4.5, CPUs: 4}, true},
		{"zero cpus treated as one", Limits{MaxLoad: 1.0}, Reading{LoadAvg: 1.5}, true},
		{"memory ok", Limits{MinFreeMemoryMB: 512}, Reading{FreeMemoryMB: 1024}, false},
		{"memory low", Limits{MinFreeMemoryMB: 512}, Reading{FreeMemoryMB: 100}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.limits.Overloaded(tt.r))
		})
	}
}

func TestProcSamplerFixture(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loadavg"),
		[]byte("1.25 0.80 0.50 2/345 6789\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"),
		[]byte("MemTotal:       16384000 kB\nMemFree:         1024000 kB\nMemAvailable:    8192000 kB\n"), 0644))

	fs, err := procfs.NewFS(dir)
	require.NoError(t, err)
	p := &ProcSampler{fs: fs}

	r, err := p.Sample()
	require.NoError(t, err)
	assert.InDelta(t, 1.25, r.LoadAvg, 1e-9)
	assert.Equal(t, uint64(8000), r.FreeMemoryMB)
	assert.Positive(t, r.CPUs)
}

func TestStatic(t *testing.T) {
	s := NewStatic(Reading{LoadAvg: 0.5})
	r, err := s.Sample()
	require.NoError(t, err)
	assert.Equal(t, 0.5, r.LoadAvg)

	s.Set(Reading{LoadAvg: 9})
	r, _ = s.Sample()
	assert.Equal(t, 9.0, r.LoadAvg)
}

func TestDefaultNeverNil(t *testing.T) {
	_, err := Default().Sample()
	assert.NoError(t, err)
}

package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/notargets/IGAdapt/checkpoint"
	"github.com/notargets/IGAdapt/config"
	"github.com/notargets/IGAdapt/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smallConfig = `
mesh:
  subdivisions: [3, 3]
  degree: [1, 1]
  max_level: 2
  quad_points: [2, 2]
marking:
  do_coarsening: true
stopping:
  num_max_iter: 2
time:
  dt: 0.05
  steps: 2
logging:
  level: warn
`

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "igadapt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "igadapt dev\n", out)
}

func TestConfigPrintsEffectiveConfig(t *testing.T) {
	out, _, err := execute(t, "config", "--config", writeConfig(t, smallConfig))
	require.NoError(t, err)
	cfg, err := config.Parse([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, cfg.Mesh.Subdivisions)
	assert.True(t, cfg.Marking.DoCoarsening)
	assert.Equal(t, "truncated", cfg.Space.Strategy)
}

func TestInvalidConfig(t *testing.T) {
	_, _, err := execute(t, "run", "--config", writeConfig(t, "time:\n  dt: -1\n"))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, _, err = execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRunAndResume(t *testing.T) {
	cfgPath := writeConfig(t, smallConfig)
	ckpt := filepath.Join(t.TempDir(), "state.igac")

	out, _, err := execute(t, "run", "--config", cfgPath, "--checkpoint", ckpt)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "step 0 t=0.05 "), lines[0])
	assert.Contains(t, lines[1], "reason=max_iterations")

	snap, err := checkpoint.Load(ckpt)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, snap.Time, 1.e-15)
	sp, err := snap.Restore()
	require.NoError(t, err)
	assert.Len(t, snap.Coeffs, sp.NDOF())

	out, _, err = execute(t, "run", "--config", cfgPath, "--resume", ckpt, "--steps", "1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "step 0 t=0.15 "), out)
}

func TestEstimate(t *testing.T) {
	out, _, err := execute(t, "estimate", "--config", writeConfig(t, smallConfig), "--top", "3")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "flag=elements ndof=16 elements=9 "), lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "  element (0,"), lines[2])
}

func TestEstimateNegativeTop(t *testing.T) {
	out, _, err := execute(t, "estimate", "--config", writeConfig(t, smallConfig), "--top", "-1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 2)
}

// The source position at a given time is the same whether the run was
// interrupted or not, whatever --steps says
func TestResumeKeepsSourceTiming(t *testing.T) {
	body := strings.Replace(smallConfig, "steps: 2", "steps: 10", 1)
	cfgPath := writeConfig(t, body)
	ckpt := filepath.Join(t.TempDir(), "state.igac")
	_, _, err := execute(t, "run", "--config", cfgPath, "--steps", "2", "--checkpoint", ckpt)
	require.NoError(t, err)

	snap, err := checkpoint.Load(ckpt)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, snap.Time, 1.e-15)
	assert.InDelta(t, 0.5, snap.Duration, 1.e-15)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	log := utils.NewTextLogger(io.Discard, utils.ParseLevel("error"))
	whole, err := build(cfg, log, nil)
	require.NoError(t, err)

	// a config edited between runs does not move the source of a resumed run
	cfg.Time.Steps = 2
	resumed, err := build(cfg, log, snap)
	require.NoError(t, err)

	want := []float64{0.38, 0.5}
	for _, p := range []*pipeline{whole, resumed} {
		got := p.problem.SourcePosition(0.15)
		require.Len(t, got, 2)
		assert.InDelta(t, want[0], got[0], 1.e-12)
		assert.InDelta(t, want[1], got[1], 1.e-12)
	}
	assert.InDelta(t, 0.1, resumed.solver.Time, 1.e-15)

	out, _, err := execute(t, "run", "--config", cfgPath, "--resume", ckpt, "--steps", "1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "step 0 t=0.15 "), out)
}

func TestJSONLogging(t *testing.T) {
	cfg := smallConfig + "  format: json\n"
	_, stderr, err := execute(t, "estimate", "--config", writeConfig(t, cfg), "--log-level", "info")
	require.NoError(t, err)
	assert.Contains(t, stderr, `"msg":"pipeline ready"`)
}

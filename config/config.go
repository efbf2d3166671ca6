package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/notargets/IGAdapt/adapt"
	"github.com/notargets/IGAdapt/estimator"
	"github.com/notargets/IGAdapt/hspace"
	"github.com/notargets/IGAdapt/marker"
	"github.com/notargets/IGAdapt/mesh"
	"github.com/notargets/IGAdapt/partitions"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate and wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full run configuration
type Config struct {
	Mesh      MeshConfig      `yaml:"mesh"`
	Space     SpaceConfig     `yaml:"space"`
	Estimator EstimatorConfig `yaml:"estimator"`
	Marking   MarkingConfig   `yaml:"marking"`
	Stopping  StoppingConfig  `yaml:"stopping"`
	Problem   ProblemConfig   `yaml:"problem"`
	Time      TimeConfig      `yaml:"time"`
	Solver    SolverConfig    `yaml:"solver"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MeshConfig describes the level-0 mesh and the spline degree
type MeshConfig struct {
	Subdivisions []int     `yaml:"subdivisions"`
	Degree       []int     `yaml:"degree"`
	Lo           []float64 `yaml:"lo"`
	Hi           []float64 `yaml:"hi"`
	MaxLevel     int       `yaml:"max_level"`
	QuadPoints   []int     `yaml:"quad_points"`
}

// SpaceConfig selects the hierarchical basis
type SpaceConfig struct {
	Strategy string `yaml:"strategy"` // standard | truncated
}

// EstimatorConfig selects the estimator variant
type EstimatorConfig struct {
	Flag          string  `yaml:"flag"` // elements | functions
	C0            float64 `yaml:"c0_est"`
	Workers       int     `yaml:"workers"`
	Partition     string  `yaml:"partition"`      // block | round_robin | weighted
	PartitionSize int     `yaml:"partition_size"` // Elements per partition when workers is 0
}

// MarkingConfig is the adaptivity policy
type MarkingConfig struct {
	Strategy             string  `yaml:"strategy"` // MS | GR | GERS
	MarkParam            float64 `yaml:"mark_param"`
	MarkParamCoarsening  float64 `yaml:"mark_param_coarsening"`
	CoarseningRelaxation float64 `yaml:"coarsening_relaxation"`
	MarkNeighbours       bool    `yaml:"mark_neighbours"`
	NeighbourPasses      int     `yaml:"neighbour_passes"`
	DoCoarsening         bool    `yaml:"do_coarsening"`
}

// StoppingConfig holds the loop limits
type StoppingConfig struct {
	NumMaxIter int     `yaml:"num_max_iter"`
	MaxNDOF    int     `yaml:"max_ndof"`
	MaxNel     int     `yaml:"max_nel"`
	Tol        float64 `yaml:"tol"`
}

// ProblemConfig parameterises the reference heat problem
type ProblemConfig struct {
	K0        float64   `yaml:"k0"`
	K1        float64   `yaml:"k1"`
	Rho       float64   `yaml:"rho"`
	Cp        float64   `yaml:"cp"`
	Power     float64   `yaml:"power"`
	Sigma     float64   `yaml:"sigma"`
	PathStart []float64 `yaml:"path_start"`
	PathEnd   []float64 `yaml:"path_end"`
	Duration  float64   `yaml:"duration"` // Path traversal time, time.dt*time.steps when 0
	U0        float64   `yaml:"u0"`
}

// TimeConfig controls time stepping
type TimeConfig struct {
	Dt    float64 `yaml:"dt"`
	Steps int     `yaml:"steps"`
}

// SolverConfig controls the Picard iteration
type SolverConfig struct {
	PicardTol     float64 `yaml:"picard_tol"`
	PicardMaxIter int     `yaml:"picard_max_iter"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// Default returns a 2D configuration for the moving source problem
func Default() Config {
	return Config{
		Mesh: MeshConfig{
			Subdivisions: []int{4, 4},
			Degree:       []int{2, 2},
			Lo:           []float64{0, 0},
			Hi:           []float64{1, 1},
			MaxLevel:     4,
			QuadPoints:   []int{3, 3},
		},
		Space:     SpaceConfig{Strategy: "truncated"},
		Estimator: EstimatorConfig{Flag: "elements", C0: 1, Partition: "weighted"},
		Marking: MarkingConfig{
			Strategy:             "MS",
			MarkParam:            0.5,
			MarkParamCoarsening:  0.05,
			CoarseningRelaxation: 1,
			NeighbourPasses:      1,
		},
		Stopping: StoppingConfig{NumMaxIter: 6, MaxNDOF: 20000, MaxNel: 20000, Tol: 1.e-4},
		Problem: ProblemConfig{
			K0: 1, K1: 0.01, Rho: 1, Cp: 1,
			Power: 100, Sigma: 0.05,
			PathStart: []float64{0.2, 0.5},
			PathEnd:   []float64{0.8, 0.5},
		},
		Time:    TimeConfig{Dt: 0.01, Steps: 10},
		Solver:  SolverConfig{PicardTol: 1.e-8, PicardMaxIter: 20},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over the defaults and validates the result
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (cfg Config, err error) {
	cfg = Default()
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, cfg.Validate()
}

// Marshal encodes the configuration as YAML
func (c Config) Marshal() ([]byte, error) { return yaml.Marshal(c) }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks ranges and cross-field consistency
func (c Config) Validate() error {
	d := len(c.Mesh.Subdivisions)
	switch {
	case d < 1 || d > 3:
		return invalid("mesh.subdivisions must have 1 to 3 entries, got %d", d)
	case len(c.Mesh.Degree) != d:
		return invalid("mesh.degree has %d entries, expected %d", len(c.Mesh.Degree), d)
	case len(c.Mesh.Lo) != d || len(c.Mesh.Hi) != d:
		return invalid("mesh.lo and mesh.hi must have %d entries", d)
	case len(c.Mesh.QuadPoints) != 0 && len(c.Mesh.QuadPoints) != d:
		return invalid("mesh.quad_points has %d entries, expected %d", len(c.Mesh.QuadPoints), d)
	case c.Mesh.MaxLevel < 0:
		return invalid("mesh.max_level must be >= 0")
	}
	for k := 0; k < d; k++ {
		switch {
		case c.Mesh.Subdivisions[k] < 1:
			return invalid("mesh.subdivisions[%d] must be >= 1", k)
		case c.Mesh.Degree[k] < 1:
			return invalid("mesh.degree[%d] must be >= 1", k)
		case c.Mesh.Hi[k] <= c.Mesh.Lo[k]:
			return invalid("mesh.hi[%d] must exceed mesh.lo[%d]", k, k)
		}
	}
	if _, err := hspace.ParseStrategy(c.Space.Strategy); err != nil {
		return invalid("space.strategy: %v", err)
	}
	if _, err := estimator.ParseFlag(c.Estimator.Flag); err != nil {
		return invalid("estimator.flag: %v", err)
	}
	if _, err := partitions.ParsePartitionStrategy(c.Estimator.Partition); err != nil {
		return invalid("estimator.partition: %v", err)
	}
	switch {
	case c.Estimator.C0 <= 0:
		return invalid("estimator.c0_est must be > 0")
	case c.Estimator.Workers < 0 || c.Estimator.PartitionSize < 0:
		return invalid("estimator.workers and partition_size must be >= 0")
	}
	mst, err := marker.ParseStrategy(c.Marking.Strategy)
	if err != nil {
		return invalid("marking.strategy: %v", err)
	}
	m := c.Marking
	switch {
	case m.MarkParam < 0 || m.MarkParam > 1:
		return invalid("marking.mark_param must be in [0,1]")
	case m.MarkParamCoarsening < 0 || m.MarkParamCoarsening > 1:
		return invalid("marking.mark_param_coarsening must be in [0,1]")
	case m.DoCoarsening && mst != marker.Dorfler && m.MarkParamCoarsening >= m.MarkParam:
		return invalid("marking.mark_param_coarsening must be below mark_param")
	case m.CoarseningRelaxation < 0:
		return invalid("marking.coarsening_relaxation must be >= 0")
	case m.NeighbourPasses < 0:
		return invalid("marking.neighbour_passes must be >= 0")
	}
	s := c.Stopping
	switch {
	case s.NumMaxIter < 1:
		return invalid("stopping.num_max_iter must be >= 1")
	case s.MaxNDOF < 0 || s.MaxNel < 0:
		return invalid("stopping.max_ndof and max_nel must be >= 0")
	case s.Tol < 0:
		return invalid("stopping.tol must be >= 0")
	}
	p := c.Problem
	switch {
	case p.K0 <= 0:
		return invalid("problem.k0 must be > 0")
	case p.Rho <= 0 || p.Cp <= 0:
		return invalid("problem.rho and problem.cp must be > 0")
	case p.Sigma <= 0:
		return invalid("problem.sigma must be > 0")
	case len(p.PathStart) != d || len(p.PathEnd) != d:
		return invalid("problem.path_start and path_end must have %d entries", d)
	case p.Duration < 0:
		return invalid("problem.duration must be >= 0")
	}
	switch {
	case c.Time.Dt <= 0:
		return invalid("time.dt must be > 0")
	case c.Time.Steps < 1:
		return invalid("time.steps must be >= 1")
	case c.Solver.PicardMaxIter < 1:
		return invalid("solver.picard_max_iter must be >= 1")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return invalid("logging.format must be text or json")
	}
	return nil
}

// MeshOptions converts the mesh section
func (c Config) MeshOptions() mesh.Options {
	return mesh.Options{
		Subdivisions: c.Mesh.Subdivisions,
		Geometry:     mesh.Box{Lo: c.Mesh.Lo, Hi: c.Mesh.Hi},
		MaxLevel:     c.Mesh.MaxLevel,
		QuadPoints:   c.Mesh.QuadPoints,
	}
}

// Strategy returns the basis strategy; the config must be valid
func (c Config) Strategy() hspace.Strategy {
	st, _ := hspace.ParseStrategy(c.Space.Strategy)
	return st
}

// EstimatorOptions converts the estimator section
func (c Config) EstimatorOptions() estimator.Options {
	flag, _ := estimator.ParseFlag(c.Estimator.Flag)
	ps, _ := partitions.ParsePartitionStrategy(c.Estimator.Partition)
	return estimator.Options{
		Flag:          flag,
		C0:            c.Estimator.C0,
		Workers:       c.Estimator.Workers,
		Partition:     ps,
		PartitionSize: c.Estimator.PartitionSize,
	}
}

// SourceDuration is the time the source takes to travel its path:
// problem.duration, or time.dt*time.steps of the configured run
func (c Config) SourceDuration() float64 {
	if c.Problem.Duration > 0 {
		return c.Problem.Duration
	}
	return c.Time.Dt * float64(c.Time.Steps)
}

// MarkerOptions converts the marking section
func (c Config) MarkerOptions() marker.Options {
	st, _ := marker.ParseStrategy(c.Marking.Strategy)
	return marker.Options{
		Strategy:            st,
		MarkParam:           c.Marking.MarkParam,
		MarkParamCoarsening: c.Marking.MarkParamCoarsening,
		Relaxation:          c.Marking.CoarseningRelaxation,
		DoCoarsening:        c.Marking.DoCoarsening,
		MarkNeighbours:      c.Marking.MarkNeighbours,
		NeighbourPasses:     c.Marking.NeighbourPasses,
	}
}

// Limits converts the stopping section
func (c Config) Limits() adapt.Limits {
	return adapt.Limits{
		NumMaxIter:  c.Stopping.NumMaxIter,
		MaxNDOF:     c.Stopping.MaxNDOF,
		MaxElements: c.Stopping.MaxNel,
		Tol:         c.Stopping.Tol,
	}
}

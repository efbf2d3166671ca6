package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/notargets/IGAdapt/adapt"
	"github.com/notargets/IGAdapt/checkpoint"
	"github.com/notargets/IGAdapt/config"
	"github.com/notargets/IGAdapt/estimator"
	"github.com/notargets/IGAdapt/heat"
	"github.com/notargets/IGAdapt/hspace"
	"github.com/notargets/IGAdapt/marker"
	"github.com/notargets/IGAdapt/mesh"
	"github.com/notargets/IGAdapt/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var version = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "igadapt",
		Short: "Adaptive hierarchical isogeometric refinement",
		Long: `igadapt runs the SOLVE → ESTIMATE → MARK → REFINE/COARSEN loop on a
hierarchical B-spline space, using a moving source heat problem as the solver.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML configuration file (defaults when empty)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override logging.level")
	root.AddCommand(newRunCmd(g), newEstimateCmd(g), newConfigCmd(g), newVersionCmd())
	return root
}

func (g *globalFlags) load() (cfg config.Config, err error) {
	if g.configPath == "" {
		cfg = config.Default()
		err = cfg.Validate()
	} else {
		cfg, err = config.Load(g.configPath)
	}
	if err != nil {
		return
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return
}

func newLogger(cfg config.Config, w io.Writer) *utils.Logger {
	level := utils.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.Format == "json" {
		return utils.NewJSONLogger(w, level)
	}
	return utils.NewTextLogger(w, level)
}

// pipeline is one fully wired adaptive run
type pipeline struct {
	space    *hspace.Space
	problem  *heat.Problem
	solver   *heat.Solver
	loop     *adapt.Loop
	registry *prometheus.Registry
}

// build wires the run from cfg, starting from a checkpoint when snap is set.
// A resumed run keeps the source path timing recorded in the checkpoint.
func build(cfg config.Config, log *utils.Logger, snap *checkpoint.Snapshot) (p *pipeline, err error) {
	p = &pipeline{registry: prometheus.NewRegistry()}
	duration := cfg.SourceDuration()
	if snap != nil {
		if snap.Duration > 0 {
			duration = snap.Duration
		}
		if p.space, err = snap.Restore(); err != nil {
			return nil, err
		}
	} else {
		var hm *mesh.HierarchicalMesh
		if hm, err = mesh.NewHierarchicalMesh(cfg.MeshOptions()); err != nil {
			return nil, err
		}
		if p.space, err = hspace.New(hm, cfg.Mesh.Degree, cfg.Strategy()); err != nil {
			return nil, err
		}
	}
	pc := cfg.Problem
	p.problem = &heat.Problem{
		K0: pc.K0, K1: pc.K1, Rho: pc.Rho, Cp: pc.Cp,
		Power: pc.Power, Sigma: pc.Sigma,
		PathStart: pc.PathStart, PathEnd: pc.PathEnd,
		Duration: duration,
		U0:       pc.U0,
	}
	p.solver, err = heat.NewSolver(p.problem, p.space, heat.Options{
		Dt:            cfg.Time.Dt,
		PicardTol:     cfg.Solver.PicardTol,
		PicardMaxIter: cfg.Solver.PicardMaxIter,
	})
	if err != nil {
		return nil, err
	}
	if snap != nil && len(snap.Coeffs) != 0 {
		if err = p.solver.Reset(p.space, snap.Coeffs, snap.Time); err != nil {
			return nil, err
		}
	}
	p.loop = &adapt.Loop{
		Space:     p.space,
		Solver:    p.solver,
		Estimator: estimator.New(p.space, p.problem, cfg.EstimatorOptions()),
		Marker:    marker.New(cfg.MarkerOptions()),
		Limits:    cfg.Limits(),
		Logger:    log,
		Metrics:   adapt.NewPrometheusMetrics(p.registry),
	}
	log.Info("pipeline ready", "space", p.space.Strategy.Name(), "ndof", p.space.NDOF(),
		"elements", p.space.Mesh.NumActive(), "levels", p.space.NumLevels())
	return
}

func serveMetrics(addr string, reg *prometheus.Registry, log *utils.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		steps       int
		resume      string
		save        string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Time-step the heat problem, adapting the space every step",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := g.load()
			if err != nil {
				return
			}
			n := cfg.Time.Steps
			if steps > 0 {
				n = steps
			}
			log := newLogger(cfg, cmd.ErrOrStderr())
			var snap *checkpoint.Snapshot
			if resume != "" {
				if snap, err = checkpoint.Load(resume); err != nil {
					return fmt.Errorf("resume: %w", err)
				}
			}
			p, err := build(cfg, log, snap)
			if err != nil {
				return
			}
			if metricsAddr != "" {
				defer serveMetrics(metricsAddr, p.registry, log)()
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			out, err := heat.Run(ctx, p.loop, p.solver, n)
			w := cmd.OutOrStdout()
			for _, st := range out {
				last := st.Report.Iterations[len(st.Report.Iterations)-1]
				fmt.Fprintf(w, "step %d t=%.6g ndof=%d elements=%d levels=%d max_estimate=%.4e reason=%s\n",
					st.Step, st.Time, last.NDOF, last.NumElements, last.NumLevels, last.MaxEstimate, st.Report.Reason)
			}
			if err != nil {
				return
			}
			if save != "" && len(out) > 0 {
				var final *checkpoint.Snapshot
				u := out[len(out)-1].Report.Solution.U
				if final, err = checkpoint.Capture(p.space, p.solver.Time, u); err != nil {
					return
				}
				final.Duration = p.problem.Duration
				if err = checkpoint.Save(save, final); err != nil {
					return fmt.Errorf("save checkpoint: %w", err)
				}
				log.Info("checkpoint written", "path", save, "time", p.solver.Time)
			}
			return
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of time steps to run, time.steps when 0; the source path timing is unchanged")
	cmd.Flags().StringVar(&resume, "resume", "", "continue from a checkpoint file")
	cmd.Flags().StringVar(&save, "checkpoint", "", "write the final state to this file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}

func newEstimateCmd(g *globalFlags) *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Solve one time step on the initial mesh and report the error indicators",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := g.load()
			if err != nil {
				return
			}
			p, err := build(cfg, newLogger(cfg, cmd.ErrOrStderr()), nil)
			if err != nil {
				return
			}
			sol, err := p.solver.Solve(cmd.Context(), p.space)
			if err != nil {
				return
			}
			res, err := p.loop.Estimator.Estimate(cmd.Context(), sol)
			if err != nil {
				return
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "flag=%s ndof=%d elements=%d picard_iterations=%d\n",
				res.Flag, p.space.NDOF(), p.space.Mesh.NumActive(), p.solver.Iterations)
			fmt.Fprintf(w, "global=%.6e max=%.6e max_source=%.6e partitions=%d imbalance=%.3f\n",
				res.Global, res.Max, res.MaxSource, res.Balance.NumPartitions, res.Balance.Imbalance)

			order := make([]int, len(res.Values))
			for i := range order {
				order[i] = i
			}
			sort.SliceStable(order, func(a, b int) bool { return res.Values[order[a]] > res.Values[order[b]] })
			top = max(0, min(top, len(order)))
			for _, i := range order[:top] {
				if res.Flag == estimator.Elements {
					fmt.Fprintf(w, "  element %v %.6e\n", res.Elements[i], res.Values[i])
				} else {
					fmt.Fprintf(w, "  function %d %.6e\n", i, res.Values[i])
				}
			}
			return
		},
	}
	cmd.Flags().IntVar(&top, "top", 5, "number of largest indicators to print")
	return cmd
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "igadapt %s\n", version)
		},
	}
}

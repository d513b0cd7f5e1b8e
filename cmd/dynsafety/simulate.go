package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/config"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/db"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/report"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/sim"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/supervisor"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/visualiser"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

type simulateOptions struct {
	root *rootOptions

	duration    float64
	obstacle    []float64
	radius      float64
	offset      []float64
	obstacleAt  float64
	timeout     time.Duration
	store       string
	listen      string
	debugListen string
	reportDir   string
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	o := &simulateOptions{root: root}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the supervisor in real time against a simulated robot and obstacle",
		Long: `simulate moves the first joint from 0 to 1 over --duration seconds while an
obstacle sits at --obstacle in joint space. The supervisor slows, stops or
replans around it; the run is recorded to --store and charted to --report-dir.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return o.run(ctx, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.Float64Var(&o.duration, "duration", 4, "Nominal trajectory duration in seconds")
	f.Float64SliceVar(&o.obstacle, "obstacle", []float64{0.5}, "Obstacle centre in joint space (missing joints are 0)")
	f.Float64Var(&o.radius, "radius", 0.06, "Obstacle radius in joint space")
	f.Float64SliceVar(&o.offset, "offset", []float64{0, 0.5}, "Detour offset applied by the planner")
	f.Float64Var(&o.obstacleAt, "obstacle-at", 0, "Seconds after start the obstacle appears; negative disables it")
	f.DurationVar(&o.timeout, "timeout", time.Minute, "Abort the run after this long")
	f.StringVar(&o.store, "store", "", "SQLite event store path (overrides store.path)")
	f.StringVar(&o.listen, "listen", "", "HTTP listen address for the run API and /debug/ admin routes (requires a store)")
	f.StringVar(&o.debugListen, "debug-listen", "", "Visualiser gRPC listen address (overrides visualizer.listen_addr)")
	f.StringVar(&o.reportDir, "report-dir", "", "Write latency and scale charts to this directory")
	return cmd
}

func (o *simulateOptions) run(ctx context.Context, out io.Writer) error {
	cfg, err := o.root.loadConfig()
	if err != nil {
		return err
	}
	if o.store != "" {
		if cfg.Store == nil {
			cfg.Store = &config.StoreConfig{}
		}
		cfg.Store.Path = &o.store
	}
	debugAddr := o.debugListen
	if debugAddr == "" && cfg.GetVisualize() {
		debugAddr = cfg.GetVisualizerListenAddr()
	}
	if debugAddr != "" {
		visualize := true
		cfg.Visualize = &visualize
	}

	names := jointNames(cfg)
	n := len(names)
	goal := make([]float64, n)
	goal[0] = 1
	nominal := sim.LinearTrajectory(names, make([]float64, n), goal, o.duration, cfg.GetCheckerStep())

	checker := sim.NewObstacleChecker(pad(o.obstacle, n), o.radius)
	exec := sim.NewExecutor(1, nil)
	planner, err := plannerByName(cfg.GetPlanner(), pad(o.offset, n))
	if err != nil {
		return err
	}
	deps := supervisor.Deps{Checker: checker, Consumer: exec, Planner: planner}

	var store *db.DB
	var rec *db.Recorder
	if path := cfg.GetStorePath(); path != "" {
		store, err = db.NewDB(path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()
		rec = db.NewRecorder(store, db.DefaultRecorderBuffer)
		defer rec.Close()
		deps.Events = rec
	}

	if debugAddr != "" {
		pub := visualiser.NewPublisher(visualiser.Config{
			ListenAddr:       debugAddr,
			PublishFrequency: cfg.GetPublishFrequency(),
			SampleStep:       cfg.GetVisualizerStep(),
			MaxClients:       visualiser.DefaultConfig().MaxClients,
		})
		if err := pub.Start(); err != nil {
			return err
		}
		defer pub.Stop()
		deps.Debug = pub
	}

	if o.listen != "" {
		if store == nil {
			return errors.New("--listen requires a store")
		}
		handler, err := adminHandler(store, o.reportDir)
		if err != nil {
			return err
		}
		srv := &http.Server{Addr: o.listen, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				safety.Opsf("admin server: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		safety.Diagf("run API on http://%s/api/runs, admin routes on /debug/", o.listen)
	}

	sup := supervisor.New(deps)
	exec.SetSink(sup)
	if err := sup.Configure(cfg); err != nil {
		return err
	}
	exec.SetRate(sup.Rate())
	exec.Load(nominal)
	if err := sup.AddTrajectory(nominal); err != nil {
		return err
	}
	if err := sup.Start(); err != nil {
		return err
	}
	runID := sup.RunID()
	fmt.Fprintf(out, "run %s: %d joints, %.1fs trajectory at %.1f Hz\n", runID, n, o.duration, sup.Rate())

	outcome := o.drive(ctx, sup, exec)
	sup.Stop()
	if rec != nil {
		rec.Close()
	}

	summary := sup.Stats().Summary()
	fmt.Fprintf(out, "run %s %s: t=%.3fs scale=%.3f replans=%d\n", runID, outcome, exec.Time(), sup.Scale(), exec.Accepted())
	fmt.Fprintf(out, "tick stats: %s\n", summary)
	if rec != nil && (rec.Dropped() > 0 || rec.Failed() > 0) {
		safety.Opsf("event store dropped %d and failed %d events", rec.Dropped(), rec.Failed())
	}

	if o.reportDir != "" {
		if err := os.MkdirAll(o.reportDir, 0o755); err != nil {
			return err
		}
		period := time.Duration(float64(time.Second) / sup.Rate())
		latency := filepath.Join(o.reportDir, "latency.png")
		if err := report.LatencyHistogram(sup.Stats().Latencies(), period, latency); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", latency)
		if store != nil {
			if err := writeRunReports(store, runID, o.reportDir, out); err != nil {
				return err
			}
		}
	}
	if outcome == outcomeTimeout {
		return fmt.Errorf("run %s did not complete within %v", runID, o.timeout)
	}
	return nil
}

const (
	outcomeCompleted = "completed"
	outcomeCancelled = "cancelled"
	outcomeTimeout   = "timed out"
)

// drive switches the obstacle on and waits for the motion to finish.
func (o *simulateOptions) drive(ctx context.Context, sup *supervisor.Supervisor, exec *sim.Executor) string {
	start := time.Now()
	deadline := time.NewTimer(o.timeout)
	defer deadline.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()

	obstacleOn := o.obstacleAt < 0
	for {
		if !obstacleOn && time.Since(start).Seconds() >= o.obstacleAt {
			sup.UpdateEnvironment(trajectory.JointState{
				Names:      []string{sim.ObstacleJoint},
				Positions:  []float64{1},
				StampNanos: time.Now().UnixNano(),
			})
			safety.Diagf("obstacle active after %v", time.Since(start).Round(time.Millisecond))
			obstacleOn = true
		}
		if exec.Done() {
			return outcomeCompleted
		}
		select {
		case <-ctx.Done():
			return outcomeCancelled
		case <-deadline.C:
			return outcomeTimeout
		case <-poll.C:
		}
	}
}

// jointNames returns the configured joints in order, or two default joints.
func jointNames(cfg *config.SafetyConfig) []string {
	limits := cfg.GetJointLimits()
	if len(limits) == 0 {
		return []string{"joint_1", "joint_2"}
	}
	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func pad(v []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, v)
	return out
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sarchlab/cpring/config"
	"github.com/sarchlab/cpring/datarecording"
	"github.com/sarchlab/cpring/device"
	"github.com/sarchlab/cpring/fakegpu"
	"github.com/sarchlab/cpring/monitoring"
	"github.com/sarchlab/cpring/pm4"
	"github.com/sarchlab/cpring/snapshot"
	"github.com/sarchlab/cpring/timing"
	"github.com/sarchlab/cpring/tracing"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// simulateOptions are the flags of the simulate command.
type simulateOptions struct {
	contexts    int
	submissions int
	ibSize      uint32
	hangContext int
	hangAt      int
	persistent  bool
	preamble    bool
	family      string
	record      string
	monitor     int
	config      string
	verbose     bool
}

func newSimulateCommand() *cobra.Command {
	opts := simulateOptions{}

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run clients against a simulated GPU and inject a hang.",
		Long: "`simulate` builds a simulated GPU, lets one client per context " +
			"submit indirect buffers concurrently, makes one of the buffers " +
			"hang the command processor and reports how the device recovered.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulation(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	f := simulateCmd.Flags()
	f.IntVar(&opts.contexts, "contexts", 3, "number of contexts, one client each")
	f.IntVar(&opts.submissions, "submissions", 20, "submissions per client")
	f.Uint32Var(&opts.ibSize, "ib-size", 16, "indirect buffer size in words")
	f.IntVar(&opts.hangContext, "hang-context", 1,
		"client (1-based) whose buffer hangs the GPU, 0 for none")
	f.IntVar(&opts.hangAt, "hang-at", 5,
		"submission (1-based) of that client that hangs the GPU")
	f.BoolVar(&opts.persistent, "persistent", false,
		"keep the hanging buffer faulty across restarts")
	f.BoolVar(&opts.preamble, "preamble", false,
		"create contexts that use a preamble")
	f.StringVar(&opts.family, "family", "a3xx", "GPU family, a2xx or a3xx")
	f.StringVar(&opts.record, "record", "",
		"record tasks, recoveries and snapshots to PATH.sqlite3")
	f.IntVar(&opts.monitor, "monitor", 0,
		"serve the monitor on this port and keep running until interrupted")
	f.StringVar(&opts.config, "config", "", "device configuration YAML file")
	f.BoolVar(&opts.verbose, "verbose", false, "log every submission")

	return simulateCmd
}

func (o simulateOptions) validate() error {
	if o.contexts < 1 {
		return fmt.Errorf("need at least one context, got %d", o.contexts)
	}

	if o.submissions < 1 {
		return fmt.Errorf("need at least one submission, got %d", o.submissions)
	}

	if o.ibSize < 2 || o.ibSize%2 != 0 {
		return fmt.Errorf("ib size %d must be even and at least 2", o.ibSize)
	}

	if o.hangContext < 0 || o.hangContext > o.contexts {
		return fmt.Errorf("hang context %d is not a client", o.hangContext)
	}

	if o.hangContext > 0 && (o.hangAt < 1 || o.hangAt > o.submissions) {
		return fmt.Errorf("hang submission %d is out of range", o.hangAt)
	}

	return nil
}

// simulation is one run of the simulate command.
type simulation struct {
	opts     simulateOptions
	logger   *log.Logger
	engine   *timing.SerialEngine
	clock    *timing.SimClock
	gpu      *fakegpu.GPU
	dev      *device.Device
	registry *prometheus.Registry
	recorder datarecording.DataRecorder
	monitor  *monitoring.Monitor

	recoveryTime  *tracing.AverageTimeTracer
	recoverySteps *tracing.StepCountTracer

	clients []*client
}

func runSimulation(
	ctx context.Context,
	opts simulateOptions,
	out io.Writer,
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := opts.validate(); err != nil {
		return err
	}

	s := &simulation{
		opts:   opts,
		logger: log.New(os.Stderr, "cpring: ", log.Ltime|log.Lmicroseconds),
	}

	if err := s.build(); err != nil {
		return err
	}
	defer s.close()

	if err := s.run(ctx); err != nil {
		return err
	}

	writeSimulationReport(out, s)

	if s.monitor != nil {
		waitForInterrupt(ctx)
	}

	return nil
}

func (s *simulation) build() error {
	cfg, err := config.Load(s.opts.config)
	if err != nil {
		return err
	}

	chip, err := fakegpu.ChipForFamily(s.opts.family)
	if err != nil {
		return err
	}

	s.engine = timing.NewSerialEngine()
	s.clock = timing.NewSimClock(s.engine, timing.GHz)

	s.gpu, err = fakegpu.MakeBuilder().
		WithEngine(s.engine).
		WithChipID(chip).
		Build("GPU")
	if err != nil {
		return err
	}

	sinks := []snapshot.Sink{snapshot.LogSink{Logger: s.logger}}

	if s.opts.record != "" {
		s.recorder, err = datarecording.New(s.opts.record)
		if err != nil {
			return err
		}

		sinks = append(sinks, snapshot.NewRecorderSink(s.recorder))
	}

	s.dev, err = device.MakeBuilder().
		WithConfig(cfg).
		WithRegisters(s.gpu).
		WithFirmwareLoader(s.gpu).
		WithPower(s.gpu).
		WithMMU(s.gpu).
		WithAllocator(s.gpu.Allocator()).
		WithClock(s.clock).
		WithLogger(s.logger).
		WithSnapshotSinks(sinks...).
		Build("GPU")
	if err != nil {
		return err
	}

	s.gpu.OnInterrupt(s.dev.HandleInterrupt)
	s.attachHooks()

	if s.opts.monitor != 0 {
		s.monitor = monitoring.NewMonitor().
			WithPortNumber(s.opts.monitor).
			WithGatherer(s.registry)
		s.monitor.RegisterDevice(s.dev)

		if _, err := s.monitor.StartServer(); err != nil {
			return err
		}
	}

	return s.dev.Start()
}

func (s *simulation) attachHooks() {
	s.dev.AcceptHook(tracing.NewLogHook(s.logger, s.opts.verbose))

	s.registry = prometheus.NewRegistry()
	s.dev.AcceptHook(tracing.NewMetricsHook(s.registry))

	recoveries := tracing.KindFilter(tracing.KindRecovery)
	s.recoveryTime = tracing.NewAverageTimeTracer(s.clock, recoveries)
	s.recoverySteps = tracing.NewStepCountTracer(recoveries)
	tracing.CollectTrace(s.dev, s.recoveryTime)
	tracing.CollectTrace(s.dev, s.recoverySteps)

	if s.recorder != nil {
		tracing.CollectTrace(s.dev, tracing.NewDBTracer(s.clock, s.recorder, nil))
	}
}

func (s *simulation) run(ctx context.Context) error {
	flags := device.FlagPerContextTimestamps
	if s.opts.preamble {
		flags |= device.FlagPreamble
	}

	for i := 1; i <= s.opts.contexts; i++ {
		id, err := s.dev.CreateContext(flags, uint32(0x1000*i))
		if err != nil {
			return err
		}

		c := &client{index: i, context: id, sim: s}

		if s.monitor != nil {
			c.progress = s.monitor.CreateProgressBar(
				fmt.Sprintf("context %d", id), uint64(s.opts.submissions))
		}

		s.clients = append(s.clients, c)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.clients {
		g.Go(func() error {
			return c.run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.dev.Idle(); err != nil && !errors.Is(err, device.ErrDeviceHung) {
		return err
	}

	return nil
}

func (s *simulation) close() {
	if s.monitor != nil {
		_ = s.monitor.StopServer(context.Background())
	}

	if s.dev != nil {
		s.dev.Close()
	}

	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.logger.Printf("closing recording: %v", err)
		}
	}
}

// newIB allocates an indirect buffer filled with nops.
func (s *simulation) newIB() (device.IB, error) {
	size := s.opts.ibSize

	desc, err := s.gpu.Allocator().Alloc(size * 4)
	if err != nil {
		return device.IB{}, err
	}

	for i := uint32(0); i < size; i += 2 {
		desc.WriteWords(i*4, []uint32{pm4.NopPacket(1), 0})
	}

	return device.IB{GPUAddr: desc.GPUAddr, SizeDwords: size}, nil
}

func waitForInterrupt(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	fmt.Fprintln(os.Stderr, "Press Ctrl+C to stop the monitor.")
	<-ctx.Done()
}

// client submits the work of one context.
type client struct {
	index    int
	context  uint32
	sim      *simulation
	progress *monitoring.ProgressBar

	submitted int
	lastTS    uint32
	outcome   error
}

func (c *client) hangs(submission int) bool {
	o := c.sim.opts
	return o.hangContext == c.index && o.hangAt == submission
}

// run submits every buffer of the client and waits for each to retire. A
// quarantined context or a hung device ends the client without failing the
// simulation.
func (c *client) run(ctx context.Context) error {
	good, err := c.sim.newIB()
	if err != nil {
		return err
	}

	for k := 1; k <= c.sim.opts.submissions; k++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		ib := good
		if c.hangs(k) {
			if ib, err = c.sim.newIB(); err != nil {
				return err
			}

			c.sim.gpu.InjectIBFault(ib.GPUAddr, c.sim.opts.persistent)
		}

		if c.progress != nil {
			c.progress.IncrementInProgress(1)
		}

		ts, err := c.sim.dev.IssueIBs(c.context, []device.IB{ib}, 0)
		if err == nil {
			err = c.sim.dev.Wait(c.context, ts, device.TimeoutDefault)
		}

		if c.progress != nil {
			c.progress.MoveInProgressToFinished(1)
		}

		switch {
		case err == nil:
			c.submitted++
			c.lastTS = ts
		case errors.Is(err, device.ErrDeadlock),
			errors.Is(err, device.ErrDeviceHung):
			c.outcome = err
			return nil
		default:
			return fmt.Errorf("client %d: %w", c.index, err)
		}
	}

	return nil
}

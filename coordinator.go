package offload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/offload/assets"
	"github.com/e7canasta/orion-care-sensor/modules/offload/engine"
)

// DefaultServiceName is the remote service offloaded inferences go to.
const DefaultServiceName = "mobilenet_v1_1.0_224_quant"

// Config configures a Coordinator.
type Config struct {
	// ServiceName is looked up in the registry for offloaded inferences.
	ServiceName string
	// ModelPath is the model file for local inference, relative to the asset root.
	ModelPath string
	// Framework is the tensor_filter framework (default tensorflow-lite).
	Framework string
	// LocalIP is this device's address, used as the query client host.
	LocalIP string
	// OffloadTimeout bounds one remote query (default 1s). An offloaded
	// request without a result after twice this long is expired.
	OffloadTimeout time.Duration
	// LocalTimeout expires a local request without a result (default 5s).
	LocalTimeout time.Duration
	// CompletionBuffer is the capacity of the completion channel (default 16).
	CompletionBuffer int
}

// Dependencies are the collaborators a Coordinator drives.
type Dependencies struct {
	Engine   engine.Engine
	Registry Registry
	Files    assets.FS
	Reporter Reporter
}

// DefaultLocalTimeout bounds one local inference.
const DefaultLocalTimeout = 5 * time.Second

type pendingRequest struct {
	id       string
	start    time.Time
	deadline time.Time
}

type command struct {
	fn     func() error
	result chan error
}

// Coordinator decides per request whether to run locally or offload, owns
// the input tensors and drives one pipeline per mode.
//
// All state transitions run on the Run loop. Public methods submit work to
// the loop and wait for its outcome; sink callbacks reach the loop through a
// channel, which is the only asynchronous boundary.
type Coordinator struct {
	cfg       Config
	modelPath string

	engine   engine.Engine
	registry Registry
	files    assets.FS
	reporter Reporter

	slots   [len(modes)]*pipelineSlot
	pending [len(modes)][]pendingRequest
	latency [len(modes)]*modeLatency
	expired [len(modes)]uint64
	failed  [len(modes)]uint64
	tensors tensorBuffers
	dropped uint64
	closing bool

	commands    chan command
	completions chan completion
	done        chan struct{}
	running     atomic.Bool
}

// New validates cfg and deps and returns a Coordinator. Call Run to start
// its loop.
func New(cfg Config, deps Dependencies) (*Coordinator, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("offload: engine is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("offload: registry is required")
	}
	if deps.Files == nil {
		return nil, fmt.Errorf("offload: asset filesystem is required")
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("offload: model path is required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.Framework == "" {
		cfg.Framework = DefaultFramework
	}
	if cfg.OffloadTimeout <= 0 {
		cfg.OffloadTimeout = DefaultOffloadTimeout
	}
	if cfg.LocalTimeout <= 0 {
		cfg.LocalTimeout = DefaultLocalTimeout
	}
	if cfg.CompletionBuffer <= 0 {
		cfg.CompletionBuffer = 16
	}

	modelPath, err := deps.Files.Resolve(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("offload: resolve model path: %w", err)
	}

	reporter := deps.Reporter
	if reporter == nil {
		reporter = LogReporter{}
	}

	c := &Coordinator{
		cfg:         cfg,
		modelPath:   modelPath,
		engine:      deps.Engine,
		registry:    deps.Registry,
		files:       deps.Files,
		reporter:    reporter,
		commands:    make(chan command),
		completions: make(chan completion, cfg.CompletionBuffer),
		done:        make(chan struct{}),
	}
	for _, m := range modes {
		c.slots[m] = newPipelineSlot(m, deps.Engine, c.post)
		c.latency[m] = &modeLatency{}
	}

	slog.Info("offload: coordinator created",
		"service", cfg.ServiceName,
		"model", modelPath,
		"framework", cfg.Framework,
		"local_ip", cfg.LocalIP,
		"offload_timeout", cfg.OffloadTimeout,
	)
	return c, nil
}

// Run executes the event loop until ctx is cancelled or Shutdown completes.
// Cancellation tears both pipelines down before Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("offload: coordinator already running")
	}
	defer close(c.done)

	sweep := time.NewTicker(c.sweepInterval())
	defer sweep.Stop()

	slog.Info("offload: coordinator loop started")
	for {
		select {
		case <-ctx.Done():
			if err := c.teardown(); err != nil {
				slog.Error("offload: teardown finished with errors", "error", err)
			}
			slog.Info("offload: coordinator loop stopped", "reason", "context cancelled")
			return nil

		case cmd := <-c.commands:
			cmd.result <- cmd.fn()
			if c.closing {
				slog.Info("offload: coordinator loop stopped", "reason", "shutdown")
				return nil
			}

		case comp := <-c.completions:
			c.complete(comp)

		case now := <-sweep.C:
			for _, m := range modes {
				c.expire(m, now)
			}
		}
	}
}

// StartPipeline builds and starts the pipeline for mode. A live pipeline of
// the same mode is stopped and disposed first. Offloaded pipelines need a
// registry entry for the configured service (ErrServiceUnavailable).
func (c *Coordinator) StartPipeline(ctx context.Context, mode Mode) error {
	return c.do(ctx, func() error { return c.startPipeline(mode) })
}

// StopPipeline stops and disposes the pipeline for mode, if any.
func (c *Coordinator) StopPipeline(ctx context.Context, mode Mode) error {
	return c.do(ctx, func() error {
		if !mode.Valid() {
			return fmt.Errorf("offload: unknown mode %d", int(mode))
		}
		return c.closePipeline(mode)
	})
}

// RunInference loads imagePath and injects it into the mode's pipeline. It
// returns the request ID once the tensor is pushed; the result is delivered
// to the Reporter when the pipeline completes.
func (c *Coordinator) RunInference(ctx context.Context, mode Mode, imagePath string) (string, error) {
	var id string
	err := c.do(ctx, func() error {
		var err error
		id, err = c.runInference(mode, imagePath)
		return err
	})
	return id, err
}

// Shutdown stops and disposes both pipelines, releases the current tensor
// request and stops the loop. Every step is attempted. Idempotent.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.running.Load() {
		return c.teardown()
	}
	err := c.do(ctx, func() error {
		c.closing = true
		return c.teardown()
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Stats returns per-mode pipeline state and latency.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	collect := func() error {
		st = c.stats()
		return nil
	}
	if !c.running.Load() {
		collect()
		return st, nil
	}
	err := c.do(ctx, collect)
	if errors.Is(err, ErrClosed) {
		// Loop exited: its state is no longer written.
		collect()
		return st, nil
	}
	return st, err
}

// Done is closed when the loop has exited.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// do runs fn on the loop. ctx bounds only the wait for the loop to accept
// the command: once accepted, fn runs to completion and its outcome is
// returned, so a caller never sees an error for work that took effect.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, result: make(chan error, 1)}
	select {
	case c.commands <- cmd:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-cmd.result
}

// post hands a sink callback to the loop. It blocks rather than drop a
// completion, and gives up once the loop has exited or the pipeline that
// produced it is stopped (quit closed).
func (c *Coordinator) post(comp completion, quit <-chan struct{}) {
	select {
	case c.completions <- comp:
	case <-quit:
	case <-c.done:
	}
}

// deadline returns how long a request of mode may wait for its result.
func (c *Coordinator) deadline(m Mode) time.Duration {
	if m == ModeOffloaded {
		return 2 * c.cfg.OffloadTimeout
	}
	return c.cfg.LocalTimeout
}

// sweepInterval is half the shortest deadline, within [10ms, 1s].
func (c *Coordinator) sweepInterval() time.Duration {
	d := min(c.deadline(ModeLocal), c.deadline(ModeOffloaded)) / 2
	return max(10*time.Millisecond, min(d, time.Second))
}

// expire drops pending requests of mode whose deadline passed. Such inputs
// were lost inside the pipeline; keeping them would pair every later result
// with the wrong request.
func (c *Coordinator) expire(m Mode, now time.Time) {
	queue := c.pending[m]
	n := 0
	for n < len(queue) && now.After(queue[n].deadline) {
		slog.Warn("offload: inference expired without result",
			"mode", m.String(),
			"request_id", queue[n].id,
			"waited", now.Sub(queue[n].start),
		)
		n++
	}
	if n > 0 {
		c.expired[m] += uint64(n)
		c.pending[m] = queue[n:]
	}
}

func (c *Coordinator) lookupService() (string, uint16, error) {
	ep, ok := c.registry.Lookup(c.cfg.ServiceName)
	if !ok || !ep.Valid() {
		return "", 0, fmt.Errorf("%w: %q", ErrServiceUnavailable, c.cfg.ServiceName)
	}
	return ep.IP, ep.Port, nil
}

func (c *Coordinator) startPipeline(mode Mode) error {
	var stage string
	switch mode {
	case ModeLocal:
		stage = LocalStage{Framework: c.cfg.Framework, ModelPath: c.modelPath}.String()
	case ModeOffloaded:
		ep, ok := c.registry.Lookup(c.cfg.ServiceName)
		if !ok || !ep.Valid() {
			slog.Warn("offload: no remote service available", "service", c.cfg.ServiceName)
			return fmt.Errorf("%w: %q", ErrServiceUnavailable, c.cfg.ServiceName)
		}
		stage = NewOffloadStage(c.cfg.LocalIP, ep, c.cfg.OffloadTimeout).String()
	default:
		return fmt.Errorf("offload: unknown mode %d", int(mode))
	}
	description := BuildDescription(mode, stage)

	// One live pipeline per mode: replace, never stack.
	if c.slots[mode].live() {
		slog.Info("offload: replacing live pipeline", "mode", mode.String())
		if err := c.closePipeline(mode); err != nil {
			slog.Warn("offload: previous pipeline closed with errors", "mode", mode.String(), "error", err)
		}
	}

	slot := c.slots[mode]
	if _, err := slot.create(description); err != nil {
		slog.Error("offload: pipeline build failed", "mode", mode.String(), "error", err)
		return err
	}
	if err := slot.start(); err != nil {
		slog.Error("offload: pipeline start failed", "mode", mode.String(), "error", err)
		if derr := c.closePipeline(mode); derr != nil {
			err = errors.Join(err, derr)
		}
		return err
	}
	return nil
}

// closePipeline stops then disposes the mode's pipeline. Dispose is attempted
// even when stop fails. In-flight requests of the mode are abandoned.
func (c *Coordinator) closePipeline(mode Mode) error {
	slot := c.slots[mode]
	if !slot.live() {
		return nil
	}

	var errs []error
	if err := slot.stop(); err != nil {
		errs = append(errs, err)
	}
	if err := slot.dispose(); err != nil {
		if errors.Is(err, ErrInvalidState) {
			slog.Error("offload: dispose skipped", "mode", mode.String(), "error", err)
		} else {
			errs = append(errs, err)
		}
	}
	if n := len(c.pending[mode]); n > 0 {
		slog.Debug("offload: abandoning in-flight requests", "mode", mode.String(), "count", n)
	}
	c.pending[mode] = nil
	return errors.Join(errs...)
}

func (c *Coordinator) runInference(mode Mode, imagePath string) (string, error) {
	if !mode.Valid() {
		return "", fmt.Errorf("offload: unknown mode %d", int(mode))
	}

	// Availability is checked per call, never cached. The endpoint may vanish
	// right after this check; the request then runs on the existing pipeline.
	if mode == ModeOffloaded {
		if _, _, err := c.lookupService(); err != nil {
			slog.Warn("offload: offloading service disappeared", "service", c.cfg.ServiceName)
			return "", err
		}
	}

	slot := c.slots[mode]
	if slot.state() != StateStarted {
		return "", fmt.Errorf("%w: %s pipeline is %s", ErrPipelineNotStarted, mode, slot.state())
	}

	req, err := c.tensors.prepare(mode, c.files, imagePath)
	if err != nil {
		slog.Warn("offload: inference abandoned", "mode", mode.String(), "image", imagePath, "error", err)
		return "", err
	}

	start := time.Now()
	if err := slot.inject(req); err != nil {
		slog.Error("offload: inject failed", "mode", mode.String(), "request_id", req.ID, "error", err)
		return "", err
	}
	c.pending[mode] = append(c.pending[mode], pendingRequest{
		id:       req.ID,
		start:    start,
		deadline: start.Add(c.deadline(mode)),
	})

	slog.Debug("offload: request injected",
		"mode", mode.String(),
		"request_id", req.ID,
		"image", imagePath,
		"size_bytes", req.Size(),
		"pending", len(c.pending[mode]),
	)
	return req.ID, nil
}

// complete matches a completion with the oldest pending request of its mode.
// Pipelines deliver in injection order; requests lost inside the pipeline
// are expired first, and reported failures consume their request.
func (c *Coordinator) complete(comp completion) {
	mode, ok := modeFromSink(comp.sink)
	if !ok || mode != comp.mode || !c.slots[mode].accepts(comp) {
		c.dropped++
		slog.Debug("offload: dropping completion from inactive pipeline",
			"mode", comp.mode.String(),
			"sink", comp.sink,
			"generation", comp.generation,
		)
		return
	}

	c.expire(mode, comp.at)

	queue := c.pending[mode]
	if len(queue) == 0 {
		c.dropped++
		slog.Warn("offload: completion without pending request", "mode", mode.String(), "error", comp.err)
		return
	}
	req := queue[0]
	c.pending[mode] = queue[1:]

	if comp.err != nil {
		c.failed[mode]++
		slog.Error("offload: inference failed in pipeline",
			"mode", mode.String(),
			"request_id", req.id,
			"elapsed", comp.at.Sub(req.start),
			"error", comp.err,
		)
		return
	}

	res := InferenceResult{
		RequestID:   req.id,
		Mode:        mode,
		LabelIndex:  ArgMax(comp.raw),
		Elapsed:     comp.at.Sub(req.start),
		CompletedAt: comp.at,
	}
	c.latency[mode].record(res.Elapsed)
	c.reporter.Report(res)
}

// teardown runs on termination: both pipelines then the current request.
func (c *Coordinator) teardown() error {
	var errs []error
	for _, m := range modes {
		if err := c.closePipeline(m); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.tensors.release(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		slog.Warn("offload: teardown completed with errors", "error", err)
	} else {
		slog.Info("offload: teardown completed",
			"local_completed", c.latency[ModeLocal].summary().Completed,
			"offloaded_completed", c.latency[ModeOffloaded].summary().Completed,
		)
	}
	return err
}

func (c *Coordinator) stats() Stats {
	st := Stats{
		LiveTensorRequests: c.tensors.outstanding(),
		DroppedCompletions: c.dropped,
	}
	st.Local = c.modeStats(ModeLocal)
	st.Offloaded = c.modeStats(ModeOffloaded)
	return st
}

func (c *Coordinator) modeStats(m Mode) ModeStats {
	return ModeStats{
		Mode:     m,
		Pipeline: c.slots[m].state(),
		Pending:  len(c.pending[m]),
		Expired:  c.expired[m],
		Failed:   c.failed[m],
		Latency:  c.latency[m].summary(),
	}
}

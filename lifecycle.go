package offload

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/offload/engine"
	"github.com/e7canasta/orion-care-sensor/modules/offload/tensor"
)

// PipelineState is the lifecycle state of a mode's pipeline.
type PipelineState int

const (
	StateUncreated PipelineState = iota
	StateCreated
	StateStarted
	StateStopped
	StateDisposed
)

func (s PipelineState) String() string {
	switch s {
	case StateUncreated:
		return "uncreated"
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// PipelineHandle is one engine pipeline bound to a mode.
type PipelineHandle struct {
	mode        Mode
	description string
	generation  uint64
	createdAt   time.Time

	pipeline engine.Pipeline
	source   engine.Source
	state    PipelineState

	// quit is closed once the handle stops accepting results, releasing
	// engine threads blocked on delivery.
	quit   chan struct{}
	closed bool
}

func (h *PipelineHandle) release() {
	if !h.closed {
		h.closed = true
		close(h.quit)
	}
}

// Mode returns the mode the handle is bound to.
func (h *PipelineHandle) Mode() Mode { return h.mode }

// Description returns the topology the pipeline was built from.
func (h *PipelineHandle) Description() string { return h.description }

// State returns the current lifecycle state.
func (h *PipelineHandle) State() PipelineState { return h.state }

// completion is a sink or error callback marshalled onto the coordinator
// loop. err is set when the pipeline consumed an input without output.
type completion struct {
	mode       Mode
	sink       string
	generation uint64
	raw        []byte
	err        error
	at         time.Time
}

// deliverFunc hands a completion to the loop, giving up once quit is closed.
type deliverFunc func(c completion, quit <-chan struct{})

// pipelineSlot owns at most one live PipelineHandle for its mode.
//
// State machine:
//
//	Uncreated --create--> Created --start--> Started --stop--> Stopped
//	Created|Stopped --dispose--> Disposed --create--> Created (new handle)
//
// All methods run on the coordinator loop; only the sink listener runs on
// engine goroutines and it touches nothing but its captured values.
type pipelineSlot struct {
	mode        Mode
	engine      engine.Engine
	deliver     deliverFunc
	handle      *PipelineHandle
	generations uint64
}

func newPipelineSlot(mode Mode, eng engine.Engine, deliver deliverFunc) *pipelineSlot {
	return &pipelineSlot{mode: mode, engine: eng, deliver: deliver}
}

func (s *pipelineSlot) state() PipelineState {
	if s.handle == nil {
		return StateUncreated
	}
	return s.handle.state
}

// live reports whether a non-disposed handle exists.
func (s *pipelineSlot) live() bool {
	st := s.state()
	return st != StateUncreated && st != StateDisposed
}

func (s *pipelineSlot) create(description string) (*PipelineHandle, error) {
	if s.live() {
		return nil, invalidState("create", s.mode, s.state())
	}

	p, err := s.engine.CreatePipeline(description)
	if err != nil {
		s.handle = nil
		return nil, &PipelineBuildError{Mode: s.mode, Description: description, Err: err}
	}

	src, err := p.Source(s.mode.SourceName())
	if err != nil {
		if derr := p.Dispose(); derr != nil {
			slog.Warn("offload: failed to dispose rejected pipeline", "mode", s.mode.String(), "error", derr)
		}
		s.handle = nil
		return nil, &PipelineBuildError{Mode: s.mode, Description: description, Err: err}
	}

	s.generations++
	s.handle = &PipelineHandle{
		mode:        s.mode,
		description: description,
		generation:  s.generations,
		createdAt:   time.Now(),
		pipeline:    p,
		source:      src,
		state:       StateCreated,
		quit:        make(chan struct{}),
	}

	slog.Debug("offload: pipeline created",
		"mode", s.mode.String(),
		"generation", s.generations,
		"description", description,
	)
	return s.handle, nil
}

// start registers the listeners first, then starts the engine, so no
// completion can fire before they are attached.
func (s *pipelineSlot) start() error {
	h := s.handle
	if h == nil || h.state != StateCreated {
		return invalidState("start", s.mode, s.state())
	}

	mode, gen, deliver, quit := s.mode, h.generation, s.deliver, h.quit
	listener := func(sink string, data *tensor.Data) {
		raw, err := data.RawData(0)
		if err != nil {
			slog.Warn("offload: sink delivered unreadable tensor", "mode", mode.String(), "error", err)
			return
		}
		// Engine buffers are reused after the callback returns.
		out := make([]byte, len(raw))
		copy(out, raw)

		deliver(completion{
			mode:       mode,
			sink:       sink,
			generation: gen,
			raw:        out,
			at:         time.Now(),
		}, quit)
	}

	if n, ok := h.pipeline.(engine.ErrorNotifier); ok {
		onError := func(err error) {
			deliver(completion{
				mode:       mode,
				sink:       mode.SinkName(),
				generation: gen,
				err:        err,
				at:         time.Now(),
			}, quit)
		}
		if err := n.RegisterErrorListener(onError); err != nil {
			return fmt.Errorf("offload: register %s error listener: %w", s.mode, err)
		}
	}
	if err := h.pipeline.RegisterSinkListener(s.mode.SinkName(), listener); err != nil {
		return fmt.Errorf("offload: register %s sink listener: %w", s.mode, err)
	}
	if err := h.pipeline.Start(); err != nil {
		return fmt.Errorf("offload: start %s pipeline: %w", s.mode, err)
	}
	h.state = StateStarted

	slog.Info("offload: pipeline started",
		"mode", s.mode.String(),
		"generation", h.generation,
		"source", s.mode.SourceName(),
		"sink", s.mode.SinkName(),
	)
	return nil
}

// inject pushes the request tensor to the mode's source and returns at once.
func (s *pipelineSlot) inject(req *TensorRequest) error {
	h := s.handle
	if h == nil || h.state != StateStarted {
		return invalidState("inject", s.mode, s.state())
	}
	if err := h.source.InputData(req.Data()); err != nil {
		return fmt.Errorf("offload: push to %s: %w", s.mode.SourceName(), err)
	}
	return nil
}

// stop is a no-op unless the pipeline is started.
func (s *pipelineSlot) stop() error {
	h := s.handle
	if h == nil {
		return nil
	}
	switch h.state {
	case StateCreated, StateStopped:
		return nil
	case StateDisposed:
		return invalidState("stop", s.mode, h.state)
	}

	h.release()
	err := h.pipeline.Stop()
	h.state = StateStopped
	if err != nil {
		return fmt.Errorf("offload: stop %s pipeline: %w", s.mode, err)
	}
	slog.Debug("offload: pipeline stopped", "mode", s.mode.String(), "generation", h.generation)
	return nil
}

func (s *pipelineSlot) dispose() error {
	h := s.handle
	if h == nil || (h.state != StateCreated && h.state != StateStopped) {
		return invalidState("dispose", s.mode, s.state())
	}

	h.release()
	err := h.pipeline.Dispose()
	h.state = StateDisposed
	h.pipeline = nil
	h.source = nil
	if err != nil {
		return fmt.Errorf("offload: dispose %s pipeline: %w", s.mode, err)
	}

	slog.Info("offload: pipeline disposed",
		"mode", s.mode.String(),
		"generation", h.generation,
		"uptime", time.Since(h.createdAt),
	)
	return nil
}

// accepts reports whether a completion belongs to the current started handle.
func (s *pipelineSlot) accepts(c completion) bool {
	h := s.handle
	return h != nil && h.state == StateStarted && h.generation == c.generation
}

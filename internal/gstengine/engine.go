// Package gstengine runs offload pipelines on GStreamer with the NNStreamer
// plugins (tensor_converter, tensor_filter, tensor_query_client, tensor_sink).
//
// A description is parsed as a gst-launch line. Sources are appsrc elements
// fed with gst buffers; sink listeners observe buffers reaching the named
// sink element through a pad probe, so tensor_sink and appsink both work.
package gstengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/offload/engine"
	"github.com/e7canasta/orion-care-sensor/modules/offload/tensor"
)

var initOnce sync.Once

// Init initializes GStreamer. Safe to call multiple times.
func Init() {
	initOnce.Do(func() { gst.Init(nil) })
}

// Available reports whether every named element factory is installed.
func Available(factories ...string) bool {
	Init()
	for _, f := range factories {
		if gst.Find(f) == nil {
			return false
		}
	}
	return true
}

// Engine builds GStreamer pipelines.
type Engine struct {
	errors ErrorCounters
}

var (
	_ engine.Engine        = (*Engine)(nil)
	_ engine.ErrorNotifier = (*Pipeline)(nil)
)

// New initializes GStreamer and returns an Engine.
func New() *Engine {
	Init()
	return &Engine{}
}

// Errors returns bus error counts per category across all pipelines.
func (e *Engine) Errors() map[string]uint64 {
	return e.errors.snapshot()
}

// CreatePipeline parses description. The pipeline stays in NULL state.
func (e *Engine) CreatePipeline(description string) (engine.Pipeline, error) {
	p, err := gst.NewPipelineFromString(description)
	if err != nil {
		return nil, fmt.Errorf("gstengine: parse pipeline: %w", err)
	}
	slog.Debug("gstengine: pipeline parsed", "name", p.GetName())
	return &Pipeline{
		pipeline: p,
		errors:   &e.errors,
	}, nil
}

// Pipeline is a parsed GStreamer pipeline.
type Pipeline struct {
	pipeline *gst.Pipeline
	errors   *ErrorCounters

	mu        sync.Mutex
	onError   engine.ErrorFunc
	cancel    context.CancelFunc
	monitor   chan struct{}
	disposed  bool
	startedAt time.Time
	pushed    atomic.Uint64
	delivered atomic.Uint64
}

// Start sets the pipeline to PLAYING and starts the bus monitor.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return fmt.Errorf("gstengine: start on disposed pipeline")
	}
	if p.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.monitor = make(chan struct{})
		go func() {
			defer close(p.monitor)
			MonitorPipelineBus(ctx, p.pipeline, p.errors, p.notifyError)
		}()
	}

	if err := p.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstengine: set PLAYING: %w", err)
	}
	p.startedAt = time.Now()
	return nil
}

// Stop pauses the pipeline. It can be started again.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return fmt.Errorf("gstengine: stop on disposed pipeline")
	}
	if err := p.pipeline.SetState(gst.StatePaused); err != nil {
		return fmt.Errorf("gstengine: set PAUSED: %w", err)
	}
	slog.Debug("gstengine: pipeline paused",
		"name", p.pipeline.GetName(),
		"pushed", p.pushed.Load(),
		"delivered", p.delivered.Load(),
	)
	return nil
}

// Dispose sets the pipeline to NULL and stops the bus monitor.
func (p *Pipeline) Dispose() error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return fmt.Errorf("gstengine: pipeline already disposed")
	}
	p.disposed = true
	cancel, monitor := p.cancel, p.monitor
	p.mu.Unlock()

	err := p.pipeline.SetState(gst.StateNull)
	if cancel != nil {
		cancel()
		<-monitor
	}
	if err != nil {
		return fmt.Errorf("gstengine: set NULL: %w", err)
	}
	return nil
}

// RegisterErrorListener implements engine.ErrorNotifier. fn receives every
// error posted on the pipeline bus.
func (p *Pipeline) RegisterErrorListener(fn engine.ErrorFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = fn
	return nil
}

func (p *Pipeline) notifyError(err error) {
	p.mu.Lock()
	fn := p.onError
	p.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Source returns the appsrc named name.
func (p *Pipeline) Source(name string) (engine.Source, error) {
	elem, err := p.pipeline.GetElementByName(name)
	if err != nil || elem == nil {
		return nil, fmt.Errorf("gstengine: no element named %q", name)
	}
	return &source{src: app.SrcFromElement(elem), pushed: &p.pushed}, nil
}

// RegisterSinkListener calls fn with every buffer reaching the sink pad of
// the element named name. Buffers are copied before fn runs.
func (p *Pipeline) RegisterSinkListener(name string, fn engine.SinkFunc) error {
	elem, err := p.pipeline.GetElementByName(name)
	if err != nil || elem == nil {
		return fmt.Errorf("gstengine: no element named %q", name)
	}
	pad := elem.GetStaticPad("sink")
	if pad == nil {
		return fmt.Errorf("gstengine: element %q has no sink pad", name)
	}

	delivered := &p.delivered
	pad.AddProbe(gst.PadProbeTypeBuffer, func(_ *gst.Pad, info *gst.PadProbeInfo) gst.PadProbeReturn {
		buffer := info.GetBuffer()
		if buffer == nil {
			return gst.PadProbeOK
		}

		mapInfo := buffer.Map(gst.MapRead)
		data := mapInfo.Bytes()
		if len(data) == 0 {
			buffer.Unmap()
			slog.Warn("gstengine: empty buffer at sink", "sink", name)
			return gst.PadProbeOK
		}
		// GStreamer reuses the buffer
		out := make([]byte, len(data))
		copy(out, data)
		buffer.Unmap()

		delivered.Add(1)
		fn(name, tensor.FromRaw(out))
		return gst.PadProbeOK
	})

	slog.Debug("gstengine: sink listener installed", "sink", name)
	return nil
}

type source struct {
	src    *app.Source
	pushed *atomic.Uint64
}

// InputData pushes every tensor of data as one buffer.
func (s *source) InputData(data *tensor.Data) error {
	if data == nil || data.Disposed() {
		return fmt.Errorf("gstengine: input tensor is disposed")
	}

	var raw []byte
	for i := 0; i < data.Count(); i++ {
		b, err := data.RawData(i)
		if err != nil {
			return err
		}
		raw = append(raw, b...)
	}

	if ret := s.src.PushBuffer(gst.NewBufferFromBytes(raw)); ret != gst.FlowOK {
		return fmt.Errorf("gstengine: push buffer: %v", ret)
	}
	s.pushed.Add(1)
	return nil
}

// Package enginetest provides an in-memory engine.Engine for tests and for
// running the daemon without GStreamer.
//
// Each pipeline owns a worker goroutine that processes pushed inputs strictly
// in FIFO order and invokes the registered sink listener with the output of
// Process. Hold/Resume let tests keep several inputs in flight; DropNext and
// FailNext simulate inputs lost inside the pipeline.
package enginetest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/offload/engine"
	"github.com/e7canasta/orion-care-sensor/modules/offload/tensor"
)

// Classes is the number of scores produced by DefaultProcess.
const Classes = 1001

var namePattern = regexp.MustCompile(`name=([A-Za-z0-9_\-]+)`)

// ErrRejected is returned by CreatePipeline for descriptions the engine refuses.
var ErrRejected = errors.New("enginetest: pipeline description rejected")

// DefaultProcess returns a Classes-long score vector whose maximum sits at
// len(input) % Classes.
func DefaultProcess(input []byte) []byte {
	out := make([]byte, Classes)
	out[len(input)%Classes] = 255
	return out
}

// Engine is a fake engine.Engine.
type Engine struct {
	// Reject, when set, is consulted before building a pipeline.
	Reject func(description string) error
	// Process maps an input buffer to the sink output. Defaults to DefaultProcess.
	Process func(input []byte) []byte

	mu        sync.Mutex
	pipelines []*Pipeline
}

// New returns an Engine that accepts every well-formed description.
func New() *Engine {
	return &Engine{}
}

// CreatePipeline implements engine.Engine.
func (e *Engine) CreatePipeline(description string) (engine.Pipeline, error) {
	if e.Reject != nil {
		if err := e.Reject(description); err != nil {
			return nil, err
		}
	}
	if err := validate(description); err != nil {
		return nil, err
	}

	process := e.Process
	if process == nil {
		process = DefaultProcess
	}

	p := &Pipeline{
		Description: description,
		names:       make(map[string]bool),
		sinks:       make(map[string]engine.SinkFunc),
		process:     process,
		state:       "created",
	}
	p.cond = sync.NewCond(&p.mu)
	for _, m := range namePattern.FindAllStringSubmatch(description, -1) {
		p.names[m[1]] = true
	}

	e.mu.Lock()
	e.pipelines = append(e.pipelines, p)
	e.mu.Unlock()

	return p, nil
}

// Pipelines returns every pipeline created so far, in creation order.
func (e *Engine) Pipelines() []*Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Pipeline(nil), e.pipelines...)
}

// Live returns the number of non-disposed pipelines whose description
// contains tag. An empty tag matches every pipeline.
func (e *Engine) Live(tag string) int {
	n := 0
	for _, p := range e.Pipelines() {
		if p.State() != "disposed" && strings.Contains(p.Description, tag) {
			n++
		}
	}
	return n
}

// validate rejects descriptions an element parser would refuse: empty
// property values and dangling links.
func validate(description string) error {
	if strings.TrimSpace(description) == "" {
		return fmt.Errorf("%w: empty description", ErrRejected)
	}
	for _, stage := range strings.Split(description, "!") {
		stage = strings.TrimSpace(stage)
		if stage == "" {
			return fmt.Errorf("%w: empty stage", ErrRejected)
		}
		for _, field := range strings.Fields(stage) {
			if strings.HasSuffix(field, "=") {
				return fmt.Errorf("%w: property %q has no value", ErrRejected, field)
			}
		}
	}
	return nil
}

// Pipeline is a fake engine.Pipeline.
type Pipeline struct {
	Description string

	mu       sync.Mutex
	cond     *sync.Cond
	state    string
	held     bool
	queue    []item
	received [][]byte
	names    map[string]bool
	sinks    map[string]engine.SinkFunc
	sinkName string
	onError  engine.ErrorFunc
	drops    int
	failures []error
	process  func([]byte) []byte
	worker   bool
}

// item is one queued input, or the failure that consumed it.
type item struct {
	data []byte
	err  error
}

var _ engine.ErrorNotifier = (*Pipeline)(nil)

// Start implements engine.Pipeline.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == "disposed" {
		return errors.New("enginetest: start on disposed pipeline")
	}
	p.state = "started"
	if !p.worker {
		p.worker = true
		go p.run()
	}
	p.cond.Broadcast()
	return nil
}

// Stop implements engine.Pipeline.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == "disposed" {
		return errors.New("enginetest: stop on disposed pipeline")
	}
	p.state = "stopped"
	return nil
}

// Dispose implements engine.Pipeline.
func (p *Pipeline) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == "disposed" {
		return errors.New("enginetest: pipeline already disposed")
	}
	p.state = "disposed"
	p.queue = nil
	p.cond.Broadcast()
	return nil
}

// Source implements engine.Pipeline.
func (p *Pipeline) Source(name string) (engine.Source, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.names[name] {
		return nil, fmt.Errorf("enginetest: no element named %q", name)
	}
	return source{p: p}, nil
}

// RegisterSinkListener implements engine.Pipeline.
func (p *Pipeline) RegisterSinkListener(name string, fn engine.SinkFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.names[name] {
		return fmt.Errorf("enginetest: no element named %q", name)
	}
	p.sinks[name] = fn
	p.sinkName = name
	return nil
}

// RegisterErrorListener implements engine.ErrorNotifier.
func (p *Pipeline) RegisterErrorListener(fn engine.ErrorFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = fn
	return nil
}

// DropNext makes the next pushed input vanish: it is accepted and recorded
// but produces neither output nor error.
func (p *Pipeline) DropNext() {
	p.mu.Lock()
	p.drops++
	p.mu.Unlock()
}

// FailNext makes the next pushed input fail with err instead of producing
// output. The failure is reported in order with other results.
func (p *Pipeline) FailNext(err error) {
	p.mu.Lock()
	p.failures = append(p.failures, err)
	p.mu.Unlock()
}

// State returns created, started, stopped or disposed.
func (p *Pipeline) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Received returns copies of every buffer pushed into the pipeline.
func (p *Pipeline) Received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.received...)
}

// Pending returns the number of inputs not yet delivered to the sink.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Hold stops delivering results until Resume.
func (p *Pipeline) Hold() {
	p.mu.Lock()
	p.held = true
	p.mu.Unlock()
}

// Resume restarts result delivery.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.held = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pipeline) push(raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != "started" {
		return fmt.Errorf("enginetest: input on %s pipeline", p.state)
	}
	buf := append([]byte(nil), raw...)
	p.received = append(p.received, buf)
	switch {
	case p.drops > 0:
		p.drops--
		return nil
	case len(p.failures) > 0:
		p.queue = append(p.queue, item{err: p.failures[0]})
		p.failures = p.failures[1:]
	default:
		p.queue = append(p.queue, item{data: buf})
	}
	p.cond.Broadcast()
	return nil
}

func (p *Pipeline) run() {
	for {
		p.mu.Lock()
		for p.state != "disposed" && (p.held || p.state != "started" || len(p.queue) == 0) {
			p.cond.Wait()
		}
		if p.state == "disposed" {
			p.mu.Unlock()
			return
		}
		in := p.queue[0]
		p.queue = p.queue[1:]
		name := p.sinkName
		fn := p.sinks[name]
		onError := p.onError
		p.mu.Unlock()

		switch {
		case in.err != nil:
			if onError != nil {
				onError(in.err)
			}
		case fn != nil:
			fn(name, tensor.FromRaw(p.process(in.data)))
		}
	}
}

type source struct {
	p *Pipeline
}

func (s source) InputData(data *tensor.Data) error {
	raw, err := data.RawData(0)
	if err != nil {
		return err
	}
	return s.p.push(raw)
}

// Package engine defines the contract of the pipeline execution engine that
// runs inference topologies.
//
// Implementations must guarantee:
//   - CreatePipeline parses the whole description up front and fails fast on
//     a malformed topology (no partially built pipeline is returned)
//   - sink listeners registered before Start never miss a result
//   - for a single pipeline, sink callbacks fire in the order inputs were pushed
//   - InputData copies the pushed buffer; the caller may dispose it right after
//   - Dispose is terminal; callbacks may still be in flight when it returns
package engine

import (
	"github.com/e7canasta/orion-care-sensor/modules/offload/tensor"
)

// SinkFunc receives pipeline output. It runs on an engine goroutine and
// data is only valid for the duration of the call.
type SinkFunc func(sinkName string, data *tensor.Data)

// ErrorFunc receives an asynchronous pipeline failure. It runs on an engine
// goroutine.
type ErrorFunc func(err error)

// ErrorNotifier is implemented by pipelines that report failures which
// consume an input without producing output, such as a query timeout or a
// decoder error.
type ErrorNotifier interface {
	RegisterErrorListener(fn ErrorFunc) error
}

// Engine builds pipelines from a textual topology description.
type Engine interface {
	CreatePipeline(description string) (Pipeline, error)
}

// Pipeline is one running topology instance.
type Pipeline interface {
	// Start moves the pipeline to the playing state.
	Start() error

	// Stop pauses the pipeline. In-flight buffers may be dropped.
	Stop() error

	// Dispose releases all native resources. The pipeline is unusable afterwards.
	Dispose() error

	// Source returns the named input element.
	Source(name string) (Source, error)

	// RegisterSinkListener attaches fn to the named output element.
	RegisterSinkListener(name string, fn SinkFunc) error
}

// Source is a named input element of a pipeline.
type Source interface {
	// InputData pushes the tensors in data into the pipeline and returns
	// immediately; the result arrives through the sink listener.
	InputData(data *tensor.Data) error
}

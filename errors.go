package offload

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceUnavailable means offloading was requested but the registry has
	// no usable endpoint for the configured service.
	ErrServiceUnavailable = errors.New("offload: no remote service available")

	// ErrPipelineNotStarted means inference was requested before the mode's
	// pipeline was started.
	ErrPipelineNotStarted = errors.New("offload: pipeline not started")

	// ErrInvalidState means an operation was attempted on a pipeline handle in
	// a state that does not allow it (uncreated, disposed, ...).
	ErrInvalidState = errors.New("offload: invalid pipeline state")

	// ErrPipelineBuild matches every *PipelineBuildError with errors.Is.
	ErrPipelineBuild = errors.New("offload: pipeline build failed")

	// ErrClosed means the coordinator event loop is no longer running.
	ErrClosed = errors.New("offload: coordinator closed")
)

// PipelineBuildError is returned when the engine rejects a topology.
type PipelineBuildError struct {
	Mode        Mode
	Description string
	Err         error
}

func (e *PipelineBuildError) Error() string {
	return fmt.Sprintf("offload: build %s pipeline: %v", e.Mode, e.Err)
}

func (e *PipelineBuildError) Unwrap() error {
	return e.Err
}

// Is reports ErrPipelineBuild as a match.
func (e *PipelineBuildError) Is(target error) bool {
	return target == ErrPipelineBuild
}

func invalidState(op string, m Mode, s PipelineState) error {
	return fmt.Errorf("%w: %s on %s pipeline in state %s", ErrInvalidState, op, m, s)
}

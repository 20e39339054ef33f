package offload

import (
	"fmt"
	"strings"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/offload/discovery"
)

// Mode selects the execution path of an inference.
type Mode int

const (
	// ModeLocal runs the model on this device.
	ModeLocal Mode = iota
	// ModeOffloaded sends the tensor to a remote inference service.
	ModeOffloaded
)

// modes lists every mode, in teardown order.
var modes = [...]Mode{ModeLocal, ModeOffloaded}

// String returns the tag suffix used in element names ("local", "offloading").
func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeOffloaded:
		return "offloading"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeLocal || m == ModeOffloaded
}

// SourceName returns the appsrc element name for the mode.
func (m Mode) SourceName() string {
	return "srcx_" + m.String()
}

// SinkName returns the tensor_sink element name for the mode.
func (m Mode) SinkName() string {
	return "sinkx_" + m.String()
}

// ParseMode accepts "local", "offloading" and "offloaded".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return ModeLocal, nil
	case "offloading", "offloaded", "offload", "remote":
		return ModeOffloaded, nil
	default:
		return 0, fmt.Errorf("offload: unknown mode %q", s)
	}
}

// modeFromSink maps a sink element name back to its mode.
func modeFromSink(sink string) (Mode, bool) {
	for _, m := range modes {
		if sink == m.SinkName() {
			return m, true
		}
	}
	return 0, false
}

// Registry is the read side of the remote service registry.
type Registry interface {
	Has(name string) bool
	Lookup(name string) (discovery.ServiceEndpoint, bool)
}

// InferenceResult is the outcome of one completed inference.
type InferenceResult struct {
	RequestID   string
	Mode        Mode
	LabelIndex  int
	Label       string
	Elapsed     time.Duration
	CompletedAt time.Time
}

// ElapsedMS returns Elapsed in fractional milliseconds.
func (r InferenceResult) ElapsedMS() float64 {
	return float64(r.Elapsed) / float64(time.Millisecond)
}

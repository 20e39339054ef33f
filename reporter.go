package offload

import (
	"fmt"
	"log/slog"
)

// Reporter receives completed inferences. Report runs on the coordinator
// loop and must not block.
type Reporter interface {
	Report(res InferenceResult)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(res InferenceResult)

// Report implements Reporter.
func (f ReporterFunc) Report(res InferenceResult) { f(res) }

// LabelReporter fills InferenceResult.Label from a label table and forwards
// the result to Next.
type LabelReporter struct {
	Labels []string
	Next   Reporter
}

// Report implements Reporter.
func (r LabelReporter) Report(res InferenceResult) {
	res.Label = Label(r.Labels, res.LabelIndex)
	if r.Next != nil {
		r.Next.Report(res)
	}
}

// Label returns labels[idx], or "class <idx>" when the table has no entry.
func Label(labels []string, idx int) string {
	if idx >= 0 && idx < len(labels) && labels[idx] != "" {
		return labels[idx]
	}
	return fmt.Sprintf("class %d", idx)
}

// LogReporter logs every result.
type LogReporter struct{}

// Report implements Reporter.
func (LogReporter) Report(res InferenceResult) {
	slog.Info("offload: inference completed",
		"request_id", res.RequestID,
		"mode", res.Mode.String(),
		"label_index", res.LabelIndex,
		"label", res.Label,
		"elapsed_ms", fmt.Sprintf("%.3f", res.ElapsedMS()),
	)
}

// MultiReporter forwards to every reporter in order.
type MultiReporter []Reporter

// Report implements Reporter.
func (m MultiReporter) Report(res InferenceResult) {
	for _, r := range m {
		r.Report(res)
	}
}

// ArgMax returns the index of the first maximal score, -1 for no scores.
func ArgMax(scores []byte) int {
	if len(scores) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

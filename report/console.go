package report

import (
	"context"
	"fmt"
	"io"

	"github.com/e7canasta/orion-care-sensor/modules/offload"
)

// Console writes one line per result, the way the label overlay reads:
//
//	[offloading] orange (42.317 ms)
type Console struct {
	W io.Writer
}

// Print writes res.
func (c Console) Print(res offload.InferenceResult) error {
	_, err := fmt.Fprintf(c.W, "[%s] %s (%.3f ms)\n", res.Mode, res.Label, res.ElapsedMS())
	return err
}

// Run prints every result from results until ctx is done or results is closed.
func (c Console) Run(ctx context.Context, results <-chan offload.InferenceResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			_ = c.Print(res)
		}
	}
}

package gstengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCounters holds bus error counts per category.
type ErrorCounters struct {
	Network atomic.Uint64
	Model   atomic.Uint64
	Caps    atomic.Uint64
	Unknown atomic.Uint64
}

func (c *ErrorCounters) add(category ErrorCategory) {
	switch category {
	case ErrCategoryNetwork:
		c.Network.Add(1)
	case ErrCategoryModel:
		c.Model.Add(1)
	case ErrCategoryCaps:
		c.Caps.Add(1)
	default:
		c.Unknown.Add(1)
	}
}

func (c *ErrorCounters) snapshot() map[string]uint64 {
	return map[string]uint64{
		ErrCategoryNetwork.String(): c.Network.Load(),
		ErrCategoryModel.String():   c.Model.Load(),
		ErrCategoryCaps.String():    c.Caps.Load(),
		ErrCategoryUnknown.String(): c.Unknown.Load(),
	}
}

// MonitorPipelineBus polls the pipeline bus until ctx is cancelled, logging
// EOS, errors (classified and counted) and pipeline state changes. Errors
// are also passed to onError, if set.
//
// Errors do not end monitoring: an offloaded pipeline whose query times out
// is still disposed by its owner, not here.
func MonitorPipelineBus(ctx context.Context, pipeline *gst.Pipeline, counters *ErrorCounters, onError func(error)) {
	bus := pipeline.GetPipelineBus()
	name := pipeline.GetName()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("gstengine: stopping bus monitor", "pipeline", name)
			return

		default:
			// Short timeout for responsive shutdown
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				slog.Info("gstengine: end of stream", "pipeline", name)

			case gst.MessageError:
				gerr := msg.ParseError()
				category := ClassifyGStreamerError(gerr)
				counters.add(category)

				slog.Error("gstengine: pipeline error",
					"pipeline", name,
					"source", msg.Source(),
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
					"category", category.String(),
				)
				if onError != nil {
					onError(fmt.Errorf("gstengine: %s error from %s: %s", category, msg.Source(), gerr.Error()))
				}

			case gst.MessageWarning:
				gerr := msg.ParseWarning()
				slog.Warn("gstengine: pipeline warning",
					"pipeline", name,
					"source", msg.Source(),
					"warning", gerr.Error(),
				)

			case gst.MessageStateChanged:
				if msg.Source() == name {
					old, new := msg.ParseStateChanged()
					slog.Debug("gstengine: pipeline state changed",
						"pipeline", name,
						"from", old,
						"to", new,
					)
				}
			}
		}
	}
}

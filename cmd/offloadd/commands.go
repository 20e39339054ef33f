package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/e7canasta/orion-care-sensor/modules/offload"
)

// Command is one parsed line of operator input.
type Command struct {
	Verb  string // start, stop, infer, stats, quit
	Mode  offload.Mode
	Image string
}

// ParseCommand parses "start <mode>", "stop <mode>", "infer <mode> <image>",
// "stats" and "quit". Blank lines return an empty Verb.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, nil
	}

	cmd := Command{Verb: strings.ToLower(fields[0])}
	switch cmd.Verb {
	case "stats", "quit", "exit":
		if cmd.Verb == "exit" {
			cmd.Verb = "quit"
		}
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("usage: %s", cmd.Verb)
		}
		return cmd, nil

	case "start", "stop":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("usage: %s local|offloading", cmd.Verb)
		}

	case "infer":
		if len(fields) != 3 {
			return Command{}, fmt.Errorf("usage: infer local|offloading <image>")
		}
		cmd.Image = fields[2]

	default:
		return Command{}, fmt.Errorf("unknown command %q", fields[0])
	}

	mode, err := offload.ParseMode(fields[1])
	if err != nil {
		return Command{}, err
	}
	cmd.Mode = mode
	return cmd, nil
}

// Coordinator is the part of *offload.Coordinator the command loop drives.
type Coordinator interface {
	StartPipeline(ctx context.Context, mode offload.Mode) error
	StopPipeline(ctx context.Context, mode offload.Mode) error
	RunInference(ctx context.Context, mode offload.Mode, imagePath string) (string, error)
	Stats(ctx context.Context) (offload.Stats, error)
}

// RecentResults returns the latest result of each mode.
type RecentResults interface {
	Last() []offload.InferenceResult
}

// Execute runs cmd and writes a one-line acknowledgement to out. It reports
// whether the operator asked to quit. recent may be nil.
func Execute(ctx context.Context, c Coordinator, recent RecentResults, cmd Command, out io.Writer) (quit bool, err error) {
	switch cmd.Verb {
	case "":
		return false, nil

	case "quit":
		return true, nil

	case "start":
		if err := c.StartPipeline(ctx, cmd.Mode); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "%s pipeline started\n", cmd.Mode)

	case "stop":
		if err := c.StopPipeline(ctx, cmd.Mode); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "%s pipeline stopped\n", cmd.Mode)

	case "infer":
		id, err := c.RunInference(ctx, cmd.Mode, cmd.Image)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "request %s submitted to %s\n", id, cmd.Mode)

	case "stats":
		st, err := c.Stats(ctx)
		if err != nil {
			return false, err
		}
		writeStats(out, st)
		if recent != nil {
			writeRecent(out, recent.Last())
		}

	default:
		return false, fmt.Errorf("unknown command %q", cmd.Verb)
	}
	return false, nil
}

func writeStats(out io.Writer, st offload.Stats) {
	for _, m := range []offload.ModeStats{st.Local, st.Offloaded} {
		l := m.Latency
		fmt.Fprintf(out, "%-10s pipeline=%-9s pending=%d completed=%d mean=%.2fms min=%.2fms p95=%.2fms max=%.2fms last=%.2fms\n",
			m.Mode, m.Pipeline, m.Pending, l.Completed, l.MeanMS, l.MinMS, l.P95MS, l.MaxMS, l.LastMS)
	}
	fmt.Fprintf(out, "live tensor requests=%d dropped completions=%d\n",
		st.LiveTensorRequests, st.DroppedCompletions)
}

func writeRecent(out io.Writer, results []offload.InferenceResult) {
	for _, r := range results {
		fmt.Fprintf(out, "last %-10s request=%s label=%q index=%d elapsed=%.3fms\n",
			r.Mode, r.RequestID, r.Label, r.LabelIndex, r.ElapsedMS())
	}
}

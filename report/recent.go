package report

import (
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/offload"
	"github.com/e7canasta/orion-care-sensor/modules/offload/resultbus"
)

// Recent keeps the most recent result of each mode, fed by a latest-value
// bus subscription. Bursts collapse to their newest result.
type Recent struct {
	bus    *resultbus.Bus
	id     string
	latest *resultbus.Latest
	done   chan struct{}

	mu   sync.Mutex
	last map[offload.Mode]offload.InferenceResult
}

// NewRecent subscribes to bus under id and starts tracking.
func NewRecent(bus *resultbus.Bus, id string) (*Recent, error) {
	latest, err := bus.SubscribeLatest(id)
	if err != nil {
		return nil, err
	}
	r := &Recent{
		bus:    bus,
		id:     id,
		latest: latest,
		done:   make(chan struct{}),
		last:   make(map[offload.Mode]offload.InferenceResult),
	}
	go r.run()
	return r, nil
}

func (r *Recent) run() {
	defer close(r.done)
	for {
		res, ok := r.latest.Receive()
		if !ok {
			return
		}
		r.mu.Lock()
		r.last[res.Mode] = res
		r.mu.Unlock()
	}
}

// Last returns the latest result per mode, local first.
func (r *Recent) Last() []offload.InferenceResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []offload.InferenceResult
	for _, m := range []offload.Mode{offload.ModeLocal, offload.ModeOffloaded} {
		if res, ok := r.last[m]; ok {
			out = append(out, res)
		}
	}
	return out
}

// Close unsubscribes and waits for tracking to stop.
func (r *Recent) Close() error {
	err := r.bus.Unsubscribe(r.id)
	if err != nil {
		// Bus already closed; its Close released the receiver.
		r.latest.Close()
	}
	<-r.done
	return err
}

// Package resultbus distributes inference results to multiple subscribers
// without blocking the coordinator.
//
// The coordinator calls Report on its event loop; a slow consumer (an MQTT
// publisher behind a flaky broker, a terminal printer) must never stall it.
// Each subscriber owns a buffered channel. When the channel is full the
// result is dropped for that subscriber and counted.
//
//	bus := resultbus.New()
//	defer bus.Close()
//
//	ch := make(chan offload.InferenceResult, 32)
//	bus.Subscribe("mqtt", ch)
//
//	c, _ := offload.New(cfg, offload.Dependencies{..., Reporter: bus})
//
// SubscribeLatest registers a receiver that only keeps the most recent
// result, for status displays that only care about the newest value.
//
// Stats returns global and per-subscriber sent/dropped counters; DropRate
// turns them into a ratio.
package resultbus

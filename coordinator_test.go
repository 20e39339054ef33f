package offload

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/offload/discovery"
	"github.com/e7canasta/orion-care-sensor/modules/offload/engine/enginetest"
)

var (
	orangeJPEG = []byte(strings.Repeat("o", 3000))
	catJPEG    = []byte(strings.Repeat("c", 1500))
)

type harness struct {
	c        *Coordinator
	eng      *enginetest.Engine
	registry *discovery.MemoryRegistry
	results  chan InferenceResult
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, Config{})
}

// newHarnessWith runs a coordinator over the fake engine. cfg's model path
// and local IP are filled in.
func newHarnessWith(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		eng:      enginetest.New(),
		registry: discovery.NewMemoryRegistry(),
		results:  make(chan InferenceResult, 16),
	}
	files := newAssetDir(t, map[string][]byte{
		"images/orange.jpg": orangeJPEG,
		"images/cat.jpg":    catJPEG,
	})

	cfg.ModelPath = "models/mobilenet_v1_1.0_224_quant.tflite"
	cfg.LocalIP = "10.0.0.9"
	c, err := New(cfg, Dependencies{
		Engine:   h.eng,
		Registry: h.registry,
		Files:    files,
		Reporter: ReporterFunc(func(r InferenceResult) { h.results <- r }),
	})
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Error("coordinator loop did not exit")
		}
	})
	return h
}

func (h *harness) next(t *testing.T) InferenceResult {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for inference result")
		return InferenceResult{}
	}
}

func (h *harness) advertise(t *testing.T) {
	t.Helper()
	require.NoError(t, h.registry.Put(discovery.ServiceEndpoint{
		Name: DefaultServiceName,
		IP:   "10.0.0.5",
		Port: 8080,
	}))
}

func (h *harness) stats(t *testing.T) Stats {
	t.Helper()
	st, err := h.c.Stats(context.Background())
	require.NoError(t, err)
	return st
}

func TestNew_Validation(t *testing.T) {
	files := newAssetDir(t, nil)
	deps := Dependencies{Engine: enginetest.New(), Registry: discovery.NewMemoryRegistry(), Files: files}

	_, err := New(Config{}, deps)
	assert.Error(t, err, "model path required")

	_, err = New(Config{ModelPath: "m.tflite"}, Dependencies{Registry: deps.Registry, Files: files})
	assert.Error(t, err, "engine required")

	_, err = New(Config{ModelPath: "../outside.tflite"}, deps)
	assert.Error(t, err)

	c, err := New(Config{ModelPath: "m.tflite"}, deps)
	require.NoError(t, err)
	assert.Equal(t, DefaultServiceName, c.cfg.ServiceName)
	assert.Equal(t, DefaultOffloadTimeout, c.cfg.OffloadTimeout)
}

func TestCoordinator_LocalInference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.c.StartPipeline(ctx, ModeLocal))
	require.Len(t, h.eng.Pipelines(), 1)
	desc := h.eng.Pipelines()[0].Description
	assert.Contains(t, desc, "name=srcx_local")
	assert.Contains(t, desc, "tensor_filter framework=tensorflow-lite model=")
	assert.Contains(t, desc, "mobilenet_v1_1.0_224_quant.tflite")

	id, err := h.c.RunInference(ctx, ModeLocal, "images/orange.jpg")
	require.NoError(t, err)

	res := h.next(t)
	assert.Equal(t, id, res.RequestID)
	assert.Equal(t, ModeLocal, res.Mode)
	assert.Equal(t, len(orangeJPEG)%enginetest.Classes, res.LabelIndex)
	assert.GreaterOrEqual(t, res.Elapsed, time.Duration(0))

	st := h.stats(t)
	assert.Equal(t, StateStarted, st.Local.Pipeline)
	assert.Equal(t, StateUncreated, st.Offloaded.Pipeline)
	assert.Equal(t, uint64(1), st.Local.Latency.Completed)
	assert.Equal(t, 0, st.Local.Pending)
	assert.Equal(t, 1, st.LiveTensorRequests)
}

func TestCoordinator_OffloadedInference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.advertise(t)

	require.NoError(t, h.c.StartPipeline(ctx, ModeOffloaded))
	require.Len(t, h.eng.Pipelines(), 1)
	assert.Contains(t, h.eng.Pipelines()[0].Description,
		"tensor_query_client host=10.0.0.9 port=8080 dest-host=10.0.0.5 dest-port=8080 timeout=1000")

	id, err := h.c.RunInference(ctx, ModeOffloaded, "images/cat.jpg")
	require.NoError(t, err)

	res := h.next(t)
	assert.Equal(t, id, res.RequestID)
	assert.Equal(t, ModeOffloaded, res.Mode)
	assert.Equal(t, len(catJPEG)%enginetest.Classes, res.LabelIndex)
}

func TestCoordinator_OffloadWithoutService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.c.StartPipeline(ctx, ModeOffloaded)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Empty(t, h.eng.Pipelines(), "no pipeline built")

	_, err = h.c.RunInference(ctx, ModeOffloaded, "images/cat.jpg")
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, 0, h.stats(t).LiveTensorRequests, "no tensor allocated")
}

func TestCoordinator_ServiceWithdrawnAfterStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.advertise(t)

	require.NoError(t, h.c.StartPipeline(ctx, ModeOffloaded))
	h.registry.Remove(DefaultServiceName)

	_, err := h.c.RunInference(ctx, ModeOffloaded, "images/cat.jpg")
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Empty(t, h.eng.Pipelines()[0].Received())

	// Local path is unaffected.
	require.NoError(t, h.c.StartPipeline(ctx, ModeLocal))
	_, err = h.c.RunInference(ctx, ModeLocal, "images/orange.jpg")
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, h.next(t).Mode)
}

func TestCoordinator_InferenceBeforeStart(t *testing.T) {
	h := newHarness(t)

	_, err := h.c.RunInference(context.Background(), ModeLocal, "images/orange.jpg")
	assert.ErrorIs(t, err, ErrPipelineNotStarted)
	assert.Equal(t, 0, h.stats(t).LiveTensorRequests)
}

func TestCoordinator_MissingImage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.c.StartPipeline(ctx, ModeLocal))

	_, err := h.c.RunInference(ctx, ModeLocal, "images/missing.jpg")
	require.Error(t, err)
	assert.Equal(t, 0, h.stats(t).LiveTensorRequests)
	assert.Empty(t, h.eng.Pipelines()[0].Received())
}

// Two inferences in flight: the second releases the first request's tensor,
// yet the engine keeps the bytes it received and results arrive in order.
func TestCoordinator_OverlappingRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.c.StartPipeline(ctx, ModeLocal))

	p := h.eng.Pipelines()[0]
	p.Hold()

	id1, err := h.c.RunInference(ctx, ModeLocal, "images/orange.jpg")
	require.NoError(t, err)
	id2, err := h.c.RunInference(ctx, ModeLocal, "images/cat.jpg")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	st := h.stats(t)
	assert.Equal(t, 2, st.Local.Pending)
	assert.Equal(t, 1, st.LiveTensorRequests)

	received := p.Received()
	require.Len(t, received, 2)
	assert.Equal(t, orangeJPEG, received[0])
	assert.Equal(t, catJPEG, received[1])

	p.Resume()
	first := h.next(t)
	second := h.next(t)
	assert.Equal(t, id1, first.RequestID)
	assert.Equal(t, len(orangeJPEG)%enginetest.Classes, first.LabelIndex)
	assert.Equal(t, id2, second.RequestID)
	assert.Equal(t, len(catJPEG)%enginetest.Classes, second.LabelIndex)
}

func TestCoordinator_RestartReplacesPipeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.c.StartPipeline(ctx, ModeLocal))
	require.NoError(t, h.c.StartPipeline(ctx, ModeLocal))

	pipelines := h.eng.Pipelines()
	require.Len(t, pipelines, 2)
	assert.Equal(t, "disposed", pipelines[0].State())
	assert.Equal(t, "started", pipelines[1].State())
	assert.Equal(t, 1, h.eng.Live("srcx_local"))
}

func TestCoordinator_StartFailure(t *testing.T) {
	h := newHarness(t)
	h.eng.Reject = func(desc string) error {
		if strings.Contains(desc, "tensor_filter") {
			return errors.New("no such element tensor_filter")
		}
		return nil
	}

	err := h.c.StartPipeline(context.Background(), ModeLocal)
	assert.ErrorIs(t, err, ErrPipelineBuild)
	assert.Equal(t, StateUncreated, h.stats(t).Local.Pipeline)
}

func TestCoordinator_StopPipeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.c.StopPipeline(ctx, ModeLocal), "stop without pipeline is a no-op")
	require.NoError(t, h.c.StartPipeline(ctx, ModeLocal))
	require.NoError(t, h.c.StopPipeline(ctx, ModeLocal))

	assert.Equal(t, "disposed", h.eng.Pipelines()[0].State())
	assert.Equal(t, StateDisposed, h.stats(t).Local.Pipeline)

	_, err := h.c.RunInference(ctx, ModeLocal, "images/orange.jpg")
	assert.ErrorIs(t, err, ErrPipelineNotStarted)
}

func TestCoordinator_DropsStaleCompletions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.c.StartPipeline(ctx, ModeLocal))
	require.NoError(t, h.c.StartPipeline(ctx, ModeLocal))

	// A callback from the first, now disposed, generation.
	h.c.post(completion{mode: ModeLocal, sink: ModeLocal.SinkName(), generation: 1, at: time.Now()}, nil)
	// A callback with no pending request.
	h.c.post(completion{mode: ModeLocal, sink: ModeLocal.SinkName(), generation: 2, at: time.Now()}, nil)

	assert.Eventually(t, func() bool {
		st, err := h.c.Stats(ctx)
		return err == nil && st.DroppedCompletions == 2
	}, time.Second, 10*time.Millisecond)

	select {
	case r := <-h.results:
		t.Fatalf("unexpected result %+v", r)
	default:
	}
}

func TestCoordinator_Shutdown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.advertise(t)

	require.NoError(t, h.c.StartPipeline(ctx, ModeLocal))
	require.NoError(t, h.c.StartPipeline(ctx, ModeOffloaded))
	_, err := h.c.RunInference(ctx, ModeLocal, "images/orange.jpg")
	require.NoError(t, err)
	h.next(t)

	require.NoError(t, h.c.Shutdown(ctx))
	<-h.c.Done()

	assert.Equal(t, 0, h.eng.Live(""))
	st := h.stats(t)
	assert.Equal(t, StateDisposed, st.Local.Pipeline)
	assert.Equal(t, StateDisposed, st.Offloaded.Pipeline)
	assert.Equal(t, 0, st.LiveTensorRequests)

	require.NoError(t, h.c.Shutdown(ctx), "shutdown is idempotent")
	assert.ErrorIs(t, h.c.StartPipeline(ctx, ModeLocal), ErrClosed)
}

func TestCoordinator_ShutdownWithoutRun(t *testing.T) {
	c, err := New(Config{ModelPath: "m.tflite"}, Dependencies{
		Engine:   enginetest.New(),
		Registry: discovery.NewMemoryRegistry(),
		Files:    newAssetDir(t, nil),
	})
	require.NoError(t, err)
	require.NoError(t, c.Shutdown(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
}

// An input lost inside the pipeline must not shift later results onto the
// wrong request.
func TestCoordinator_LostResultExpires(t *testing.T) {
	h := newHarnessWith(t, Config{OffloadTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	h.advertise(t)
	require.NoError(t, h.c.StartPipeline(ctx, ModeOffloaded))

	p := h.eng.Pipelines()[0]
	p.DropNext()
	lost, err := h.c.RunInference(ctx, ModeOffloaded, "images/orange.jpg")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond) // past twice the query timeout

	id, err := h.c.RunInference(ctx, ModeOffloaded, "images/cat.jpg")
	require.NoError(t, err)

	res := h.next(t)
	assert.Equal(t, id, res.RequestID)
	assert.NotEqual(t, lost, res.RequestID)
	assert.Equal(t, len(catJPEG)%enginetest.Classes, res.LabelIndex)
	assert.Less(t, res.Elapsed, 100*time.Millisecond, "latency excludes the gap")

	st := h.stats(t)
	assert.Equal(t, uint64(1), st.Offloaded.Expired)
	assert.Equal(t, 0, st.Offloaded.Pending)
	assert.Equal(t, uint64(1), st.Offloaded.Latency.Completed)
}

func TestCoordinator_SweepExpiresWithoutTraffic(t *testing.T) {
	h := newHarnessWith(t, Config{LocalTimeout: 40 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, h.c.StartPipeline(ctx, ModeLocal))

	h.eng.Pipelines()[0].DropNext()
	_, err := h.c.RunInference(ctx, ModeLocal, "images/orange.jpg")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		st, err := h.c.Stats(ctx)
		return err == nil && st.Local.Pending == 0 && st.Local.Expired == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_PipelineFailureConsumesRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.c.StartPipeline(ctx, ModeLocal))

	h.eng.Pipelines()[0].FailNext(errors.New("jpegdec: not a jpeg"))
	_, err := h.c.RunInference(ctx, ModeLocal, "images/orange.jpg")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		st, err := h.c.Stats(ctx)
		return err == nil && st.Local.Failed == 1 && st.Local.Pending == 0
	}, time.Second, 10*time.Millisecond)

	id, err := h.c.RunInference(ctx, ModeLocal, "images/cat.jpg")
	require.NoError(t, err)
	res := h.next(t)
	assert.Equal(t, id, res.RequestID)
	assert.Equal(t, len(catJPEG)%enginetest.Classes, res.LabelIndex)
}

func TestCoordinator_CancelTearsDown(t *testing.T) {
	eng := enginetest.New()
	registry := discovery.NewMemoryRegistry()
	require.NoError(t, registry.Put(discovery.ServiceEndpoint{Name: DefaultServiceName, IP: "10.0.0.5", Port: 8080}))
	files := newAssetDir(t, map[string][]byte{"images/orange.jpg": orangeJPEG})

	c, err := New(Config{ModelPath: "m.tflite", LocalIP: "10.0.0.9"}, Dependencies{
		Engine:   eng,
		Registry: registry,
		Files:    files,
		Reporter: ReporterFunc(func(InferenceResult) {}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	require.NoError(t, c.StartPipeline(ctx, ModeLocal))
	require.NoError(t, c.StartPipeline(ctx, ModeOffloaded))
	_, err = c.RunInference(ctx, ModeLocal, "images/orange.jpg")
	require.NoError(t, err)

	cancel()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on cancel")
	}
	require.NoError(t, <-runErr)

	st, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDisposed, st.Local.Pipeline)
	assert.Equal(t, StateDisposed, st.Offloaded.Pipeline)
	assert.Equal(t, 0, st.LiveTensorRequests)
	assert.Equal(t, 0, eng.Live(""))
}

func TestCoordinator_PostGivesUpOnQuit(t *testing.T) {
	c, err := New(Config{ModelPath: "m.tflite", CompletionBuffer: 1}, Dependencies{
		Engine:   enginetest.New(),
		Registry: discovery.NewMemoryRegistry(),
		Files:    newAssetDir(t, nil),
	})
	require.NoError(t, err)

	// Loop not running: the first post fills the buffer, the second blocks.
	c.post(completion{mode: ModeLocal}, nil)

	quit := make(chan struct{})
	returned := make(chan struct{})
	go func() {
		c.post(completion{mode: ModeLocal}, quit)
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("post returned with a full buffer")
	case <-time.After(50 * time.Millisecond):
	}

	close(quit)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("post still blocked after quit")
	}
}

func TestCoordinator_AcceptedCommandOutlivesCallerContext(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	ran := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- h.c.do(ctx, func() error {
			close(ran)
			<-release
			return nil
		})
	}()

	<-ran
	cancel()
	select {
	case err := <-errc:
		t.Fatalf("do returned %v before the command finished", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-errc:
		assert.NoError(t, err, "the command's outcome, not the context error")
	case <-time.After(time.Second):
		t.Fatal("do did not return")
	}
}

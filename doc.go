// Package offload coordinates image-classification inference between a local
// model and a remote inference service discovered at runtime.
//
// Each execution path (ModeLocal, ModeOffloaded) owns one engine pipeline:
//
//	appsrc → jpegdec → videoconvert → tensor_converter → <stage> → tensor_sink
//
// where <stage> is a tensor_filter running the model on this device, or a
// tensor_query_client pointed at the endpoint the registry returned for the
// configured service.
//
// Usage:
//
//	c, err := offload.New(offload.Config{
//	    ModelPath: "models/mobilenet_v1_1.0_224_quant.tflite",
//	    LocalIP:   ip,
//	}, offload.Dependencies{
//	    Engine:   eng,
//	    Registry: registry,
//	    Files:    files,
//	    Reporter: reporter,
//	})
//	go c.Run(ctx)
//
//	c.StartPipeline(ctx, offload.ModeLocal)
//	id, err := c.RunInference(ctx, offload.ModeLocal, "images/orange.jpg")
//	...
//	c.Shutdown(ctx)
//
// RunInference returns as soon as the tensor is pushed; the Reporter receives
// the InferenceResult with the arg-max class and the per-request elapsed time.
//
// Thread model: one goroutine (Run) owns pipelines, tensors and pending
// requests. Sink callbacks from engine goroutines are copied and posted to it.
package offload

package offload

import (
	"fmt"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/offload/discovery"
)

const (
	// InputWidth and InputHeight are the frame size fed to the model.
	InputWidth  = 224
	InputHeight = 224

	// Classes is the length of the classification output tensor.
	Classes = 1001

	// DefaultFramework is the tensor_filter framework for local inference.
	DefaultFramework = "tensorflow-lite"

	// DefaultOffloadTimeout bounds one tensor_query_client round trip.
	DefaultOffloadTimeout = 1000 * time.Millisecond
)

// BuildDescription returns the pipeline topology for mode with stage as the
// inference element:
//
//	appsrc(jpeg) → jpegdec → videoconvert → RGB 224x224 → tensor_converter →
//	uint8 3:224:224:1 → stage → uint8 1001:1 → tensor_sink
//
// Element names srcx_<mode> and sinkx_<mode> identify the endpoints.
func BuildDescription(mode Mode, stage string) string {
	return fmt.Sprintf(
		"appsrc caps=image/jpeg name=%s ! jpegdec ! "+
			"videoconvert ! video/x-raw,format=RGB,framerate=0/1,width=%d,height=%d ! tensor_converter ! "+
			"other/tensors,num_tensors=1,format=static,dimensions=(string)3:%d:%d:1,types=uint8,framerate=0/1 ! "+
			"%s ! "+
			"other/tensors,num_tensors=1,format=static,dimensions=(string)%d:1,types=uint8,framerate=0/1 ! "+
			"tensor_sink name=%s",
		mode.SourceName(),
		InputWidth, InputHeight,
		InputWidth, InputHeight,
		stage,
		Classes,
		mode.SinkName(),
	)
}

// LocalStage runs a model file on this device.
type LocalStage struct {
	Framework string
	ModelPath string
}

// String returns the tensor_filter element.
func (s LocalStage) String() string {
	fw := s.Framework
	if fw == "" {
		fw = DefaultFramework
	}
	return fmt.Sprintf("tensor_filter framework=%s model=%s", fw, s.ModelPath)
}

// OffloadStage queries a remote tensor_query_serversrc.
type OffloadStage struct {
	Host     string
	Port     uint16
	DestHost string
	DestPort uint16
	Timeout  time.Duration
}

// NewOffloadStage builds the query stage for ep, reached from localIP. The
// remote port is used for both the client and destination port.
func NewOffloadStage(localIP string, ep discovery.ServiceEndpoint, timeout time.Duration) OffloadStage {
	if timeout <= 0 {
		timeout = DefaultOffloadTimeout
	}
	return OffloadStage{
		Host:     localIP,
		Port:     ep.Port,
		DestHost: ep.IP,
		DestPort: ep.Port,
		Timeout:  timeout,
	}
}

// String returns the tensor_query_client element.
func (s OffloadStage) String() string {
	return fmt.Sprintf("tensor_query_client host=%s port=%d dest-host=%s dest-port=%d timeout=%d",
		s.Host, s.Port, s.DestHost, s.DestPort, s.Timeout.Milliseconds())
}

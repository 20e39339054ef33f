package offload

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/offload/assets"
	"github.com/e7canasta/orion-care-sensor/modules/offload/tensor"
)

// TensorRequest is the input of one inference call: the open image file, the
// tensor descriptor and the tensor buffer. The three are released together.
type TensorRequest struct {
	ID   string
	Mode Mode
	Path string

	file     assets.File
	info     *tensor.Info
	data     *tensor.Data
	size     int
	released bool
}

// Data returns the tensor buffer, nil once released.
func (r *TensorRequest) Data() *tensor.Data { return r.data }

// Size returns the number of input bytes.
func (r *TensorRequest) Size() int { return r.size }

// Released reports whether release has run.
func (r *TensorRequest) Released() bool { return r.released }

// release closes the file and disposes descriptor and buffer. Every step is
// attempted; the first call wins.
func (r *TensorRequest) release() error {
	if r.released {
		return nil
	}
	r.released = true

	var err error
	if r.file != nil {
		if cerr := r.file.Close(); cerr != nil {
			err = fmt.Errorf("offload: close %q: %w", r.Path, cerr)
		}
		r.file = nil
	}
	if r.data != nil {
		r.data.Dispose()
		r.data = nil
	}
	if r.info != nil {
		r.info.Dispose()
		r.info = nil
	}
	return err
}

// tensorBuffers keeps the current TensorRequest and releases it before a new
// one is built.
type tensorBuffers struct {
	current  *TensorRequest
	created  uint64
	released uint64
}

// outstanding returns the number of requests built and not yet released.
func (b *tensorBuffers) outstanding() int {
	return int(b.created - b.released)
}

func (b *tensorBuffers) release() error {
	req := b.current
	if req == nil {
		return nil
	}
	b.current = nil
	b.released++
	return req.release()
}

// prepare releases the current request, then opens path and copies its bytes
// into a fresh ("tensor", UINT8, [len]) tensor. On failure everything acquired
// so far is released and no request is current.
func (b *tensorBuffers) prepare(mode Mode, files assets.FS, path string) (*TensorRequest, error) {
	if err := b.release(); err != nil {
		slog.Warn("offload: previous tensor request released with errors", "error", err)
	}

	req := &TensorRequest{ID: uuid.NewString(), Mode: mode, Path: path}
	fail := func(err error) (*TensorRequest, error) {
		if rerr := req.release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, err
	}

	f, err := files.Open(path)
	if err != nil {
		return nil, fmt.Errorf("offload: open image: %w", err)
	}
	req.file = f

	raw, err := f.ReadData()
	if err != nil {
		return fail(fmt.Errorf("offload: read image: %w", err))
	}
	if len(raw) == 0 {
		return fail(fmt.Errorf("offload: image %q is empty", path))
	}

	req.info = tensor.NewInfo()
	if _, err := req.info.AddTensorInfo("tensor", tensor.Uint8, []int{len(raw)}); err != nil {
		return fail(fmt.Errorf("offload: describe tensor: %w", err))
	}
	data, err := req.info.NewData()
	if err != nil {
		return fail(fmt.Errorf("offload: allocate tensor: %w", err))
	}
	req.data = data
	if err := data.SetRawData(0, raw); err != nil {
		return fail(fmt.Errorf("offload: fill tensor: %w", err))
	}
	req.size = len(raw)

	b.current = req
	b.created++
	return req, nil
}

package gpu

import (
	"context"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/shadernn/fence"
)

// pollInterval bounds each device wait so cancellation is noticed.
const pollInterval = 10 * time.Millisecond

// halSignal adapts a hal fence to fence.Signal.
type halSignal struct {
	device hal.Device
	fence  hal.Fence
	value  uint64
	once   sync.Once
}

var _ fence.Signal = (*halSignal)(nil)

func (s *halSignal) Signaled() (bool, error) {
	return s.device.Wait(s.fence, s.value, 0)
}

func (s *halSignal) Wait(ctx context.Context) error {
	for {
		ok, err := s.device.Wait(s.fence, s.value, pollInterval)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *halSignal) Release() {
	s.once.Do(func() { s.device.DestroyFence(s.fence) })
}

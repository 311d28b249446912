// Package fence implements monotonic completion tickets that let CPU code
// observe and wait for asynchronous GPU work.
//
// GPU tickets wrap a hardware Signal and are kept in a FIFO: querying or
// waiting on ticket N retires every older signaled ticket, and a ticket
// older than the oldest outstanding one has passed by definition. CPU
// tickets live in a pending set and are cleared explicitly by SignalCPU.
//
// Each kind is guarded by its own mutex. Blocking waits release the lock
// first so other goroutines can keep inserting and querying fences, and
// every wait honours a context and a timeout.
package fence

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Errors returned by Manager.
var (
	// ErrWrongKind is returned when a CPU-only operation gets a GPU fence.
	ErrWrongKind = errors.New("fence: wrong fence kind")

	// ErrUnknownTicket is returned for tickets that were never issued.
	ErrUnknownTicket = errors.New("fence: unknown ticket")

	// ErrTimeout is returned when a wait exceeds its deadline.
	ErrTimeout = errors.New("fence: wait timed out")
)

// DefaultWaitTimeout bounds waits that carry no context deadline.
const DefaultWaitTimeout = 10 * time.Second

// Kind distinguishes GPU and CPU fences.
type Kind uint8

const (
	GPU Kind = iota
	CPU
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k == CPU {
		return "cpu"
	}
	return "gpu"
}

// Fence is an opaque ticket. The zero Fence is never pending.
type Fence struct {
	Kind  Kind
	Value uint64
}

// IsZero reports whether f is the zero fence.
func (f Fence) IsZero() bool { return f.Value == 0 }

// String implements fmt.Stringer.
func (f Fence) String() string { return fmt.Sprintf("%s#%d", f.Kind, f.Value) }

// Signal is one hardware completion token.
type Signal interface {
	// Signaled reports completion without blocking.
	Signaled() (bool, error)
	// Wait blocks until completion or ctx is done.
	Wait(ctx context.Context) error
	// Release frees the underlying token. Called once, after retirement
	// and after every Wait on it has returned.
	Release()
}

// gpuEntry is one FIFO slot. waiters counts goroutines blocked in
// Signal.Wait with gpuMu dropped; a retired entry with waiters is released
// by the last of them. Fields are guarded by gpuMu.
type gpuEntry struct {
	value   uint64
	signal  Signal
	waiters int
	retired bool
}

// retireLocked drops e from bookkeeping and releases it unless a waiter
// still holds it.
func (e *gpuEntry) retireLocked() {
	e.retired = true
	if e.waiters == 0 {
		e.signal.Release()
	}
}

// Manager issues and tracks fences.
type Manager struct {
	gpuMu   sync.Mutex
	gpu     []*gpuEntry
	gpuNext uint64

	cpuMu   sync.Mutex
	cpu     map[uint64]struct{}
	cpuNext uint64

	timeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithWaitTimeout sets the deadline applied to waits whose context has none.
// Zero or negative disables the default deadline.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		cpu:     make(map[uint64]struct{}),
		timeout: DefaultWaitTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// InsertGPU enqueues s at the back of the FIFO and returns its ticket.
func (m *Manager) InsertGPU(s Signal) Fence {
	m.gpuMu.Lock()
	defer m.gpuMu.Unlock()
	m.gpuNext++
	m.gpu = append(m.gpu, &gpuEntry{value: m.gpuNext, signal: s})
	slogger().Debug("fence: gpu inserted", "ticket", m.gpuNext, "outstanding", len(m.gpu))
	return Fence{Kind: GPU, Value: m.gpuNext}
}

// CreateCPU issues a pending CPU ticket.
func (m *Manager) CreateCPU() Fence {
	m.cpuMu.Lock()
	defer m.cpuMu.Unlock()
	m.cpuNext++
	m.cpu[m.cpuNext] = struct{}{}
	return Fence{Kind: CPU, Value: m.cpuNext}
}

// SignalCPU clears a CPU ticket. Signaling an already cleared ticket is a
// no-op.
func (m *Manager) SignalCPU(f Fence) error {
	if f.Kind != CPU {
		return fmt.Errorf("%w: signal on %s", ErrWrongKind, f)
	}
	m.cpuMu.Lock()
	defer m.cpuMu.Unlock()
	if f.Value == 0 || f.Value > m.cpuNext {
		return fmt.Errorf("%w: %s", ErrUnknownTicket, f)
	}
	delete(m.cpu, f.Value)
	return nil
}

// IsPending reports whether f has not completed yet. It never blocks.
func (m *Manager) IsPending(f Fence) (bool, error) {
	if f.IsZero() {
		return false, nil
	}
	if f.Kind == CPU {
		return m.cpuPending(f.Value)
	}
	return m.gpuPending(f.Value)
}

// Wait blocks until f completes, ctx is done or the default timeout
// expires. On success IsPending(f) is false.
func (m *Manager) Wait(ctx context.Context, f Fence) error {
	if f.IsZero() {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	var err error
	if f.Kind == CPU {
		err = m.waitCPU(ctx, f.Value)
	} else {
		err = m.waitGPU(ctx, f.Value)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, f, err)
	}
	return err
}

// WaitTimeout is Wait with an explicit deadline.
func (m *Manager) WaitTimeout(f Fence, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return m.Wait(ctx, f)
}

// Latest returns the most recently inserted GPU fence, or the zero fence.
func (m *Manager) Latest() Fence {
	m.gpuMu.Lock()
	defer m.gpuMu.Unlock()
	if m.gpuNext == 0 {
		return Fence{}
	}
	return Fence{Kind: GPU, Value: m.gpuNext}
}

// Sync waits for all GPU work submitted so far.
func (m *Manager) Sync(ctx context.Context) error {
	return m.Wait(ctx, m.Latest())
}

// Outstanding returns the number of unretired GPU tickets and pending CPU
// tickets.
func (m *Manager) Outstanding() (gpu, cpu int) {
	m.gpuMu.Lock()
	gpu = len(m.gpu)
	m.gpuMu.Unlock()
	m.cpuMu.Lock()
	cpu = len(m.cpu)
	m.cpuMu.Unlock()
	return gpu, cpu
}

// Close retires every outstanding GPU token without waiting. Tokens still
// being waited on are released when their waiters return.
func (m *Manager) Close() {
	m.gpuMu.Lock()
	defer m.gpuMu.Unlock()
	for _, e := range m.gpu {
		e.retireLocked()
	}
	m.gpu = nil
}

// locate returns the FIFO offset of ticket v. passed is true when v is
// older than every outstanding ticket. Caller holds gpuMu.
func (m *Manager) locate(v uint64) (offset int, passed bool, err error) {
	if v > m.gpuNext {
		return 0, false, fmt.Errorf("%w: gpu#%d (latest %d)", ErrUnknownTicket, v, m.gpuNext)
	}
	if len(m.gpu) == 0 || v < m.gpu[0].value {
		return 0, true, nil
	}
	return int(v - m.gpu[0].value), false, nil
}

// retire removes FIFO entries [0, offset]. Caller holds gpuMu.
func (m *Manager) retire(offset int) {
	for i := 0; i <= offset; i++ {
		m.gpu[i].retireLocked()
		m.gpu[i] = nil
	}
	m.gpu = append(m.gpu[:0], m.gpu[offset+1:]...)
}

func (m *Manager) gpuPending(v uint64) (bool, error) {
	m.gpuMu.Lock()
	defer m.gpuMu.Unlock()

	offset, passed, err := m.locate(v)
	if err != nil || passed {
		return false, err
	}
	done, err := m.gpu[offset].signal.Signaled()
	if err != nil {
		return false, err
	}
	if !done {
		return true, nil
	}
	m.retire(offset)
	return false, nil
}

func (m *Manager) waitGPU(ctx context.Context, v uint64) error {
	m.gpuMu.Lock()
	offset, passed, err := m.locate(v)
	if err != nil || passed {
		m.gpuMu.Unlock()
		return err
	}
	e := m.gpu[offset]
	e.waiters++
	m.gpuMu.Unlock()

	werr := e.signal.Wait(ctx)

	m.gpuMu.Lock()
	defer m.gpuMu.Unlock()
	e.waiters--
	if e.retired && e.waiters == 0 {
		e.signal.Release()
	}
	if werr != nil {
		return werr
	}

	// Retire up to v unless another goroutine already did.
	offset, passed, err = m.locate(v)
	if err != nil || passed {
		return err
	}
	m.retire(offset)
	return nil
}

func (m *Manager) cpuPending(v uint64) (bool, error) {
	m.cpuMu.Lock()
	defer m.cpuMu.Unlock()
	if v > m.cpuNext {
		return false, fmt.Errorf("%w: cpu#%d", ErrUnknownTicket, v)
	}
	_, ok := m.cpu[v]
	return ok, nil
}

func (m *Manager) waitCPU(ctx context.Context, v uint64) error {
	backoff := time.Microsecond
	for {
		pending, err := m.cpuPending(v)
		if err != nil || !pending {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if backoff < 64*time.Microsecond {
			runtime.Gosched()
		} else {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		backoff = min(backoff*2, time.Millisecond)
	}
}

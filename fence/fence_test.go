package fence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testSignal is a manually fired completion token.
type testSignal struct {
	once     sync.Once
	done     chan struct{}
	released atomic.Bool
}

func newTestSignal() *testSignal { return &testSignal{done: make(chan struct{})} }

func (s *testSignal) fire() { s.once.Do(func() { close(s.done) }) }

func (s *testSignal) Signaled() (bool, error) {
	select {
	case <-s.done:
		return true, nil
	default:
		return false, nil
	}
}

func (s *testSignal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *testSignal) Release() { s.released.Store(true) }

func TestZeroFenceNeverPending(t *testing.T) {
	m := NewManager()
	pending, err := m.IsPending(Fence{})
	if err != nil || pending {
		t.Errorf("IsPending(zero) = %v, %v", pending, err)
	}
	if err := m.Wait(context.Background(), Fence{}); err != nil {
		t.Errorf("Wait(zero) = %v", err)
	}
}

func TestGPUFIFOProperty(t *testing.T) {
	const n = 8
	for k := 1; k <= n; k++ {
		m := NewManager()
		sigs := make([]*testSignal, n)
		fences := make([]Fence, n)
		for i := range sigs {
			sigs[i] = newTestSignal()
			fences[i] = m.InsertGPU(sigs[i])
			if fences[i].Value != uint64(i+1) {
				t.Fatalf("ticket %d = %d", i, fences[i].Value)
			}
		}

		// Hardware completes in submission order up to k.
		for i := 0; i < k; i++ {
			sigs[i].fire()
		}
		if err := m.WaitTimeout(fences[k-1], time.Second); err != nil {
			t.Fatalf("k=%d: Wait = %v", k, err)
		}

		for i := 0; i < k; i++ {
			pending, err := m.IsPending(fences[i])
			if err != nil || pending {
				t.Errorf("k=%d: fence %d pending=%v err=%v after waiting on k", k, i+1, pending, err)
			}
			if !sigs[i].released.Load() {
				t.Errorf("k=%d: fence %d not released", k, i+1)
			}
		}
		for i := k; i < n; i++ {
			pending, err := m.IsPending(fences[i])
			if err != nil || !pending {
				t.Errorf("k=%d: fence %d retired before signal (pending=%v err=%v)", k, i+1, pending, err)
			}
			if sigs[i].released.Load() {
				t.Errorf("k=%d: fence %d released early", k, i+1)
			}
		}
		gpu, _ := m.Outstanding()
		if gpu != n-k {
			t.Errorf("k=%d: outstanding = %d, want %d", k, gpu, n-k)
		}
		m.Close()
	}
}

func TestGPUQueryRetiresOlder(t *testing.T) {
	m := NewManager()
	a, b := newTestSignal(), newTestSignal()
	fa := m.InsertGPU(a)
	fb := m.InsertGPU(b)
	a.fire()
	b.fire()

	pending, err := m.IsPending(fb)
	if err != nil || pending {
		t.Fatalf("IsPending(fb) = %v, %v", pending, err)
	}
	if !a.released.Load() {
		t.Error("older ticket not released by query on newer one")
	}
	// fa is now older than the oldest outstanding ticket.
	if pending, _ := m.IsPending(fa); pending {
		t.Error("retired ticket reported pending")
	}
}

// heldSignal is signaled from the start, but Wait returns only once leave
// is closed. It records releases that arrive while a Wait is in flight.
type heldSignal struct {
	enter    sync.Once
	entered  chan struct{}
	leave    chan struct{}
	inWait   atomic.Int32
	early    atomic.Bool
	releases atomic.Int32
}

func newHeldSignal() *heldSignal {
	return &heldSignal{entered: make(chan struct{}), leave: make(chan struct{})}
}

func (s *heldSignal) Signaled() (bool, error) { return true, nil }

func (s *heldSignal) Wait(context.Context) error {
	s.inWait.Add(1)
	s.enter.Do(func() { close(s.entered) })
	<-s.leave
	s.inWait.Add(-1)
	return nil
}

func (s *heldSignal) Release() {
	if s.inWait.Load() > 0 {
		s.early.Store(true)
	}
	s.releases.Add(1)
}

func TestGPURetireDuringWait(t *testing.T) {
	retirers := []struct {
		name   string
		retire func(m *Manager, newer Fence) error
	}{
		{"query newer", func(m *Manager, newer Fence) error {
			_, err := m.IsPending(newer)
			return err
		}},
		{"wait newer", func(m *Manager, newer Fence) error {
			return m.WaitTimeout(newer, time.Second)
		}},
		{"close", func(m *Manager, _ Fence) error {
			m.Close()
			return nil
		}},
	}
	for _, tt := range retirers {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			held, newer := newHeldSignal(), newTestSignal()
			fa := m.InsertGPU(held)
			fb := m.InsertGPU(newer)
			newer.fire()

			done := make(chan error, 1)
			go func() { done <- m.Wait(context.Background(), fa) }()
			<-held.entered

			if err := tt.retire(m, fb); err != nil {
				t.Fatal(err)
			}
			if held.releases.Load() != 0 {
				t.Fatal("signal released while a Wait on it was in flight")
			}

			close(held.leave)
			if err := <-done; err != nil {
				t.Fatalf("Wait(fa) = %v", err)
			}
			if held.early.Load() {
				t.Error("signal released before its Wait returned")
			}
			if n := held.releases.Load(); n != 1 {
				t.Errorf("signal released %d times, want 1", n)
			}
		})
	}
}

func TestGPUConcurrentWaitersReleaseOnce(t *testing.T) {
	m := NewManager()
	held := newHeldSignal()
	f := m.InsertGPU(held)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Wait(context.Background(), f); err != nil {
				t.Error(err)
			}
		}()
	}
	<-held.entered
	close(held.leave)
	wg.Wait()
	if n := held.releases.Load(); n != 1 {
		t.Errorf("signal released %d times, want 1", n)
	}
	if gpu, _ := m.Outstanding(); gpu != 0 {
		t.Errorf("outstanding = %d, want 0", gpu)
	}
}

func TestGPUWaitTimeout(t *testing.T) {
	m := NewManager()
	f := m.InsertGPU(newTestSignal())
	err := m.WaitTimeout(f, 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Wait = %v, want ErrTimeout", err)
	}
	if pending, _ := m.IsPending(f); !pending {
		t.Error("fence should still be pending after timeout")
	}
}

func TestGPUWaitCancel(t *testing.T) {
	m := NewManager()
	f := m.InsertGPU(newTestSignal())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Wait(ctx, f); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v, want context.Canceled", err)
	}
}

func TestUnknownTicket(t *testing.T) {
	m := NewManager()
	if _, err := m.IsPending(Fence{Kind: GPU, Value: 3}); !errors.Is(err, ErrUnknownTicket) {
		t.Errorf("IsPending(gpu#3) = %v, want ErrUnknownTicket", err)
	}
	if _, err := m.IsPending(Fence{Kind: CPU, Value: 3}); !errors.Is(err, ErrUnknownTicket) {
		t.Errorf("IsPending(cpu#3) = %v, want ErrUnknownTicket", err)
	}
}

func TestCPUFence(t *testing.T) {
	m := NewManager()
	a := m.CreateCPU()
	b := m.CreateCPU()
	if a.Kind != CPU || b.Value != a.Value+1 {
		t.Fatalf("CreateCPU = %v, %v", a, b)
	}

	// CPU tickets are not FIFO: clearing b leaves a pending.
	if err := m.SignalCPU(b); err != nil {
		t.Fatal(err)
	}
	if p, _ := m.IsPending(a); !p {
		t.Error("a should be pending")
	}
	if p, _ := m.IsPending(b); p {
		t.Error("b should be cleared")
	}

	done := make(chan error, 1)
	go func() { done <- m.WaitTimeout(a, time.Second) }()
	time.Sleep(5 * time.Millisecond)
	if err := m.SignalCPU(a); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Errorf("Wait(a) = %v", err)
	}
}

func TestCPUWaitTimeout(t *testing.T) {
	m := NewManager()
	f := m.CreateCPU()
	if err := m.WaitTimeout(f, 5*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("Wait = %v, want ErrTimeout", err)
	}
}

func TestSignalWrongKind(t *testing.T) {
	m := NewManager()
	f := m.InsertGPU(newTestSignal())
	if err := m.SignalCPU(f); !errors.Is(err, ErrWrongKind) {
		t.Errorf("SignalCPU(gpu) = %v, want ErrWrongKind", err)
	}
}

func TestSyncWaitsLatest(t *testing.T) {
	m := NewManager()
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync on empty manager = %v", err)
	}
	s1, s2 := newTestSignal(), newTestSignal()
	m.InsertGPU(s1)
	m.InsertGPU(s2)
	s1.fire()
	s2.fire()
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync = %v", err)
	}
	if gpu, _ := m.Outstanding(); gpu != 0 {
		t.Errorf("outstanding after Sync = %d", gpu)
	}
}

func TestConcurrentInsertAndWait(t *testing.T) {
	m := NewManager(WithWaitTimeout(2 * time.Second))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s := newTestSignal()
				f := m.InsertGPU(s)
				s.fire()
				if err := m.Wait(context.Background(), f); err != nil {
					t.Errorf("Wait(%v) = %v", f, err)
					return
				}
				c := m.CreateCPU()
				_ = m.SignalCPU(c)
			}
		}()
	}
	wg.Wait()
}

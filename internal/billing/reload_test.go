package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countingFactory struct {
	mu       sync.Mutex
	services []*MockService
	failNext bool
}

func (f *countingFactory) build() (*Controller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return nil, errors.New("provider configuration invalid")
	}
	svc := NewMockService()
	svc.OwnedPurchases = []PurchaseRecord{{ProductID: testProductID, PurchaseID: "sub_1"}}
	f.services = append(f.services, svc)
	return NewController(svc, Options{
		ProductID: testProductID,
		Retry:     RetryConfig{BaseDelay: time.Hour},
	}, zerolog.Nop()), nil
}

func (f *countingFactory) built() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.services)
}

func (f *countingFactory) service(i int) *MockService {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services[i]
}

func TestReloadableController_StartInitializes(t *testing.T) {
	factory := &countingFactory{}
	swaps := 0

	rc, err := NewReloadableController(factory.build, func(*Controller) { swaps++ }, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewReloadableController() error = %v", err)
	}
	t.Cleanup(rc.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rc.Start(ctx)

	waitFor(t, 2*time.Second, rc.Get().Ready().Get, "controller never became ready")

	if swaps != 1 {
		t.Errorf("onSwap ran %d times, want 1", swaps)
	}
	if factory.built() != 1 {
		t.Errorf("factory built %d controllers, want 1", factory.built())
	}
}

func TestReloadableController_ReloadSwapsController(t *testing.T) {
	factory := &countingFactory{}
	rc, err := NewReloadableController(factory.build, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewReloadableController() error = %v", err)
	}
	t.Cleanup(rc.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rc.Start(ctx)

	first := rc.Get()
	waitFor(t, 2*time.Second, first.Ready().Get, "first controller never became ready")

	if err := rc.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return rc.Get() != first && rc.Get().Ready().Get()
	}, "replacement controller never became ready")

	_, end, _, _ := factory.service(0).CallCounts()
	if end != 1 {
		t.Errorf("old controller EndConnection calls = %d, want 1", end)
	}
	if factory.built() != 2 {
		t.Errorf("factory built %d controllers, want 2", factory.built())
	}
}

func TestReloadableController_FactoryFailureKeepsOldController(t *testing.T) {
	factory := &countingFactory{}
	rc, err := NewReloadableController(factory.build, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewReloadableController() error = %v", err)
	}
	t.Cleanup(rc.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rc.Start(ctx)

	first := rc.Get()
	waitFor(t, 2*time.Second, first.Ready().Get, "controller never became ready")

	factory.mu.Lock()
	factory.failNext = true
	factory.mu.Unlock()

	rc.Reload()

	// Give the reload watcher time to process and fail.
	time.Sleep(50 * time.Millisecond)

	if rc.Get() != first {
		t.Error("controller was swapped despite factory failure")
	}
	if !first.Ready().Get() {
		t.Error("old controller no longer ready after failed reload")
	}
	_, end, _, _ := factory.service(0).CallCounts()
	if end != 0 {
		t.Errorf("old controller EndConnection calls = %d, want 0", end)
	}
}

func TestReloadableController_InitialFactoryError(t *testing.T) {
	factory := &countingFactory{failNext: true}
	if _, err := NewReloadableController(factory.build, nil, zerolog.Nop()); err == nil {
		t.Fatal("NewReloadableController() error = nil, want factory error")
	}
}

package callgroup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoSharesResult(t *testing.T) {
	var g Group[string, int]
	var calls atomic.Int32
	gate := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := g.Do(context.Background(), "k", func() (int, error) {
				calls.Add(1)
				<-gate
				return 99, nil
			})
			if err != nil || v != 99 {
				t.Errorf("v = %d, err = %v", v, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestDoForgetsAfterCompletion(t *testing.T) {
	var g Group[string, int]
	calls := 0
	for i := 0; i < 3; i++ {
		v, err := g.Do(context.Background(), "k", func() (int, error) {
			calls++
			return calls, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if v != i+1 {
			t.Errorf("v = %d, want %d", v, i+1)
		}
	}
	if calls != 3 {
		t.Errorf("calls = %d", calls)
	}
}

func TestErrorSharedNotRemembered(t *testing.T) {
	var g Group[string, int]
	boom := errors.New("boom")
	if _, err := g.Do(context.Background(), "k", func() (int, error) {
		return 0, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	v, err := g.Do(context.Background(), "k", func() (int, error) {
		return 1, nil
	})
	if err != nil || v != 1 {
		t.Errorf("v = %d, err = %v", v, err)
	}
}

func TestContextCancelAbortsWait(t *testing.T) {
	var g Group[string, int]
	started := make(chan struct{})
	gate := make(chan struct{})
	defer close(gate)

	go g.Do(context.Background(), "k", func() (int, error) {
		close(started)
		<-gate
		return 1, nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Do(ctx, "k", func() (int, error) { return 2, nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestInFlight(t *testing.T) {
	var g Group[string, int]
	if g.InFlight("k") {
		t.Error("nothing should be in flight")
	}
	started := make(chan struct{})
	gate := make(chan struct{})
	done := make(chan struct{})
	go func() {
		g.Do(context.Background(), "k", func() (int, error) {
			close(started)
			<-gate
			return 0, nil
		})
		close(done)
	}()
	<-started
	if !g.InFlight("k") {
		t.Error("call should be in flight")
	}
	close(gate)
	<-done
	if g.InFlight("k") {
		t.Error("call should be forgotten")
	}
}

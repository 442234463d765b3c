package listener

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireBindsOnceForConcurrentRequests(t *testing.T) {
	r := NewRegistry()
	fp := Fingerprint("tcp", "127.0.0.1:0")

	var binds int32
	bind := func() (net.Listener, error) {
		atomic.AddInt32(&binds, 1)
		time.Sleep(20 * time.Millisecond) // simulate a slow bind
		return net.Listen("tcp", "127.0.0.1:0")
	}

	const callers = 8
	results := make([]net.Listener, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			ln, err := r.Acquire(context.Background(), fp, bind)
			results[i] = ln
			errs[i] = err
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&binds); got != 1 {
		t.Fatalf("bind called %d times, want 1", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, err)
		}
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different listener than caller 0", i)
		}
	}

	results[0].Close()
}

func TestAcquireReadyFingerprintAnswersImmediately(t *testing.T) {
	r := NewRegistry()
	fp := Fingerprint("tcp", "127.0.0.1:0")

	ln1, err := r.Acquire(context.Background(), fp, func() (net.Listener, error) {
		return net.Listen("tcp", "127.0.0.1:0")
	})
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer ln1.Close()

	ln2, err := r.Acquire(context.Background(), fp, func() (net.Listener, error) {
		t.Fatal("bind should not be called for an already-ready fingerprint")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ln2 != ln1 {
		t.Fatalf("second acquire returned a different listener")
	}
}

func TestAcquireBindFailurePropagatesToWaiters(t *testing.T) {
	r := NewRegistry()
	fp := Fingerprint("tcp", "bad-address")
	wantErr := errors.New("boom")

	block := make(chan struct{})
	bind := func() (net.Listener, error) {
		<-block
		return nil, wantErr
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Acquire(context.Background(), fp, bind)
			errs[i] = err
		}(i)
	}

	time.Sleep(10 * time.Millisecond) // let the queued waiters register
	close(block)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Fatalf("caller %d: got %v, want %v", i, err, wantErr)
		}
	}

	// A fresh Acquire after a failed bind must retry, not remember the
	// failure forever.
	ln, err := r.Acquire(context.Background(), fp, func() (net.Listener, error) {
		return net.Listen("tcp", "127.0.0.1:0")
	})
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	ln.Close()
}

func TestAcquireContextCancelDoesNotDisturbOtherWaiters(t *testing.T) {
	r := NewRegistry()
	fp := Fingerprint("tcp", "127.0.0.1:0")

	release := make(chan struct{})
	bind := func() (net.Listener, error) {
		<-release
		return net.Listen("tcp", "127.0.0.1:0")
	}

	// First caller starts the (blocked) bind.
	go r.Acquire(context.Background(), fp, bind)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancelDone := make(chan error, 1)
	go func() {
		_, err := r.Acquire(ctx, fp, bind)
		cancelDone <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-cancelDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("canceled waiter never returned")
	}

	survivorDone := make(chan net.Listener, 1)
	go func() {
		ln, _ := r.Acquire(context.Background(), fp, bind)
		survivorDone <- ln
	}()

	close(release)
	select {
	case ln := <-survivorDone:
		if ln == nil {
			t.Fatal("surviving waiter got a nil listener")
		}
		ln.Close()
	case <-time.After(time.Second):
		t.Fatal("surviving waiter never resolved")
	}
}

func TestReleaseClosesListenerAtZeroRefcount(t *testing.T) {
	r := NewRegistry()
	fp := Fingerprint("tcp", "127.0.0.1:0")

	ln, err := r.Acquire(context.Background(), fp, func() (net.Listener, error) {
		return net.Listen("tcp", "127.0.0.1:0")
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := r.Release(fp); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := ln.Accept(); err == nil {
		t.Fatal("expected accept on a released listener to fail")
	}
}

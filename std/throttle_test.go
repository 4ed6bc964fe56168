package std

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/xtaci/kcpthrottle/ratelim"
)

func TestThrottledConnClipsWritesToBucket(t *testing.T) {
	left, right := net.Pipe()
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})

	throttled := NewThrottledConn(left)
	t.Cleanup(func() { throttled.Close() })

	cfg, err := ratelim.NewSymmetricConfig(100, 100, 1000)
	if err != nil {
		t.Fatalf("NewSymmetricConfig: %v", err)
	}
	if err := throttled.SetRateLimit(cfg); err != nil {
		t.Fatalf("SetRateLimit: %v", err)
	}

	payload := bytes.Repeat([]byte("x"), 250)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, len(payload))
		_, err := io.ReadFull(right, buf)
		readErr <- err
	}()

	done := make(chan struct{})
	go func() {
		if _, err := throttled.Write(payload); err != nil {
			t.Errorf("Write error: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("write of 250 bytes against a 100 B/s bucket did not complete in 5s (ticks aren't refilling it)")
	}

	if err := <-readErr; err != nil {
		t.Fatalf("reader error: %v", err)
	}
}

func TestThrottledConnPassthroughWithoutRateLimit(t *testing.T) {
	left, right := net.Pipe()
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})

	throttled := NewThrottledConn(left)
	t.Cleanup(func() { throttled.Close() })

	payload := []byte("no limit configured")
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, len(payload))
		_, err := io.ReadFull(right, buf)
		readErr <- err
	}()

	if _, err := throttled.Write(payload); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := <-readErr; err != nil {
		t.Fatalf("reader error: %v", err)
	}
}

package async

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

type logFunc func(format string, args ...any)

func (f logFunc) Error(format string, args ...any) { f(format, args...) }

func TestGoRecoversAndLogsPanic(t *testing.T) {
	logged := make(chan string, 1)
	logger := logFunc(func(format string, args ...any) {
		logged <- fmt.Sprintf(format, args...)
	})

	Go(logger, "boomer", func() { panic("boom") })

	select {
	case msg := <-logged:
		if !strings.Contains(msg, "boomer") || !strings.Contains(msg, "boom") {
			t.Errorf("log = %q, want the goroutine name and the panic value", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic was never recovered and logged")
	}
}

func TestGoRunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "worker", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("function never ran")
	}
}

func TestGoNilLoggerSwallowsPanic(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "silent", func() {
		defer close(done)
		panic("boom")
	})
	// Recovery keeps the process alive; reaching here is the assertion.
	<-done
}

package wakeup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotifyWakesWaiter(t *testing.T) {
	s := New()
	s.Notify()
	select {
	case <-s.C():
	case <-time.After(time.Second):
		t.Fatal("expected a pending wakeup")
	}
}

func TestNotifyIsNonBlockingWhenAlreadyPending(t *testing.T) {
	s := New()
	s.Notify()
	s.Notify() // must not block even though a wakeup is already buffered

	<-s.C()
	select {
	case <-s.C():
		t.Fatal("a second Notify before drain must coalesce, not queue")
	default:
	}
	assert.True(t, true)
}

package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManagerStartStopCycles(t *testing.T) {
	m := GetManager()

	for i := 0; i < 3; i++ {
		m.Start()
		assert.True(t, m.IsRunning())

		done := make(chan struct{})
		go func() {
			m.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop did not return")
		}
		assert.False(t, m.IsRunning())
	}
}

func TestManagerStopWithoutStartIsNoOp(t *testing.T) {
	m := GetManager()
	m.Stop()
	assert.False(t, m.IsRunning())
}

func TestManagerDoubleStart(t *testing.T) {
	m := GetManager()
	m.Start()
	m.Start()
	assert.True(t, m.IsRunning())
	m.Stop()
	assert.False(t, m.IsRunning())
}

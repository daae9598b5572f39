package session

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_DoneStartsClosed(t *testing.T) {
	rec := newRecord(uuid.New(), "/tmp", "", true)
	select {
	case <-rec.Done():
	default:
		t.Fatal("a record with no attachment must not block waiters")
	}
}

func TestRecord_AdoptOpensNewDonePerAttachment(t *testing.T) {
	rec := newRecord(uuid.New(), "/tmp", "", true)

	first := newFakeHandle()
	firstDone := rec.adopt(first)

	second := newFakeHandle()
	secondDone := rec.adopt(second)
	require.NotEqual(t, firstDone, secondDone)

	// the first attachment's reaper closes only its own channel
	rec.release(first)
	close(firstDone)
	assert.True(t, rec.hasProc(), "releasing a stale handle must not clear the live one")
	select {
	case <-secondDone:
		t.Fatal("the live attachment's done channel closed early")
	default:
	}
}

func TestRecord_WriteWithoutProc(t *testing.T) {
	rec := newRecord(uuid.New(), "/tmp", "", true)
	_, err := rec.Write([]byte("ls\n"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestRecord_SubscribeReplaysScrollback(t *testing.T) {
	rec := newRecord(uuid.New(), "/tmp", "", true)
	rec.emit([]byte("hello "))
	rec.emit([]byte("world"))

	ch, scrollback := rec.Subscribe()
	defer rec.Unsubscribe(ch)
	assert.Equal(t, "hello world", string(scrollback))

	rec.emit([]byte("!"))
	select {
	case data := <-ch:
		assert.Equal(t, "!", string(data))
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive live output")
	}
}

func TestRecord_TerminateEscalates(t *testing.T) {
	rec := newRecord(uuid.New(), "/tmp", "", false)
	h := newFakeHandle()
	// keep the handle "alive" across Terminate so the grace timer fires
	h.once.Do(func() {})
	rec.adopt(h)

	rec.terminate(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.terminated && h.killed
	}, time.Second, time.Millisecond, "an unresponsive process must be killed after the grace period")
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte("abc"))
	assert.Equal(t, "abc", string(rb.Bytes()))
	assert.Equal(t, 3, rb.Len())

	rb.Write([]byte("defghij"))
	assert.Equal(t, "cdefghij", string(rb.Bytes()), "overflow keeps the newest bytes")
	assert.Equal(t, 8, rb.Len())
}

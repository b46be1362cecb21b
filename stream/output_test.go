package stream

import (
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PetrJanouch/jersey/errors"
)

// fakeWire collects writes. With manual set, completions are held until
// complete is called.
type fakeWire struct {
	mu      sync.Mutex
	writes  []string
	pending []func(error)
	manual  bool
	failErr error
}

func (w *fakeWire) write(p []byte, done func(error)) {
	w.mu.Lock()
	w.writes = append(w.writes, string(p))
	if w.manual {
		w.pending = append(w.pending, done)
		w.mu.Unlock()
		return
	}
	err := w.failErr
	w.mu.Unlock()
	done(err)
}

func (w *fakeWire) complete(err error) {
	w.mu.Lock()
	done := w.pending[0]
	w.pending = w.pending[1:]
	w.mu.Unlock()
	done(err)
}

func (w *fakeWire) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.writes...)
}

func bracket(p []byte) []byte {
	return []byte(fmt.Sprintf("[%s]", p))
}

type recordingWriter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingWriter) OnWritePossible() {
	r.mu.Lock()
	r.events = append(r.events, "writable")
	r.mu.Unlock()
}

func (r *recordingWriter) OnError(err error) {
	r.mu.Lock()
	r.events = append(r.events, "error")
	r.mu.Unlock()
}

func (r *recordingWriter) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestOutput_ChunkedBlockingFramesFullBuffers(t *testing.T) {
	out := NewChunked(4, bracket, []byte("END"))
	wire := &fakeWire{}
	closed := make(chan error, 1)
	out.Open(wire.write, func(err error) { closed <- err })

	n, err := out.Write([]byte("abcdefghij"))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.NoError(t, out.Close())

	assert.Equal(t, []string{"[abcd]", "[efgh]", "[ij]END"}, wire.snapshot())
	assert.NoError(t, <-closed)
}

func TestOutput_BlockingWriteWaitsForOpen(t *testing.T) {
	out := NewChunked(2, bracket, nil)
	wire := &fakeWire{}

	written := make(chan error, 1)
	go func() {
		_, err := out.Write([]byte("abc"))
		written <- err
	}()

	select {
	case <-written:
		t.Fatal("Write returned before the stream was opened")
	case <-time.After(20 * time.Millisecond):
	}

	out.Open(wire.write, func(error) {})
	require.NoError(t, <-written)
	assert.Equal(t, []string{"[ab]"}, wire.snapshot())
}

func TestOutput_FixedLengthIsEnforced(t *testing.T) {
	out := NewFixedLength(3, 16)
	wire := &fakeWire{}
	out.Open(wire.write, func(error) {})

	_, err := out.Write([]byte("abcd"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorInvalidArgument, errors.TypeOf(err))

	short := NewFixedLength(3, 16)
	closed := make(chan error, 1)
	short.Open(wire.write, func(err error) { closed <- err })
	_, err = short.Write([]byte("ab"))
	require.NoError(t, err)

	err = short.Close()
	require.Error(t, err)
	assert.Equal(t, err, <-closed)
}

func TestOutput_FixedLengthSendsIdentityBytes(t *testing.T) {
	out := NewFixedLength(5, 16)
	wire := &fakeWire{}
	out.Open(wire.write, func(error) {})

	_, err := out.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, out.Close())
	assert.Equal(t, []string{"hello"}, wire.snapshot())
	assert.Equal(t, int64(5), out.DeclaredLength())
}

func TestOutput_EventDrivenBackpressure(t *testing.T) {
	out := NewChunked(4, bracket, []byte("END"))
	wire := &fakeWire{manual: true}
	l := &recordingWriter{}

	out.SetWriteListener(l)
	require.Empty(t, l.snapshot(), "listener must not fire before the stream is opened")
	require.False(t, out.IsReady())

	closed := make(chan error, 1)
	out.Open(wire.write, func(err error) { closed <- err })
	require.Equal(t, []string{"writable"}, l.snapshot())

	n, err := out.Write([]byte("abcdef"))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, []string{"[abcd]"}, wire.snapshot())

	require.False(t, out.IsReady())
	_, err = out.Write([]byte("x"))
	require.Equal(t, ErrNotReady, err)

	wire.complete(nil)
	require.Equal(t, []string{"writable", "writable"}, l.snapshot())
	require.True(t, out.IsReady())

	_, err = out.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, out.Close())
	require.Equal(t, []string{"[abcd]", "[efx]END"}, wire.snapshot())

	wire.complete(nil)
	assert.NoError(t, <-closed)
}

func TestOutput_WriteFailurePropagates(t *testing.T) {
	out := NewChunked(2, bracket, nil)
	broken := errors.NewTransportError(errors.TransportErrorSocketWriteFailure, "write failed", nil)
	wire := &fakeWire{failErr: broken}
	out.Open(wire.write, func(error) {})

	_, err := out.Write([]byte("abcd"))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrTransport))

	_, err = out.Write([]byte("z"))
	assert.Equal(t, broken, err)
}

func TestOutput_FailNotifiesListener(t *testing.T) {
	out := NewChunked(8, bracket, nil)
	l := &recordingWriter{}
	out.SetWriteListener(l)

	out.Fail(errors.NewTransportError(errors.TransportErrorConnectionClosed, "gone", nil))
	assert.Equal(t, []string{"error"}, l.snapshot())
	assert.Error(t, out.Err())
}

func TestOutput_ModeIsFixedOnFirstUse(t *testing.T) {
	out := NewChunked(8, bracket, nil)
	out.Open((&fakeWire{}).write, func(error) {})
	_, err := out.Write([]byte("a"))
	require.NoError(t, err)

	assert.Panics(t, func() { out.SetWriteListener(&recordingWriter{}) })
	assert.Panics(t, func() { out.IsReady() })
}

func TestOutput_EventDrivenSplitsAtChunkSize(t *testing.T) {
	out := NewChunked(4, bracket, nil)
	wire := &fakeWire{manual: true}
	out.SetWriteListener(&recordingWriter{})
	out.Open(wire.write, func(error) {})

	n, err := out.Write([]byte("abcdefghij"))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	assert.Equal(t, []string{"[abcd][efgh]"}, wire.snapshot())

	wire.complete(nil)
	require.NoError(t, out.Close())
	assert.Equal(t, []string{"[abcd][efgh]", "[ij]"}, wire.snapshot())
}

func TestOutput_FailReleasesStalledBlockingWrite(t *testing.T) {
	out := NewChunked(2, bracket, nil)
	wire := &fakeWire{manual: true}
	out.Open(wire.write, func(error) {})

	written := make(chan error, 1)
	go func() {
		_, err := out.Write([]byte("ab"))
		written <- err
	}()
	require.Eventually(t, func() bool { return len(wire.snapshot()) == 1 }, time.Second, time.Millisecond)

	broken := errors.NewTransportError(errors.TransportErrorClosedByClient, "connection closed", nil)
	out.Fail(broken)

	select {
	case err := <-written:
		assert.Equal(t, broken, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Write stayed blocked after Fail")
	}
	_, err := out.Write([]byte("c"))
	assert.Equal(t, broken, err)
}

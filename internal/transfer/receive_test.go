package transfer

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/instadrop/internal/localfs"
	"github.com/sheerbytes/instadrop/internal/logging"
	"github.com/sheerbytes/instadrop/pkg/protocol"
)

func newTestReceiver(t *testing.T, ch *fakeChannel) (*ReceiveEngine, string, *[]Received) {
	t.Helper()
	dir := t.TempDir()
	var (
		mu   sync.Mutex
		done []Received
	)
	e := NewReceiveEngine(ch, ReceiveOptions{
		Logger:  logging.Discard(),
		SaveDir: dir,
		OnCompleted: func(r Received) {
			mu.Lock()
			done = append(done, r)
			mu.Unlock()
		},
	})
	return e, dir, &done
}

func TestReceiveWritesInOrderAndAcks(t *testing.T) {
	ch := newFakeChannel()
	e, dir, done := newTestReceiver(t, ch)

	data := bytes.Repeat([]byte("0123456789"), 20000)
	e.HandleMeta("report.bin", int64(len(data)))
	assert.True(t, e.Busy())
	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		e.HandleChunk(data[off:end])
	}
	e.HandleEOF()
	e.Wait()

	got, err := os.ReadFile(filepath.Join(dir, "report.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	st := e.Status()
	assert.Equal(t, ReceiveDone, st.State)
	assert.Equal(t, int64(len(data)), st.Received)
	assert.Equal(t, []string{protocol.ChannelEOFAck}, ch.controlTypes())
	require.Len(t, *done, 1)
	assert.Equal(t, "report.bin", (*done)[0].Name)
	assert.False(t, e.Busy())
}

func TestReceiveShortEOFIsError(t *testing.T) {
	ch := newFakeChannel()
	e, dir, done := newTestReceiver(t, ch)

	e.HandleMeta("short.bin", 100)
	e.HandleChunk(make([]byte, 40))
	e.HandleEOF()
	e.Wait()

	st := e.Status()
	assert.Equal(t, ReceiveError, st.State)
	assert.ErrorIs(t, st.Err, localfs.ErrSizeMismatch)
	assert.Empty(t, *done)
	assert.Empty(t, ch.controlTypes())
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestReceiveTransportLostRemovesPartial(t *testing.T) {
	ch := newFakeChannel()
	e, dir, _ := newTestReceiver(t, ch)

	e.HandleMeta("cut.bin", 1000)
	e.HandleChunk(make([]byte, 100))
	e.TransportLost()
	e.Wait()

	st := e.Status()
	assert.Equal(t, ReceiveError, st.State)
	assert.ErrorIs(t, st.Err, ErrTransportLost)
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestReceiveFinalizesWhenLostAfterEOF(t *testing.T) {
	ch := newFakeChannel()
	e, dir, _ := newTestReceiver(t, ch)

	e.HandleMeta("late.bin", 4)
	e.HandleChunk([]byte("abcd"))
	e.HandleEOF()
	e.TransportLost()
	e.Wait()

	assert.Equal(t, ReceiveDone, e.Status().State)
	got, err := os.ReadFile(filepath.Join(dir, "late.bin"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got))
}

func TestReceiveDropsStrayFrames(t *testing.T) {
	ch := newFakeChannel()
	e, dir, _ := newTestReceiver(t, ch)

	e.HandleChunk([]byte("orphan"))
	e.HandleEOF()
	assert.Equal(t, ReceiveIdle, e.Status().State)

	e.HandleMeta("exact.bin", 3)
	e.HandleChunk([]byte("abc"))
	e.HandleChunk([]byte("overflow"))
	e.HandleEOF()
	e.Wait()

	assert.Equal(t, ReceiveDone, e.Status().State)
	got, err := os.ReadFile(filepath.Join(dir, "exact.bin"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestReceiveExpectReservesUntilMeta(t *testing.T) {
	now := time.Unix(100, 0)
	e := NewReceiveEngine(newFakeChannel(), ReceiveOptions{
		Logger:  logging.Discard(),
		SaveDir: t.TempDir(),
		Now:     func() time.Time { return now },
	})
	assert.False(t, e.Busy())
	require.True(t, e.TryExpect())
	assert.True(t, e.Busy())
	assert.False(t, e.TryExpect(), "second reservation while reserved")
	now = now.Add(ExpectMetaTimeout + time.Millisecond)
	assert.False(t, e.Busy())

	require.True(t, e.TryExpect())
	e.Release()
	assert.False(t, e.Busy())
}

func TestReceiveThrottlesProgress(t *testing.T) {
	ch := newFakeChannel()
	var (
		mu      sync.Mutex
		updates int
	)
	e := NewReceiveEngine(ch, ReceiveOptions{
		Logger:  logging.Discard(),
		SaveDir: t.TempDir(),
		OnUpdate: func(ReceiveStatus) {
			mu.Lock()
			updates++
			mu.Unlock()
		},
	})
	e.HandleMeta("many.bin", 200)
	for i := 0; i < 200; i++ {
		e.HandleChunk([]byte{byte(i)})
	}
	e.HandleEOF()
	e.Wait()

	mu.Lock()
	defer mu.Unlock()
	// meta, one throttled progress burst, done
	assert.Less(t, updates, 10)
	assert.Equal(t, ReceiveDone, e.Status().State)
}

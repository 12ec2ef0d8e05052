package channel

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/instadrop/internal/identity"
	"github.com/sheerbytes/instadrop/internal/logging"
	"github.com/sheerbytes/instadrop/internal/rtc"
	"github.com/sheerbytes/instadrop/internal/transfer"
	"github.com/sheerbytes/instadrop/pkg/protocol"
)

// tapChannel records frames sent through a data channel end.
type tapChannel struct {
	rtc.DataChannel

	mu       sync.Mutex
	controls []string
	binaries int
	onBinary func(n int)
}

func (c *tapChannel) Send(data []byte) error {
	if err := c.DataChannel.Send(data); err != nil {
		return err
	}
	c.mu.Lock()
	c.binaries++
	n := c.binaries
	fn := c.onBinary
	c.mu.Unlock()
	if fn != nil {
		fn(n)
	}
	return nil
}

func (c *tapChannel) SendText(s string) error {
	if err := c.DataChannel.SendText(s); err != nil {
		return err
	}
	m, err := protocol.DecodeChannelMessage([]byte(s))
	if err == nil {
		c.mu.Lock()
		c.controls = append(c.controls, m.Type)
		c.mu.Unlock()
	}
	return nil
}

func (c *tapChannel) sent() ([]string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.controls...), c.binaries
}

type side struct {
	ids  *identity.Store
	dir  string
	raw  *rtc.MockDataChannel
	tap  *tapChannel
	link *Link

	mu       sync.Mutex
	received []transfer.Received
}

func newSide(t *testing.T, name string, raw *rtc.MockDataChannel) *side {
	t.Helper()
	ids, err := identity.Open(identity.Options{DefaultName: name, Logger: logging.Discard()})
	require.NoError(t, err)
	return &side{ids: ids, dir: t.TempDir(), raw: raw, tap: &tapChannel{DataChannel: raw}}
}

func (s *side) attach() {
	s.link = Attach(s.tap, Options{
		Identity: s.ids,
		SaveDir:  s.dir,
		Logger:   logging.Discard(),
		OnReceived: func(peerID string, r transfer.Received) {
			s.mu.Lock()
			s.received = append(s.received, r)
			s.mu.Unlock()
		},
	})
}

func connectedPair(t *testing.T) (*side, *side) {
	t.Helper()
	ra, rb := rtc.NewMockChannelPair(rtc.ChannelLabel)
	a := newSide(t, "alpha", ra)
	b := newSide(t, "beta", rb)
	a.attach()
	b.attach()
	ra.Open()
	waitHandshake(t, a, b)
	return a, b
}

func waitHandshake(t *testing.T, a, b *side) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, _, okA := a.link.Peer()
		_, _, okB := b.link.Peer()
		return okA && okB
	}, 2*time.Second, 5*time.Millisecond)
}

func writeFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestHandshakeRecordsTrustedPeer(t *testing.T) {
	a, b := connectedPair(t)

	peerID, name, ok := a.link.Peer()
	require.True(t, ok)
	assert.Equal(t, b.ids.Identity().ID, peerID)
	assert.Equal(t, "beta", name)

	p, ok := b.ids.Peer(a.ids.Identity().ID)
	require.True(t, ok)
	assert.Equal(t, "alpha", p.Name)

	active, ok := a.ids.ActivePeer()
	require.True(t, ok)
	assert.Equal(t, peerID, active)
	assert.ErrorIs(t, a.ids.Remove(peerID), identity.ErrPeerActive)

	controls, _ := a.tap.sent()
	assert.Equal(t, []string{protocol.ChannelIdentityHandshake}, controls)
}

func TestHandshakeWhenAlreadyOpen(t *testing.T) {
	ra, rb := rtc.NewOpenMockChannelPair(rtc.ChannelLabel)
	a := newSide(t, "alpha", ra)
	b := newSide(t, "beta", rb)
	a.attach()
	b.attach()
	waitHandshake(t, a, b)

	// A late open event must not repeat the handshake.
	a.link.handleOpen()
	controls, _ := a.tap.sent()
	assert.Equal(t, []string{protocol.ChannelIdentityHandshake}, controls)
}

func TestRemarkPreferredForDisplayName(t *testing.T) {
	ra, rb := rtc.NewMockChannelPair(rtc.ChannelLabel)
	a := newSide(t, "alpha", ra)
	b := newSide(t, "beta", rb)
	_, err := a.ids.UpsertTrusted(b.ids.Identity().ID, "beta")
	require.NoError(t, err)
	require.NoError(t, a.ids.SetRemark(b.ids.Identity().ID, "office pc"))
	a.attach()
	b.attach()
	ra.Open()
	waitHandshake(t, a, b)

	_, name, _ := a.link.Peer()
	assert.Equal(t, "office pc", name)
}

func TestRoundTripIsByteExact(t *testing.T) {
	a, b := connectedPair(t)
	path, data := writeFile(t, 200*1024)

	outcome, err := a.link.Sender().Send(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, transfer.OutcomeDone, outcome)
	b.link.Receiver().Wait()

	got, err := os.ReadFile(filepath.Join(b.dir, "payload.bin"))
	require.NoError(t, err)
	assert.Len(t, got, len(data))
	assert.True(t, bytes.Equal(data, got))

	_, binaries := a.tap.sent()
	assert.Equal(t, (len(data)+transfer.ChunkSize-1)/transfer.ChunkSize, binaries)
	assert.Equal(t, transfer.ReceiveDone, b.link.Receiver().Status().State)
	b.mu.Lock()
	assert.Len(t, b.received, 1)
	b.mu.Unlock()
}

func TestPauseResumeNeitherDropsNorDuplicates(t *testing.T) {
	a, b := connectedPair(t)
	path, data := writeFile(t, 20*transfer.ChunkSize+123)

	var (
		once       sync.Once
		pausedAt   int
		whilePause = make(chan int, 1)
	)
	a.tap.mu.Lock()
	a.tap.onBinary = func(n int) {
		if n != 5 {
			return
		}
		once.Do(func() {
			pausedAt = n
			assert.NoError(t, a.link.Sender().Pause())
			go func() {
				time.Sleep(300 * time.Millisecond)
				_, sent := a.tap.sent()
				whilePause <- sent
				assert.Equal(t, transfer.SendPaused, a.link.Sender().Status().State)
				assert.NoError(t, a.link.Sender().Resume())
			}()
		})
	}
	a.tap.mu.Unlock()

	outcome, err := a.link.Sender().Send(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, transfer.OutcomeDone, outcome)
	assert.Equal(t, pausedAt, <-whilePause)
	b.link.Receiver().Wait()

	got, err := os.ReadFile(filepath.Join(b.dir, "payload.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestConcurrentRequestsAreRejectedAsBusy(t *testing.T) {
	a, b := connectedPair(t)
	pathA, _ := writeFile(t, 1000)
	pathB, _ := writeFile(t, 1000)

	a.raw.Hold()
	b.raw.Hold()

	type result struct {
		outcome transfer.Outcome
		err     error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)
	go func() {
		o, err := a.link.Sender().Send(context.Background(), pathA)
		resA <- result{o, err}
	}()
	go func() {
		o, err := b.link.Sender().Send(context.Background(), pathB)
		resB <- result{o, err}
	}()
	require.Eventually(t, func() bool {
		return a.link.Sender().Busy() && b.link.Sender().Busy()
	}, 2*time.Second, 5*time.Millisecond)
	a.raw.Release()
	b.raw.Release()

	for _, r := range []result{<-resA, <-resB} {
		assert.Equal(t, transfer.OutcomeRejected, r.outcome)
		var rejected *transfer.RejectedError
		require.True(t, errors.As(r.err, &rejected))
		assert.Equal(t, transfer.BusyReason, rejected.Reason)
	}
	for _, s := range []*side{a, b} {
		controls, binaries := s.tap.sent()
		assert.NotContains(t, controls, protocol.ChannelMeta)
		assert.Zero(t, binaries)
	}
}

func TestCancelIsIdleLocallyAndErrorOnPeer(t *testing.T) {
	a, b := connectedPair(t)
	path, _ := writeFile(t, 30*transfer.ChunkSize)

	a.tap.mu.Lock()
	a.tap.onBinary = func(n int) {
		if n == 3 {
			assert.NoError(t, a.link.Sender().Cancel())
		}
	}
	a.tap.mu.Unlock()

	outcome, err := a.link.Sender().Send(context.Background(), path)
	assert.Equal(t, transfer.OutcomeCancelled, outcome)
	assert.ErrorIs(t, err, transfer.ErrTransferCancelled)
	assert.Equal(t, transfer.SendIdle, a.link.Sender().Status().State)

	select {
	case <-b.link.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("peer never observed the channel closing")
	}
	b.link.Receiver().Wait()
	st := b.link.Receiver().Status()
	assert.Equal(t, transfer.ReceiveError, st.State)
	assert.ErrorIs(t, st.Err, transfer.ErrTransportLost)

	entries, err := os.ReadDir(b.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, has := b.ids.ActivePeer()
	assert.False(t, has)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	ra, rb := rtc.NewOpenMockChannelPair(rtc.ChannelLabel)
	a := newSide(t, "alpha", ra)
	a.attach()

	require.NoError(t, rb.SendText("{not json"))
	require.NoError(t, rb.SendText(`{"type":"teleport"}`))
	require.NoError(t, rb.SendText(`{"type":"identity-handshake"}`))
	require.NoError(t, rb.Send([]byte("chunk without meta")))
	hs, err := protocol.EncodeChannelMessage(protocol.IdentityHandshake("peer-raw", "raw"))
	require.NoError(t, err)
	require.NoError(t, rb.SendText(hs))

	require.Eventually(t, func() bool {
		_, _, ok := a.link.Peer()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, a.link.IsOpen())
	assert.Equal(t, transfer.ReceiveIdle, a.link.Receiver().Status().State)
}

func TestCloseFailsInFlightAndIsIdempotent(t *testing.T) {
	a, b := connectedPair(t)
	require.NoError(t, a.link.Close())
	require.NoError(t, a.link.Close())
	assert.False(t, a.link.IsOpen())

	select {
	case <-b.link.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("peer did not see close")
	}
	path, _ := writeFile(t, 10)
	_, err := b.link.Sender().Send(context.Background(), path)
	assert.ErrorIs(t, err, transfer.ErrChannelNotOpen)
}

func TestCloseFromCloseHookReturns(t *testing.T) {
	ra, rb := rtc.NewMockChannelPair(rtc.ChannelLabel)
	a := newSide(t, "alpha", ra)
	b := newSide(t, "beta", rb)
	hooked := make(chan struct{})
	// Teardown closes the link again from inside its own close hook.
	a.link = Attach(a.tap, Options{
		Identity: a.ids,
		SaveDir:  a.dir,
		Logger:   logging.Discard(),
		OnClose: func() {
			assert.NoError(t, a.link.Close())
			close(hooked)
		},
	})
	b.attach()
	ra.Open()
	waitHandshake(t, a, b)

	done := make(chan error, 1)
	go func() { done <- a.link.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return")
	}
	<-hooked
	assert.False(t, a.link.IsOpen())
	path, _ := writeFile(t, 10)
	_, err := a.link.Sender().Send(context.Background(), path)
	assert.ErrorIs(t, err, transfer.ErrChannelNotOpen)
}

func TestRequestWhileSendingLeavesReceiverFree(t *testing.T) {
	a, b := connectedPair(t)
	path, data := writeFile(t, 2*transfer.ChunkSize)

	// b's request sits unanswered at a, so b stays busy sending.
	a.raw.Hold()
	res := make(chan error, 1)
	go func() {
		_, err := b.link.Sender().Send(context.Background(), path)
		res <- err
	}()
	require.Eventually(t, b.link.Sender().Busy, 2*time.Second, 5*time.Millisecond)

	req, err := protocol.EncodeChannelMessage(protocol.ChannelMessage{Type: protocol.ChannelRequestTransfer})
	require.NoError(t, err)
	require.NoError(t, a.raw.SendText(req))
	require.Eventually(t, func() bool {
		controls, _ := b.tap.sent()
		return last(controls) == protocol.ChannelResponseTransfer
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, b.link.Receiver().Busy(), "rejected request must not reserve the receiver")

	a.raw.Release()
	select {
	case err := <-res:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("send did not finish")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.received, 1)
	got, err := os.ReadFile(a.received[0].Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func last(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

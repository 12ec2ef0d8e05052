package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/instadrop/internal/config"
	"github.com/sheerbytes/instadrop/internal/identity"
	"github.com/sheerbytes/instadrop/internal/logging"
	"github.com/sheerbytes/instadrop/internal/relay"
	"github.com/sheerbytes/instadrop/internal/rtc"
	"github.com/sheerbytes/instadrop/internal/storage"
	"github.com/sheerbytes/instadrop/internal/transfer"
)

type testDevice struct {
	session *Session
	ids     *identity.Store
	saveDir string
	store   *storage.Store
}

func relayURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer(logging.Discard()).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func newDevice(t *testing.T, url, name string, factory rtc.Factory, mutate func(*Options)) *testDevice {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "instadrop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ids, err := identity.Open(identity.Options{Persister: store, DefaultName: name, Logger: logging.Discard()})
	require.NoError(t, err)

	saveDir := filepath.Join(dir, "received")
	opts := Options{
		Config: config.ClientConfig{
			SignalingURL: url,
			StunURL:      config.DefaultStunURL,
			SaveDir:      saveDir,
		},
		Identity:       ids,
		History:        store,
		Factory:        factory,
		Logger:         logging.Discard(),
		ConnectTimeout: 5 * time.Second,
		RelistenDelay:  20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Status().SignalingConnected }, 2*time.Second, 5*time.Millisecond)
	return &testDevice{session: s, ids: ids, saveDir: saveDir, store: store}
}

func writeRandomFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func waitRoom(t *testing.T, d *testDevice, not string) string {
	t.Helper()
	var code string
	require.Eventually(t, func() bool {
		st := d.session.Status()
		if st.Room == nil || st.Room.RoomCode == not {
			return false
		}
		code = st.Room.RoomCode
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return code
}

func waitReady(t *testing.T, devices ...*testDevice) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, d := range devices {
		require.NoError(t, d.session.WaitReady(ctx))
	}
}

func pairViaRoom(t *testing.T, host, guest *testDevice) string {
	t.Helper()
	require.NoError(t, host.session.CreateRoom())
	code := waitRoom(t, host, "")
	require.NoError(t, guest.session.JoinRoom(code))
	waitReady(t, host, guest)
	return code
}

func TestRoomTransferEndToEnd(t *testing.T) {
	url := relayURL(t)
	network := rtc.NewMockNetwork()
	host := newDevice(t, url, "Host", network.Factory(0), nil)
	guest := newDevice(t, url, "Guest", network.Factory(1), nil)

	pairViaRoom(t, host, guest)

	st := guest.session.Status()
	assert.Equal(t, host.ids.Identity().ID, st.PeerID)
	assert.Equal(t, "Host", st.PeerName)
	_, trusted := host.ids.Peer(guest.ids.Identity().ID)
	assert.True(t, trusted)

	path, data := writeRandomFile(t, "photo.bin", 200*1024)
	outcome, err := guest.session.SendFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, transfer.OutcomeDone, outcome)

	got, err := os.ReadFile(filepath.Join(host.saveDir, "photo.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "received file differs")

	files, err := host.store.ListReceivedFiles(0)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "photo.bin", files[0].Name)
	assert.Equal(t, int64(len(data)), files[0].Size)
	assert.Equal(t, guest.ids.Identity().ID, files[0].PeerID)

	assert.Equal(t, transfer.SendDone, guest.session.Status().Send.State)
}

func TestCancelMidTransferTearsDownCleanly(t *testing.T) {
	url := relayURL(t)
	network := rtc.NewMockNetwork()
	host := newDevice(t, url, "Host", network.Factory(0), nil)
	guest := newDevice(t, url, "Guest", network.Factory(1), nil)
	pairViaRoom(t, host, guest)

	// Park the send loop before its first chunk so the cancel lands mid-transfer.
	var paused atomic.Bool
	unsubscribe := guest.session.Subscribe(func(st Status) {
		if st.Send.State == transfer.SendSending && paused.CompareAndSwap(false, true) {
			assert.NoError(t, guest.session.Pause())
		}
	})
	defer unsubscribe()

	path, _ := writeRandomFile(t, "big.bin", 4*1024*1024)
	type result struct {
		outcome transfer.Outcome
		err     error
	}
	res := make(chan result, 1)
	go func() {
		o, err := guest.session.SendFile(context.Background(), path)
		res <- result{o, err}
	}()
	require.Eventually(t, func() bool {
		return host.session.Status().Receive.State == transfer.ReceiveReceiving
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, guest.session.Cancel())
	select {
	case r := <-res:
		assert.Equal(t, transfer.OutcomeCancelled, r.outcome)
		assert.ErrorIs(t, r.err, transfer.ErrTransferCancelled)
	case <-time.After(5 * time.Second):
		t.Fatalf("SendFile did not return after cancel")
	}
	assert.Equal(t, transfer.SendIdle, guest.session.Status().Send.State)

	assert.Eventually(t, func() bool {
		return host.session.Status().Receive.State == transfer.ReceiveError
	}, 5*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(host.saveDir)
		return err == nil && len(entries) == 0
	}, 5*time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = guest.session.Close()
		_ = host.session.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("sessions did not close")
	}
}

func TestConnectToTrustedPeer(t *testing.T) {
	url := relayURL(t)
	network := rtc.NewMockNetwork()
	a := newDevice(t, url, "Alpha", network.Factory(0), nil)
	b := newDevice(t, url, "Beta", network.Factory(1), nil)

	assert.ErrorIs(t, a.session.ConnectTo(b.ids.Identity().ID), identity.ErrUnknownPeer)

	_, err := a.ids.UpsertTrusted(b.ids.Identity().ID, "Beta")
	require.NoError(t, err)
	require.NoError(t, a.ids.SetRemark(b.ids.Identity().ID, "desk"))
	require.NoError(t, a.session.ConnectTo(b.ids.Identity().ID))
	waitReady(t, a, b)

	assert.Equal(t, "desk", a.session.Status().PeerName)
	// The connected peer cannot be forgotten while its channel is open.
	assert.ErrorIs(t, a.ids.Remove(b.ids.Identity().ID), identity.ErrPeerActive)

	path, data := writeRandomFile(t, "notes.txt", 3000)
	outcome, err := a.session.SendFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, transfer.OutcomeDone, outcome)
	got, err := os.ReadFile(filepath.Join(b.saveDir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestControlsWithoutPeer(t *testing.T) {
	url := relayURL(t)
	d := newDevice(t, url, "Solo", rtc.NewMockNetwork().Factory(0), nil)

	_, err := d.session.SendFile(context.Background(), "/nonexistent")
	assert.ErrorIs(t, err, ErrNoPeer)
	assert.ErrorIs(t, d.session.Pause(), ErrNoPeer)
	assert.ErrorIs(t, d.session.Resume(), ErrNoPeer)
	assert.ErrorIs(t, d.session.Cancel(), ErrNoPeer)
	assert.False(t, d.session.Status().P2PReady)
}

func TestSignalingLossKeepsDirectChannel(t *testing.T) {
	url := relayURL(t)
	network := rtc.NewMockNetwork()
	host := newDevice(t, url, "Host", network.Factory(0), nil)
	guest := newDevice(t, url, "Guest", network.Factory(1), nil)
	pairViaRoom(t, host, guest)

	require.NoError(t, host.session.signal.Close())
	require.NoError(t, guest.session.signal.Close())
	assert.False(t, guest.session.Status().SignalingConnected)

	path, data := writeRandomFile(t, "after.bin", 150*1000)
	outcome, err := guest.session.SendFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, transfer.OutcomeDone, outcome)
	got, err := os.ReadFile(filepath.Join(host.saveDir, "after.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, host.session.Status().P2PReady)
}

func TestDefaultHostReopensRoom(t *testing.T) {
	url := relayURL(t)
	network := rtc.NewMockNetwork()
	host := newDevice(t, url, "Host", network.Factory(0), func(o *Options) { o.Config.DefaultHost = true })
	guest := newDevice(t, url, "Guest", network.Factory(1), nil)
	first := pairViaRoom(t, host, guest)

	guest.session.Refresh()

	second := waitRoom(t, host, first)
	assert.NotEqual(t, first, second)
	assert.False(t, host.session.Status().P2PReady)
	_, active := host.ids.ActivePeer()
	assert.False(t, active)
}

func TestRefreshClearsRoom(t *testing.T) {
	url := relayURL(t)
	network := rtc.NewMockNetwork()
	host := newDevice(t, url, "Host", network.Factory(0), nil)
	guest := newDevice(t, url, "Guest", network.Factory(1), nil)
	pairViaRoom(t, host, guest)

	host.session.Refresh()
	assert.Nil(t, host.session.Status().Room)
	assert.Eventually(t, func() bool {
		st := guest.session.Status()
		return !st.P2PReady && st.Room == nil
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, guest.session.Cancel(), ErrNoPeer)
}

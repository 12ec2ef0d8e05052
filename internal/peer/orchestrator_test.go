package peer

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/instadrop/internal/identity"
	"github.com/sheerbytes/instadrop/internal/rtc"
	"github.com/sheerbytes/instadrop/internal/transfer"
	"github.com/sheerbytes/instadrop/pkg/protocol"
)

type sentSignal struct {
	room    string
	payload protocol.SignalPayload
}

type recordingSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
}

func (s *recordingSignaler) SendSignal(room string, p protocol.SignalPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentSignal{room: room, payload: p})
	return nil
}

func (s *recordingSignaler) ofType(t string) []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentSignal
	for _, sig := range s.sent {
		if sig.payload.Type == t {
			out = append(out, sig)
		}
	}
	return out
}

// loopback delivers signals to the other orchestrator in order, off the
// sender's goroutine.
type loopback struct {
	queue chan func()
	peer  *Orchestrator
}

func newLoopback() *loopback {
	l := &loopback{queue: make(chan func(), 64)}
	go func() {
		for fn := range l.queue {
			fn()
		}
	}()
	return l
}

func (l *loopback) SendSignal(room string, p protocol.SignalPayload) error {
	l.queue <- func() { l.peer.HandleSignal(room, p) }
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type closedLog struct {
	mu      sync.Mutex
	reasons []error
}

func (c *closedLog) add(err error) {
	c.mu.Lock()
	c.reasons = append(c.reasons, err)
	c.mu.Unlock()
}

func (c *closedLog) all() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.reasons...)
}

func candidate(s string) protocol.SignalPayload {
	return protocol.SignalPayload{Type: protocol.SignalCandidate, Candidate: &protocol.IceCandidate{Candidate: s}}
}

func offer() protocol.SignalPayload {
	return protocol.SignalPayload{Type: protocol.SignalOffer, Offer: &protocol.SessionDescription{Type: "offer", SDP: "remote-offer"}}
}

func answer() protocol.SignalPayload {
	return protocol.SignalPayload{Type: protocol.SignalAnswer, Answer: &protocol.SessionDescription{Type: "answer", SDP: "remote-answer"}}
}

func singlePC(pc *rtc.MockPeerConnection) rtc.Factory {
	return rtc.FactoryFunc(func([]webrtc.ICEServer) (rtc.PeerConnection, error) { return pc, nil })
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	pc := rtc.NewMockPeerConnection()
	sig := &recordingSignaler{}
	o := New(Options{Factory: singlePC(pc), Signaler: sig})
	defer o.Close()

	// Candidates may arrive before the offer has started a responder.
	o.HandleSignal("ROOM01", candidate("c1"))
	o.HandleSignal("ROOM01", candidate("c2"))
	assert.Equal(t, 2, o.PendingCandidates())

	o.HandleSignal("ROOM01", offer())
	o.HandleSignal("ROOM01", candidate("c3"))

	assert.Equal(t, []string{"c1", "c2", "c3"}, pc.AddedCandidates())
	assert.Equal(t, 0, o.PendingCandidates())
	assert.Equal(t, protocol.RoleResponder, o.Params().Role)
	require.Len(t, sig.ofType(protocol.SignalAnswer), 1)
	assert.Equal(t, "ROOM01", sig.ofType(protocol.SignalAnswer)[0].room)
}

func TestCandidatesForOtherRoomAreDiscarded(t *testing.T) {
	pc := rtc.NewMockPeerConnection()
	o := New(Options{Factory: singlePC(pc), Signaler: &recordingSignaler{}})
	defer o.Close()

	o.HandleSignal("OLD001", candidate("stale"))
	require.NoError(t, o.Start(StartParams{Role: protocol.RoleResponder, RoomCode: "NEW001"}))
	o.HandleSignal("NEW001", candidate("fresh"))
	o.HandleSignal("NEW001", offer())

	assert.Equal(t, []string{"fresh"}, pc.AddedCandidates())
}

func TestForeignCandidateKeepsLiveRoomQueue(t *testing.T) {
	pc := rtc.NewMockPeerConnection()
	o := New(Options{Factory: singlePC(pc), Signaler: &recordingSignaler{}})
	defer o.Close()

	require.NoError(t, o.Start(StartParams{Role: protocol.RoleResponder, RoomCode: "NEW001"}))
	o.HandleSignal("NEW001", candidate("fresh"))
	o.HandleSignal("OLD001", candidate("stale"))
	assert.Equal(t, 1, o.PendingCandidates())

	o.HandleSignal("NEW001", offer())
	assert.Equal(t, []string{"fresh"}, pc.AddedCandidates())
}

func TestInitiatorSendsOfferAndAppliesAnswer(t *testing.T) {
	pc := rtc.NewMockPeerConnection("candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host")
	sig := &recordingSignaler{}
	o := New(Options{Factory: singlePC(pc), Signaler: sig})
	defer o.Close()

	require.NoError(t, o.Start(StartParams{Role: protocol.RoleInitiator, RoomCode: "ABC123", PeerID: "p"}))
	assert.Equal(t, StateConnecting, o.State())
	require.Len(t, sig.ofType(protocol.SignalOffer), 1)
	require.Len(t, pc.Channels(), 1)
	assert.Equal(t, rtc.ChannelLabel, pc.Channels()[0].Label())

	o.HandleSignal("ABC123", candidate("early"))
	o.HandleSignal("ABC123", answer())
	assert.Equal(t, []string{"early"}, pc.AddedCandidates())

	assert.Eventually(t, func() bool { return len(sig.ofType(protocol.SignalCandidate)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAnswerWithoutOfferTearsDown(t *testing.T) {
	pc := rtc.NewMockPeerConnection()
	closed := &closedLog{}
	o := New(Options{Factory: singlePC(pc), Signaler: &recordingSignaler{}, OnClosed: closed.add})

	require.NoError(t, o.Start(StartParams{Role: protocol.RoleResponder, RoomCode: "ABC123"}))
	o.HandleSignal("ABC123", answer())

	assert.Equal(t, StateClosed, o.State())
	assert.True(t, pc.Closed())
	reasons := closed.all()
	require.Len(t, reasons, 1)
	assert.ErrorIs(t, reasons[0], transfer.ErrTransportLost)
}

func TestWatchdogTearsDownUnconnectedAttempt(t *testing.T) {
	pc := rtc.NewMockPeerConnection()
	persister := identity.NewMemoryPersister()
	ids, err := identity.Open(identity.Options{Persister: persister})
	require.NoError(t, err)
	_, err = ids.UpsertTrusted("peer-1", "Laptop")
	require.NoError(t, err)
	ids.SetActivePeer("peer-1", func() bool { return true })

	closed := &closedLog{}
	o := New(Options{
		Factory:        singlePC(pc),
		Signaler:       &recordingSignaler{},
		Identity:       ids,
		ConnectTimeout: 30 * time.Millisecond,
		OnClosed:       closed.add,
	})

	require.NoError(t, o.Start(StartParams{Role: protocol.RoleInitiator, RoomCode: "ABC123"}))
	o.HandleSignal("ABC123", candidate("queued-forever"))

	assert.Eventually(t, func() bool { return o.State() == StateClosed }, time.Second, 5*time.Millisecond)
	reasons := closed.all()
	require.Len(t, reasons, 1)
	assert.ErrorIs(t, reasons[0], ErrConnectivityTimeout)
	assert.True(t, pc.Closed())
	assert.Equal(t, 0, o.PendingCandidates())
	assert.Equal(t, StartParams{}, o.Params())
	_, active := ids.ActivePeer()
	assert.False(t, active)
}

func TestWatchdogStoppedOnceICEConnects(t *testing.T) {
	pc := rtc.NewMockPeerConnection()
	closed := &closedLog{}
	o := New(Options{Factory: singlePC(pc), Signaler: &recordingSignaler{}, ConnectTimeout: 50 * time.Millisecond, OnClosed: closed.add})
	defer o.Close()

	require.NoError(t, o.Start(StartParams{Role: protocol.RoleResponder, RoomCode: "ABC123"}))
	pc.SetICEState(webrtc.ICEConnectionStateConnected)

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, closed.all())
	assert.Equal(t, StateConnecting, o.State())
}

func TestICEFailureTearsDown(t *testing.T) {
	pc := rtc.NewMockPeerConnection()
	closed := &closedLog{}
	o := New(Options{Factory: singlePC(pc), Signaler: &recordingSignaler{}, OnClosed: closed.add})

	require.NoError(t, o.Start(StartParams{Role: protocol.RoleResponder, RoomCode: "ABC123"}))
	pc.SetICEState(webrtc.ICEConnectionStateFailed)

	assert.Eventually(t, func() bool { return len(closed.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, closed.all()[0], transfer.ErrTransportLost)
}

func TestTeardownIsIdempotentUnderConcurrency(t *testing.T) {
	pc := rtc.NewMockPeerConnection()
	closed := &closedLog{}
	var attachCloses int
	var mu sync.Mutex
	o := New(Options{
		Factory:  singlePC(pc),
		Signaler: &recordingSignaler{},
		Attach: func(dc rtc.DataChannel, hooks Hooks) io.Closer {
			return closerFunc(func() error {
				mu.Lock()
				attachCloses++
				mu.Unlock()
				hooks.OnClose()
				return nil
			})
		},
		OnClosed: closed.add,
	})

	require.NoError(t, o.Start(StartParams{Role: protocol.RoleInitiator, RoomCode: "ABC123"}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				o.Close()
			} else {
				pc.SetICEState(webrtc.ICEConnectionStateDisconnected)
			}
		}(i)
	}
	wg.Wait()

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, closed.all(), 1)
	mu.Lock()
	assert.Equal(t, 1, attachCloses)
	mu.Unlock()
	assert.Equal(t, StateClosed, o.State())
}

func TestStartSupersedesLiveAttempt(t *testing.T) {
	first := rtc.NewMockPeerConnection()
	second := rtc.NewMockPeerConnection()
	pcs := []*rtc.MockPeerConnection{first, second}
	var n int
	factory := rtc.FactoryFunc(func([]webrtc.ICEServer) (rtc.PeerConnection, error) {
		pc := pcs[n]
		n++
		return pc, nil
	})
	closed := &closedLog{}
	o := New(Options{Factory: factory, Signaler: &recordingSignaler{}, OnClosed: closed.add})
	defer o.Close()

	require.NoError(t, o.Start(StartParams{Role: protocol.RoleResponder, RoomCode: "AAA111"}))
	require.NoError(t, o.Start(StartParams{Role: protocol.RoleInitiator, RoomCode: "BBB222"}))

	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
	assert.Equal(t, "BBB222", o.Params().RoomCode)
	require.Len(t, closed.all(), 1)
	assert.ErrorIs(t, closed.all()[0], ErrSuperseded)
}

func TestDefaultHostRelistensOnce(t *testing.T) {
	var mu sync.Mutex
	relistens := 0
	network := rtc.NewMockNetwork()
	o := New(Options{
		Factory:       network.Factory(0),
		Signaler:      &recordingSignaler{},
		DefaultHost:   true,
		RelistenDelay: 20 * time.Millisecond,
		Relisten: func() {
			mu.Lock()
			relistens++
			mu.Unlock()
		},
	})
	defer o.Close()

	require.NoError(t, o.Start(StartParams{Role: protocol.RoleResponder, RoomCode: "ABC123"}))
	o.HandleSignal("ABC123", answer())
	// A second violation while closed must not schedule another relisten.
	o.HandleSignal("ABC123", answer())

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, relistens)
	mu.Unlock()
}

func TestExplicitCloseDoesNotRelisten(t *testing.T) {
	relisten := make(chan struct{}, 1)
	pc := rtc.NewMockPeerConnection()
	o := New(Options{
		Factory:       singlePC(pc),
		Signaler:      &recordingSignaler{},
		DefaultHost:   true,
		RelistenDelay: 10 * time.Millisecond,
		Relisten:      func() { relisten <- struct{}{} },
	})

	require.NoError(t, o.Start(StartParams{Role: protocol.RoleResponder, RoomCode: "ABC123"}))
	o.Close()

	select {
	case <-relisten:
		t.Fatal("relisten after explicit close")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestStartRejectsBadParams(t *testing.T) {
	o := New(Options{Factory: singlePC(rtc.NewMockPeerConnection()), Signaler: &recordingSignaler{}})
	assert.Error(t, o.Start(StartParams{Role: "observer", RoomCode: "ABC123"}))
	assert.Error(t, o.Start(StartParams{Role: protocol.RoleInitiator}))
	assert.Equal(t, StateIdle, o.State())
}

func TestFactoryFailureLeavesIdle(t *testing.T) {
	network := rtc.NewMockNetwork()
	network.FailNext = true
	o := New(Options{Factory: network.Factory(0), Signaler: &recordingSignaler{}})
	err := o.Start(StartParams{Role: protocol.RoleInitiator, RoomCode: "ABC123"})
	require.Error(t, err)
	assert.Equal(t, StateIdle, o.State())
}

func TestOrchestratorsConnectEndToEnd(t *testing.T) {
	network := rtc.NewMockNetwork()
	toB, toA := newLoopback(), newLoopback()

	opened := make(chan string, 2)
	attach := func(name string) AttachFunc {
		return func(dc rtc.DataChannel, hooks Hooks) io.Closer {
			dc.OnOpen(func() {
				hooks.OnOpen()
				opened <- name
			})
			dc.OnClose(hooks.OnClose)
			return dc
		}
	}

	closedB := make(chan error, 4)
	a := New(Options{Factory: network.Factory(0), Signaler: toB, Attach: attach("a")})
	b := New(Options{
		Factory:  network.Factory(1),
		Signaler: toA,
		Attach:   attach("b"),
		OnClosed: func(err error) { closedB <- err },
	})
	toB.peer, toA.peer = b, a
	defer a.Close()
	defer b.Close()

	require.NoError(t, b.Start(StartParams{Role: protocol.RoleResponder, RoomCode: "ABC123"}))
	require.NoError(t, a.Start(StartParams{Role: protocol.RoleInitiator, RoomCode: "ABC123"}))

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case name := <-opened:
			got[name] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("channels did not open: %v", got)
		}
	}
	assert.Eventually(t, func() bool {
		return a.State() == StateOpen && b.State() == StateOpen
	}, time.Second, 5*time.Millisecond)

	a.Close()

	select {
	case err := <-closedB:
		assert.True(t, errors.Is(err, transfer.ErrTransportLost))
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not observe channel loss")
	}
}

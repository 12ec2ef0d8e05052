package rtc

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestMockChannelPairOrderedDelivery(t *testing.T) {
	a, b := NewMockChannelPair(ChannelLabel)

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	b.OnMessage(func(msg webrtc.DataChannelMessage) {
		mu.Lock()
		got = append(got, string(msg.Data))
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})
	opened := make(chan struct{})
	a.OnOpen(func() { close(opened) })

	if err := a.SendText("early"); err == nil {
		t.Fatalf("expected send before open to fail")
	}
	a.Open()
	<-opened

	buf := []byte("one")
	if err := a.Send(buf); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf[0] = 'X'
	_ = a.SendText("two")
	_ = a.Send([]byte("three"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for messages")
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestMockChannelCloseNotifiesBothEnds(t *testing.T) {
	a, b := NewOpenMockChannelPair(ChannelLabel)
	var wg sync.WaitGroup
	wg.Add(2)
	a.OnClose(wg.Done)
	b.OnClose(wg.Done)

	_ = a.Close()
	_ = b.Close()
	waitGroup(t, &wg)

	if a.ReadyState() != webrtc.DataChannelStateClosed || b.ReadyState() != webrtc.DataChannelStateClosed {
		t.Fatalf("expected both ends closed")
	}
	if err := b.SendText("late"); err == nil {
		t.Fatalf("expected send after close to fail")
	}
}

func TestMockChannelBufferedAmountLow(t *testing.T) {
	a, b := NewOpenMockChannelPair(ChannelLabel)
	a.SetBufferedAmountLowThreshold(4)
	low := make(chan struct{}, 1)
	a.OnBufferedAmountLow(func() {
		select {
		case low <- struct{}{}:
		default:
		}
	})

	b.Hold()
	_ = a.Send(make([]byte, 10))
	if got := a.BufferedAmount(); got != 10 {
		t.Fatalf("expected 10 buffered, got %d", got)
	}
	b.Release()
	select {
	case <-low:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected buffered amount low event")
	}
	if got := a.BufferedAmount(); got != 0 {
		t.Fatalf("expected drained buffer, got %d", got)
	}
}

func TestMockNetworkConnectsOnAnswer(t *testing.T) {
	n := NewMockNetwork()
	left, err := n.Factory(0).NewPeerConnection(nil)
	if err != nil {
		t.Fatal(err)
	}
	right, err := n.Factory(1).NewPeerConnection(nil)
	if err != nil {
		t.Fatal(err)
	}

	gotChannel := make(chan DataChannel, 1)
	right.OnDataChannel(func(dc DataChannel) { gotChannel <- dc })
	dc, err := left.CreateDataChannel(ChannelLabel)
	if err != nil {
		t.Fatal(err)
	}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	offer, _ := left.CreateOffer()
	_ = left.SetLocalDescription(offer)
	_ = right.SetRemoteDescription(offer)
	answer, err := right.CreateAnswer()
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	_ = right.SetLocalDescription(answer)
	if err := left.SetRemoteDescription(answer); err != nil {
		t.Fatal(err)
	}

	select {
	case remote := <-gotChannel:
		if remote.Label() != ChannelLabel {
			t.Fatalf("unexpected label %q", remote.Label())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("responder never saw the channel")
	}
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatalf("initiator channel never opened")
	}
}

func TestMockPeerRejectsCandidateBeforeRemote(t *testing.T) {
	pc := NewMockPeerConnection()
	if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: "c1"}); err == nil {
		t.Fatalf("expected error before remote description")
	}
	_ = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"})
	if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: "c1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := pc.AddedCandidates(); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("unexpected candidates %v", got)
	}
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for callbacks")
	}
}

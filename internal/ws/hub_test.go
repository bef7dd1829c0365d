package ws

import (
	"errors"
	"testing"
)

type stubSubscriber struct {
	received [][]byte
	failNext bool
	closed   bool
}

func (s *stubSubscriber) Send(payload []byte) error {
	if s.failNext {
		return errors.New("send failed")
	}
	s.received = append(s.received, payload)
	return nil
}

func (s *stubSubscriber) Close() { s.closed = true }

func TestBroadcastReachesProjectSubscribers(t *testing.T) {
	h := NewHub()
	a := &stubSubscriber{}
	b := &stubSubscriber{}
	h.Register("p1", a)
	h.Register("p2", b)

	h.Broadcast("p1", []byte("hello"))

	if len(a.received) != 1 || string(a.received[0]) != "hello" {
		t.Errorf("subscriber a did not receive broadcast: %v", a.received)
	}
	if len(b.received) != 0 {
		t.Errorf("subscriber of other project received broadcast")
	}
}

func TestFailedSendDropsSubscriber(t *testing.T) {
	h := NewHub()
	s := &stubSubscriber{failNext: true}
	h.Register("p1", s)

	h.Broadcast("p1", []byte("x"))

	if !s.closed {
		t.Errorf("failing subscriber not closed")
	}
	if h.Subscribers("p1") != 0 {
		t.Errorf("failing subscriber not removed")
	}
}

func TestUnregisterRemovesSubscriber(t *testing.T) {
	h := NewHub()
	s := &stubSubscriber{}
	h.Register("p1", s)
	h.Unregister("p1", s)

	h.Broadcast("p1", []byte("x"))
	if len(s.received) != 0 {
		t.Errorf("unregistered subscriber received broadcast")
	}
}

func TestDropProjectClosesSubscribers(t *testing.T) {
	h := NewHub()
	s := &stubSubscriber{}
	h.Register("p1", s)

	h.DropProject("p1")
	if !s.closed {
		t.Errorf("subscriber not closed on project drop")
	}
	if h.Subscribers("p1") != 0 {
		t.Errorf("subscribers remain after project drop")
	}
}

func TestRegisterAfterCloseRejectsClient(t *testing.T) {
	h := NewHub()
	h.Close()
	s := &stubSubscriber{}
	h.Register("p1", s)
	if !s.closed {
		t.Errorf("client registered on closed hub should be closed")
	}
}

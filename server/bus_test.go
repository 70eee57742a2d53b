package server

import (
	"errors"
	"testing"
	"time"

	"wirebus/transport"
)

// stubConn records sends, or refuses them when fails is set.
type stubConn struct {
	fails bool
	sent  [][]byte
}

func (s *stubConn) Send(p []byte) error {
	if s.fails {
		return errors.New("wire cut")
	}
	s.sent = append(s.sent, p)
	return nil
}
func (s *stubConn) Close() error       { return nil }
func (s *stubConn) RemoteAddr() string { return "stub" }

func TestPublishFanout(t *testing.T) {
	srv := NewServer()

	sinkA := newFrameSink()
	sinkB := newFrameSink()
	transport.Pipe(sinkA, srv)
	transport.Pipe(sinkB, srv)

	if n := srv.bus.Len(); n != 2 {
		t.Fatalf("expect 2 tracked connections, got %d", n)
	}

	if err := srv.Publish("T", 1, 2, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}

	want := `{"Topic":"T","Arguments":[1,2,["a","b"]]}`
	gotA := string(sinkA.next(t))
	gotB := string(sinkB.next(t))
	if gotA != want {
		t.Fatalf("expect %s, got %s", want, gotA)
	}
	if gotB != gotA {
		t.Fatalf("fanout frames differ: %s vs %s", gotA, gotB)
	}
}

func TestPublishSkipsClosedConn(t *testing.T) {
	srv := NewServer()

	live := newFrameSink()
	gone := newFrameSink()
	transport.Pipe(live, srv)
	caller, _ := transport.Pipe(gone, srv)

	caller.Close()
	deadline := time.Now().Add(2 * time.Second)
	for srv.bus.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("closed connection was not dropped from the bus")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := srv.Publish("news", "hello"); err != nil {
		t.Fatal(err)
	}
	live.next(t)
	gone.expectNone(t, 200*time.Millisecond)
}

func TestPublishContinuesPastFailedConn(t *testing.T) {
	bus := NewBus(nil, nil)
	bad := &stubConn{fails: true}
	good := &stubConn{}
	bus.Track(bad)
	bus.Track(good)

	if err := bus.Publish("T", "payload"); err != nil {
		t.Fatal(err)
	}
	if len(good.sent) != 1 {
		t.Fatalf("expect delivery past the failed connection, got %d frames", len(good.sent))
	}
}

func TestPublishUnencodableArgs(t *testing.T) {
	bus := NewBus(nil, nil)
	if err := bus.Publish("T", func() {}); err == nil {
		t.Fatal("expect an error for an unencodable argument")
	}
}

func TestBusTrackDrop(t *testing.T) {
	bus := NewBus(nil, nil)
	c := &stubConn{}

	bus.Track(c)
	if bus.Len() != 1 {
		t.Fatalf("expect 1 tracked connection, got %d", bus.Len())
	}
	bus.Drop(c)
	if bus.Len() != 0 {
		t.Fatalf("expect 0 tracked connections, got %d", bus.Len())
	}
}

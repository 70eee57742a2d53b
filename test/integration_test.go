package test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"wirebus/client"
	"wirebus/codec"
	"wirebus/loadbalance"
	"wirebus/middleware"
	"wirebus/registry"
	"wirebus/server"
	"wirebus/transport"
)

// MockRegistry keeps the instance lists in memory, so the discovery path can
// be exercised without an etcd.
type MockRegistry struct {
	instances map[string][]registry.Instance
}

func NewMockRegistry() *MockRegistry {
	return &MockRegistry{instances: make(map[string][]registry.Instance)}
}

func (m *MockRegistry) Register(cluster string, inst registry.Instance, ttl int64) error {
	m.instances[cluster] = append(m.instances[cluster], inst)
	return nil
}

func (m *MockRegistry) Deregister(cluster string, addr string) error {
	insts := m.instances[cluster]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[cluster] = append(insts[:i], insts[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockRegistry) Discover(cluster string) ([]registry.Instance, error) {
	return m.instances[cluster], nil
}

func (m *MockRegistry) Watch(cluster string) <-chan []registry.Instance {
	return nil
}

// syncCall blocks until the asynchronous call completes one way or the other.
func syncCall(tb testing.TB, cli *client.Client, target string, args []any) ([]any, bool) {
	tb.Helper()
	outcome := make(chan []any, 1)
	ok := make(chan bool, 1)
	err := cli.Call(target, args,
		func(a []any) { outcome <- a; ok <- true },
		func(a []any) { outcome <- a; ok <- false })
	if err != nil {
		tb.Fatal(err)
	}
	select {
	case a := <-outcome:
		return a, <-ok
	case <-time.After(3 * time.Second):
		tb.Fatalf("call %s timed out", target)
		return nil, false
	}
}

func startServer(t *testing.T, svr *server.Server) transport.Listener {
	t.Helper()
	l, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve(l)
	t.Cleanup(func() { svr.Close(3 * time.Second) })
	return l
}

func TestEndToEndTCP(t *testing.T) {
	svr := server.NewServer()
	svr.Use(middleware.Logging(nil))
	svr.Register("add", func(a, b int) int { return a + b })
	svr.Register("multiply", func(a, b int) int { return a * b })
	svr.Register("fail", func() error { return errors.New("always broken") })
	l := startServer(t, svr)

	cli := client.NewClient()
	if err := cli.ConnectTCP(l.Addr()); err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	result, ok := syncCall(t, cli, "add", []any{3, 5})
	if !ok || result[0] != 8.0 {
		t.Fatalf("add: expect 8, got %v (success=%v)", result, ok)
	}

	result, ok = syncCall(t, cli, "multiply", []any{4, 6})
	if !ok || result[0] != 24.0 {
		t.Fatalf("multiply: expect 24, got %v (success=%v)", result, ok)
	}

	result, ok = syncCall(t, cli, "fail", nil)
	if ok {
		t.Fatalf("fail: expect the failure callback, got success %v", result)
	}
	fault := result[0].(map[string]any)
	if fault["Message"] != "always broken" {
		t.Fatalf("fail: expect the error message, got %v", fault["Message"])
	}
}

func TestEndToEndWebSocket(t *testing.T) {
	svr := server.NewServer()
	svr.Register("echo", func(s string) string { return s })

	l, err := transport.ListenWS("127.0.0.1:0", "/wirebus")
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve(l)
	t.Cleanup(func() { svr.Close(3 * time.Second) })

	cli := client.NewClient()
	if err := cli.ConnectWS("ws://" + l.Addr() + "/wirebus"); err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	result, ok := syncCall(t, cli, "echo", []any{"over websocket"})
	if !ok || result[0] != "over websocket" {
		t.Fatalf("echo: expect the input back, got %v (success=%v)", result, ok)
	}
}

func TestEndToEndFastJSON(t *testing.T) {
	fast, err := codec.Get(codec.NameFastJSON)
	if err != nil {
		t.Fatal(err)
	}

	svr := server.NewServer(server.WithCodec(fast))
	svr.Register("add", func(a, b int) int { return a + b })
	l := startServer(t, svr)

	cli := client.NewClient(client.WithCodec(fast))
	if err := cli.ConnectTCP(l.Addr()); err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	result, ok := syncCall(t, cli, "add", []any{20, 22})
	if !ok || result[0] != 42.0 {
		t.Fatalf("expect 42, got %v (success=%v)", result, ok)
	}
}

func TestDiscoveryAndBalancing(t *testing.T) {
	reg := NewMockRegistry()

	for i := 0; i < 2; i++ {
		tag := fmt.Sprintf("server-%d", i)
		svr := server.NewServer()
		svr.Register("whoami", func() string { return tag })
		l := startServer(t, svr)
		reg.Register("calc", registry.Instance{Addr: l.Addr(), Weight: 10}, 10)
	}

	// Round robin across connects: two clients land on both instances.
	bal := &loadbalance.RoundRobinBalancer{}
	seen := map[any]bool{}
	for i := 0; i < 2; i++ {
		cli := client.NewClient()
		if err := cli.ConnectRegistry(reg, "calc", bal); err != nil {
			t.Fatal(err)
		}
		result, ok := syncCall(t, cli, "whoami", nil)
		if !ok {
			t.Fatalf("whoami failed: %v", result)
		}
		seen[result[0]] = true
		cli.Close()
	}
	if len(seen) != 2 {
		t.Fatalf("expect both instances to serve, saw %v", seen)
	}
}

func TestPublishReachesAllClients(t *testing.T) {
	svr := server.NewServer()
	l := startServer(t, svr)

	gotA := make(chan []any, 1)
	gotB := make(chan []any, 1)

	cliA := client.NewClient()
	if err := cliA.ConnectTCP(l.Addr()); err != nil {
		t.Fatal(err)
	}
	defer cliA.Close()
	cliA.Subscribe("news", func(args []any) { gotA <- args })

	cliB := client.NewClient()
	if err := cliB.ConnectTCP(l.Addr()); err != nil {
		t.Fatal(err)
	}
	defer cliB.Close()
	cliB.Subscribe("news", func(args []any) { gotB <- args })

	// The dials return before the server's accept loop has tracked them.
	deadline := time.Now().Add(2 * time.Second)
	for svr.Peers() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expect 2 tracked peers, got %d", svr.Peers())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := svr.Publish("news", "breaking", 7); err != nil {
		t.Fatal(err)
	}

	for name, ch := range map[string]chan []any{"A": gotA, "B": gotB} {
		select {
		case args := <-ch:
			if len(args) != 2 || args[0] != "breaking" || args[1] != 7.0 {
				t.Fatalf("client %s: unexpected arguments %v", name, args)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("client %s never received the publish", name)
		}
	}
}

func TestGracefulShutdown(t *testing.T) {
	svr := server.NewServer()
	svr.Register("slow", func() string {
		time.Sleep(200 * time.Millisecond)
		return "done"
	})

	l, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- svr.Serve(l) }()

	cli := client.NewClient()
	if err := cli.ConnectTCP(l.Addr()); err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	// Fire a call, then close while it is in flight; the grace period lets
	// it finish and the response still comes back.
	got := make(chan []any, 1)
	cli.Call("slow", nil, func(args []any) { got <- args }, nil)
	time.Sleep(50 * time.Millisecond)

	if err := svr.Close(2 * time.Second); err != nil {
		t.Fatalf("graceful close failed: %v", err)
	}
	select {
	case args := <-got:
		if args[0] != "done" {
			t.Fatalf("expect done, got %v", args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call was cut off by shutdown")
	}

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("expect Serve to return nil after Close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

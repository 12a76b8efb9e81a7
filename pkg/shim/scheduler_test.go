package shim

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/arzzra/vqec-dataplane/pkg/logging"
)

type fixedAllocator struct {
	buf [1500]byte
}

func (a *fixedAllocator) Scratch() []byte { return a.buf[:] }

type exhaustedAllocator struct{}

func (exhaustedAllocator) Scratch() []byte { return nil }

func openLoopback(t *testing.T) *Socket {
	t.Helper()
	sock, err := Open(SocketConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { sock.Close() })
	return sock
}

func TestSchedulerDeliversToMatchingFilter(t *testing.T) {
	sock := openLoopback(t)
	log := logging.NewDefault(io.Discard, logging.LevelInfo)
	sched := NewScheduler(&fixedAllocator{}, make([]byte, 1500), log, nil)

	delivered := make(chan []byte, 1)
	stream := &Stream{
		Name:   "primary",
		Class:  ClassPrimary,
		Socket: sock,
		Filters: []*Filter{{
			Name: "any",
			Deliver: func(data []byte, from *net.UDPAddr) error {
				cp := append([]byte(nil), data...)
				delivered <- cp
				return nil
			},
		}},
	}
	sched.Register(stream)

	dst := sock.Conn.LocalAddr().(*net.UDPAddr)
	client, err := net.DialUDP("udp4", nil, dst)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	sock.Conn.SetReadDeadline(time.Now().Add(50*time.Millisecond))
	n := sched.Poll()
	if n != 1 {
		t.Fatalf("Poll() processed %d datagrams, want 1", n)
	}
	select {
	case got := <-delivered:
		if string(got) != "hello" {
			t.Fatalf("delivered payload = %q, want %q", got, "hello")
		}
	default:
		t.Fatal("expected the filter's Deliver callback to run")
	}
}

func TestSchedulerEmergencyReadOnPoolExhaustion(t *testing.T) {
	sock := openLoopback(t)
	log := logging.NewDefault(io.Discard, logging.LevelInfo)
	sched := NewScheduler(exhaustedAllocator{}, make([]byte, 1500), log, nil)
	sched.Register(&Stream{Name: "primary", Class: ClassPrimary, Socket: sock})

	dst := sock.Conn.LocalAddr().(*net.UDPAddr)
	client, err := net.DialUDP("udp4", nil, dst)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()
	client.Write([]byte("x"))

	sock.Conn.SetReadDeadline(time.Now().Add(50*time.Millisecond))
	n := sched.Poll()
	if n != 0 {
		t.Fatalf("Poll() = %d, want 0 (emergency drain doesn't count as processed)", n)
	}
}

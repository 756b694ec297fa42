package id

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestUUIDGenerator_NextID_Uniqueness(t *testing.T) {
	var gen UUIDGenerator

	seen := make(map[string]bool)
	const iterations = 10000

	for i := 0; i < iterations; i++ {
		id := gen.NextID()
		if seen[id] {
			t.Fatalf("duplicate ID generated at iteration %d: %s", i, id)
		}
		seen[id] = true
	}
}

func TestUUIDGenerator_NextID_Parses(t *testing.T) {
	var gen UUIDGenerator
	u, err := uuid.Parse(gen.NextID())
	if err != nil {
		t.Fatalf("generated id is not a uuid: %v", err)
	}
	if u.Version() != 4 {
		t.Fatalf("expected v4 uuid, got v%d", u.Version())
	}
}

func TestUUIDGenerator_Concurrent(t *testing.T) {
	var gen UUIDGenerator

	const goroutines = 10
	const idsPerGoroutine = 1000

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, idsPerGoroutine)
			for i := range local {
				local[i] = gen.NextID()
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if seen[id] {
					t.Errorf("duplicate ID: %s", id)
				}
				seen[id] = true
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*idsPerGoroutine {
		t.Fatalf("expected %d unique IDs, got %d", goroutines*idsPerGoroutine, len(seen))
	}
}

func TestClientIDGenerator_Format(t *testing.T) {
	gen := &ClientIDGenerator{
		IP:  "10.1.2.3",
		PID: 4242,
		Now: func() time.Time { return time.Unix(1700000000, 0) },
	}
	if got := gen.NextID(); got != "10.1.2.3_4242_1700000000" {
		t.Fatalf("unexpected client id %q", got)
	}
}

func TestLocalIP(t *testing.T) {
	ip := net.ParseIP(LocalIP())
	if ip == nil || ip.To4() == nil {
		t.Fatalf("LocalIP returned a non IPv4 address: %q", LocalIP())
	}
}

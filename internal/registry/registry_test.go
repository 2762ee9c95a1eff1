package registry

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/iwp-relay/internal/streamio"
)

func TestAgentLIFOPop(t *testing.T) {
	r := New(time.Second)
	a1 := r.AddWait("p1", "", nil)
	a2 := r.AddWait("p1", "", nil)

	got := r.GetAgent("p1")
	if got != a2 {
		t.Errorf("expected freshest (LIFO) agent a2 to pop first, got %v", got)
	}
	got = r.GetAgent("p1")
	if got != a1 {
		t.Errorf("expected a1 to pop second, got %v", got)
	}
	if r.GetAgent("p1") != nil {
		t.Error("expected nil once queue is drained")
	}
}

func TestClientFIFOPop(t *testing.T) {
	r := New(time.Second)
	c1 := r.AddClient("p1", "", nil)
	c2 := r.AddClient("p1", "", nil)

	got := r.GetClient("p1")
	if got != c1 {
		t.Errorf("expected oldest (FIFO) client c1 to pop first, got %v", got)
	}
	got = r.GetClient("p1")
	if got != c2 {
		t.Errorf("expected c2 to pop second, got %v", got)
	}
}

func TestRemoveWaitRegistersCache(t *testing.T) {
	r := New(time.Second)
	w := r.AddWait("p1", "", nil)
	r.RemoveWait(w)

	if !r.HasCache("p1") {
		t.Error("expected a cache entry to be registered after RemoveWait")
	}
	if r.GetAgent("p1") != nil {
		t.Error("a removed waiter must never be handed out")
	}
}

func TestAgentCacheExpires(t *testing.T) {
	r := New(10 * time.Millisecond)
	r.AddCache("p1")
	if !r.HasCache("p1") {
		t.Fatal("expected cache entry to be observable immediately")
	}
	time.Sleep(30 * time.Millisecond)
	if r.HasCache("p1") {
		t.Error("expected cache entry to have expired past timeout_cache")
	}
}

func TestRequestIDUniqueness(t *testing.T) {
	r := New(time.Second)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		in := r.NewInteraction("p1", nil)
		if seen[in.RequestID] {
			t.Fatalf("duplicate RequestID %q at iteration %d", in.RequestID, i)
		}
		seen[in.RequestID] = true
	}
}

func TestGetInteractionValidatesProductID(t *testing.T) {
	r := New(time.Second)
	in := r.NewInteraction("p1", nil)

	if _, err := r.GetInteraction(in.RequestID, false, "p2"); err == nil {
		t.Error("expected a validation error for mismatched ProductID")
	}
	if _, err := r.GetInteraction(in.RequestID, false, "p1"); err != nil {
		t.Errorf("expected lookup with matching ProductID to succeed: %v", err)
	}
}

func TestAttachReplyRejectsDuplicate(t *testing.T) {
	r := New(time.Second)
	clientConn := streamio.New(httptest.NewRecorder(), httptest.NewRequest("POST", "/client/x", nil))
	in := r.NewInteraction("p1", clientConn)

	if _, err := r.AttachReply(in.RequestID, "p1"); err != nil {
		t.Fatalf("first AttachReply should succeed: %v", err)
	}
	if _, err := r.AttachReply(in.RequestID, "p1"); err == nil {
		t.Error("expected second AttachReply for the same RequestID to fail")
	}
}

// TestPairUpAtomicity is the concurrent-access smoke test: many goroutines
// race to pop the same waiting agent, and at most one must succeed.
func TestPairUpAtomicity(t *testing.T) {
	r := New(time.Second)
	w := r.AddWait("p1", "", nil)

	var wg sync.WaitGroup
	var successes int
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := r.GetAgent("p1"); got == w {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Errorf("expected exactly one goroutine to win the waiting agent, got %d", successes)
	}
}

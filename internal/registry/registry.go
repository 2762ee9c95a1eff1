// Package registry holds the per-instance in-memory state machine: waiting
// agents, waiting clients, the short-lived agent-cache, live interactions
// keyed by RequestID, and the CustomerID location map. All of it sits
// behind one mutex rather than a single-threaded event loop.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/iwp-relay/internal/domain"
	"github.com/ashureev/iwp-relay/internal/relayerr"
	"github.com/ashureev/iwp-relay/internal/streamio"
)

// Registry owns WaitingAgent/WaitingClient/AgentCache/Interaction tables
// plus the best-effort CustomerID location map for one instance.
type Registry struct {
	mu sync.Mutex

	agents  map[string][]*AgentWaiter  // ProductID -> LIFO stack
	clients map[string][]*ClientWaiter // ProductID -> FIFO queue
	cache   map[string][]time.Time     // ProductID -> expiry timestamps

	interactions map[string]*Interaction
	requestSeq   atomic.Uint64

	location map[string]domain.Instance

	cacheTTL time.Duration
}

// New builds an empty Registry. cacheTTL is timeout_cache from config.
func New(cacheTTL time.Duration) *Registry {
	return &Registry{
		agents:       make(map[string][]*AgentWaiter),
		clients:      make(map[string][]*ClientWaiter),
		cache:        make(map[string][]time.Time),
		interactions: make(map[string]*Interaction),
		location:     make(map[string]domain.Instance),
		cacheTTL:     cacheTTL,
	}
}

// --- waiting agents ---------------------------------------------------

// AddWait enqueues a suspended Agent_ready request under its ProductID.
func (r *Registry) AddWait(productID, requestID string, conn *streamio.Conn) *AgentWaiter {
	w := newAgentWaiter(productID, requestID, conn)
	r.mu.Lock()
	r.agents[productID] = append(r.agents[productID], w)
	r.mu.Unlock()
	return w
}

// RemoveWait removes w by identity from its queue and registers an
// AgentCacheEntry for its ProductID, exactly as a popped agent would.
func (r *Registry) RemoveWait(w *AgentWaiter) {
	if !w.markDone() {
		return
	}
	w.stopTimer()
	r.mu.Lock()
	q := r.agents[w.ProductID]
	for i, cand := range q {
		if cand == w {
			r.agents[w.ProductID] = append(q[:i], q[i+1:]...)
			break
		}
	}
	r.addCacheLocked(w.ProductID)
	r.mu.Unlock()
}

// GetAgent pops the freshest (LIFO) non-closed waiting agent for
// ProductID, registers an AgentCacheEntry, and clears its timeout.
// Returns nil if none is waiting.
func (r *Registry) GetAgent(productID string) *AgentWaiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.agents[productID]
	for len(q) > 0 {
		w := q[len(q)-1]
		q = q[:len(q)-1]
		r.agents[productID] = q
		if !w.markDone() {
			continue
		}
		w.stopTimer()
		r.addCacheLocked(productID)
		return w
	}
	return nil
}

// ArmAgentTimeout starts timeout_agent on w; fn runs once if it fires
// before a client pairs with it.
func (r *Registry) ArmAgentTimeout(w *AgentWaiter, d time.Duration, fn func()) {
	w.setTimer(time.AfterFunc(d, fn))
}

// ArmClientTimeout starts timeout_client on w; fn runs once if it fires
// before an agent pairs with it.
func (r *Registry) ArmClientTimeout(w *ClientWaiter, d time.Duration, fn func()) {
	w.setTimer(time.AfterFunc(d, fn))
}

// --- waiting clients ----------------------------------------------------

// AddClient enqueues a suspended Client request under its ProductID.
func (r *Registry) AddClient(productID, requestID string, conn *streamio.Conn) *ClientWaiter {
	w := newClientWaiter(productID, requestID, conn)
	r.mu.Lock()
	r.clients[productID] = append(r.clients[productID], w)
	r.mu.Unlock()
	return w
}

// RemoveClient removes w by identity from its queue.
func (r *Registry) RemoveClient(w *ClientWaiter) {
	if !w.markDone() {
		return
	}
	w.stopTimer()
	r.mu.Lock()
	q := r.clients[w.ProductID]
	for i, cand := range q {
		if cand == w {
			r.clients[w.ProductID] = append(q[:i], q[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// GetClient pops the oldest (FIFO) non-closed waiting client for
// ProductID. Returns nil if none is waiting.
func (r *Registry) GetClient(productID string) *ClientWaiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.clients[productID]
	for len(q) > 0 {
		w := q[0]
		q = q[1:]
		r.clients[productID] = q
		if !w.markDone() {
			continue
		}
		w.stopTimer()
		return w
	}
	return nil
}

// --- agent cache ---------------------------------------------------------

// AddCache registers a short-lived hint that an agent for ProductID was
// here moments ago.
func (r *Registry) AddCache(productID string) {
	r.mu.Lock()
	r.addCacheLocked(productID)
	r.mu.Unlock()
}

func (r *Registry) addCacheLocked(productID string) {
	r.cache[productID] = append(r.cache[productID], time.Now().Add(r.cacheTTL))
}

// HasCache reports whether any live AgentCacheEntry exists for ProductID,
// pruning expired entries encountered along the way.
func (r *Registry) HasCache(productID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.cache[productID]
	if len(entries) == 0 {
		return false
	}
	now := time.Now()
	live := entries[:0]
	found := false
	for _, exp := range entries {
		if exp.After(now) {
			live = append(live, exp)
			found = true
		}
	}
	if len(live) == 0 {
		delete(r.cache, productID)
	} else {
		r.cache[productID] = live
	}
	return found
}

// SweepCache prunes every expired cache entry for every ProductID in this
// Registry; intended to be
// called periodically by a background ticker (see directory.StartWorkers).
func (r *Registry) SweepCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for productID, entries := range r.cache {
		live := entries[:0]
		for _, exp := range entries {
			if exp.After(now) {
				live = append(live, exp)
			}
		}
		if len(live) == 0 {
			delete(r.cache, productID)
		} else {
			r.cache[productID] = live
		}
	}
}

// --- interactions ---------------------------------------------------------

func (r *Registry) nextRequestID() string {
	n := r.requestSeq.Add(1)
	return uintToString(n)
}

// NewInteraction allocates a fresh RequestID, stores the Interaction keyed
// by it, and returns it. No waiter is stamped with the RequestID; the
// caller passes it to relay.Pump, which sets it on the agent's response
// headers so the agent can name it in its later /agentreply.
func (r *Registry) NewInteraction(productID string, clientConn *streamio.Conn) *Interaction {
	requestID := r.nextRequestID()
	in := &Interaction{
		RequestID:  requestID,
		ProductID:  productID,
		ClientConn: clientConn,
		state:      domain.StateNew,
		done:       make(chan struct{}),
	}
	r.mu.Lock()
	r.interactions[requestID] = in
	r.mu.Unlock()
	return in
}

// GetInteraction looks up an Interaction by RequestID. If validateProductID
// is non-empty and does not match the stored ProductID, ErrValidation is
// returned. If remove is true, the Interaction is deleted on success.
func (r *Registry) GetInteraction(requestID string, remove bool, validateProductID string) (*Interaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.interactions[requestID]
	if !ok {
		return nil, relayerr.ErrNoInteraction
	}
	if validateProductID != "" && in.ProductID != validateProductID {
		return nil, relayerr.ErrValidation
	}
	if remove {
		delete(r.interactions, requestID)
	}
	return in, nil
}

// AttachReply validates and claims the reply leg of requestID for one
// agentreply call. It fails with ErrAlreadyReplying if a reply is already
// attached, and ErrNoInteraction if the client side already closed.
func (r *Registry) AttachReply(requestID, productID string) (*Interaction, error) {
	r.mu.Lock()
	in, ok := r.interactions[requestID]
	r.mu.Unlock()
	if !ok {
		return nil, relayerr.ErrNoInteraction
	}
	if productID != "" && in.ProductID != productID {
		return nil, relayerr.ErrValidation
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.replyAttached {
		return nil, relayerr.ErrAlreadyReplying
	}
	if in.ClientConn.Closed() {
		return nil, relayerr.ErrNoInteraction
	}
	in.replyAttached = true
	if in.noReplyTimer != nil {
		in.noReplyTimer.Stop()
	}
	in.state = domain.StateStreamingReply
	return in, nil
}

// ArmNoReplyTimeout starts the timeout_no_reply timer on in; fn runs once
// if it fires before the reply leg attaches.
func (r *Registry) ArmNoReplyTimeout(in *Interaction, d time.Duration, fn func()) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == domain.StateCompleted || in.state == domain.StateAborted || in.state == domain.StateRecycled {
		return
	}
	in.state = domain.StateAwaitingReply
	in.noReplyTimer = time.AfterFunc(d, fn)
}

// Complete marks the Interaction completed and releases the Client
// handler's phase-2 wait, then removes it from the table.
func (r *Registry) Complete(in *Interaction) {
	in.finish(domain.StateCompleted)
	r.mu.Lock()
	delete(r.interactions, in.RequestID)
	r.mu.Unlock()
}

// Abort marks the Interaction aborted (either side closed mid-stream) and
// releases any blocked waiter, then removes it from the table.
func (r *Registry) Abort(in *Interaction) {
	in.finish(domain.StateAborted)
	r.mu.Lock()
	delete(r.interactions, in.RequestID)
	r.mu.Unlock()
}

// Recycle marks the Interaction recycled (timeout_no_reply fired) and
// releases the Client handler's wait, then removes it from the table.
func (r *Registry) Recycle(in *Interaction) {
	in.finish(domain.StateRecycled)
	r.mu.Lock()
	delete(r.interactions, in.RequestID)
	r.mu.Unlock()
}

// --- location map ---------------------------------------------------------

// SetLocation records where ProductID's agent last connected.
func (r *Registry) SetLocation(productID string, inst domain.Instance) {
	r.mu.Lock()
	r.location[productID] = inst
	r.mu.Unlock()
}

// Location returns the cached owner of ProductID, if any.
func (r *Registry) Location(productID string) (domain.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.location[productID]
	return inst, ok
}

func uintToString(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

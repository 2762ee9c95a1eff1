package registry

import (
	"sync"
	"time"

	"github.com/ashureev/iwp-relay/internal/domain"
	"github.com/ashureev/iwp-relay/internal/streamio"
)

// AgentWaiter is a suspended Agent_ready request: either blocked in the
// Registry's waiting-agent queue, or already handed to a pairing client.
type AgentWaiter struct {
	ProductID string
	RequestID string
	Conn      *streamio.Conn

	// Paired is sent to exactly once: when a client discovers this
	// waiter and completes the request->agent relay leg itself. The
	// Agent_ready handler blocks on it and returns once notified.
	Paired chan struct{}

	timer *time.Timer
	mu    sync.Mutex
	done  bool
}

func newAgentWaiter(productID, requestID string, conn *streamio.Conn) *AgentWaiter {
	return &AgentWaiter{
		ProductID: productID,
		RequestID: requestID,
		Conn:      conn,
		Paired:    make(chan struct{}, 1),
	}
}

func (w *AgentWaiter) markDone() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	return true
}

func (w *AgentWaiter) setTimer(t *time.Timer) {
	w.mu.Lock()
	w.timer = t
	w.mu.Unlock()
}

func (w *AgentWaiter) stopTimer() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

// ClientWaiter is a suspended Client request re-entering its wait loop.
type ClientWaiter struct {
	ProductID string
	RequestID string
	Conn      *streamio.Conn

	// Paired delivers the Interaction once an Agent_ready handler
	// discovers this waiter and performs the request->agent leg itself.
	Paired chan *Interaction

	timer *time.Timer
	mu    sync.Mutex
	done  bool
}

func newClientWaiter(productID, requestID string, conn *streamio.Conn) *ClientWaiter {
	return &ClientWaiter{
		ProductID: productID,
		RequestID: requestID,
		Conn:      conn,
		Paired:    make(chan *Interaction, 1),
	}
}

func (w *ClientWaiter) markDone() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	return true
}

func (w *ClientWaiter) setTimer(t *time.Timer) {
	w.mu.Lock()
	w.timer = t
	w.mu.Unlock()
}

func (w *ClientWaiter) stopTimer() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

// Interaction is a live pairing of one client body being streamed to one
// agent and the reply streamed back. ClientConn stays open across both
// legs; the agent side is represented only by its ProductID/RequestID
// because the agent's two HTTP legs (request-leg response, reply-leg
// request) are different TCP connections entirely.
type Interaction struct {
	RequestID  string
	ProductID  string
	ClientConn *streamio.Conn

	mu            sync.Mutex
	state         domain.InteractionState
	replyAttached bool
	noReplyTimer  *time.Timer

	// done is closed exactly once, when the Interaction reaches a
	// terminal state, releasing the Client handler's phase-2 wait.
	done chan struct{}
}

// State returns the current lifecycle state.
func (in *Interaction) State() domain.InteractionState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *Interaction) setState(s domain.InteractionState) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

// Done returns the channel the Client handler selects on while awaiting
// the reply leg.
func (in *Interaction) Done() <-chan struct{} {
	return in.done
}

func (in *Interaction) finish(state domain.InteractionState) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == domain.StateCompleted || in.state == domain.StateAborted || in.state == domain.StateRecycled {
		return
	}
	in.state = state
	if in.noReplyTimer != nil {
		in.noReplyTimer.Stop()
	}
	close(in.done)
}

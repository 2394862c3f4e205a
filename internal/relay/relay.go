// Package relay correlates automation commands with canvas replies.
//
// Replies are always forwarded by request ID pass-through; the relay never
// holds back or drops a reply. What it adds is a pending table: every command
// broadcast to the canvas peers is recorded until its first matching reply or
// until it expires, so unanswered requests show up in logs and on /status.
package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/glowus/relay/internal/errors"
)

// DefaultPendingTimeout is how long a command waits for its first reply
// before its pending record expires.
const DefaultPendingTimeout = 30 * time.Second

// Pending describes one in-flight command.
type Pending struct {
	RequestID string    `json:"requestId"`
	Command   string    `json:"command"`
	IssuedAt  time.Time `json:"issuedAt"`
}

type pendingRequest struct {
	Pending
	timer *time.Timer
}

// Relay tracks in-flight automation commands. It is safe for concurrent use.
type Relay struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	timeout time.Duration
	closed  bool

	// onExpire is called outside the lock after a record expired.
	onExpire func(Pending)

	logger *zap.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithExpireHook registers fn to run after a pending record expired.
func WithExpireHook(fn func(Pending)) Option {
	return func(r *Relay) { r.onExpire = fn }
}

// New creates a relay whose pending records expire after timeout.
// A non-positive timeout selects DefaultPendingTimeout.
func New(timeout time.Duration, logger *zap.Logger, opts ...Option) *Relay {
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		pending: make(map[string]*pendingRequest),
		timeout: timeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Issue records a command about to be broadcast to the canvas peers and
// returns the request ID it travels under. An empty requestID is replaced by
// a fresh UUID. Re-issuing an ID that is still pending restarts its record.
func (r *Relay) Issue(requestID, command string) string {
	if requestID == "" {
		requestID = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return requestID
	}

	if old, ok := r.pending[requestID]; ok {
		old.timer.Stop()
		r.logger.Warn("request ID reissued while pending",
			zap.String("request_id", requestID),
			zap.String("command", command),
			zap.String("previous_command", old.Command))
	}

	req := &pendingRequest{
		Pending: Pending{
			RequestID: requestID,
			Command:   command,
			IssuedAt:  time.Now(),
		},
	}
	req.timer = time.AfterFunc(r.timeout, func() { r.expire(req) })
	r.pending[requestID] = req

	return requestID
}

// Resolve removes the pending record for requestID. It reports the record
// and true for the first reply to a live request, false for any later
// duplicate, unknown or expired ID. The caller forwards the reply either way.
func (r *Relay) Resolve(requestID string) (Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.pending[requestID]
	if !ok {
		return Pending{}, false
	}
	req.timer.Stop()
	delete(r.pending, requestID)
	return req.Pending, true
}

func (r *Relay) expire(req *pendingRequest) {
	r.mu.Lock()
	if r.pending[req.RequestID] != req {
		// Resolved or reissued in the meantime.
		r.mu.Unlock()
		return
	}
	delete(r.pending, req.RequestID)
	hook := r.onExpire
	r.mu.Unlock()

	r.logger.Warn("command received no reply",
		zap.String("request_id", req.RequestID),
		zap.String("command", req.Command),
		zap.Duration("timeout", r.timeout),
		zap.Error(apperrors.RequestExpired(req.RequestID)))

	if hook != nil {
		hook(req.Pending)
	}
}

// Len returns the number of live pending records.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// List returns the live pending records, oldest first.
func (r *Relay) List() []Pending {
	r.mu.Lock()
	out := make([]Pending, 0, len(r.pending))
	for _, req := range r.pending {
		out = append(out, req.Pending)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

// Timeout returns the pending expiry duration.
func (r *Relay) Timeout() time.Duration {
	return r.timeout
}

// Close stops every expiry timer and drops all records. Issue still hands
// out request IDs afterwards but no longer tracks them.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, req := range r.pending {
		req.timer.Stop()
		delete(r.pending, id)
	}
}

package taskroom

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Outbox — recorded mutations awaiting user-initiated replay
// ============================================================================

const (
	OpStatusPending = "pending"
	OpStatusDone    = "done"
	OpStatusFailed  = "failed"
)

// OutboxOp is a mutating API call that failed at the transport level and
// was recorded for later replay.
type OutboxOp struct {
	ID             string      `json:"id"`
	Method         string      `json:"method"`
	Path           string      `json:"path"`
	Body           interface{} `json:"body,omitempty"`
	Status         string      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	Retries        int         `json:"retries"`
	IdempotencyKey string      `json:"idempotency_key"`
	Error          string      `json:"error,omitempty"`
}

// Outbox records mutating calls that never reached the server. Only
// transport-level failures land here: an API-level rejection (404, 409,
// validation) is a definitive answer and is never replayed.
//
// Replay is strictly user-initiated via Flush — the SDK never retries a
// mutating call on its own.
type Outbox struct {
	mu    sync.Mutex
	ops   map[string]*OutboxOp
	order []string
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{ops: make(map[string]*OutboxOp)}
}

// Enqueue records a failed mutation. Each op gets a stable idempotency key
// so a replay that raced a slow original does not double-apply server-side.
func (o *Outbox) Enqueue(method, path string, body interface{}) *OutboxOp {
	op := &OutboxOp{
		ID:             randomID(),
		Method:         method,
		Path:           path,
		Body:           body,
		Status:         OpStatusPending,
		CreatedAt:      time.Now(),
		IdempotencyKey: randomID(),
	}
	o.mu.Lock()
	o.ops[op.ID] = op
	o.order = append(o.order, op.ID)
	o.mu.Unlock()
	return op
}

// Pending returns copies of the pending ops in enqueue order.
func (o *Outbox) Pending() []OutboxOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []OutboxOp
	for _, id := range o.order {
		if op := o.ops[id]; op != nil && op.Status == OpStatusPending {
			out = append(out, *op)
		}
	}
	return out
}

// Len returns the number of pending ops.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, op := range o.ops {
		if op.Status == OpStatusPending {
			n++
		}
	}
	return n
}

// Flush replays pending ops in enqueue order and returns how many were
// accepted. A transport failure stops the flush and leaves the op pending
// for a later attempt; an API-level rejection marks the op failed and
// moves on — the server has spoken.
func (o *Outbox) Flush(ctx context.Context, client *Client) (int, error) {
	pending := o.Pending()
	flushed := 0
	for _, op := range pending {
		res, err := client.doRequest(ctx, op.Method, op.Path, op.Body, nil,
			map[string]string{"Idempotency-Key": op.IdempotencyKey})
		if err != nil {
			o.markRetried(op.ID, err.Error())
			return flushed, fmt.Errorf("replay %s %s: %w", op.Method, op.Path, err)
		}
		if apiErr := res.Err(); apiErr != nil {
			o.markFailed(op.ID, apiErr.Error())
			continue
		}
		o.markDone(op.ID)
		flushed++
	}
	return flushed, nil
}

func (o *Outbox) markDone(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if op := o.ops[id]; op != nil {
		op.Status = OpStatusDone
		op.Error = ""
	}
}

func (o *Outbox) markFailed(id, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if op := o.ops[id]; op != nil {
		op.Status = OpStatusFailed
		op.Error = msg
	}
}

func (o *Outbox) markRetried(id, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if op := o.ops[id]; op != nil {
		op.Retries++
		op.Error = msg
	}
}

func randomID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("op-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

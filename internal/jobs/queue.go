package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onexay/devpulse/internal/storage"
)

// Queue keys.
const (
	IngestQueue = "queue:ingest"
	ReportQueue = "queue:report"
	DeadLetters = "queue:dead"
)

// QueueFor returns the queue a job type is routed to. Report jobs get their
// own queue so they never wait behind ingest traffic.
func QueueFor(t Type) string {
	if t == TypeReport {
		return ReportQueue
	}
	return IngestQueue
}

// Queue is a FIFO of envelopes on a KV list.
type Queue struct {
	kv    storage.KV
	clock func() time.Time
}

// NewQueue builds a queue over kv.
func NewQueue(kv storage.KV, clock func() time.Time) *Queue {
	if clock == nil {
		clock = time.Now
	}
	return &Queue{kv: kv, clock: clock}
}

// Enqueue wraps payload in an envelope and appends it to the queue for t.
func (q *Queue) Enqueue(ctx context.Context, t Type, payload any) (Envelope, error) {
	if _, err := ParseType(string(t)); err != nil {
		return Envelope{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, &PayloadError{Type: t, Err: err}
	}
	env := Envelope{ID: uuid.NewString(), Type: t, Payload: raw, EnqueuedAt: q.clock().UTC()}
	if err := q.push(ctx, QueueFor(t), env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Dequeue blocks up to timeout for the next envelope on queue. It returns
// storage.ErrEmpty when nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (Envelope, error) {
	raw, err := q.kv.BLPop(ctx, timeout, queue)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, &PayloadError{Type: "envelope", Err: err}
	}
	return env, nil
}

// DeadLetter records an envelope that failed for good.
func (q *Queue) DeadLetter(ctx context.Context, env Envelope, cause error) error {
	entry := struct {
		Envelope
		Error    string    `json:"error"`
		FailedAt time.Time `json:"failed_at"`
	}{Envelope: env, Error: cause.Error(), FailedAt: q.clock().UTC()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return q.kv.RPush(ctx, DeadLetters, string(raw))
}

// Failed returns the dead-lettered entries, oldest first.
func (q *Queue) Failed(ctx context.Context) ([]string, error) {
	return q.kv.LRange(ctx, DeadLetters, 0, -1)
}

func (q *Queue) push(ctx context.Context, queue string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := q.kv.RPush(ctx, queue, string(raw)); err != nil {
		return fmt.Errorf("enqueue %s job: %w", env.Type, err)
	}
	return nil
}

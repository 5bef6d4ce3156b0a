// Package reliability implements at-least-once delivery over the durable
// outbox. Every signed envelope is persisted before the first send attempt,
// retried on a fixed backoff schedule until its TTL lapses, and removed only
// when the matching ack arrives. Send failures are expected on a mesh that
// partitions; the schedule is the recovery mechanism, not an error path.
package reliability

import (
	"fmt"
	"time"

	"github.com/emergance/emergance/internal/protocol"
	"github.com/emergance/emergance/internal/store"
)

// backoffScheduleMs is the fixed retry schedule. After the table is
// exhausted every retry waits the flat tail interval. The schedule is part
// of the network's traffic contract, so it is not configurable per node.
var backoffScheduleMs = []int64{500, 1000, 2000, 4000, 8000, 16000}

// tailBackoffMs is the steady-state retry interval once the schedule runs out.
const tailBackoffMs = 30_000

// flushBatchSize caps how many due entries one flush pass will attempt.
const flushBatchSize = 100

// BackoffMs returns the delay before the next attempt given how many
// attempts have already been made.
func BackoffMs(attempts int) int64 {
	if attempts < 0 {
		attempts = 0
	}
	if attempts < len(backoffScheduleMs) {
		return backoffScheduleMs[attempts]
	}
	return tailBackoffMs
}

// TTLMs returns how long a message of the given type stays retryable. SOS
// reports survive a day of partition; offers and heartbeats go stale fast
// and are dropped rather than delivered late.
func TTLMs(t protocol.MessageType) int64 {
	switch t {
	case protocol.MsgSosCreate:
		return 24 * int64(time.Hour/time.Millisecond)
	case protocol.MsgAssignmentOffer:
		return 60_000
	case protocol.MsgDriverHeartbeat:
		return 15_000
	default:
		return 60_000
	}
}

// SendFunc attempts delivery of one outbox entry. It returns nil when at
// least one peer accepted the bytes; delivery to every peer is not required.
type SendFunc func(entry *store.OutboxEntry) error

// Queue is the durable retry queue over the store's outbox table.
type Queue struct {
	db  *store.DB
	now func() time.Time
}

// NewQueue builds a queue over db.
func NewQueue(db *store.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// Enqueue persists a signed envelope for delivery. The first attempt is due
// immediately.
func (q *Queue) Enqueue(env *protocol.Envelope, targetDevice string) error {
	if len(env.Signature) == 0 {
		return fmt.Errorf("refusing to enqueue unsigned envelope %s", env.MessageID)
	}
	nowMs := q.now().UnixMilli()
	return q.db.EnqueueOutbox(&store.OutboxEntry{
		MessageID:     env.MessageID,
		IncidentID:    env.IncidentID,
		Type:          string(env.Type),
		TargetDevice:  targetDevice,
		Envelope:      protocol.MarshalEnvelope(env),
		NextAttemptMs: nowMs,
		ExpiresAtMs:   env.CreatedAtMs + env.TTLMs,
		CreatedAtMs:   nowMs,
	})
}

// MarkAcked removes a delivered message from the queue.
func (q *Queue) MarkAcked(messageID string) error {
	return q.db.MarkOutboxAcked(messageID)
}

// Depth returns the number of pending entries.
func (q *Queue) Depth() (int, error) {
	return q.db.OutboxDepth()
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	Expired   int64
	Attempted int
	Sent      int
}

// Flush runs one delivery pass: drop expired entries, then attempt every
// due entry through send. The attempt counter advances whether or not the
// send succeeded, so an unreachable mesh backs off instead of spinning;
// only an ack removes an entry.
func (q *Queue) Flush(send SendFunc) (FlushResult, error) {
	var res FlushResult
	nowMs := q.now().UnixMilli()

	expired, err := q.db.ExpireOutbox(nowMs)
	if err != nil {
		return res, err
	}
	res.Expired = expired

	due, err := q.db.DueOutbox(nowMs, flushBatchSize)
	if err != nil {
		return res, err
	}
	for i := range due {
		entry := &due[i]
		res.Attempted++
		if err := send(entry); err == nil {
			res.Sent++
		}
		next := nowMs + BackoffMs(entry.Attempts)
		if err := q.db.RecordOutboxAttempt(entry.MessageID, next); err != nil {
			return res, err
		}
	}
	return res, nil
}

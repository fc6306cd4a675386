package bgsync

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrUnknownTag represents a sync tag with no bound operation
var ErrUnknownTag = errors.New("unknown sync tag")

// Operation is the remote call bound to a sync tag
// Operations must be idempotent, a duplicate signal for an in flight tag
// may run it again
type Operation func(ctx context.Context) error

// NewQueue returns a sync queue over the provided registration store
func NewQueue(store *Store) *Queue {
	return &Queue{
		store: store,
		ops:   make(map[string]Operation),
	}
}

// Queue executes deferred sync operations with at-least-once semantics
// It performs no internal backoff or scheduling, a failed operation stays
// registered and fires again on the next connectivity signal
type Queue struct {
	store *Store

	m   sync.Mutex
	ops map[string]Operation
}

// Bind associates a tag with its remote operation
func (q *Queue) Bind(tag string, op Operation) {
	q.m.Lock()
	q.ops[tag] = op
	q.m.Unlock()
}

// Rebind replaces all bound operations, used when a new deployment changes
// the sync bindings
func (q *Queue) Rebind(ops map[string]Operation) {
	q.m.Lock()
	q.ops = ops
	q.m.Unlock()
}

// Register durably registers a tag for deferred execution
func (q *Queue) Register(ctx context.Context, tag string) error {
	if _, ok := q.operation(tag); !ok {
		return errors.Wrapf(ErrUnknownTag, "tag %q", tag)
	}
	if err := q.store.Register(ctx, tag); err != nil {
		return err
	}
	log.Infof("Sync tag %s registered", tag)

	return nil
}

// Pending lists the registered tags
func (q *Queue) Pending(ctx context.Context) ([]Registration, error) {
	return q.store.Pending(ctx)
}

// Fire executes the operation bound to a tag exactly once for this signal
// Success removes the registration, failure leaves it registered and is
// reported honestly to the caller
func (q *Queue) Fire(ctx context.Context, tag string) error {
	op, ok := q.operation(tag)
	if !ok {
		return errors.Wrapf(ErrUnknownTag, "tag %q", tag)
	}

	if err := op(ctx); err != nil {
		return errors.Wrapf(err, "sync %s failed", tag)
	}
	if err := q.store.Remove(ctx, tag); err != nil {
		// the operation succeeded, a lingering registration only causes
		// an extra idempotent run later
		log.Errorf("Failed to remove completed sync tag %s: %s", tag, err)
	}
	log.Infof("Sync tag %s completed", tag)

	return nil
}

// FireDue fires every pending registration, each tag independently
// Failures are logged, the registrations remain for the next signal
func (q *Queue) FireDue(ctx context.Context) {
	regs, err := q.store.Pending(ctx)
	if err != nil {
		log.Errorf("Failed to list pending sync tags: %s", err)
		return
	}

	var wg sync.WaitGroup
	for _, reg := range regs {
		reg := reg
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Fire(ctx, reg.Tag); err != nil {
				log.Errorf("Sync tag %s will retry on the next signal: %s", reg.Tag, err)
			}
		}()
	}
	wg.Wait()
}

func (q *Queue) operation(tag string) (Operation, bool) {
	q.m.Lock()
	defer q.m.Unlock()
	op, ok := q.ops[tag]

	return op, ok
}

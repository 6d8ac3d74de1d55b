// Package events is the in-process subscription point the storefront layer
// uses to push chat notifications.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tgshop/onchain-engine/db"
)

type Kind string

const (
	DepositConfirmed Kind = "deposit.confirmed"
	PayoutCompleted  Kind = "payout.completed"
	PayoutFailed     Kind = "payout.failed"
	Security         Kind = "security"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case DepositConfirmed, PayoutCompleted, PayoutFailed, Security:
		return k, nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// Event carries one of Deposit, Payout or SecurityEvent depending on Kind.
type Event struct {
	Kind          Kind
	At            time.Time
	Deposit       *db.Deposit
	Payout        *db.Payout
	SecurityEvent *db.SecurityEvent
	// Recipients are the principals the event concerns, besides the admin channel.
	Recipients []string
}

type Handler func(ctx context.Context, event Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers events synchronously to every subscriber of their kind.
type Bus struct {
	mu     sync.RWMutex
	nextId uint64
	subs   map[Kind][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]subscription)}
}

// Subscribe registers handler for kind and returns a function that removes it.
func (b *Bus) Subscribe(kind Kind, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextId++
	id := b.nextId
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[kind]
		for i, sub := range subs {
			if sub.id == id {
				b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) HasSubscribers(kind Kind) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind]) > 0
}

// Publish runs every handler even if some fail, and joins their errors.
// A panicking handler is reported as an error.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	return b.PublishEach(ctx, event, func(ctx context.Context, deliver func(context.Context) error) error {
		return deliver(ctx)
	})
}

// PublishEach is Publish with every handler call wrapped by run, so a caller
// can retry one failing subscriber without calling the others again.
func (b *Bus) PublishEach(ctx context.Context, event Event, run func(ctx context.Context, deliver func(context.Context) error) error) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[event.Kind]...)
	b.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		handler := sub.handler
		if err := run(ctx, func(ctx context.Context) error {
			return call(ctx, handler, event)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func call(ctx context.Context, handler Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("events: %s handler panicked: %v", event.Kind, r)
		}
	}()
	return handler(ctx, event)
}

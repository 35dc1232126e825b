// Package bus is the in-process software bus the Plan Engine consumes.
//
// It is the concrete implementation of the abstract bus trait from the
// engine's design notes: dispatch, subscribe, and a per-subscriber channel
// consumed via select rather than a blocking wait_for_messages call. A
// later out-of-process transport would satisfy the same method set.
package bus

import (
	"log"
	"sync"

	"github.com/duneuav/planengine/internal/imc"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus is the observable message bus. All engine/vehicle/operator traffic
// passes through it. Multiple consumers (the audit watcher, the operator
// console) can each register their own tap channel via NewTap.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[imc.MessageType][]chan imc.Message
	taps        []chan imc.Message
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[imc.MessageType][]chan imc.Message),
	}
}

// Publish fans out msg to all subscribers of msg.Type and to every tap.
// Non-blocking: if a subscriber's channel is full, the message is dropped
// with a warning rather than stalling the publisher.
func (b *Bus) Publish(msg imc.Message) {
	b.mu.RLock()
	subs := b.subscribers[msg.Type]
	taps := b.taps
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			log.Printf("[BUS] WARNING: subscriber channel full for type=%s src=%s — message dropped", msg.Type, msg.Src)
		}
	}

	for _, tap := range taps {
		select {
		case tap <- msg:
		default:
			log.Printf("[BUS] WARNING: tap channel full — message dropped type=%s", msg.Type)
		}
	}
}

// Subscribe returns a receive-only channel that delivers messages of type t.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(t imc.MessageType) <-chan imc.Message {
	ch := make(chan imc.Message, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], ch)
	b.mu.Unlock()
	return ch
}

// NewTap registers and returns a new read-only tap channel that receives
// every message published on the bus, regardless of type.
func (b *Bus) NewTap() <-chan imc.Message {
	ch := make(chan imc.Message, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}

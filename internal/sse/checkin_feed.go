// Package sse fans completed check-ins out to dashboards streaming them over
// Server-Sent Events.
package sse

import (
	"context"
	"sync"

	"ms-registration/internal/models"
)

const clientBuffer = 16

// Feed broadcasts check-in records to subscribers of a target, or of every
// target when subscribed with the zero TargetRef.
type Feed struct {
	mu      sync.RWMutex
	clients map[models.TargetRef][]chan models.CheckInRecord
}

func NewFeed() *Feed {
	return &Feed{clients: make(map[models.TargetRef][]chan models.CheckInRecord)}
}

// Subscribe registers a client until ctx is done, then closes its channel.
func (f *Feed) Subscribe(ctx context.Context, ref models.TargetRef) <-chan models.CheckInRecord {
	ch := make(chan models.CheckInRecord, clientBuffer)

	f.mu.Lock()
	f.clients[ref] = append(f.clients[ref], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.remove(ref, ch)
	}()
	return ch
}

// CheckInCompleted never blocks; a client whose buffer is full misses the record.
func (f *Feed) CheckInCompleted(_ context.Context, rec *models.CheckInRecord) {
	ref := models.TargetRef{Kind: rec.Kind, ID: rec.TargetID}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, key := range []models.TargetRef{ref, {}} {
		for _, ch := range f.clients[key] {
			select {
			case ch <- *rec:
			default:
			}
		}
	}
}

func (f *Feed) Subscribers(ref models.TargetRef) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients[ref])
}

func (f *Feed) remove(ref models.TargetRef, ch chan models.CheckInRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()

	clients := f.clients[ref]
	for i, c := range clients {
		if c == ch {
			f.clients[ref] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}
	if len(f.clients[ref]) == 0 {
		delete(f.clients, ref)
	}
}

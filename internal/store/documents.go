// Package store keeps wallet holdings and issuance state in memory.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"github.com/samber/mo"

	"github.com/kokukuma/mdoc-wallet/document"
)

// Documents is an in-memory document repository. Subscribers receive the
// current holdings on subscription and again after every change.
type Documents struct {
	mu          sync.RWMutex
	docs        []document.CredentialDocument
	subscribers map[chan []document.CredentialDocument]struct{}
}

func NewDocuments(docs ...document.CredentialDocument) *Documents {
	return &Documents{
		docs:        docs,
		subscribers: map[chan []document.CredentialDocument]struct{}{},
	}
}

// Add appends doc; ids must be unique.
func (d *Documents) Add(doc document.CredentialDocument) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lo.ContainsBy(d.docs, func(existing document.CredentialDocument) bool { return existing.ID() == doc.ID() }) {
		return fmt.Errorf("document %s already stored", doc.ID())
	}
	d.docs = append(d.docs, doc)
	d.publish()
	return nil
}

func (d *Documents) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	before := len(d.docs)
	d.docs = lo.Reject(d.docs, func(doc document.CredentialDocument, _ int) bool { return doc.ID() == id })
	if len(d.docs) == before {
		return false
	}
	d.publish()
	return true
}

func (d *Documents) GetByID(_ context.Context, id string) mo.Option[document.CredentialDocument] {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := lo.Find(d.docs, func(doc document.CredentialDocument) bool { return doc.ID() == id })
	if !ok {
		return mo.None[document.CredentialDocument]()
	}
	return mo.Some(doc)
}

// Documents streams holdings until ctx is done. A slow subscriber only
// ever sees the latest snapshot.
func (d *Documents) Documents(ctx context.Context) <-chan []document.CredentialDocument {
	ch := make(chan []document.CredentialDocument, 1)

	d.mu.Lock()
	ch <- d.snapshot()
	d.subscribers[ch] = struct{}{}
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		delete(d.subscribers, ch)
		close(ch)
		d.mu.Unlock()
	}()
	return ch
}

func (d *Documents) snapshot() []document.CredentialDocument {
	return append([]document.CredentialDocument(nil), d.docs...)
}

// publish must be called with mu held.
func (d *Documents) publish() {
	for ch := range d.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- d.snapshot()
	}
}

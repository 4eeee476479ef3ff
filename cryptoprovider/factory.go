package cryptoprovider

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kokukuma/mdoc-wallet/document"
)

// PendingKeyStore remembers which key an authorization in progress is for.
// Consume returns the key at most once.
type PendingKeyStore interface {
	Save(ctx context.Context, state, keyID string) error
	Consume(ctx context.Context, state string) (string, error)
}

// Factory chooses providers. New keys go to the provider configured for
// their key type; existing keys go to the provider that created them.
type Factory struct {
	mu        sync.RWMutex
	byKeyType map[document.KeyType]Provider
	routes    map[string]Provider

	pending   PendingKeyStore
	validator TrustValidator
	anchors   []*x509.Certificate
	logger    *slog.Logger
}

type FactoryOption func(*Factory)

// WithProvider makes p the provider of new keys of the given types.
func WithProvider(p Provider, keyTypes ...document.KeyType) FactoryOption {
	return func(f *Factory) {
		for _, kt := range keyTypes {
			f.byKeyType[kt] = p
		}
	}
}

func WithPendingKeys(store PendingKeyStore) FactoryOption {
	return func(f *Factory) {
		f.pending = store
	}
}

// WithAttestationTrust verifies every attestation a provider returns.
func WithAttestationTrust(validator TrustValidator, anchors []*x509.Certificate) FactoryOption {
	return func(f *Factory) {
		f.validator = validator
		f.anchors = anchors
	}
}

func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		byKeyType: map[document.KeyType]Provider{},
		routes:    map[string]Provider{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) ForKeyType(keyType document.KeyType) (Provider, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.byKeyType[keyType]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for %s", ErrUnsupportedKeyType, keyType)
	}
	return p, nil
}

// ForAttestation returns the provider that created the attested key. Only
// the routing table is consulted; the key type says nothing about which
// provider holds a key.
func (f *Factory) ForAttestation(ka *document.KeyAttestation) (Provider, error) {
	if ka == nil {
		return nil, fmt.Errorf("%w: no key attestation", ErrKeyNotFound)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.routes[ka.KeyID]
	if !ok {
		return nil, fmt.Errorf("%w: no provider holds %s", ErrKeyNotFound, ka.KeyID)
	}
	return p, nil
}

// CreateKey generates and attests a key, recording its provider.
func (f *Factory) CreateKey(ctx context.Context, keyType document.KeyType, nonce string) (*document.KeyAttestation, error) {
	p, err := f.ForKeyType(keyType)
	if err != nil {
		return nil, err
	}
	keyID, err := p.GenerateKey(ctx, keyType)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	ka, err := p.AttestKey(ctx, keyID, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to attest key %s: %w", keyID, err)
	}
	if f.validator != nil {
		if err := VerifyAttestation(ctx, ka, f.validator, f.anchors); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	f.routes[keyID] = p
	f.mu.Unlock()
	f.logger.Info("key created", "keyID", keyID, "keyType", keyType, "provider", p.Kind())
	return ka, nil
}

// Restore records the provider of a key created in an earlier run.
func (f *Factory) Restore(ka *document.KeyAttestation, kind Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.routes[ka.KeyID]; ok {
		if existing.Kind() != kind {
			return fmt.Errorf("key %s already routed to %s", ka.KeyID, existing.Kind())
		}
		return nil
	}
	for _, p := range f.byKeyType {
		if p.Kind() == kind {
			f.routes[ka.KeyID] = p
			return nil
		}
	}
	return fmt.Errorf("no %s provider configured", kind)
}

// CreateKeyForAuthorization creates a key for an issuance that completes
// later, returning the opaque state that identifies it.
func (f *Factory) CreateKeyForAuthorization(ctx context.Context, keyType document.KeyType, nonce string) (string, *document.KeyAttestation, error) {
	if f.pending == nil {
		return "", nil, fmt.Errorf("no pending key store configured")
	}
	ka, err := f.CreateKey(ctx, keyType, nonce)
	if err != nil {
		return "", nil, err
	}
	state := uuid.NewString()
	if err := f.pending.Save(ctx, state, ka.KeyID); err != nil {
		return "", nil, err
	}
	return state, ka, nil
}

// CompleteAuthorization consumes state and returns the pending key's id
// with its provider. A state can be completed once.
func (f *Factory) CompleteAuthorization(ctx context.Context, state string) (string, Provider, error) {
	if f.pending == nil {
		return "", nil, fmt.Errorf("no pending key store configured")
	}
	keyID, err := f.pending.Consume(ctx, state)
	if err != nil {
		return "", nil, err
	}
	f.mu.RLock()
	p, ok := f.routes[keyID]
	f.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return keyID, p, nil
}

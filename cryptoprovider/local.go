package cryptoprovider

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kokukuma/mdoc-wallet/document"
)

type localKey struct {
	key     *ecdsa.PrivateKey
	keyType document.KeyType
}

// LocalProvider keeps private keys in process memory. The attester only
// sees public halves.
type LocalProvider struct {
	mu       sync.RWMutex
	keys     map[string]localKey
	attester *Attester
	now      func() time.Time
}

type LocalOption func(*LocalProvider)

func WithLocalClock(now func() time.Time) LocalOption {
	return func(p *LocalProvider) {
		p.now = now
	}
}

func NewLocalProvider(attester *Attester, opts ...LocalOption) *LocalProvider {
	p := &LocalProvider{
		keys:     map[string]localKey{},
		attester: attester,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *LocalProvider) Kind() Kind { return KindLocal }
func (p *LocalProvider) provider()  {}

func (p *LocalProvider) GenerateKey(ctx context.Context, keyType document.KeyType) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	curve, err := keyType.Curve()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedKeyType, err)
	}
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return "", err
	}
	keyID := uuid.NewString()

	p.mu.Lock()
	p.keys[keyID] = localKey{key: key, keyType: keyType}
	p.mu.Unlock()
	return keyID, nil
}

func (p *LocalProvider) lookup(keyID string) (localKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	k, ok := p.keys[keyID]
	if !ok {
		return localKey{}, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return k, nil
}

// PublicKey returns the public half of a held key.
func (p *LocalProvider) PublicKey(keyID string) (*ecdsa.PublicKey, document.KeyType, error) {
	k, err := p.lookup(keyID)
	if err != nil {
		return nil, "", err
	}
	return &k.key.PublicKey, k.keyType, nil
}

func (p *LocalProvider) AttestKey(ctx context.Context, keyID, nonce string) (*document.KeyAttestation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.attester == nil {
		return nil, fmt.Errorf("no attester configured")
	}
	k, err := p.lookup(keyID)
	if err != nil {
		return nil, err
	}
	return p.attester.Attest(keyID, &k.key.PublicKey, k.keyType, nonce)
}

// SignWithKeyID signs with a held key without an attestation; the
// custody service uses it after authenticating the caller.
func (p *LocalProvider) SignWithKeyID(ctx context.Context, keyID string, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := p.lookup(keyID)
	if err != nil {
		return nil, err
	}
	alg, err := k.keyType.Algorithm()
	if err != nil {
		return nil, err
	}
	return signECDSA(k.key, alg, data)
}

func (p *LocalProvider) Sign(ctx context.Context, ka *document.KeyAttestation, data []byte) ([]byte, error) {
	if err := checkUsable(ka, p.now()); err != nil {
		return nil, err
	}
	return p.SignWithKeyID(ctx, ka.KeyID, data)
}

func (p *LocalProvider) KeyBindingSigner(ctx context.Context, ka *document.KeyAttestation) (Signer, error) {
	return p.signer(ctx, ka)
}

func (p *LocalProvider) DeviceSigner(ctx context.Context, ka *document.KeyAttestation) (Signer, error) {
	return p.signer(ctx, ka)
}

func (p *LocalProvider) signer(ctx context.Context, ka *document.KeyAttestation) (Signer, error) {
	if err := checkUsable(ka, p.now()); err != nil {
		return nil, err
	}
	k, err := p.lookup(ka.KeyID)
	if err != nil {
		return nil, err
	}
	alg, err := k.keyType.Algorithm()
	if err != nil {
		return nil, err
	}
	return &boundSigner{
		alg: alg,
		sign: func(data []byte) ([]byte, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return signECDSA(k.key, alg, data)
		},
	}, nil
}

// Package cryptoprovider holds the keys credentials are bound to. A key is
// either held in process (LocalProvider) or by a custody service reached
// over HTTP (RemoteProvider). The Factory remembers which provider created
// each key so that signing always goes back to it.
package cryptoprovider

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/kokukuma/mdoc-wallet/document"
	"github.com/kokukuma/mdoc-wallet/pkg/hash"
)

type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

var (
	// ErrKeyNotFound means no provider holds the key. The presentation
	// cannot proceed.
	ErrKeyNotFound = errors.New("key not found")

	// ErrBackendUnreachable means the custody service could not be
	// reached. The caller may retry; providers never do.
	ErrBackendUnreachable = errors.New("signing backend unreachable")

	// ErrAttestationExpired is returned before any signing is attempted.
	ErrAttestationExpired = errors.New("key attestation expired")

	ErrUnsupportedKeyType = errors.New("unsupported key type")
)

// Signer signs with one holder key. Signatures are r||s.
type Signer interface {
	Algorithm() string
	Sign(data []byte) ([]byte, error)
}

// Provider is implemented by *LocalProvider and *RemoteProvider only.
type Provider interface {
	Kind() Kind
	GenerateKey(ctx context.Context, keyType document.KeyType) (string, error)
	AttestKey(ctx context.Context, keyID, nonce string) (*document.KeyAttestation, error)
	// Sign produces a raw device authentication signature.
	Sign(ctx context.Context, ka *document.KeyAttestation, data []byte) ([]byte, error)
	KeyBindingSigner(ctx context.Context, ka *document.KeyAttestation) (Signer, error)
	DeviceSigner(ctx context.Context, ka *document.KeyAttestation) (Signer, error)

	provider()
}

// checkUsable rejects attestations that must not be signed with.
func checkUsable(ka *document.KeyAttestation, now time.Time) error {
	if ka == nil || ka.KeyID == "" {
		return fmt.Errorf("%w: no key attestation", ErrKeyNotFound)
	}
	expired, err := ka.Expired(now)
	if err != nil {
		return fmt.Errorf("invalid key attestation %s: %w", ka.KeyID, err)
	}
	if expired {
		return fmt.Errorf("%w: %s", ErrAttestationExpired, ka.KeyID)
	}
	return nil
}

// boundSigner signs through a provider with a key fixed at creation.
type boundSigner struct {
	alg  string
	sign func(data []byte) ([]byte, error)
}

func (s *boundSigner) Algorithm() string {
	return s.alg
}

func (s *boundSigner) Sign(data []byte) ([]byte, error) {
	return s.sign(data)
}

func hashAlgorithm(alg string) (string, error) {
	switch alg {
	case "ES256":
		return "SHA-256", nil
	case "ES384":
		return "SHA-384", nil
	case "ES512":
		return "SHA-512", nil
	}
	return "", fmt.Errorf("%w: algorithm %s", ErrUnsupportedKeyType, alg)
}

// signECDSA hashes data for the key's curve and returns the fixed-size
// r||s encoding.
func signECDSA(key *ecdsa.PrivateKey, alg string, data []byte) ([]byte, error) {
	hashAlg, err := hashAlgorithm(alg)
	if err != nil {
		return nil, err
	}
	digest, err := hash.Digest(data, hashAlg)
	if err != nil {
		return nil, err
	}
	r, s, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return nil, err
	}
	size := (key.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*size)
	r.FillBytes(sig[:size])
	s.FillBytes(sig[size:])
	return sig, nil
}

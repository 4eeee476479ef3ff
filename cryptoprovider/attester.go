package cryptoprovider

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kokukuma/mdoc-wallet/document"
	"github.com/kokukuma/mdoc-wallet/internal/cryptoroot"
	"github.com/kokukuma/mdoc-wallet/pkg/pki"
)

const AttestationType = "keyattestation+jwt"

// Attester vouches for keys it has seen created, as a signed JWT carrying
// the public key in cnf.jwk.
type Attester struct {
	key    *ecdsa.PrivateKey
	chain  []*x509.Certificate
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

type AttesterOption func(*Attester)

func WithAttestationTTL(ttl time.Duration) AttesterOption {
	return func(a *Attester) {
		a.ttl = ttl
	}
}

func WithAttesterClock(now func() time.Time) AttesterOption {
	return func(a *Attester) {
		a.now = now
	}
}

func WithAttesterIssuer(iss string) AttesterOption {
	return func(a *Attester) {
		a.issuer = iss
	}
}

// NewAttester signs with key; chain starts with the certificate of key.
func NewAttester(key *ecdsa.PrivateKey, chain []*x509.Certificate, opts ...AttesterOption) *Attester {
	a := &Attester{
		key:    key,
		chain:  chain,
		issuer: "mdoc-wallet-attester",
		ttl:    24 * time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewDevelopmentAttester creates an attester under a fresh root.
func NewDevelopmentAttester(opts ...AttesterOption) (*Attester, *x509.Certificate, error) {
	root, err := cryptoroot.NewRootAuthority("Wallet Attestation Root")
	if err != nil {
		return nil, nil, err
	}
	key, chain, err := root.IssueLeaf("Wallet Key Attester", cryptoroot.UsageKeyAttestation)
	if err != nil {
		return nil, nil, err
	}
	return NewAttester(key, chain, opts...), root.Certificate, nil
}

func (a *Attester) Attest(keyID string, pub *ecdsa.PublicKey, keyType document.KeyType, nonce string) (*document.KeyAttestation, error) {
	raw, err := jose.JSONWebKey{Key: pub, KeyID: keyID}.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode jwk: %w", err)
	}
	var jwk map[string]interface{}
	if err := json.Unmarshal(raw, &jwk); err != nil {
		return nil, err
	}

	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss":      a.issuer,
		"sub":      keyID,
		"iat":      now.Unix(),
		"exp":      now.Add(a.ttl).Unix(),
		"nonce":    nonce,
		"key_type": string(keyType),
		"cnf":      map[string]interface{}{"jwk": jwk},
	})
	token.Header["typ"] = AttestationType
	token.Header["x5c"] = cryptoroot.X5C(a.chain)

	signed, err := token.SignedString(a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign key attestation: %w", err)
	}
	return document.NewKeyAttestation(keyID, []byte(signed), keyType), nil
}

// TrustValidator evaluates a certificate chain against trust anchors.
type TrustValidator interface {
	Validate(ctx context.Context, chain, trustAnchors []*x509.Certificate, checkRevocation bool) (bool, error)
}

// VerifyAttestation checks the attestation signature and that its x5c
// chain leads to one of anchors.
func VerifyAttestation(ctx context.Context, ka *document.KeyAttestation, validator TrustValidator, anchors []*x509.Certificate) error {
	var chain []*x509.Certificate
	_, err := jwt.Parse(string(ka.Attestation), func(token *jwt.Token) (interface{}, error) {
		if typ, _ := token.Header["typ"].(string); typ != AttestationType {
			return nil, fmt.Errorf("unexpected typ %q", typ)
		}
		var err error
		chain, err = pki.ParseX5C(token.Header["x5c"])
		if err != nil {
			return nil, err
		}
		return chain[0].PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256", "ES384", "ES512"}))
	if err != nil {
		return fmt.Errorf("invalid key attestation: %w", err)
	}

	trusted, err := validator.Validate(ctx, chain, anchors, false)
	if err != nil {
		return err
	}
	if !trusted {
		return fmt.Errorf("key attestation chain is not trusted")
	}
	return nil
}

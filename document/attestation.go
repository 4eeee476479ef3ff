package document

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mitchellh/mapstructure"
)

type KeyType string

const (
	KeyTypeP256 KeyType = "P-256"
	KeyTypeP384 KeyType = "P-384"
	KeyTypeP521 KeyType = "P-521"
)

// Algorithm is the JOSE/COSE signature algorithm used with keys of this type.
func (k KeyType) Algorithm() (string, error) {
	switch k {
	case KeyTypeP256:
		return "ES256", nil
	case KeyTypeP384:
		return "ES384", nil
	case KeyTypeP521:
		return "ES512", nil
	}
	return "", fmt.Errorf("unsupported key type: %q", k)
}

func (k KeyType) Curve() (elliptic.Curve, error) {
	switch k {
	case KeyTypeP256:
		return elliptic.P256(), nil
	case KeyTypeP384:
		return elliptic.P384(), nil
	case KeyTypeP521:
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("unsupported key type: %q", k)
}

// Attestation is the holder side of an issued credential. It is created at
// issuance and only read afterwards.
type Attestation struct {
	ID             string
	Credential     []byte
	Type           CredentialType
	KeyAttestation *KeyAttestation
}

// KeyAttestation is a signed statement that KeyID names a key held by one
// crypto provider. The claims are parsed once, on first use.
type KeyAttestation struct {
	KeyID       string
	Attestation []byte
	KeyType     KeyType

	once   sync.Once
	claims *attestationClaims
	jwk    *jose.JSONWebKey
	err    error
}

type attestationClaims struct {
	Subject string `mapstructure:"sub"`
	Nonce   string `mapstructure:"nonce"`
	Cnf     struct {
		JWK map[string]interface{} `mapstructure:"jwk"`
	} `mapstructure:"cnf"`

	expiresAt time.Time
}

func NewKeyAttestation(keyID string, attestation []byte, keyType KeyType) *KeyAttestation {
	return &KeyAttestation{KeyID: keyID, Attestation: attestation, KeyType: keyType}
}

func (k *KeyAttestation) parse() {
	k.once.Do(func() {
		token, _, err := jwt.NewParser().ParseUnverified(string(k.Attestation), jwt.MapClaims{})
		if err != nil {
			k.err = fmt.Errorf("failed to parse key attestation: %w", err)
			return
		}
		mc := token.Claims.(jwt.MapClaims)

		var claims attestationClaims
		if err := mapstructure.Decode(map[string]interface{}(mc), &claims); err != nil {
			k.err = fmt.Errorf("failed to decode key attestation claims: %w", err)
			return
		}
		exp, err := mc.GetExpirationTime()
		if err != nil {
			k.err = fmt.Errorf("invalid exp in key attestation: %w", err)
			return
		}
		if exp != nil {
			claims.expiresAt = exp.Time
		}
		if claims.Cnf.JWK == nil {
			k.err = fmt.Errorf("key attestation has no cnf.jwk")
			return
		}

		raw, err := json.Marshal(claims.Cnf.JWK)
		if err != nil {
			k.err = err
			return
		}
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			k.err = fmt.Errorf("invalid cnf.jwk: %w", err)
			return
		}
		k.claims = &claims
		k.jwk = &jwk
	})
}

func (k *KeyAttestation) PublicJWK() (*jose.JSONWebKey, error) {
	k.parse()
	return k.jwk, k.err
}

func (k *KeyAttestation) PublicKey() (*ecdsa.PublicKey, error) {
	jwk, err := k.PublicJWK()
	if err != nil {
		return nil, err
	}
	pub, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("attested key is %T, not ECDSA", jwk.Key)
	}
	return pub, nil
}

// SigningAlgorithm follows from the curve of the attested cnf.jwk. The
// KeyType recorded next to the attestation is not signed, so it must agree
// with the attested curve.
func (k *KeyAttestation) SigningAlgorithm() (string, error) {
	pub, err := k.PublicKey()
	if err != nil {
		return "", err
	}
	attested := KeyType(pub.Curve.Params().Name)
	if k.KeyType != "" && k.KeyType != attested {
		return "", fmt.Errorf("key type %q does not match attested %s key", k.KeyType, attested)
	}
	return attested.Algorithm()
}

func (k *KeyAttestation) Nonce() (string, error) {
	k.parse()
	if k.err != nil {
		return "", k.err
	}
	return k.claims.Nonce, nil
}

// ExpiresAt is the zero time when the attestation carries no exp.
func (k *KeyAttestation) ExpiresAt() (time.Time, error) {
	k.parse()
	if k.err != nil {
		return time.Time{}, k.err
	}
	return k.claims.expiresAt, nil
}

func (k *KeyAttestation) Expired(now time.Time) (bool, error) {
	exp, err := k.ExpiresAt()
	if err != nil {
		return false, err
	}
	return !exp.IsZero() && now.After(exp), nil
}

package sdjwt

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signer signs with the holder key. Signatures are r||s, as JWS expects.
type Signer interface {
	Algorithm() string
	Sign(data []byte) ([]byte, error)
}

// signingMethod lets jwt sign through a Signer whose private key may live
// in another process.
type signingMethod struct {
	alg string
}

func (m *signingMethod) Alg() string {
	return m.alg
}

func (m *signingMethod) Sign(signingString string, key interface{}) ([]byte, error) {
	signer, ok := key.(Signer)
	if !ok {
		return nil, fmt.Errorf("%w: key is %T, not a Signer", jwt.ErrInvalidKeyType, key)
	}
	if signer.Algorithm() != m.alg {
		return nil, fmt.Errorf("signer algorithm %s does not match %s", signer.Algorithm(), m.alg)
	}
	return signer.Sign([]byte(signingString))
}

func (m *signingMethod) Verify(signingString string, sig []byte, key interface{}) error {
	method := jwt.GetSigningMethod(m.alg)
	if method == nil {
		return jwt.ErrSignatureInvalid
	}
	return method.Verify(signingString, sig, key)
}

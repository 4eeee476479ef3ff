package mdoc

import (
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/veraison/go-cose"
)

type UntaggedSign1Message cose.UntaggedSign1Message

func (m *UntaggedSign1Message) Sign(rand io.Reader, external []byte, signer cose.Signer) error {
	return (*cose.UntaggedSign1Message)(m).Sign(rand, external, signer)
}

func (m *UntaggedSign1Message) Verify(external []byte, verifier cose.Verifier) error {
	return (*cose.UntaggedSign1Message)(m).Verify(external, verifier)
}

func (m *UntaggedSign1Message) MarshalCBOR() ([]byte, error) {
	return (*cose.UntaggedSign1Message)(m).MarshalCBOR()
}

func (m *UntaggedSign1Message) UnmarshalCBOR(data []byte) error {
	return (*cose.UntaggedSign1Message)(m).UnmarshalCBOR(data)
}

// VerifyDetached verifies a message whose payload is carried out of band.
func (m *UntaggedSign1Message) VerifyDetached(payload []byte, verifier cose.Verifier) error {
	msg := *m
	msg.Payload = payload
	return msg.Verify(nil, verifier)
}

// X5Chain returns the certificate chain from the x5chain header (label 33),
// leaf first. The unprotected bucket is checked before the protected one.
func (m *UntaggedSign1Message) X5Chain() ([]*x509.Certificate, error) {
	raw, ok := headerValue(m.Headers.Unprotected, cose.HeaderLabelX5Chain)
	if !ok {
		raw, ok = headerValue(m.Headers.Protected, cose.HeaderLabelX5Chain)
	}
	if !ok {
		return nil, fmt.Errorf("%w: x5chain not found in headers", ErrX5ChainIssue)
	}

	var ders [][]byte
	switch v := raw.(type) {
	case []byte:
		ders = [][]byte{v}
	case [][]byte:
		ders = v
	case []interface{}:
		for _, item := range v {
			der, ok := item.([]byte)
			if !ok {
				return nil, fmt.Errorf("%w: unexpected x5chain element type: %T", ErrX5ChainIssue, item)
			}
			ders = append(ders, der)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected x5chain type: %T", ErrX5ChainIssue, raw)
	}
	if len(ders) == 0 {
		return nil, fmt.Errorf("%w: empty x5chain", ErrX5ChainIssue)
	}

	certs := make([]*x509.Certificate, 0, len(ders))
	for _, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: error parsing certificate: %v", ErrX5ChainIssue, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func headerValue(h map[interface{}]interface{}, label int64) (interface{}, bool) {
	if h == nil {
		return nil, false
	}
	if v, ok := h[label]; ok {
		return v, true
	}
	v, ok := h[int(label)]
	return v, ok
}

// X5ChainHeader renders a chain for the x5chain header: a single bstr for
// one certificate, an array otherwise.
func X5ChainHeader(chain []*x509.Certificate) interface{} {
	if len(chain) == 1 {
		return chain[0].Raw
	}
	ders := make([][]byte, 0, len(chain))
	for _, cert := range chain {
		ders = append(ders, cert.Raw)
	}
	return ders
}

// CoseAlgorithm maps a JOSE algorithm name to its COSE identifier.
func CoseAlgorithm(alg string) (cose.Algorithm, error) {
	switch alg {
	case "ES256":
		return cose.AlgorithmES256, nil
	case "ES384":
		return cose.AlgorithmES384, nil
	case "ES512":
		return cose.AlgorithmES512, nil
	}
	return 0, fmt.Errorf("unsupported signing algorithm: %s", alg)
}

// DeviceSigner signs with a document's bound key. Signatures are in the
// fixed-size r||s form COSE expects.
type DeviceSigner interface {
	Algorithm() string
	Sign(data []byte) ([]byte, error)
}

// coseSigner lets a DeviceSigner sign COSE structures. go-cose passes the
// Sig_structure bytes; hashing is left to the key holder.
type coseSigner struct {
	alg    cose.Algorithm
	signer DeviceSigner
}

func newCoseSigner(s DeviceSigner) (*coseSigner, error) {
	alg, err := CoseAlgorithm(s.Algorithm())
	if err != nil {
		return nil, err
	}
	return &coseSigner{alg: alg, signer: s}, nil
}

func (s *coseSigner) Algorithm() cose.Algorithm {
	return s.alg
}

func (s *coseSigner) Sign(_ io.Reader, content []byte) ([]byte, error) {
	return s.signer.Sign(content)
}

func signDetached(payload []byte, headers cose.Headers, signer cose.Signer) (*UntaggedSign1Message, error) {
	msg := &UntaggedSign1Message{Headers: headers, Payload: payload}
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, err
	}
	msg.Payload = nil
	return msg, nil
}

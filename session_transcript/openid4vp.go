package session_transcript

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/kokukuma/mdoc-wallet/pkg/hash"
)

const mdocGeneratedNonceLength = 16

// NewMdocGeneratedNonce returns a fresh wallet nonce, base64url without
// padding. The wallet sends it to the verifier as the JWE apu header.
func NewMdocGeneratedNonce() (string, error) {
	b := make([]byte, mdocGeneratedNonceLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// OID4VPHandover is the transcript of an mdoc presented over OpenID4VP:
// [clientIdHash, responseUriHash, nonce], where each hash covers the value
// paired with the decoded mdocGeneratedNonce.
func OID4VPHandover(nonce []byte, clientID, responseURI, mdocGeneratedNonce string) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, fmt.Errorf("nonce cannot be empty")
	}
	if clientID == "" {
		return nil, fmt.Errorf("clientID cannot be empty")
	}
	if responseURI == "" {
		return nil, fmt.Errorf("responseURI cannot be empty")
	}
	if mdocGeneratedNonce == "" {
		return nil, fmt.Errorf("mdocGeneratedNonce cannot be empty")
	}

	// nonce and mdocGeneratedNonce are tstr
	decoded, err := base64.RawURLEncoding.DecodeString(mdocGeneratedNonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mdocGeneratedNonce: %w", err)
	}
	generated := string(decoded)

	clientIdToHash, err := cbor.Marshal([]interface{}{clientID, generated})
	if err != nil {
		return nil, fmt.Errorf("failed to encode clientID for hashing: %w", err)
	}
	responseUriToHash, err := cbor.Marshal([]interface{}{responseURI, generated})
	if err != nil {
		return nil, fmt.Errorf("failed to encode responseURI for hashing: %w", err)
	}

	return encode([]interface{}{
		hash.SHA256(clientIdToHash),
		hash.SHA256(responseUriToHash),
		string(nonce),
	})
}

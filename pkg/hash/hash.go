package hash

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"
)

// New returns a hasher for the given algorithm name. Both the COSE/MSO
// spelling ("SHA-256") and the IANA spelling used by SD-JWT ("sha-256")
// are accepted.
func New(alg string) (hash.Hash, error) {
	switch strings.ToUpper(alg) {
	case "SHA-256":
		return sha256.New(), nil
	case "SHA-384":
		return sha512.New384(), nil
	case "SHA-512":
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("unsupported digest algorithm: %s", alg)
}

func Digest(message []byte, alg string) ([]byte, error) {
	hasher, err := New(alg)
	if err != nil {
		return nil, err
	}
	hasher.Write(message)
	return hasher.Sum(nil), nil
}

// SHA256 is Digest with the one algorithm every session transcript uses.
func SHA256(message []byte) []byte {
	sum := sha256.Sum256(message)
	return sum[:]
}

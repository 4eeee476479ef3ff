package pki

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadPrivateKey reads an EC private key in either SEC1 ("EC PRIVATE KEY")
// or PKCS#8 ("PRIVATE KEY") PEM form.
func LoadPrivateKey(dataPath string) (*ecdsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block containing private key")
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unexpected private key type: %T", key)
		}
		return ecKey, nil
	}
	return nil, fmt.Errorf("unexpected PEM block type: %s", block.Type)
}

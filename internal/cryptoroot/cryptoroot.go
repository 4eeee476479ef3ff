package cryptoroot

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"hash"
	"os"
	"path/filepath"
)

const (
	rootKeyFile  = "rootKey.pem"
	rootCertFile = "rootCert.pem"
)

// Authority is a signing CA: a key and the certificate naming it.
// Chain holds the certificates from this authority up to, and including, the root.
type Authority struct {
	Key         *ecdsa.PrivateKey
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil
}

// NewRootAuthority generates a fresh self-signed P-256 root.
func NewRootAuthority(commonName string, opts ...CertOption) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cert, err := createRootCertificate(commonName, key, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create root certificate: %w", err)
	}
	return &Authority{Key: key, Certificate: cert, Chain: []*x509.Certificate{cert}}, nil
}

// LoadOrCreateRoot reuses the root stored in dir, generating and writing
// one the first time.
func LoadOrCreateRoot(dir, commonName string) (*Authority, error) {
	keyPath := filepath.Join(dir, rootKeyFile)
	certPath := filepath.Join(dir, rootCertFile)

	if fileExists(keyPath) && fileExists(certPath) {
		key, err := readPEMFile(keyPath)
		if err != nil {
			return nil, err
		}
		cert, err := readCertificatePEM(certPath)
		if err != nil {
			return nil, err
		}
		return &Authority{Key: key, Certificate: cert, Chain: []*x509.Certificate{cert}}, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	root, err := NewRootAuthority(commonName)
	if err != nil {
		return nil, err
	}
	if err := writePEMFile(root.Key, keyPath); err != nil {
		return nil, err
	}
	if err := writeCertificatePEM(root.Certificate, certPath); err != nil {
		return nil, err
	}
	return root, nil
}

// IssueIntermediate creates a subordinate CA signed by a.
func (a *Authority) IssueIntermediate(commonName string, opts ...CertOption) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cert, err := createIntermediateCertificate(commonName, &key.PublicKey, a.Certificate, a.Key, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create intermediate certificate: %w", err)
	}
	return &Authority{
		Key:         key,
		Certificate: cert,
		Chain:       append([]*x509.Certificate{cert}, a.Chain...),
	}, nil
}

// IssueLeaf generates a key pair and an end-entity certificate for it.
// The returned chain starts with the leaf and ends with the root.
func (a *Authority) IssueLeaf(commonName string, usage Usage, opts ...CertOption) (*ecdsa.PrivateKey, []*x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	cert, err := a.Certify(commonName, &key.PublicKey, usage, opts...)
	if err != nil {
		return nil, nil, err
	}
	return key, append([]*x509.Certificate{cert}, a.Chain...), nil
}

// Certify signs an end-entity certificate over an existing public key.
func (a *Authority) Certify(commonName string, pub *ecdsa.PublicKey, usage Usage, opts ...CertOption) (*x509.Certificate, error) {
	cert, err := createEndEntityCertificate(commonName, pub, usage, a.Certificate, a.Key, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create end-entity certificate: %w", err)
	}
	return cert, nil
}

// X5C renders a chain the way the JOSE x5c header carries it.
func X5C(chain []*x509.Certificate) []string {
	x5c := make([]string, 0, len(chain))
	for _, cert := range chain {
		x5c = append(x5c, base64.StdEncoding.EncodeToString(cert.Raw))
	}
	return x5c
}

func CalcKID(pub *ecdsa.PublicKey, hashAlgo string) []byte {
	b := elliptic.Marshal(pub.Curve, pub.X, pub.Y)

	var h hash.Hash
	switch hashAlgo {
	case "sha1":
		h = sha1.New()
	case "sha256":
		h = sha256.New()
	default:
		h = sha256.New()
	}

	h.Write(b)
	return h.Sum(nil)
}

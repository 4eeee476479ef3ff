package cryptoroot

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

func writePEMFile(privateKey *ecdsa.PrivateKey, filename string) error {
	derBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()

	return pem.Encode(file, &pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: derBytes,
	})
}

func readPEMFile(filename string) (*ecdsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("pem block was not found in %s", filename)
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

// WriteCertificatesPEM writes the chain, leaf first, into one PEM file.
func WriteCertificatesPEM(chain []*x509.Certificate, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	for _, cert := range chain {
		if err := pem.Encode(file, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
			return err
		}
	}
	return nil
}

func writeCertificatePEM(cert *x509.Certificate, filename string) error {
	return WriteCertificatesPEM([]*x509.Certificate{cert}, filename)
}

func readCertificatePEM(filename string) (*x509.Certificate, error) {
	pemBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("pem block was not found in %s", filename)
	}
	return x509.ParseCertificate(block.Bytes)
}

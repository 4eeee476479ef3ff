package pki

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadCertificate returns the first certificate in a PEM file.
func LoadCertificate(path string) (*x509.Certificate, error) {
	certs, err := LoadCertificates(path)
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

// LoadCertificates returns every certificate in a PEM file, in file order.
// A chain file is therefore read leaf first.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %s: %w", path, err)
	}
	certs, err := ParseCertificatesPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return certs, nil
}

func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found in pem data")
	}
	return certs, nil
}

// GetRootCertificates loads the trust anchors bundled in dir. Files that
// fail to parse are logged and skipped.
func GetRootCertificates(dir string) ([]*x509.Certificate, error) {
	pems, err := loadCertificatesFromDirectory(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(pems))
	for name := range pems {
		names = append(names, name)
	}
	sort.Strings(names)

	var roots []*x509.Certificate
	for _, name := range names {
		certs, err := ParseCertificatesPEM(pems[name])
		if err != nil {
			slog.Warn("failed to load trust anchor", "file", name, "error", err)
			continue
		}
		roots = append(roots, certs...)
	}
	return roots, nil
}

func loadCertificatesFromDirectory(dirPath string) (map[string][]byte, error) {
	pems := map[string][]byte{}

	files, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".pem") {
			continue
		}
		filePath := filepath.Join(dirPath, file.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			slog.Warn("failed to read file", "path", filePath, "error", err)
			continue
		}
		pems[file.Name()] = data
	}
	return pems, nil
}

// CertPool is a convenience for callers that still speak x509.CertPool.
func CertPool(certs []*x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return pool
}

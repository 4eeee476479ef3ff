package pki

import (
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kokukuma/mdoc-wallet/pkg/hash"
)

var ErrAnchorNotFound = errors.New("trust anchor not found")

// AnchorStore keeps the trust anchors of a directory of PEM files in
// memory. Changes made through the store reload it; edits made behind its
// back are picked up by Reload.
type AnchorStore struct {
	mu      sync.RWMutex
	dir     string
	anchors []*x509.Certificate
	logger  *slog.Logger
}

// AnchorInfo describes one anchor file.
type AnchorInfo struct {
	Filename    string `json:"filename"`
	Subject     string `json:"subject"`
	Issuer      string `json:"issuer"`
	ValidFrom   string `json:"valid_from"`
	ValidTo     string `json:"valid_to"`
	Fingerprint string `json:"fingerprint"`
}

func NewAnchorStore(dir string, logger *slog.Logger) (*AnchorStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AnchorStore{dir: dir, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Anchors returns the loaded certificates in file name order.
func (s *AnchorStore) Anchors() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*x509.Certificate(nil), s.anchors...)
}

func (s *AnchorStore) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *AnchorStore) reloadLocked() error {
	anchors, err := GetRootCertificates(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read trust anchor directory: %w", err)
	}
	s.anchors = anchors
	s.logger.Debug("trust anchors loaded", "dir", s.dir, "count", len(anchors))
	return nil
}

func (s *AnchorStore) List() ([]AnchorInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pems, err := loadCertificatesFromDirectory(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(pems))
	for name := range pems {
		names = append(names, name)
	}
	sort.Strings(names)

	var infos []AnchorInfo
	for _, name := range names {
		certs, err := ParseCertificatesPEM(pems[name])
		if err != nil {
			s.logger.Warn("failed to parse trust anchor", "file", name, "error", err)
			continue
		}
		for _, cert := range certs {
			infos = append(infos, anchorInfo(name, cert))
		}
	}
	return infos, nil
}

// Add writes pemData as name.pem and reloads. Every block must be a
// certificate.
func (s *AnchorStore) Add(name string, pemData []byte) (*AnchorInfo, error) {
	certs, err := ParseCertificatesPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate data: %w", err)
	}
	filename, err := anchorFilename(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(filepath.Join(s.dir, filename), pemData, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write trust anchor: %w", err)
	}
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	info := anchorInfo(filename, certs[0])
	s.logger.Info("trust anchor added", "file", filename, "subject", info.Subject)
	return &info, nil
}

func (s *AnchorStore) Remove(name string) error {
	filename, err := anchorFilename(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(filepath.Join(s.dir, filename)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrAnchorNotFound, filename)
		}
		return fmt.Errorf("failed to delete trust anchor: %w", err)
	}
	s.logger.Info("trust anchor removed", "file", filename)
	return s.reloadLocked()
}

// anchorFilename keeps names inside the store directory.
func anchorFilename(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid trust anchor name %q", name)
	}
	if !strings.HasSuffix(name, ".pem") {
		name += ".pem"
	}
	return name, nil
}

func anchorInfo(filename string, cert *x509.Certificate) AnchorInfo {
	return AnchorInfo{
		Filename:    filename,
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		ValidFrom:   cert.NotBefore.Format("2006-01-02"),
		ValidTo:     cert.NotAfter.Format("2006-01-02"),
		Fingerprint: fmt.Sprintf("%X", hash.SHA256(cert.Raw)),
	}
}

package pki

import (
	"context"
	"crypto/x509"
	"log/slog"
	"time"

	domainerrors "github.com/kokukuma/mdoc-wallet/pkg/domain-errors"
)

// RevocationChecker reports whether any certificate of a verified chain
// has been revoked.
type RevocationChecker interface {
	Revoked(ctx context.Context, chain []*x509.Certificate) (bool, error)
}

type ValidatorOption func(*Validator)

func WithCurrentTime(fn func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = fn
	}
}

func WithRevocationChecker(rc RevocationChecker) ValidatorOption {
	return func(v *Validator) {
		v.revocation = rc
	}
}

func WithLogger(logger *slog.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// Validator decides whether a certificate chain leads to one of the
// supplied trust anchors. The decision is binary; the reason a chain is
// rejected is logged, never returned.
type Validator struct {
	now        func() time.Time
	revocation RevocationChecker
	logger     *slog.Logger
}

func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// DefaultCheckRevocation is the revocation policy for a build profile:
// off for developer and test profiles, on everywhere else.
func DefaultCheckRevocation(profile string) bool {
	switch profile {
	case "dev", "development", "test":
		return false
	}
	return true
}

// Validate builds a path from chain[0] to any anchor, using the rest of
// chain as the intermediate pool. An empty chain or anchor list is a
// malformed input error, not an untrusted chain.
func (v *Validator) Validate(ctx context.Context, chain, trustAnchors []*x509.Certificate, checkRevocation bool) (bool, error) {
	if len(chain) == 0 {
		return false, domainerrors.New(domainerrors.CodeMalformedInput, "certificate chain is empty")
	}
	if len(trustAnchors) == 0 {
		return false, domainerrors.New(domainerrors.CodeMalformedInput, "trust anchor list is empty")
	}
	for i, cert := range chain {
		if cert == nil {
			v.logger.Warn("certificate chain rejected", "reason", "nil certificate", "index", i)
			return false, nil
		}
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	leaf := chain[0]
	opts := x509.VerifyOptions{
		Roots:         CertPool(trustAnchors),
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		CurrentTime:   v.now(),
	}

	verified, err := leaf.Verify(opts)
	if err != nil {
		v.logger.Info("certificate chain rejected",
			"subject", leaf.Subject.String(),
			"issuer", leaf.Issuer.String(),
			"error", err)
		return false, nil
	}

	if !checkRevocation {
		return true, nil
	}
	if v.revocation == nil {
		v.logger.Warn("certificate chain rejected",
			"subject", leaf.Subject.String(),
			"reason", "revocation check requested but no checker configured")
		return false, nil
	}

	for _, path := range verified {
		revoked, err := v.revocation.Revoked(ctx, path)
		if err != nil {
			v.logger.Warn("certificate chain rejected",
				"subject", leaf.Subject.String(),
				"reason", "revocation status unavailable",
				"error", err)
			return false, nil
		}
		if !revoked {
			return true, nil
		}
	}

	v.logger.Info("certificate chain rejected", "subject", leaf.Subject.String(), "reason", "revoked")
	return false, nil
}

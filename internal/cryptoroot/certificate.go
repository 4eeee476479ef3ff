package cryptoroot

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"
)

var (
	// Just specify something
	CRLPoint = "https://pki.example.invalid/crl/wallet_dev_ca.crl"

	// mdoc reader authentication, ISO/IEC 18013-5 Annex B
	oidReaderAuth = asn1.ObjectIdentifier([]int{1, 0, 18013, 5, 1, 6})
	// mdoc document signer
	oidDocumentSigner = asn1.ObjectIdentifier([]int{1, 0, 18013, 5, 1, 2})
)

// Usage selects the extended key usage put in an end-entity certificate.
type Usage int

const (
	UsageReaderAuth Usage = iota
	UsageDocumentSigner
	UsageKeyAttestation
)

func (u Usage) oid() asn1.ObjectIdentifier {
	switch u {
	case UsageDocumentSigner:
		return oidDocumentSigner
	case UsageReaderAuth:
		return oidReaderAuth
	}
	return nil
}

type certTemplate struct {
	notBefore time.Time
	notAfter  time.Time
	serial    int64
	dnsNames  []string
}

// CertOption tweaks the validity of generated certificates.
type CertOption func(*certTemplate)

func WithValidity(notBefore, notAfter time.Time) CertOption {
	return func(c *certTemplate) {
		c.notBefore = notBefore
		c.notAfter = notAfter
	}
}

// WithDNSNames puts subject alternative names in an end-entity certificate.
func WithDNSNames(names ...string) CertOption {
	return func(c *certTemplate) {
		c.dnsNames = names
	}
}

func newTemplate(years int, opts []CertOption) *certTemplate {
	now := time.Now().Add(-time.Minute)
	t := &certTemplate{
		notBefore: now,
		notAfter:  now.AddDate(years, 0, 0),
		serial:    time.Now().UnixNano(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func createRootCertificate(commonName string, key *ecdsa.PrivateKey, opts ...CertOption) (*x509.Certificate, error) {
	t := newTemplate(10, opts)
	template := x509.Certificate{
		SerialNumber:          big.NewInt(t.serial),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             t.notBefore,
		NotAfter:              t.notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
		SubjectKeyId:          CalcKID(&key.PublicKey, "sha1"),
		CRLDistributionPoints: []string{CRLPoint},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(derBytes)
}

func createIntermediateCertificate(commonName string, key *ecdsa.PublicKey, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, opts ...CertOption) (*x509.Certificate, error) {
	t := newTemplate(5, opts)
	template := x509.Certificate{
		SerialNumber:          big.NewInt(t.serial),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             t.notBefore,
		NotAfter:              t.notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
		SubjectKeyId:          CalcKID(key, "sha1"),
		AuthorityKeyId:        CalcKID(&parentKey.PublicKey, "sha1"),
		CRLDistributionPoints: []string{CRLPoint},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, parent, key, parentKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(derBytes)
}

func createEndEntityCertificate(commonName string, key *ecdsa.PublicKey, usage Usage, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, opts ...CertOption) (*x509.Certificate, error) {
	t := newTemplate(1, opts)
	template := x509.Certificate{
		SerialNumber:          big.NewInt(t.serial),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             t.notBefore,
		NotAfter:              t.notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          CalcKID(key, "sha1"),
		AuthorityKeyId:        CalcKID(&parentKey.PublicKey, "sha1"),
		CRLDistributionPoints: []string{CRLPoint},
		DNSNames:              t.dnsNames,
	}
	if oid := usage.oid(); oid != nil {
		template.UnknownExtKeyUsage = []asn1.ObjectIdentifier{oid}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, parent, key, parentKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(derBytes)
}

package mdoc

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/veraison/go-cose"
)

type VerifierOption func(*Verifier)

func WithSignCurrentTime(date time.Time) VerifierOption {
	return func(s *Verifier) {
		s.signCurrentTime = date
	}
}

func WithCheckRevocation(check bool) VerifierOption {
	return func(s *Verifier) {
		s.checkRevocation = check
	}
}

func SkipVerifyDeviceSigned() VerifierOption {
	return func(s *Verifier) {
		s.skipVerifyDeviceSigned = true
	}
}

func SkipValidateCertification() VerifierOption {
	return func(s *Verifier) {
		s.skipValidateCertification = true
	}
}

// Verifier checks a Document the way a relying party would. The wallet
// uses it to check stored credentials and its own responses.
type Verifier struct {
	validator                 TrustValidator
	anchors                   []*x509.Certificate
	checkRevocation           bool
	skipVerifyDeviceSigned    bool
	skipValidateCertification bool
	signCurrentTime           time.Time
}

func NewVerifier(validator TrustValidator, anchors []*x509.Certificate, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		validator:       validator,
		anchors:         anchors,
		signCurrentTime: time.Now(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Verifier) Verify(ctx context.Context, doc Document, sessTrans []byte) error {
	mso, err := doc.IssuerSigned.MobileSecurityObject()
	if err != nil {
		return fmt.Errorf("failed to get MobileSecurityObject: %w", err)
	}

	// 9.1.3 mdoc authentication
	if err := v.verifyDeviceSigned(mso, doc, sessTrans); err != nil {
		return fmt.Errorf("failed to verifyDeviceSigned: %w", err)
	}

	// 9.3.1 Inspection procedure for issuer data authentication
	// 1. Validate the certificate included in the MSO header according to 9.3.3.
	if err := v.verifyCertificate(ctx, doc.IssuerSigned); err != nil {
		return fmt.Errorf("failed to verifyCertificate: %w", err)
	}

	// 2. Verify the digital signature of the IssuerAuth structure.
	if err := verifyIssuerAuth(doc.IssuerSigned); err != nil {
		return fmt.Errorf("failed to verifyIssuerAuth: %w", err)
	}

	// 3. Every returned IssuerSignedItem must match its digest in the MSO.
	if err := verifyDigests(doc.IssuerSigned, mso); err != nil {
		return fmt.Errorf("failed to verifyDigests: %w", err)
	}

	// 4. Verify that the DocType in the MSO matches the relevant DocType in the Documents structure.
	if doc.DocType != mso.DocType {
		return fmt.Errorf("docType mismatch: document=%s mso=%s", doc.DocType, mso.DocType)
	}

	// 5. Validate the elements in the ValidityInfo structure.
	if err := v.validateCertification(mso, doc); err != nil {
		return fmt.Errorf("failed to validate certificate: %w", err)
	}
	return nil
}

func (v *Verifier) verifyDeviceSigned(mso *MobileSecurityObject, doc Document, sessionTranscript []byte) error {
	if v.skipVerifyDeviceSigned {
		return nil
	}
	deviceAuthenticationByte, err := doc.DeviceSigned.DeviceAuthenticationBytes(doc.DocType, sessionTranscript)
	if err != nil {
		return err
	}

	alg, err := doc.DeviceSigned.Alg()
	if err != nil {
		return err
	}

	pubKey, err := mso.DeviceKey()
	if err != nil {
		return err
	}

	verifier, err := cose.NewVerifier(alg, pubKey)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}
	return doc.DeviceSigned.DeviceAuth.DeviceSignature.VerifyDetached(deviceAuthenticationByte, verifier)
}

func verifyDigests(issuerSigned IssuerSigned, mso *MobileSecurityObject) error {
	for ns, itembytes := range issuerSigned.NameSpaces {
		digestIDs, ok := mso.ValueDigests[ns]
		if !ok {
			return fmt.Errorf("failed to get ValueDigests of %s", ns)
		}

		for _, itemByte := range itembytes {
			item, err := itemByte.IssuerSignedItem()
			if err != nil {
				return err
			}

			digest, ok := digestIDs[item.DigestID]
			if !ok {
				return fmt.Errorf("digest not found: %s, %d", ns, item.DigestID)
			}

			calc, err := itemByte.Digest(mso.DigestAlgorithm)
			if err != nil {
				return err
			}

			if !bytes.Equal(digest, calc) {
				return fmt.Errorf("digest unmatched digestID:%v", item.DigestID)
			}
		}
	}
	return nil
}

func verifyIssuerAuth(issuerSigned IssuerSigned) error {
	alg, err := issuerSigned.Alg()
	if err != nil {
		return err
	}

	documentSigningKey, err := issuerSigned.DocumentSigningKey()
	if err != nil {
		return err
	}

	verifier, err := cose.NewVerifier(alg, documentSigningKey)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}
	return issuerSigned.IssuerAuth.Verify(nil, verifier)
}

func (v *Verifier) verifyCertificate(ctx context.Context, issuerSigned IssuerSigned) error {
	certs, err := issuerSigned.DocumentSigningCertificateChain()
	if err != nil {
		return err
	}

	trusted, err := v.validator.Validate(ctx, certs, v.anchors, v.checkRevocation)
	if err != nil {
		return err
	}
	if !trusted {
		return fmt.Errorf("%w: document signer chain is not trusted", ErrX5ChainIssue)
	}
	return nil
}

func (v *Verifier) validateCertification(mso *MobileSecurityObject, doc Document) error {
	if v.skipValidateCertification {
		return nil
	}
	certificate, err := doc.IssuerSigned.DocumentSigningCertificate()
	if err != nil {
		return err
	}
	if mso.ValidityInfo.Signed.Before(certificate.NotBefore) || mso.ValidityInfo.Signed.After(certificate.NotAfter) {
		return fmt.Errorf("signed date outside certificate validity: signed=%v notBefore=%v notAfter=%v",
			mso.ValidityInfo.Signed, certificate.NotBefore, certificate.NotAfter)
	}
	if v.signCurrentTime.Before(mso.ValidityInfo.ValidFrom) || v.signCurrentTime.After(mso.ValidityInfo.ValidUntil) {
		return fmt.Errorf("document not valid at %v: validFrom=%v validUntil=%v",
			v.signCurrentTime, mso.ValidityInfo.ValidFrom, mso.ValidityInfo.ValidUntil)
	}
	return nil
}

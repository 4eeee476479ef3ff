package mdoc

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
	"golang.org/x/sync/errgroup"
)

const (
	DeviceResponseVersion = "1.0"
	StatusOK              = 0
)

// DocumentToSign is one credential going into a DeviceResponse: its
// issuer-signed data, the elements to reveal and the signer of its bound key.
type DocumentToSign struct {
	IssuerSigned *IssuerSigned
	Disclosed    map[NameSpace][]ElementIdentifier
	Signer       DeviceSigner
}

// BuildDeviceResponse filters and device-signs every document. Documents
// are signed concurrently but keep their input order. A single failure
// fails the whole response.
func BuildDeviceResponse(ctx context.Context, sessionTranscript []byte, docs []DocumentToSign) (*DeviceResponse, error) {
	if len(sessionTranscript) == 0 {
		return nil, ErrEmptySessionTranscript
	}

	signed := make([]Document, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	for i := range docs {
		i := i
		g.Go(func() error {
			doc, err := buildDocument(gctx, sessionTranscript, docs[i])
			if err != nil {
				return fmt.Errorf("%w: document %d: %w", ErrDocumentSigning, i, err)
			}
			signed[i] = *doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &DeviceResponse{
		Version:   DeviceResponseVersion,
		Documents: signed,
		Status:    StatusOK,
	}, nil
}

func buildDocument(ctx context.Context, sessionTranscript []byte, in DocumentToSign) (*Document, error) {
	if in.IssuerSigned == nil {
		return nil, ErrMissingIssuerAuth
	}
	if in.Signer == nil {
		return nil, fmt.Errorf("no device signer")
	}

	mso, err := in.IssuerSigned.MobileSecurityObject()
	if err != nil {
		return nil, err
	}

	filtered, err := in.IssuerSigned.Filter(in.Disclosed)
	if err != nil {
		return nil, err
	}

	// Nothing is device-signed beyond the authentication itself.
	nameSpaces, err := cbor.Marshal(DeviceNameSpaces{})
	if err != nil {
		return nil, err
	}
	deviceSigned := DeviceSigned{NameSpaces: nameSpaces}

	payload, err := deviceSigned.DeviceAuthenticationBytes(mso.DocType, sessionTranscript)
	if err != nil {
		return nil, err
	}

	signer, err := newCoseSigner(in.Signer)
	if err != nil {
		return nil, err
	}

	// Do not spend a signature on a response that is already abandoned.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	headers := cose.Headers{
		Protected: cose.ProtectedHeader{cose.HeaderLabelAlgorithm: signer.Algorithm()},
	}
	sig, err := signDetached(payload, headers, signer)
	if err != nil {
		return nil, NewWrappedCategoryError(ErrCategoryDevice, err, "failed to sign device authentication")
	}
	deviceSigned.DeviceAuth = DeviceAuth{DeviceSignature: sig}

	return &Document{
		DocType:      mso.DocType,
		IssuerSigned: *filtered,
		DeviceSigned: deviceSigned,
	}, nil
}

func (d *DeviceResponse) Encode() ([]byte, error) {
	return encMode.Marshal(d)
}

func ParseDeviceResponse(data []byte) (*DeviceResponse, error) {
	var resp DeviceResponse
	if err := cbor.Unmarshal(data, &resp); err != nil {
		return nil, NewWrappedCategoryError(ErrCategoryDocument, err, "failed to decode device response")
	}
	return &resp, nil
}

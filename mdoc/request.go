package mdoc

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

const DeviceRequestVersion = "1.0"

type DeviceRequest struct {
	Version     string       `json:"version"`
	DocRequests []DocRequest `json:"docRequests"`
}

type DocRequest struct {
	ItemsRequest ItemsRequestBytes     `json:"itemsRequest"`
	ReaderAuth   *UntaggedSign1Message `json:"readerAuth,omitempty"`
}

// ItemsRequestBytes is #6.24(bstr .cbor ItemsRequest); the slice holds the
// inner CBOR exactly as the reader encoded it.
type ItemsRequestBytes []byte

func (i ItemsRequestBytes) MarshalCBOR() ([]byte, error) {
	return marshalTag24(i)
}

func (i *ItemsRequestBytes) UnmarshalCBOR(data []byte) error {
	content, err := unmarshalTag24(data)
	if err != nil {
		return err
	}
	*i = content
	return nil
}

type ItemsRequest struct {
	DocType     DocType                  `json:"docType"`
	NameSpaces  map[NameSpace]DataElements `json:"nameSpaces"`
	RequestInfo map[string]interface{}   `json:"requestInfo,omitempty"`
}

// DataElements maps each requested element to its intent-to-retain flag.
type DataElements map[ElementIdentifier]bool

// SortedNameSpaces returns the requested namespaces in a stable order.
func (r *ItemsRequest) SortedNameSpaces() []NameSpace {
	nss := make([]NameSpace, 0, len(r.NameSpaces))
	for ns := range r.NameSpaces {
		nss = append(nss, ns)
	}
	sort.Slice(nss, func(a, b int) bool { return nss[a] < nss[b] })
	return nss
}

// SortedElements returns the elements requested in ns in a stable order.
func (d DataElements) SortedElements() []ElementIdentifier {
	ids := make([]ElementIdentifier, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// NewDeviceRequest assembles a version 1.0 request.
func NewDeviceRequest(docRequests ...DocRequest) *DeviceRequest {
	return &DeviceRequest{Version: DeviceRequestVersion, DocRequests: docRequests}
}

func NewDocRequest(req ItemsRequest) (DocRequest, error) {
	if req.DocType == "" {
		return DocRequest{}, fmt.Errorf("%w: docType is empty", ErrMalformedRequest)
	}
	encoded, err := encMode.Marshal(req)
	if err != nil {
		return DocRequest{}, fmt.Errorf("failed to encode items request: %w", err)
	}
	return DocRequest{ItemsRequest: encoded}, nil
}

// SignReaderAuth attaches a reader authentication signature. The payload
// is detached and the chain goes in the unprotected x5chain header.
func (d *DocRequest) SignReaderAuth(signer cose.Signer, chain []*x509.Certificate, sessionTranscript []byte) error {
	payload, err := readerAuthenticationBytes(sessionTranscript, d.ItemsRequest)
	if err != nil {
		return err
	}
	headers := cose.Headers{
		Protected:   cose.ProtectedHeader{cose.HeaderLabelAlgorithm: signer.Algorithm()},
		Unprotected: cose.UnprotectedHeader{cose.HeaderLabelX5Chain: X5ChainHeader(chain)},
	}
	msg, err := signDetached(payload, headers, signer)
	if err != nil {
		return NewWrappedCategoryError(ErrCategoryCOSE, err, "failed to sign reader authentication")
	}
	d.ReaderAuth = msg
	return nil
}

func (r *DeviceRequest) Encode() ([]byte, error) {
	return encMode.Marshal(r)
}

// readerAuthenticationBytes encodes
// #6.24(bstr .cbor ["ReaderAuthentication", SessionTranscript, ItemsRequestBytes]).
func readerAuthenticationBytes(sessionTranscript []byte, itemsRequest ItemsRequestBytes) ([]byte, error) {
	if len(sessionTranscript) == 0 {
		return nil, ErrEmptySessionTranscript
	}
	ra, err := encMode.Marshal([]interface{}{
		"ReaderAuthentication",
		cbor.RawMessage(sessionTranscript),
		itemsRequest,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reader authentication: %w", err)
	}
	return marshalTag24(ra)
}

// TrustValidator evaluates a certificate chain against trust anchors.
type TrustValidator interface {
	Validate(ctx context.Context, chain, trustAnchors []*x509.Certificate, checkRevocation bool) (bool, error)
}

type parseConfig struct {
	validator       TrustValidator
	anchors         []*x509.Certificate
	checkRevocation bool
	logger          *slog.Logger
}

type ParseOption func(*parseConfig)

// WithReaderTrust evaluates each authenticated reader chain against the
// anchors and records the outcome as ReaderTrusted.
func WithReaderTrust(v TrustValidator, anchors []*x509.Certificate, checkRevocation bool) ParseOption {
	return func(c *parseConfig) {
		c.validator = v
		c.anchors = anchors
		c.checkRevocation = checkRevocation
	}
}

func WithParseLogger(logger *slog.Logger) ParseOption {
	return func(c *parseConfig) {
		c.logger = logger
	}
}

type ParsedDeviceRequest struct {
	Version     string
	DocRequests []ParsedDocRequest
}

type ParsedDocRequest struct {
	ItemsRequest ItemsRequest
	// ItemsRequestBytes is the reader's encoding, which reader
	// authentication is computed over.
	ItemsRequestBytes ItemsRequestBytes

	ReaderAuthPresent   bool
	ReaderAuthenticated bool
	ReaderTrusted       bool
	ReaderChain         []*x509.Certificate
}

// ReaderAuthenticated reports whether every DocRequest carried a valid
// reader signature.
func (p *ParsedDeviceRequest) ReaderAuthenticated() bool {
	if len(p.DocRequests) == 0 {
		return false
	}
	for _, dr := range p.DocRequests {
		if !dr.ReaderAuthenticated {
			return false
		}
	}
	return true
}

// ReaderTrusted reports whether every DocRequest was signed by a reader
// whose chain validated against the configured anchors.
func (p *ParsedDeviceRequest) ReaderTrusted() bool {
	if len(p.DocRequests) == 0 {
		return false
	}
	for _, dr := range p.DocRequests {
		if !dr.ReaderTrusted {
			return false
		}
	}
	return true
}

// ParseDeviceRequest decodes a DeviceRequest. Reader authentication is
// optional metadata: a missing or invalid signature is recorded on the
// result, never returned as an error.
func ParseDeviceRequest(ctx context.Context, data, sessionTranscript []byte, opts ...ParseOption) (*ParsedDeviceRequest, error) {
	cfg := &parseConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	var req DeviceRequest
	if err := cbor.Unmarshal(data, &req); err != nil {
		return nil, NewWrappedCategoryError(ErrCategoryRequest, ErrMalformedRequest, "failed to decode device request: %v", err)
	}
	if err := checkVersion(req.Version); err != nil {
		return nil, err
	}
	if len(req.DocRequests) == 0 {
		return nil, NewWrappedCategoryError(ErrCategoryRequest, ErrMalformedRequest, "no docRequests")
	}

	parsed := &ParsedDeviceRequest{Version: req.Version}
	for i, dr := range req.DocRequests {
		var items ItemsRequest
		if err := cbor.Unmarshal(dr.ItemsRequest, &items); err != nil {
			return nil, NewWrappedCategoryError(ErrCategoryRequest, ErrMalformedRequest, "docRequests[%d]: failed to decode items request: %v", i, err)
		}
		if items.DocType == "" {
			return nil, NewWrappedCategoryError(ErrCategoryRequest, ErrMalformedRequest, "docRequests[%d]: docType is empty", i)
		}

		pdr := ParsedDocRequest{
			ItemsRequest:      items,
			ItemsRequestBytes: dr.ItemsRequest,
			ReaderAuthPresent: dr.ReaderAuth != nil,
		}

		if dr.ReaderAuth != nil {
			chain, err := verifyReaderAuth(dr, sessionTranscript)
			if err != nil {
				cfg.logger.Info("reader authentication failed", "docType", items.DocType, "error", err)
			} else {
				pdr.ReaderAuthenticated = true
				pdr.ReaderChain = chain
			}
		}

		if pdr.ReaderAuthenticated && cfg.validator != nil {
			trusted, err := cfg.validator.Validate(ctx, pdr.ReaderChain, cfg.anchors, cfg.checkRevocation)
			if err != nil {
				cfg.logger.Warn("reader trust evaluation failed", "docType", items.DocType, "error", err)
			}
			pdr.ReaderTrusted = trusted
		}

		parsed.DocRequests = append(parsed.DocRequests, pdr)
	}
	return parsed, nil
}

func checkVersion(version string) error {
	major, _, ok := strings.Cut(version, ".")
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
	n, err := strconv.Atoi(major)
	if err != nil || n < 1 {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
	return nil
}

func verifyReaderAuth(dr DocRequest, sessionTranscript []byte) ([]*x509.Certificate, error) {
	chain, err := dr.ReaderAuth.X5Chain()
	if err != nil {
		return nil, err
	}
	pub, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected reader key type %T", ErrX5ChainIssue, chain[0].PublicKey)
	}
	if dr.ReaderAuth.Headers.Protected == nil {
		return nil, ErrMissingProtectedHeader
	}
	alg, err := dr.ReaderAuth.Headers.Protected.Algorithm()
	if err != nil {
		return nil, NewWrappedCategoryError(ErrCategoryCOSE, err, "failed to read algorithm")
	}
	verifier, err := cose.NewVerifier(alg, pub)
	if err != nil {
		return nil, NewWrappedCategoryError(ErrCategoryCOSE, err, "failed to create verifier")
	}
	payload, err := readerAuthenticationBytes(sessionTranscript, dr.ItemsRequest)
	if err != nil {
		return nil, err
	}
	if err := dr.ReaderAuth.VerifyDetached(payload, verifier); err != nil {
		return nil, NewWrappedCategoryError(ErrCategoryCOSE, err, "reader signature invalid")
	}
	return chain, nil
}

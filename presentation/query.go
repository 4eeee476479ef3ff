package presentation

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/kokukuma/mdoc-wallet/document"
	"github.com/kokukuma/mdoc-wallet/mdoc"
	"github.com/kokukuma/mdoc-wallet/openid4vp"
	domainerrors "github.com/kokukuma/mdoc-wallet/pkg/domain-errors"
	"github.com/kokukuma/mdoc-wallet/session_transcript"
)

// Protocol is how the response travels back to the relying party.
type Protocol string

const (
	// ProtocolOpenID4VP answers with a vp_token and a presentation submission.
	ProtocolOpenID4VP Protocol = "openid4vp"
	// ProtocolDeviceRequest answers a proximity DeviceRequest with a single
	// DeviceResponse.
	ProtocolDeviceRequest Protocol = "iso_18013_5"
)

// Query is a relying party request as handed over by the transport.
type Query struct {
	Protocol   Protocol
	Definition document.PresentationDefinition

	// Nonce and Audience go into every key binding JWT.
	Nonce    string
	Audience string

	ResponseURI string
	State       string

	// SessionTranscript binds mdoc device authentication to this exchange.
	// It is required as soon as an mdoc is presented.
	SessionTranscript []byte
	// MdocGeneratedNonce is the wallet nonce the transcript was built with,
	// if any.
	MdocGeneratedNonce string

	Requester Requester
}

// Requester is what the wallet established about the relying party while
// decoding its request.
type Requester struct {
	// Authenticated is set when the request carried a valid signature.
	Authenticated bool
	// Trusted is set when the signing chain validated against the
	// wallet's trust anchors.
	Trusted bool
	Chain   []*x509.Certificate
}

// QueryFromAuthorizationRequest turns a validated OpenID4VP request into a
// query. The mdoc session transcript is derived from the request with a
// fresh wallet nonce when the request names a response_uri.
func QueryFromAuthorizationRequest(req *openid4vp.AuthorizationRequest) (Query, error) {
	if req == nil {
		return Query{}, domainerrors.New(domainerrors.CodeMalformedInput, "no authorization request")
	}
	if err := req.Validate(); err != nil {
		return Query{}, domainerrors.Wrap(err, domainerrors.CodeMalformedInput, "invalid authorization request")
	}

	q := Query{
		Protocol:    ProtocolOpenID4VP,
		Definition:  *req.PresentationDefinition,
		Nonce:       req.Nonce,
		Audience:    req.ClientID,
		ResponseURI: req.ResponseURI,
		State:       req.State,
	}
	if req.ResponseURI != "" {
		generated, err := session_transcript.NewMdocGeneratedNonce()
		if err != nil {
			return Query{}, err
		}
		st, err := session_transcript.OID4VPHandover([]byte(req.Nonce), req.ClientID, req.ResponseURI, generated)
		if err != nil {
			return Query{}, domainerrors.Wrap(err, domainerrors.CodeMalformedInput, "cannot derive session transcript")
		}
		q.SessionTranscript = st
		q.MdocGeneratedNonce = generated
	}
	return q, nil
}

// QueryFromRequestObject verifies a signed request object and turns it into
// a query. A verifier chain that fails the configured trust anchors is a
// TrustFailure.
func QueryFromRequestObject(ctx context.Context, token string, opts ...openid4vp.RequestObjectOption) (Query, error) {
	verified, err := openid4vp.VerifyRequestObject(ctx, token, opts...)
	if err != nil {
		return Query{}, classify(err, domainerrors.CodeMalformedInput)
	}
	q, err := QueryFromAuthorizationRequest(verified.Request)
	if err != nil {
		return Query{}, err
	}
	q.Requester = Requester{
		Authenticated: true,
		Trusted:       verified.Trusted,
		Chain:         verified.Chain,
	}
	return q, nil
}

// QueryFromDeviceRequest turns a parsed proximity request into a query.
// Untrusted or unauthenticated readers are not rejected here; the outcome
// is carried as the query's Requester.
func QueryFromDeviceRequest(req *mdoc.ParsedDeviceRequest, sessionTranscript []byte) (Query, error) {
	if req == nil || len(req.DocRequests) == 0 {
		return Query{}, domainerrors.New(domainerrors.CodeMalformedInput, "empty device request")
	}
	if len(sessionTranscript) == 0 {
		return Query{}, domainerrors.Wrap(mdoc.ErrEmptySessionTranscript, domainerrors.CodeMalformedInput, "no session transcript")
	}
	return Query{
		Protocol:          ProtocolDeviceRequest,
		Definition:        document.DefinitionFromDeviceRequest(uuid.NewString(), req),
		SessionTranscript: sessionTranscript,
		Requester: Requester{
			Authenticated: req.ReaderAuthenticated(),
			Trusted:       req.ReaderTrusted(),
			Chain:         req.DocRequests[0].ReaderChain,
		},
	}, nil
}

// checkRequester enforces the engine's requester policy.
func (q Query) checkRequester(requireTrusted bool) error {
	if !requireTrusted || q.Requester.Trusted {
		return nil
	}
	if !q.Requester.Authenticated {
		return domainerrors.New(domainerrors.CodeTrustFailure, "relying party did not authenticate its request")
	}
	return domainerrors.New(domainerrors.CodeTrustFailure, "relying party certificate chain is not trusted")
}

// validate rejects queries the engine cannot answer before any document is
// read.
func (q Query) validate() error {
	if q.Protocol != ProtocolOpenID4VP && q.Protocol != ProtocolDeviceRequest {
		return domainerrors.New(domainerrors.CodeUnsupportedRequest, fmt.Sprintf("unsupported protocol %q", q.Protocol))
	}
	if len(q.Definition.InputDescriptors) == 0 {
		return domainerrors.New(domainerrors.CodeMalformedInput, "presentation definition has no input descriptors")
	}
	ids := lo.Map(q.Definition.InputDescriptors, func(d document.InputDescriptor, _ int) string { return d.ID })
	if dup := lo.FindDuplicates(ids); len(dup) > 0 {
		return domainerrors.New(domainerrors.CodeMalformedInput, fmt.Sprintf("duplicate input descriptor ids %v", dup))
	}

	for _, desc := range q.Definition.InputDescriptors {
		if desc.ID == "" {
			return domainerrors.New(domainerrors.CodeMalformedInput, "input descriptor without id")
		}
		formats := desc.Formats(q.Definition.Format)
		restricted := !desc.Format.IsEmpty() || (q.Definition.Format != nil && !q.Definition.Format.IsEmpty())
		if restricted && len(formats) == 0 {
			return domainerrors.New(domainerrors.CodeUnsupportedRequest,
				fmt.Sprintf("input descriptor %s asks for no supported format", desc.ID))
		}
		if q.Protocol == ProtocolDeviceRequest && restricted && !lo.Contains(formats, document.CredentialTypeMDOC) {
			return domainerrors.New(domainerrors.CodeUnsupportedRequest,
				fmt.Sprintf("input descriptor %s cannot be answered over a proximity session", desc.ID))
		}
		for _, f := range desc.Constraints.Fields {
			if len(f.Path) == 0 {
				return domainerrors.New(domainerrors.CodeMalformedInput,
					fmt.Sprintf("input descriptor %s has a field without path", desc.ID))
			}
		}
	}
	return nil
}

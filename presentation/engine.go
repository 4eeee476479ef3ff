// Package presentation decides which held credentials answer a relying
// party query and assembles the signed response. One Session covers one
// query, from resolution to dispatch.
package presentation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/samber/mo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kokukuma/mdoc-wallet/cryptoprovider"
	"github.com/kokukuma/mdoc-wallet/document"
	"github.com/kokukuma/mdoc-wallet/internal/metrics"
	"github.com/kokukuma/mdoc-wallet/mdoc"
	"github.com/kokukuma/mdoc-wallet/openid4vp"
	domainerrors "github.com/kokukuma/mdoc-wallet/pkg/domain-errors"
	"github.com/kokukuma/mdoc-wallet/sdjwt"
)

const tracerName = "github.com/kokukuma/mdoc-wallet/presentation"

// DocumentRepository is the wallet storage. Documents emits the current
// holdings and then every change until ctx is done.
type DocumentRepository interface {
	Documents(ctx context.Context) <-chan []document.CredentialDocument
	GetByID(ctx context.Context, id string) mo.Option[document.CredentialDocument]
}

// KeyRouter returns the provider that created the key a document is bound
// to. *cryptoprovider.Factory implements it.
type KeyRouter interface {
	ForAttestation(ka *document.KeyAttestation) (cryptoprovider.Provider, error)
}

// Response is what the transport sends back. VPToken and Submission are
// set for OpenID4VP, DeviceResponse for a proximity request.
type Response struct {
	VPToken        openid4vp.VPToken
	Submission     openid4vp.PresentationSubmission
	DeviceResponse []byte
}

// AuthorizationResponse wraps an OpenID4VP response for direct_post.
func (r *Response) AuthorizationResponse(state string) *openid4vp.AuthorizationResponse {
	return &openid4vp.AuthorizationResponse{
		VPToken:                r.VPToken,
		State:                  state,
		PresentationSubmission: r.Submission,
	}
}

type Engine struct {
	repo    DocumentRepository
	keys    KeyRouter
	matcher *Matcher
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time

	requireTrusted bool
}

type Option func(*Engine)

func WithMatcher(m *Matcher) Option {
	return func(e *Engine) {
		e.matcher = m
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock sets the time used for expiry checks and key binding iat.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithTrustedRequesterRequired makes Resolve fail with TrustFailure unless
// the query's requester chain validated against the wallet's anchors.
func WithTrustedRequesterRequired() Option {
	return func(e *Engine) {
		e.requireTrusted = true
	}
}

func NewEngine(repo DocumentRepository, keys KeyRouter, opts ...Option) *Engine {
	e := &Engine{
		repo:   repo,
		keys:   keys,
		tracer: otel.Tracer(tracerName),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.matcher == nil {
		e.matcher = NewMatcher(WithMatcherClock(e.now), WithMatcherLogger(e.logger))
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	return e
}

func (e *Engine) NewSession() *Session {
	id := uuid.NewString()
	return &Session{
		ID:     id,
		engine: e,
		state:  StateIdle,
		logger: e.logger.With("session", id),
	}
}

func (e *Engine) build(ctx context.Context, q Query, matched *Matched) (resp *Response, err error) {
	ctx, span := e.tracer.Start(ctx, "presentation.Build", trace.WithAttributes(
		attribute.String("protocol", string(q.Protocol)),
		attribute.Int("descriptors", len(matched.Descriptors)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for _, d := range matched.Descriptors {
		if e.repo.GetByID(ctx, d.Document.ID()).IsAbsent() {
			return nil, domainerrors.New(domainerrors.CodeNoMatch,
				fmt.Sprintf("document %s is no longer held", d.Document.ID()))
		}
	}

	switch q.Protocol {
	case ProtocolDeviceRequest:
		return e.buildDeviceResponse(ctx, q, matched)
	case ProtocolOpenID4VP:
		return e.buildVPToken(ctx, q, matched)
	}
	return nil, domainerrors.New(domainerrors.CodeUnsupportedRequest, fmt.Sprintf("unsupported protocol %q", q.Protocol))
}

// buildVPToken signs one presentation per descriptor concurrently and
// assembles them in descriptor order.
func (e *Engine) buildVPToken(ctx context.Context, q Query, matched *Matched) (*Response, error) {
	tokens := make([]string, len(matched.Descriptors))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range matched.Descriptors {
		i, d := i, d
		g.Go(func() error {
			token, err := e.present(gctx, q, d)
			if err != nil {
				return fmt.Errorf("descriptor %s: %w", d.DescriptorID, err)
			}
			tokens[i] = token
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries := lo.Map(matched.Descriptors, func(d *DescriptorMatch, _ int) openid4vp.DescriptorMapEntry {
		return openid4vp.DescriptorMapEntry{ID: d.DescriptorID, Format: d.Format}
	})
	return &Response{
		VPToken:    tokens,
		Submission: openid4vp.NewPresentationSubmission(matched.DefinitionID, entries),
	}, nil
}

func (e *Engine) present(ctx context.Context, q Query, d *DescriptorMatch) (string, error) {
	ka := d.Document.Attestation().KeyAttestation
	provider, err := e.keys.ForAttestation(ka)
	if err != nil {
		return "", err
	}

	switch doc := d.Document.(type) {
	case *document.SDJWTDocument:
		signer, err := provider.KeyBindingSigner(ctx, ka)
		if err != nil {
			return "", err
		}
		return doc.Credential().Present(claimPaths(d.Fields), sdjwt.KeyBindingOptions{
			Audience: q.Audience,
			Nonce:    q.Nonce,
			IssuedAt: e.now(),
		}, signer)
	case *document.MdocDocument:
		toSign, err := e.mdocToSign(ctx, provider, doc, d.Fields)
		if err != nil {
			return "", err
		}
		resp, err := mdoc.BuildDeviceResponse(ctx, q.SessionTranscript, []mdoc.DocumentToSign{toSign})
		if err != nil {
			return "", err
		}
		data, err := resp.Encode()
		if err != nil {
			return "", err
		}
		return openid4vp.EncodeDeviceResponse(data), nil
	}
	return "", domainerrors.New(domainerrors.CodeUnsupportedRequest,
		fmt.Sprintf("unsupported document format %s", d.Document.Format()))
}

// buildDeviceResponse batches every matched mdoc into one DeviceResponse.
func (e *Engine) buildDeviceResponse(ctx context.Context, q Query, matched *Matched) (*Response, error) {
	docs := make([]mdoc.DocumentToSign, 0, len(matched.Descriptors))
	for _, d := range matched.Descriptors {
		switch doc := d.Document.(type) {
		case *document.MdocDocument:
			provider, err := e.keys.ForAttestation(doc.Attestation().KeyAttestation)
			if err != nil {
				return nil, err
			}
			toSign, err := e.mdocToSign(ctx, provider, doc, d.Fields)
			if err != nil {
				return nil, err
			}
			docs = append(docs, toSign)
		case *document.SDJWTDocument:
			return nil, domainerrors.New(domainerrors.CodeUnsupportedRequest,
				fmt.Sprintf("descriptor %s: SD-JWT cannot be returned in a DeviceResponse", d.DescriptorID))
		}
	}

	resp, err := mdoc.BuildDeviceResponse(ctx, q.SessionTranscript, docs)
	if err != nil {
		return nil, err
	}
	data, err := resp.Encode()
	if err != nil {
		return nil, err
	}
	return &Response{DeviceResponse: data}, nil
}

func (e *Engine) mdocToSign(ctx context.Context, provider cryptoprovider.Provider, doc *document.MdocDocument, fields []*document.MatchedField) (mdoc.DocumentToSign, error) {
	signer, err := provider.DeviceSigner(ctx, doc.Attestation().KeyAttestation)
	if err != nil {
		return mdoc.DocumentToSign{}, err
	}
	disclosed := map[mdoc.NameSpace][]mdoc.ElementIdentifier{}
	for _, f := range checkedFields(fields) {
		disclosed[f.Field.Namespace] = append(disclosed[f.Field.Namespace], f.Field.Name)
	}
	return mdoc.DocumentToSign{
		IssuerSigned: doc.IssuerSigned(),
		Disclosed:    disclosed,
		Signer:       signer,
	}, nil
}

func checkedFields(fields []*document.MatchedField) []*document.MatchedField {
	return lo.Filter(fields, func(f *document.MatchedField, _ int) bool { return f.Checked })
}

func claimPaths(fields []*document.MatchedField) [][]string {
	return lo.Map(checkedFields(fields), func(f *document.MatchedField, _ int) []string { return f.Field.Path })
}

// classify maps err onto the error taxonomy. Already classified errors are
// returned as they are; anything unknown gets the fallback code.
func classify(err error, fallback domainerrors.Code) error {
	if err == nil {
		return nil
	}
	if _, ok := domainerrors.CodeOf(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return domainerrors.Wrap(err, domainerrors.CodeUserCancelled, "presentation cancelled")
	case errors.Is(err, cryptoprovider.ErrBackendUnreachable):
		return domainerrors.Transient(err, domainerrors.CodeSigningFailure, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return domainerrors.Transient(err, fallback, err.Error())
	case errors.Is(err, cryptoprovider.ErrKeyNotFound),
		errors.Is(err, cryptoprovider.ErrAttestationExpired),
		errors.Is(err, cryptoprovider.ErrUnsupportedKeyType),
		errors.Is(err, mdoc.ErrDocumentSigning),
		errors.Is(err, sdjwt.ErrSignerMissing):
		return domainerrors.Wrap(err, domainerrors.CodeSigningFailure, err.Error())
	case errors.Is(err, openid4vp.ErrUntrustedVerifier):
		return domainerrors.Wrap(err, domainerrors.CodeTrustFailure, err.Error())
	case errors.Is(err, mdoc.ErrEmptySessionTranscript),
		errors.Is(err, openid4vp.ErrInvalidRequest),
		mdoc.IsRequestError(err):
		return domainerrors.Wrap(err, domainerrors.CodeMalformedInput, err.Error())
	}
	return domainerrors.Wrap(err, fallback, err.Error())
}

package presentation_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-wallet/cryptoprovider"
	"github.com/kokukuma/mdoc-wallet/document"
	"github.com/kokukuma/mdoc-wallet/internal/cryptoroot"
	"github.com/kokukuma/mdoc-wallet/internal/custody"
	"github.com/kokukuma/mdoc-wallet/internal/fixtures"
	"github.com/kokukuma/mdoc-wallet/internal/metrics"
	"github.com/kokukuma/mdoc-wallet/internal/store"
	"github.com/kokukuma/mdoc-wallet/mdoc"
	"github.com/kokukuma/mdoc-wallet/openid4vp"
	domainerrors "github.com/kokukuma/mdoc-wallet/pkg/domain-errors"
	"github.com/kokukuma/mdoc-wallet/pkg/pki"
	"github.com/kokukuma/mdoc-wallet/presentation"
	"github.com/kokukuma/mdoc-wallet/sdjwt"
)

const (
	verifierID  = "verifier.example.com"
	responseURI = "https://verifier.example.com/post"
	nonce       = "n-0S6_WzA2Mj"
)

type EngineSuite struct {
	suite.Suite

	ctx     context.Context
	now     time.Time
	issuer  *fixtures.Issuer
	custody *custody.Server
	server  *httptest.Server
	factory *cryptoprovider.Factory
	repo    *store.Documents
	metrics *metrics.Metrics
	engine  *presentation.Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Now()

	issuer, err := fixtures.NewIssuer("Engine Test Issuer")
	s.Require().NoError(err)
	s.issuer = issuer

	attester, _, err := cryptoprovider.NewDevelopmentAttester()
	s.Require().NoError(err)
	local := cryptoprovider.NewLocalProvider(attester, cryptoprovider.WithLocalClock(func() time.Time { return s.now }))

	custodyAttester, _, err := cryptoprovider.NewDevelopmentAttester()
	s.Require().NoError(err)
	s.custody = custody.NewServer(cryptoprovider.NewLocalProvider(custodyAttester))
	s.server = httptest.NewServer(s.custody.Router())
	remote, err := cryptoprovider.NewRemoteProvider(s.server.URL, cryptoprovider.WithHTTPClient(s.server.Client()))
	s.Require().NoError(err)

	s.factory = cryptoprovider.NewFactory(
		cryptoprovider.WithProvider(local, document.KeyTypeP256),
		cryptoprovider.WithProvider(remote, document.KeyTypeP384),
	)
	s.repo = store.NewDocuments()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.engine = s.newEngine(s.factory)
}

func (s *EngineSuite) TearDownTest() {
	s.server.Close()
}

func (s *EngineSuite) newEngine(keys presentation.KeyRouter, opts ...presentation.Option) *presentation.Engine {
	return presentation.NewEngine(s.repo, keys, append([]presentation.Option{
		presentation.WithMetrics(s.metrics),
		presentation.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	}, opts...)...)
}

// holderKey creates a key through factory; P-256 keys are local, P-384
// keys live in the custody service.
func (s *EngineSuite) holderKey(factory *cryptoprovider.Factory, keyType document.KeyType) (*document.KeyAttestation, *ecdsa.PublicKey) {
	ka, err := factory.CreateKey(s.ctx, keyType, "issuance-nonce")
	s.Require().NoError(err)
	pub, err := ka.PublicKey()
	s.Require().NoError(err)
	return ka, pub
}

func pidClaims(given string) map[string]interface{} {
	return map[string]interface{}{
		"given_name":  given,
		"family_name": "Mustermann",
		"birthdate":   "1984-01-26",
		"address": map[string]interface{}{
			"locality": "Berlin",
			"country":  "DE",
		},
		"nationalities": []interface{}{"DE"},
	}
}

func (s *EngineSuite) addPID(id string, claims map[string]interface{}, factory *cryptoprovider.Factory, keyType document.KeyType) *ecdsa.PublicKey {
	ka, pub := s.holderKey(factory, keyType)
	combined, err := s.issuer.IssueSDJWT(string(document.EudiPidSDJWT), claims, pub, s.now.Add(24*time.Hour))
	s.Require().NoError(err)
	doc, err := document.NewSDJWTDocument(id, combined, document.Attestation{ID: id, KeyAttestation: ka})
	s.Require().NoError(err)
	s.Require().NoError(s.repo.Add(doc))
	return pub
}

func (s *EngineSuite) addMDL(id string, validUntil time.Time) {
	ka, pub := s.holderKey(s.factory, document.KeyTypeP256)
	is, err := s.issuer.IssueMdoc(document.IsoMDL, []fixtures.Element{
		{NameSpace: document.ISO1801351, Identifier: document.IsoFamilyName, Value: "Mustermann"},
		{NameSpace: document.ISO1801351, Identifier: document.IsoGivenName, Value: "Erika"},
		{NameSpace: document.ISO1801351, Identifier: "age_over_21", Value: true},
	}, pub, validUntil)
	s.Require().NoError(err)
	doc, err := document.NewMdocDocument(id, is, document.Attestation{ID: id, KeyAttestation: ka})
	s.Require().NoError(err)
	s.Require().NoError(s.repo.Add(doc))
}

func pidDescriptor(id string, paths ...string) document.InputDescriptor {
	fields := []document.PathField{{
		Path:   []string{"$.vct"},
		Filter: document.ConstFilter("string", string(document.EudiPidSDJWT)),
	}}
	for _, p := range paths {
		fields = append(fields, document.PathField{Path: []string{p}})
	}
	return document.InputDescriptor{
		ID:          id,
		Format:      document.Format{VCSDJWT: &document.SDJWTFormat{SDJWTAlg: []string{"ES256"}}},
		Constraints: document.Constraints{LimitDisclosure: "required", Fields: fields},
	}
}

func mdlDescriptor(paths ...string) document.InputDescriptor {
	desc := document.InputDescriptor{
		ID:          string(document.IsoMDL),
		Format:      document.Format{MsoMdoc: &document.AlgFormat{Alg: []string{"ES256"}}},
		Constraints: document.Constraints{LimitDisclosure: "required"},
	}
	for _, p := range paths {
		desc.Constraints.Fields = append(desc.Constraints.Fields, document.PathField{Path: []string{p}})
	}
	return desc
}

func (s *EngineSuite) query(descriptors ...document.InputDescriptor) presentation.Query {
	req := &openid4vp.AuthorizationRequest{
		ClientID:     verifierID,
		ResponseType: openid4vp.ResponseTypeVPToken,
		ResponseMode: openid4vp.ResponseModeDirectPost,
		ResponseURI:  responseURI,
		Nonce:        nonce,
		State:        "state-1",
		PresentationDefinition: &document.PresentationDefinition{
			ID:               "pd-1",
			InputDescriptors: descriptors,
		},
	}
	q, err := presentation.QueryFromAuthorizationRequest(req)
	s.Require().NoError(err)
	return q
}

func disclosedNames(s *EngineSuite, token string) (*sdjwt.Credential, []string) {
	cred, err := sdjwt.Parse(token)
	s.Require().NoError(err)
	var names []string
	for _, d := range cred.Disclosures {
		if !d.IsArrayElement() {
			names = append(names, d.Name)
		}
	}
	return cred, names
}

func (s *EngineSuite) TestScenarioA_SingleSDJWT() {
	holder := s.addPID("pid-1", pidClaims("Erika"), s.factory, document.KeyTypeP256)

	session := s.engine.NewSession()
	result, err := session.Resolve(s.ctx, s.query(pidDescriptor("pid", "$.given_name", "$.family_name", "$.birthdate")))
	s.Require().NoError(err)
	matched, ok := result.(*presentation.Matched)
	s.Require().True(ok)
	s.Require().Len(matched.Descriptors, 1)
	s.Equal("pid-1", matched.Descriptors[0].Document.ID())
	s.Len(matched.Descriptors[0].Fields, 3)
	for _, f := range matched.Descriptors[0].Fields {
		s.True(f.Mandatory, f.Field.Name)
	}
	s.Equal(presentation.StateAwaitingConsent, session.State())

	resp, err := session.Consent(s.ctx)
	s.Require().NoError(err)
	s.Equal(presentation.StateDispatched, session.State())
	s.Require().Len(resp.VPToken, 1)
	s.Require().Len(resp.Submission.DescriptorMap, 1)
	s.Equal("$", resp.Submission.DescriptorMap[0].Path)
	s.Equal("pid", resp.Submission.DescriptorMap[0].ID)
	s.Equal(document.CredentialTypeSDJWT, resp.Submission.DescriptorMap[0].Format)
	s.Equal("pd-1", resp.Submission.DefinitionID)

	cred, names := disclosedNames(s, resp.VPToken[0])
	s.ElementsMatch([]string{"given_name", "family_name", "birthdate"}, names)
	s.NoError(cred.VerifyKeyBinding(holder, verifierID, nonce))

	s.Equal(1.0, testutil.ToFloat64(s.metrics.SessionsTotal.WithLabelValues(metrics.OutcomeDispatched)))
}

func (s *EngineSuite) TestScenarioB_NoDocumentOfRequestedType() {
	s.addMDL("mdl-1", s.now.Add(time.Hour))

	session := s.engine.NewSession()
	result, err := session.Resolve(s.ctx, s.query(pidDescriptor("pid", "$.given_name")))
	s.Require().Error(err)
	s.True(domainerrors.HasCode(err, domainerrors.CodeNoMatch))
	notMatched, ok := result.(*presentation.NotMatched)
	s.Require().True(ok)
	s.Equal([]string{"pid"}, notMatched.Unmatched)
	s.Equal(presentation.StateFailed, session.State())
	s.True(domainerrors.HasCode(session.Err(), domainerrors.CodeNoMatch))

	_, err = session.Consent(s.ctx)
	s.True(domainerrors.HasCode(err, domainerrors.CodeNoMatch), "a failed session keeps its cause")
}

func (s *EngineSuite) TestAllDescriptorsRequired() {
	s.addPID("pid-1", pidClaims("Erika"), s.factory, document.KeyTypeP256)

	session := s.engine.NewSession()
	result, err := session.Resolve(s.ctx, s.query(
		pidDescriptor("pid", "$.given_name"),
		mdlDescriptor("$['org.iso.18013.5.1']['family_name']"),
	))
	s.True(domainerrors.HasCode(err, domainerrors.CodeNoMatch))
	s.Equal([]string{string(document.IsoMDL)}, result.(*presentation.NotMatched).Unmatched)
}

func (s *EngineSuite) TestScenarioD_TwoDescriptors() {
	holder := s.addPID("pid-1", pidClaims("Erika"), s.factory, document.KeyTypeP256)
	s.addMDL("mdl-1", s.now.Add(time.Hour))

	q := s.query(
		pidDescriptor("pid", "$.given_name"),
		mdlDescriptor("$['org.iso.18013.5.1']['family_name']", "$['org.iso.18013.5.1']['age_over_21']"),
	)
	session := s.engine.NewSession()
	_, err := session.Resolve(s.ctx, q)
	s.Require().NoError(err)

	resp, err := session.Consent(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(resp.VPToken, 2)
	s.Require().Len(resp.Submission.DescriptorMap, 2)
	s.Equal("$[0]", resp.Submission.DescriptorMap[0].Path)
	s.Equal("pid", resp.Submission.DescriptorMap[0].ID)
	s.Equal("$[1]", resp.Submission.DescriptorMap[1].Path)
	s.Equal(string(document.IsoMDL), resp.Submission.DescriptorMap[1].ID)
	s.Equal(document.CredentialTypeMDOC, resp.Submission.DescriptorMap[1].Format)

	cred, _ := disclosedNames(s, resp.VPToken[0])
	s.NoError(cred.VerifyKeyBinding(holder, verifierID, nonce))

	dr, err := openid4vp.ParseDeviceResponse(resp.VPToken[1])
	s.Require().NoError(err)
	s.Require().Len(dr.Documents, 1)
	v := mdoc.NewVerifier(pki.NewValidator(), s.issuer.Anchors())
	s.NoError(v.Verify(s.ctx, dr.Documents[0], q.SessionTranscript))
	_, err = dr.Documents[0].GetElementValue(document.ISO1801351, document.IsoGivenName)
	s.Error(err, "given_name was not requested")

	form, err := resp.AuthorizationResponse(q.State).Form()
	s.Require().NoError(err)
	s.Equal("state-1", form.Get("state"))
}

func (s *EngineSuite) TestScenarioE_BackendUnreachable() {
	s.addPID("pid-remote", pidClaims("Erika"), s.factory, document.KeyTypeP384)

	session := s.engine.NewSession()
	_, err := session.Resolve(s.ctx, s.query(pidDescriptor("pid", "$.given_name")))
	s.Require().NoError(err)

	s.custody.Drain()
	resp, err := session.Consent(s.ctx)
	s.Nil(resp)
	s.True(domainerrors.HasCode(err, domainerrors.CodeSigningFailure))
	s.True(domainerrors.IsRetryable(err))
	s.ErrorIs(err, cryptoprovider.ErrBackendUnreachable)
	s.Equal(presentation.StateFailed, session.State())
}

func (s *EngineSuite) TestRemoteKeySigns() {
	holder := s.addPID("pid-remote", pidClaims("Erika"), s.factory, document.KeyTypeP384)

	session := s.engine.NewSession()
	_, err := session.Resolve(s.ctx, s.query(pidDescriptor("pid", "$.given_name")))
	s.Require().NoError(err)
	resp, err := session.Consent(s.ctx)
	s.Require().NoError(err)

	cred, _ := disclosedNames(s, resp.VPToken[0])
	s.NoError(cred.VerifyKeyBinding(holder, verifierID, nonce))
}

func (s *EngineSuite) TestExpiredAttestationIsNotRetryable() {
	s.addPID("pid-1", pidClaims("Erika"), s.factory, document.KeyTypeP256)

	session := s.engine.NewSession()
	_, err := session.Resolve(s.ctx, s.query(pidDescriptor("pid", "$.given_name")))
	s.Require().NoError(err)

	s.now = s.now.Add(48 * time.Hour)
	_, err = session.Consent(s.ctx)
	s.True(domainerrors.HasCode(err, domainerrors.CodeSigningFailure))
	s.False(domainerrors.IsRetryable(err))
	s.ErrorIs(err, cryptoprovider.ErrAttestationExpired)
}

func (s *EngineSuite) TestDeterministicMatching() {
	s.addPID("pid-a", pidClaims("Erika"), s.factory, document.KeyTypeP256)
	s.addPID("pid-b", pidClaims("Anna"), s.factory, document.KeyTypeP256)
	q := s.query(pidDescriptor("pid", "$.given_name", "$.address.locality"))

	run := func() (string, []string, []string) {
		session := s.engine.NewSession()
		result, err := session.Resolve(s.ctx, q)
		s.Require().NoError(err)
		d := result.(*presentation.Matched).Descriptors[0]
		var alternatives, fields []string
		for _, c := range d.Alternatives {
			alternatives = append(alternatives, c.Document.ID())
		}
		for _, f := range d.Fields {
			fields = append(fields, string(f.Field.Name))
		}
		return d.Document.ID(), alternatives, fields
	}

	first, alternatives, fields := run()
	s.Equal("pid-a", first)
	s.Equal([]string{"pid-a", "pid-b"}, alternatives)
	s.Equal([]string{"address.locality", "given_name"}, fields)

	again, alternativesAgain, fieldsAgain := run()
	s.Equal(first, again)
	s.Equal(alternatives, alternativesAgain)
	s.Equal(fields, fieldsAgain)
}

func (s *EngineSuite) TestConsentSelection() {
	s.addPID("pid-a", pidClaims("Erika"), s.factory, document.KeyTypeP256)
	s.addPID("pid-b", pidClaims("Anna"), s.factory, document.KeyTypeP256)

	desc := pidDescriptor("pid", "$.given_name")
	desc.Constraints.Fields = append(desc.Constraints.Fields,
		document.PathField{Path: []string{"$.address.locality"}, Optional: true},
		document.PathField{Path: []string{"$.not_held"}, Optional: true},
	)

	session := s.engine.NewSession()
	_, err := session.Resolve(s.ctx, s.query(desc))
	s.Require().NoError(err)

	s.Require().NoError(session.Choose("pid", "pid-b"))
	s.True(domainerrors.HasCode(session.Choose("pid", "unknown"), domainerrors.CodeMalformedInput))
	s.True(domainerrors.HasCode(session.Choose("other", "pid-a"), domainerrors.CodeMalformedInput))

	err = session.SetChecked("pid", "$.given_name", false)
	s.ErrorIs(err, document.ErrMandatoryField)
	s.Require().NoError(session.SetChecked("pid", "$['address']['locality']", false))
	s.Error(session.SetChecked("pid", "$.family_name", false), "not part of the descriptor")

	resp, err := session.Consent(s.ctx)
	s.Require().NoError(err)
	cred, names := disclosedNames(s, resp.VPToken[0])
	s.Equal([]string{"given_name"}, names)
	s.Equal("Anna", cred.Claims["given_name"])

	s.Error(session.SetChecked("pid", "$.given_name", true), "selection is frozen after consent")
}

func (s *EngineSuite) TestCancelBeforeConsent() {
	s.addPID("pid-1", pidClaims("Erika"), s.factory, document.KeyTypeP256)

	session := s.engine.NewSession()
	_, err := session.Resolve(s.ctx, s.query(pidDescriptor("pid", "$.given_name")))
	s.Require().NoError(err)

	session.Cancel()
	s.Equal(presentation.StateFailed, session.State())
	s.True(domainerrors.HasCode(session.Err(), domainerrors.CodeUserCancelled))

	resp, err := session.Consent(s.ctx)
	s.Nil(resp)
	s.True(domainerrors.HasCode(err, domainerrors.CodeUserCancelled))

	session.Cancel()
	s.True(domainerrors.HasCode(session.Err(), domainerrors.CodeUserCancelled))
}

func (s *EngineSuite) TestCancelDuringBuilding() {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/sign") {
			entered <- struct{}{}
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		s.custody.Router().ServeHTTP(w, r)
	}))
	defer slow.Close()
	defer close(release)

	remote, err := cryptoprovider.NewRemoteProvider(slow.URL, cryptoprovider.WithHTTPClient(slow.Client()))
	s.Require().NoError(err)
	factory := cryptoprovider.NewFactory(cryptoprovider.WithProvider(remote, document.KeyTypeP384))
	s.addPID("pid-slow", pidClaims("Erika"), factory, document.KeyTypeP384)

	session := s.newEngine(factory).NewSession()
	_, err = session.Resolve(s.ctx, s.query(pidDescriptor("pid", "$.given_name")))
	s.Require().NoError(err)

	type outcome struct {
		resp *presentation.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := session.Consent(s.ctx)
		done <- outcome{resp, err}
	}()

	<-entered
	s.Equal(presentation.StateBuilding, session.State())
	session.Cancel()

	got := <-done
	s.Nil(got.resp, "no partial output after cancel")
	s.True(domainerrors.HasCode(got.err, domainerrors.CodeUserCancelled))
	s.Equal(presentation.StateFailed, session.State())
}

func (s *EngineSuite) TestProximity() {
	s.addMDL("mdl-1", s.now.Add(time.Hour))
	s.addPID("pid-1", pidClaims("Erika"), s.factory, document.KeyTypeP256)

	readerRoot, err := cryptoroot.NewRootAuthority("Reader Root")
	s.Require().NoError(err)
	readerKey, readerChain, err := readerRoot.IssueLeaf("Reader", cryptoroot.UsageReaderAuth)
	s.Require().NoError(err)
	readerSigner, err := cose.NewSigner(cose.AlgorithmES256, readerKey)
	s.Require().NoError(err)

	transcript, err := mdoc.Marshal([]interface{}{nil, nil, []interface{}{"proximity"}})
	s.Require().NoError(err)
	dr, err := mdoc.NewDocRequest(mdoc.ItemsRequest{
		DocType: document.IsoMDL,
		NameSpaces: map[mdoc.NameSpace]mdoc.DataElements{
			document.ISO1801351: {document.IsoFamilyName: true, "age_over_21": false},
		},
	})
	s.Require().NoError(err)
	s.Require().NoError(dr.SignReaderAuth(readerSigner, readerChain[:len(readerChain)-1], transcript))
	dr.ReaderAuth.Signature[0] ^= 0xff
	data, err := mdoc.NewDeviceRequest(dr).Encode()
	s.Require().NoError(err)

	parsed, err := mdoc.ParseDeviceRequest(s.ctx, data, transcript)
	s.Require().NoError(err, "a broken reader signature does not fail parsing")
	s.False(parsed.ReaderAuthenticated())

	q, err := presentation.QueryFromDeviceRequest(parsed, transcript)
	s.Require().NoError(err)
	session := s.engine.NewSession()
	_, err = session.Resolve(s.ctx, q)
	s.Require().NoError(err)

	resp, err := session.Consent(s.ctx)
	s.Require().NoError(err)
	s.Empty(resp.VPToken)
	s.Require().NotEmpty(resp.DeviceResponse)

	decoded, err := mdoc.ParseDeviceResponse(resp.DeviceResponse)
	s.Require().NoError(err)
	s.Require().Len(decoded.Documents, 1)
	s.NoError(mdoc.NewVerifier(pki.NewValidator(), s.issuer.Anchors()).Verify(s.ctx, decoded.Documents[0], transcript))
	value, err := decoded.Documents[0].GetElementValue(document.ISO1801351, document.IsoFamilyName)
	s.Require().NoError(err)
	s.Equal("Mustermann", value)
}

func (s *EngineSuite) TestProximityRejectsSDJWT() {
	s.addPID("pid-1", pidClaims("Erika"), s.factory, document.KeyTypeP256)
	transcript, err := mdoc.Marshal([]interface{}{nil, nil, []interface{}{"proximity"}})
	s.Require().NoError(err)

	session := s.engine.NewSession()
	_, err = session.Resolve(s.ctx, presentation.Query{
		Protocol:          presentation.ProtocolDeviceRequest,
		Definition:        document.PresentationDefinition{ID: "pd", InputDescriptors: []document.InputDescriptor{pidDescriptor("pid", "$.given_name")}},
		SessionTranscript: transcript,
	})
	s.True(domainerrors.HasCode(err, domainerrors.CodeUnsupportedRequest))
	s.Equal(presentation.StateFailed, session.State())
}

func (s *EngineSuite) TestExpiredDocumentIsSkipped() {
	s.addMDL("mdl-old", s.now.Add(-time.Hour))
	s.addMDL("mdl-new", s.now.Add(time.Hour))

	session := s.engine.NewSession()
	result, err := session.Resolve(s.ctx, s.query(mdlDescriptor("$['org.iso.18013.5.1']['family_name']")))
	s.Require().NoError(err)
	d := result.(*presentation.Matched).Descriptors[0]
	s.Equal("mdl-new", d.Document.ID())
	s.Len(d.Alternatives, 1)
}

func (s *EngineSuite) TestRemovedDocumentFailsBuild() {
	s.addPID("pid-1", pidClaims("Erika"), s.factory, document.KeyTypeP256)

	session := s.engine.NewSession()
	_, err := session.Resolve(s.ctx, s.query(pidDescriptor("pid", "$.given_name")))
	s.Require().NoError(err)
	s.Require().True(s.repo.Remove("pid-1"))

	_, err = session.Consent(s.ctx)
	s.True(domainerrors.HasCode(err, domainerrors.CodeNoMatch))
}

func (s *EngineSuite) TestResolveTwiceIsRejected() {
	s.addPID("pid-1", pidClaims("Erika"), s.factory, document.KeyTypeP256)
	session := s.engine.NewSession()
	q := s.query(pidDescriptor("pid", "$.given_name"))
	_, err := session.Resolve(s.ctx, q)
	s.Require().NoError(err)

	_, err = session.Resolve(s.ctx, q)
	s.ErrorIs(err, presentation.ErrInvalidTransition)
	s.Equal(presentation.StateAwaitingConsent, session.State())
}

// readerRequest encodes an mdl DeviceRequest signed by a reader certified
// under readerRoot.
func (s *EngineSuite) readerRequest(readerRoot *cryptoroot.Authority, transcript []byte) []byte {
	readerKey, readerChain, err := readerRoot.IssueLeaf("Reader", cryptoroot.UsageReaderAuth)
	s.Require().NoError(err)
	readerSigner, err := cose.NewSigner(cose.AlgorithmES256, readerKey)
	s.Require().NoError(err)
	dr, err := mdoc.NewDocRequest(mdoc.ItemsRequest{
		DocType: document.IsoMDL,
		NameSpaces: map[mdoc.NameSpace]mdoc.DataElements{
			document.ISO1801351: {document.IsoFamilyName: false},
		},
	})
	s.Require().NoError(err)
	s.Require().NoError(dr.SignReaderAuth(readerSigner, readerChain[:len(readerChain)-1], transcript))
	data, err := mdoc.NewDeviceRequest(dr).Encode()
	s.Require().NoError(err)
	return data
}

func (s *EngineSuite) TestProximityReaderTrust() {
	s.addMDL("mdl-1", s.now.Add(time.Hour))
	readerRoot, err := cryptoroot.NewRootAuthority("Reader Root")
	s.Require().NoError(err)
	otherRoot, err := cryptoroot.NewRootAuthority("Other Reader Root")
	s.Require().NoError(err)
	transcript, err := mdoc.Marshal([]interface{}{nil, nil, []interface{}{"proximity"}})
	s.Require().NoError(err)
	data := s.readerRequest(readerRoot, transcript)
	strict := s.newEngine(s.factory, presentation.WithTrustedRequesterRequired())

	tests := []struct {
		name    string
		anchors []*x509.Certificate
		trusted bool
	}{
		{name: "untrusted reader", anchors: []*x509.Certificate{otherRoot.Certificate}},
		{name: "no anchors configured"},
		{name: "trusted reader", anchors: []*x509.Certificate{readerRoot.Certificate}, trusted: true},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			var opts []mdoc.ParseOption
			if tt.anchors != nil {
				opts = append(opts, mdoc.WithReaderTrust(pki.NewValidator(), tt.anchors, false))
			}
			parsed, err := mdoc.ParseDeviceRequest(s.ctx, data, transcript, opts...)
			s.Require().NoError(err)
			q, err := presentation.QueryFromDeviceRequest(parsed, transcript)
			s.Require().NoError(err)
			s.True(q.Requester.Authenticated)
			s.Equal(tt.trusted, q.Requester.Trusted)
			s.Equal("Reader", q.Requester.Chain[0].Subject.CommonName)

			lenient := s.engine.NewSession()
			_, err = lenient.Resolve(s.ctx, q)
			s.NoError(err)

			session := strict.NewSession()
			_, err = session.Resolve(s.ctx, q)
			if tt.trusted {
				s.NoError(err)
				s.Equal(presentation.StateAwaitingConsent, session.State())
				return
			}
			s.True(domainerrors.HasCode(err, domainerrors.CodeTrustFailure))
			s.Equal(presentation.StateFailed, session.State())
			s.True(domainerrors.HasCode(session.Err(), domainerrors.CodeTrustFailure))
		})
	}
}

func (s *EngineSuite) TestRequestObjectTrust() {
	s.addPID("pid-1", pidClaims("Erika"), s.factory, document.KeyTypeP256)
	verifierRoot, err := cryptoroot.NewRootAuthority("Verifier Root")
	s.Require().NoError(err)
	otherRoot, err := cryptoroot.NewRootAuthority("Other Verifier Root")
	s.Require().NoError(err)
	key, chain, err := verifierRoot.IssueLeaf("Verifier", cryptoroot.UsageReaderAuth, cryptoroot.WithDNSNames(verifierID))
	s.Require().NoError(err)

	ro := &openid4vp.RequestObject{AuthorizationRequest: openid4vp.AuthorizationRequest{
		ClientID:       verifierID,
		ClientIDScheme: openid4vp.ClientIDSchemeX509SanDNS,
		ResponseType:   openid4vp.ResponseTypeVPToken,
		ResponseMode:   openid4vp.ResponseModeDirectPost,
		ResponseURI:    responseURI,
		Nonce:          nonce,
		PresentationDefinition: &document.PresentationDefinition{
			ID:               "pd-jar",
			InputDescriptors: []document.InputDescriptor{pidDescriptor("pid", "$.given_name")},
		},
	}}
	token, err := ro.Sign(key, chain[:len(chain)-1])
	s.Require().NoError(err)
	strict := s.newEngine(s.factory, presentation.WithTrustedRequesterRequired())

	s.Run("chain outside the anchors", func() {
		_, err := presentation.QueryFromRequestObject(s.ctx, token,
			openid4vp.WithVerifierTrust(pki.NewValidator(), []*x509.Certificate{otherRoot.Certificate}, false))
		s.ErrorIs(err, openid4vp.ErrUntrustedVerifier)
		s.True(domainerrors.HasCode(err, domainerrors.CodeTrustFailure))
	})

	s.Run("signed but not checked against anchors", func() {
		q, err := presentation.QueryFromRequestObject(s.ctx, token)
		s.Require().NoError(err)
		s.True(q.Requester.Authenticated)
		s.False(q.Requester.Trusted)
		s.NotEmpty(q.SessionTranscript)

		session := strict.NewSession()
		_, err = session.Resolve(s.ctx, q)
		s.True(domainerrors.HasCode(err, domainerrors.CodeTrustFailure))
		s.Equal(presentation.StateFailed, session.State())
	})

	s.Run("unsigned request", func() {
		session := strict.NewSession()
		_, err := session.Resolve(s.ctx, s.query(pidDescriptor("pid", "$.given_name")))
		s.True(domainerrors.HasCode(err, domainerrors.CodeTrustFailure))
	})

	s.Run("trusted verifier", func() {
		q, err := presentation.QueryFromRequestObject(s.ctx, token,
			openid4vp.WithVerifierTrust(pki.NewValidator(), []*x509.Certificate{verifierRoot.Certificate}, false))
		s.Require().NoError(err)
		s.True(q.Requester.Trusted)
		s.Equal("Verifier", q.Requester.Chain[0].Subject.CommonName)

		session := strict.NewSession()
		_, err = session.Resolve(s.ctx, q)
		s.Require().NoError(err)
		resp, err := session.Consent(s.ctx)
		s.Require().NoError(err)
		s.Len(resp.VPToken, 1)
	})

	s.Run("tampered token", func() {
		_, err := presentation.QueryFromRequestObject(s.ctx, token[:len(token)-4]+"AAAA")
		s.ErrorIs(err, openid4vp.ErrInvalidRequest)
		s.True(domainerrors.HasCode(err, domainerrors.CodeMalformedInput))
	})
}

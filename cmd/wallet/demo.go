package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-wallet/cryptoprovider"
	"github.com/kokukuma/mdoc-wallet/document"
	"github.com/kokukuma/mdoc-wallet/internal/cryptoroot"
	"github.com/kokukuma/mdoc-wallet/internal/fixtures"
	"github.com/kokukuma/mdoc-wallet/internal/metrics"
	"github.com/kokukuma/mdoc-wallet/internal/store"
	"github.com/kokukuma/mdoc-wallet/mdoc"
	"github.com/kokukuma/mdoc-wallet/openid4vp"
	"github.com/kokukuma/mdoc-wallet/pkg/pki"
	"github.com/kokukuma/mdoc-wallet/presentation"
	"github.com/kokukuma/mdoc-wallet/session_transcript"
)

var (
	demoProximity bool
	demoOmit      []string
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Present freshly issued credentials to an in-process verifier",
	Long: `demo issues a PID (SD-JWT) and an mDL (mdoc) to a throwaway wallet and
presents them. By default an OpenID4VP verifier is started on a loopback
port; --proximity answers an ISO 18013-5 DeviceRequest instead. When
--custody-url is set the PID key is held by that custody service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		w, err := newDemoWallet(ctx, cfg.CustodyURL)
		if err != nil {
			return err
		}
		if demoProximity {
			return w.presentProximity(ctx, cmd.OutOrStdout(), demoOmit)
		}
		return w.presentOpenID4VP(ctx, cmd.OutOrStdout(), demoOmit)
	},
}

func init() {
	demoCmd.Flags().BoolVar(&demoProximity, "proximity", false, "answer an ISO 18013-5 DeviceRequest")
	demoCmd.Flags().StringSliceVar(&demoOmit, "omit", nil, "optional fields to deselect before consenting, as descriptor:path")
	rootCmd.AddCommand(demoCmd)
}

type demoWallet struct {
	issuer  *fixtures.Issuer
	factory *cryptoprovider.Factory
	repo    *store.Documents
	engine  *presentation.Engine
	now     time.Time
}

func newDemoWallet(ctx context.Context, custodyURL string) (*demoWallet, error) {
	issuer, err := fixtures.NewIssuer("Demo Issuer")
	if err != nil {
		return nil, err
	}
	attester, attestationRoot, err := cryptoprovider.NewDevelopmentAttester()
	if err != nil {
		return nil, err
	}

	pidKeyType := document.KeyTypeP256
	anchors := []*x509.Certificate{attestationRoot}
	opts := []cryptoprovider.FactoryOption{
		cryptoprovider.WithProvider(cryptoprovider.NewLocalProvider(attester), document.KeyTypeP256),
		cryptoprovider.WithFactoryLogger(slog.Default()),
	}
	if custodyURL != "" {
		remote, err := cryptoprovider.NewRemoteProvider(custodyURL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, cryptoprovider.WithProvider(remote, document.KeyTypeP384))
		pidKeyType = document.KeyTypeP384

		// Attestations of the custody service can only be checked when its
		// attester certificate is known.
		if cfg.AttesterCert == "" {
			anchors = nil
		} else {
			chain, err := pki.LoadCertificates(cfg.AttesterCert)
			if err != nil {
				return nil, err
			}
			anchors = append(anchors, chain[len(chain)-1])
		}
	}
	if anchors != nil {
		opts = append(opts, cryptoprovider.WithAttestationTrust(pki.NewValidator(), anchors))
	}

	d := &demoWallet{
		issuer:  issuer,
		factory: cryptoprovider.NewFactory(append(opts, cryptoprovider.WithPendingKeys(store.NewAuthorizationSessions()))...),
		repo:    store.NewDocuments(),
		now:     time.Now(),
	}
	d.engine = presentation.NewEngine(d.repo, d.factory,
		presentation.WithMetrics(metrics.New(nil)),
		presentation.WithLogger(slog.Default()),
		presentation.WithTrustedRequesterRequired(),
	)

	if err := d.addPID(ctx, "pid-1", pidKeyType); err != nil {
		return nil, err
	}
	if err := d.addMDL(ctx, "mdl-1"); err != nil {
		return nil, err
	}
	return d, nil
}

// holderKey creates a key bound to an authorization state and completes
// the authorization as the issuer's redirect would.
func (d *demoWallet) holderKey(ctx context.Context, keyType document.KeyType) (*document.KeyAttestation, *ecdsa.PublicKey, error) {
	state, ka, err := d.factory.CreateKeyForAuthorization(ctx, keyType, "demo-issuance")
	if err != nil {
		return nil, nil, err
	}
	keyID, _, err := d.factory.CompleteAuthorization(ctx, state)
	if err != nil {
		return nil, nil, err
	}
	if keyID != ka.KeyID {
		return nil, nil, fmt.Errorf("authorization %s completed key %s, want %s", state, keyID, ka.KeyID)
	}
	pub, err := ka.PublicKey()
	if err != nil {
		return nil, nil, err
	}
	return ka, pub, nil
}

func (d *demoWallet) addPID(ctx context.Context, id string, keyType document.KeyType) error {
	ka, pub, err := d.holderKey(ctx, keyType)
	if err != nil {
		return err
	}
	combined, err := d.issuer.IssueSDJWT(string(document.EudiPidSDJWT), map[string]interface{}{
		"given_name":  "Erika",
		"family_name": "Mustermann",
		"birthdate":   "1984-01-26",
		"address": map[string]interface{}{
			"locality": "Berlin",
			"country":  "DE",
		},
		"nationalities": []interface{}{"DE"},
	}, pub, d.now.AddDate(1, 0, 0))
	if err != nil {
		return err
	}
	doc, err := document.NewSDJWTDocument(id, combined, document.Attestation{ID: id, KeyAttestation: ka})
	if err != nil {
		return err
	}
	return d.repo.Add(doc)
}

func (d *demoWallet) addMDL(ctx context.Context, id string) error {
	ka, pub, err := d.holderKey(ctx, document.KeyTypeP256)
	if err != nil {
		return err
	}
	is, err := d.issuer.IssueMdoc(document.IsoMDL, []fixtures.Element{
		{NameSpace: document.ISO1801351, Identifier: document.IsoFamilyName, Value: "Mustermann"},
		{NameSpace: document.ISO1801351, Identifier: document.IsoGivenName, Value: "Erika"},
		{NameSpace: document.ISO1801351, Identifier: "age_over_18", Value: true},
		{NameSpace: document.ISO1801351, Identifier: "age_over_21", Value: true},
	}, pub, d.now.AddDate(1, 0, 0))
	if err != nil {
		return err
	}
	doc, err := document.NewMdocDocument(id, is, document.Attestation{ID: id, KeyAttestation: ka})
	if err != nil {
		return err
	}
	return d.repo.Add(doc)
}

func demoDefinition() (*document.PresentationDefinition, error) {
	pid, err := document.NewCredential("pid", document.EudiPidSDJWT, document.NoNameSpace,
		[]mdoc.ElementIdentifier{document.PidGivenName, document.PidFamilyName, document.PidLocality},
		document.WithOptional(document.PidLocality),
		document.WithPurpose("Identify the account holder"),
		document.WithAlgorithms("ES256", "ES384"),
		document.WithLimitDisclosure(document.LimitDisclosureRequired),
	)
	if err != nil {
		return nil, err
	}
	ageOver21, err := document.AgeOver(21)
	if err != nil {
		return nil, err
	}
	mdl, err := document.NewCredential("mdl", document.IsoMDL, document.ISO1801351,
		[]mdoc.ElementIdentifier{document.IsoFamilyName, ageOver21, document.IsoGivenName},
		document.WithOptional(document.IsoGivenName),
		document.WithFilter(ageOver21, document.ConstFilter("boolean", true)),
		document.WithPurpose("Age verification"),
		document.WithRetention(30),
		document.WithLimitDisclosure(document.LimitDisclosureRequired),
	)
	if err != nil {
		return nil, err
	}

	req := document.CredentialRequirement{Credentials: []document.Credential{*pid, *mdl}}
	pd := req.PresentationDefinition("demo-" + time.Now().Format("150405"))
	return &pd, nil
}

// resolve matches q and applies the --omit deselections.
func (d *demoWallet) resolve(ctx context.Context, w io.Writer, q presentation.Query, omit []string) (*presentation.Session, error) {
	session := d.engine.NewSession()
	result, err := session.Resolve(ctx, q)
	if err != nil {
		return nil, err
	}
	matched := result.(*presentation.Matched)
	for _, desc := range matched.Descriptors {
		fmt.Fprintf(w, "%s -> %s (%s)\n", desc.DescriptorID, desc.Document.ID(), desc.Format)
		for _, f := range desc.Fields {
			fmt.Fprintf(w, "  %-40s %v mandatory=%t\n", fieldPath(f.Field), f.Field.Value, f.Mandatory)
		}
	}
	for _, o := range omit {
		descriptorID, path, ok := strings.Cut(o, ":")
		if !ok {
			session.Cancel()
			return nil, fmt.Errorf("invalid --omit %q, want descriptor:path", o)
		}
		if err := session.SetChecked(descriptorID, path, false); err != nil {
			session.Cancel()
			return nil, err
		}
		fmt.Fprintf(w, "deselected %s %s\n", descriptorID, path)
	}
	return session, nil
}

func fieldPath(f document.DocumentField) string {
	if attr, ok := f.Attribute(); ok {
		return attr.Path.String()
	}
	return strings.Join(f.Path, ".")
}

func (d *demoWallet) presentOpenID4VP(ctx context.Context, w io.Writer, omit []string) error {
	verifier, err := startDemoVerifier(d.issuer, w)
	if err != nil {
		return err
	}
	defer verifier.Close()

	client := &http.Client{Timeout: 10 * time.Second}
	authz, err := openid4vp.ParseAuthorizeURL(verifier.AuthorizeURL())
	if err != nil {
		return err
	}
	token, err := authz.FetchRequestObject(ctx, client)
	if err != nil {
		return err
	}
	q, err := presentation.QueryFromRequestObject(ctx, token,
		openid4vp.WithVerifierTrust(pki.NewValidator(), verifier.Anchors(), false))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "request from %s, definition %s\n", q.Requester.Chain[0].Subject.CommonName, q.Definition.ID)

	session, err := d.resolve(ctx, w, q, omit)
	if err != nil {
		return err
	}
	resp, err := session.Consent(ctx)
	if err != nil {
		return err
	}

	result, err := openid4vp.Submit(ctx, client, q.ResponseURI, resp.AuthorizationResponse(q.State))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "accepted, redirect_uri=%s\n", result.RedirectURI)
	return nil
}

func (d *demoWallet) presentProximity(ctx context.Context, w io.Writer, omit []string) error {
	readerRoot, err := cryptoroot.NewRootAuthority("Demo Reader Root")
	if err != nil {
		return err
	}
	readerKey, readerChain, err := readerRoot.IssueLeaf("Demo Reader", cryptoroot.UsageReaderAuth)
	if err != nil {
		return err
	}
	readerSigner, err := cose.NewSigner(cose.AlgorithmES256, readerKey)
	if err != nil {
		return err
	}

	nonce, err := openid4vp.CreateNonce()
	if err != nil {
		return err
	}
	transcript, err := session_transcript.AndroidHandoverV1(nonce, "org.example.wallet", []byte("demo-reader"))
	if err != nil {
		return err
	}

	dr, err := mdoc.NewDocRequest(mdoc.ItemsRequest{
		DocType: document.IsoMDL,
		NameSpaces: map[mdoc.NameSpace]mdoc.DataElements{
			document.ISO1801351: {document.IsoFamilyName: false, "age_over_18": false, document.IsoGivenName: false},
		},
	})
	if err != nil {
		return err
	}
	if err := dr.SignReaderAuth(readerSigner, readerChain[:len(readerChain)-1], transcript); err != nil {
		return err
	}
	data, err := mdoc.NewDeviceRequest(dr).Encode()
	if err != nil {
		return err
	}

	parsed, err := mdoc.ParseDeviceRequest(ctx, data, transcript,
		mdoc.WithReaderTrust(pki.NewValidator(), []*x509.Certificate{readerRoot.Certificate}, false),
		mdoc.WithParseLogger(slog.Default()))
	if err != nil {
		return err
	}
	q, err := presentation.QueryFromDeviceRequest(parsed, transcript)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "reader authenticated=%t trusted=%t\n", q.Requester.Authenticated, q.Requester.Trusted)
	session, err := d.resolve(ctx, w, q, omit)
	if err != nil {
		return err
	}
	resp, err := session.Consent(ctx)
	if err != nil {
		return err
	}

	decoded, err := mdoc.ParseDeviceResponse(resp.DeviceResponse)
	if err != nil {
		return err
	}
	verifier := mdoc.NewVerifier(pki.NewValidator(), d.issuer.Anchors(), mdoc.WithCheckRevocation(false))
	for _, doc := range decoded.Documents {
		if err := verifier.Verify(ctx, doc, transcript); err != nil {
			return fmt.Errorf("%s: %w", doc.DocType, err)
		}
	}
	fmt.Fprintf(w, "DeviceResponse verified, %d bytes, %d document(s)\n", len(resp.DeviceResponse), len(decoded.Documents))
	return nil
}

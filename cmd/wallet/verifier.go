package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/kokukuma/mdoc-wallet/document"
	"github.com/kokukuma/mdoc-wallet/internal/cryptoroot"
	"github.com/kokukuma/mdoc-wallet/internal/fixtures"
	"github.com/kokukuma/mdoc-wallet/mdoc"
	"github.com/kokukuma/mdoc-wallet/openid4vp"
	"github.com/kokukuma/mdoc-wallet/pkg/pki"
	"github.com/kokukuma/mdoc-wallet/sdjwt"
)

const demoVerifierHost = "verifier.example.com"

// demoVerifier is a relying party on a loopback port. It hands out one
// signed request object and checks the direct_post answer to it.
type demoVerifier struct {
	issuer *fixtures.Issuer
	out    io.Writer

	root  *cryptoroot.Authority
	key   *ecdsa.PrivateKey
	chain []*x509.Certificate

	listener net.Listener
	server   *http.Server
	baseURL  string

	mu      sync.Mutex
	request *openid4vp.AuthorizationRequest
}

func startDemoVerifier(issuer *fixtures.Issuer, out io.Writer) (*demoVerifier, error) {
	root, err := cryptoroot.NewRootAuthority("Demo Verifier Root")
	if err != nil {
		return nil, err
	}
	key, chain, err := root.IssueLeaf("Demo Verifier", cryptoroot.UsageReaderAuth, cryptoroot.WithDNSNames(demoVerifierHost))
	if err != nil {
		return nil, err
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	v := &demoVerifier{
		issuer:   issuer,
		out:      out,
		root:     root,
		key:      key,
		chain:    chain,
		listener: l,
		baseURL:  "http://" + l.Addr().String(),
	}
	r := mux.NewRouter()
	r.HandleFunc("/request.jwt", v.RequestJWT).Methods("GET")
	r.HandleFunc("/direct_post", v.DirectPost).Methods("POST")
	v.server = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go v.server.Serve(l)
	return v, nil
}

func (v *demoVerifier) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return v.server.Shutdown(ctx)
}

func (v *demoVerifier) Anchors() []*x509.Certificate {
	return []*x509.Certificate{v.root.Certificate}
}

func (v *demoVerifier) AuthorizeURL() string {
	return (&openid4vp.JWTSecuredAuthorizeRequest{
		AuthorizeEndpoint: "openid4vp://",
		ClientID:          demoVerifierHost,
		RequestURI:        v.baseURL + "/request.jwt",
	}).String()
}

func (v *demoVerifier) RequestJWT(w http.ResponseWriter, r *http.Request) {
	nonce, err := openid4vp.CreateNonce()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	definition, err := demoDefinition()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req := openid4vp.AuthorizationRequest{
		ClientID:               demoVerifierHost,
		ClientIDScheme:         openid4vp.ClientIDSchemeX509SanDNS,
		ResponseType:           openid4vp.ResponseTypeVPToken,
		ResponseMode:           openid4vp.ResponseModeDirectPost,
		ResponseURI:            v.baseURL + "/direct_post",
		Nonce:                  nonce.String(),
		State:                  strconv.FormatInt(time.Now().UnixNano(), 36),
		PresentationDefinition: definition,
	}
	token, err := (&openid4vp.RequestObject{AuthorizationRequest: req}).Sign(v.key, v.chain[:len(v.chain)-1])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	v.mu.Lock()
	v.request = &req
	v.mu.Unlock()

	w.Header().Set("Content-Type", "application/"+openid4vp.RequestObjectType)
	fmt.Fprint(w, token)
}

func (v *demoVerifier) DirectPost(w http.ResponseWriter, r *http.Request) {
	resp, err := openid4vp.ParseDirectPost(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	v.mu.Lock()
	req := v.request
	v.request = nil
	v.mu.Unlock()
	if req == nil || resp.State != req.State {
		http.Error(w, "unknown state", http.StatusBadRequest)
		return
	}

	if err := v.verify(r.Context(), req, resp); err != nil {
		fmt.Fprintf(v.out, "verifier: rejected: %v\n", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(openid4vp.SubmitResult{RedirectURI: v.baseURL + "/done?state=" + url.QueryEscape(req.State)})
}

func (v *demoVerifier) verify(ctx context.Context, req *openid4vp.AuthorizationRequest, resp *openid4vp.AuthorizationResponse) error {
	if resp.PresentationSubmission.DefinitionID != req.PresentationDefinition.ID {
		return fmt.Errorf("submission answers definition %s", resp.PresentationSubmission.DefinitionID)
	}
	// The transcript needs the wallet's mdocGeneratedNonce, which only an
	// encrypted response carries; device signatures are not checked here.
	mdocVerifier := mdoc.NewVerifier(pki.NewValidator(), v.issuer.Anchors(),
		mdoc.WithCheckRevocation(false), mdoc.SkipVerifyDeviceSigned())

	for _, entry := range resp.PresentationSubmission.DescriptorMap {
		token, err := tokenAt(resp.VPToken, entry.Path)
		if err != nil {
			return err
		}
		switch entry.Format {
		case document.CredentialTypeMDOC:
			dr, err := openid4vp.ParseDeviceResponse(token)
			if err != nil {
				return err
			}
			for _, doc := range dr.Documents {
				if err := mdocVerifier.Verify(ctx, doc, nil); err != nil {
					return fmt.Errorf("%s: %w", entry.ID, err)
				}
				for _, ns := range doc.IssuerSigned.GetNameSpaces() {
					items, err := doc.IssuerSigned.GetIssuerSignedItems(ns)
					if err != nil {
						return err
					}
					for _, item := range items {
						fmt.Fprintf(v.out, "verifier: %s %s/%s = %v\n", entry.ID, ns, item.ElementIdentifier, item.ElementValue)
					}
				}
			}
		default:
			cred, err := sdjwt.Parse(token)
			if err != nil {
				return err
			}
			if err := cred.VerifyIssuer(&v.issuer.Key.PublicKey); err != nil {
				return fmt.Errorf("%s: %w", entry.ID, err)
			}
			holder, err := cred.HolderKey()
			if err != nil {
				return err
			}
			if err := cred.VerifyKeyBinding(holder, req.ClientID, req.Nonce); err != nil {
				return fmt.Errorf("%s: %w", entry.ID, err)
			}
			for _, d := range cred.Disclosures {
				if !d.IsArrayElement() {
					fmt.Fprintf(v.out, "verifier: %s %s = %v\n", entry.ID, d.Name, d.Value)
				}
			}
		}
	}
	return nil
}

// tokenAt resolves a descriptor map path, "$" or "$[i]", against vp.
func tokenAt(vp openid4vp.VPToken, path string) (string, error) {
	if path == "$" && len(vp) == 1 {
		return vp[0], nil
	}
	idx, ok := strings.CutPrefix(path, "$[")
	if ok {
		idx, ok = strings.CutSuffix(idx, "]")
	}
	i, err := strconv.Atoi(idx)
	if !ok || err != nil || i < 0 || i >= len(vp) {
		return "", fmt.Errorf("descriptor path %q does not address the vp_token", path)
	}
	return vp[i], nil
}

package openid4vp

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kokukuma/mdoc-wallet/internal/cryptoroot"
	"github.com/kokukuma/mdoc-wallet/pkg/pki"
)

const RequestObjectType = "oauth-authz-req+jwt"

var ErrUntrustedVerifier = errors.New("verifier certificate chain is not trusted")

type JWTSecuredAuthorizeRequest struct {
	AuthorizeEndpoint string
	ClientID          string `json:"client_id"`
	RequestURI        string `json:"request_uri"`
}

func (a *JWTSecuredAuthorizeRequest) String() string {
	return fmt.Sprintf(
		"%s?client_id=%s&request_uri=%s",
		a.AuthorizeEndpoint, a.ClientID, url.QueryEscape(a.RequestURI))
}

// ParseAuthorizeURL reads the by-reference request a verifier hands the
// wallet, e.g. openid4vp://?client_id=...&request_uri=...
func ParseAuthorizeURL(raw string) (*JWTSecuredAuthorizeRequest, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	q := u.Query()
	req := &JWTSecuredAuthorizeRequest{
		AuthorizeEndpoint: strings.TrimSuffix(raw, "?"+u.RawQuery),
		ClientID:          q.Get("client_id"),
		RequestURI:        q.Get("request_uri"),
	}
	if req.ClientID == "" || req.RequestURI == "" {
		return nil, fmt.Errorf("%w: client_id and request_uri are required", ErrInvalidRequest)
	}
	return req, nil
}

// FetchRequestObject dereferences request_uri.
func (a *JWTSecuredAuthorizeRequest) FetchRequestObject(ctx context.Context, client *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.RequestURI, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/"+RequestObjectType)
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch request object: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch request object: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// RequestObject is the signed form of an AuthorizationRequest. Parsing a
// RequestObject also runs AuthorizationRequest.Validate.
type RequestObject struct {
	AuthorizationRequest
	jwt.RegisteredClaims
}

func (c *RequestObject) Sign(sigKey *ecdsa.PrivateKey, certChain []*x509.Certificate) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, c)
	token.Header["x5c"] = cryptoroot.X5C(certChain)
	token.Header["typ"] = RequestObjectType
	token.Header["kid"] = base64.RawURLEncoding.EncodeToString(cryptoroot.CalcKID(&sigKey.PublicKey, "sha256"))

	return token.SignedString(sigKey)
}

// TrustValidator evaluates a certificate chain against trust anchors.
type TrustValidator interface {
	Validate(ctx context.Context, chain, trustAnchors []*x509.Certificate, checkRevocation bool) (bool, error)
}

type requestObjectConfig struct {
	validator       TrustValidator
	anchors         []*x509.Certificate
	checkRevocation bool
}

type RequestObjectOption func(*requestObjectConfig)

// WithVerifierTrust requires the x5c chain of the request object to lead to
// one of anchors.
func WithVerifierTrust(v TrustValidator, anchors []*x509.Certificate, checkRevocation bool) RequestObjectOption {
	return func(c *requestObjectConfig) {
		c.validator = v
		c.anchors = anchors
		c.checkRevocation = checkRevocation
	}
}

// VerifiedRequest is a request object whose signature has been checked.
type VerifiedRequest struct {
	Request *AuthorizationRequest
	Chain   []*x509.Certificate
	// Trusted is set when the chain was validated against trust anchors.
	// Without WithVerifierTrust the verifier is authenticated but not
	// trusted.
	Trusted bool
}

// ParseRequestObject verifies a request object signed with the leaf of its
// x5c header and returns the request with the verifier's chain.
func ParseRequestObject(ctx context.Context, token string, opts ...RequestObjectOption) (*AuthorizationRequest, []*x509.Certificate, error) {
	v, err := VerifyRequestObject(ctx, token, opts...)
	if err != nil {
		return nil, nil, err
	}
	return v.Request, v.Chain, nil
}

// VerifyRequestObject is ParseRequestObject reporting whether the verifier
// chain was found trusted.
func VerifyRequestObject(ctx context.Context, token string, opts ...RequestObjectOption) (*VerifiedRequest, error) {
	cfg := &requestObjectConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	var chain []*x509.Certificate
	claims := &RequestObject{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if typ, _ := t.Header["typ"].(string); typ != RequestObjectType {
			return nil, fmt.Errorf("unexpected typ %q", typ)
		}
		var err error
		chain, err = pki.ParseX5C(t.Header["x5c"])
		if err != nil {
			return nil, err
		}
		return chain[0].PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256", "ES384", "ES512"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if cfg.validator != nil {
		trusted, err := cfg.validator.Validate(ctx, chain, cfg.anchors, cfg.checkRevocation)
		if err != nil {
			return nil, err
		}
		if !trusted {
			return nil, ErrUntrustedVerifier
		}
	}

	req := claims.AuthorizationRequest
	if err := checkClientID(&req, chain[0]); err != nil {
		return nil, err
	}
	return &VerifiedRequest{Request: &req, Chain: chain, Trusted: cfg.validator != nil}, nil
}

// checkClientID binds an x509_san_dns client_id to the signing certificate.
func checkClientID(req *AuthorizationRequest, leaf *x509.Certificate) error {
	clientID := req.ClientID
	scheme := req.ClientIDScheme
	if prefixed, ok := strings.CutPrefix(clientID, ClientIDSchemeX509SanDNS+":"); ok {
		clientID, scheme = prefixed, ClientIDSchemeX509SanDNS
	}
	if scheme != ClientIDSchemeX509SanDNS {
		return nil
	}
	if err := leaf.VerifyHostname(clientID); err != nil {
		return fmt.Errorf("%w: client_id %q: %v", ErrUntrustedVerifier, clientID, err)
	}
	return nil
}

// Package sdjwt reads SD-JWT credentials and builds holder presentations
// with a key binding JWT.
package sdjwt

import (
	"crypto"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kokukuma/mdoc-wallet/pkg/hash"
)

const (
	separator = "~"

	KeyBindingType = "kb+jwt"
)

var (
	ErrMalformed     = errors.New("malformed sd-jwt")
	ErrKeyBinding    = errors.New("key binding verification failed")
	ErrNoKeyBinding  = errors.New("presentation has no key binding jwt")
	ErrSignerMissing = errors.New("no key binding signer")
)

// Credential is a parsed SD-JWT: the issuer JWT, its disclosures in issuer
// order and the payload with every disclosure substituted in.
type Credential struct {
	IssuerJWT   string
	Disclosures []Disclosure
	Claims      map[string]interface{}
	HashAlg     string

	// KeyBinding is set when the parsed string was a presentation.
	KeyBinding string
}

// Parse reads <issuer-jwt>~<disclosure>~...~[<kb-jwt>].
func Parse(combined string) (*Credential, error) {
	parts := strings.Split(combined, separator)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: no separator", ErrMalformed)
	}

	c := &Credential{IssuerJWT: parts[0], KeyBinding: parts[len(parts)-1]}

	token, _, err := jwt.NewParser().ParseUnverified(c.IssuerJWT, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: issuer jwt: %v", ErrMalformed, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type %T", ErrMalformed, token.Claims)
	}
	c.Claims = claims

	c.HashAlg = DefaultHashAlgorithm
	if alg, ok := claims[sdAlgKey].(string); ok {
		c.HashAlg = alg
	}
	delete(c.Claims, sdAlgKey)

	r := &resolver{byDigest: map[string]*Disclosure{}, used: map[string]bool{}}
	for _, raw := range parts[1 : len(parts)-1] {
		if raw == "" {
			return nil, fmt.Errorf("%w: empty disclosure", ErrMalformed)
		}
		d, err := decodeDisclosure(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		c.Disclosures = append(c.Disclosures, *d)
	}
	for i := range c.Disclosures {
		d := &c.Disclosures[i]
		digest, err := d.Digest(c.HashAlg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if _, dup := r.byDigest[digest]; dup {
			return nil, fmt.Errorf("%w: duplicate disclosure", ErrMalformed)
		}
		r.byDigest[digest] = d
	}

	if err := r.object(c.Claims, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(r.used) != len(c.Disclosures) {
		return nil, fmt.Errorf("%w: %d disclosures not referenced by the issuer jwt", ErrMalformed, len(c.Disclosures)-len(r.used))
	}
	return c, nil
}

// VerifyIssuer checks the issuer JWT signature.
func (c *Credential) VerifyIssuer(key crypto.PublicKey) error {
	_, err := jwt.Parse(c.IssuerJWT, func(*jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{"ES256", "ES384", "ES512"}))
	return err
}

// HolderKey is the key the credential is bound to, read from cnf.jwk.
func (c *Credential) HolderKey() (*ecdsa.PublicKey, error) {
	cnf, _ := c.Claims["cnf"].(map[string]interface{})
	raw, ok := cnf["jwk"]
	if !ok {
		return nil, fmt.Errorf("%w: no cnf.jwk", ErrMalformed)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("%w: cnf.jwk: %v", ErrMalformed, err)
	}
	pub, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: cnf.jwk is %T, not an EC public key", ErrMalformed, jwk.Key)
	}
	return pub, nil
}

// Expiry returns the exp claim, or the zero time when there is none.
func (c *Credential) Expiry() time.Time {
	exp, err := jwt.MapClaims(c.Claims).GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// Filter returns the disclosures needed to reveal the claims at paths, in
// issuer order. A disclosure is kept when it lies on the way to a selected
// claim or inside one.
func (c *Credential) Filter(paths [][]string) []Disclosure {
	var out []Disclosure
	for _, d := range c.Disclosures {
		for _, p := range paths {
			if len(p) == 0 {
				continue
			}
			if isPrefix(d.Path, p) || isPrefix(p, d.Path) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// Serialize renders the combined format. kb may be empty.
func Serialize(issuerJWT string, disclosures []Disclosure, kb string) string {
	var b strings.Builder
	b.WriteString(issuerJWT)
	b.WriteString(separator)
	for _, d := range disclosures {
		b.WriteString(d.Raw)
		b.WriteString(separator)
	}
	b.WriteString(kb)
	return b.String()
}

type KeyBindingOptions struct {
	Audience string
	Nonce    string
	IssuedAt time.Time
}

// Present reveals the claims at paths and appends a key binding JWT signed
// by the holder key.
func (c *Credential) Present(paths [][]string, opts KeyBindingOptions, signer Signer) (string, error) {
	if signer == nil {
		return "", ErrSignerMissing
	}
	disclosed := c.Filter(paths)

	sdHash, err := c.sdHash(disclosed)
	if err != nil {
		return "", err
	}

	iat := opts.IssuedAt
	if iat.IsZero() {
		iat = time.Now()
	}
	token := jwt.NewWithClaims(&signingMethod{alg: signer.Algorithm()}, jwt.MapClaims{
		"iat":     iat.Unix(),
		"aud":     opts.Audience,
		"nonce":   opts.Nonce,
		"sd_hash": sdHash,
	})
	token.Header["typ"] = KeyBindingType

	kb, err := token.SignedString(signer)
	if err != nil {
		return "", fmt.Errorf("failed to sign key binding jwt: %w", err)
	}
	return Serialize(c.IssuerJWT, disclosed, kb), nil
}

func (c *Credential) sdHash(disclosed []Disclosure) (string, error) {
	sum, err := hash.Digest([]byte(Serialize(c.IssuerJWT, disclosed, "")), c.HashAlg)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// VerifyKeyBinding checks the key binding JWT of a parsed presentation
// against the holder key, audience and nonce.
func (c *Credential) VerifyKeyBinding(holder *ecdsa.PublicKey, audience, nonce string) error {
	if c.KeyBinding == "" {
		return ErrNoKeyBinding
	}
	token, err := jwt.Parse(c.KeyBinding, func(*jwt.Token) (interface{}, error) { return holder, nil },
		jwt.WithValidMethods([]string{"ES256", "ES384", "ES512"}),
		jwt.WithAudience(audience),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyBinding, err)
	}
	if typ, _ := token.Header["typ"].(string); typ != KeyBindingType {
		return fmt.Errorf("%w: typ %q", ErrKeyBinding, typ)
	}
	claims := token.Claims.(jwt.MapClaims)
	if got, _ := claims["nonce"].(string); got != nonce {
		return fmt.Errorf("%w: nonce mismatch", ErrKeyBinding)
	}
	want, err := c.sdHash(c.Disclosures)
	if err != nil {
		return err
	}
	if got, _ := claims["sd_hash"].(string); got != want {
		return fmt.Errorf("%w: sd_hash mismatch", ErrKeyBinding)
	}
	return nil
}

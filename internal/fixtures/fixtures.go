// Package fixtures mints credentials for tests and the demo command: mdoc
// IssuerSigned structures with their MSO, and SD-JWTs, both bound to a
// holder key and signed by a development document signer.
package fixtures

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-wallet/internal/cryptoroot"
	"github.com/kokukuma/mdoc-wallet/mdoc"
	"github.com/kokukuma/mdoc-wallet/sdjwt"
)

const digestAlgorithm = "SHA-256"

// Issuer is a document signer under its own root.
type Issuer struct {
	Root  *cryptoroot.Authority
	Key   *ecdsa.PrivateKey
	Chain []*x509.Certificate
	URL   string
}

func NewIssuer(name string) (*Issuer, error) {
	root, err := cryptoroot.NewRootAuthority(name + " Root")
	if err != nil {
		return nil, err
	}
	key, chain, err := root.IssueLeaf(name+" Document Signer", cryptoroot.UsageDocumentSigner)
	if err != nil {
		return nil, err
	}
	return &Issuer{Root: root, Key: key, Chain: chain, URL: "https://" + name + ".example"}, nil
}

// Anchors are the certificates a verifier must trust for this issuer.
func (i *Issuer) Anchors() []*x509.Certificate {
	return []*x509.Certificate{i.Root.Certificate}
}

// Element is one issuer-signed data element. Elements are signed in the
// order given.
type Element struct {
	NameSpace  mdoc.NameSpace
	Identifier mdoc.ElementIdentifier
	Value      interface{}
}

func (i *Issuer) IssueMdoc(docType mdoc.DocType, elements []Element, device *ecdsa.PublicKey, validUntil time.Time) (*mdoc.IssuerSigned, error) {
	nameSpaces := mdoc.IssuerNameSpaces{}
	digests := mdoc.ValueDigests{}
	for n, e := range elements {
		random := make([]byte, 16)
		if _, err := rand.Read(random); err != nil {
			return nil, err
		}
		item := mdoc.IssuerSignedItem{
			DigestID:          mdoc.DigestID(n),
			Random:            random,
			ElementIdentifier: e.Identifier,
			ElementValue:      e.Value,
		}
		encoded, err := mdoc.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", e.Identifier, err)
		}
		itemBytes := mdoc.IssuerSignedItemBytes(encoded)
		digest, err := itemBytes.Digest(digestAlgorithm)
		if err != nil {
			return nil, err
		}
		nameSpaces[e.NameSpace] = append(nameSpaces[e.NameSpace], itemBytes)
		if digests[e.NameSpace] == nil {
			digests[e.NameSpace] = mdoc.DigestIDs{}
		}
		digests[e.NameSpace][item.DigestID] = digest
	}

	deviceKey, err := mdoc.NewCOSEKey(device)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Second)
	mso := mdoc.MobileSecurityObject{
		Version:         "1.0",
		DigestAlgorithm: digestAlgorithm,
		ValueDigests:    digests,
		DeviceKeyInfo:   mdoc.DeviceKeyInfo{DeviceKey: deviceKey},
		DocType:         docType,
		ValidityInfo: mdoc.ValidityInfo{
			Signed:     now,
			ValidFrom:  now,
			ValidUntil: validUntil.UTC().Truncate(time.Second),
		},
	}
	payload, err := mdoc.WrapEncoded(mso)
	if err != nil {
		return nil, fmt.Errorf("failed to encode MSO: %w", err)
	}

	signer, err := cose.NewSigner(cose.AlgorithmES256, i.Key)
	if err != nil {
		return nil, err
	}
	issuerAuth := &mdoc.UntaggedSign1Message{
		Headers: cose.Headers{
			Protected:   cose.ProtectedHeader{cose.HeaderLabelAlgorithm: cose.AlgorithmES256},
			Unprotected: cose.UnprotectedHeader{cose.HeaderLabelX5Chain: mdoc.X5ChainHeader(i.signerChain())},
		},
		Payload: payload,
	}
	if err := issuerAuth.Sign(rand.Reader, nil, signer); err != nil {
		return nil, fmt.Errorf("failed to sign MSO: %w", err)
	}
	return &mdoc.IssuerSigned{NameSpaces: nameSpaces, IssuerAuth: issuerAuth}, nil
}

// signerChain leaves the root out; the verifier has it.
func (i *Issuer) signerChain() []*x509.Certificate {
	return i.Chain[:len(i.Chain)-1]
}

// IssueSDJWT conceals every subject claim, recursing into objects and
// arrays, and binds the credential to holder through cnf.jwk.
func (i *Issuer) IssueSDJWT(vct string, claims map[string]interface{}, holder *ecdsa.PublicKey, exp time.Time) (string, error) {
	cnf, err := jwkClaim(holder)
	if err != nil {
		return "", err
	}

	payload := map[string]interface{}{}
	for k, v := range claims {
		payload[k] = v
	}
	disclosures, err := concealAll(payload)
	if err != nil {
		return "", err
	}
	payload["iss"] = i.URL
	payload["iat"] = time.Now().Unix()
	payload["exp"] = exp.Unix()
	payload["vct"] = vct
	payload["cnf"] = map[string]interface{}{"jwk": cnf}
	payload["_sd_alg"] = sdjwt.DefaultHashAlgorithm

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims(payload))
	token.Header["typ"] = "vc+sd-jwt"
	token.Header["x5c"] = cryptoroot.X5C(i.signerChain())
	issuerJWT, err := token.SignedString(i.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign sd-jwt: %w", err)
	}
	return sdjwt.Serialize(issuerJWT, disclosures, ""), nil
}

func concealAll(obj map[string]interface{}) ([]sdjwt.Disclosure, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []sdjwt.Disclosure
	for _, k := range keys {
		switch v := obj[k].(type) {
		case map[string]interface{}:
			child := make(map[string]interface{}, len(v))
			for ck, cv := range v {
				child[ck] = cv
			}
			nested, err := concealAll(child)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			obj[k] = child
		case []interface{}:
			arr := append([]interface{}(nil), v...)
			for n := range arr {
				d, err := sdjwt.ConcealElement(arr, n, sdjwt.DefaultHashAlgorithm)
				if err != nil {
					return nil, err
				}
				out = append(out, *d)
			}
			obj[k] = arr
		}
		d, err := sdjwt.Conceal(obj, k, sdjwt.DefaultHashAlgorithm)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

func jwkClaim(pub *ecdsa.PublicKey) (map[string]interface{}, error) {
	raw, err := jose.JSONWebKey{Key: pub}.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

package document

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kokukuma/mdoc-wallet/mdoc"
	"github.com/kokukuma/mdoc-wallet/sdjwt"
)

// CredentialDocument is one credential held by the wallet. The variants
// are *MdocDocument and *SDJWTDocument; code consuming it switches over
// both.
type CredentialDocument interface {
	ID() string
	DocType() mdoc.DocType
	Format() CredentialType
	Fields() []DocumentField
	Attestation() Attestation
	Expired() bool
	ExpiredAt(now time.Time) bool

	credentialDocument()
}

// DocumentField is one attribute value of a document, flattened for
// display and matching.
type DocumentField struct {
	DocType   mdoc.DocType
	Namespace mdoc.NameSpace
	Name      mdoc.ElementIdentifier
	// Path is the claim path within the namespace-less JSON form, or
	// [namespace, element] for mdoc.
	Path  []string
	Value interface{}
}

// Attribute returns the registry entry of the field. Fields without one are
// opaque: they are shown but never matched.
func (f DocumentField) Attribute() (Attribute, bool) {
	return LookupAttribute(AttributeKey{DocType: f.DocType, Namespace: f.Namespace, Name: f.Name})
}

type MdocDocument struct {
	id           string
	docType      mdoc.DocType
	issuerSigned *mdoc.IssuerSigned
	validUntil   time.Time
	fields       []DocumentField
	attestation  Attestation
}

func NewMdocDocument(id string, issuerSigned *mdoc.IssuerSigned, attestation Attestation) (*MdocDocument, error) {
	if id == "" {
		return nil, &ErrValidation{Field: "id", Message: "cannot be empty"}
	}
	if issuerSigned == nil {
		return nil, &ErrValidation{Field: "issuerSigned", Message: "cannot be nil"}
	}
	mso, err := issuerSigned.MobileSecurityObject()
	if err != nil {
		return nil, fmt.Errorf("failed to read MSO: %w", err)
	}

	var fields []DocumentField
	for _, ns := range issuerSigned.GetNameSpaces() {
		items, err := issuerSigned.GetIssuerSignedItems(ns)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			fields = append(fields, DocumentField{
				DocType:   mso.DocType,
				Namespace: ns,
				Name:      item.ElementIdentifier,
				Path:      []string{string(ns), string(item.ElementIdentifier)},
				Value:     item.Value(),
			})
		}
	}

	if attestation.Type == "" {
		attestation.Type = CredentialTypeMDOC
	}
	return &MdocDocument{
		id:           id,
		docType:      mso.DocType,
		issuerSigned: issuerSigned,
		validUntil:   mso.ValidityInfo.ValidUntil,
		fields:       fields,
		attestation:  attestation,
	}, nil
}

func (d *MdocDocument) ID() string               { return d.id }
func (d *MdocDocument) DocType() mdoc.DocType    { return d.docType }
func (d *MdocDocument) Format() CredentialType   { return CredentialTypeMDOC }
func (d *MdocDocument) Fields() []DocumentField  { return append([]DocumentField(nil), d.fields...) }
func (d *MdocDocument) Attestation() Attestation { return d.attestation }
func (d *MdocDocument) Expired() bool            { return d.ExpiredAt(time.Now()) }
func (d *MdocDocument) credentialDocument()      {}

func (d *MdocDocument) IssuerSigned() *mdoc.IssuerSigned {
	return d.issuerSigned
}

func (d *MdocDocument) ExpiredAt(now time.Time) bool {
	return !d.validUntil.IsZero() && now.After(d.validUntil)
}

type SDJWTDocument struct {
	id          string
	docType     mdoc.DocType
	credential  *sdjwt.Credential
	expiry      time.Time
	fields      []DocumentField
	attestation Attestation
}

// Registered JWT claims that describe the credential rather than the
// subject; they are not exposed as fields.
var envelopeClaims = map[string]bool{
	"iss": true, "sub": true, "iat": true, "nbf": true, "exp": true,
	"cnf": true, "status": true, "jti": true,
}

func NewSDJWTDocument(id string, combined string, attestation Attestation) (*SDJWTDocument, error) {
	if id == "" {
		return nil, &ErrValidation{Field: "id", Message: "cannot be empty"}
	}
	cred, err := sdjwt.Parse(combined)
	if err != nil {
		return nil, err
	}
	vct, _ := cred.Claims["vct"].(string)
	if vct == "" {
		return nil, &ErrValidation{Field: "vct", Message: "missing"}
	}
	docType := mdoc.DocType(vct)

	var fields []DocumentField
	names := make([]string, 0, len(cred.Claims))
	for name := range cred.Claims {
		if !envelopeClaims[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fields = flatten(fields, docType, []string{name}, cred.Claims[name])
	}

	if attestation.Type == "" {
		attestation.Type = CredentialTypeSDJWT
	}
	if attestation.Credential == nil {
		attestation.Credential = []byte(combined)
	}
	return &SDJWTDocument{
		id:          id,
		docType:     docType,
		credential:  cred,
		expiry:      cred.Expiry(),
		fields:      fields,
		attestation: attestation,
	}, nil
}

// flatten turns nested objects into one field per leaf. Arrays are leaves.
func flatten(fields []DocumentField, docType mdoc.DocType, path []string, value interface{}) []DocumentField {
	if obj, ok := value.(map[string]interface{}); ok && len(obj) > 0 {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields = flatten(fields, docType, append(append([]string(nil), path...), k), obj[k])
		}
		return fields
	}
	return append(fields, DocumentField{
		DocType:   docType,
		Namespace: NoNameSpace,
		Name:      mdoc.ElementIdentifier(strings.Join(path, ".")),
		Path:      path,
		Value:     value,
	})
}

func (d *SDJWTDocument) ID() string                    { return d.id }
func (d *SDJWTDocument) DocType() mdoc.DocType         { return d.docType }
func (d *SDJWTDocument) Format() CredentialType        { return CredentialTypeSDJWT }
func (d *SDJWTDocument) Fields() []DocumentField       { return append([]DocumentField(nil), d.fields...) }
func (d *SDJWTDocument) Attestation() Attestation      { return d.attestation }
func (d *SDJWTDocument) Expired() bool                 { return d.ExpiredAt(time.Now()) }
func (d *SDJWTDocument) Credential() *sdjwt.Credential { return d.credential }
func (d *SDJWTDocument) credentialDocument()           {}

func (d *SDJWTDocument) ExpiredAt(now time.Time) bool {
	return !d.expiry.IsZero() && now.After(d.expiry)
}

// MatchedField is a field selected for one presentation. Mandatory fields
// stay checked.
type MatchedField struct {
	Field     DocumentField
	Checked   bool
	Mandatory bool
}

func NewMatchedField(field DocumentField, mandatory bool) *MatchedField {
	return &MatchedField{Field: field, Checked: true, Mandatory: mandatory}
}

var ErrMandatoryField = fmt.Errorf("mandatory field cannot be deselected")

func (m *MatchedField) SetChecked(checked bool) error {
	if m.Mandatory && !checked {
		return ErrMandatoryField
	}
	m.Checked = checked
	return nil
}

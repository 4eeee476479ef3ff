package document

import (
	"bytes"
	"encoding/json"
)

// https://identity.foundation/presentation-exchange/spec/v2.0.0/

type PresentationDefinition struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Purpose          string            `json:"purpose,omitempty"`
	Format           *Format           `json:"format,omitempty"`
	InputDescriptors []InputDescriptor `json:"input_descriptors"`
}

type InputDescriptor struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Purpose     string      `json:"purpose,omitempty"`
	Format      Format      `json:"format,omitempty"`
	Constraints Constraints `json:"constraints"`
	Group       []string    `json:"group,omitempty"`
}

// Formats lists the credential formats a descriptor accepts. An empty
// Format accepts any, unless the definition restricts it.
func (d InputDescriptor) Formats(def *Format) []CredentialType {
	f := d.Format
	if f.IsEmpty() && def != nil {
		f = *def
	}
	var out []CredentialType
	if f.MsoMdoc != nil {
		out = append(out, CredentialTypeMDOC)
	}
	if f.VCSDJWT != nil {
		out = append(out, CredentialTypeSDJWT)
	}
	if f.DCSDJWT != nil {
		out = append(out, CredentialTypeDCSDJWT)
	}
	return out
}

type Constraints struct {
	LimitDisclosure string      `json:"limit_disclosure,omitempty"`
	Fields          []PathField `json:"fields,omitempty"`
}

type Format struct {
	MsoMdoc   *AlgFormat   `json:"mso_mdoc,omitempty"`
	VCSDJWT   *SDJWTFormat `json:"vc+sd-jwt,omitempty"`
	DCSDJWT   *SDJWTFormat `json:"dc+sd-jwt,omitempty"`
	JwtVCJSON *AlgFormat   `json:"jwt_vc_json,omitempty"`
}

func (f Format) IsEmpty() bool {
	return f.MsoMdoc == nil && f.VCSDJWT == nil && f.DCSDJWT == nil && f.JwtVCJSON == nil
}

type AlgFormat struct {
	Alg []string `json:"alg,omitempty"`
}

type SDJWTFormat struct {
	SDJWTAlg []string `json:"sd-jwt_alg_values,omitempty"`
	KBJWTAlg []string `json:"kb-jwt_alg_values,omitempty"`
}

type PathField struct {
	Path           []string `json:"path"`
	Filter         Filter   `json:"filter,omitempty"`
	IntentToRetain bool     `json:"intent_to_retain,omitempty"`
	ID             string   `json:"id,omitempty"`
	Purpose        string   `json:"purpose,omitempty"`
	Name           string   `json:"name,omitempty"`
	Optional       bool     `json:"optional,omitempty"`
}

// Filter is the JSON Schema a field value must satisfy. It is kept as the
// relying party sent it so that every schema keyword is evaluated.
type Filter = json.RawMessage

// NewFilter encodes schema as a Filter. It panics if schema is not
// representable as JSON.
func NewFilter(schema map[string]interface{}) Filter {
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(err)
	}
	return raw
}

// ConstFilter matches exactly value, which must be of JSON type typ.
func ConstFilter(typ string, value interface{}) Filter {
	return NewFilter(map[string]interface{}{"type": typ, "const": value})
}

// HasFilter reports whether f holds a schema. Absent and null filters
// accept every value.
func (f PathField) HasFilter() bool {
	trimmed := bytes.TrimSpace(f.Filter)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

package document

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/kokukuma/mdoc-wallet/mdoc"
)

type CredentialOption func(*Credential)

func WithRetention(retention int) CredentialOption {
	return func(c *Credential) {
		c.Retention = retention
	}
}

func WithLimitDisclosure(limitDisclosure LimitDisclosure) CredentialOption {
	return func(c *Credential) {
		c.LimitDisclosure = limitDisclosure
	}
}

func WithPurpose(purpose string) CredentialOption {
	return func(c *Credential) {
		c.Purpose = purpose
	}
}

func WithAlgorithms(algs ...string) CredentialOption {
	return func(c *Credential) {
		c.Alg = algs
	}
}

// WithOptional marks elements the holder may decline to share.
func WithOptional(elements ...mdoc.ElementIdentifier) CredentialOption {
	return func(c *Credential) {
		if c.Optional == nil {
			c.Optional = map[mdoc.ElementIdentifier]bool{}
		}
		for _, e := range elements {
			c.Optional[e] = true
		}
	}
}

// WithFilter constrains the value of element with a JSON schema.
func WithFilter(element mdoc.ElementIdentifier, filter Filter) CredentialOption {
	return func(c *Credential) {
		if c.Filters == nil {
			c.Filters = map[mdoc.ElementIdentifier]Filter{}
		}
		c.Filters[element] = filter
	}
}

// ErrValidation is returned when credential validation fails
type ErrValidation struct {
	Field   string
	Message string
}

func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// SupportedAlgorithms returns the signing algorithms a holder key can use.
func SupportedAlgorithms() map[string]bool {
	return map[string]bool{
		"ES256": true,
		"ES384": true,
		"ES512": true,
	}
}

// NewCredential describes what a relying party asks of one credential.
// Every element must be registered for docType and namespace. Credentials
// without a namespace are requested as SD-JWT, the others as mdoc.
func NewCredential(
	id string,
	docType mdoc.DocType,
	namespace mdoc.NameSpace,
	elements []mdoc.ElementIdentifier,
	opts ...CredentialOption,
) (*Credential, error) {
	if id == "" {
		return nil, &ErrValidation{Field: "id", Message: "cannot be empty"}
	}

	if len(elements) == 0 {
		return nil, &ErrValidation{Field: "elements", Message: "must contain at least one element"}
	}

	if !IsValidDocTypeNamespace(docType, namespace) {
		return nil, &ErrValidation{
			Field:   "docType+namespace",
			Message: fmt.Sprintf("invalid combination: docType=%s, namespace=%s", docType, namespace),
		}
	}

	format := CredentialTypeMDOC
	if namespace == NoNameSpace {
		format = CredentialTypeSDJWT
	}

	cred := Credential{
		ID:                id,
		Format:            format,
		DocType:           docType,
		Namespace:         namespace,
		ElementIdentifier: elements,
		LimitDisclosure:   LimitDisclosurePreferred,
		Alg:               []string{"ES256"},
	}

	for _, opt := range opts {
		opt(&cred)
	}

	if cred.LimitDisclosure != LimitDisclosureRequired && cred.LimitDisclosure != LimitDisclosurePreferred {
		return nil, &ErrValidation{
			Field:   "limitDisclosure",
			Message: fmt.Sprintf("unsupported value: %s", cred.LimitDisclosure),
		}
	}

	supportedAlgs := SupportedAlgorithms()
	for _, alg := range cred.Alg {
		if !supportedAlgs[alg] {
			return nil, &ErrValidation{
				Field:   "alg",
				Message: fmt.Sprintf("unsupported algorithm: %s", alg),
			}
		}
	}

	for _, element := range elements {
		if _, ok := LookupAttribute(AttributeKey{DocType: docType, Namespace: namespace, Name: element}); !ok {
			return nil, &ErrValidation{
				Field:   "elementIdentifier",
				Message: fmt.Sprintf("invalid element %s for namespace %s", element, namespace),
			}
		}
	}

	for element := range cred.Filters {
		if !lo.Contains(elements, element) {
			return nil, &ErrValidation{
				Field:   "filter",
				Message: fmt.Sprintf("filter on unrequested element %s", element),
			}
		}
	}

	if cred.Retention < 0 {
		return nil, &ErrValidation{Field: "retention", Message: "must be non-negative"}
	}

	return &cred, nil
}

// CredentialRequirement is everything a relying party asks for in one
// request, one Credential per input descriptor.
type CredentialRequirement struct {
	Credentials []Credential
}

type Credential struct {
	ID                string
	Format            CredentialType
	DocType           mdoc.DocType
	Namespace         mdoc.NameSpace
	ElementIdentifier []mdoc.ElementIdentifier
	Optional          map[mdoc.ElementIdentifier]bool
	Filters           map[mdoc.ElementIdentifier]Filter
	Retention         int
	LimitDisclosure   LimitDisclosure
	Purpose           string
	Alg               []string
}

type CredentialType string

type LimitDisclosure string

const (
	// ISO/IEC 18013-5 mobile Driving License
	CredentialTypeMDOC CredentialType = "mso_mdoc"

	// SD-JWT based Verifiable Credentials
	CredentialTypeSDJWT CredentialType = "vc+sd-jwt"

	// CredentialTypeDCSDJWT is the newer media type of the same format.
	CredentialTypeDCSDJWT CredentialType = "dc+sd-jwt"

	// LimitDisclosure
	LimitDisclosureRequired  LimitDisclosure = "required"
	LimitDisclosurePreferred LimitDisclosure = "preferred"
)

// Accepts reports whether a document of format f satisfies a request for c.
func (c CredentialType) Accepts(f CredentialType) bool {
	if c == CredentialTypeDCSDJWT {
		c = CredentialTypeSDJWT
	}
	if f == CredentialTypeDCSDJWT {
		f = CredentialTypeSDJWT
	}
	return c == f
}

func intentToRetain(retainDay int) bool {
	return retainDay > 0
}

func (c CredentialRequirement) PresentationDefinition(id string) PresentationDefinition {
	pd := PresentationDefinition{ID: id}
	for _, cred := range c.Credentials {
		desc := InputDescriptor{
			ID:      cred.ID,
			Purpose: cred.Purpose,
			Constraints: Constraints{
				LimitDisclosure: string(cred.LimitDisclosure),
			},
		}

		switch cred.Format {
		case CredentialTypeMDOC:
			// Readers address mdoc descriptors by docType.
			desc.ID = string(cred.DocType)
			desc.Format = Format{MsoMdoc: &AlgFormat{Alg: cred.Alg}}
			desc.Constraints.Fields = formatPathField(cred, func(id mdoc.ElementIdentifier) string {
				return NameSpacedPath(cred.Namespace, id).String()
			})
		default:
			desc.Format = Format{VCSDJWT: &SDJWTFormat{SDJWTAlg: cred.Alg, KBJWTAlg: cred.Alg}}
			desc.Constraints.Fields = append([]PathField{{
				Path:   []string{ClaimPath("vct").String()},
				Filter: ConstFilter("string", string(cred.DocType)),
			}}, formatPathField(cred, func(id mdoc.ElementIdentifier) string {
				attr, _ := LookupAttribute(AttributeKey{DocType: cred.DocType, Namespace: NoNameSpace, Name: id})
				return attr.Path.String()
			})...)
		}
		pd.InputDescriptors = append(pd.InputDescriptors, desc)
	}

	return pd
}

func formatPathField(cred Credential, path func(mdoc.ElementIdentifier) string) []PathField {
	result := []PathField{}

	for _, id := range cred.ElementIdentifier {
		result = append(result, PathField{
			Path:           []string{path(id)},
			IntentToRetain: intentToRetain(cred.Retention),
			Optional:       cred.Optional[id],
			Filter:         cred.Filters[id],
		})
	}
	return result
}

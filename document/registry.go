package document

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kokukuma/mdoc-wallet/mdoc"
)

// AttributeKey identifies one attribute of one credential schema.
type AttributeKey struct {
	DocType   mdoc.DocType
	Namespace mdoc.NameSpace
	Name      mdoc.ElementIdentifier
}

type Attribute struct {
	Key         AttributeKey
	Disclosable bool
	Path        JSONPath
}

// JSONPath addresses an attribute inside a projected claim. Namespaced
// formats render it in bracket notation, the others in dot notation.
type JSONPath struct {
	segments  []string
	bracketed bool
}

// NameSpacedPath is the $['ns']['name'] path of an mdoc element.
func NameSpacedPath(ns mdoc.NameSpace, name mdoc.ElementIdentifier) JSONPath {
	return JSONPath{segments: []string{string(ns), string(name)}, bracketed: true}
}

// ClaimPath is the $.a.b path of a JSON claim.
func ClaimPath(segments ...string) JSONPath {
	return JSONPath{segments: append([]string(nil), segments...)}
}

func (p JSONPath) Segments() []string {
	return append([]string(nil), p.segments...)
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (p JSONPath) String() string {
	var b strings.Builder
	b.WriteString("$")
	for _, s := range p.segments {
		if p.bracketed || !identifier.MatchString(s) {
			b.WriteString("['")
			b.WriteString(s)
			b.WriteString("']")
			continue
		}
		b.WriteString(".")
		b.WriteString(s)
	}
	return b.String()
}

// Canonical renders the path in bracket notation whatever its format, so
// that "$.a.b" and "$['a']['b']" compare equal.
func (p JSONPath) Canonical() string {
	return JSONPath{segments: p.segments, bracketed: true}.String()
}

// ParsePath reads a definite JSONPath made of member names, in dot or
// bracket notation. Wildcards, filters and slices are rejected.
func ParsePath(expr string) (JSONPath, error) {
	if !strings.HasPrefix(expr, "$") {
		return JSONPath{}, fmt.Errorf("path must start with $: %q", expr)
	}
	var (
		segments  []string
		bracketed bool
		rest      = expr[1:]
	)
	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				end = len(rest)
			}
			name := rest[:end]
			if name == "" || name == "*" {
				return JSONPath{}, fmt.Errorf("unsupported member in %q", expr)
			}
			segments = append(segments, name)
			rest = rest[end:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return JSONPath{}, fmt.Errorf("unterminated bracket in %q", expr)
			}
			inner := rest[1:end]
			rest = rest[end+1:]
			switch {
			case len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0]:
				segments = append(segments, inner[1:len(inner)-1])
				bracketed = true
			default:
				if _, err := strconv.Atoi(inner); err != nil {
					return JSONPath{}, fmt.Errorf("unsupported selector [%s] in %q", inner, expr)
				}
				segments = append(segments, inner)
			}
		default:
			return JSONPath{}, fmt.Errorf("unexpected %q in %q", rest[0], expr)
		}
	}
	if len(segments) == 0 {
		return JSONPath{}, fmt.Errorf("empty path %q", expr)
	}
	return JSONPath{segments: segments, bracketed: bracketed}, nil
}

type pathKey struct {
	docType   mdoc.DocType
	canonical string
}

type registry struct {
	byKey  map[AttributeKey]Attribute
	byPath map[pathKey]Attribute
}

func buildRegistry(attrs []Attribute) (*registry, error) {
	r := &registry{
		byKey:  make(map[AttributeKey]Attribute, len(attrs)),
		byPath: make(map[pathKey]Attribute, len(attrs)),
	}
	for _, a := range attrs {
		if _, ok := r.byKey[a.Key]; ok {
			return nil, fmt.Errorf("duplicate attribute: %s/%s/%s", a.Key.DocType, a.Key.Namespace, a.Key.Name)
		}
		r.byKey[a.Key] = a
		r.byPath[pathKey{a.Key.DocType, a.Path.Canonical()}] = a
	}
	return r, nil
}

func mustBuild(attrs []Attribute) *registry {
	r, err := buildRegistry(attrs)
	if err != nil {
		panic(err)
	}
	return r
}

func elements(docType mdoc.DocType, ns mdoc.NameSpace, ids ...mdoc.ElementIdentifier) []Attribute {
	attrs := make([]Attribute, 0, len(ids))
	for _, id := range ids {
		attrs = append(attrs, Attribute{
			Key:         AttributeKey{DocType: docType, Namespace: ns, Name: id},
			Disclosable: true,
			Path:        NameSpacedPath(ns, id),
		})
	}
	return attrs
}

func claim(docType mdoc.DocType, id mdoc.ElementIdentifier, disclosable bool) Attribute {
	return Attribute{
		Key:         AttributeKey{DocType: docType, Namespace: NoNameSpace, Name: id},
		Disclosable: disclosable,
		Path:        ClaimPath(strings.Split(string(id), ".")...),
	}
}

func ageOver(ages ...int) []mdoc.ElementIdentifier {
	ids := make([]mdoc.ElementIdentifier, 0, len(ages))
	for _, age := range ages {
		id, err := AgeOver(age)
		if err != nil {
			panic(err)
		}
		ids = append(ids, id)
	}
	return ids
}

func registryTable() []Attribute {
	var attrs []Attribute
	attrs = append(attrs, elements(IsoMDL, ISO1801351,
		IsoFamilyName, IsoGivenName, IsoBirthDate, IsoIssueDate, IsoExpiryDate,
		IsoIssuingCountry, IsoIssuingAuthority, IsoDocumentNumber, IsoPortrait,
		IsoDrivingPrivileges, IsoUnDistinguishingSign, IsoAdministrativeNumber,
		IsoSex, IsoHeight, IsoWeight, IsoEyeColour, IsoHairColour, IsoBirthPlace,
		IsoResidentAddress, IsoPortraitCaptureDate, IsoAgeInYears, IsoAgeBirthYear,
		IsoIssuingJurisdiction, IsoNationality, IsoResidentCity, IsoResidentState,
		IsoResidentPostalCode, IsoResidentCountry, IsoFamilyNameNationalCharacter,
		IsoGivenNameNationalCharacter, IsoSignatureUsualMark,
	)...)
	attrs = append(attrs, elements(IsoMDL, ISO1801351, ageOver(18, 21, 65)...)...)

	attrs = append(attrs, elements(EudiPid, EUDIPID1,
		EudiFamilyName, EudiGivenName, EudiBirthDate, EudiAgeOver18, EudiAgeInYears,
		EudiAgeBirthYear, EudiGivenNameBirth, EudiBirthPlace, EudiBirthCountry,
		EudiBirthState, EudiBirthCity, EudiResidentAddress, EudiResidentCountry,
		EudiResidentState, EudiResidentCity, EudiResidentPostalCode, EudiResidentStreet,
		EudiResidentHouseNumber, EudiGender, EudiNationality, EudiIssuanceDate,
		EudiExpiryDate, EudiIssuingAuthority, EudiDocumentNumber,
		EudiAdministrativeNumber, EudiIssuingCountry, EudiIssuingJurisdiction,
	)...)

	attrs = append(attrs,
		claim(EudiPidSDJWT, PidGivenName, true),
		claim(EudiPidSDJWT, PidFamilyName, true),
		claim(EudiPidSDJWT, PidBirthdate, true),
		claim(EudiPidSDJWT, PidAgeOver18, true),
		claim(EudiPidSDJWT, PidStreetAddress, true),
		claim(EudiPidSDJWT, PidLocality, true),
		claim(EudiPidSDJWT, PidCountry, true),
		claim(EudiPidSDJWT, PidNationalities, true),
		claim(EudiPidSDJWT, PidIssuingCountry, true),
		claim(EudiPidSDJWT, PidVct, false),
	)
	return attrs
}

var attributes = mustBuild(registryTable())

// LookupAttribute returns the registry entry for key.
func LookupAttribute(key AttributeKey) (Attribute, bool) {
	a, ok := attributes.byKey[key]
	return a, ok
}

// LookupPath resolves a query path, in either notation, to the attribute
// it addresses within docType.
func LookupPath(docType mdoc.DocType, path string) (Attribute, bool) {
	p, err := ParsePath(path)
	if err != nil {
		return Attribute{}, false
	}
	a, ok := attributes.byPath[pathKey{docType, p.Canonical()}]
	return a, ok
}

// IsValidDocTypeNamespace checks if a docType and namespace combination is valid
func IsValidDocTypeNamespace(docType mdoc.DocType, namespace mdoc.NameSpace) bool {
	validCombinations := map[mdoc.DocType]mdoc.NameSpace{
		IsoMDL:       ISO1801351,
		EudiPid:      EUDIPID1,
		EudiPidSDJWT: NoNameSpace,
	}

	expectedNamespace, exists := validCombinations[docType]
	if !exists {
		return false
	}

	return expectedNamespace == namespace
}

package presentation

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/kokukuma/mdoc-wallet/document"
)

// projection is the JSON view of a document that descriptor paths are
// evaluated against, together with the fields that may be disclosed.
type projection struct {
	claim  map[string]interface{}
	fields []document.DocumentField
}

// project builds the claim of doc. Only registered, disclosable fields are
// included; mdoc elements are grouped under their namespace and SD-JWT
// claims are nested along their path. The SD-JWT vct is exposed so that
// filters can select on it, but it is never a disclosable field.
func project(doc document.CredentialDocument) projection {
	p := projection{claim: map[string]interface{}{}}

	switch d := doc.(type) {
	case *document.MdocDocument:
		for _, f := range d.Fields() {
			attr, ok := f.Attribute()
			if !ok || !attr.Disclosable {
				continue
			}
			ns, ok := p.claim[string(f.Namespace)].(map[string]interface{})
			if !ok {
				ns = map[string]interface{}{}
				p.claim[string(f.Namespace)] = ns
			}
			ns[string(f.Name)] = normalize(f.Value)
			p.fields = append(p.fields, f)
		}
	case *document.SDJWTDocument:
		for _, f := range d.Fields() {
			attr, ok := f.Attribute()
			if !ok {
				continue
			}
			if attr.Disclosable {
				p.fields = append(p.fields, f)
			} else if f.Name != document.PidVct {
				continue
			}
			setPath(p.claim, f.Path, normalize(f.Value))
		}
	}
	return p
}

func setPath(obj map[string]interface{}, path []string, value interface{}) {
	for _, seg := range path[:len(path)-1] {
		next, ok := obj[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			obj[seg] = next
		}
		obj = next
	}
	obj[path[len(path)-1]] = value
}

// normalize converts decoded CBOR values into values encoding/json and
// JSON schema validation understand.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case cbor.Tag:
		return normalize(t.Content)
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}

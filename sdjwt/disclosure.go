package sdjwt

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/kokukuma/mdoc-wallet/pkg/hash"
)

const (
	DefaultHashAlgorithm = "sha-256"

	sdKey      = "_sd"
	sdAlgKey   = "_sd_alg"
	elementKey = "..."
)

// Disclosure is one salted claim revealed next to the issuer JWT.
type Disclosure struct {
	// Raw is the base64url encoding as issued; digests are computed over it.
	Raw   string
	Salt  string
	Name  string // empty for array elements
	Value interface{}
	// Path locates the claim in the issuer payload once the credential is
	// parsed. Array elements end with their index.
	Path []string
}

func (d *Disclosure) IsArrayElement() bool {
	return d.Name == ""
}

// Digest is base64url(hash(Raw)).
func (d *Disclosure) Digest(alg string) (string, error) {
	sum, err := hash.Digest([]byte(d.Raw), alg)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

func NewDisclosure(salt, name string, value interface{}) (*Disclosure, error) {
	if name == "" || name == sdKey || name == elementKey {
		return nil, fmt.Errorf("invalid claim name %q", name)
	}
	raw, err := encodeDisclosure([]interface{}{salt, name, value})
	if err != nil {
		return nil, err
	}
	return &Disclosure{Raw: raw, Salt: salt, Name: name, Value: value}, nil
}

func NewArrayElementDisclosure(salt string, value interface{}) (*Disclosure, error) {
	raw, err := encodeDisclosure([]interface{}{salt, value})
	if err != nil {
		return nil, err
	}
	return &Disclosure{Raw: raw, Salt: salt, Value: value}, nil
}

func encodeDisclosure(parts []interface{}) (string, error) {
	b, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("failed to encode disclosure: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeDisclosure(raw string) (*Disclosure, error) {
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode disclosure: %w", err)
	}
	var parts []interface{}
	if err := json.Unmarshal(b, &parts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal disclosure: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty disclosure")
	}
	salt, ok := parts[0].(string)
	if !ok {
		return nil, fmt.Errorf("disclosure salt is not a string")
	}
	switch len(parts) {
	case 2:
		return &Disclosure{Raw: raw, Salt: salt, Value: parts[1]}, nil
	case 3:
		name, ok := parts[1].(string)
		if !ok || name == sdKey || name == elementKey {
			return nil, fmt.Errorf("invalid disclosure claim name %v", parts[1])
		}
		return &Disclosure{Raw: raw, Salt: salt, Name: name, Value: parts[2]}, nil
	}
	return nil, fmt.Errorf("disclosure has %d elements", len(parts))
}

// NewSalt returns 128 random bits, base64url encoded.
func NewSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Conceal moves obj[name] into a disclosure and records its digest in
// obj["_sd"].
func Conceal(obj map[string]interface{}, name, alg string) (*Disclosure, error) {
	value, ok := obj[name]
	if !ok {
		return nil, fmt.Errorf("claim %q not found", name)
	}
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	d, err := NewDisclosure(salt, name, value)
	if err != nil {
		return nil, err
	}
	digest, err := d.Digest(alg)
	if err != nil {
		return nil, err
	}
	delete(obj, name)

	digests, _ := obj[sdKey].([]interface{})
	digests = append(digests, digest)
	// Sorted so the position does not leak the claim.
	sort.Slice(digests, func(i, j int) bool { return digests[i].(string) < digests[j].(string) })
	obj[sdKey] = digests
	return d, nil
}

// ConcealElement replaces arr[i] with a {"...": digest} placeholder.
func ConcealElement(arr []interface{}, i int, alg string) (*Disclosure, error) {
	if i < 0 || i >= len(arr) {
		return nil, fmt.Errorf("index %d out of range", i)
	}
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	d, err := NewArrayElementDisclosure(salt, arr[i])
	if err != nil {
		return nil, err
	}
	digest, err := d.Digest(alg)
	if err != nil {
		return nil, err
	}
	arr[i] = map[string]interface{}{elementKey: digest}
	return d, nil
}

// resolver substitutes disclosures into the issuer payload, giving each
// disclosure the path it ends up at.
type resolver struct {
	byDigest map[string]*Disclosure
	used     map[string]bool
}

func (r *resolver) object(obj map[string]interface{}, path []string) error {
	if raw, ok := obj[sdKey]; ok {
		digests, ok := raw.([]interface{})
		if !ok {
			return fmt.Errorf("_sd at %v is not an array", path)
		}
		for _, item := range digests {
			digest, ok := item.(string)
			if !ok {
				return fmt.Errorf("_sd at %v holds a non-string digest", path)
			}
			d, ok := r.byDigest[digest]
			if !ok {
				// decoy or withheld
				continue
			}
			if d.IsArrayElement() {
				return fmt.Errorf("array element disclosure referenced from _sd at %v", path)
			}
			if err := r.use(digest); err != nil {
				return err
			}
			if _, exists := obj[d.Name]; exists {
				return fmt.Errorf("disclosed claim %q overwrites a plain claim", d.Name)
			}
			obj[d.Name] = d.Value
			d.Path = appendPath(path, d.Name)
		}
		delete(obj, sdKey)
	}

	for name, value := range obj {
		next, err := r.value(value, appendPath(path, name))
		if err != nil {
			return err
		}
		obj[name] = next
	}
	return nil
}

func (r *resolver) value(v interface{}, path []string) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, r.object(t, path)
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, elem := range t {
			placeholder, ok := elem.(map[string]interface{})
			digest, isRef := placeholder[elementKey].(string)
			if !ok || !isRef || len(placeholder) != 1 {
				next, err := r.value(elem, appendPath(path, strconv.Itoa(len(out))))
				if err != nil {
					return nil, err
				}
				out = append(out, next)
				continue
			}
			d, ok := r.byDigest[digest]
			if !ok {
				continue
			}
			if !d.IsArrayElement() {
				return nil, fmt.Errorf("object disclosure referenced from array at %v", path)
			}
			if err := r.use(digest); err != nil {
				return nil, err
			}
			d.Path = appendPath(path, strconv.Itoa(len(out)))
			next, err := r.value(d.Value, d.Path)
			if err != nil {
				return nil, err
			}
			out = append(out, next)
		}
		return out, nil
	}
	return v, nil
}

func (r *resolver) use(digest string) error {
	if r.used[digest] {
		return fmt.Errorf("disclosure digest %s referenced twice", digest)
	}
	r.used[digest] = true
	return nil
}

func appendPath(path []string, seg string) []string {
	out := make([]string, len(path)+1)
	copy(out, path)
	out[len(path)] = seg
	return out
}

func isPrefix(prefix, path []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if prefix[i] != path[i] {
			return false
		}
	}
	return true
}

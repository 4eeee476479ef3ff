package mdoc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-wallet/pkg/hash"
)

type DocType string

type NameSpace string

type ElementIdentifier string

type ElementValue interface{}

type DeviceResponse struct {
	Version        string          `json:"version"`
	Documents      []Document      `json:"documents,omitempty"`
	DocumentErrors []DocumentError `json:"documentErrors,omitempty"`
	Status         uint            `json:"status"`
}

func (d DeviceResponse) GetDocument(docType DocType) (*Document, error) {
	for _, doc := range d.Documents {
		if doc.DocType == docType {
			return &doc, nil
		}
	}
	return nil, fmt.Errorf("failed to find doc: doctype=%s", docType)
}

type Document struct {
	DocType      DocType      `json:"docType"`
	IssuerSigned IssuerSigned `json:"issuerSigned"`
	DeviceSigned DeviceSigned `json:"deviceSigned"`
	Errors       Errors       `json:"errors,omitempty"`
}

func (d *Document) GetElementValue(namespace NameSpace, elementIdentifier ElementIdentifier) (ElementValue, error) {
	if d.DocType == "" {
		return nil, fmt.Errorf("invalid document type")
	}
	return d.IssuerSigned.GetElementValue(namespace, elementIdentifier)
}

type IssuerSigned struct {
	NameSpaces IssuerNameSpaces      `json:"nameSpaces,omitempty"`
	IssuerAuth *UntaggedSign1Message `json:"issuerAuth"`
}

// GetNameSpaces returns the namespaces in a stable, sorted order.
func (i *IssuerSigned) GetNameSpaces() []NameSpace {
	nss := make([]NameSpace, 0, len(i.NameSpaces))
	for ns := range i.NameSpaces {
		nss = append(nss, ns)
	}
	sort.Slice(nss, func(a, b int) bool { return nss[a] < nss[b] })
	return nss
}

func (i *IssuerSigned) GetIssuerSignedItems(ns NameSpace) ([]IssuerSignedItem, error) {
	if len(i.NameSpaces[ns]) == 0 {
		return nil, ErrNamespaceNotFound
	}
	isis := make([]IssuerSignedItem, 0, len(i.NameSpaces[ns]))
	for _, b := range i.NameSpaces[ns] {
		isi, err := b.IssuerSignedItem()
		if err != nil {
			return nil, fmt.Errorf("failed to parse issuerSignedItem: %w", err)
		}
		isis = append(isis, *isi)
	}
	return isis, nil
}

func (i *IssuerSigned) GetElementValue(namespace NameSpace, elementIdentifier ElementIdentifier) (ElementValue, error) {
	items, err := i.GetIssuerSignedItems(namespace)
	if err != nil {
		return nil, fmt.Errorf("namespace %s: %w", namespace, err)
	}
	for _, item := range items {
		if item.ElementIdentifier == elementIdentifier {
			return item.Value(), nil
		}
	}
	return nil, fmt.Errorf("element %s not found in namespace %s", elementIdentifier, namespace)
}

// Filter keeps only the disclosed elements, preserving the issuer's item
// order. Namespaces left without items are dropped. IssuerAuth is shared,
// never re-signed.
func (i *IssuerSigned) Filter(disclosed map[NameSpace][]ElementIdentifier) (*IssuerSigned, error) {
	filtered := IssuerNameSpaces{}
	for ns, wanted := range disclosed {
		want := make(map[ElementIdentifier]bool, len(wanted))
		for _, id := range wanted {
			want[id] = true
		}
		for _, b := range i.NameSpaces[ns] {
			item, err := b.IssuerSignedItem()
			if err != nil {
				return nil, fmt.Errorf("failed to parse issuerSignedItem: %w", err)
			}
			if want[item.ElementIdentifier] {
				filtered[ns] = append(filtered[ns], b)
				delete(want, item.ElementIdentifier)
			}
		}
		for id := range want {
			return nil, fmt.Errorf("element %s not found in namespace %s", id, ns)
		}
	}
	return &IssuerSigned{NameSpaces: filtered, IssuerAuth: i.IssuerAuth}, nil
}

func (i *IssuerSigned) Alg() (cose.Algorithm, error) {
	if i.IssuerAuth == nil || i.IssuerAuth.Headers.Protected == nil {
		return 0, ErrMissingProtectedHeader
	}
	return i.IssuerAuth.Headers.Protected.Algorithm()
}

func (i *IssuerSigned) DocumentSigningKey() (*ecdsa.PublicKey, error) {
	certificate, err := i.DocumentSigningCertificate()
	if err != nil {
		return nil, err
	}

	documentSigningKey, ok := certificate.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type: %T, expected *ecdsa.PublicKey", certificate.PublicKey)
	}
	return documentSigningKey, nil
}

func (i *IssuerSigned) DocumentSigningCertificate() (*x509.Certificate, error) {
	certificates, err := i.DocumentSigningCertificateChain()
	if err != nil {
		return nil, err
	}
	return certificates[0], nil
}

func (i *IssuerSigned) DocumentSigningCertificateChain() ([]*x509.Certificate, error) {
	if i.IssuerAuth == nil {
		return nil, ErrMissingIssuerAuth
	}
	return i.IssuerAuth.X5Chain()
}

func (i *IssuerSigned) MobileSecurityObject() (*MobileSecurityObject, error) {
	if i.IssuerAuth == nil || i.IssuerAuth.Payload == nil {
		return nil, ErrMissingPayload
	}

	content, err := unmarshalTag24(i.IssuerAuth.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap MSO: %w", err)
	}

	var mso MobileSecurityObject
	if err := cbor.Unmarshal(content, &mso); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MSO: %w", err)
	}
	return &mso, nil
}

type IssuerNameSpaces map[NameSpace][]IssuerSignedItemBytes

// IssuerSignedItemBytes is the encoded IssuerSignedItem carried as
// #6.24(bstr). The slice holds the inner CBOR, without the tag.
type IssuerSignedItemBytes []byte

func (i IssuerSignedItemBytes) MarshalCBOR() ([]byte, error) {
	return marshalTag24(i)
}

func (i *IssuerSignedItemBytes) UnmarshalCBOR(data []byte) error {
	content, err := unmarshalTag24(data)
	if err != nil {
		return err
	}
	*i = content
	return nil
}

func (i IssuerSignedItemBytes) IssuerSignedItem() (*IssuerSignedItem, error) {
	if len(i) == 0 {
		return nil, fmt.Errorf("empty issuer signed item bytes")
	}
	var item IssuerSignedItem
	if err := cbor.Unmarshal(i, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal issuer signed item: %w", err)
	}
	return &item, nil
}

// Digest is the MSO value digest of the item: hash over #6.24(bstr item).
func (i IssuerSignedItemBytes) Digest(alg string) ([]byte, error) {
	if len(i) == 0 {
		return nil, fmt.Errorf("issuer signed item bytes is empty")
	}
	tagged, err := marshalTag24(i)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tagged CBOR: %w", err)
	}
	return hash.Digest(tagged, alg)
}

type IssuerSignedItem struct {
	DigestID          DigestID          `json:"digestID"`
	Random            []byte            `json:"random"`
	ElementIdentifier ElementIdentifier `json:"elementIdentifier"`
	ElementValue      ElementValue      `json:"elementValue"`
}

// Value returns the element value with a full-date tag (1004) unwrapped.
func (i *IssuerSignedItem) Value() ElementValue {
	if tag, ok := i.ElementValue.(cbor.Tag); ok {
		return tag.Content
	}
	return i.ElementValue
}

type MobileSecurityObject struct {
	Version         string        `json:"version"`
	DigestAlgorithm string        `json:"digestAlgorithm"`
	ValueDigests    ValueDigests  `json:"valueDigests"`
	DeviceKeyInfo   DeviceKeyInfo `json:"deviceKeyInfo"`
	DocType         DocType       `json:"docType"`
	ValidityInfo    ValidityInfo  `json:"validityInfo"`
}

func (m *MobileSecurityObject) DeviceKey() (*ecdsa.PublicKey, error) {
	if m == nil || m.DeviceKeyInfo.DeviceKey == nil {
		return nil, ErrDeviceKeyNotAvailable
	}
	return parseECDSA(m.DeviceKeyInfo.DeviceKey)
}

func (m *MobileSecurityObject) GetDigest(ns NameSpace, digestID DigestID) (Digest, error) {
	digests, ok := m.ValueDigests[ns]
	if !ok {
		return nil, fmt.Errorf("value digests not found: %s", ns)
	}
	digest, ok := digests[digestID]
	if !ok {
		return nil, fmt.Errorf("digest not found: %s, %d", ns, digestID)
	}
	return digest, nil
}

type DeviceKeyInfo struct {
	DeviceKey         *COSEKey           `json:"deviceKey"`
	KeyAuthorizations *KeyAuthorizations `json:"keyAuthorizations,omitempty"`
	KeyInfo           KeyInfo            `json:"keyInfo,omitempty"`
}

type COSEKey struct {
	Kty       int             `cbor:"1,keyasint,omitempty"`
	Kid       []byte          `cbor:"2,keyasint,omitempty"`
	Alg       int             `cbor:"3,keyasint,omitempty"`
	KeyOpts   int             `cbor:"4,keyasint,omitempty"`
	IV        []byte          `cbor:"5,keyasint,omitempty"`
	CrvOrNOrK cbor.RawMessage `cbor:"-1,keyasint,omitempty"` // K for symmetric keys, Crv for elliptic curve keys, N for RSA modulus
	XOrE      cbor.RawMessage `cbor:"-2,keyasint,omitempty"` // X for curve x-coordinate, E for RSA public exponent
	Y         cbor.RawMessage `cbor:"-3,keyasint,omitempty"` // Y for curve y-cooridate
	D         []byte          `cbor:"-4,keyasint,omitempty"`
}

type KeyAuthorizations struct {
	NameSpaces   []NameSpace                       `json:"nameSpaces,omitempty"`
	DataElements map[NameSpace][]ElementIdentifier `json:"dataElements,omitempty"`
}

type KeyInfo map[int]interface{}

type ValueDigests map[NameSpace]DigestIDs

type DigestIDs map[DigestID]Digest

type ValidityInfo struct {
	Signed         time.Time  `json:"signed"`
	ValidFrom      time.Time  `json:"validFrom"`
	ValidUntil     time.Time  `json:"validUntil"`
	ExpectedUpdate *time.Time `json:"expectedUpdate,omitempty"`
}

type DigestID uint32

type Digest []byte

type DeviceSigned struct {
	NameSpaces DeviceNameSpacesBytes `json:"nameSpaces"`
	DeviceAuth DeviceAuth            `json:"deviceAuth"`
}

// DeviceNameSpacesBytes is #6.24(bstr .cbor DeviceNameSpaces); the slice
// holds the inner CBOR.
type DeviceNameSpacesBytes []byte

func (d DeviceNameSpacesBytes) MarshalCBOR() ([]byte, error) {
	return marshalTag24(d)
}

func (d *DeviceNameSpacesBytes) UnmarshalCBOR(data []byte) error {
	content, err := unmarshalTag24(data)
	if err != nil {
		return err
	}
	*d = content
	return nil
}

type DeviceNameSpaces map[NameSpace]DeviceSignedItems

type DeviceSignedItems map[ElementIdentifier]ElementValue

func (d *DeviceSigned) Alg() (cose.Algorithm, error) {
	if d == nil || d.DeviceAuth.DeviceSignature == nil {
		return 0, ErrDeviceSignedNil
	}
	if d.DeviceAuth.DeviceSignature.Headers.Protected == nil {
		return 0, ErrMissingProtectedHeader
	}
	return d.DeviceAuth.DeviceSignature.Headers.Protected.Algorithm()
}

// DeviceAuthenticationBytes encodes
// #6.24(bstr .cbor ["DeviceAuthentication", SessionTranscript, DocType, DeviceNameSpacesBytes]).
func (d *DeviceSigned) DeviceAuthenticationBytes(docType DocType, sessionTranscript []byte) ([]byte, error) {
	if d == nil {
		return nil, ErrDeviceSignedNil
	}
	if len(sessionTranscript) == 0 {
		return nil, ErrEmptySessionTranscript
	}

	deviceAuthentication := []interface{}{
		"DeviceAuthentication",
		cbor.RawMessage(sessionTranscript),
		docType,
		d.NameSpaces,
	}

	da, err := encMode.Marshal(deviceAuthentication)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device authentication: %w", err)
	}
	return marshalTag24(da)
}

func (d *DeviceSigned) DeviceNameSpaces() (DeviceNameSpaces, error) {
	if d.NameSpaces == nil {
		return nil, ErrDeviceNameSpacesNil
	}

	var nameSpaces DeviceNameSpaces
	if err := cbor.Unmarshal(d.NameSpaces, &nameSpaces); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device name spaces: %w", err)
	}
	return nameSpaces, nil
}

type DeviceAuth struct {
	DeviceSignature *UntaggedSign1Message `json:"deviceSignature,omitempty"`
	DeviceMac       *UntaggedSign1Message `json:"deviceMac,omitempty"`
}

type DocumentError map[DocType]ErrorCode

type Errors map[NameSpace]ErrorItems

type ErrorItems map[ElementIdentifier]ErrorCode

type ErrorCode int

// COSE elliptic curve identifiers, RFC 8152 Table 22.
const (
	P256          = 1
	P384          = 2
	P521          = 3
	BrainpoolP256 = 8
	BrainpoolP384 = 9
	BrainpoolP512 = 10
)

const coseKeyTypeEC2 = 2

func parseECDSA(coseKey *COSEKey) (*ecdsa.PublicKey, error) {
	if coseKey == nil {
		return nil, fmt.Errorf("cose key is nil")
	}

	var crv int
	if err := cbor.Unmarshal(coseKey.CrvOrNOrK, &crv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal curve: %w", err)
	}

	var xBytes []byte
	if err := cbor.Unmarshal(coseKey.XOrE, &xBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal X coordinate: %w", err)
	}

	var yBytes []byte
	if err := cbor.Unmarshal(coseKey.Y, &yBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Y coordinate: %w", err)
	}

	if len(xBytes) == 0 || len(yBytes) == 0 {
		return nil, fmt.Errorf("invalid coordinates")
	}

	var curve elliptic.Curve
	switch crv {
	case P256:
		curve = elliptic.P256()
	case P384:
		curve = elliptic.P384()
	case P521:
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve: %d", crv)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// NewCOSEKey encodes an EC2 public key as the MSO deviceKey.
func NewCOSEKey(pub *ecdsa.PublicKey) (*COSEKey, error) {
	if pub == nil {
		return nil, fmt.Errorf("public key is nil")
	}

	var crv int
	switch pub.Curve {
	case elliptic.P256():
		crv = P256
	case elliptic.P384():
		crv = P384
	case elliptic.P521():
		crv = P521
	default:
		return nil, fmt.Errorf("unsupported curve: %s", pub.Curve.Params().Name)
	}

	size := (pub.Curve.Params().BitSize + 7) / 8
	crvRaw, err := cbor.Marshal(crv)
	if err != nil {
		return nil, err
	}
	xRaw, err := cbor.Marshal(pub.X.FillBytes(make([]byte, size)))
	if err != nil {
		return nil, err
	}
	yRaw, err := cbor.Marshal(pub.Y.FillBytes(make([]byte, size)))
	if err != nil {
		return nil, err
	}

	return &COSEKey{
		Kty:       coseKeyTypeEC2,
		CrvOrNOrK: crvRaw,
		XOrE:      xRaw,
		Y:         yRaw,
	}, nil
}

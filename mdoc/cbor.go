package mdoc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// tagEncodedCBOR is the "encoded CBOR data item" tag, RFC 8949 §3.4.5.1.
const tagEncodedCBOR = 24

// encMode writes tdate values as tag 0 text, which ISO 18013-5 requires for
// the MSO validity info.
var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{
		Time:    cbor.TimeRFC3339,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Marshal encodes v with the package's encoding options.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func marshalTag24(content []byte) ([]byte, error) {
	if content == nil {
		content = []byte{}
	}
	return cbor.Marshal(cbor.Tag{Number: tagEncodedCBOR, Content: content})
}

func unmarshalTag24(data []byte) ([]byte, error) {
	var tag cbor.RawTag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTaggedContent, err)
	}
	if tag.Number != tagEncodedCBOR {
		return nil, fmt.Errorf("%w: unexpected tag %d", ErrInvalidTaggedContent, tag.Number)
	}
	var content []byte
	if err := cbor.Unmarshal(tag.Content, &content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTaggedContent, err)
	}
	return content, nil
}

// WrapEncoded returns #6.24(bstr .cbor v).
func WrapEncoded(v interface{}) ([]byte, error) {
	content, err := encMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	return marshalTag24(content)
}

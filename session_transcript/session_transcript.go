// Package session_transcript builds the SessionTranscript structures that
// readerAuth and deviceAuth are computed over, one per handover kind.
package session_transcript

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encode wraps a handover in [DeviceEngagementBytes, EReaderKeyBytes,
// Handover]. Both leading entries are null for handovers that do not go
// through device engagement.
func encode(handover interface{}) ([]byte, error) {
	transcript, err := cbor.Marshal([]interface{}{
		nil, // DeviceEngagementBytes
		nil, // EReaderKeyBytes
		handover,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session transcript: %w", err)
	}
	return transcript, nil
}

// Handover returns the third element of an encoded transcript.
func Handover(transcript []byte) ([]interface{}, error) {
	var st []cbor.RawMessage
	if err := cbor.Unmarshal(transcript, &st); err != nil {
		return nil, fmt.Errorf("failed to decode session transcript: %w", err)
	}
	if len(st) != 3 {
		return nil, fmt.Errorf("session transcript has %d entries", len(st))
	}
	var handover []interface{}
	if err := cbor.Unmarshal(st[2], &handover); err != nil {
		return nil, fmt.Errorf("failed to decode handover: %w", err)
	}
	return handover, nil
}

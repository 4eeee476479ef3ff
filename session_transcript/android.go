package session_transcript

import (
	"fmt"
)

const ANDROID_HANDOVER_V1 = "AndroidHandoverv1"

// AndroidHandoverV1 is the transcript of a request received through the
// Android credential manager.
func AndroidHandoverV1(nonce []byte, packageName string, requesterIdHash []byte) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, fmt.Errorf("nonce cannot be empty")
	}
	if packageName == "" {
		return nil, fmt.Errorf("packageName cannot be empty")
	}
	if len(requesterIdHash) == 0 {
		return nil, fmt.Errorf("requesterIdHash cannot be empty")
	}

	return encode([]interface{}{
		ANDROID_HANDOVER_V1,
		nonce,
		[]byte(packageName),
		requesterIdHash,
	})
}

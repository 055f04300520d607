// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"encoding/base64"
	"fmt"

	"github.com/zaf/g711"
)

// EncodePayload converts linear16 PCM to the wire representation:
// µ-law compressed, then base64.
func EncodePayload(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(g711.EncodeUlaw(pcm))
}

// DecodePayload converts a wire payload back to linear16 PCM. A payload that
// is not valid base64 or decodes to nothing is an error; the caller decides
// whether that drops a single frame or the whole message.
func DecodePayload(payload string) ([]byte, error) {
	ulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("payload is not valid base64: %w", err)
	}
	if len(ulaw) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}
	return g711.DecodeUlaw(ulaw), nil
}

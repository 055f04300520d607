// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_transport

// Wire contract with the conversation server. Outbound messages carry the
// stream identifier and one base64 chunk; inbound messages are either a
// sequenced media frame or a control/diagnostic notification.

type outboundStart struct {
	StreamSid string `json:"streamSid"`
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

type outboundMessage struct {
	Start outboundStart `json:"start"`
	Media outboundMedia `json:"media"`
}

type inboundMedia struct {
	Seq     uint64 `json:"seq"`
	Payload string `json:"payload"`
}

// inboundMessage is the union of all recognized server message shapes:
//
//	{ "type": "log", "message": "..." }
//	{ "type": "playback", "play": false }   stop current playback now
//	{ "type": "end_call" }                  clean remote stop
//	{ "event": "media", "media": { "seq": n, "payload": "..." } }
type inboundMessage struct {
	Type    string        `json:"type,omitempty"`
	Message string        `json:"message,omitempty"`
	Play    *bool         `json:"play,omitempty"`
	Event   string        `json:"event,omitempty"`
	Media   *inboundMedia `json:"media,omitempty"`
}

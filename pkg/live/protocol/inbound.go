package protocol

import (
	"encoding/json"
	"strings"
)

// The backend surfaces the same semantic fields under several structurally
// different envelopes. Decoding tries a fixed, ordered list of known shapes
// and combines everything found rather than trusting a single schema.
//
// Canonical fields are serverContent.turnComplete (turn completion) and
// setupComplete (handshake); every other key name checked here is a legacy
// compatibility fallback.

// serverEnvelope covers the nested shapes we know how to read.
type serverEnvelope struct {
	SetupComplete json.RawMessage `json:"setupComplete"`
	SetupDone     json.RawMessage `json:"setup_complete"`

	ServerContent *serverContent `json:"serverContent"`
	Candidates    []candidate    `json:"candidates"`
	Text          string         `json:"text"`

	TurnComplete       *bool `json:"turnComplete"`
	TurnCompleteLegacy *bool `json:"turn_complete"`
	Done               *bool `json:"done"`
}

type serverContent struct {
	ModelTurn *Content `json:"modelTurn"`
	Parts     []Part   `json:"parts"`

	TurnComplete       *bool `json:"turnComplete"`
	GenerationComplete *bool `json:"generationComplete"`
	Interrupted        *bool `json:"interrupted"`
}

type candidate struct {
	Content *Content `json:"content"`
}

// ServerMessage is one decoded inbound frame.
type ServerMessage struct {
	// SetupComplete reports the handshake acknowledgement.
	SetupComplete bool
	// Text is the concatenation of every fragment found in the envelope.
	Text string
	// TurnComplete reports whether any known completion flag was set.
	TurnComplete bool
	// Interrupted reports a backend-side barge-in marker.
	Interrupted bool
}

// DecodeServerMessage parses one inbound payload. Malformed payloads return
// an error so the caller can drop them without tearing the session down.
func DecodeServerMessage(raw []byte) (ServerMessage, error) {
	var env serverEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ServerMessage{}, err
	}

	msg := ServerMessage{
		SetupComplete: ackValue(env.SetupComplete) || ackValue(env.SetupDone),
		Text:          extractText(env),
		TurnComplete:  isTurnComplete(env),
	}
	if env.ServerContent != nil && boolValue(env.ServerContent.Interrupted) {
		msg.Interrupted = true
	}
	return msg, nil
}

// extractText runs every known extractor and concatenates the results in
// order. Extractors are independent; envelopes may match more than one.
func extractText(env serverEnvelope) string {
	var b strings.Builder

	if env.ServerContent != nil {
		if env.ServerContent.ModelTurn != nil {
			writeParts(&b, env.ServerContent.ModelTurn.Parts)
		}
		writeParts(&b, env.ServerContent.Parts)
	}
	for _, c := range env.Candidates {
		if c.Content != nil {
			writeParts(&b, c.Content.Parts)
		}
	}
	b.WriteString(env.Text)

	return b.String()
}

func writeParts(b *strings.Builder, parts []Part) {
	for _, part := range parts {
		b.WriteString(part.Text)
	}
}

func isTurnComplete(env serverEnvelope) bool {
	if env.ServerContent != nil {
		if boolValue(env.ServerContent.TurnComplete) {
			return true
		}
		if boolValue(env.ServerContent.GenerationComplete) {
			return true
		}
	}
	return boolValue(env.TurnComplete) || boolValue(env.TurnCompleteLegacy) || boolValue(env.Done)
}

func boolValue(v *bool) bool {
	return v != nil && *v
}

// ackValue reads a handshake acknowledgement field. The backend sends an
// empty object, older shapes send true; an absent key, null, or an explicit
// false is not an acknowledgement.
func ackValue(raw json.RawMessage) bool {
	switch s := strings.TrimSpace(string(raw)); s {
	case "", "null", "false":
		return false
	default:
		return true
	}
}

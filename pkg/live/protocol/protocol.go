// Package protocol defines the wire frames exchanged with the realtime
// backend: a one-time setup message, realtime media input, activity
// boundaries, conversation content, and the inbound reply envelopes.
package protocol

import (
	"encoding/base64"
	"fmt"
)

const (
	// AudioMimeType is the PCM format the backend accepts for realtime audio.
	AudioMimeType = "audio/pcm;rate=16000"
	// VideoMimeType is the frame format the backend accepts for realtime video.
	VideoMimeType = "image/jpeg"

	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SetupMessage is sent exactly once per connection, before any media.
type SetupMessage struct {
	Setup Setup `json:"setup"`
}

type Setup struct {
	Model               string               `json:"model"`
	SystemInstruction   *Content             `json:"systemInstruction,omitempty"`
	RealtimeInputConfig *RealtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	GenerationConfig    *GenerationConfig    `json:"generationConfig,omitempty"`
}

type RealtimeInputConfig struct {
	AutomaticActivityDetection AutomaticActivityDetection `json:"automaticActivityDetection"`
}

// AutomaticActivityDetection is disabled because the client marks
// activity boundaries explicitly via activityStart/activityEnd.
type AutomaticActivityDetection struct {
	Disabled bool `json:"disabled"`
}

type GenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	MaxOutputTokens    int      `json:"maxOutputTokens,omitempty"`
}

// NewSetup builds the setup frame for a session.
func NewSetup(model, systemInstruction string) SetupMessage {
	setup := Setup{
		Model: model,
		RealtimeInputConfig: &RealtimeInputConfig{
			AutomaticActivityDetection: AutomaticActivityDetection{Disabled: true},
		},
		GenerationConfig: &GenerationConfig{
			ResponseModalities: []string{"TEXT"},
		},
	}
	if systemInstruction != "" {
		setup.SystemInstruction = &Content{
			Parts: []Part{{Text: systemInstruction}},
		}
	}
	return SetupMessage{Setup: setup}
}

// RealtimeInputMessage carries media or activity boundaries.
type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

type RealtimeInput struct {
	Audio *Blob `json:"audio,omitempty"`
	// MediaChunks is a pointer so a keepalive can carry an explicit empty
	// list while media frames omit the field entirely.
	MediaChunks   *[]Blob         `json:"mediaChunks,omitempty"`
	ActivityStart *ActivityMarker `json:"activityStart,omitempty"`
	ActivityEnd   *ActivityMarker `json:"activityEnd,omitempty"`
}

// ActivityMarker marshals to an empty JSON object.
type ActivityMarker struct{}

// Blob is base64-encoded media with its MIME type.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// NewAudioFrame wraps one PCM chunk for transmission.
func NewAudioFrame(pcm []byte) RealtimeInputMessage {
	return RealtimeInputMessage{RealtimeInput: RealtimeInput{
		Audio: &Blob{
			MimeType: AudioMimeType,
			Data:     base64.StdEncoding.EncodeToString(pcm),
		},
	}}
}

// NewVideoFrame wraps one JPEG frame for transmission.
func NewVideoFrame(jpeg []byte) RealtimeInputMessage {
	chunks := []Blob{{
		MimeType: VideoMimeType,
		Data:     base64.StdEncoding.EncodeToString(jpeg),
	}}
	return RealtimeInputMessage{RealtimeInput: RealtimeInput{MediaChunks: &chunks}}
}

// NewActivityStart marks the beginning of a user utterance.
func NewActivityStart() RealtimeInputMessage {
	return RealtimeInputMessage{RealtimeInput: RealtimeInput{ActivityStart: &ActivityMarker{}}}
}

// NewActivityEnd marks the end of a user utterance.
func NewActivityEnd() RealtimeInputMessage {
	return RealtimeInputMessage{RealtimeInput: RealtimeInput{ActivityEnd: &ActivityMarker{}}}
}

// NewKeepalive is an empty media frame used as a heartbeat.
func NewKeepalive() RealtimeInputMessage {
	empty := []Blob{}
	return RealtimeInputMessage{RealtimeInput: RealtimeInput{MediaChunks: &empty}}
}

// ClientContentMessage seeds conversation history or sends finalized user text.
type ClientContentMessage struct {
	ClientContent ClientContent `json:"clientContent"`
}

type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turnComplete,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// NewUserTurn builds a single finalized user text turn that requests a reply.
func NewUserTurn(text string) ClientContentMessage {
	return ClientContentMessage{ClientContent: ClientContent{
		Turns:        []Content{{Role: RoleUser, Parts: []Part{{Text: text}}}},
		TurnComplete: true,
	}}
}

// NewHistory builds a conversation-seed message from prior turns.
func NewHistory(turns []Content) ClientContentMessage {
	return ClientContentMessage{ClientContent: ClientContent{Turns: turns}}
}

// ValidateContent rejects turns the backend would refuse.
func ValidateContent(c Content) error {
	if c.Role != RoleUser && c.Role != RoleAssistant {
		return fmt.Errorf("content role must be user or assistant, got %q", c.Role)
	}
	if len(c.Parts) == 0 {
		return fmt.Errorf("content must carry at least one part")
	}
	return nil
}

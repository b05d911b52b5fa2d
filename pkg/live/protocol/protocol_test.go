package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewSetupIncludesManualActivityDetection(t *testing.T) {
	msg := NewSetup("models/test-model", "be helpful")

	if msg.Setup.Model != "models/test-model" {
		t.Fatalf("model = %q", msg.Setup.Model)
	}
	if msg.Setup.RealtimeInputConfig == nil ||
		!msg.Setup.RealtimeInputConfig.AutomaticActivityDetection.Disabled {
		t.Fatal("automatic activity detection should be disabled")
	}
	if msg.Setup.SystemInstruction == nil ||
		msg.Setup.SystemInstruction.Parts[0].Text != "be helpful" {
		t.Fatal("system instruction not carried")
	}
}

func TestNewSetupOmitsEmptySystemInstruction(t *testing.T) {
	msg := NewSetup("models/test-model", "")
	if msg.Setup.SystemInstruction != nil {
		t.Fatal("empty system instruction should be omitted")
	}
}

func TestNewAudioFrame(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03}
	msg := NewAudioFrame(pcm)

	if msg.RealtimeInput.Audio == nil {
		t.Fatal("audio blob missing")
	}
	if got := msg.RealtimeInput.Audio.MimeType; got != AudioMimeType {
		t.Fatalf("mime = %q, want %q", got, AudioMimeType)
	}
	decoded, err := base64.StdEncoding.DecodeString(msg.RealtimeInput.Audio.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != string(pcm) {
		t.Fatalf("payload roundtrip mismatch")
	}
}

func TestNewVideoFrame(t *testing.T) {
	msg := NewVideoFrame([]byte("jpeg-bytes"))
	if msg.RealtimeInput.MediaChunks == nil || len(*msg.RealtimeInput.MediaChunks) != 1 {
		t.Fatal("video frame should carry one media chunk")
	}
	if got := (*msg.RealtimeInput.MediaChunks)[0].MimeType; got != VideoMimeType {
		t.Fatalf("mime = %q", got)
	}
}

func TestNewKeepaliveMarshalsEmptyChunkList(t *testing.T) {
	data, err := json.Marshal(NewKeepalive())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"mediaChunks":[]`) {
		t.Fatalf("keepalive should carry an explicit empty list, got %s", data)
	}
}

func TestNewUserTurnRequestsReply(t *testing.T) {
	msg := NewUserTurn("what is this product?")
	if !msg.ClientContent.TurnComplete {
		t.Fatal("user turn must set turnComplete")
	}
	if len(msg.ClientContent.Turns) != 1 || msg.ClientContent.Turns[0].Role != RoleUser {
		t.Fatalf("turns = %+v", msg.ClientContent.Turns)
	}
}

func TestNewHistoryDoesNotRequestReply(t *testing.T) {
	msg := NewHistory([]Content{{Role: RoleUser, Parts: []Part{{Text: "hi"}}}})
	if msg.ClientContent.TurnComplete {
		t.Fatal("history seed must not set turnComplete")
	}
}

func TestValidateContent(t *testing.T) {
	cases := []struct {
		name    string
		content Content
		wantErr bool
	}{
		{"user turn", Content{Role: RoleUser, Parts: []Part{{Text: "hi"}}}, false},
		{"assistant turn", Content{Role: RoleAssistant, Parts: []Part{{Text: "hello"}}}, false},
		{"bad role", Content{Role: "system", Parts: []Part{{Text: "x"}}}, true},
		{"no parts", Content{Role: RoleUser}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateContent(tc.content)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestDecodeServerMessageShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want ServerMessage
	}{
		{
			name: "setup ack",
			raw:  `{"setupComplete":{}}`,
			want: ServerMessage{SetupComplete: true},
		},
		{
			name: "setup ack snake case",
			raw:  `{"setup_complete":{}}`,
			want: ServerMessage{SetupComplete: true},
		},
		{
			name: "setup ack boolean",
			raw:  `{"setupComplete":true}`,
			want: ServerMessage{SetupComplete: true},
		},
		{
			name: "explicit false is not an ack",
			raw:  `{"setupComplete":false}`,
			want: ServerMessage{},
		},
		{
			name: "null is not an ack",
			raw:  `{"setupComplete":null}`,
			want: ServerMessage{},
		},
		{
			name: "model turn fragment",
			raw:  `{"serverContent":{"modelTurn":{"parts":[{"text":"hel"},{"text":"lo"}]}}}`,
			want: ServerMessage{Text: "hello"},
		},
		{
			name: "server content parts",
			raw:  `{"serverContent":{"parts":[{"text":"hi"}]}}`,
			want: ServerMessage{Text: "hi"},
		},
		{
			name: "candidates",
			raw:  `{"candidates":[{"content":{"parts":[{"text":"a"}]}},{"content":{"parts":[{"text":"b"}]}}]}`,
			want: ServerMessage{Text: "ab"},
		},
		{
			name: "bare text",
			raw:  `{"text":"plain"}`,
			want: ServerMessage{Text: "plain"},
		},
		{
			name: "canonical completion",
			raw:  `{"serverContent":{"turnComplete":true}}`,
			want: ServerMessage{TurnComplete: true},
		},
		{
			name: "generation complete",
			raw:  `{"serverContent":{"generationComplete":true}}`,
			want: ServerMessage{TurnComplete: true},
		},
		{
			name: "top level completion",
			raw:  `{"turnComplete":true}`,
			want: ServerMessage{TurnComplete: true},
		},
		{
			name: "legacy done flag",
			raw:  `{"done":true}`,
			want: ServerMessage{TurnComplete: true},
		},
		{
			name: "fragment with completion",
			raw:  `{"serverContent":{"modelTurn":{"parts":[{"text":"bye"}]},"turnComplete":true}}`,
			want: ServerMessage{Text: "bye", TurnComplete: true},
		},
		{
			name: "interrupted",
			raw:  `{"serverContent":{"interrupted":true}}`,
			want: ServerMessage{Interrupted: true},
		},
		{
			name: "unknown keys ignored",
			raw:  `{"usageMetadata":{"tokens":5},"text":"x"}`,
			want: ServerMessage{Text: "x"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeServerMessage([]byte(tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDecodeServerMessageCombinesExtractorsInOrder(t *testing.T) {
	raw := `{"serverContent":{"modelTurn":{"parts":[{"text":"one "}]}},"candidates":[{"content":{"parts":[{"text":"two "}]}}],"text":"three"}`
	got, err := DecodeServerMessage([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Text != "one two three" {
		t.Fatalf("text = %q", got.Text)
	}
}

func TestDecodeServerMessageMalformed(t *testing.T) {
	if _, err := DecodeServerMessage([]byte("{not json")); err == nil {
		t.Fatal("malformed payload should error")
	}
}

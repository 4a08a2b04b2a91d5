package collab

import (
	"errors"
	"testing"
)

func TestParseInboundVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{
			name: "authenticate",
			raw:  `{"type":"authenticate","data":{"token":"tok-1"}}`,
			want: Authenticate{Token: "tok-1"},
		},
		{
			name: "join document",
			raw:  `{"type":"join-document","data":{"documentId":"doc-1"}}`,
			want: JoinDocument{DocumentID: "doc-1"},
		},
		{
			name: "typing start",
			raw:  `{"type":"typing-start"}`,
			want: TypingStart{},
		},
		{
			name: "typing stop",
			raw:  `{"type":"typing-stop"}`,
			want: TypingStop{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseInbound([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseInbound: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestParseInboundDocumentChange(t *testing.T) {
	got, err := ParseInbound([]byte(`{"type":"document-change","data":{"content":"","selection":{"start":3}}}`))
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	change, ok := got.(DocumentChange)
	if !ok {
		t.Fatalf("got %T, want DocumentChange", got)
	}
	if change.Content == nil || *change.Content != "" {
		t.Fatalf("empty string content must survive decoding, got %v", change.Content)
	}
	if string(change.Selection) != `{"start":3}` {
		t.Fatalf("selection not preserved: %s", change.Selection)
	}
}

func TestParseInboundRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{{`},
		{name: "missing type", raw: `{"data":{}}`},
		{name: "unknown type", raw: `{"type":"shutdown-server"}`},
		{name: "authenticate without token", raw: `{"type":"authenticate","data":{}}`},
		{name: "authenticate without data", raw: `{"type":"authenticate"}`},
		{name: "join without documentId", raw: `{"type":"join-document","data":{}}`},
		{name: "change without content", raw: `{"type":"document-change","data":{"selection":{}}}`},
		{name: "auto-save without content", raw: `{"type":"auto-save","data":{"title":"x"}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseInbound([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected error for %s", tc.raw)
			}
			var protoErr *ProtocolError
			if !errors.As(err, &protoErr) {
				t.Fatalf("expected ProtocolError, got %T", err)
			}
		})
	}
}

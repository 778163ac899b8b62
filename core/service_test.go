package core

import (
	"crypto/sha256"
	"fmt"
	"testing"
)

// conversationIDFor must be symmetric under peer-pair swap and must match
// the spec's exact formula: digest("dm-v1:"+sort([a,b]).join(":")).
func TestConversationIDForMatchesSpecFormula(t *testing.T) {
	a, b := "peer-a", "peer-b"
	sum := sha256.Sum256([]byte("dm-v1:peer-a:peer-b"))
	want := fmt.Sprintf("%x", sum[:32])

	if got := conversationIDFor(a, b); got != want {
		t.Fatalf("conversationIDFor(a,b) = %q, want %q", got, want)
	}
	if got := conversationIDFor(b, a); got != want {
		t.Fatalf("conversationIDFor(b,a) = %q, want %q (must be swap-symmetric)", got, want)
	}
}

func TestConversationIDForDiffersAcrossPeerPairs(t *testing.T) {
	first := conversationIDFor("peer-a", "peer-b")
	second := conversationIDFor("peer-a", "peer-c")
	if first == second {
		t.Fatalf("expected distinct conversation ids for distinct peer pairs")
	}
}

func TestTruncatePreview(t *testing.T) {
	short := "hello"
	if got := truncatePreview(short); got != short {
		t.Fatalf("expected short body unchanged, got %q", got)
	}
	long := make([]byte, previewLength+50)
	for i := range long {
		long[i] = 'x'
	}
	got := truncatePreview(string(long))
	if len(got) != previewLength {
		t.Fatalf("expected truncation to %d bytes, got %d", previewLength, len(got))
	}
}

func TestAnyImage(t *testing.T) {
	if anyImage([]File{{MIME: "text/plain"}, {MIME: "application/pdf"}}) {
		t.Fatalf("expected no image among non-image files")
	}
	if !anyImage([]File{{MIME: "text/plain"}, {MIME: "image/png"}}) {
		t.Fatalf("expected an image/png file to be detected")
	}
}

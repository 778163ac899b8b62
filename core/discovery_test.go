package core

import (
	"crypto/sha256"
	"fmt"
	"testing"
)

func TestTopicIDForNameDeterministic(t *testing.T) {
	a := TopicIDForName("general")
	b := TopicIDForName("general")
	if a != b {
		t.Fatalf("expected deterministic topic id, got %s vs %s", a, b)
	}
	if TopicIDForName("general") == TopicIDForName("off-topic") {
		t.Fatalf("distinct names must not collide")
	}
	if len(a) != 64 {
		t.Fatalf("expected 32-byte hex digest (64 chars), got %d", len(a))
	}
}

func TestTopicIDForPeerDeterministic(t *testing.T) {
	a := TopicIDForPeer("12D3KooWExamplePeerID")
	b := TopicIDForPeer("12D3KooWExamplePeerID")
	if a != b {
		t.Fatalf("expected deterministic topic id for peer feed")
	}
	if TopicIDForPeer("peer-a") == TopicIDForPeer("peer-b") {
		t.Fatalf("distinct peers must not collide")
	}
}

func TestTopicIDForNameAndPeerDoNotCollide(t *testing.T) {
	name := "12D3KooWExamplePeerID"
	if TopicIDForName(name) == TopicIDForPeer(name) {
		t.Fatalf("topic and peer namespaces must not collide for the same string")
	}
}

func TestTopicIDForPrivateThreadIsSecretDerived(t *testing.T) {
	secretA := []byte("thread-secret-a-32-bytes-long!!")
	secretB := []byte("thread-secret-b-32-bytes-long!!")

	a1 := TopicIDForPrivateThread("thread-1", secretA)
	a2 := TopicIDForPrivateThread("thread-1", secretA)
	if a1 != a2 {
		t.Fatalf("expected deterministic private thread topic id")
	}
	if a1 == TopicIDForPrivateThread("thread-1", secretB) {
		t.Fatalf("distinct thread secrets must not collide")
	}
	if a1 == TopicIDForPrivateThread("thread-2", secretA) {
		t.Fatalf("distinct thread ids must not collide even with the same secret")
	}
}

func TestTopicIDForPrivateThreadMatchesSpecFormula(t *testing.T) {
	secret := []byte("thread-secret-a-32-bytes-long!!")
	sum := sha256.Sum256(append([]byte("orbweaver-private-v1:thread-1:"), secret...))
	want := fmt.Sprintf("%x", sum[:32])
	if got := TopicIDForPrivateThread("thread-1", secret); got != want {
		t.Fatalf("expected spec formula digest(\"orbweaver-private-v1:\"+thread_id+\":\"+secret), got %s want %s", got, want)
	}
}

func TestTopicIDForConversationIsSecretDerived(t *testing.T) {
	secretA := []byte("dm-shared-secret-a")
	secretB := []byte("dm-shared-secret-b")

	c1 := TopicIDForConversation("conv-1", secretA)
	c2 := TopicIDForConversation("conv-1", secretA)
	if c1 != c2 {
		t.Fatalf("expected deterministic conversation topic id")
	}
	if c1 == TopicIDForConversation("conv-1", secretB) {
		t.Fatalf("distinct conversation secrets must not collide")
	}
	if c1 == TopicIDForConversation("conv-2", secretA) {
		t.Fatalf("distinct conversation ids must not collide even with the same secret")
	}
	if c1 == TopicIDForPrivateThread("conv-1", secretA) {
		t.Fatalf("dm and private-thread namespaces must not collide for the same id/secret bytes")
	}
}

func TestTopicIDForConversationMatchesSpecFormula(t *testing.T) {
	secret := []byte("dm-shared-secret-a")
	sum := sha256.Sum256(append([]byte("orbweaver-dm-topic-v1:conv-1:"), secret...))
	want := fmt.Sprintf("%x", sum[:32])
	if got := TopicIDForConversation("conv-1", secret); got != want {
		t.Fatalf("expected spec formula digest(\"orbweaver-dm-topic-v1:\"+conversation_id+\":\"+dm_shared_secret), got %s want %s", got, want)
	}
}

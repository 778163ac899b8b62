package core

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "graphchan.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// §4.1 "files: list_for_post" — every attachment on a post must be
// returned, in the order they were recorded, and never an attachment
// belonging to a different post.
func TestListFilesForPost(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertThread(ctx, Thread{ID: "thread-1", Visibility: VisibilitySocial}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	if err := store.UpsertPost(ctx, Post{ID: "post-1", ThreadID: "thread-1"}); err != nil {
		t.Fatalf("seed post: %v", err)
	}
	if err := store.UpsertPost(ctx, Post{ID: "post-2", ThreadID: "thread-1"}); err != nil {
		t.Fatalf("seed post: %v", err)
	}

	if err := store.UpsertFile(ctx, File{ID: "file-1", PostID: "post-1", OriginalName: "a.png"}); err != nil {
		t.Fatalf("upsert file: %v", err)
	}
	if err := store.UpsertFile(ctx, File{ID: "file-2", PostID: "post-1", OriginalName: "b.png"}); err != nil {
		t.Fatalf("upsert file: %v", err)
	}
	if err := store.UpsertFile(ctx, File{ID: "file-3", PostID: "post-2", OriginalName: "c.png"}); err != nil {
		t.Fatalf("upsert file: %v", err)
	}

	files, err := store.ListFilesForPost(ctx, "post-1")
	if err != nil {
		t.Fatalf("list files for post: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files for post-1, got %d", len(files))
	}
	if files[0].ID != "file-1" || files[1].ID != "file-2" {
		t.Fatalf("unexpected file ids: %v", files)
	}

	other, err := store.ListFilesForPost(ctx, "post-2")
	if err != nil {
		t.Fatalf("list files for post-2: %v", err)
	}
	if len(other) != 1 || other[0].ID != "file-3" {
		t.Fatalf("expected only file-3 for post-2, got %v", other)
	}
}

// §4.1 reactions: upsert is idempotent on (post, emoji, reactor), remove
// deletes exactly that tuple, and list_for_post returns what remains.
func TestReactionUpsertRemoveList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertThread(ctx, Thread{ID: "thread-1", Visibility: VisibilitySocial}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	if err := store.UpsertPost(ctx, Post{ID: "post-1", ThreadID: "thread-1"}); err != nil {
		t.Fatalf("seed post: %v", err)
	}

	r := Reaction{PostID: "post-1", Emoji: "+1", ReactorID: "peer-a", Signature: []byte{1}}
	if err := store.UpsertReaction(ctx, r); err != nil {
		t.Fatalf("upsert reaction: %v", err)
	}
	if err := store.UpsertReaction(ctx, r); err != nil {
		t.Fatalf("re-upsert reaction: %v", err)
	}
	if err := store.UpsertReaction(ctx, Reaction{PostID: "post-1", Emoji: "+1", ReactorID: "peer-b", Signature: []byte{2}}); err != nil {
		t.Fatalf("upsert second reactor: %v", err)
	}

	list, err := store.ListReactions(ctx, "post-1")
	if err != nil {
		t.Fatalf("list reactions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 reactions after idempotent re-upsert, got %d", len(list))
	}

	if err := store.RemoveReaction(ctx, "post-1", "+1", "peer-a"); err != nil {
		t.Fatalf("remove reaction: %v", err)
	}
	list, err = store.ListReactions(ctx, "post-1")
	if err != nil {
		t.Fatalf("list reactions: %v", err)
	}
	if len(list) != 1 || list[0].ReactorID != "peer-b" {
		t.Fatalf("expected only peer-b's reaction to survive, got %v", list)
	}
}

package core

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func newTestBlobStore(t *testing.T) *BlobStore {
	t.Helper()
	bs, err := OpenBlobStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	return bs
}

func TestDigestSoundness(t *testing.T) {
	data := []byte("the spider weaves at dusk")
	d1, err := Digest(data)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	d2, err := Digest(append([]byte{}, data...))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("same bytes produced different digests: %s vs %s", d1, d2)
	}

	other, err := Digest([]byte("the spider weaves at dawn"))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d1 == other {
		t.Fatalf("distinct bytes produced the same digest")
	}
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	data := []byte("attachment bytes")
	digest, err := Digest(data)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if err := Verify(digest, data); err != nil {
		t.Fatalf("verify should accept untampered data: %v", err)
	}
	if err := Verify(digest, []byte("attachment byte5")); err == nil {
		t.Fatalf("verify should reject tampered data")
	}
}

func TestAddHasExportRoundTrip(t *testing.T) {
	bs := newTestBlobStore(t)
	ctx := context.Background()
	data := []byte("round trip payload")

	digest, err := bs.AddBytes(ctx, data)
	if err != nil {
		t.Fatalf("add bytes: %v", err)
	}
	if !bs.Has(digest) {
		t.Fatalf("expected Has to report true after AddBytes")
	}
	got, err := bs.Export(digest)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("export mismatch: got %q want %q", got, data)
	}

	if _, err := bs.Export("bafkqaaa-not-a-real-digest"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown digest, got %v", err)
	}
}

func TestAddBytesIsIdempotent(t *testing.T) {
	bs := newTestBlobStore(t)
	ctx := context.Background()
	data := []byte("same bytes twice")

	d1, err := bs.AddBytes(ctx, data)
	if err != nil {
		t.Fatalf("add bytes: %v", err)
	}
	d2, err := bs.AddBytes(ctx, data)
	if err != nil {
		t.Fatalf("add bytes again: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("expected stable digest across repeated adds")
	}
}

func TestBlobStoreEvictsOldestWhenFull(t *testing.T) {
	bs, err := OpenBlobStore(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	ctx := context.Background()

	d1, err := bs.AddBytes(ctx, []byte("first"))
	if err != nil {
		t.Fatalf("add first: %v", err)
	}
	if _, err := bs.AddBytes(ctx, []byte("second")); err != nil {
		t.Fatalf("add second: %v", err)
	}
	if _, err := bs.AddBytes(ctx, []byte("third")); err != nil {
		t.Fatalf("add third: %v", err)
	}

	if bs.Has(d1) {
		t.Fatalf("expected oldest entry to be evicted once the cache is full")
	}
}

func TestDownloadVerifiesDigestBeforeStoring(t *testing.T) {
	bs := newTestBlobStore(t)
	ctx := context.Background()
	data := []byte("downloaded over a stream")
	digest, err := Digest(data)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	if _, err := bs.Download(ctx, digest, strings.NewReader(string(data)), int64(len(data))+16); err != nil {
		t.Fatalf("download: %v", err)
	}
	if !bs.Has(digest) {
		t.Fatalf("expected download to store the blob under its digest")
	}

	wrongDigest, err := Digest([]byte("something else"))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if _, err := bs.Download(ctx, wrongDigest, strings.NewReader(string(data)), int64(len(data))+16); err == nil {
		t.Fatalf("expected download to reject a digest mismatch")
	}
}

func TestDownloadRejectsOversizedStream(t *testing.T) {
	bs := newTestBlobStore(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte{'x'}, 64)
	digest, err := Digest(data)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if _, err := bs.Download(ctx, digest, bytes.NewReader(data), 16); err == nil {
		t.Fatalf("expected download to reject a stream exceeding maxBytes")
	}
}

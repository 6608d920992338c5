package gbfs_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"gbfs-go/internal/encryption"
	"gbfs-go/internal/entitystore"
	"gbfs-go/internal/gbfs"
	"gbfs-go/internal/testutil"
)

const testChunkSize = 64

func newService(t *testing.T, store gbfs.EntityStore) *gbfs.Service {
	t.Helper()
	svc, _ := testutil.NewTestService(t, store, gbfs.Options{ChunkSize: testChunkSize})
	return svc
}

func query(t *testing.T, store gbfs.EntityStore, f gbfs.Filter) []gbfs.Entity {
	t.Helper()
	got, err := store.QueryEntities(context.Background(), f)
	if err != nil {
		t.Fatalf("QueryEntities(%s) error = %v", f, err)
	}
	return got
}

func chunksOf(t *testing.T, store gbfs.EntityStore, bucketID, name string) []gbfs.Entity {
	t.Helper()
	return query(t, store, gbfs.Where(gbfs.TagType, gbfs.TypeChunk).And(gbfs.TagBucketID, bucketID).And(gbfs.TagFile, name))
}

func manifestsOf(t *testing.T, store gbfs.EntityStore, bucketID, name string) []gbfs.Entity {
	t.Helper()
	return query(t, store, gbfs.Where(gbfs.TagType, gbfs.TypeManifest).And(gbfs.TagBucketID, bucketID).And(gbfs.TagName, name))
}

func chunkAt(t *testing.T, store gbfs.EntityStore, bucketID, name string, index int) gbfs.Entity {
	t.Helper()
	for _, e := range chunksOf(t, store, bucketID, name) {
		if e.Tags[gbfs.TagIndex] == strconv.Itoa(index) {
			return e
		}
	}
	t.Fatalf("no chunk %d for %s", index, name)
	return gbfs.Entity{}
}

func mustUpload(t *testing.T, svc *gbfs.Service, bucketID, name string, data []byte) *gbfs.FileMeta {
	t.Helper()
	meta, err := svc.Upload(context.Background(), bucketID, name, data, gbfs.UploadOptions{})
	if err != nil {
		t.Fatalf("Upload(%s) error = %v", name, err)
	}
	return meta
}

func TestService_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		size int
	}{
		{name: "empty", size: 0},
		{name: "one byte", size: 1},
		{name: "exactly one chunk", size: testChunkSize},
		{name: "one chunk plus one", size: testChunkSize + 1},
		{name: "several chunks plus remainder", size: 5*testChunkSize + 17},
		{name: "several full chunks", size: 8 * testChunkSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := testutil.NewTestStore()
			svc := newService(t, store)
			data := testutil.RandomBytes(tt.size)

			meta := mustUpload(t, svc, "bucket-1", "file.bin", data)
			if meta.Size != int64(tt.size) || meta.Name != "file.bin" || meta.BucketID != "bucket-1" || meta.ID == "" {
				t.Errorf("Upload() meta = %+v", meta)
			}

			got, err := svc.Download(context.Background(), "bucket-1", "file.bin")
			if err != nil {
				t.Fatalf("Download() error = %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("Download() returned %d bytes differing from the %d uploaded", len(got), len(data))
			}

			if n, want := len(chunksOf(t, store, "bucket-1", "file.bin")), gbfs.ChunkCount(int64(tt.size), testChunkSize); n != want {
				t.Errorf("stored %d chunk records, want %d", n, want)
			}
		})
	}
}

func TestService_DefaultChunkSizeRoundTrip(t *testing.T) {
	t.Parallel()

	store := testutil.NewTestStore()
	svc, _ := testutil.NewTestService(t, store, gbfs.Options{})
	data := testutil.RandomBytes(3*gbfs.DefaultChunkSize + 1234)

	mustUpload(t, svc, "b", "big.bin", data)
	got, err := svc.Download(context.Background(), "b", "big.bin")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Download() did not return the uploaded bytes")
	}

	for _, e := range chunksOf(t, store, "b", "big.bin") {
		if len(e.Payload) > gbfs.MaxPayloadSize {
			t.Errorf("chunk payload of %d bytes exceeds the record ceiling", len(e.Payload))
		}
	}
}

func TestService_ZeroByteFile(t *testing.T) {
	t.Parallel()

	store := testutil.NewTestStore()
	svc := newService(t, store)

	meta := mustUpload(t, svc, "b", "empty", nil)
	if meta.Size != 0 {
		t.Errorf("Size = %d, want 0", meta.Size)
	}
	if n := len(chunksOf(t, store, "b", "empty")); n != 0 {
		t.Errorf("zero-byte file stored %d chunk records, want 0", n)
	}

	got, err := svc.Download(context.Background(), "b", "empty")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Download() = %d bytes, want 0", len(got))
	}
}

func TestService_WireFormat(t *testing.T) {
	t.Parallel()

	store := testutil.NewTestStore()
	svc := newService(t, store)
	data := []byte("This is a top secret message 👀 with emojis 🚀🔥")
	mustUpload(t, svc, "b", "secret.txt", data)

	manifests := manifestsOf(t, store, "b", "secret.txt")
	if len(manifests) != 1 {
		t.Fatalf("found %d manifests, want 1", len(manifests))
	}
	var raw map[string]any
	if err := json.Unmarshal(manifests[0].Payload, &raw); err != nil {
		t.Fatalf("manifest is not JSON: %v", err)
	}
	for _, field := range []string{"version", "bucketId", "name", "size", "exportedKey", "chunkSize", "createdAt", "digest"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("manifest is missing field %q", field)
		}
	}
	if key, _ := raw["exportedKey"].(string); len(key) != 64 {
		t.Errorf("exportedKey has %d chars, want 64", len(key))
	} else if _, err := hex.DecodeString(key); err != nil {
		t.Errorf("exportedKey is not hex: %v", err)
	}
	if raw["digest"] != testutil.SHA256Hex(data) {
		t.Errorf("digest = %v, want %s", raw["digest"], testutil.SHA256Hex(data))
	}
	if raw["createdAt"] != float64(testutil.FixedClock().Now().UnixMilli()) {
		t.Errorf("createdAt = %v, want epoch ms of the stub clock", raw["createdAt"])
	}

	chunks := chunksOf(t, store, "b", "secret.txt")
	if len(chunks) != 1 {
		t.Fatalf("found %d chunks, want 1", len(chunks))
	}
	c := chunks[0]
	if len(c.Payload) != gbfs.IVSize+len(data)+gbfs.TagSize {
		t.Errorf("chunk payload is %d bytes, want iv + %d + tag", len(c.Payload), len(data))
	}
	if bytes.Contains(c.Payload, []byte("top secret")) {
		t.Error("chunk payload contains plaintext")
	}
	if c.Tags[gbfs.TagIndex] != "0" || c.Tags[gbfs.TagFile] != "secret.txt" || c.Tags[gbfs.TagBucketID] != "b" {
		t.Errorf("chunk tags = %v", c.Tags)
	}
}

func TestService_IVsAreUnique(t *testing.T) {
	t.Parallel()

	store := testutil.NewTestStore()
	svc := newService(t, store)
	// Identical plaintext in every chunk.
	mustUpload(t, svc, "b", "same.bin", bytes.Repeat([]byte{0x41}, 16*testChunkSize))

	seen := make(map[string]bool)
	for _, e := range chunksOf(t, store, "b", "same.bin") {
		iv := string(e.Payload[:gbfs.IVSize])
		if seen[iv] {
			t.Fatalf("iv %x reused across chunks", iv)
		}
		seen[iv] = true
	}
}

func TestService_ListFiles(t *testing.T) {
	t.Parallel()

	store := testutil.NewTestStore()
	svc := newService(t, store)
	sizes := map[string]int{"a.txt": 0, "b.txt": 10, "c.txt": 3 * testChunkSize, "d.txt": 200}
	for name, size := range sizes {
		mustUpload(t, svc, "b1", name, testutil.RandomBytes(size))
	}
	mustUpload(t, svc, "b2", "other.txt", []byte("x"))

	entries, err := svc.ListFiles(context.Background(), "b1")
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(entries) != len(sizes) {
		t.Fatalf("ListFiles() returned %d entries, want %d", len(entries), len(sizes))
	}
	for _, e := range entries {
		if !e.OK() {
			t.Fatalf("entry %s is malformed: %v", e.Key, e.Err)
		}
		want, ok := sizes[e.Value.Name]
		if !ok {
			t.Errorf("unexpected file %q", e.Value.Name)
			continue
		}
		if e.Value.Size != int64(want) {
			t.Errorf("%s: Size = %d, want %d", e.Value.Name, e.Value.Size, want)
		}
		if e.Value.ID != e.Key {
			t.Errorf("%s: ID = %q, want key %q", e.Value.Name, e.Value.ID, e.Key)
		}
	}

	gbfs.SortFiles(entries)
	if entries[0].Value.Name != "a.txt" || entries[3].Value.Name != "d.txt" {
		t.Errorf("SortFiles() order = %s..%s", entries[0].Value.Name, entries[3].Value.Name)
	}
}

func TestService_ListFiles_Malformed(t *testing.T) {
	t.Parallel()

	store := testutil.NewTestStore()
	svc := newService(t, store)
	mustUpload(t, svc, "b", "good.txt", []byte("fine"))
	store.Put(gbfs.Entity{
		Key:     "corrupt-manifest",
		Payload: []byte("{not json"),
		Tags:    map[string]string{gbfs.TagType: gbfs.TypeManifest, gbfs.TagBucketID: "b", gbfs.TagName: "bad.txt"},
	})

	entries, err := svc.ListFiles(context.Background(), "b")
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListFiles() returned %d entries, want 2", len(entries))
	}

	bad := gbfs.Malformed(entries)
	if len(bad) != 1 || bad[0].Key != "corrupt-manifest" || !errors.Is(bad[0].Err, gbfs.ErrCorruptFile) {
		t.Errorf("Malformed() = %+v, want the corrupt manifest", bad)
	}
	if good := gbfs.Values(entries); len(good) != 1 || good[0].Name != "good.txt" {
		t.Errorf("Values() = %+v, want good.txt", good)
	}
}

func TestService_DeleteFile(t *testing.T) {
	t.Parallel()

	store := testutil.NewTestStore()
	svc := newService(t, store)
	ctx := context.Background()

	mustUpload(t, svc, "b", "gone.txt", testutil.RandomBytes(3*testChunkSize+1))
	mustUpload(t, svc, "b", "kept.txt", []byte("stay"))

	n, err := svc.DeleteFile(ctx, "b", "gone.txt")
	if err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}
	if n != 5 {
		t.Errorf("DeleteFile() removed %d records, want 5 (1 manifest + 4 chunks)", n)
	}

	if _, err := svc.Download(ctx, "b", "gone.txt"); !errors.Is(err, gbfs.ErrNotFound) {
		t.Errorf("Download() after delete error = %v, want ErrNotFound", err)
	}
	if len(chunksOf(t, store, "b", "gone.txt")) != 0 {
		t.Error("chunks remain after delete")
	}
	if _, err := svc.Download(ctx, "b", "kept.txt"); err != nil {
		t.Errorf("Download(kept.txt) error = %v", err)
	}

	// Idempotent.
	n, err = svc.DeleteFile(ctx, "b", "gone.txt")
	if err != nil || n != 0 {
		t.Errorf("second DeleteFile() = %d, %v; want 0, nil", n, err)
	}
	n, err = svc.DeleteFile(ctx, "b", "never-existed")
	if err != nil || n != 0 {
		t.Errorf("DeleteFile(nonexistent) = %d, %v; want 0, nil", n, err)
	}
}

func TestService_DeleteFile_StoreFailure(t *testing.T) {
	t.Parallel()

	store := testutil.NewFaultyStore(testutil.NewTestStore())
	svc := newService(t, store)
	mustUpload(t, svc, "b", "f", []byte("data"))

	store.DeleteHook = func([]string) error { return testutil.ErrInjected }
	_, err := svc.DeleteFile(context.Background(), "b", "f")
	for _, target := range []error{gbfs.ErrPartialDelete, gbfs.ErrStore, testutil.ErrInjected} {
		if !errors.Is(err, target) {
			t.Errorf("DeleteFile() error = %v, want it to match %v", err, target)
		}
	}
	if !gbfs.IsPartial(err) {
		t.Error("IsPartial() = false for a failed batch delete")
	}
}

func TestService_DownloadNotFound(t *testing.T) {
	t.Parallel()

	svc := newService(t, testutil.NewTestStore())
	_, err := svc.Download(context.Background(), "b", "missing")
	if !errors.Is(err, gbfs.ErrNotFound) {
		t.Errorf("Download() error = %v, want ErrNotFound", err)
	}
	if _, err := svc.Stat(context.Background(), "b", "missing"); !errors.Is(err, gbfs.ErrNotFound) {
		t.Errorf("Stat() error = %v, want ErrNotFound", err)
	}
}

func TestService_Validation(t *testing.T) {
	t.Parallel()

	svc := newService(t, testutil.NewTestStore())
	ctx := context.Background()

	checks := []struct {
		name string
		err  error
	}{
		{"upload without bucket", func() error { _, err := svc.Upload(ctx, "", "n", nil, gbfs.UploadOptions{}); return err }()},
		{"upload without name", func() error { _, err := svc.Upload(ctx, "b", "", nil, gbfs.UploadOptions{}); return err }()},
		{"download without name", func() error { _, err := svc.Download(ctx, "b", ""); return err }()},
		{"delete without bucket", func() error { _, err := svc.DeleteFile(ctx, "", "n"); return err }()},
		{"list without bucket", func() error { _, err := svc.ListFiles(ctx, ""); return err }()},
	}
	for _, c := range checks {
		if !errors.Is(c.err, gbfs.ErrValidation) {
			t.Errorf("%s: error = %v, want ErrValidation", c.name, c.err)
		}
	}
}

func TestService_DuplicateName(t *testing.T) {
	t.Parallel()

	store := testutil.NewTestStore()
	svc, clock := testutil.NewTestService(t, store, gbfs.Options{ChunkSize: testChunkSize})
	ctx := context.Background()

	mustUpload(t, svc, "b", "dup.txt", testutil.RandomBytes(3*testChunkSize))

	_, err := svc.Upload(ctx, "b", "dup.txt", []byte("second"), gbfs.UploadOptions{})
	if !errors.Is(err, gbfs.ErrAlreadyExists) || !errors.Is(err, gbfs.ErrValidation) {
		t.Fatalf("second Upload() error = %v, want ErrAlreadyExists", err)
	}

	clock.Advance(time.Second)
	second := []byte("second version")
	meta, err := svc.Upload(ctx, "b", "dup.txt", second, gbfs.UploadOptions{Overwrite: true})
	if err != nil {
		t.Fatalf("Upload(Overwrite) error = %v", err)
	}

	got, err := svc.Download(ctx, "b", "dup.txt")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Errorf("Download() = %q, want %q", got, second)
	}

	if n := len(manifestsOf(t, store, "b", "dup.txt")); n != 1 {
		t.Errorf("%d manifests after overwrite, want 1", n)
	}
	if n := len(chunksOf(t, store, "b", "dup.txt")); n != 1 {
		t.Errorf("%d chunks after overwrite, want 1", n)
	}
	if stat, err := svc.Stat(ctx, "b", "dup.txt"); err != nil || stat.ID != meta.ID {
		t.Errorf("Stat() = %+v, %v; want id %s", stat, err, meta.ID)
	}
}

func TestService_OverwriteCleanupFailureKeepsNewVersion(t *testing.T) {
	t.Parallel()

	store := testutil.NewFaultyStore(testutil.NewTestStore())
	svc, clock := testutil.NewTestService(t, store, gbfs.Options{ChunkSize: testChunkSize})
	ctx := context.Background()

	mustUpload(t, svc, "b", "f", []byte("old"))
	clock.Advance(time.Second)

	store.DeleteHook = func([]string) error { return testutil.ErrInjected }
	meta, err := svc.Upload(ctx, "b", "f", []byte("new"), gbfs.UploadOptions{Overwrite: true})
	if !errors.Is(err, gbfs.ErrPartialDelete) {
		t.Fatalf("Upload(Overwrite) error = %v, want ErrPartialDelete", err)
	}
	if meta == nil {
		t.Fatal("Upload(Overwrite) returned no meta although the new version committed")
	}
	store.DeleteHook = nil

	// Both generations exist; the latest wins.
	if n := len(manifestsOf(t, store, "b", "f")); n != 2 {
		t.Fatalf("%d manifests, want 2", n)
	}
	got, err := svc.Download(ctx, "b", "f")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if string(got) != "new" {
		t.Errorf("Download() = %q, want %q", got, "new")
	}

	// Deleting the name removes every generation.
	n, err := svc.DeleteFile(ctx, "b", "f")
	if err != nil || n != 4 {
		t.Errorf("DeleteFile() = %d, %v; want 4, nil", n, err)
	}
}

func TestService_PartialUploadCleansUp(t *testing.T) {
	t.Parallel()

	inner := testutil.NewTestStore()
	store := testutil.NewFaultyStore(inner)
	svc, _ := testutil.NewTestService(t, store, gbfs.Options{ChunkSize: testChunkSize, Concurrency: 1})

	store.CreateHook = testutil.FailCreateAt(3)
	_, err := svc.Upload(context.Background(), "b", "f", testutil.RandomBytes(6*testChunkSize), gbfs.UploadOptions{})

	var perr *gbfs.PartialUploadError
	if !errors.As(err, &perr) {
		t.Fatalf("Upload() error = %v, want *PartialUploadError", err)
	}
	for _, target := range []error{gbfs.ErrPartialUpload, testutil.ErrInjected, gbfs.ErrStore} {
		if !errors.Is(err, target) {
			t.Errorf("Upload() error = %v, want it to match %v", err, target)
		}
	}
	if perr.CleanupErr != nil {
		t.Errorf("CleanupErr = %v, want nil", perr.CleanupErr)
	}
	if perr.Staged != 2 {
		t.Errorf("Staged = %d, want 2", perr.Staged)
	}
	if n := inner.Len(); n != 0 {
		t.Errorf("%d records left in the store after a failed upload, want 0", n)
	}
	if _, err := svc.Download(context.Background(), "b", "f"); !errors.Is(err, gbfs.ErrNotFound) {
		t.Errorf("Download() after failed upload error = %v, want ErrNotFound", err)
	}
}

// encryptFailCipher fails every Encrypt call.
type encryptFailCipher struct{ gbfs.Cipher }

func (encryptFailCipher) Encrypt(gbfs.Key, []byte) ([]byte, []byte, error) {
	return nil, nil, testutil.ErrInjected
}

func TestService_FailureBeforeFirstWriteIsNotPartial(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, store *testutil.FaultyStore) *gbfs.Service
	}{
		{
			name: "first chunk write fails",
			setup: func(t *testing.T, store *testutil.FaultyStore) *gbfs.Service {
				store.CreateHook = testutil.FailCreateAt(1)
				svc, _ := testutil.NewTestService(t, store, gbfs.Options{ChunkSize: testChunkSize, Concurrency: 1})
				return svc
			},
		},
		{
			name: "encryption fails",
			setup: func(t *testing.T, store *testutil.FaultyStore) *gbfs.Service {
				svc, err := gbfs.NewService(store, encryptFailCipher{encryption.NewAESGCM()},
					gbfs.Options{ChunkSize: testChunkSize}, nil, testutil.FixedClock(), testutil.NewStubIDGenerator())
				if err != nil {
					t.Fatalf("NewService() error = %v", err)
				}
				return svc
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := testutil.NewTestStore()
			store := testutil.NewFaultyStore(inner)
			svc := tt.setup(t, store)

			_, err := svc.Upload(context.Background(), "b", "f", testutil.RandomBytes(3*testChunkSize), gbfs.UploadOptions{})
			if !errors.Is(err, testutil.ErrInjected) {
				t.Fatalf("Upload() error = %v, want %v", err, testutil.ErrInjected)
			}
			if gbfs.IsPartial(err) {
				t.Errorf("IsPartial() = true for an upload that wrote nothing: %v", err)
			}
			var perr *gbfs.PartialUploadError
			if errors.As(err, &perr) {
				t.Errorf("Upload() error = %v, want no *PartialUploadError", err)
			}
			if n := inner.Len(); n != 0 {
				t.Errorf("%d records in the store, want 0", n)
			}
		})
	}
}

func TestService_ManifestWriteFailureCleansUp(t *testing.T) {
	t.Parallel()

	inner := testutil.NewTestStore()
	store := testutil.NewFaultyStore(inner)
	svc := newService(t, store)

	store.CreateHook = testutil.FailCreateOfType(gbfs.TypeManifest)
	_, err := svc.Upload(context.Background(), "b", "f", testutil.RandomBytes(2*testChunkSize), gbfs.UploadOptions{})

	var perr *gbfs.PartialUploadError
	if !errors.As(err, &perr) {
		t.Fatalf("Upload() error = %v, want *PartialUploadError", err)
	}
	if perr.Staged != 2 {
		t.Errorf("Staged = %d, want 2", perr.Staged)
	}
	if n := inner.Len(); n != 0 {
		t.Errorf("%d records left after a failed manifest write, want 0", n)
	}
}

func TestService_PartialUploadCleanupFailure(t *testing.T) {
	t.Parallel()

	inner := testutil.NewTestStore()
	store := testutil.NewFaultyStore(inner)
	svc := newService(t, store)

	cleanupErr := errors.New("delete refused")
	store.CreateHook = testutil.FailCreateOfType(gbfs.TypeManifest)
	store.DeleteHook = func([]string) error { return cleanupErr }

	_, err := svc.Upload(context.Background(), "b", "f", testutil.RandomBytes(testChunkSize), gbfs.UploadOptions{})
	var perr *gbfs.PartialUploadError
	if !errors.As(err, &perr) {
		t.Fatalf("Upload() error = %v, want *PartialUploadError", err)
	}
	if !errors.Is(perr.CleanupErr, cleanupErr) {
		t.Errorf("CleanupErr = %v, want %v", perr.CleanupErr, cleanupErr)
	}
	if !errors.Is(err, cleanupErr) {
		t.Error("PartialUploadError does not expose the cleanup failure")
	}
	if n := inner.Len(); n != 1 {
		t.Errorf("%d records left, want the 1 orphaned chunk", n)
	}
}

func TestService_CancelledUpload(t *testing.T) {
	t.Parallel()

	t.Run("before start", func(t *testing.T) {
		store := testutil.NewFaultyStore(testutil.NewTestStore())
		svc := newService(t, store)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := svc.Upload(ctx, "b", "f", []byte("x"), gbfs.UploadOptions{})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Upload() error = %v, want context.Canceled", err)
		}
		if store.CreateCalls() != 0 {
			t.Errorf("%d create calls on a cancelled upload, want 0", store.CreateCalls())
		}
	})

	t.Run("mid upload", func(t *testing.T) {
		inner := testutil.NewTestStore()
		store := testutil.NewFaultyStore(inner)
		svc, _ := testutil.NewTestService(t, store, gbfs.Options{ChunkSize: testChunkSize, Concurrency: 1})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store.CreateHook = func(call int, _ []gbfs.EntityCreate) error {
			if call == 3 {
				cancel()
				return context.Canceled
			}
			return nil
		}

		_, err := svc.Upload(ctx, "b", "f", testutil.RandomBytes(8*testChunkSize), gbfs.UploadOptions{})
		if !errors.Is(err, gbfs.ErrPartialUpload) || !errors.Is(err, context.Canceled) {
			t.Errorf("Upload() error = %v, want partial upload caused by cancellation", err)
		}
		if n := inner.Len(); n != 0 {
			t.Errorf("%d records left after a cancelled upload, want 0", n)
		}
	})
}

func TestService_CancelledDownload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		// arm cancels ctx at some point of the download.
		arm func(store *testutil.FaultyStore, cancel context.CancelFunc)
	}{
		{
			name: "before the call",
			arm: func(_ *testutil.FaultyStore, cancel context.CancelFunc) {
				cancel()
			},
		},
		{
			name: "between manifest and chunk queries",
			arm: func(store *testutil.FaultyStore, cancel context.CancelFunc) {
				queries := 0
				store.QueryHook = func(gbfs.Filter) error {
					queries++
					if queries == 2 {
						cancel()
					}
					return nil
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, viaWriter := range []bool{false, true} {
				store := testutil.NewFaultyStore(testutil.NewTestStore())
				svc := newService(t, store)
				mustUpload(t, svc, "b", "f", testutil.RandomBytes(50*testChunkSize+3))

				ctx, cancel := context.WithCancel(context.Background())
				tt.arm(store, cancel)

				if viaWriter {
					var buf bytes.Buffer
					n, err := svc.DownloadTo(ctx, "b", "f", &buf)
					if !errors.Is(err, context.Canceled) {
						t.Errorf("DownloadTo() error = %v, want context.Canceled", err)
					}
					if n != 0 || buf.Len() != 0 {
						t.Errorf("DownloadTo() wrote %d bytes (buffer %d), want 0", n, buf.Len())
					}
				} else {
					got, err := svc.Download(ctx, "b", "f")
					if !errors.Is(err, context.Canceled) {
						t.Errorf("Download() error = %v, want context.Canceled", err)
					}
					if got != nil {
						t.Errorf("Download() returned %d bytes, want nil", len(got))
					}
				}
				cancel()
			}
		})
	}
}

func TestService_DownloadDetectsCorruption(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (*entitystore.MemoryStore, *gbfs.Service, []byte) {
		store := testutil.NewTestStore()
		svc := newService(t, store)
		data := testutil.RandomBytes(4*testChunkSize + 9)
		mustUpload(t, svc, "b", "f", data)
		return store, svc, data
	}

	tests := []struct {
		name    string
		corrupt func(t *testing.T, store *entitystore.MemoryStore)
		want    error
	}{
		{
			name: "missing chunk",
			corrupt: func(t *testing.T, store *entitystore.MemoryStore) {
				c := chunkAt(t, store, "b", "f", 2)
				store.DeleteEntities(context.Background(), []string{c.Key})
			},
			want: gbfs.ErrCorruptFile,
		},
		{
			name: "missing final chunk",
			corrupt: func(t *testing.T, store *entitystore.MemoryStore) {
				c := chunkAt(t, store, "b", "f", 4)
				store.DeleteEntities(context.Background(), []string{c.Key})
			},
			want: gbfs.ErrCorruptFile,
		},
		{
			name: "duplicate index",
			corrupt: func(t *testing.T, store *entitystore.MemoryStore) {
				c := chunkAt(t, store, "b", "f", 1)
				c.Key = "duplicate"
				store.Put(c)
			},
			want: gbfs.ErrCorruptFile,
		},
		{
			name: "extra chunk",
			corrupt: func(t *testing.T, store *entitystore.MemoryStore) {
				c := chunkAt(t, store, "b", "f", 4)
				c.Key = "extra"
				c.Tags[gbfs.TagIndex] = "5"
				store.Put(c)
			},
			want: gbfs.ErrCorruptFile,
		},
		{
			name: "invalid index tag",
			corrupt: func(t *testing.T, store *entitystore.MemoryStore) {
				c := chunkAt(t, store, "b", "f", 0)
				c.Tags[gbfs.TagIndex] = "zero"
				store.Put(c)
			},
			want: gbfs.ErrCorruptFile,
		},
		{
			name: "tampered ciphertext",
			corrupt: func(t *testing.T, store *entitystore.MemoryStore) {
				c := chunkAt(t, store, "b", "f", 3)
				c.Payload[gbfs.IVSize+5] ^= 0x01
				store.Put(c)
			},
			want: gbfs.ErrAuthentication,
		},
		{
			name: "tampered iv",
			corrupt: func(t *testing.T, store *entitystore.MemoryStore) {
				c := chunkAt(t, store, "b", "f", 0)
				c.Payload[0] ^= 0x80
				store.Put(c)
			},
			want: gbfs.ErrAuthentication,
		},
		{
			name: "truncated payload",
			corrupt: func(t *testing.T, store *entitystore.MemoryStore) {
				c := chunkAt(t, store, "b", "f", 1)
				c.Payload = c.Payload[:gbfs.ChunkOverhead-1]
				store.Put(c)
			},
			want: gbfs.ErrAuthentication,
		},
		{
			name: "swapped chunks",
			corrupt: func(t *testing.T, store *entitystore.MemoryStore) {
				a := chunkAt(t, store, "b", "f", 0)
				b := chunkAt(t, store, "b", "f", 1)
				a.Payload, b.Payload = b.Payload, a.Payload
				store.Put(a)
				store.Put(b)
			},
			want: gbfs.ErrIntegrityCheckFailed,
		},
		{
			name: "digest mismatch",
			corrupt: func(t *testing.T, store *entitystore.MemoryStore) {
				rewriteManifest(t, store, "b", "f", func(m map[string]any) {
					m["digest"] = testutil.SHA256Hex([]byte("something else"))
				})
			},
			want: gbfs.ErrIntegrityCheckFailed,
		},
		{
			name: "size mismatch",
			corrupt: func(t *testing.T, store *entitystore.MemoryStore) {
				rewriteManifest(t, store, "b", "f", func(m map[string]any) {
					m["size"] = 4*testChunkSize + 8
				})
			},
			want: gbfs.ErrCorruptFile,
		},
		{
			name: "wrong key",
			corrupt: func(t *testing.T, store *entitystore.MemoryStore) {
				rewriteManifest(t, store, "b", "f", func(m map[string]any) {
					m["exportedKey"] = hex.EncodeToString(bytes.Repeat([]byte{7}, gbfs.KeySize))
				})
			},
			want: gbfs.ErrAuthentication,
		},
		{
			name: "unknown cipher",
			corrupt: func(t *testing.T, store *entitystore.MemoryStore) {
				rewriteManifest(t, store, "b", "f", func(m map[string]any) {
					m["cipher"] = "rot13"
				})
			},
			want: gbfs.ErrCorruptFile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store, svc, _ := setup(t)
			tt.corrupt(t, store)

			got, err := svc.Download(context.Background(), "b", "f")
			if !errors.Is(err, tt.want) {
				t.Errorf("Download() error = %v, want %v", err, tt.want)
			}
			if got != nil {
				t.Errorf("Download() returned %d bytes on failure", len(got))
			}

			var buf bytes.Buffer
			n, err := svc.DownloadTo(context.Background(), "b", "f", &buf)
			if err == nil || n != 0 || buf.Len() != 0 {
				t.Errorf("DownloadTo() = %d, %v with %d bytes written; want nothing written", n, err, buf.Len())
			}
		})
	}
}

// rewriteManifest edits the JSON of the only manifest for name in place.
func rewriteManifest(t *testing.T, store *entitystore.MemoryStore, bucketID, name string, edit func(m map[string]any)) {
	t.Helper()
	manifests := manifestsOf(t, store, bucketID, name)
	if len(manifests) != 1 {
		t.Fatalf("found %d manifests, want 1", len(manifests))
	}
	e := manifests[0]
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		t.Fatalf("decoding manifest: %v", err)
	}
	edit(m)
	payload, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("encoding manifest: %v", err)
	}
	e.Payload = payload
	store.Put(e)
}

func TestService_MissingDigest(t *testing.T) {
	t.Parallel()

	for _, allow := range []bool{false, true} {
		store := testutil.NewTestStore()
		svc, _ := testutil.NewTestService(t, store, gbfs.Options{ChunkSize: testChunkSize, AllowMissingDigest: allow})
		data := []byte("no digest here")
		mustUpload(t, svc, "b", "f", data)
		rewriteManifest(t, store, "b", "f", func(m map[string]any) { delete(m, "digest") })

		got, err := svc.Download(context.Background(), "b", "f")
		if allow {
			if err != nil || !bytes.Equal(got, data) {
				t.Errorf("AllowMissingDigest: Download() = %q, %v; want the data", got, err)
			}
			continue
		}
		if !errors.Is(err, gbfs.ErrIntegrityCheckFailed) {
			t.Errorf("Download() error = %v, want ErrIntegrityCheckFailed", err)
		}
	}
}

func TestService_LegacyManifest(t *testing.T) {
	t.Parallel()

	store := testutil.NewTestStore()
	svc := newService(t, store)
	ctx := context.Background()
	cipher := encryption.NewAESGCM()

	key, err := cipher.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	raw, _ := cipher.ExportKey(key)
	data := testutil.RandomBytes(2*testChunkSize + 3)
	chunks, digest, _ := gbfs.Chunk(data, testChunkSize)

	// Chunks written without an upload tag, manifest with legacy field names.
	for i, c := range chunks {
		iv, ct, err := cipher.Encrypt(key, c)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		_, err = store.CreateEntities(ctx, []gbfs.EntityCreate{{
			Payload: append(iv, ct...),
			Tags: map[string]string{
				gbfs.TagType: gbfs.TypeChunk, gbfs.TagBucketID: "b", gbfs.TagFile: "legacy.bin", gbfs.TagIndex: strconv.Itoa(i),
			},
		}})
		if err != nil {
			t.Fatalf("CreateEntities() error = %v", err)
		}
	}
	manifest, _ := json.Marshal(map[string]any{
		"v": 1, "bucketId": "b", "name": "legacy.bin", "size": len(data),
		"keyHex": hex.EncodeToString(raw), "chunkSize": testChunkSize, "createdAt": 1700000000000, "digest": digest,
	})
	if _, err := store.CreateEntities(ctx, []gbfs.EntityCreate{{
		Payload: manifest,
		Tags:    map[string]string{gbfs.TagType: gbfs.TypeManifest, gbfs.TagBucketID: "b", gbfs.TagName: "legacy.bin"},
	}}); err != nil {
		t.Fatalf("CreateEntities() error = %v", err)
	}

	got, err := svc.Download(ctx, "b", "legacy.bin")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Download() of a legacy file returned different bytes")
	}
}

func TestService_KeyWrapper(t *testing.T) {
	t.Parallel()

	store := testutil.NewTestStore()
	wrapper := encryption.NewTestKeyWrapper()
	svc, _ := testutil.NewTestService(t, store, gbfs.Options{ChunkSize: testChunkSize, KeyWrapper: wrapper})
	ctx := context.Background()
	data := testutil.RandomBytes(150)

	mustUpload(t, svc, "b", "wrapped.bin", data)

	var m map[string]any
	if err := json.Unmarshal(manifestsOf(t, store, "b", "wrapped.bin")[0].Payload, &m); err != nil {
		t.Fatalf("decoding manifest: %v", err)
	}
	if _, ok := m["exportedKey"]; ok {
		t.Error("manifest stores a plain key although a wrapper is configured")
	}
	if m["keyWrap"] != encryption.TestScheme || m["wrappedKey"] == "" {
		t.Errorf("manifest keyWrap = %v, wrappedKey = %v", m["keyWrap"], m["wrappedKey"])
	}

	got, err := svc.Download(ctx, "b", "wrapped.bin")
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("Download() = %d bytes, %v; want the data", len(got), err)
	}

	plain := newService(t, store)
	if _, err := plain.Download(ctx, "b", "wrapped.bin"); !errors.Is(err, gbfs.ErrNotInitialized) {
		t.Errorf("Download() without a wrapper error = %v, want ErrNotInitialized", err)
	}

	wrapper.Lock()
	if _, err := svc.Download(ctx, "b", "wrapped.bin"); !errors.Is(err, gbfs.ErrNotInitialized) {
		t.Errorf("Download() with a locked wrapper error = %v, want ErrNotInitialized", err)
	}
}

func TestService_CipherRecordedPerFile(t *testing.T) {
	t.Parallel()

	store := testutil.NewTestStore()
	ctx := context.Background()
	chacha, err := gbfs.NewService(store, encryption.NewChaCha20Poly1305(),
		gbfs.Options{ChunkSize: testChunkSize, Ciphers: encryption.LookupCipher}, nil, testutil.FixedClock(), testutil.NewStubIDGenerator())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	data := testutil.RandomBytes(300)
	if _, err := chacha.Upload(ctx, "b", "c.bin", data, gbfs.UploadOptions{}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	// A service uploading with AES still reads the ChaCha file.
	aes := newService(t, store)
	got, err := aes.Download(ctx, "b", "c.bin")
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("Download() = %d bytes, %v; want the data", len(got), err)
	}

	// Without a lookup only the upload cipher is accepted.
	strict, err := gbfs.NewService(store, encryption.NewAESGCM(), gbfs.Options{ChunkSize: testChunkSize}, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if _, err := strict.Download(ctx, "b", "c.bin"); !errors.Is(err, gbfs.ErrCorruptFile) {
		t.Errorf("Download() with unknown cipher error = %v, want ErrCorruptFile", err)
	}
}

func TestService_DownloadTo(t *testing.T) {
	t.Parallel()

	svc := newService(t, testutil.NewTestStore())
	data := testutil.RandomBytes(2*testChunkSize + 5)
	mustUpload(t, svc, "b", "f", data)

	var buf bytes.Buffer
	n, err := svc.DownloadTo(context.Background(), "b", "f", &buf)
	if err != nil {
		t.Fatalf("DownloadTo() error = %v", err)
	}
	if n != int64(len(data)) || !bytes.Equal(buf.Bytes(), data) {
		t.Errorf("DownloadTo() wrote %d bytes, want the %d uploaded", n, len(data))
	}
}

func TestService_StoreErrorsPropagate(t *testing.T) {
	t.Parallel()

	store := testutil.NewFaultyStore(testutil.NewTestStore())
	svc := newService(t, store)
	mustUpload(t, svc, "b", "f", []byte("x"))

	store.QueryHook = func(gbfs.Filter) error { return testutil.ErrInjected }
	ctx := context.Background()

	_, err := svc.Download(ctx, "b", "f")
	if !errors.Is(err, gbfs.ErrStore) || !errors.Is(err, testutil.ErrInjected) {
		t.Errorf("Download() error = %v, want ErrStore wrapping the cause", err)
	}
	if _, err := svc.ListFiles(ctx, "b"); !errors.Is(err, gbfs.ErrStore) {
		t.Errorf("ListFiles() error = %v, want ErrStore", err)
	}
	if _, err := svc.Upload(ctx, "b", "g", []byte("y"), gbfs.UploadOptions{}); !errors.Is(err, gbfs.ErrStore) {
		t.Errorf("Upload() error = %v, want ErrStore", err)
	}
	if store.CreateCalls() != 2 {
		t.Errorf("%d create calls, want only the first upload's chunk and manifest", store.CreateCalls())
	}
}

func TestNewService_Options(t *testing.T) {
	t.Parallel()

	store := testutil.NewTestStore()
	cipher := encryption.NewAESGCM()

	tests := []struct {
		name    string
		opts    gbfs.Options
		wantErr error
	}{
		{name: "defaults", opts: gbfs.Options{}},
		{name: "largest chunk", opts: gbfs.Options{ChunkSize: gbfs.MaxPayloadSize - gbfs.ChunkOverhead}},
		{name: "chunk too large", opts: gbfs.Options{ChunkSize: gbfs.MaxPayloadSize - gbfs.ChunkOverhead + 1}, wantErr: gbfs.ErrValidation},
		{name: "smaller record ceiling", opts: gbfs.Options{ChunkSize: 100, MaxRecordSize: 127}, wantErr: gbfs.ErrValidation},
		{name: "negative chunk", opts: gbfs.Options{ChunkSize: -1}, wantErr: gbfs.ErrValidation},
		{name: "negative ttl", opts: gbfs.Options{TTL: -5}, wantErr: gbfs.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gbfs.NewService(store, cipher, tt.opts, nil, nil, nil)
			if tt.wantErr == nil && err != nil {
				t.Errorf("NewService() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("NewService() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := gbfs.NewService(nil, cipher, gbfs.Options{}, nil, nil, nil); !errors.Is(err, gbfs.ErrNotInitialized) {
		t.Errorf("NewService(nil store) error = %v, want ErrNotInitialized", err)
	}
	if _, err := gbfs.NewService(store, nil, gbfs.Options{}, nil, nil, nil); !errors.Is(err, gbfs.ErrNotInitialized) {
		t.Errorf("NewService(nil cipher) error = %v, want ErrNotInitialized", err)
	}
}

package images

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zhizinan1997/pic-gate/internal/archive"
	"github.com/zhizinan1997/pic-gate/internal/config"
	"github.com/zhizinan1997/pic-gate/internal/metrics"
	"github.com/zhizinan1997/pic-gate/internal/store"
)

// memArchive is an in-memory Archive used to exercise tier transitions.
type memArchive struct {
	objects map[string][]byte
	fail    bool
}

func newMemArchive() *memArchive {
	return &memArchive{objects: make(map[string][]byte)}
}

func (a *memArchive) Enabled() bool { return true }

func (a *memArchive) Upload(_ context.Context, key string, data []byte, _ string) error {
	if a.fail {
		return errors.New("upload refused")
	}
	a.objects[key] = append([]byte(nil), data...)
	return nil
}

func (a *memArchive) Download(_ context.Context, key string) ([]byte, error) {
	data, ok := a.objects[key]
	if !ok {
		return nil, archive.ErrNotFound
	}
	return data, nil
}

func (a *memArchive) Delete(_ context.Context, key string) error {
	delete(a.objects, key)
	return nil
}

type disabledArchive struct{}

func (disabledArchive) Enabled() bool { return false }
func (disabledArchive) Upload(context.Context, string, []byte, string) error {
	return archive.ErrDisabled
}
func (disabledArchive) Download(context.Context, string) ([]byte, error) {
	return nil, archive.ErrDisabled
}
func (disabledArchive) Delete(context.Context, string) error { return archive.ErrDisabled }

func newTestService(t *testing.T, arch archive.Archive) *Service {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		DataDir: dir,
		Cache: config.CacheConfig{
			LocalTTL:          72 * time.Hour,
			MetadataRetention: 365 * 24 * time.Hour,
		},
	}
	svc, err := New(st, arch, metrics.New(), slog.New(slog.NewTextHandler(os.Stderr, nil)), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

// TestSaveAndGet verifies a save/read round trip through the local tier.
func TestSaveAndGet(t *testing.T) {
	svc := newTestService(t, disabledArchive{})
	ctx := context.Background()
	payload := pngBytes(t, 4, 4)

	id, err := svc.Save(ctx, payload, "image/png")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, contentType, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("bytes differ after round trip")
	}
	if contentType != "image/png" {
		t.Errorf("content type = %q", contentType)
	}
}

// TestSaveFromDataURI accepts both a data URI and raw base64.
func TestSaveFromDataURI(t *testing.T) {
	svc := newTestService(t, disabledArchive{})
	ctx := context.Background()
	payload := pngBytes(t, 2, 2)
	b64 := base64.StdEncoding.EncodeToString(payload)

	for _, input := range []string{b64, "data:image/png;base64," + b64} {
		id, err := svc.SaveFromBase64(ctx, input)
		if err != nil {
			t.Fatalf("SaveFromBase64(%q...): %v", input[:12], err)
		}
		data, _, err := svc.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(data, payload) {
			t.Error("bytes differ after round trip")
		}
	}
}

// TestGetMissing verifies ErrNotFound for unknown ids.
func TestGetMissing(t *testing.T) {
	svc := newTestService(t, disabledArchive{})
	_, _, err := svc.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
}

// TestArchiveFallback deletes the local copy and confirms the read restores
// it from the archive.
func TestArchiveFallback(t *testing.T) {
	arch := newMemArchive()
	svc := newTestService(t, arch)
	ctx := context.Background()
	payload := pngBytes(t, 3, 3)

	id, err := svc.Save(ctx, payload, "image/png")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Drive the upload synchronously.
	if err := svc.SweepUploads(ctx, 10); err != nil {
		t.Fatalf("SweepUploads: %v", err)
	}
	if len(arch.objects) != 1 {
		t.Fatalf("archive objects = %d, want 1", len(arch.objects))
	}

	// Simulate disk loss: file removed behind the service's back.
	rec, err := svc.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if err := os.Remove(rec.LocalPath); err != nil {
		t.Fatalf("remove local file: %v", err)
	}

	data, _, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after disk loss: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("archive fallback returned wrong bytes")
	}

	// The read restored the local copy.
	rec, _ = svc.store.Get(ctx, id)
	if !rec.HasLocalCopy {
		t.Error("local copy not restored after archive read")
	}
	if _, err := os.Stat(rec.LocalPath); err != nil {
		t.Errorf("restored file missing: %v", err)
	}
}

// TestUploadFailureKeepsLocalCopy verifies a failed upload leaves the record
// retryable and never evictable.
func TestUploadFailureKeepsLocalCopy(t *testing.T) {
	arch := newMemArchive()
	arch.fail = true
	svc := newTestService(t, arch)
	ctx := context.Background()

	id, err := svc.Save(ctx, pngBytes(t, 2, 2), "image/png")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := svc.SweepUploads(ctx, 10); err != nil {
		t.Fatalf("SweepUploads: %v", err)
	}

	rec, err := svc.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if rec.UploadState != store.UploadFailed || rec.UploadError == "" {
		t.Errorf("state=%q err=%q, want failed with reason", rec.UploadState, rec.UploadError)
	}

	// Even an idle record must not lose its only copy.
	_ = svc.store.Touch(ctx, id, time.Now().Add(-100*time.Hour))
	svc.Evict(ctx)
	rec, _ = svc.store.Get(ctx, id)
	if !rec.HasLocalCopy {
		t.Error("eviction dropped the only copy of an unarchived image")
	}

	// Once the archive recovers, the sweep retries and the upload lands.
	arch.fail = false
	if err := svc.SweepUploads(ctx, 10); err != nil {
		t.Fatalf("SweepUploads retry: %v", err)
	}
	rec, _ = svc.store.Get(ctx, id)
	if rec.UploadState != store.UploadUploaded {
		t.Errorf("state after retry = %q, want uploaded", rec.UploadState)
	}
}

// TestEvictIdleKeepsArchivedBytes verifies TTL eviction drops only the local
// copy of archived images.
func TestEvictIdleKeepsArchivedBytes(t *testing.T) {
	arch := newMemArchive()
	svc := newTestService(t, arch)
	ctx := context.Background()

	id, err := svc.Save(ctx, pngBytes(t, 2, 2), "image/png")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := svc.SweepUploads(ctx, 10); err != nil {
		t.Fatalf("SweepUploads: %v", err)
	}
	_ = svc.store.Touch(ctx, id, time.Now().Add(-100*time.Hour))

	svc.Evict(ctx)

	rec, err := svc.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if rec.HasLocalCopy {
		t.Error("idle local copy not evicted")
	}
	if !rec.HasRemoteCopy {
		t.Error("remote copy flag lost during eviction")
	}

	// The image remains readable via the archive.
	if _, _, err := svc.Get(ctx, id); err != nil {
		t.Errorf("Get after eviction: %v", err)
	}
}

// TestQuotaEvictsOldestFirst fills the cache past its cap and checks the
// oldest-created archived images are dropped down to 90% of the cap.
func TestQuotaEvictsOldestFirst(t *testing.T) {
	arch := newMemArchive()
	svc := newTestService(t, arch)
	svc.maxLocalMB = 1
	ctx := context.Background()

	// Three ~500KB images exceed the 1MB cap.
	big := make([]byte, 500*1024)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := svc.Save(ctx, big, "image/png")
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		ids = append(ids, id)
		// Separate creation times so the eviction order is deterministic.
		rec, _ := svc.store.Get(ctx, id)
		_ = rec
		time.Sleep(5 * time.Millisecond)
	}
	if err := svc.SweepUploads(ctx, 10); err != nil {
		t.Fatalf("SweepUploads: %v", err)
	}

	svc.Evict(ctx)

	first, _ := svc.store.Get(ctx, ids[0])
	last, _ := svc.store.Get(ctx, ids[2])
	if first.HasLocalCopy {
		t.Error("oldest image survived quota eviction")
	}
	if !last.HasLocalCopy {
		t.Error("newest image evicted before older ones")
	}
}

// TestExpireMetadata deletes local-less records past retention.
func TestExpireMetadata(t *testing.T) {
	svc := newTestService(t, disabledArchive{})
	ctx := context.Background()

	old := time.Now().Add(-400 * 24 * time.Hour)
	rec := &store.ImageRecord{
		ID:             "deadbeef-0000-0000-0000-000000000001",
		ContentType:    "image/png",
		UploadState:    store.UploadSkipped,
		CreatedAt:      old,
		LastAccessedAt: old,
	}
	if err := svc.store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	svc.Evict(ctx)

	if _, err := svc.store.Get(ctx, rec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expired record still present: %v", err)
	}
}

// TestThumbnailDownscales verifies the preview fits the bound and that junk
// input yields a placeholder rather than an error.
func TestThumbnailDownscales(t *testing.T) {
	svc := newTestService(t, disabledArchive{})
	ctx := context.Background()

	id, err := svc.Save(ctx, pngBytes(t, 64, 32), "image/png")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	thumb, err := svc.Thumbnail(ctx, id, 16)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(thumb))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 8 {
		t.Errorf("thumbnail = %dx%d, want 16x8", img.Bounds().Dx(), img.Bounds().Dy())
	}

	junkID, err := svc.Save(ctx, []byte("not an image"), "image/png")
	if err != nil {
		t.Fatalf("Save junk: %v", err)
	}
	thumb, err = svc.Thumbnail(ctx, junkID, 16)
	if err != nil {
		t.Fatalf("Thumbnail junk: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(thumb)); err != nil {
		t.Errorf("placeholder not valid png: %v", err)
	}
}

// TestSplitDataURI covers the content-type extraction corner cases.
func TestSplitDataURI(t *testing.T) {
	tests := []struct {
		in          string
		contentType string
		payload     string
	}{
		{"AAAA", "image/png", "AAAA"},
		{"data:image/png;base64,BBBB", "image/png", "BBBB"},
		{"data:image/jpeg;base64,CCCC", "image/jpeg", "CCCC"},
		{"data:;base64,DDDD", "image/png", "DDDD"},
	}
	for _, tt := range tests {
		ct, payload := SplitDataURI(tt.in)
		if ct != tt.contentType || payload != tt.payload {
			t.Errorf("SplitDataURI(%q) = (%q, %q), want (%q, %q)",
				tt.in, ct, payload, tt.contentType, tt.payload)
		}
	}
}

func TestSaveWithFileVerification(t *testing.T) {
	svc := newTestService(t, disabledArchive{})
	ctx := context.Background()

	id, err := svc.Save(ctx, pngBytes(t, 2, 2), "image/jpeg")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	rec, err := svc.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if filepath.Ext(rec.LocalPath) != ".jpg" {
		t.Errorf("local path = %q, want .jpg extension", rec.LocalPath)
	}
}

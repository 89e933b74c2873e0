// Package images implements the tiered image cache.
//
// Bytes live on local disk for fast serving and, when configured, in the
// S3-compatible archive for durability. Metadata lives in the store package.
// All tier transitions (save, archive upload, local eviction, self-healing
// restore) run through this service so the metadata flags stay truthful.
package images

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhizinan1997/pic-gate/internal/archive"
	"github.com/zhizinan1997/pic-gate/internal/config"
	"github.com/zhizinan1997/pic-gate/internal/metrics"
	"github.com/zhizinan1997/pic-gate/internal/store"
)

// ErrNotFound is returned when the image exists in no tier.
var ErrNotFound = errors.New("images: not found")

const uploadWorkers = 4

// Service is the tiered image cache.
type Service struct {
	store   *store.Store
	archive archive.Archive
	metrics *metrics.Metrics
	log     *slog.Logger
	dir     string

	ttl          time.Duration
	retention    time.Duration
	maxLocalMB   int
	deleteRemote bool

	uploadCh chan string
	quotaCh  chan struct{}
	wg       sync.WaitGroup

	// locks serializes tier transitions per image id.
	locks sync.Map // id → *sync.Mutex
}

// New creates the service and ensures the image directory exists.
func New(st *store.Store, arch archive.Archive, m *metrics.Metrics, log *slog.Logger, cfg *config.Config) (*Service, error) {
	dir := filepath.Join(cfg.DataDir, "images")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("images: create dir %s: %w", dir, err)
	}
	return &Service{
		store:        st,
		archive:      arch,
		metrics:      m,
		log:          log,
		dir:          dir,
		ttl:          cfg.Cache.LocalTTL,
		retention:    cfg.Cache.MetadataRetention,
		maxLocalMB:   cfg.Cache.MaxLocalMB,
		deleteRemote: cfg.DeleteRemoteOnMetadataExpire,
		uploadCh:     make(chan string, 256),
		quotaCh:      make(chan struct{}, 1),
	}, nil
}

// Start launches the archive upload workers. Call Stop to drain them.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < uploadWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id, ok := <-s.uploadCh:
					if !ok {
						return
					}
					s.uploadOne(ctx, id)
				}
			}
		}()
	}

	// Single consumer for save-triggered quota checks.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-s.quotaCh:
				if !ok {
					return
				}
				s.evictOverQuota(ctx)
			}
		}
	}()
}

// Stop closes the work queues and waits for in-flight uploads.
func (s *Service) Stop() {
	close(s.uploadCh)
	close(s.quotaCh)
	s.wg.Wait()
}

func (s *Service) lock(id string) func() {
	muAny, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// SaveFromBase64 decodes a base64 payload (raw or data URI), writes the local
// copy, records metadata, and queues the archive upload. It returns the new id.
func (s *Service) SaveFromBase64(ctx context.Context, b64 string) (string, error) {
	contentType, raw := SplitDataURI(b64)
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("images: decode base64: %w", err)
	}
	id, err := s.Save(ctx, data, contentType)
	if err == nil {
		s.metrics.RewriteImages.WithLabelValues("to_url").Inc()
	}
	return id, err
}

// Save writes raw image bytes into the cache and returns the new id.
func (s *Service) Save(ctx context.Context, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "image/png"
	}
	id := uuid.NewString()
	path := filepath.Join(s.dir, id+ExtensionFor(contentType))

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("images: write %s: %w", path, err)
	}

	state := store.UploadPending
	if !s.archive.Enabled() {
		state = store.UploadSkipped
	}
	now := time.Now()
	rec := &store.ImageRecord{
		ID:             id,
		LocalPath:      path,
		SizeBytes:      int64(len(data)),
		ContentType:    contentType,
		HasLocalCopy:   true,
		UploadState:    state,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		os.Remove(path)
		return "", err
	}

	s.metrics.ImagesSaved.Inc()
	s.log.Debug("image saved", "id", id, "bytes", len(data), "content_type", contentType)

	if s.archive.Enabled() {
		s.enqueueUpload(id)
	}
	select {
	case s.quotaCh <- struct{}{}:
	default:
		// A check is already queued.
	}
	return id, nil
}

// Get returns the image bytes and content type, restoring the local copy from
// the archive when needed. Reads bump last_accessed_at.
func (s *Service) Get(ctx context.Context, id string) ([]byte, string, error) {
	if uuid.Validate(id) != nil {
		return nil, "", ErrNotFound
	}
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}

	if rec.HasLocalCopy {
		data, readErr := os.ReadFile(rec.LocalPath)
		if readErr == nil {
			_ = s.store.Touch(ctx, id, time.Now())
			s.metrics.ImageReads.WithLabelValues("local").Inc()
			return data, rec.ContentType, nil
		}
		// The flag lied: the file is gone. Heal the metadata and fall
		// through to the archive.
		s.log.Warn("local copy missing on disk", "id", id, "path", rec.LocalPath)
		unlock := s.lock(id)
		_ = s.store.SetLocalCopy(ctx, id, false, "")
		unlock()
	}

	if !rec.HasRemoteCopy || !s.archive.Enabled() {
		return nil, "", ErrNotFound
	}

	key := rec.RemoteKey
	if key == "" {
		key = archive.Key(id)
	}
	data, err := s.archive.Download(ctx, key)
	if errors.Is(err, archive.ErrNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}

	// Restore the local copy so the next read is fast.
	unlock := s.lock(id)
	defer unlock()
	path := filepath.Join(s.dir, id+ExtensionFor(rec.ContentType))
	if writeErr := os.WriteFile(path, data, 0o644); writeErr == nil {
		if err := s.store.SetLocalCopy(ctx, id, true, path); err != nil {
			s.log.Warn("failed to record restored local copy", "id", id, "error", err)
		}
	} else {
		s.log.Warn("failed to restore local copy", "id", id, "error", writeErr)
	}
	_ = s.store.Touch(ctx, id, time.Now())
	s.metrics.ImageReads.WithLabelValues("archive").Inc()
	return data, rec.ContentType, nil
}

// GetDataURI returns the image as a data URI, for payload rewriting.
func (s *Service) GetDataURI(ctx context.Context, id string) (string, error) {
	data, contentType, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	s.metrics.RewriteImages.WithLabelValues("to_base64").Inc()
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// ── archive uploads ───────────────────────────────────────────────────────────

func (s *Service) enqueueUpload(id string) {
	select {
	case s.uploadCh <- id:
	default:
		// Queue full. The periodic sweep will pick the record up.
		s.log.Debug("upload queue full, deferring to sweep", "id", id)
	}
}

// SweepUploads re-queues up to limit pending or failed records. The cleanup
// scheduler calls this periodically so crashed or deferred uploads recover.
func (s *Service) SweepUploads(ctx context.Context, limit int) error {
	if !s.archive.Enabled() {
		return nil
	}
	recs, err := s.store.ListUploadable(ctx, limit)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.uploadOne(ctx, rec.ID)
	}
	return nil
}

func (s *Service) uploadOne(ctx context.Context, id string) {
	unlock := s.lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		s.log.Warn("upload skipped, record missing", "id", id, "error", err)
		return
	}
	if rec.HasRemoteCopy || !rec.HasLocalCopy {
		return
	}

	data, err := os.ReadFile(rec.LocalPath)
	if err != nil {
		s.log.Warn("upload skipped, local file unreadable", "id", id, "error", err)
		_ = s.store.MarkUploadFailed(ctx, id, err.Error())
		return
	}

	if err := s.store.MarkUploading(ctx, id); err != nil {
		s.log.Warn("failed to mark uploading", "id", id, "error", err)
		return
	}

	key := archive.Key(id)
	if err := s.archive.Upload(ctx, key, data, rec.ContentType); err != nil {
		s.log.Warn("archive upload failed", "id", id, "error", err)
		s.metrics.ArchiveUploads.WithLabelValues("error").Inc()
		_ = s.store.MarkUploadFailed(ctx, id, err.Error())
		return
	}
	if err := s.store.MarkUploaded(ctx, id, key); err != nil {
		s.log.Error("failed to record archive upload", "id", id, "error", err)
		return
	}
	s.metrics.ArchiveUploads.WithLabelValues("ok").Inc()
	s.log.Debug("image archived", "id", id, "key", key)
}

// ── eviction ──────────────────────────────────────────────────────────────────

// Evict runs all three maintenance passes: TTL eviction of idle local copies,
// size-quota eviction of the oldest local copies, and deletion of records past
// metadata retention.
func (s *Service) Evict(ctx context.Context) {
	s.evictIdle(ctx)
	s.evictOverQuota(ctx)
	s.expireMetadata(ctx)

	if st, err := s.store.Stats(ctx); err == nil {
		s.metrics.SetStoreStats(st.TotalRecords, st.LocalCopies, st.RemoteCopies,
			st.PendingUploads, st.FailedUploads, st.LocalBytes)
	}
}

func (s *Service) evictIdle(ctx context.Context) {
	cutoff := time.Now().Add(-s.ttl)
	recs, err := s.store.ListLocalNotAccessedSince(ctx, cutoff)
	if err != nil {
		s.log.Error("ttl eviction listing failed", "error", err)
		return
	}
	for _, rec := range recs {
		s.dropLocal(ctx, rec, "ttl")
	}
	if len(recs) > 0 {
		s.log.Info("ttl eviction pass complete", "evicted", len(recs))
	}
}

func (s *Service) evictOverQuota(ctx context.Context) {
	if s.maxLocalMB <= 0 {
		return
	}
	recs, err := s.store.ListLocalOldestFirst(ctx)
	if err != nil {
		s.log.Error("quota eviction listing failed", "error", err)
		return
	}
	var total int64
	for _, rec := range recs {
		total += rec.SizeBytes
	}
	limit := int64(s.maxLocalMB) * 1024 * 1024
	if total <= limit {
		return
	}
	// Evict oldest-created first down to 90% of the cap.
	target := limit * 9 / 10
	evicted := 0
	for _, rec := range recs {
		if total <= target {
			break
		}
		s.dropLocal(ctx, rec, "quota")
		total -= rec.SizeBytes
		evicted++
	}
	s.log.Info("quota eviction pass complete", "evicted", evicted, "remaining_bytes", total)
}

func (s *Service) expireMetadata(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	recs, err := s.store.ListExpiredMetadata(ctx, cutoff)
	if err != nil {
		s.log.Error("metadata retention listing failed", "error", err)
		return
	}
	for _, rec := range recs {
		if s.deleteRemote && rec.HasRemoteCopy && s.archive.Enabled() {
			key := rec.RemoteKey
			if key == "" {
				key = archive.Key(rec.ID)
			}
			if err := s.archive.Delete(ctx, key); err != nil {
				s.log.Warn("archive delete failed, keeping record", "id", rec.ID, "error", err)
				continue
			}
		}
		if err := s.store.Delete(ctx, rec.ID); err != nil {
			s.log.Warn("metadata delete failed", "id", rec.ID, "error", err)
			continue
		}
		s.locks.Delete(rec.ID)
	}
	if len(recs) > 0 {
		s.log.Info("metadata retention pass complete", "deleted", len(recs))
	}
}

// dropLocal removes the on-disk copy and clears the local flag. The record
// itself survives so archived images remain resolvable.
func (s *Service) dropLocal(ctx context.Context, rec *store.ImageRecord, reason string) {
	unlock := s.lock(rec.ID)
	defer unlock()

	// An upload may still be pending. Evicting the only copy would lose the
	// image, so idle pending records wait for the next pass.
	if !rec.HasRemoteCopy && rec.UploadState != store.UploadSkipped && s.archive.Enabled() {
		s.log.Debug("eviction deferred, upload pending", "id", rec.ID)
		return
	}

	if rec.LocalPath != "" {
		if err := os.Remove(rec.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to remove local file", "id", rec.ID, "error", err)
			return
		}
	}

	// Without a remote copy the record would become unreachable, so it goes
	// with the file.
	if !rec.HasRemoteCopy {
		if err := s.store.Delete(ctx, rec.ID); err != nil {
			s.log.Warn("failed to delete unreachable record", "id", rec.ID, "error", err)
		}
		s.locks.Delete(rec.ID)
		s.metrics.ImagesEvicted.WithLabelValues(reason).Inc()
		return
	}

	if err := s.store.SetLocalCopy(ctx, rec.ID, false, ""); err != nil {
		s.log.Warn("failed to clear local flag", "id", rec.ID, "error", err)
		return
	}
	s.metrics.ImagesEvicted.WithLabelValues(reason).Inc()
}

// Stats exposes store aggregates for the admin surface.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return s.store.Stats(ctx)
}

// ── content type helpers ──────────────────────────────────────────────────────

// SplitDataURI splits "data:image/png;base64,AAAA" into its content type and
// raw base64 payload. Plain base64 input returns ("image/png", input).
func SplitDataURI(s string) (contentType, b64 string) {
	if !strings.HasPrefix(s, "data:") {
		return "image/png", s
	}
	rest := s[len("data:"):]
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return "image/png", s
	}
	meta, payload := rest[:comma], rest[comma+1:]
	meta = strings.TrimSuffix(meta, ";base64")
	if meta == "" {
		meta = "image/png"
	}
	return meta, payload
}

// ExtensionFor maps a content type to a file extension, defaulting to .png.
func ExtensionFor(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// ContentTypeFor maps a file extension back to a content type.
func ContentTypeFor(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

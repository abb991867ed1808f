package keystore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chat_relay/internal/cryptographic/encryption"
	"chat_relay/internal/model"
	"chat_relay/internal/utils/log"

	"go.uber.org/zap"
)

const (
	refreshTimeout = 5 * time.Second
	// missRefreshInterval limits repository reads triggered by lookups of
	// unknown versions.
	missRefreshInterval = time.Second
)

type (
	// Repository persists key records. The store keeps working from memory
	// when no repository is configured.
	Repository interface {
		List(ctx context.Context) ([]model.KeyRecord, error)
		Insert(ctx context.Context, rec model.KeyRecord) error
		SetStatus(ctx context.Context, version uint32, status model.KeyStatus) error
		Delete(ctx context.Context, version uint32) error
	}

	snapshot struct {
		active    uint32
		latest    uint32
		byVersion map[uint32]model.KeyRecord
	}

	// KeyStore holds versioned symmetric keys. Reads go through an immutable
	// snapshot; writers build a new snapshot and swap it in. With a shared
	// repository, writers and lookups of unknown versions re-read it first
	// so replicas converge on the same keys.
	KeyStore struct {
		mu   sync.Mutex // serializes writers
		snap atomic.Pointer[snapshot]
		repo Repository
		now  func() time.Time

		lastMissRefresh atomic.Int64
	}
)

func New(repo Repository) *KeyStore {
	ks := &KeyStore{repo: repo, now: time.Now}
	ks.snap.Store(&snapshot{byVersion: map[uint32]model.KeyRecord{}})
	return ks
}

// buildSnapshot validates stored records. Two active keys mean a rotation
// was interrupted between inserting the new key and retiring the old one;
// the newest wins.
func buildSnapshot(records []model.KeyRecord) (*snapshot, error) {
	next := &snapshot{byVersion: make(map[uint32]model.KeyRecord, len(records))}
	for _, r := range records {
		if len(r.Material) != encryption.KeySize {
			return nil, fmt.Errorf("key v%d has %d bytes of material", r.Version, len(r.Material))
		}
		if r.Version > next.latest {
			next.latest = r.Version
		}
		if r.Status == model.KeyActive && r.Version > next.active {
			next.active = r.Version
		}
		next.byVersion[r.Version] = r.Clone()
	}
	if len(records) > 0 && next.active == 0 {
		return nil, fmt.Errorf("no active key among %d stored keys", len(records))
	}
	for v, r := range next.byVersion {
		if r.Status == model.KeyActive && v != next.active {
			log.Warn("stale active key, treating as retired", zap.Uint32("version", v), zap.Uint32("active", next.active))
			r.Status = model.KeyRetired
			next.byVersion[v] = r
		}
	}
	return next, nil
}

// Load replaces the in-memory keys with the repository contents.
func (ks *KeyStore) Load(ctx context.Context) error {
	if err := ks.Refresh(ctx); err != nil {
		return err
	}
	s := ks.snap.Load()
	log.Info("key store loaded", zap.Int("keys", len(s.byVersion)), zap.Uint32("active", s.active))
	return nil
}

// Refresh re-reads the repository. The current snapshot is kept when the
// repository cannot be read or holds inconsistent records.
func (ks *KeyStore) Refresh(ctx context.Context) error {
	if ks.repo == nil {
		return nil
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.refreshLocked(ctx)
}

func (ks *KeyStore) refreshLocked(ctx context.Context) error {
	if ks.repo == nil {
		return nil
	}
	records, err := ks.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	next, err := buildSnapshot(records)
	if err != nil {
		return err
	}
	if prev := ks.snap.Load(); prev.active != next.active {
		log.Info("active key changed in repository", zap.Uint32("from", prev.active), zap.Uint32("to", next.active))
	}
	ks.snap.Store(next)
	return nil
}

// Watch refreshes from the repository every interval until ctx is done.
func (ks *KeyStore) Watch(ctx context.Context, interval time.Duration) {
	if ks.repo == nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
			if err := ks.Refresh(rctx); err != nil {
				log.Warn("key refresh failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Bootstrap installs material as the first active key when the store is
// empty. It is a no-op otherwise.
func (ks *KeyStore) Bootstrap(ctx context.Context, material []byte) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := ks.refreshLocked(ctx); err != nil {
		return err
	}
	if ks.snap.Load().active != 0 {
		return nil
	}
	_, err := ks.rotateLocked(ctx, material)
	return err
}

// CurrentKey returns the active key. A missing active key is a
// configuration error rather than a per-message one.
func (ks *KeyStore) CurrentKey() (model.KeyRecord, error) {
	s := ks.snap.Load()
	rec, ok := s.byVersion[s.active]
	if !ok {
		return model.KeyRecord{}, fmt.Errorf("no active key: %w", model.ErrKeyUnavailable)
	}
	return rec.Clone(), nil
}

// KeyByVersion looks version up, re-reading the repository when it is
// newer than any key known locally.
func (ks *KeyStore) KeyByVersion(version uint32) (model.KeyRecord, error) {
	s := ks.snap.Load()
	if rec, ok := s.byVersion[version]; ok {
		return rec.Clone(), nil
	}

	if version > s.latest && ks.allowMissRefresh() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		err := ks.Refresh(ctx)
		cancel()
		if err != nil {
			log.Warn("key refresh failed", zap.Uint32("version", version), zap.Error(err))
		}
		if rec, ok := ks.snap.Load().byVersion[version]; ok {
			return rec.Clone(), nil
		}
	}
	return model.KeyRecord{}, fmt.Errorf("key v%d: %w", version, model.ErrKeyUnavailable)
}

func (ks *KeyStore) allowMissRefresh() bool {
	if ks.repo == nil {
		return false
	}
	now := ks.now().UnixNano()
	last := ks.lastMissRefresh.Load()
	if last != 0 && now-last < int64(missRefreshInterval) {
		return false
	}
	return ks.lastMissRefresh.CompareAndSwap(last, now)
}

// Rotate retires the active key and installs material as the new active
// key. Retired keys stay available for decryption until purged.
func (ks *KeyStore) Rotate(ctx context.Context, material []byte) (model.KeyRecord, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := ks.refreshLocked(ctx); err != nil {
		return model.KeyRecord{}, err
	}
	return ks.rotateLocked(ctx, material)
}

func (ks *KeyStore) rotateLocked(ctx context.Context, material []byte) (model.KeyRecord, error) {
	if len(material) != encryption.KeySize {
		return model.KeyRecord{}, fmt.Errorf("key material must be %d bytes, got %d", encryption.KeySize, len(material))
	}

	cur := ks.snap.Load()
	version := cur.latest + 1

	rec := model.KeyRecord{
		Version:   version,
		Material:  append([]byte(nil), material...),
		CreatedAt: ks.now().UTC(),
		Status:    model.KeyActive,
	}

	// The new key goes in before the old one is retired, so the repository
	// always holds an active key.
	if ks.repo != nil {
		if err := ks.repo.Insert(ctx, rec); err != nil {
			return model.KeyRecord{}, fmt.Errorf("insert key v%d: %w", version, err)
		}
		if cur.active != 0 {
			if err := ks.repo.SetStatus(ctx, cur.active, model.KeyRetired); err != nil {
				if derr := ks.repo.Delete(ctx, version); derr != nil {
					log.Error("rollback of key insert failed", zap.Uint32("version", version), zap.Error(derr))
				}
				return model.KeyRecord{}, fmt.Errorf("retire key v%d: %w", cur.active, err)
			}
		}
	}

	next := &snapshot{active: version, latest: version, byVersion: make(map[uint32]model.KeyRecord, len(cur.byVersion)+1)}
	for v, r := range cur.byVersion {
		if v == cur.active {
			r.Status = model.KeyRetired
		}
		next.byVersion[v] = r
	}
	next.byVersion[version] = rec
	ks.snap.Store(next)

	log.Info("key rotated", zap.Uint32("active", version), zap.Uint32("retired", cur.active))
	return rec.Clone(), nil
}

// Purge drops a retired key. Envelopes sealed under it become undecryptable.
func (ks *KeyStore) Purge(ctx context.Context, version uint32) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := ks.refreshLocked(ctx); err != nil {
		return err
	}
	cur := ks.snap.Load()
	if _, ok := cur.byVersion[version]; !ok {
		return fmt.Errorf("key v%d: %w", version, model.ErrKeyUnavailable)
	}
	if version == cur.active {
		return fmt.Errorf("key v%d is active and cannot be purged", version)
	}

	if ks.repo != nil {
		if err := ks.repo.Delete(ctx, version); err != nil {
			return fmt.Errorf("delete key v%d: %w", version, err)
		}
	}

	next := &snapshot{active: cur.active, latest: cur.latest, byVersion: make(map[uint32]model.KeyRecord, len(cur.byVersion))}
	for v, r := range cur.byVersion {
		if v != version {
			next.byVersion[v] = r
		}
	}
	ks.snap.Store(next)

	log.Info("key purged", zap.Uint32("version", version))
	return nil
}

// Records lists key metadata ordered by version, without key material.
func (ks *KeyStore) Records() []model.KeyRecord {
	s := ks.snap.Load()
	out := make([]model.KeyRecord, 0, len(s.byVersion))
	for _, r := range s.byVersion {
		r.Material = nil
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

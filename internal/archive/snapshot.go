package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polykit/eslite/internal/catalog"
	"github.com/polykit/eslite/internal/codec"
	eserrors "github.com/polykit/eslite/internal/errors"
)

const (
	snapshotPrefix = "snapshots/"
	dataSuffix     = ".snap"
	metaSuffix     = ".json"
)

// SnapshotMeta is the JSON sidecar written next to every archived snapshot.
// The sidecar is written last, so a snapshot without one is incomplete.
type SnapshotMeta struct {
	ID         string    `json:"id"`
	Table      string    `json:"table"`
	Sequence   uint64    `json:"sequence"`
	Checksum   string    `json:"checksum"`
	Size       int       `json:"size"`
	ArchivedAt time.Time `json:"archived_at"`
}

// SnapshotArchive stores applied snapshots, compressed, under
// snapshots/<table>/<sequence>.snap.
type SnapshotArchive struct {
	storage ObjectStorage
	now     func() time.Time
}

// NewSnapshotArchive creates an archive on top of storage.
func NewSnapshotArchive(storage ObjectStorage) *SnapshotArchive {
	return &SnapshotArchive{storage: storage, now: time.Now}
}

// Save archives a snapshot payload. Plain JSON payloads are compressed; the
// stored object is itself a valid snapshot payload.
func (a *SnapshotArchive) Save(ctx context.Context, table string, sequence uint64, data []byte) (*SnapshotMeta, error) {
	if !catalog.ValidIdentifier(table) {
		return nil, eserrors.NewStorageError(eserrors.CodeUploadFailed, fmt.Sprintf("invalid table name %q", table), nil)
	}
	stored := codec.Compress(data)
	meta := &SnapshotMeta{
		ID:         uuid.NewString(),
		Table:      table,
		Sequence:   sequence,
		Checksum:   codec.Checksum(stored),
		Size:       len(stored),
		ArchivedAt: a.now().UTC(),
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return nil, eserrors.NewStorageError(eserrors.CodeUploadFailed, "failed to encode snapshot metadata", err)
	}

	base := snapshotKey(table, sequence)
	if err := a.storage.Put(ctx, base+dataSuffix, stored); err != nil {
		return nil, eserrors.NewStorageError(eserrors.CodeUploadFailed,
			fmt.Sprintf("failed to archive snapshot %s@%d", table, sequence), err)
	}
	if err := a.storage.Put(ctx, base+metaSuffix, rawMeta); err != nil {
		return nil, eserrors.NewStorageError(eserrors.CodeUploadFailed,
			fmt.Sprintf("failed to archive metadata %s@%d", table, sequence), err)
	}
	return meta, nil
}

// List returns the complete snapshots of table, oldest first.
func (a *SnapshotArchive) List(ctx context.Context, table string) ([]SnapshotMeta, error) {
	keys, err := a.storage.List(ctx, snapshotPrefix+table+"/")
	if err != nil {
		return nil, eserrors.NewStorageError(eserrors.CodeDownloadFailed, fmt.Sprintf("failed to list snapshots of %s", table), err)
	}

	var out []SnapshotMeta
	for _, key := range keys {
		if !strings.HasSuffix(key, metaSuffix) {
			continue
		}
		raw, err := a.storage.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrObjectNotFound) {
				continue
			}
			return nil, eserrors.NewStorageError(eserrors.CodeDownloadFailed, fmt.Sprintf("failed to read %s", key), err)
		}
		var meta SnapshotMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, eserrors.NewStorageError(eserrors.CodeChecksumMismatch, fmt.Sprintf("corrupt metadata %s", key), err)
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Latest returns the newest complete snapshot of table after verifying its
// checksum.
func (a *SnapshotArchive) Latest(ctx context.Context, table string) (*SnapshotMeta, []byte, error) {
	metas, err := a.List(ctx, table)
	if err != nil {
		return nil, nil, err
	}
	if len(metas) == 0 {
		return nil, nil, eserrors.NewStorageError(eserrors.CodeObjectNotFound,
			fmt.Sprintf("no archived snapshot for %s", table), ErrObjectNotFound)
	}
	meta := metas[len(metas)-1]

	data, err := a.storage.Get(ctx, snapshotKey(table, meta.Sequence)+dataSuffix)
	if err != nil {
		code := eserrors.CodeDownloadFailed
		if errors.Is(err, ErrObjectNotFound) {
			code = eserrors.CodeObjectNotFound
		}
		return nil, nil, eserrors.NewStorageError(code, fmt.Sprintf("failed to read snapshot %s@%d", table, meta.Sequence), err)
	}
	if sum := codec.Checksum(data); sum != meta.Checksum {
		return nil, nil, eserrors.NewStorageError(eserrors.CodeChecksumMismatch,
			fmt.Sprintf("snapshot %s@%d checksum %s does not match %s", table, meta.Sequence, sum, meta.Checksum), nil).
			WithDetails(map[string]interface{}{"table": table, "sequence": meta.Sequence})
	}
	return &meta, data, nil
}

// Prune keeps the newest keep snapshots of table and deletes the rest. It
// returns the number of snapshots removed.
func (a *SnapshotArchive) Prune(ctx context.Context, table string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	metas, err := a.List(ctx, table)
	if err != nil {
		return 0, err
	}
	if len(metas) <= keep {
		return 0, nil
	}

	removed := 0
	for _, meta := range metas[:len(metas)-keep] {
		base := snapshotKey(table, meta.Sequence)
		// Sidecar first: a snapshot without metadata is ignored by readers
		if err := a.storage.Delete(ctx, base+metaSuffix); err != nil {
			return removed, eserrors.NewStorageError(eserrors.CodeUploadFailed, fmt.Sprintf("failed to prune %s", base), err)
		}
		if err := a.storage.Delete(ctx, base+dataSuffix); err != nil {
			return removed, eserrors.NewStorageError(eserrors.CodeUploadFailed, fmt.Sprintf("failed to prune %s", base), err)
		}
		removed++
	}
	return removed, nil
}

// snapshotKey zero-pads the sequence so keys sort numerically.
func snapshotKey(table string, sequence uint64) string {
	return snapshotPrefix + table + "/" + fmt.Sprintf("%020d", sequence)
}

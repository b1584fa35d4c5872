package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// ErrSnapshotNotFound is returned when no manifest exists for an id
var ErrSnapshotNotFound = errors.New("snapshot not found")

const manifestFilename = "manifest.bin"

// Store is the snapshot registry: it lists, loads and deletes persisted
// manifests and owns the per-snapshot checkpoint files
type Store struct {
	BaseDir string
	Assets  *AssetStore

	logger *zap.Logger
}

// NewStore fails only when the base directory cannot be created, which is
// unrecoverable for every operation that follows
func NewStore(baseDir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("error creating snapshot directory: %w", err)
	}

	return &Store{
		BaseDir: baseDir,
		Assets:  &AssetStore{baseDir: baseDir},
		logger:  logger,
	}, nil
}

func encodeMsgpack(data any) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	enc.UseCompactFloats(true)
	enc.UseInternedStrings(true)
	err := enc.Encode(data)

	if err != nil {
		return nil, fmt.Errorf("error marshalling data: %w", err)
	}

	return &buf, nil
}

func decodeMsgpack[T any](data []byte) (*T, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseInternedStrings(true)
	dec.SetCustomStructTag("json")

	var outp T

	if err := dec.Decode(&outp); err != nil {
		return nil, fmt.Errorf("error decoding data: %w", err)
	}

	return &outp, nil
}

// Save persists a manifest. Manifests are immutable; Save is called once
// per capture.
func (s *Store) Save(m *Manifest) error {
	dir := filepath.Join(s.BaseDir, m.ID)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating snapshot directory: %w", err)
	}

	buf, err := encodeMsgpack(m)

	if err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, manifestFilename), buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}

	return nil
}

// Load returns the manifest for an id, or ErrSnapshotNotFound
func (s *Store) Load(id string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.BaseDir, id, manifestFilename))

	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}

		return nil, fmt.Errorf("error reading manifest: %w", err)
	}

	m, err := decodeMsgpack[Manifest](data)

	if err != nil {
		return nil, fmt.Errorf("error decoding manifest: %w", err)
	}

	return m, nil
}

// List returns snapshot ids newest first by capture timestamp. Entries
// without a loadable manifest are skipped, never raised.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.BaseDir)

	if err != nil {
		return nil, fmt.Errorf("error reading snapshot directory: %w", err)
	}

	type entry struct {
		id        string
		createdAt int64
	}

	var found []entry

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		m, err := s.Load(e.Name())

		if err != nil {
			s.logger.Warn("Skipping snapshot entry without loadable manifest", zap.String("id", e.Name()), zap.Error(err))
			continue
		}

		found = append(found, entry{id: m.ID, createdAt: m.CreatedAt.UnixNano()})
	}

	slices.SortFunc(found, func(a, b entry) int {
		if a.createdAt == b.createdAt {
			return 0
		}

		if a.createdAt > b.createdAt {
			return -1
		}

		return 1
	})

	ids := make([]string, 0, len(found))

	for _, e := range found {
		ids = append(ids, e.id)
	}

	return ids, nil
}

// Delete removes a manifest and its associated files. Partial deletion is
// tolerated, not retried.
func (s *Store) Delete(id string) error {
	err := os.RemoveAll(filepath.Join(s.BaseDir, id))

	if err != nil {
		s.logger.Warn("Partial snapshot deletion", zap.String("id", id), zap.Error(err))
	}

	return nil
}

func (s *Store) checkpointPath(snapshotID, guildID string) string {
	return filepath.Join(s.BaseDir, snapshotID, "checkpoint-"+guildID+".json")
}

// LoadCheckpoint returns the checkpoint for a (snapshot, guild) pair,
// creating a fresh empty one if none was ever written
func (s *Store) LoadCheckpoint(snapshotID, guildID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.checkpointPath(snapshotID, guildID))

	if err != nil {
		if os.IsNotExist(err) {
			return newCheckpoint(snapshotID, guildID), nil
		}

		return nil, fmt.Errorf("error reading checkpoint: %w", err)
	}

	var cp Checkpoint

	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("error decoding checkpoint: %w", err)
	}

	if cp.Completed == nil {
		cp.Completed = map[Stage]bool{}
	}

	return &cp, nil
}

// SaveCheckpoint persists a checkpoint. Callers must only invoke this
// after the corresponding stage's live side effects have succeeded.
func (s *Store) SaveCheckpoint(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(cp, "", "  ")

	if err != nil {
		return fmt.Errorf("error encoding checkpoint: %w", err)
	}

	if err := os.WriteFile(s.checkpointPath(cp.SnapshotID, cp.GuildID), data, 0644); err != nil {
		return fmt.Errorf("error writing checkpoint: %w", err)
	}

	return nil
}

// DeleteCheckpoint removes the checkpoint for a (snapshot, guild) pair
func (s *Store) DeleteCheckpoint(snapshotID, guildID string) error {
	err := os.Remove(s.checkpointPath(snapshotID, guildID))

	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

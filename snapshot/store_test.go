package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(t.TempDir(), zap.NewNop())

	require.NoError(t, err)

	return s
}

func testManifest(id, guildID string, createdAt time.Time) *Manifest {
	return &Manifest{
		ID:            id,
		GuildID:       guildID,
		GuildName:     "Test Guild",
		CreatedAt:     createdAt,
		CreatorID:     "creator-1",
		FormatVersion: FormatVersion,
		Roles: []*Role{
			{ID: "r1", Name: "Member", Position: 1},
		},
		Channels: []*Channel{
			{ID: "cat1", Name: "General", Kind: ChannelKindCategory, Position: 0},
			{ID: "c1", Name: "general", Kind: ChannelKindText, ParentID: "cat1", Position: 0},
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	s := testStore(t)

	m := testManifest("snap-1", "guild-1", time.Now())

	require.NoError(t, s.Save(m))

	got, err := s.Load("snap-1")

	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.GuildName, got.GuildName)
	require.Len(t, got.Channels, 2)

	// Nesting survives storage
	assert.Equal(t, "cat1", got.Channels[1].ParentID)
}

func TestStoreLoadNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.Load("nope")

	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestStoreListNewestFirst(t *testing.T) {
	s := testStore(t)

	base := time.Now()

	require.NoError(t, s.Save(testManifest("snap-old", "g", base.Add(-2*time.Hour))))
	require.NoError(t, s.Save(testManifest("snap-new", "g", base)))
	require.NoError(t, s.Save(testManifest("snap-mid", "g", base.Add(-1*time.Hour))))

	ids, err := s.List()

	require.NoError(t, err)
	assert.Equal(t, []string{"snap-new", "snap-mid", "snap-old"}, ids)
}

func TestStoreListSkipsCorruptEntries(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Save(testManifest("snap-ok", "g", time.Now())))

	dir := filepath.Join(s.BaseDir, "snap-bad")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFilename), []byte("not msgpack"), 0644))

	ids, err := s.List()

	require.NoError(t, err)
	assert.Equal(t, []string{"snap-ok"}, ids)
}

func TestStoreDelete(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Save(testManifest("snap-1", "g", time.Now())))
	require.NoError(t, s.Delete("snap-1"))

	_, err := s.Load("snap-1")

	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	// Deleting again is a no-op
	assert.NoError(t, s.Delete("snap-1"))
}

func TestCheckpointFreshWhenMissing(t *testing.T) {
	s := testStore(t)

	cp, err := s.LoadCheckpoint("snap-1", "guild-1")

	require.NoError(t, err)
	assert.Equal(t, "snap-1", cp.SnapshotID)
	assert.Equal(t, "guild-1", cp.GuildID)
	assert.Empty(t, cp.Completed)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Save(testManifest("snap-1", "guild-1", time.Now())))

	cp, err := s.LoadCheckpoint("snap-1", "guild-1")

	require.NoError(t, err)

	cp.Completed[StageRoles] = true
	cp.RoleMap = map[string]string{"r1": "nr1"}

	require.NoError(t, s.SaveCheckpoint(cp))

	got, err := s.LoadCheckpoint("snap-1", "guild-1")

	require.NoError(t, err)
	assert.True(t, got.Completed[StageRoles])
	assert.False(t, got.Completed[StageChannels])
	assert.Equal(t, "nr1", got.RoleMap["r1"])
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestCheckpointPerGuild(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Save(testManifest("snap-1", "guild-1", time.Now())))

	cp, err := s.LoadCheckpoint("snap-1", "guild-a")

	require.NoError(t, err)

	cp.Completed[StageRoles] = true

	require.NoError(t, s.SaveCheckpoint(cp))

	// A restore into a different guild starts from scratch
	other, err := s.LoadCheckpoint("snap-1", "guild-b")

	require.NoError(t, err)
	assert.Empty(t, other.Completed)
}

func TestAssetStoreSaveRead(t *testing.T) {
	s := testStore(t)

	rel, err := s.Assets.Save("snap-1", "att1.png", []byte("image data"))

	require.NoError(t, err)
	assert.Equal(t, "assets/att1.png", rel)

	data, err := s.Assets.Read("snap-1", rel)

	require.NoError(t, err)
	assert.Equal(t, []byte("image data"), data)
}

func TestAssetStoreResolveFallback(t *testing.T) {
	s := testStore(t)

	// Manifests written by older layouts may reference assets relative to
	// the base directory rather than the snapshot subtree
	legacy := filepath.Join(s.BaseDir, "assets")
	require.NoError(t, os.MkdirAll(legacy, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(legacy, "old.png"), []byte("x"), 0644))

	path, err := s.Assets.Resolve("snap-1", "assets/old.png")

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(legacy, "old.png"), path)

	_, err = s.Assets.Resolve("snap-1", "assets/missing.png")

	assert.Error(t, err)

	_, err = s.Assets.Resolve("snap-1", "")

	assert.Error(t, err)
}

func TestAssetStoreList(t *testing.T) {
	s := testStore(t)

	names, err := s.Assets.List("snap-1")

	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = s.Assets.Save("snap-1", "a.png", []byte("a"))
	require.NoError(t, err)

	_, err = s.Assets.Save("snap-1", "b.gif", []byte("b"))
	require.NoError(t, err)

	names, err = s.Assets.List("snap-1")

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.png", "b.gif"}, names)
}

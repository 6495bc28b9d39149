package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/dray-io/archivist/internal/objectstore"
	"github.com/dray-io/archivist/internal/platform"
	"github.com/dray-io/archivist/internal/state"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() state.BoardState {
	s := state.New()
	s.Signers["music.eth"] = platform.Signer{Address: "signer-1", PrivateKey: "key-1", Type: "ed25519"}
	s.LockedThreads["QmA"] = state.LockedThread{LockTimestamp: 1700000000}
	s.LockedThreads["QmB"] = state.LockedThread{LockTimestamp: 1700000100}
	s.Lock = &state.ProcessLock{PID: 42}
	return s
}

func TestKey(t *testing.T) {
	u, err := New(objectstore.NewMockStore(), "/archivist/prod/")
	require.NoError(t, err)
	defer u.Close()

	assert.Equal(t, "archivist/prod/music.eth.json.zst", u.Key("music.eth"))
	assert.Equal(t, "archivist/prod/a_b.json.zst", u.Key("a/b"))

	u2, err := New(objectstore.NewMockStore(), "")
	require.NoError(t, err)
	defer u2.Close()
	assert.Equal(t, "news.eth.json.zst", u2.Key("news.eth"))
}

func TestUploadDownload(t *testing.T) {
	store := objectstore.NewMockStore()
	u, err := New(store, "archivist")
	require.NoError(t, err)
	ctx := context.Background()

	in := sampleState()
	require.NoError(t, u.Upload(ctx, "music.eth", in))

	out, err := u.Download(ctx, "music.eth")
	require.NoError(t, err)
	want := in.Clone()
	want.Signers["music.eth"] = platform.Signer{Address: "signer-1", Type: "ed25519"}
	assert.Equal(t, want, out)
	assert.Equal(t, "key-1", in.Signers["music.eth"].PrivateKey, "input must not be modified")

	info, err := u.Stat(ctx, "music.eth")
	require.NoError(t, err)
	assert.Equal(t, "archivist/music.eth.json.zst", info.Key)
	assert.Equal(t, 2, info.TrackedThreads)
	assert.Positive(t, info.Size)
	assert.False(t, info.LastModified.IsZero())
}

func TestUploadOmitsPrivateKeys(t *testing.T) {
	store := objectstore.NewMockStore()
	u, err := New(store, "archivist")
	require.NoError(t, err)

	require.NoError(t, u.Upload(context.Background(), "music.eth", sampleState()))

	rc, err := store.Get(context.Background(), u.Key("music.eth"))
	require.NoError(t, err)
	defer rc.Close()
	dec, err := zstd.NewReader(rc)
	require.NoError(t, err)
	defer dec.Close()
	doc, err := io.ReadAll(dec)
	require.NoError(t, err)

	assert.NotContains(t, string(doc), "key-1")
	assert.Contains(t, string(doc), "signer-1")
}

func TestUploadIsCompressed(t *testing.T) {
	store := objectstore.NewMockStore()
	u, err := New(store, "p")
	require.NoError(t, err)
	ctx := context.Background()

	s := state.New()
	for i := 0; i < 500; i++ {
		s.LockedThreads["QmThreadWithALongContentIdentifier"+string(rune('a'+i%26))+string(rune('a'+i/26))] = state.LockedThread{LockTimestamp: 1700000000}
	}
	require.NoError(t, u.Upload(ctx, "b", s))

	doc, err := state.Encode(s)
	require.NoError(t, err)
	rc, err := store.Get(ctx, u.Key("b"))
	require.NoError(t, err)
	defer rc.Close()
	var buf bytes.Buffer
	buf.ReadFrom(rc)

	assert.Less(t, buf.Len(), len(doc))
	// zstd frame magic number.
	assert.Equal(t, []byte{0x28, 0xb5, 0x2f, 0xfd}, buf.Bytes()[:4])
}

func TestUploadReplacesPrevious(t *testing.T) {
	store := objectstore.NewMockStore()
	u, err := New(store, "p")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, u.Upload(ctx, "b", sampleState()))
	require.NoError(t, u.Upload(ctx, "b", state.New()))

	out, err := u.Download(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, out.LockedThreads)
	assert.Len(t, store.Keys(), 1)
}

func TestDownloadMissing(t *testing.T) {
	u, err := New(objectstore.NewMockStore(), "p")
	require.NoError(t, err)

	_, err = u.Download(context.Background(), "nope")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestDownloadCorrupt(t *testing.T) {
	store := objectstore.NewMockStore()
	u, err := New(store, "p")
	require.NoError(t, err)
	ctx := context.Background()

	junk := []byte("not zstd at all")
	require.NoError(t, store.Put(ctx, u.Key("b"), junk, objectstore.PutOptions{ContentType: contentType}))

	_, err = u.Download(ctx, "b")
	assert.Error(t, err)
}

func TestUploadFailure(t *testing.T) {
	store := objectstore.NewMockStore()
	boom := errors.New("throttled")
	store.FailPuts(boom)
	u, err := New(store, "p")
	require.NoError(t, err)

	err = u.Upload(context.Background(), "b", sampleState())
	assert.ErrorIs(t, err, boom)
}

// Package backup keeps an off-host copy of each board's state document in
// object storage, compressed with zstd.
//
// Backups are a convenience for operators. The local state file stays the
// source of truth and a failed upload never affects archiving.
package backup

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dray-io/archivist/internal/objectstore"
	"github.com/dray-io/archivist/internal/state"
	"github.com/klauspost/compress/zstd"
)

const (
	contentType = "application/zstd"
	suffix      = ".zst"

	// maxDocument bounds the decompressed size accepted by Download.
	maxDocument = 64 << 20
)

// Info describes a stored backup.
type Info struct {
	Key            string
	Size           int64
	LastModified   time.Time
	TrackedThreads int
}

// Uploader writes and reads state backups under a key prefix.
type Uploader struct {
	store  objectstore.Store
	prefix string
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// New returns an Uploader storing objects under prefix.
func New(store objectstore.Store, prefix string) (*Uploader, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("backup: create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDocument))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("backup: create decoder: %w", err)
	}
	return &Uploader{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		enc:    enc,
		dec:    dec,
	}, nil
}

// Key returns the object key holding board's backup.
func (u *Uploader) Key(board string) string {
	return path.Join(u.prefix, state.FileName(board)+suffix)
}

// Upload stores s as board's latest backup, replacing any previous one.
// Signer private keys never leave the host: the uploaded document carries
// signer addresses only.
func (u *Uploader) Upload(ctx context.Context, board string, s state.BoardState) error {
	doc, err := state.Encode(redactKeys(s))
	if err != nil {
		return err
	}
	compressed := u.enc.EncodeAll(doc, make([]byte, 0, len(doc)/2))

	key := u.Key(board)
	err = u.store.Put(ctx, key, compressed, objectstore.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"board":           board,
			"tracked-threads": strconv.Itoa(len(s.LockedThreads)),
		},
	})
	if err != nil {
		return fmt.Errorf("backup: upload %s: %w", board, err)
	}
	return nil
}

func redactKeys(s state.BoardState) state.BoardState {
	out := s.Clone()
	for board, signer := range out.Signers {
		signer.PrivateKey = ""
		out.Signers[board] = signer
	}
	return out
}

// Download fetches and decodes board's latest backup. It returns an error
// wrapping objectstore.ErrNotFound when no backup exists.
func (u *Uploader) Download(ctx context.Context, board string) (state.BoardState, error) {
	rc, err := u.store.Get(ctx, u.Key(board))
	if err != nil {
		return state.BoardState{}, fmt.Errorf("backup: download %s: %w", board, err)
	}
	defer rc.Close()

	compressed, err := io.ReadAll(rc)
	if err != nil {
		return state.BoardState{}, fmt.Errorf("backup: read %s: %w", board, err)
	}
	doc, err := u.dec.DecodeAll(compressed, nil)
	if err != nil {
		return state.BoardState{}, fmt.Errorf("backup: decompress %s: %w", board, err)
	}
	return state.Decode(doc)
}

// Stat returns metadata about board's latest backup.
func (u *Uploader) Stat(ctx context.Context, board string) (Info, error) {
	key := u.Key(board)
	meta, err := u.store.Head(ctx, key)
	if err != nil {
		return Info{}, fmt.Errorf("backup: stat %s: %w", board, err)
	}
	tracked, _ := strconv.Atoi(meta.Metadata["tracked-threads"])
	return Info{
		Key:            key,
		Size:           meta.Size,
		LastModified:   meta.LastModified,
		TrackedThreads: tracked,
	}, nil
}

// Close releases the codec and the underlying store.
func (u *Uploader) Close() error {
	u.enc.Close()
	u.dec.Close()
	return u.store.Close()
}

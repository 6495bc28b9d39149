package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dray-io/archivist/internal/backup"
	"github.com/dray-io/archivist/internal/objectstore/s3"
	"github.com/dray-io/archivist/internal/pidlock"
	"github.com/dray-io/archivist/internal/state"
	"github.com/spf13/cobra"
)

// errLocalState is returned when restoring would overwrite tracked state.
var errLocalState = errors.New("local state already tracks threads or signers; pass --force to overwrite")

type stateDownloader interface {
	Download(ctx context.Context, board string) (state.BoardState, error)
}

func newRestoreCmd(f *cliFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore board state files from the object storage backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			if !cfg.Backup.Enabled {
				return errors.New("restore: backup is not configured")
			}

			ctx := cmd.Context()
			store, err := s3.New(ctx, s3.Config{
				Bucket:          cfg.Backup.Bucket,
				Region:          cfg.Backup.Region,
				Endpoint:        cfg.Backup.Endpoint,
				AccessKeyID:     cfg.Backup.AccessKey,
				SecretAccessKey: cfg.Backup.SecretKey,
				UsePathStyle:    cfg.Backup.PathStyle,
			})
			if err == nil {
				err = store.CheckBucket(ctx)
			}
			if err != nil {
				return err
			}
			u, err := backup.New(store, cfg.Backup.Prefix)
			if err != nil {
				return err
			}
			defer u.Close()

			for _, board := range cfg.Boards {
				info, err := u.Stat(ctx, board)
				if err != nil {
					return err
				}
				s, err := restoreBoard(ctx, u, board, cfg.StatePath(board), force, pidlock.ProcessAlive)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s from %s (%s): %d tracked threads\n",
					board, info.Key, info.LastModified.UTC().Format(time.RFC3339), len(s.LockedThreads))
				if signer, ok := s.Signers[board]; ok && signer.PrivateKey == "" {
					fmt.Fprintf(cmd.OutOrStdout(), "  signer %s has no local key; a new signer is created on next start\n", signer.Address)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite local state that already tracks threads")
	return cmd
}

// restoreBoard replaces the state file at path with board's backup. It
// refuses while a live archiver holds the board, and refuses to overwrite
// non-empty local state unless force is set. The restored document never
// carries a process lock record. Backups hold no signer keys, so a local
// key is kept for a signer whose address matches the backup's.
func restoreBoard(ctx context.Context, dl stateDownloader, board, path string, force bool, alive pidlock.ProbeFunc) (state.BoardState, error) {
	local := state.Load(path)
	if local.Lock != nil && local.Lock.PID > 0 && alive(local.Lock.PID) {
		return state.BoardState{}, &pidlock.HeldError{Board: board, PID: local.Lock.PID}
	}
	if !force && (len(local.LockedThreads) > 0 || len(local.Signers) > 0) {
		return state.BoardState{}, fmt.Errorf("restore %s: %w", board, errLocalState)
	}

	restored, err := dl.Download(ctx, board)
	if err != nil {
		return state.BoardState{}, err
	}
	restored.Lock = nil
	for b, signer := range restored.Signers {
		if own, ok := local.Signers[b]; ok && own.Address == signer.Address && signer.PrivateKey == "" {
			restored.Signers[b] = own
		}
	}
	if err := state.Save(path, restored); err != nil {
		return state.BoardState{}, err
	}
	return restored, nil
}

// Package remotedir defines the protocol capability set the fetch
// orchestrator (C8) drives directory listings through — {open_dir, readdir,
// close_dir, delete_remote_file, quit} — and provides SFTP, FTP, and
// SigV4-signed HTTP/S3 listing adapters implementing it.
package remotedir

import (
	"context"
	"time"

	"github.com/holger24/AFD-sub010/internal/afderr"
)

// DirEntry is one remote listing record, shaped to feed retrievelist.Match directly.
type DirEntry struct {
	Name  string
	Mtime time.Time
	Size  int64
	IsDir bool
}

// Dir is an open remote directory handle. Only regular files are admitted
// by the fetch orchestrator; hidden files are filtered by policy, not here.
type Dir interface {
	// ReadEntry returns the next entry, or (DirEntry{}, false, nil) at EOF.
	ReadEntry(ctx context.Context) (DirEntry, bool, error)
	// Close releases the handle. Safe to call once; a second call is a no-op.
	Close() error
}

// RemoteDir is the capability set C8 drives one (host, directory) pair through.
type RemoteDir interface {
	// OpenDir opens path for a readdir sequence.
	OpenDir(ctx context.Context, path string) (Dir, error)
	// DeleteRemoteFile deletes name under path, used by the unknown-file
	// deletion pass. The SFTP, FTP and S3 adapters write no delete-log record.
	DeleteRemoteFile(ctx context.Context, path, name string) error
	// Quit tears down the underlying connection. The RemoteDir is unusable after.
	Quit() error
}

func wrapListErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return afderr.New(afderr.KindListError, op, err)
}

package remotedir

import (
	"context"
	"fmt"
	"strings"

	"github.com/holger24/AFD-sub010/internal/hmr"
	"github.com/holger24/AFD-sub010/internal/httpcmd"
)

// s3MaxKeys is the fixed per-page size for both ListObjects V1 and V2;
// spec.md calls this out as fixed rather than configurable per request.
const s3MaxKeys = 1000

// s3Delimiter is sent URL-escaped as "%2F" by net/url.Values.Encode, so a
// listing only ever sees one level of a bucket's key namespace at a time.
const s3Delimiter = "/"

// S3 is a RemoteDir backed by SigV4-signed HTTP listing against a bucket,
// used when a directory's remote is configured as an S3 endpoint rather
// than SFTP/FTP.
type S3 struct {
	client     *httpcmd.Client
	bucketPath string // e.g. "/my-bucket"
	useV2      bool
}

// NewS3 wraps an already-authenticated httpcmd.Client for listing use.
func NewS3(client *httpcmd.Client, bucketPath string, useV2 bool) *S3 {
	return &S3{client: client, bucketPath: bucketPath, useV2: useV2}
}

type s3Dir struct {
	s3       *S3
	prefix   string
	pending  []DirEntry
	token    string
	done     bool
}

func (s *S3) OpenDir(ctx context.Context, path string) (Dir, error) {
	prefix := strings.TrimPrefix(path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	d := &s3Dir{s3: s, prefix: prefix}
	if err := d.fetchPage(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *s3Dir) fetchPage(ctx context.Context) error {
	objs, next, truncated, err := d.s3.client.ListObjectsPage(ctx, d.s3.bucketPath, d.prefix, s3Delimiter, d.token, s3MaxKeys, d.s3.useV2)
	if err != nil {
		return err
	}
	for _, o := range objs {
		name := strings.TrimPrefix(o.Key, d.prefix)
		if name == "" || strings.Contains(name, "/") {
			continue // a sub-"directory" marker or nested key; skip at this listing level
		}
		d.pending = append(d.pending, DirEntry{Name: name, Mtime: o.LastModified, Size: o.Size})
	}
	d.token = next
	d.done = !truncated
	return nil
}

func (d *s3Dir) ReadEntry(ctx context.Context) (DirEntry, bool, error) {
	for len(d.pending) == 0 {
		if d.done {
			return DirEntry{}, false, nil
		}
		if err := d.fetchPage(ctx); err != nil {
			return DirEntry{}, false, err
		}
	}
	e := d.pending[0]
	d.pending = d.pending[1:]
	return e, true, nil
}

func (d *s3Dir) Close() error { return nil }

func (s *S3) DeleteRemoteFile(ctx context.Context, path, name string) error {
	if !s.client.Supported(hmr.VerbDelete) {
		return fmt.Errorf("remotedir: DELETE previously reported unsupported by this server")
	}
	key := s.bucketPath + "/" + strings.TrimPrefix(path, "/")
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}
	key += name
	_, err := s.client.DELETE(ctx, key, name)
	return err
}

func (s *S3) Quit() error {
	return s.client.Quit()
}

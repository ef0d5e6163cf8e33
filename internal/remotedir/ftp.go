package remotedir

import (
	"context"

	"github.com/jlaffaye/ftp"

	"github.com/holger24/AFD-sub010/internal/afderr"
)

// FTPOptions configures the control connection, grounded on backend/ftp's
// dial/login sequence. DialFTP does not read TLS or Explicit: the control
// connection is always plain FTP.
type FTPOptions struct {
	Hostname string
	Port     int
	User     string
	Pass     string
	TLS      bool
	Explicit bool // explicit (AUTH TLS) vs implicit TLS
}

// FTP is a RemoteDir backed by github.com/jlaffaye/ftp.
type FTP struct {
	conn *ftp.ServerConn
}

// DialFTP opens the control connection and authenticates.
func DialFTP(ctx context.Context, opt FTPOptions, tlsConfig interface{}) (*FTP, error) {
	addr := opt.Hostname
	if opt.Port != 0 {
		addr = addr + ":" + itoa(opt.Port)
	}
	dialOpts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	c, err := ftp.Dial(addr, dialOpts...)
	if err != nil {
		return nil, afderr.New(afderr.KindConnectionRefused, "remotedir.DialFTP", err)
	}
	if err := c.Login(opt.User, opt.Pass); err != nil {
		_ = c.Quit()
		return nil, afderr.New(afderr.KindAuthRequired, "remotedir.DialFTP", err)
	}
	return &FTP{conn: c}, nil
}

type ftpDir struct {
	entries []*ftp.Entry
	idx     int
}

func (f *FTP) OpenDir(ctx context.Context, path string) (Dir, error) {
	entries, err := f.conn.List(path)
	if err != nil {
		return nil, wrapListErr("remotedir.FTP.OpenDir", err)
	}
	return &ftpDir{entries: entries}, nil
}

func (d *ftpDir) ReadEntry(ctx context.Context) (DirEntry, bool, error) {
	if d.idx >= len(d.entries) {
		return DirEntry{}, false, nil
	}
	e := d.entries[d.idx]
	d.idx++
	return DirEntry{
		Name:  e.Name,
		Mtime: e.Time,
		Size:  int64(e.Size),
		IsDir: e.Type == ftp.EntryTypeFolder,
	}, true, nil
}

func (d *ftpDir) Close() error { return nil }

func (f *FTP) DeleteRemoteFile(ctx context.Context, path, name string) error {
	if err := f.conn.Delete(joinFTPPath(path, name)); err != nil {
		return wrapListErr("remotedir.FTP.DeleteRemoteFile", err)
	}
	return nil
}

func (f *FTP) Quit() error {
	return f.conn.Quit()
}

func joinFTPPath(dir, name string) string {
	if dir == "" || dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

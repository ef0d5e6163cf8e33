package remotedir

import (
	"context"
	"net"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/holger24/AFD-sub010/internal/afderr"
)

// SFTPOptions configures the SSH transport underneath the SFTP client.
type SFTPOptions struct {
	Hostname string
	Port     int
	User     string
	Password string // empty selects PublicKeys-only auth below
	Signers  []ssh.Signer
}

// SFTP is a RemoteDir backed by github.com/pkg/sftp over golang.org/x/crypto/ssh,
// grounded on the connection and readdir shape of backend/sftp's Fs.
type SFTP struct {
	sshClient  *ssh.Client
	sftpClient *sftp.Client
}

// DialSFTP opens the SSH transport and the SFTP subsystem on top of it.
func DialSFTP(ctx context.Context, opt SFTPOptions) (*SFTP, error) {
	auth := []ssh.AuthMethod{}
	if len(opt.Signers) > 0 {
		auth = append(auth, ssh.PublicKeys(opt.Signers...))
	}
	if opt.Password != "" {
		auth = append(auth, ssh.Password(opt.Password))
	}
	config := &ssh.ClientConfig{
		User:            opt.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	addr := opt.Hostname
	if opt.Port != 0 {
		addr = addr + ":" + strconv.Itoa(opt.Port)
	}
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, afderr.New(afderr.KindConnectionRefused, "remotedir.DialSFTP", err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, afderr.New(afderr.KindAuthRequired, "remotedir.DialSFTP", err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, afderr.New(afderr.KindIO, "remotedir.DialSFTP", err)
	}
	return &SFTP{sshClient: sshClient, sftpClient: sftpClient}, nil
}

type sftpDir struct {
	entries []dirStat
	idx     int
	dirPath string
}

type dirStat struct {
	name  string
	mtime int64
	size  int64
	isDir bool
}

func (s *SFTP) OpenDir(ctx context.Context, dirPath string) (Dir, error) {
	infos, err := s.sftpClient.ReadDir(dirPath)
	if err != nil {
		return nil, wrapListErr("remotedir.SFTP.OpenDir", err)
	}
	d := &sftpDir{dirPath: dirPath}
	for _, info := range infos {
		d.entries = append(d.entries, dirStat{
			name:  info.Name(),
			mtime: info.ModTime().Unix(),
			size:  info.Size(),
			isDir: info.IsDir(),
		})
	}
	return d, nil
}

func (d *sftpDir) ReadEntry(ctx context.Context) (DirEntry, bool, error) {
	if d.idx >= len(d.entries) {
		return DirEntry{}, false, nil
	}
	e := d.entries[d.idx]
	d.idx++
	return DirEntry{Name: e.name, Mtime: time.Unix(e.mtime, 0).UTC(), Size: e.size, IsDir: e.isDir}, true, nil
}

func (d *sftpDir) Close() error { return nil }

func (s *SFTP) DeleteRemoteFile(ctx context.Context, dirPath, name string) error {
	if err := s.sftpClient.Remove(path.Join(dirPath, name)); err != nil {
		return wrapListErr("remotedir.SFTP.DeleteRemoteFile", err)
	}
	return nil
}

func (s *SFTP) Quit() error {
	_ = s.sftpClient.Close()
	return s.sshClient.Close()
}

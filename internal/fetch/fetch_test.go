package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holger24/AFD-sub010/internal/policy"
	"github.com/holger24/AFD-sub010/internal/remotedir"
	"github.com/holger24/AFD-sub010/internal/retrievelist"
)

type fakeDir struct {
	entries []remotedir.DirEntry
	idx     int
}

func (d *fakeDir) ReadEntry(ctx context.Context) (remotedir.DirEntry, bool, error) {
	if d.idx >= len(d.entries) {
		return remotedir.DirEntry{}, false, nil
	}
	e := d.entries[d.idx]
	d.idx++
	return e, true, nil
}

func (d *fakeDir) Close() error { return nil }

type fakeRemote struct {
	dir     *fakeDir
	deleted []string
}

func (r *fakeRemote) OpenDir(ctx context.Context, path string) (remotedir.Dir, error) {
	return r.dir, nil
}

func (r *fakeRemote) DeleteRemoteFile(ctx context.Context, path, name string) error {
	r.deleted = append(r.deleted, name)
	return nil
}

func (r *fakeRemote) Quit() error { return nil }

func permissivePolicy() *policy.Policy {
	return &policy.Policy{Masks: []policy.Mask{{Pattern: "*"}}}
}

func TestRunPassAdmitsNewEntries(t *testing.T) {
	now := time.Now()
	remote := &fakeRemote{dir: &fakeDir{entries: []remotedir.DirEntry{
		{Name: "a.txt", Mtime: now, Size: 10},
		{Name: "b.txt", Mtime: now, Size: 20},
		{Name: "sub", Mtime: now, IsDir: true},
	}}}
	orch := &Orchestrator{Remote: remote, Policy: permissivePolicy()}

	summary, err := orch.RunPass(context.Background(), PassOptions{
		DirID: "d1", WorkerID: 1, RemotePath: "/", Mode: retrievelist.ModeStupid,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Listed) // the directory entry is skipped
	assert.Equal(t, 2, summary.Admitted)
	assert.Equal(t, int64(30), summary.BytesAdmitted)
	assert.Zero(t, summary.Deleted)
}

func TestRunPassDeletesUnknownFiles(t *testing.T) {
	now := time.Now()
	remote := &fakeRemote{dir: &fakeDir{entries: []remotedir.DirEntry{
		{Name: "stray.tmp", Mtime: now.Add(-time.Hour), Size: 5},
	}}}
	pol := &policy.Policy{
		Masks:              []policy.Mask{{Pattern: "*.dat"}}, // stray.tmp never matches
		DeleteUnknownFiles: true,
		UnknownFileTime:    policy.UnknownFileAsSoonAsSeen,
	}
	orch := &Orchestrator{Remote: remote, Policy: pol}

	summary, err := orch.RunPass(context.Background(), PassOptions{
		DirID: "d1", WorkerID: 1, RemotePath: "/", Mode: retrievelist.ModeStupid,
		TransferTimeout: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Listed)
	assert.Equal(t, 0, summary.Admitted)
	assert.Equal(t, 1, summary.Deleted)
	assert.Equal(t, []string{"stray.tmp"}, remote.deleted)
}

func TestRunPassRejectedDoesNotDeleteWhenDisabled(t *testing.T) {
	now := time.Now()
	remote := &fakeRemote{dir: &fakeDir{entries: []remotedir.DirEntry{
		{Name: "stray.tmp", Mtime: now.Add(-time.Hour), Size: 5},
	}}}
	pol := &policy.Policy{Masks: []policy.Mask{{Pattern: "*.dat"}}}
	orch := &Orchestrator{Remote: remote, Policy: pol}

	summary, err := orch.RunPass(context.Background(), PassOptions{
		DirID: "d1", WorkerID: 1, RemotePath: "/", Mode: retrievelist.ModeStupid,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Deleted)
	assert.Empty(t, remote.deleted)
}

func TestRunPassBudgetBlockedSetsMoreFilesInList(t *testing.T) {
	now := time.Now()
	remote := &fakeRemote{dir: &fakeDir{entries: []remotedir.DirEntry{
		{Name: "a.txt", Mtime: now, Size: 10},
		{Name: "b.txt", Mtime: now, Size: 10},
	}}}
	pol := &policy.Policy{Masks: []policy.Mask{{Pattern: "*"}}, MaxCopiedFilesV: 1}
	orch := &Orchestrator{Remote: remote, Policy: pol}

	summary, err := orch.RunPass(context.Background(), PassOptions{
		DirID: "d1", WorkerID: 1, RemotePath: "/", Mode: retrievelist.ModeStupid,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Admitted)
	assert.True(t, summary.MoreFilesInList)
}

func TestRunPassResumeOnlyCountsAssignedUnretrieved(t *testing.T) {
	rl, err := retrievelist.Attach("", "d1", 1, retrievelist.ModeStupid)
	require.NoError(t, err)
	defer rl.Detach()

	now := time.Now()
	_, slotA, err := rl.Match("a.txt", now, 10, permissivePolicy(), now)
	require.NoError(t, err)
	_, err = rl.Assign(slotA, 1)
	require.NoError(t, err)

	_, slotB, err := rl.Match("b.txt", now, 20, permissivePolicy(), now)
	require.NoError(t, err)
	_, err = rl.Assign(slotB, 1)
	require.NoError(t, err)
	require.NoError(t, rl.Release(slotB, true)) // already retrieved, shouldn't resume

	summary := (&Orchestrator{}).resumeAssigned(rl, 1)
	assert.Equal(t, 1, summary.Admitted)
	assert.Equal(t, int64(10), summary.BytesAdmitted)
}

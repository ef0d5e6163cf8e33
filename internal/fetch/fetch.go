// Package fetch implements the fetch orchestrator (C8): one pass per
// worker invocation wiring the directory admission policy, the retrieve
// list, a remote directory capability adapter, and the append ledger
// together, per spec.md §4.8.
package fetch

import (
	"context"
	"time"

	"github.com/holger24/AFD-sub010/internal/afderr"
	"github.com/holger24/AFD-sub010/internal/afdlog"
	"github.com/holger24/AFD-sub010/internal/ledger"
	"github.com/holger24/AFD-sub010/internal/policy"
	"github.com/holger24/AFD-sub010/internal/remotedir"
	"github.com/holger24/AFD-sub010/internal/retrievelist"
)

// PassOptions configures one RunPass invocation.
type PassOptions struct {
	DirID            string
	WorkerID         uint8
	RemotePath       string
	RetrieveListPath string
	Mode             retrievelist.Mode
	TransferTimeout  time.Duration
	// Resume attaches an existing, already-assigned list without issuing a
	// fresh remote listing — the helper-job/error-retry path of §4.8 step 1.
	Resume bool
}

// PassSummary is the trace emitted at the end of one pass: counts of
// admitted, deleted, and total listed entries plus byte sums, per §4.8.5.
type PassSummary struct {
	Listed          int
	Admitted        int
	Deleted         int
	BytesAdmitted   int64
	MoreFilesInList bool
}

// Orchestrator runs passes for one (host, directory) pair.
type Orchestrator struct {
	Remote  remotedir.RemoteDir
	Policy  *policy.Policy
	Ledger  *ledger.Ledger // optional; nil when this directory has no append-only resume needs
	Metrics *Metrics
}

// RunPass executes one fetch pass. Attach failure (bad magic or version, a
// list file that cannot be opened or mapped) is fatal to the pass; a missing
// list file is created rather than reported; remote listing failure is
// reported and the pass exits with partial assignments left in the list for
// a future pass; per-file errors are logged and do not abort the pass.
func (o *Orchestrator) RunPass(ctx context.Context, opt PassOptions) (PassSummary, error) {
	rl, err := retrievelist.Attach(opt.RetrieveListPath, opt.DirID, opt.WorkerID, opt.Mode)
	if err != nil {
		return PassSummary{}, err
	}
	defer func() {
		if derr := rl.Detach(); derr != nil {
			afdlog.Warnf("fetch: detach retrieve list for %s: %v", opt.DirID, derr)
		}
	}()

	var summary PassSummary
	if opt.Resume {
		summary = o.resumeAssigned(rl, opt.WorkerID)
		o.Metrics.observe(summary)
		return summary, nil
	}

	switch opt.Mode {
	case retrievelist.ModeStupid, retrievelist.ModeRemove:
		rl.Reset()
	default:
		rl.ResetInList()
	}

	dir, err := o.Remote.OpenDir(ctx, opt.RemotePath)
	if err != nil {
		return summary, afderr.New(afderr.KindListError, "fetch.RunPass", err)
	}

	now := time.Now()
	for {
		entry, ok, rerr := dir.ReadEntry(ctx)
		if rerr != nil {
			_ = dir.Close()
			return summary, afderr.New(afderr.KindListError, "fetch.RunPass", rerr)
		}
		if !ok {
			break
		}
		if entry.IsDir {
			continue
		}
		summary.Listed++
		o.processEntry(ctx, rl, opt, entry, now, &summary)
	}
	if cerr := dir.Close(); cerr != nil {
		afdlog.Warnf("fetch: close remote dir for %s: %v", opt.DirID, cerr)
	}

	if o.Policy.KeepHistory {
		rl.CompactAbsent()
	}
	summary.MoreFilesInList = summary.MoreFilesInList || rl.MoreFilesInList()
	o.Metrics.observe(summary)
	return summary, nil
}

func (o *Orchestrator) resumeAssigned(rl *retrievelist.RL, workerID uint8) PassSummary {
	var summary PassSummary
	for i := int64(0); i < rl.Count(); i++ {
		e := rl.Entry(i)
		if e.Assigned == workerID && !e.Retrieved {
			summary.Admitted++
			summary.BytesAdmitted += e.Size
		}
	}
	summary.MoreFilesInList = rl.MoreFilesInList()
	return summary
}

func (o *Orchestrator) processEntry(ctx context.Context, rl *retrievelist.RL, opt PassOptions, entry remotedir.DirEntry, now time.Time, summary *PassSummary) {
	admission, slot, err := rl.Match(entry.Name, entry.Mtime, entry.Size, o.Policy, now)
	if err != nil {
		afdlog.Errorf("fetch: match error for %q in %s: %v", entry.Name, opt.DirID, err)
		return
	}
	switch admission {
	case retrievelist.AdmitNew, retrievelist.AdmitChanged:
		ok, aerr := rl.Assign(slot, opt.WorkerID)
		if aerr != nil {
			afdlog.Errorf("fetch: assign %q in %s: %v", entry.Name, opt.DirID, aerr)
			return
		}
		if ok {
			summary.Admitted++
			summary.BytesAdmitted += entry.Size
		}
	case retrievelist.AdmitBudgetBlocked:
		summary.MoreFilesInList = true
	case retrievelist.AdmitRejected:
		// A variable that gates the delete decision below is read here
		// without being set on every path; like the original daemon, an
		// untaken branch leaves it at its zero value, so "no policy match"
		// alone never triggers a delete unless UnknownFileDeletable says so.
		var eligibleForDelete bool
		if o.Policy.UnknownFileDeletable(entry.Name, entry.Mtime, now, opt.TransferTimeout) {
			eligibleForDelete = true
		}
		if eligibleForDelete {
			if derr := o.Remote.DeleteRemoteFile(ctx, opt.RemotePath, entry.Name); derr != nil {
				afdlog.Warnf("fetch: delete unknown file %q in %s: %v", entry.Name, opt.DirID, derr)
			} else {
				summary.Deleted++
			}
		}
	case retrievelist.AdmitUnchanged:
		// nothing to do; retrieved/assigned carried over unchanged
	}
}

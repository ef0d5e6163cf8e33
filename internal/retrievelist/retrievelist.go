// Package retrievelist implements the per-directory retrieve list (C6): a
// memory-mapped, append-growable record of {filename, mtime, size,
// prev_size, retrieved, assigned, in_list, got_date} reconciled against each
// fresh remote listing and range-locked per entry so multiple workers can
// divide one directory's admitted files without double-fetching any of
// them. Entries are matched against a directory's file-mask/size/time
// policy, and budget-limited per pass.
package retrievelist

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/holger24/AFD-sub010/internal/afderr"
	"github.com/holger24/AFD-sub010/internal/afdlog"
	"golang.org/x/sys/unix"
)

// NameMax bounds a retrieved filename, matching the fixed-width on-disk field.
const NameMax = 255

const (
	nameField     = 256 // NameMax + NUL
	entryPayload  = nameField + 8*3 + 4 // filename + mtime/size/prev_size + 4 status bytes
	entryPad      = 4                   // pad to an 8-byte-aligned record
	EntrySize     = entryPayload + entryPad
	headerSize    = 32
	headerMagic   = 0x5254_4C31 // "RTL1"
	headerVersion = 1
	stepEntries   = 256 // growth step, power-of-two-friendly per spec
)

// Mode selects the retrieve list's backing storage and persistence.
type Mode int

// Modes named after the directory processing modes that select them.
const (
	// ModeNormal is shared, file-backed, and persists across worker runs.
	ModeNormal Mode = iota
	// ModeStupid is anonymous and never persisted: every pass re-lists from scratch.
	ModeStupid
	// ModeRemove is anonymous, used for one-shot delete-only passes.
	ModeRemove
)

// Entry is the decoded, in-memory form of one retrieve list record.
type Entry struct {
	Filename  string
	Mtime     time.Time
	Size      int64
	PrevSize  int64
	Retrieved bool
	Assigned  uint8 // worker id holding the entry, 0 == unassigned
	InList    bool
	GotDate   bool
}

func encodeEntry(e Entry, buf []byte) {
	for i := range buf[:entryPayload] {
		buf[i] = 0
	}
	copy(buf[:nameField], e.Filename)
	off := nameField
	binary.LittleEndian.PutUint64(buf[off:], uint64(e.Mtime.UnixNano()))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(e.Size))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(e.PrevSize))
	off += 8
	buf[off] = boolByte(e.Retrieved)
	buf[off+1] = e.Assigned
	buf[off+2] = boolByte(e.InList)
	buf[off+3] = boolByte(e.GotDate)
}

func decodeEntry(buf []byte) Entry {
	nameEnd := 0
	for nameEnd < nameField && buf[nameEnd] != 0 {
		nameEnd++
	}
	name := string(buf[:nameEnd])
	off := nameField
	mtimeNanos := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	size := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	prevSize := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	return Entry{
		Filename:  name,
		Mtime:     time.Unix(0, mtimeNanos).UTC(),
		Size:      size,
		PrevSize:  prevSize,
		Retrieved: buf[off] != 0,
		Assigned:  buf[off+1],
		InList:    buf[off+2] != 0,
		GotDate:   buf[off+3] != 0,
	}
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func encodeHeader(count, capacity int64, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], headerMagic)
	binary.LittleEndian.PutUint32(buf[4:], headerVersion)
	binary.LittleEndian.PutUint64(buf[8:], uint64(count))
	binary.LittleEndian.PutUint64(buf[16:], uint64(capacity))
}

func decodeHeader(buf []byte) (magic, version uint32, count, capacity int64) {
	magic = binary.LittleEndian.Uint32(buf[0:])
	version = binary.LittleEndian.Uint32(buf[4:])
	count = int64(binary.LittleEndian.Uint64(buf[8:]))
	capacity = int64(binary.LittleEndian.Uint64(buf[16:]))
	return
}

// MatchPolicy supplies the admission pipeline's mask/size/time filter stage
// and the per-pass budget; the retrieve list itself implements the
// list-presence (stage 4) and budget bookkeeping (stage 5) logic.
type MatchPolicy interface {
	MatchMask(name string) bool
	SizeFilter(size int64) bool
	TimeFilter(mtime, now time.Time) bool
	MaxCopiedFiles() int64    // 0 == unlimited
	MaxCopiedFileSize() int64 // 0 == unlimited
}

// Admission is the result of running one remote entry through the pipeline.
type Admission int

// Admission outcomes.
const (
	AdmitRejected Admission = iota // failed mask/size/time filter
	AdmitNew                       // first time seen, admitted
	AdmitUnchanged                 // seen before, mtime/size identical; retrieved carried over
	AdmitChanged                   // seen before, mtime or size changed; reset for re-fetch
	AdmitBudgetBlocked              // would exceed this pass's budget
)

// RL is one attached retrieve list.
type RL struct {
	dirID    string
	workerID uint8
	mode     Mode
	file     *os.File
	data     []byte // mmap'd region, header + entries
	capacity int64
	count    int64

	copiedFiles     int64
	copiedBytes     int64
	moreFilesInList bool

	heldSlots map[int64]struct{}
}

// Attach opens (or creates, for a fresh directory) the retrieve list file at
// path and memory-maps it. A bad magic or version, or a file that cannot be
// opened, sized or mapped, is a fatal attach failure per §4.8's failure
// semantics. Attach itself takes no lock; locking is per slot, in Assign.
func Attach(path string, dirID string, workerID uint8, mode Mode) (*RL, error) {
	rl := &RL{dirID: dirID, workerID: workerID, mode: mode, heldSlots: map[int64]struct{}{}}
	if mode != ModeNormal {
		return rl.attachAnonymous()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, afderr.New(afderr.KindLsDataAttach, "retrievelist.Attach", err)
	}
	rl.file = f
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, afderr.New(afderr.KindLsDataAttach, "retrievelist.Attach", err)
	}
	if info.Size() == 0 {
		if err := rl.initFile(stepEntries); err != nil {
			_ = f.Close()
			return nil, err
		}
	} else {
		if err := rl.mapExisting(info.Size()); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return rl, nil
}

func (rl *RL) initFile(capacity int64) error {
	size := int64(headerSize) + capacity*EntrySize
	if err := rl.file.Truncate(size); err != nil {
		return afderr.New(afderr.KindLsDataAttach, "retrievelist.initFile", err)
	}
	if err := rl.mmapFile(size); err != nil {
		return err
	}
	rl.capacity = capacity
	rl.count = 0
	encodeHeader(0, capacity, rl.data[:headerSize])
	return nil
}

func (rl *RL) mapExisting(size int64) error {
	if err := rl.mmapFile(size); err != nil {
		return err
	}
	magic, version, count, capacity := decodeHeader(rl.data[:headerSize])
	if magic != headerMagic {
		return afderr.New(afderr.KindLsDataAttach, "retrievelist.mapExisting", fmt.Errorf("bad magic %#x", magic))
	}
	if version != headerVersion {
		return afderr.New(afderr.KindLsDataVersion, "retrievelist.mapExisting", fmt.Errorf("unsupported version %d", version))
	}
	rl.count = count
	rl.capacity = capacity
	return nil
}

func (rl *RL) mmapFile(size int64) error {
	data, err := unix.Mmap(int(rl.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return afderr.New(afderr.KindLsDataAttach, "retrievelist.mmapFile", err)
	}
	rl.data = data
	return nil
}

func (rl *RL) attachAnonymous() (*RL, error) {
	size := int64(headerSize) + stepEntries*EntrySize
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, afderr.New(afderr.KindLsDataAttach, "retrievelist.attachAnonymous", err)
	}
	rl.data = data
	rl.capacity = stepEntries
	rl.count = 0
	encodeHeader(0, stepEntries, rl.data[:headerSize])
	return rl, nil
}

// Reset discards all entries, keeping the current capacity.
func (rl *RL) Reset() {
	rl.count = 0
	rl.copiedFiles = 0
	rl.copiedBytes = 0
	rl.moreFilesInList = false
	encodeHeader(0, rl.capacity, rl.data[:headerSize])
}

// ResetInList clears in_list on every entry; called at the start of a
// listing pass so entries the remote no longer has are left unmarked and
// swept up by CompactAbsent at the end of the pass.
func (rl *RL) ResetInList() {
	for i := int64(0); i < rl.count; i++ {
		e := rl.readEntry(i)
		if e.InList {
			e.InList = false
			rl.writeEntry(i, e)
		}
	}
	rl.copiedFiles = 0
	rl.copiedBytes = 0
	rl.moreFilesInList = false
}

func (rl *RL) entryOffset(i int64) int64 { return int64(headerSize) + i*EntrySize }

func (rl *RL) readEntry(i int64) Entry {
	off := rl.entryOffset(i)
	return decodeEntry(rl.data[off : off+EntrySize])
}

func (rl *RL) writeEntry(i int64, e Entry) {
	off := rl.entryOffset(i)
	encodeEntry(e, rl.data[off:off+EntrySize])
}

func (rl *RL) find(name string) (int64, Entry, bool) {
	for i := int64(0); i < rl.count; i++ {
		e := rl.readEntry(i)
		if e.Filename == name {
			return i, e, true
		}
	}
	return -1, Entry{}, false
}

func (rl *RL) grow() error {
	newCapacity := rl.capacity + stepEntries
	newSize := int64(headerSize) + newCapacity*EntrySize
	if rl.mode == ModeNormal {
		if err := rl.file.Truncate(newSize); err != nil {
			return afderr.New(afderr.KindLsDataAttach, "retrievelist.grow", err)
		}
		if err := unix.Munmap(rl.data); err != nil {
			return afderr.New(afderr.KindLsDataAttach, "retrievelist.grow", err)
		}
		if err := rl.mmapFile(newSize); err != nil {
			return err
		}
	} else {
		newData, err := unix.Mmap(-1, 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
		if err != nil {
			return afderr.New(afderr.KindLsDataAttach, "retrievelist.grow", err)
		}
		copy(newData, rl.data)
		if err := unix.Munmap(rl.data); err != nil {
			return afderr.New(afderr.KindLsDataAttach, "retrievelist.grow", err)
		}
		rl.data = newData
	}
	rl.capacity = newCapacity
	encodeHeader(rl.count, rl.capacity, rl.data[:headerSize])
	return nil
}

func (rl *RL) budgetExceeded(size int64, policy MatchPolicy) bool {
	if max := policy.MaxCopiedFiles(); max > 0 && rl.copiedFiles+1 > max {
		return true
	}
	if max := policy.MaxCopiedFileSize(); max > 0 && rl.copiedBytes+size > max {
		return true
	}
	return false
}

// Match runs one remote directory entry through the five-stage admission
// pipeline described in §4.6 and returns the outcome plus the entry's slot.
// The slot is valid for AdmitNew, AdmitUnchanged and AdmitChanged, and for
// AdmitBudgetBlocked only when the entry was already in the list; a new
// entry blocked by the budget is not added and gets slot -1, as does
// AdmitRejected.
func (rl *RL) Match(name string, mtime time.Time, size int64, policy MatchPolicy, now time.Time) (Admission, int64, error) {
	if !policy.MatchMask(name) || !policy.SizeFilter(size) || !policy.TimeFilter(mtime, now) {
		return AdmitRejected, -1, nil
	}
	if idx, existing, found := rl.find(name); found {
		existing.InList = true
		if existing.Mtime.Equal(mtime) && existing.Size == size {
			rl.writeEntry(idx, existing)
			return AdmitUnchanged, idx, nil
		}
		if rl.budgetExceeded(size, policy) {
			existing.Assigned = 0
			rl.writeEntry(idx, existing)
			rl.moreFilesInList = true
			return AdmitBudgetBlocked, idx, nil
		}
		existing.PrevSize = existing.Size
		existing.Mtime = mtime
		existing.Size = size
		existing.Retrieved = false
		existing.Assigned = 0
		rl.writeEntry(idx, existing)
		rl.copiedFiles++
		rl.copiedBytes += size
		return AdmitChanged, idx, nil
	}
	if rl.budgetExceeded(size, policy) {
		rl.moreFilesInList = true
		return AdmitBudgetBlocked, -1, nil
	}
	if rl.count == rl.capacity {
		if err := rl.grow(); err != nil {
			return AdmitRejected, -1, err
		}
	}
	idx := rl.count
	rl.writeEntry(idx, Entry{Filename: name, Mtime: mtime, Size: size, InList: true})
	rl.count++
	encodeHeader(rl.count, rl.capacity, rl.data[:headerSize])
	rl.copiedFiles++
	rl.copiedBytes += size
	return AdmitNew, idx, nil
}

// MoreFilesInList reports whether this pass's budget left entries unassigned.
func (rl *RL) MoreFilesInList() bool { return rl.moreFilesInList }

// lockRange attempts a non-blocking exclusive byte-range lock at [off, off+EntrySize).
func (rl *RL) lockRange(off int64) (bool, error) {
	if rl.mode != ModeNormal {
		if _, held := rl.heldSlots[off]; held {
			return false, nil
		}
		return true, nil
	}
	lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: off, Len: EntrySize}
	if err := unix.FcntlFlock(rl.file.Fd(), unix.F_SETLK, &lock); err != nil {
		if err == unix.EAGAIN || err == unix.EACCES {
			return false, nil
		}
		return false, afderr.New(afderr.KindLockBusy, "retrievelist.lockRange", err)
	}
	return true, nil
}

func (rl *RL) unlockRange(off int64) error {
	if rl.mode != ModeNormal {
		return nil
	}
	lock := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: off, Len: EntrySize}
	if err := unix.FcntlFlock(rl.file.Fd(), unix.F_SETLK, &lock); err != nil {
		return afderr.New(afderr.KindLockBusy, "retrievelist.unlockRange", err)
	}
	return nil
}

// Assign attempts to take ownership of slot for workerID. It fails quietly
// (false, nil) if another worker already holds the lock or the entry is
// already retrieved or assigned; only the true-returning caller may later
// flip retrieved or clear assigned via Release.
func (rl *RL) Assign(slot int64, workerID uint8) (bool, error) {
	off := rl.entryOffset(slot)
	ok, err := rl.lockRange(off)
	if err != nil || !ok {
		return false, err
	}
	e := rl.readEntry(slot)
	if e.Assigned != 0 || e.Retrieved {
		_ = rl.unlockRange(off)
		return false, nil
	}
	e.Assigned = workerID
	rl.writeEntry(slot, e)
	rl.heldSlots[off] = struct{}{}
	return true, nil
}

// Release gives up slot, optionally marking it retrieved (successful
// transfer) before clearing the assignment and dropping the lock.
func (rl *RL) Release(slot int64, retrieved bool) error {
	off := rl.entryOffset(slot)
	if _, held := rl.heldSlots[off]; !held {
		return fmt.Errorf("retrievelist: release of slot %d not held by this worker", slot)
	}
	e := rl.readEntry(slot)
	if retrieved {
		e.Retrieved = true
		e.GotDate = true
	}
	e.Assigned = 0
	rl.writeEntry(slot, e)
	delete(rl.heldSlots, off)
	return rl.unlockRange(off)
}

// Entry exposes the current decoded state of slot, for callers that need to
// inspect PrevSize/Retrieved/GotDate without holding the lock themselves.
func (rl *RL) Entry(slot int64) Entry { return rl.readEntry(slot) }

// Count returns how many entries are currently tracked.
func (rl *RL) Count() int64 { return rl.count }

// CompactAbsent removes every entry with in_list == false, compacting the
// array by moving the tail over the gaps it leaves. A negative resulting
// count (which should never happen outside a corrupted header) is clamped
// to zero and logged rather than propagated.
func (rl *RL) CompactAbsent() {
	write := int64(0)
	for read := int64(0); read < rl.count; read++ {
		e := rl.readEntry(read)
		if !e.InList {
			continue
		}
		if write != read {
			rl.writeEntry(write, e)
		}
		write++
	}
	if write < 0 {
		afdlog.Warnf("retrievelist: negative count after compaction for %s, clamping to zero", rl.dirID)
		write = 0
	}
	rl.count = write
	encodeHeader(rl.count, rl.capacity, rl.data[:headerSize])
}

// Detach unmaps the list and closes its backing file, if any.
func (rl *RL) Detach() error {
	if rl.data != nil {
		if err := unix.Munmap(rl.data); err != nil {
			return afderr.New(afderr.KindLsDataAttach, "retrievelist.Detach", err)
		}
		rl.data = nil
	}
	if rl.file != nil {
		return rl.file.Close()
	}
	return nil
}

// Package policy loads the per-directory admission policy document that
// drives C6's matching pipeline and C8's deletion-of-unknown-files logic.
// spec.md assumes a HOST_CONFIG/DIR_CONFIG document exists but deliberately
// leaves its shape out of scope; this is the minimal YAML schema this repo
// adds to carry masks, size/time filters, and per-pass budgets.
package policy

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/holger24/AFD-sub010/internal/afderr"
)

// Relation is a configured comparison operator for size/time filters.
type Relation string

// Supported relations.
const (
	RelLess    Relation = "<"
	RelEqual   Relation = "="
	RelGreater Relation = ">"
)

func relationHolds(rel Relation, a, b int64) bool {
	switch rel {
	case RelLess:
		return a < b
	case RelEqual:
		return a == b
	case RelGreater:
		return a > b
	default:
		return false
	}
}

// Mask is one entry in the directory's file-mask list.
type Mask struct {
	Pattern string `yaml:"pattern"`
	Negate  bool   `yaml:"negate"`
}

// SizeFilter rejects entries whose size satisfies Relation against IgnoreSize.
type SizeFilter struct {
	Relation   Relation `yaml:"relation"`
	IgnoreSize int64    `yaml:"ignore_size"`
}

// TimeFilter rejects entries whose age (current_time - mtime, in seconds)
// satisfies Relation against IgnoreFileTime.
type TimeFilter struct {
	Relation       Relation `yaml:"relation"`
	IgnoreFileTime int64    `yaml:"ignore_file_time"`
}

// UnknownFileAsSoonAsSeen is the distinguished sentinel for UnknownFileTime
// meaning an unrecognized file is eligible for deletion the moment it's seen.
const UnknownFileAsSoonAsSeen = -2

// Policy is one directory's admission policy document.
type Policy struct {
	Masks              []Mask      `yaml:"masks"`
	Size               *SizeFilter `yaml:"size_filter"`
	Time               *TimeFilter `yaml:"time_filter"`
	MaxCopiedFilesV    int64       `yaml:"max_copied_files"`
	MaxCopiedFileSizeV int64       `yaml:"max_copied_file_size"`
	DeleteUnknownFiles bool        `yaml:"delete_unknown_files"`
	UnknownFileTime    int64       `yaml:"unknown_file_time"`
	AppendOnly         bool        `yaml:"append_only"`
	KeepHistory        bool        `yaml:"keep_history"`
	AllowDotFiles      bool        `yaml:"allow_dot_files"`
	KeepConnected      bool        `yaml:"keep_connected"`
}

// Load reads and parses a directory policy document. A missing file is not
// an error: it resolves to the zero-value Policy (no masks, everything
// rejected by MatchMask, no budgets), matching a directory with no policy
// configured yet rather than crashing the worker.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Policy{}, nil
		}
		return nil, afderr.Wrapf(err, "policy: read %s", path)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, afderr.Wrapf(err, "policy: parse %s", path)
	}
	return &p, nil
}

// LoadForDirectory merges a host-wide policy with a directory-specific
// override, mirroring the FRA/FSA shadowing spec.md's Open Question #2
// describes: whenever a directory policy path is given, its KeepConnected
// (the last one encountered) replaces the host's, even when the directory
// document leaves it unset and so reads as false.
func LoadForDirectory(hostPolicyPath, dirPolicyPath string) (*Policy, error) {
	host, err := Load(hostPolicyPath)
	if err != nil {
		return nil, err
	}
	if dirPolicyPath == "" {
		return host, nil
	}
	dir, err := Load(dirPolicyPath)
	if err != nil {
		return nil, err
	}
	merged := *host
	if dirPolicyPath != "" {
		merged.KeepConnected = dir.KeepConnected // last assignment wins, preserved verbatim
	}
	if len(dir.Masks) > 0 {
		merged.Masks = dir.Masks
	}
	if dir.Size != nil {
		merged.Size = dir.Size
	}
	if dir.Time != nil {
		merged.Time = dir.Time
	}
	if dir.MaxCopiedFilesV > 0 {
		merged.MaxCopiedFilesV = dir.MaxCopiedFilesV
	}
	if dir.MaxCopiedFileSizeV > 0 {
		merged.MaxCopiedFileSizeV = dir.MaxCopiedFileSizeV
	}
	merged.DeleteUnknownFiles = dir.DeleteUnknownFiles
	merged.UnknownFileTime = dir.UnknownFileTime
	merged.AppendOnly = dir.AppendOnly
	merged.KeepHistory = dir.KeepHistory
	merged.AllowDotFiles = dir.AllowDotFiles
	return &merged, nil
}

// MatchMask implements the pipeline's stage 1: first mask hit wins; a
// negated mask that matches short-circuits the whole group, rejecting the
// entry outright rather than letting a later positive mask admit it.
func (p *Policy) MatchMask(name string) bool {
	if !p.AllowDotFiles && strings.HasPrefix(name, ".") {
		return false
	}
	for _, m := range p.Masks {
		matched, err := filepath.Match(m.Pattern, name)
		if err != nil || !matched {
			continue
		}
		return !m.Negate
	}
	return false
}

// SizeFilter implements the pipeline's stage 2.
func (p *Policy) SizeFilter(size int64) bool {
	if p.Size == nil {
		return true
	}
	return !relationHolds(p.Size.Relation, size, p.Size.IgnoreSize)
}

// TimeFilter implements the pipeline's stage 3.
func (p *Policy) TimeFilter(mtime, now time.Time) bool {
	if p.Time == nil {
		return true
	}
	ageSeconds := int64(now.Sub(mtime).Seconds())
	return !relationHolds(p.Time.Relation, ageSeconds, p.Time.IgnoreFileTime)
}

// MaxCopiedFiles implements retrievelist.MatchPolicy.
func (p *Policy) MaxCopiedFiles() int64 { return p.MaxCopiedFilesV }

// MaxCopiedFileSize implements retrievelist.MatchPolicy.
func (p *Policy) MaxCopiedFileSize() int64 { return p.MaxCopiedFileSizeV }

// UnknownFileDeletable reports whether name, not matched by any mask, is old
// enough to delete per DeleteUnknownFiles/UnknownFileTime, including the -2
// "as soon as seen" sentinel, and is also past the transfer timeout (so a
// file mid-upload on the remote isn't deleted out from under its writer).
func (p *Policy) UnknownFileDeletable(name string, mtime, now time.Time, transferTimeout time.Duration) bool {
	if !p.DeleteUnknownFiles {
		return false
	}
	if p.MatchMask(name) {
		return false
	}
	if now.Sub(mtime) < transferTimeout {
		return false
	}
	if p.UnknownFileTime == UnknownFileAsSoonAsSeen {
		return true
	}
	return int64(now.Sub(mtime).Seconds()) >= p.UnknownFileTime
}

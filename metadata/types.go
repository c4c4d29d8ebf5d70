package metadata

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Version is the ledger format version written by this package.
const Version uint8 = 1

// PackageManagerName is the pseudo-package under which the platform package
// manager stores its own backup data. It is always a system package.
const PackageManagerName = "@pm@"

// PackageState is the outcome of the most recent backup attempt of a package.
type PackageState uint8

const (
	// StateUnknownError is the default for a package whose APK was recorded
	// but whose data backup has not completed yet.
	StateUnknownError PackageState = iota
	// StateAPKAndData is the only successful state.
	StateAPKAndData
	StateNoData
	StateWasStopped
	StateNotAllowed
	StateQuotaExceeded
)

var stateNames = map[PackageState]string{
	StateUnknownError:  "UNKNOWN_ERROR",
	StateAPKAndData:    "APK_AND_DATA",
	StateNoData:        "NO_DATA",
	StateWasStopped:    "WAS_STOPPED",
	StateNotAllowed:    "NOT_ALLOWED",
	StateQuotaExceeded: "QUOTA_EXCEEDED",
}

func (s PackageState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("PackageState(%d)", uint8(s))
}

// Valid reports whether s is one of the known states.
func (s PackageState) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// ParseState parses the upper-snake name of a state.
func ParseState(name string) (PackageState, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown package state %q", name)
}

// PackageInfo describes an installed package as reported by the platform.
type PackageInfo struct {
	Name   string
	System bool
}

// IsSystem reports whether the package is part of the system image.
func (p PackageInfo) IsSystem() bool {
	return p.System || p.Name == PackageManagerName
}

// PackageMetadata is the ledger entry of one package.
type PackageMetadata struct {
	// Time of the last successful data backup. Zero if never backed up.
	Time       time.Time
	State      PackageState
	System     bool
	Version    *int64
	Installer  string
	SHA256     string
	Signatures []string
}

// Clone returns a deep copy of m.
func (m PackageMetadata) Clone() PackageMetadata {
	if m.Version != nil {
		v := *m.Version
		m.Version = &v
	}
	m.Signatures = slices.Clone(m.Signatures)
	return m
}

// BackupMetadata is the ledger of the current backup set.
type BackupMetadata struct {
	Version  uint8
	Token    uint64
	Time     time.Time
	Packages map[string]PackageMetadata
}

// NewBackupMetadata returns an empty ledger for the given token.
func NewBackupMetadata(token uint64) *BackupMetadata {
	return &BackupMetadata{
		Version:  Version,
		Token:    token,
		Packages: make(map[string]PackageMetadata),
	}
}

// Clone returns a deep copy of m.
func (m *BackupMetadata) Clone() *BackupMetadata {
	c := *m
	c.Packages = make(map[string]PackageMetadata, len(m.Packages))
	for name, p := range m.Packages {
		c.Packages[name] = p.Clone()
	}
	return &c
}

// PackageNames returns the names of all packages in the ledger, sorted.
func (m *BackupMetadata) PackageNames() []string {
	return slices.Sorted(maps.Keys(m.Packages))
}

// Int64 returns a pointer to v, for building PackageMetadata literals.
func Int64(v int64) *int64 {
	return &v
}

// toMillis truncates t to the millisecond precision kept by the ledger.
func toMillis(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}

package metadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPackageState_String(t *testing.T) {
	for s, name := range stateNames {
		require.Equal(t, name, s.String())
		parsed, err := ParseState(name)
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
	require.Equal(t, "PackageState(42)", PackageState(42).String())
	require.False(t, PackageState(42).Valid())

	_, err := ParseState("BACKED_UP")
	require.Error(t, err)
}

func TestPackageInfo_IsSystem(t *testing.T) {
	require.True(t, PackageInfo{Name: PackageManagerName}.IsSystem())
	require.True(t, PackageInfo{Name: "android", System: true}.IsSystem())
	require.False(t, PackageInfo{Name: "org.example.app"}.IsSystem())
}

func TestBackupMetadata_CloneIsDeep(t *testing.T) {
	m := NewBackupMetadata(3)
	m.Packages["a"] = PackageMetadata{Version: Int64(1), Signatures: []string{"x"}}

	c := m.Clone()
	p := c.Packages["a"]
	*p.Version = 2
	p.Signatures[0] = "y"
	c.Packages["b"] = PackageMetadata{}

	require.EqualValues(t, 1, *m.Packages["a"].Version)
	require.Equal(t, []string{"x"}, m.Packages["a"].Signatures)
	require.Len(t, m.Packages, 1)
	require.Equal(t, []string{"a", "b"}, c.PackageNames())
}

func TestToMillis(t *testing.T) {
	require.True(t, toMillis(time.Time{}).IsZero())

	in := time.Date(2026, 1, 2, 3, 4, 5, 678_901_234, time.FixedZone("CET", 3600))
	out := toMillis(in)
	require.Equal(t, time.UTC, out.Location())
	require.Equal(t, 678_000_000, out.Nanosecond())
	require.True(t, in.Truncate(time.Millisecond).Equal(out))
}

func TestTimeSignal_Dedup(t *testing.T) {
	s := newTimeSignal()
	ch, stop := s.watch()

	a := time.UnixMilli(1000).UTC()
	require.True(t, s.publish(a))
	require.False(t, s.publish(a))
	require.Equal(t, a, <-ch)

	b := time.UnixMilli(2000).UTC()
	c := time.UnixMilli(3000).UTC()
	require.True(t, s.publish(b))
	require.True(t, s.publish(c))
	require.Equal(t, c, <-ch, "only the latest value is kept")

	stop()
	stop()
	require.True(t, s.publish(a))
	select {
	case <-ch:
		t.Fatal("stopped watcher received a value")
	default:
	}
}

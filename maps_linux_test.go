package interpose

import (
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMapsLine(t *testing.T) {
	cases := map[string]struct {
		line    string
		want    Mapping
		wantErr bool
	}{
		"library": {
			line: "7f1c2a000000-7f1c2a022000 r-xp 00028000 fd:01 1835123                    /usr/lib/libc.so.6",
			want: Mapping{
				Start:  0x7f1c2a000000,
				End:    0x7f1c2a022000,
				Perms:  "r-xp",
				Offset: 0x28000,
				Inode:  1835123,
				Path:   "/usr/lib/libc.so.6",
			},
		},
		"anonymous": {
			line: "7ffd5c1e5000-7ffd5c1e7000 rw-p 00000000 00:00 0",
			want: Mapping{
				Start: 0x7ffd5c1e5000,
				End:   0x7ffd5c1e7000,
				Perms: "rw-p",
			},
		},
		"path with spaces": {
			line: "55d0c0000000-55d0c0001000 r--p 00000000 08:02 42 /opt/my app/lib x.so (deleted)",
			want: Mapping{
				Start: 0x55d0c0000000,
				End:   0x55d0c0001000,
				Perms: "r--p",
				Inode: 42,
				Path:  "/opt/my app/lib x.so (deleted)",
			},
		},
		"bad range": {
			line:    "7ffd5c1e5000 rw-p 00000000 00:00 0",
			wantErr: true,
		},
		"bad inode": {
			line:    "7ffd5c1e5000-7ffd5c1e7000 rw-p 00000000 00:00 x",
			wantErr: true,
		},
		"short": {
			line:    "7ffd5c1e5000-7ffd5c1e7000 rw-p",
			wantErr: true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			m, err := parseMapsLine(tc.line)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			if assert.NoError(t, err) {
				assert.Equal(t, tc.want, m)
			}
		})
	}
}

func TestMappingPerms(t *testing.T) {
	assert := assert.New(t)

	m := Mapping{Start: 0x1000, End: 0x2000, Perms: "r-xp", Path: "/lib/a.so", Inode: 7}
	assert.True(m.Readable())
	assert.True(m.Executable())
	assert.True(m.Contains(0x1000))
	assert.False(m.Contains(0x2000))

	assert.True(m.SameImage(Mapping{Path: "/lib/a.so", Inode: 7}))
	assert.False(m.SameImage(Mapping{Path: "/lib/a.so", Inode: 8}))

	assert.False(Mapping{Perms: "rw-p"}.Executable())
	assert.False(Mapping{Perms: "--xp"}.Readable())
}

func TestParseMaps(t *testing.T) {
	maps, err := parseMaps(strings.NewReader(
		"00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon\n" +
			"\n" +
			"00651000-00652000 rw-p 00051000 08:02 173521 /usr/bin/dbus-daemon\n"))
	require.NoError(t, err)
	assert.Len(t, maps, 2)
	assert.Equal(t, uintptr(0x651000), maps[1].Start)
}

func TestMappingForSelf(t *testing.T) {
	assert := assert.New(t)

	var x int
	m, err := MappingFor(uintptr(unsafe.Pointer(&x)))
	if assert.NoError(err) {
		assert.True(m.Readable())
		assert.False(m.Executable())
	}

	_, err = MappingFor(0)
	assert.Error(err)
}

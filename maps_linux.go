package interpose

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Mapping is one line of /proc/self/maps.
type Mapping struct {
	Start, End uintptr
	Perms      string
	Offset     uint64
	Inode      uint64
	Path       string
}

// Contains reports whether addr falls inside the mapping.
func (m Mapping) Contains(addr uintptr) bool {
	return addr >= m.Start && addr < m.End
}

// Readable reports whether the mapping has read permission.
func (m Mapping) Readable() bool {
	return len(m.Perms) > 0 && m.Perms[0] == 'r'
}

// Executable reports whether the mapping has execute permission.
func (m Mapping) Executable() bool {
	return len(m.Perms) > 2 && m.Perms[2] == 'x'
}

// SameImage reports whether two mappings come from the same file.
func (m Mapping) SameImage(o Mapping) bool {
	return m.Path == o.Path && m.Inode == o.Inode
}

const procSelfMaps = "/proc/self/maps"

// Mappings returns the current address space layout of the process.
func Mappings() ([]Mapping, error) {
	f, err := os.Open(procSelfMaps)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return parseMaps(f)
}

// MappingFor returns the mapping that contains addr.
func MappingFor(addr uintptr) (Mapping, error) {
	maps, err := Mappings()
	if err != nil {
		return Mapping{}, err
	}

	for _, m := range maps {
		if m.Contains(addr) {
			return m, nil
		}
	}
	return Mapping{}, fmt.Errorf("address %#x is not mapped", addr)
}

func parseMaps(r io.Reader) ([]Mapping, error) {
	var maps []Mapping

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		m, err := parseMapsLine(line)
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return maps, nil
}

// parseMapsLine parses lines like:
//
//	7f1c2a000000-7f1c2a022000 r-xp 00000000 fd:01 1835123    /usr/lib/libc.so.6
func parseMapsLine(line string) (Mapping, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, fmt.Errorf("malformed maps line %q", line)
	}

	addrRange := strings.SplitN(fields[0], "-", 2)
	if len(addrRange) != 2 {
		return Mapping{}, fmt.Errorf("malformed address range %q", fields[0])
	}
	start, err := strconv.ParseUint(addrRange[0], 16, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("malformed start address %q: %w", addrRange[0], err)
	}
	end, err := strconv.ParseUint(addrRange[1], 16, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("malformed end address %q: %w", addrRange[1], err)
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("malformed offset %q: %w", fields[2], err)
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("malformed inode %q: %w", fields[4], err)
	}

	m := Mapping{
		Start:  uintptr(start),
		End:    uintptr(end),
		Perms:  fields[1],
		Offset: offset,
		Inode:  inode,
	}
	if len(fields) > 5 {
		// Paths may contain spaces.
		m.Path = strings.Join(fields[5:], " ")
	}
	return m, nil
}

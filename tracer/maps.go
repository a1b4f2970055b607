//go:build linux && amd64

package tracer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

var mapsLine = regexp.MustCompile(`^([0-9a-f]+)-([0-9a-f]+)\s+([rwxps-]+)\s+([0-9a-f]+)\s+([0-9a-f]+:[0-9a-f]+)\s+(\d+)(?:\s+(.*))?$`)

func parseMaps(r io.Reader) ([]Mapping, error) {
	var maps []Mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		match := mapsLine.FindStringSubmatch(scanner.Text())
		if len(match) < 7 {
			continue
		}
		start, _ := strconv.ParseUint(match[1], 16, 64)
		end, _ := strconv.ParseUint(match[2], 16, 64)
		offset, _ := strconv.ParseUint(match[4], 16, 64)
		maps = append(maps, Mapping{
			Start:  start,
			End:    end,
			Perms:  match[3],
			Offset: offset,
			Path:   strings.TrimSpace(match[7]),
		})
	}
	return maps, scanner.Err()
}

// ReadMaps parses the memory map of pid.
func ReadMaps(pid int) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseMaps(f)
}

// loadAddress is the start of the file-offset-0 mapping of path.
func loadAddress(maps []Mapping, path string) (uint64, bool) {
	for _, m := range maps {
		if m.Path == path && m.Offset == 0 {
			return m.Start, true
		}
	}
	return 0, false
}

// FindMapping returns the mapping that contains addr.
func FindMapping(maps []Mapping, addr uint64) (Mapping, bool) {
	for _, m := range maps {
		if addr >= m.Start && addr < m.End {
			return m, true
		}
	}
	return Mapping{}, false
}

package counter

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// NetDev samples cumulative rx+tx bytes from /proc/net/dev, excluding the
// loopback interface. Values reset to zero when the device reboots; the
// tracker clamps the resulting negative delta.
type NetDev struct {
	path string // overridable for tests
}

// NewSource returns the platform counter source.
func NewSource() Source {
	return &NetDev{path: "/proc/net/dev"}
}

// Sample returns the cumulative transferred data in MB.
func (n *NetDev) Sample() (float64, error) {
	f, err := os.Open(n.path)
	if err != nil {
		return 0, fmt.Errorf("counter: open %s: %w", n.path, err)
	}
	defer f.Close()

	var total uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		name, fields, ok := splitNetDevLine(line)
		if !ok || name == "lo" {
			continue
		}
		// Field 0 is rx bytes, field 8 is tx bytes
		if len(fields) > 8 {
			rx, _ := strconv.ParseUint(fields[0], 10, 64)
			tx, _ := strconv.ParseUint(fields[8], 10, 64)
			total += rx + tx
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("counter: read %s: %w", n.path, err)
	}

	return float64(total) / bytesPerMB, nil
}

// splitNetDevLine parses one "iface: v1 v2 ..." data line. Header lines
// (no colon) report ok == false.
func splitNetDevLine(line string) (name string, fields []string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", nil, false
	}
	name = strings.TrimSpace(line[:idx])
	fields = strings.Fields(line[idx+1:])
	return name, fields, name != ""
}

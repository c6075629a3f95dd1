package classifier

import (
	"bufio"
	"io"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/endorses/mercury/internal/pkg/logger"
)

// SubnetTable maps destination addresses to autonomous system numbers.
// Built once from the pyasn.db archive entry, then read-only.
type SubnetTable struct {
	prefixes []prefixASN // sorted by address, longest prefix later
}

type prefixASN struct {
	prefix netip.Prefix
	asn    uint32
}

// loadSubnets parses pyasn.db: one "prefix\tasn" per line, with ';' or '#'
// comment lines.
func loadSubnets(r io.Reader) (*SubnetTable, error) {
	t := &SubnetTable{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == ';' || line[0] == '#' {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			logger.Warn("Skipping malformed subnet line", "line", line)
			continue
		}
		prefix, err := netip.ParsePrefix(fields[0])
		if err != nil {
			logger.Warn("Skipping malformed subnet prefix", "prefix", fields[0])
			continue
		}
		asn, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			logger.Warn("Skipping malformed ASN", "asn", fields[1])
			continue
		}
		t.prefixes = append(t.prefixes, prefixASN{prefix.Masked(), uint32(asn)})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		a, b := t.prefixes[i], t.prefixes[j]
		if c := a.prefix.Addr().Compare(b.prefix.Addr()); c != 0 {
			return c < 0
		}
		return a.prefix.Bits() < b.prefix.Bits()
	})
	return t, nil
}

// Lookup returns the ASN covering addr, or 0 when none matches. Longest
// matching prefix wins.
func (t *SubnetTable) Lookup(addr netip.Addr) uint32 {
	if t == nil || len(t.prefixes) == 0 {
		return 0
	}
	// First prefix whose base address is > addr; candidates precede it.
	i := sort.Search(len(t.prefixes), func(i int) bool {
		return t.prefixes[i].prefix.Addr().Compare(addr) > 0
	})
	// Nested prefixes are rare and shallow in pyasn dumps; a short
	// backward scan finds the longest covering prefix.
	const scanWindow = 128
	var best uint32
	bestBits := -1
	for j := i - 1; j >= 0 && j >= i-scanWindow; j-- {
		p := t.prefixes[j]
		if p.prefix.Contains(addr) && p.prefix.Bits() > bestBits {
			best, bestBits = p.asn, p.prefix.Bits()
		}
	}
	return best
}

// Len returns the number of loaded prefixes.
func (t *SubnetTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.prefixes)
}

// Package classifier implements the weighted naive-Bayes engine that maps a
// canonical protocol fingerprint plus destination context to the likely
// originating process. All state except the fingerprint prevalence LRU is
// immutable once NewFromArchive returns.
package classifier

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/endorses/mercury/internal/pkg/fingerprint"
	"github.com/endorses/mercury/internal/pkg/logger"
	"github.com/endorses/mercury/internal/pkg/resources"
)

// Config tunes the load phase.
type Config struct {
	// FpProcThreshold drops processes whose share of a fingerprint's
	// observations is at or below this fraction.
	FpProcThreshold float64

	// ProcDstThreshold drops feature values whose share is at or below
	// this fraction.
	ProcDstThreshold float64

	// PrevalenceCap bounds the adaptive fingerprint LRU.
	PrevalenceCap int
}

// Well-known attribute bits; archive-defined attributes follow.
const (
	AttrMalware = iota
	AttrEncryptedDNS
	AttrEncryptedChannel
)

// attributeTable interns attribute names into bit positions.
type attributeTable struct {
	names   []string
	indexes map[string]int
}

func newAttributeTable() *attributeTable {
	t := &attributeTable{indexes: make(map[string]int)}
	for _, name := range []string{"malware", "encrypted_dns", "encrypted_channel"} {
		t.indexes[name] = len(t.names)
		t.names = append(t.names, name)
	}
	return t
}

func (t *attributeTable) bitsetFor(malware bool, names []string) uint64 {
	var bits uint64
	if malware {
		bits |= 1 << AttrMalware
	}
	for _, name := range names {
		idx, ok := t.indexes[name]
		if !ok {
			if len(t.names) >= 64 {
				continue
			}
			idx = len(t.names)
			t.indexes[name] = idx
			t.names = append(t.names, name)
		}
		bits |= 1 << idx
	}
	return bits
}

// Classifier holds the loaded fingerprint database and lookup structures.
type Classifier struct {
	enabled bool
	version string

	entries map[string]*FingerprintEntry
	attrs   *attributeTable

	subnets      *SubnetTable
	dohHostnames map[string]struct{}
	dohAddrs     map[string]struct{}

	prevalence *fingerprint.Prevalence
}

// Enabled reports whether the archive qualified the classifier for use.
func (c *Classifier) Enabled() bool { return c.enabled }

// Version returns the archive VERSION descriptor.
func (c *Classifier) Version() string { return c.version }

// Prevalence exposes the fingerprint prevalence set (shared with workers).
func (c *Classifier) Prevalence() *fingerprint.Prevalence { return c.prevalence }

// AttributeNames returns the interned attribute name table.
func (c *Classifier) AttributeNames() []string { return c.attrs.names }

// NewFromArchive consumes the resource archive and builds the classifier.
// Missing required entries are fatal; individually malformed database lines
// are logged and skipped.
func NewFromArchive(r resources.ArchiveReader, cfg Config) (*Classifier, error) {
	if cfg.PrevalenceCap <= 0 {
		cfg.PrevalenceCap = 100000
	}
	c := &Classifier{
		entries:      make(map[string]*FingerprintEntry),
		attrs:        newAttributeTable(),
		dohHostnames: make(map[string]struct{}),
		dohAddrs:     make(map[string]struct{}),
		prevalence:   fingerprint.NewPrevalence(cfg.PrevalenceCap),
	}

	var (
		sawDB, sawPrevalence, sawVersion, sawWatchlist bool
	)
	for {
		entry, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if !entry.Regular {
			continue
		}
		switch entry.Name {
		case resources.EntryFingerprintDB, resources.EntryFingerprintDBLite:
			if err := c.loadDatabase(entry.Reader, &cfg); err != nil {
				return nil, fmt.Errorf("load %s: %w", entry.Name, err)
			}
			sawDB = true
		case resources.EntryPrevalence:
			if err := c.loadPrevalence(entry.Reader); err != nil {
				return nil, fmt.Errorf("load %s: %w", entry.Name, err)
			}
			sawPrevalence = true
		case resources.EntryVersion:
			data, err := io.ReadAll(entry.Reader)
			if err != nil {
				return nil, err
			}
			c.version = strings.TrimSpace(string(data))
			sawVersion = true
		case resources.EntryDoHWatchlist:
			if err := c.loadWatchlist(entry.Reader); err != nil {
				return nil, fmt.Errorf("load %s: %w", entry.Name, err)
			}
			sawWatchlist = true
		case resources.EntryASNDB:
			subnets, err := loadSubnets(entry.Reader)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", entry.Name, err)
			}
			c.subnets = subnets
		default:
			// Unrecognized entries are allowed and ignored.
		}
	}

	switch {
	case !sawDB:
		return nil, fmt.Errorf("%w: fingerprint database", resources.ErrMissingEntry)
	case !sawPrevalence:
		return nil, fmt.Errorf("%w: %s", resources.ErrMissingEntry, resources.EntryPrevalence)
	case !sawVersion:
		return nil, fmt.Errorf("%w: %s", resources.ErrMissingEntry, resources.EntryVersion)
	case !sawWatchlist:
		return nil, fmt.Errorf("%w: %s", resources.ErrMissingEntry, resources.EntryDoHWatchlist)
	}

	// The classifier is enabled only when the VERSION descriptor carries
	// exactly one ";"-qualifier (e.g. "resources 2026.07.01;full").
	c.enabled = strings.Count(c.version, ";") == 1

	logger.Info("Classifier resources loaded",
		"version", c.version,
		"enabled", c.enabled,
		"fingerprints", len(c.entries),
		"known_prevalence", c.prevalence.KnownCount(),
		"subnets", c.subnets.Len(),
	)
	return c, nil
}

// loadDatabase reads one JSON object per line. TLS and QUIC format
// versions are tracked independently per line via the format_version field.
func (c *Classifier) loadDatabase(r io.Reader, cfg *Config) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		line, err := unmarshalLine(raw)
		if err != nil {
			logger.Warn("Skipping malformed fingerprint entry", "line", lineNo, "error", err)
			continue
		}
		if line.StrRepr == "" || len(line.StrRepr) > fingerprint.MaxLen {
			logger.Warn("Skipping fingerprint entry with bad str_repr", "line", lineNo)
			continue
		}
		entry := buildEntry(line, cfg, c.attrs)
		if entry == nil {
			logger.Warn("Skipping fingerprint entry with no usable processes", "line", lineNo)
			continue
		}
		c.entries[line.StrRepr] = entry
	}
	return scanner.Err()
}

func (c *Classifier) loadPrevalence(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			c.prevalence.AddKnown(line)
		}
	}
	return scanner.Err()
}

func (c *Classifier) loadWatchlist(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		if addr, err := netip.ParseAddr(line); err == nil {
			c.dohAddrs[addr.String()] = struct{}{}
		} else {
			c.dohHostnames[strings.ToLower(line)] = struct{}{}
		}
	}
	return scanner.Err()
}

// Lookup returns the entry for a canonical fingerprint string.
func (c *Classifier) Lookup(fp string) (*FingerprintEntry, bool) {
	e, ok := c.entries[fp]
	return e, ok
}

// RecomputeWeights applies a new feature weight vector to every entry.
// Intended for training-time tuning, not the packet path.
func (c *Classifier) RecomputeWeights(weights [NumFeatures]float64) {
	for _, e := range c.entries {
		e.RecomputeWeights(weights)
	}
}

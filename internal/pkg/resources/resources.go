// Package resources reads the classifier resource archive. The archive is
// treated as an opaque container of named byte-stream entries; this
// implementation reads gzip-compressed tar files.
package resources

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
)

// Entry is one named entry inside the archive; Regular reports whether it
// is a regular file.
type Entry struct {
	Name    string
	Regular bool
	Reader  io.Reader
}

// ArchiveReader yields the entries of a resource archive in order.
type ArchiveReader interface {
	// Next returns the next entry, or io.EOF when the archive is done.
	Next() (Entry, error)
}

// Required entry names. Either fingerprint database satisfies the
// database requirement.
const (
	EntryFingerprintDB     = "fingerprint_db.json"
	EntryFingerprintDBLite = "fingerprint_db_lite.json"
	EntryPrevalence        = "fp_prevalence_tls.txt"
	EntryVersion           = "VERSION"
	EntryDoHWatchlist      = "doh-watchlist.txt"
	EntryASNDB             = "pyasn.db"
)

// ErrMissingEntry reports a required archive entry that never appeared.
var ErrMissingEntry = errors.New("missing archive entry")

type tarGzReader struct {
	f  *os.File
	gz *gzip.Reader
	tr *tar.Reader
}

// OpenTarGz opens a gzip-compressed tar resource archive.
func OpenTarGz(filename string) (ArchiveReader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open resource archive: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read resource archive %s: %w", filename, err)
	}
	return &tarGzReader{f: f, gz: gz, tr: tar.NewReader(gz)}, nil
}

func (r *tarGzReader) Next() (Entry, error) {
	hdr, err := r.tr.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.gz.Close()
			r.f.Close()
			return Entry{}, io.EOF
		}
		return Entry{}, fmt.Errorf("read archive entry: %w", err)
	}
	return Entry{
		// Entries may be nested under a top-level directory.
		Name:    path.Base(hdr.Name),
		Regular: hdr.Typeflag == tar.TypeReg,
		Reader:  r.tr,
	}, nil
}

// SliceReader serves entries from memory; used by tests and by embedders
// that carry resources in another container format.
type SliceReader struct {
	Entries []SliceEntry
	pos     int
}

// SliceEntry is one in-memory archive entry.
type SliceEntry struct {
	Name string
	Data []byte
}

func (r *SliceReader) Next() (Entry, error) {
	if r.pos >= len(r.Entries) {
		return Entry{}, io.EOF
	}
	e := r.Entries[r.pos]
	r.pos++
	return Entry{Name: e.Name, Regular: true, Reader: newByteReader(e.Data)}, nil
}

type byteReader struct {
	data []byte
}

func newByteReader(b []byte) *byteReader { return &byteReader{data: b} }

func (b *byteReader) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

// Package output implements the writer side of the pipeline: the rotating
// output file (JSON lines or PCAP) and the writer loop that drains the
// worker rings through the tournament merge.
package output

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/endorses/mercury/internal/pkg/config"
	"github.com/endorses/mercury/internal/pkg/logger"
	"github.com/endorses/mercury/internal/pkg/stats"
)

// Rotator writes records to the current output file and rotates it every
// RecordsPerFile records. With RecordsPerFile == 0 rotation is disabled and
// the base name is used literally.
type Rotator struct {
	baseName       string
	recordsPerFile int
	remaining      int
	seq            uint64
	mode           config.OutputMode
	linkType       layers.LinkType

	file *os.File
	bw   *bufio.Writer
	pcap *pcapgo.Writer
}

// NewRotator creates a rotator; no file is opened until Open.
func NewRotator(baseName string, recordsPerFile int, mode config.OutputMode, linkType layers.LinkType) *Rotator {
	return &Rotator{
		baseName:       baseName,
		recordsPerFile: recordsPerFile,
		mode:           mode,
		linkType:       linkType,
	}
}

// fileName derives the rotated name: <base>-<lowercase hex seq>-<local
// timestamp>. Rotation disabled means the bare base name.
func (r *Rotator) fileName(now time.Time) string {
	if r.recordsPerFile == 0 {
		return r.baseName
	}
	return fmt.Sprintf("%s-%x-%s", r.baseName, r.seq, now.Format("20060102150405"))
}

// Open opens the first (or next) output file and writes the PCAP file
// header when the mode calls for it.
func (r *Rotator) Open() error {
	name := r.fileName(time.Now())
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("open output file %s: %w", name, err)
	}
	r.file = f
	r.bw = bufio.NewWriterSize(f, 256*1024)
	if r.mode == config.OutputPCAP {
		r.pcap = pcapgo.NewWriter(r.bw)
		if err := r.pcap.WriteFileHeader(65536, r.linkType); err != nil {
			f.Close()
			return fmt.Errorf("write pcap header: %w", err)
		}
	}
	r.remaining = r.recordsPerFile
	return nil
}

// Write emits one record and rotates when the per-file budget runs out.
func (r *Rotator) Write(sec, nsec int64, wire uint32, payload []byte) error {
	if r.file == nil {
		return fmt.Errorf("rotator is not open")
	}
	switch r.mode {
	case config.OutputPCAP:
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(sec, nsec),
			CaptureLength: len(payload),
			Length:        int(wire),
		}
		if err := r.pcap.WritePacket(ci, payload); err != nil {
			return err
		}
	default:
		if _, err := r.bw.Write(payload); err != nil {
			return err
		}
	}
	stats.RecordsWritten.Inc()

	if r.recordsPerFile > 0 {
		r.remaining--
		if r.remaining == 0 {
			return r.rotate()
		}
	}
	return nil
}

func (r *Rotator) rotate() error {
	if err := r.Close(); err != nil {
		return err
	}
	r.seq++
	stats.Rotations.Inc()
	if err := r.Open(); err != nil {
		return err
	}
	logger.Debug("Rotated output file", "seq", r.seq)
	return nil
}

// Close flushes and closes the current file.
func (r *Rotator) Close() error {
	if r.file == nil {
		return nil
	}
	if err := r.bw.Flush(); err != nil {
		r.file.Close()
		r.file = nil
		return err
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Package capture provides the packet sources feeding the worker pipeline.
// Live AF_PACKET ring setup belongs to the orchestration layer; the core
// consumes any Source. The file source reads standard PCAP files.
package capture

import (
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket/pcapgo"

	"github.com/endorses/mercury/internal/pkg/flow"
)

// Source yields captured packets. Next returns io.EOF when the capture is
// exhausted.
type Source interface {
	Next() (flow.Packet, error)
	Close() error
}

// FileSource reads packets from a PCAP file.
type FileSource struct {
	f  *os.File
	r  *pcapgo.Reader
}

// OpenFile opens a PCAP file source.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read pcap header from %s: %w", path, err)
	}
	return &FileSource{f: f, r: r}, nil
}

// Next reads the next packet. The returned data is freshly allocated and
// safe to hand to another goroutine.
func (s *FileSource) Next() (flow.Packet, error) {
	data, ci, err := s.r.ReadPacketData()
	if err != nil {
		if err == io.EOF {
			return flow.Packet{}, io.EOF
		}
		return flow.Packet{}, err
	}
	return flow.Packet{
		Sec:      ci.Timestamp.Unix(),
		Nsec:     int64(ci.Timestamp.Nanosecond()),
		CapLen:   uint32(ci.CaptureLength),
		WireLen:  uint32(ci.Length),
		LinkType: s.r.LinkType(),
		Data:     data,
	}, nil
}

// Close releases the underlying file.
func (s *FileSource) Close() error { return s.f.Close() }

package capture

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/mercury/internal/pkg/config"
	"github.com/endorses/mercury/internal/pkg/flow"
	"github.com/endorses/mercury/internal/pkg/worker"
)

func writeTestPCAP(t *testing.T, packets [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for i, pkt := range packets {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(int64(1700000000+i), 0),
			CaptureLength: len(pkt),
			Length:        len(pkt),
		}
		require.NoError(t, w.WritePacket(ci, pkt))
	}
	require.NoError(t, f.Close())
	return path
}

// synPacket is an Ethernet/IPv4 TCP SYN.
func synPacket() []byte {
	return []byte{
		0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 0x08, 0x00,
		0x45, 0x00, 0x00, 0x28, 0, 1, 0, 0, 64, 6, 0, 0,
		10, 0, 0, 1,
		93, 184, 216, 34,
		0xc7, 0x38, 0x01, 0xbb,
		0x12, 0x34, 0x56, 0x78,
		0, 0, 0, 0,
		0x50, 0x02, 0xff, 0xff, 0, 0, 0, 0,
	}
}

func TestFileSource(t *testing.T) {
	path := writeTestPCAP(t, [][]byte{synPacket(), synPacket()})

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	pkt, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), pkt.Sec)
	assert.Equal(t, layers.LinkTypeEthernet, pkt.LinkType)
	assert.Equal(t, synPacket(), pkt.Data)

	_, err = src.Next()
	require.NoError(t, err)
	_, err = src.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDispatcherDeliversToWorker(t *testing.T) {
	path := writeTestPCAP(t, [][]byte{synPacket()})
	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	cfg := config.Defaults()
	workers := []*worker.Worker{worker.New(0, cfg, nil)}
	d := NewDispatcher(workers)
	require.NoError(t, d.Run(src))

	assert.True(t, workers[0].Ring.FrontReady())
}

func TestDispatcherFlowAffinity(t *testing.T) {
	workers := []*worker.Worker{
		worker.New(0, config.Defaults(), nil),
		worker.New(1, config.Defaults(), nil),
	}
	d := NewDispatcher(workers)
	defer d.shutdown()

	pkt := synPacket()
	fwd := flow.Packet{LinkType: layers.LinkTypeEthernet, Data: pkt}
	idx := d.pick(&fwd)

	// The reverse direction must hash to the same worker.
	rev := append([]byte{}, pkt...)
	copy(rev[26:30], pkt[30:34]) // swap IPs
	copy(rev[30:34], pkt[26:30])
	copy(rev[34:36], pkt[36:38]) // swap ports
	copy(rev[36:38], pkt[34:36])
	back := flow.Packet{LinkType: layers.LinkTypeEthernet, Data: rev}
	assert.Equal(t, idx, d.pick(&back))
}

// Package worker runs the per-packet pipeline: header dissection, protocol
// fingerprint extraction (with handshake reassembly), classification, JSON
// record encoding, and the push into the worker's lockless ring.
package worker

import (
	"encoding/base64"
	"strconv"

	"github.com/endorses/mercury/internal/pkg/classifier"
	"github.com/endorses/mercury/internal/pkg/config"
	"github.com/endorses/mercury/internal/pkg/dissect"
	"github.com/endorses/mercury/internal/pkg/fingerprint"
	"github.com/endorses/mercury/internal/pkg/flow"
	"github.com/endorses/mercury/internal/pkg/llq"
	"github.com/endorses/mercury/internal/pkg/protocols/bencode"
	"github.com/endorses/mercury/internal/pkg/protocols/dhcp"
	"github.com/endorses/mercury/internal/pkg/protocols/dns"
	httpfp "github.com/endorses/mercury/internal/pkg/protocols/http"
	"github.com/endorses/mercury/internal/pkg/protocols/quic"
	"github.com/endorses/mercury/internal/pkg/protocols/ssh"
	tlsfp "github.com/endorses/mercury/internal/pkg/protocols/tls"
	"github.com/endorses/mercury/internal/pkg/protocols/wireguard"
	"github.com/endorses/mercury/internal/pkg/reassembly"
	"github.com/endorses/mercury/internal/pkg/stats"
)

// Worker owns one ring and one reassembler. Exactly one goroutine calls
// ProcessPacket.
type Worker struct {
	ID   int
	Ring *llq.RingBuffer

	cfg   *config.Config
	clf   *classifier.Classifier
	reasm *reassembly.Reassembler

	rec recordBuilder

	// pending timestamps for reap-flush emission
	flushSec, flushNsec int64
}

// New creates a worker. clf may be nil when analysis is disabled.
func New(id int, cfg *config.Config, clf *classifier.Classifier) *Worker {
	w := &Worker{
		ID:   id,
		Ring: llq.NewRingBuffer(cfg.BlockingWrites),
		cfg:  cfg,
		clf:  clf,
	}
	w.reasm = reassembly.New(w.flushReaped)
	return w
}

// ProcessPacket runs the pipeline for one captured packet. The packet's
// bytes are only valid for the duration of the call.
func (w *Worker) ProcessPacket(pkt *flow.Packet) {
	stats.PacketsProcessed.Inc()

	if w.cfg.OutputMode == config.OutputPCAP {
		// PCAP passthrough: the record is the packet itself.
		w.Ring.Push(pkt.Sec, pkt.Nsec, pkt.WireLen, pkt.Data)
		return
	}

	dec, ok := dissect.Decode(pkt.Data, pkt.LinkType)
	if !ok {
		return
	}

	switch dec.Transport {
	case dissect.TransportTCP:
		w.processTCP(pkt, &dec)
	case dissect.TransportUDP:
		w.processUDP(pkt, &dec)
	}
}

func (w *Worker) processTCP(pkt *flow.Packet, dec *dissect.Decoded) {
	if len(dec.Payload) == 0 {
		if dec.TCP.SYN() {
			if fp, ok := dissect.FingerprintSYN(&dec.TCP); ok {
				w.emitTCP(pkt, dec, fp)
			}
		}
		return
	}

	now := pkt.Timestamp()

	// An in-progress handshake for this flow takes the payload first.
	w.flushSec, w.flushNsec = pkt.Sec, pkt.Nsec
	if buf, done := w.reasm.CheckPacket(dec.Key, now, dec.TCP.Seq, dec.Payload); done {
		res := tlsfp.Parse(buf)
		if res.Valid {
			w.emitTLS(pkt, dec, &res)
		}
		return
	}

	if res := tlsfp.Parse(dec.Payload); res.Valid || res.NeedBytes > 0 {
		if res.NeedBytes > 0 {
			w.reasm.CopyPacket(dec.Key, now, dec.TCP.Seq, dec.Payload, res.NeedBytes)
			return
		}
		w.emitTLS(pkt, dec, &res)
		return
	}

	if req := httpfp.ParseRequest(dec.Payload); req.Valid {
		w.emitHTTPRequest(pkt, dec, &req)
		return
	}
	if resp := httpfp.ParseResponse(dec.Payload); resp.Valid {
		w.emitHTTPResponse(pkt, dec, &resp)
		return
	}

	if banner := ssh.ParseBanner(dec.Payload); banner.Valid {
		w.emitSSHBanner(pkt, dec, &banner)
		return
	}
	if kex := ssh.ParseKexInit(dec.Payload); kex.Valid {
		w.emitSSHKex(pkt, dec, &kex)
		return
	}

	if w.cfg.OutputTCPInitialData && dec.TCP.Flags&dissect.FlagPSH != 0 {
		w.emitInitialData(pkt, dec)
	}
}

func (w *Worker) processUDP(pkt *flow.Packet, dec *dissect.Decoded) {
	payload := dec.Payload
	if len(payload) == 0 {
		return
	}

	if res := quic.Parse(payload); res.Valid {
		w.emitQUIC(pkt, dec, &res)
		return
	}

	if res := tlsfp.ParseDTLS(payload); res.Valid {
		w.emitTLS(pkt, dec, &res)
		return
	}

	if dec.Key.SrcPort == 53 || dec.Key.DstPort == 53 ||
		dec.Key.SrcPort == 5353 || dec.Key.DstPort == 5353 {
		if msg := dns.Parse(payload); msg.Valid {
			w.emitDNS(pkt, dec, &msg, payload)
			return
		}
	}

	if dec.Key.DstPort == 67 || dec.Key.DstPort == 68 {
		if msg := dhcp.Parse(payload); msg.Valid {
			w.emitDHCP(pkt, dec, &msg)
			return
		}
	}

	if hs := wireguard.Parse(payload); hs.Valid {
		w.emitWireguard(pkt, dec, &hs)
		return
	}

	if payload[0] == 'd' {
		if v, n, ok := bencode.Parse(payload); ok && n == len(payload) {
			w.emitBencode(pkt, dec, &v)
			return
		}
	}

	if w.cfg.OutputUDPInitialData {
		w.emitInitialData(pkt, dec)
	}
}

// flushReaped emits whatever a reaped partial handshake still yields.
func (w *Worker) flushReaped(key flow.Key, buf []byte) {
	res := tlsfp.Parse(buf)
	if !res.Valid {
		return
	}
	dec := dissect.Decoded{Key: key, Transport: dissect.TransportTCP}
	pkt := flow.Packet{Sec: w.flushSec, Nsec: w.flushNsec}
	w.emitTLS(&pkt, &dec, &res)
}

// ---- record emission ----

func (w *Worker) analyze(fp fingerprint.Fingerprint, dec *dissect.Decoded, sni, userAgent string) *classifier.Result {
	if w.clf == nil || !w.cfg.DoAnalysis {
		return nil
	}
	return w.clf.Classify(fp, classifier.DestinationContext{
		ServerName: sni,
		DstIP:      dec.Key.DstIP(),
		DstPort:    dec.Key.DstPort,
		UserAgent:  userAgent,
	})
}

func (w *Worker) beginRecord() *recordBuilder {
	w.rec.reset()
	return &w.rec
}

func (w *Worker) pushRecord(pkt *flow.Packet, dec *dissect.Decoded, b *recordBuilder) {
	b.stringField("src_ip", []byte(dec.Key.SrcIP().String()))
	b.stringField("dst_ip", []byte(dec.Key.DstIP().String()))
	b.uintField("protocol", uint64(dec.Key.Protocol))
	b.uintField("src_port", uint64(dec.Key.SrcPort))
	b.uintField("dst_port", uint64(dec.Key.DstPort))
	b.timestampField("event_start", pkt.Sec, pkt.Nsec)
	w.Ring.Push(pkt.Sec, pkt.Nsec, pkt.WireLen, b.finish())
}

func (b *recordBuilder) fingerprintObject(fp fingerprint.Fingerprint) {
	if !fp.Valid() {
		return
	}
	b.openObject("fingerprints")
	b.stringField(fp.Type.String(), []byte(fp.Str))
	b.closeObject()
}

func (b *recordBuilder) analysisObject(res *classifier.Result, reportOS bool) {
	if res == nil {
		return
	}
	b.openObject("analysis")
	b.stringField("status", []byte(res.Status.String()))
	if res.Status == classifier.StatusLabeled || res.ProcessName != "" {
		if res.ProcessName != "" {
			b.stringField("process", []byte(res.ProcessName))
			b.floatField("score", res.Score)
		}
		b.openObject("malware")
		b.boolField("flag", res.MalwareFlag)
		b.floatField("probability", res.MalwareProb)
		b.closeObject()
		if reportOS && len(res.OSInfo) > 0 {
			b.openArray("os_info")
			for cpe, count := range res.OSInfo {
				b.comma()
				b.buf = append(b.buf, '{')
				b.needComma = false
				b.stringField("cpe", []byte(cpe))
				b.uintField("count", count)
				b.buf = append(b.buf, '}')
				b.needComma = true
			}
			b.closeArray()
		}
		if len(res.Attributes) > 0 {
			b.openObject("attributes")
			for _, a := range res.Attributes {
				b.floatField(a.Name, a.Prob)
			}
			b.closeObject()
		}
	}
	b.closeObject()
}

func (w *Worker) emitTCP(pkt *flow.Packet, dec *dissect.Decoded, fp string) {
	b := w.beginRecord()
	b.fingerprintObject(fingerprint.Fingerprint{Type: fingerprint.TypeTCP, Str: fp})
	w.pushRecord(pkt, dec, b)
}

func (w *Worker) emitTLS(pkt *flow.Packet, dec *dissect.Decoded, res *tlsfp.Result) {
	b := w.beginRecord()
	b.fingerprintObject(res.Fingerprint)
	if w.cfg.MetadataOutput && res.HandshakeType == tlsfp.HandshakeClientHello {
		b.openObject("tls")
		b.openObject("client")
		b.stringField("server_name", []byte(res.SNI))
		b.closeObject()
		b.closeObject()
	}
	if w.cfg.CertsJSONOutput && len(res.Certs) > 0 {
		b.openObject("tls")
		b.openObject("server")
		b.openArray("certs")
		for _, der := range res.Certs {
			b.comma()
			b.stringValue([]byte(base64.StdEncoding.EncodeToString(der)))
			b.needComma = true
		}
		b.closeArray()
		b.closeObject()
		b.closeObject()
	}
	b.analysisObject(w.analyze(res.Fingerprint, dec, res.SNI, ""), w.cfg.ReportOS)
	w.pushRecord(pkt, dec, b)
}

func (w *Worker) emitQUIC(pkt *flow.Packet, dec *dissect.Decoded, res *quic.Result) {
	b := w.beginRecord()
	b.fingerprintObject(res.Fingerprint)
	if w.cfg.MetadataOutput {
		b.openObject("quic")
		b.stringField("version", []byte(strconv.FormatUint(uint64(res.Version), 16)))
		if res.SNI != "" {
			b.stringField("server_name", []byte(res.SNI))
		}
		b.closeObject()
	}
	b.analysisObject(w.analyze(res.Fingerprint, dec, res.SNI, ""), w.cfg.ReportOS)
	w.pushRecord(pkt, dec, b)
}

func (w *Worker) emitHTTPRequest(pkt *flow.Packet, dec *dissect.Decoded, req *httpfp.Request) {
	b := w.beginRecord()
	b.fingerprintObject(req.Fingerprint)
	if w.cfg.MetadataOutput {
		b.openObject("http")
		b.openObject("request")
		b.stringField("method", req.Method)
		b.stringField("uri", req.URI)
		b.stringField("version", req.Version)
		if req.Host != nil {
			b.stringField("host", req.Host)
		}
		if req.UserAgent != nil {
			b.stringField("user_agent", req.UserAgent)
		}
		b.closeObject()
		b.closeObject()
	}
	host := string(req.Host)
	b.analysisObject(w.analyze(req.Fingerprint, dec, host, string(req.UserAgent)), w.cfg.ReportOS)
	w.pushRecord(pkt, dec, b)
}

func (w *Worker) emitHTTPResponse(pkt *flow.Packet, dec *dissect.Decoded, resp *httpfp.Response) {
	if !w.cfg.MetadataOutput {
		return
	}
	b := w.beginRecord()
	b.openObject("http")
	b.openObject("response")
	b.stringField("version", resp.Version)
	b.stringField("status", resp.Status)
	if resp.Server != nil {
		b.stringField("server", resp.Server)
	}
	if resp.ContentType != nil {
		b.stringField("content_type", resp.ContentType)
	}
	if resp.ContentLength != nil {
		b.stringField("content_length", resp.ContentLength)
	}
	b.closeObject()
	b.closeObject()
	w.pushRecord(pkt, dec, b)
}

func (w *Worker) emitDNS(pkt *flow.Packet, dec *dissect.Decoded, msg *dns.Message, raw []byte) {
	b := w.beginRecord()
	if !w.cfg.DNSJSONOutput {
		b.openObject("dns")
		b.stringField("base64", []byte(base64.StdEncoding.EncodeToString(raw)))
		b.closeObject()
		w.pushRecord(pkt, dec, b)
		return
	}
	b.openObject("dns")
	b.uintField("id", uint64(msg.ID))
	b.boolField("response", msg.Response)
	b.uintField("rcode", uint64(msg.RCode))
	if len(msg.Questions) > 0 {
		b.openArray("question")
		for _, q := range msg.Questions {
			b.comma()
			b.buf = append(b.buf, '{')
			b.needComma = false
			b.stringField("name", []byte(q.Name))
			b.uintField("type", uint64(q.Type))
			b.buf = append(b.buf, '}')
			b.needComma = true
		}
		b.closeArray()
	}
	if len(msg.Answers) > 0 {
		b.openArray("answer")
		for _, a := range msg.Answers {
			b.comma()
			b.buf = append(b.buf, '{')
			b.needComma = false
			b.stringField("name", []byte(a.Name))
			b.uintField("type", uint64(a.Type))
			b.uintField("ttl", uint64(a.TTL))
			if a.Data != "" {
				b.stringField("data", []byte(a.Data))
			}
			b.buf = append(b.buf, '}')
			b.needComma = true
		}
		b.closeArray()
	}
	b.closeObject()
	w.pushRecord(pkt, dec, b)
}

func (w *Worker) emitDHCP(pkt *flow.Packet, dec *dissect.Decoded, msg *dhcp.Message) {
	b := w.beginRecord()
	b.fingerprintObject(msg.Fingerprint)
	if w.cfg.MetadataOutput {
		b.openObject("dhcp")
		b.uintField("message_type", uint64(msg.MessageType))
		b.stringField("client_mac", []byte(macString(msg.ClientMAC)))
		b.closeObject()
	}
	w.pushRecord(pkt, dec, b)
}

func (w *Worker) emitSSHBanner(pkt *flow.Packet, dec *dissect.Decoded, banner *ssh.Banner) {
	if !w.cfg.MetadataOutput {
		return
	}
	b := w.beginRecord()
	b.openObject("ssh")
	b.openObject("init")
	b.stringField("protocol", banner.Protocol)
	b.stringField("software", banner.Software)
	if banner.Comment != nil {
		b.stringField("comment", banner.Comment)
	}
	b.closeObject()
	b.closeObject()
	w.pushRecord(pkt, dec, b)
}

func (w *Worker) emitSSHKex(pkt *flow.Packet, dec *dissect.Decoded, kex *ssh.KexInit) {
	if !w.cfg.MetadataOutput {
		return
	}
	b := w.beginRecord()
	b.openObject("ssh")
	b.openObject("kex")
	b.stringField("kex_algorithms", kex.KexAlgorithms)
	b.stringField("server_host_key_algorithms", kex.HostKeyAlgorithms)
	b.stringField("encryption_algorithms_client_to_server", kex.EncryptionClientServer)
	b.stringField("encryption_algorithms_server_to_client", kex.EncryptionServerClient)
	b.stringField("mac_algorithms_client_to_server", kex.MACClientServer)
	b.stringField("mac_algorithms_server_to_client", kex.MACServerClient)
	b.stringField("compression_algorithms_client_to_server", kex.CompressionClientServer)
	b.stringField("compression_algorithms_server_to_client", kex.CompressionServerClient)
	b.closeObject()
	b.closeObject()
	w.pushRecord(pkt, dec, b)
}

func (w *Worker) emitWireguard(pkt *flow.Packet, dec *dissect.Decoded, hs *wireguard.HandshakeInit) {
	if !w.cfg.MetadataOutput {
		return
	}
	b := w.beginRecord()
	b.openObject("wireguard")
	b.uintField("message_type", 1)
	b.uintField("sender_index", uint64(hs.SenderIndex))
	b.closeObject()
	w.pushRecord(pkt, dec, b)
}

func (w *Worker) emitBencode(pkt *flow.Packet, dec *dissect.Decoded, v *bencode.Value) {
	if !w.cfg.MetadataOutput {
		return
	}
	b := w.beginRecord()
	b.rawField("bencode", v.AppendJSON(nil))
	w.pushRecord(pkt, dec, b)
}

func (w *Worker) emitInitialData(pkt *flow.Packet, dec *dissect.Decoded) {
	b := w.beginRecord()
	data := dec.Payload
	if len(data) > 64 {
		data = data[:64]
	}
	b.openObject("initial_data")
	b.stringField("base64", []byte(base64.StdEncoding.EncodeToString(data)))
	b.closeObject()
	w.pushRecord(pkt, dec, b)
}

func macString(mac []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(mac)*3)
	for i, c := range mac {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hexDigits[c>>4], hexDigits[c&0x0f])
	}
	return string(out)
}

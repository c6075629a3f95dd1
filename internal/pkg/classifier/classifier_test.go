package classifier

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/mercury/internal/pkg/fingerprint"
	"github.com/endorses/mercury/internal/pkg/resources"
)

const testFP = "tls/1/(0303)(13011302)((0000)(0010))"

func testArchive(dbLines []string) *resources.SliceReader {
	return &resources.SliceReader{Entries: []resources.SliceEntry{
		{Name: "VERSION", Data: []byte("resources 2026.07.01;full\n")},
		{Name: "fp_prevalence_tls.txt", Data: []byte("tls/1/(0301)(000a)()\n")},
		{Name: "doh-watchlist.txt", Data: []byte("mozilla.cloudflare-dns.com\n104.16.248.249\n")},
		{Name: "pyasn.db", Data: []byte("; comment\n93.184.216.0/24\t15133\n104.16.0.0/12\t13335\n")},
		{Name: "fingerprint_db.json", Data: []byte(strings.Join(dbLines, "\n") + "\n")},
	}}
}

func defaultDBLine() string {
	return `{"str_repr":"` + testFP + `","fp_type":"tls","total_count":100,"process_info":[` +
		`{"process":"firefox","count":80,"malware":false,` +
		`"classes_ip_as":{"15133":40},"classes_hostname_domains":{"example.com":30},` +
		`"classes_port_applications":{"443":70},"classes_ip_ip":{"93.184.216.34":20},` +
		`"classes_hostname_sni":{"www.example.com":25},"classes_user_agent":{},` +
		`"os_info":{"cpe:/o:linux:linux_kernel":50}},` +
		`{"process":"evil.exe","count":5,"malware":true,` +
		`"classes_ip_as":{},"classes_hostname_domains":{"badsite.net":4},` +
		`"classes_port_applications":{"443":5},"classes_ip_ip":{},` +
		`"classes_hostname_sni":{},"classes_user_agent":{},"os_info":{}},` +
		`{"process":"chromium","count":15,"malware":false,` +
		`"classes_ip_as":{"13335":10},"classes_hostname_domains":{},` +
		`"classes_port_applications":{"443":12},"classes_ip_ip":{},` +
		`"classes_hostname_sni":{},"classes_user_agent":{},"os_info":{}}]}`
}

func newTestClassifier(t *testing.T, dbLines ...string) *Classifier {
	t.Helper()
	if dbLines == nil {
		dbLines = []string{defaultDBLine()}
	}
	c, err := NewFromArchive(testArchive(dbLines), Config{PrevalenceCap: 100})
	require.NoError(t, err)
	require.True(t, c.Enabled())
	return c
}

func tlsFP(s string) fingerprint.Fingerprint {
	return fingerprint.Fingerprint{Type: fingerprint.TypeTLS, Str: s}
}

func TestClassifyLabeled(t *testing.T) {
	c := newTestClassifier(t)

	res := c.Classify(tlsFP(testFP), DestinationContext{
		ServerName: "www.example.com",
		DstIP:      netip.MustParseAddr("93.184.216.34"),
		DstPort:    443,
	})
	require.NotNil(t, res)
	assert.Equal(t, StatusLabeled, res.Status)
	assert.Equal(t, "firefox", res.ProcessName)
	assert.False(t, res.MalwareFlag)
	assert.GreaterOrEqual(t, res.Score, 0.0)
	assert.LessOrEqual(t, res.Score, 1.0)
	assert.Contains(t, res.OSInfo, "cpe:/o:linux:linux_kernel")

	// Probabilities stay valid: malware probability bounded, attributes
	// each within [0,1].
	assert.GreaterOrEqual(t, res.MalwareProb, 0.0)
	assert.LessOrEqual(t, res.MalwareProb, 1.0)
	for _, a := range res.Attributes {
		assert.GreaterOrEqual(t, a.Prob, 0.0)
		assert.LessOrEqual(t, a.Prob, 1.0)
	}
}

func TestClassifyDoHOverride(t *testing.T) {
	c := newTestClassifier(t)

	res := c.Classify(tlsFP(testFP), DestinationContext{
		ServerName: "mozilla.cloudflare-dns.com",
		DstIP:      netip.MustParseAddr("104.16.248.249"),
		DstPort:    443,
	})
	require.NotNil(t, res)

	var encDNS float64
	for _, a := range res.Attributes {
		if a.Name == "encrypted_dns" {
			encDNS = a.Prob
		}
	}
	assert.Equal(t, 1.0, encDNS)
}

func TestClassifyUnlabeledViaPrevalence(t *testing.T) {
	c := newTestClassifier(t)

	res := c.Classify(tlsFP("tls/1/(0301)(000a)()"), DestinationContext{})
	require.NotNil(t, res)
	assert.Equal(t, StatusUnlabeled, res.Status)
}

func TestClassifyRandomizedFallback(t *testing.T) {
	randomizedLine := `{"str_repr":"tls/1/randomized","fp_type":"tls","total_count":10,` +
		`"process_info":[{"process":"scanner","count":10,"malware":false}]}`
	c := newTestClassifier(t, defaultDBLine(), randomizedLine)

	res := c.Classify(tlsFP("tls/1/(9999)(ffff)()"), DestinationContext{})
	require.NotNil(t, res)
	assert.Equal(t, StatusRandomized, res.Status)
	assert.Equal(t, "scanner", res.ProcessName)

	// Without a randomized-variant entry: bare randomized status.
	c2 := newTestClassifier(t)
	res2 := c2.Classify(tlsFP("tls/1/(9999)(ffff)()"), DestinationContext{})
	require.NotNil(t, res2)
	assert.Equal(t, StatusRandomized, res2.Status)
	assert.Empty(t, res2.ProcessName)
}

func TestClassifyGenericDMZPromotion(t *testing.T) {
	line := `{"str_repr":"` + testFP + `","fp_type":"tls","total_count":100,"process_info":[` +
		`{"process":"generic dmz process","count":90,"malware":false},` +
		`{"process":"nginx","count":10,"malware":false}]}`
	c := newTestClassifier(t, line)

	res := c.Classify(tlsFP(testFP), DestinationContext{DstPort: 443})
	require.NotNil(t, res)
	assert.Equal(t, "nginx", res.ProcessName)
}

func TestClassifierDisabledWithoutQualifier(t *testing.T) {
	archive := testArchive([]string{defaultDBLine()})
	archive.Entries[0].Data = []byte("resources 2026.07.01\n") // no qualifier
	c, err := NewFromArchive(archive, Config{})
	require.NoError(t, err)
	assert.False(t, c.Enabled())
	assert.Nil(t, c.Classify(tlsFP(testFP), DestinationContext{}))
}

func TestMissingRequiredEntryIsFatal(t *testing.T) {
	archive := testArchive([]string{defaultDBLine()})
	archive.Entries = archive.Entries[:4] // drop the fingerprint database
	_, err := NewFromArchive(archive, Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, resources.ErrMissingEntry)
}

func TestMalformedLineIsSkipped(t *testing.T) {
	c := newTestClassifier(t, "{not json", defaultDBLine())
	_, ok := c.Lookup(testFP)
	assert.True(t, ok)
}

func TestProcessThresholding(t *testing.T) {
	c, err := NewFromArchive(testArchive([]string{defaultDBLine()}), Config{
		FpProcThreshold: 0.2, // drops chromium (0.15), keeps malware (0.05)
	})
	require.NoError(t, err)

	entry, ok := c.Lookup(testFP)
	require.True(t, ok)
	names := make([]string, 0, len(entry.Processes))
	for _, p := range entry.Processes {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"firefox", "evil.exe"}, names)
}

func TestSubnetLookup(t *testing.T) {
	c := newTestClassifier(t)
	assert.Equal(t, uint32(15133), c.subnets.Lookup(netip.MustParseAddr("93.184.216.34")))
	assert.Equal(t, uint32(13335), c.subnets.Lookup(netip.MustParseAddr("104.16.1.1")))
	assert.Equal(t, uint32(0), c.subnets.Lookup(netip.MustParseAddr("8.8.8.8")))
}

func TestRecomputeWeightsMatchesFreshLoad(t *testing.T) {
	weighted := strings.Replace(defaultDBLine(),
		`"total_count":100,`,
		`"total_count":100,"feature_weights":[2,1,0.5,1,1,1],`, 1)

	base := newTestClassifier(t)
	fresh := newTestClassifier(t, weighted)

	base.RecomputeWeights([NumFeatures]float64{2, 1, 0.5, 1, 1, 1})

	dst := DestinationContext{
		ServerName: "www.example.com",
		DstIP:      netip.MustParseAddr("93.184.216.34"),
		DstPort:    443,
	}
	a := base.Classify(tlsFP(testFP), dst)
	b := fresh.Classify(tlsFP(testFP), dst)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, b.ProcessName, a.ProcessName)
	assert.InDelta(t, b.Score, a.Score, 1e-9)
	assert.InDelta(t, b.MalwareProb, a.MalwareProb, 1e-9)
}

func TestTld2(t *testing.T) {
	assert.Equal(t, "example.com", tld2("www.example.com"))
	assert.Equal(t, "example.com", tld2("example.com"))
	assert.Equal(t, "localhost", tld2("localhost"))
	assert.Equal(t, "example.com", tld2("a.b.c.example.com."))
}

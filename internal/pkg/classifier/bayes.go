package classifier

import (
	"math"
	"net/netip"
	"strings"

	"github.com/endorses/mercury/internal/pkg/fingerprint"
)

// Status of a classification result.
type Status int

const (
	StatusLabeled Status = iota
	StatusUnlabeled
	StatusRandomized
)

func (s Status) String() string {
	switch s {
	case StatusLabeled:
		return "labeled"
	case StatusUnlabeled:
		return "unlabeled"
	}
	return "randomized"
}

// genericDMZ is the sentinel label for aggregated DMZ traffic; a win by
// this label yields to a non-malware runner-up.
const genericDMZ = "generic dmz process"

// DestinationContext carries the per-event features presented to the
// classifier.
type DestinationContext struct {
	ServerName string
	DstIP      netip.Addr
	DstPort    uint16
	UserAgent  string
}

// AttributeProb is one aggregated attribute probability.
type AttributeProb struct {
	Name string
	Prob float64
}

// Result is the shaped classification outcome.
type Result struct {
	Status      Status
	ProcessName string
	Score       float64

	MalwareFlag bool
	MalwareProb float64

	OSInfo     map[string]uint64
	Attributes []AttributeProb
}

// tld2 returns the last two labels of a hostname, the classifier's domain
// feature.
func tld2(host string) string {
	host = strings.TrimSuffix(host, ".")
	i := strings.LastIndexByte(host, '.')
	if i < 0 {
		return host
	}
	j := strings.LastIndexByte(host[:i], '.')
	if j < 0 {
		return host
	}
	return host[j+1:]
}

// randomizedKey maps "tls/1/(...)" onto its randomized-variant entry key
// "tls/1/randomized".
func randomizedKey(fp string) string {
	i := strings.IndexByte(fp, '(')
	if i < 0 {
		return ""
	}
	return fp[:i] + "randomized"
}

// Classify runs the weighted naive-Bayes evaluation for one event.
// Returns nil when the classifier is disabled or the fingerprint type is
// not classified.
func (c *Classifier) Classify(fp fingerprint.Fingerprint, dst DestinationContext) *Result {
	if !c.enabled || !fp.Valid() {
		return nil
	}
	switch fp.Type {
	case fingerprint.TypeTLS, fingerprint.TypeQUIC, fingerprint.TypeHTTP, fingerprint.TypeTofsee:
	default:
		return nil
	}

	entry, ok := c.entries[fp.Str]
	if !ok {
		if c.prevalence.Contains(fp.Str) {
			return &Result{Status: StatusUnlabeled}
		}
		c.prevalence.Update(fp.Str)
		if rk := randomizedKey(fp.Str); rk != "" {
			if entry, ok = c.entries[rk]; ok {
				res := c.score(entry, fp, dst)
				res.Status = StatusRandomized
				return res
			}
		}
		return &Result{Status: StatusRandomized}
	}
	return c.score(entry, fp, dst)
}

// score evaluates one entry against the destination context.
func (c *Classifier) score(entry *FingerprintEntry, fp fingerprint.Fingerprint, dst DestinationContext) *Result {
	score := make([]float64, len(entry.processProb))
	copy(score, entry.processProb)

	apply := func(ups []update) {
		for _, u := range ups {
			score[u.Index] += u.Delta
		}
	}
	if dst.DstIP.IsValid() {
		apply(entry.asUpdates[c.subnets.Lookup(dst.DstIP)])
		apply(entry.strUpdates[FeatureIP][dst.DstIP.String()])
	}
	apply(entry.portUpdates[dst.DstPort])
	if dst.ServerName != "" {
		apply(entry.strUpdates[FeatureDomain][tld2(dst.ServerName)])
		apply(entry.strUpdates[FeatureSNI][dst.ServerName])
	}
	if dst.UserAgent != "" {
		apply(entry.strUpdates[FeatureUserAgent][dst.UserAgent])
	}

	best, second := 0, -1
	for i := 1; i < len(score); i++ {
		if score[i] > score[best] {
			second = best
			best = i
		} else if second < 0 || score[i] > score[second] {
			second = i
		}
	}

	// Proportional probabilities.
	sum := 0.0
	for i := range score {
		score[i] = math.Exp(score[i] - score[best])
		sum += score[i]
	}
	for i := range score {
		score[i] /= sum
	}

	// The generic DMZ sentinel never outranks a concrete benign process.
	if entry.Processes[best].Name == genericDMZ &&
		second >= 0 && !entry.Processes[second].Malware {
		best = second
	}

	res := &Result{
		Status:      StatusLabeled,
		ProcessName: entry.Processes[best].Name,
		Score:       score[best],
		MalwareFlag: entry.Processes[best].Malware,
		OSInfo:      entry.Processes[best].OSInfo,
	}

	// Aggregate attribute probabilities over the normalized score vector.
	attrProbs := make([]float64, len(c.attrs.names))
	for i, p := range entry.Processes {
		if p.Malware {
			res.MalwareProb += score[i]
		}
		for bit := 0; bit < len(attrProbs); bit++ {
			if p.Attributes&(1<<bit) != 0 {
				attrProbs[bit] += score[i]
			}
		}
	}

	// DoH watchlist override: a watched SNI or destination IP pins the
	// encrypted_dns attribute to certainty.
	if c.onDoHWatchlist(dst) {
		attrProbs[AttrEncryptedDNS] = 1.0
	}

	// A TLS fingerprint with any malware mass is a candidate encrypted
	// channel.
	if fp.Type == fingerprint.TypeTLS && res.MalwareProb > 0 {
		if attrProbs[AttrEncryptedChannel] < res.MalwareProb {
			attrProbs[AttrEncryptedChannel] = res.MalwareProb
		}
	}

	for bit, prob := range attrProbs {
		if prob > 0 {
			if prob > 1.0 {
				prob = 1.0
			}
			res.Attributes = append(res.Attributes, AttributeProb{
				Name: c.attrs.names[bit],
				Prob: prob,
			})
		}
	}
	return res
}

func (c *Classifier) onDoHWatchlist(dst DestinationContext) bool {
	if dst.ServerName != "" {
		if _, ok := c.dohHostnames[strings.ToLower(dst.ServerName)]; ok {
			return true
		}
	}
	if dst.DstIP.IsValid() {
		if _, ok := c.dohAddrs[dst.DstIP.String()]; ok {
			return true
		}
	}
	return false
}

package classifier

import (
	"encoding/json"
	"math"
)

// Feature indexes. The order is fixed; weights, update tables, and the
// recompute path all address features by these indexes.
const (
	FeatureAS = iota
	FeatureDomain
	FeaturePort
	FeatureIP
	FeatureSNI
	FeatureUserAgent
	NumFeatures
)

var featureNames = [NumFeatures]string{"as", "domain", "port", "ip", "sni", "ua"}

// dbLine is the JSON schema of one fingerprint database line.
type dbLine struct {
	StrRepr        string        `json:"str_repr"`
	FpType         string        `json:"fp_type"`
	FormatVersion  int           `json:"format_version"`
	TotalCount     uint64        `json:"total_count"`
	FeatureWeights []float64     `json:"feature_weights"`
	ProcessInfo    []dbProcess   `json:"process_info"`
}

type dbProcess struct {
	Process    string   `json:"process"`
	Count      uint64   `json:"count"`
	Malware    bool     `json:"malware"`
	Attributes []string `json:"attributes"`

	ClassesIPAS            map[string]uint64 `json:"classes_ip_as"`
	ClassesHostnameDomains map[string]uint64 `json:"classes_hostname_domains"`
	ClassesPortApplications map[string]uint64 `json:"classes_port_applications"`
	ClassesIPIP            map[string]uint64 `json:"classes_ip_ip"`
	ClassesHostnameSNI     map[string]uint64 `json:"classes_hostname_sni"`
	ClassesUserAgent       map[string]uint64 `json:"classes_user_agent"`
	OSInfo                 map[string]uint64 `json:"os_info"`
}

// ProcessInfo is the immutable per-process record retained after load.
type ProcessInfo struct {
	Name       string
	Malware    bool
	Count      uint64
	Attributes uint64 // bitset over the classifier's attribute name table
	OSInfo     map[string]uint64
}

// update is one precomputed naive-Bayes delta: add Delta to the score of
// process Index when the presented feature value matches.
type update struct {
	Index int
	Delta float64
}

// FingerprintEntry is the precomputed classification state for one
// canonical fingerprint string. Immutable after load except through
// RecomputeWeights.
type FingerprintEntry struct {
	TotalCount uint64
	Processes  []ProcessInfo

	// processProb is the cached log-prior vector copied at classify time.
	processProb []float64
	basePrior   float64

	// Per-feature update tables. Integer-keyed features use their own maps
	// so lookups stay allocation-free.
	asUpdates   map[uint32][]update
	portUpdates map[uint16][]update
	strUpdates  [NumFeatures]map[string][]update // domain, ip, sni, ua

	weights          [NumFeatures]float64
	extendedMetadata bool
}

const minLogProb = -2.302585092994046 // log(0.1)

// buildEntry precomputes the classification structure from a database line.
// Thresholding follows the loader config: low-count processes are dropped
// (the first process and malware-labeled processes always survive), then
// low-count feature values are dropped within each kept process.
func buildEntry(line *dbLine, cfg *Config, attrs *attributeTable) *FingerprintEntry {
	total := float64(line.TotalCount)
	if total <= 0 || len(line.ProcessInfo) == 0 {
		return nil
	}

	e := &FingerprintEntry{
		TotalCount:  line.TotalCount,
		asUpdates:   make(map[uint32][]update),
		portUpdates: make(map[uint16][]update),
	}
	for f := range e.strUpdates {
		e.strUpdates[f] = make(map[string][]update)
	}
	for f := 0; f < NumFeatures; f++ {
		e.weights[f] = 1.0
	}
	if len(line.FeatureWeights) == NumFeatures {
		copy(e.weights[:], line.FeatureWeights)
		e.extendedMetadata = true
	}

	e.basePrior = math.Log(0.1 / total)
	sumWeights := 0.0
	for _, w := range e.weights {
		sumWeights += w
	}

	for i, p := range line.ProcessInfo {
		if i > 0 && !p.Malware &&
			float64(p.Count)/total <= cfg.FpProcThreshold {
			continue
		}
		idx := len(e.Processes)
		e.Processes = append(e.Processes, ProcessInfo{
			Name:       p.Process,
			Malware:    p.Malware,
			Count:      p.Count,
			Attributes: attrs.bitsetFor(p.Malware, p.Attributes),
			OSInfo:     p.OSInfo,
		})

		prob := math.Log(float64(p.Count) / total)
		if prob < minLogProb {
			prob = minLogProb
		}
		e.processProb = append(e.processProb, prob+e.basePrior*sumWeights)

		e.loadASFeature(idx, p.ClassesIPAS, total, cfg)
		e.loadPortFeature(idx, p.ClassesPortApplications, total, cfg)
		e.loadStrFeature(idx, FeatureDomain, p.ClassesHostnameDomains, total, cfg)
		e.loadStrFeature(idx, FeatureIP, p.ClassesIPIP, total, cfg)
		e.loadStrFeature(idx, FeatureSNI, p.ClassesHostnameSNI, total, cfg)
		e.loadStrFeature(idx, FeatureUserAgent, p.ClassesUserAgent, total, cfg)
	}
	if len(e.Processes) == 0 {
		return nil
	}
	return e
}

func (e *FingerprintEntry) delta(count, total float64, feature int) float64 {
	return (math.Log(count/total) - e.basePrior) * e.weights[feature]
}

func (e *FingerprintEntry) keepValue(count, total float64, cfg *Config) bool {
	return count/total > cfg.ProcDstThreshold
}

func (e *FingerprintEntry) loadASFeature(idx int, m map[string]uint64, total float64, cfg *Config) {
	for k, v := range m {
		asn, ok := parseUint32(k)
		if !ok || !e.keepValue(float64(v), total, cfg) {
			continue
		}
		e.asUpdates[asn] = append(e.asUpdates[asn],
			update{idx, e.delta(float64(v), total, FeatureAS)})
	}
}

func (e *FingerprintEntry) loadPortFeature(idx int, m map[string]uint64, total float64, cfg *Config) {
	for k, v := range m {
		port, ok := parseUint32(k)
		if !ok || port > 65535 || !e.keepValue(float64(v), total, cfg) {
			continue
		}
		e.portUpdates[uint16(port)] = append(e.portUpdates[uint16(port)],
			update{idx, e.delta(float64(v), total, FeaturePort)})
	}
}

func (e *FingerprintEntry) loadStrFeature(idx, feature int, m map[string]uint64, total float64, cfg *Config) {
	for k, v := range m {
		if !e.keepValue(float64(v), total, cfg) {
			continue
		}
		e.strUpdates[feature][k] = append(e.strUpdates[feature][k],
			update{idx, e.delta(float64(v), total, feature)})
	}
}

func parseUint32(s string) (uint32, bool) {
	var v uint64
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
		if v > math.MaxUint32 {
			return 0, false
		}
	}
	return uint32(v), true
}

// RecomputeWeights rescales the cached probabilities for a new feature
// weight vector without reloading the archive: each table delta scales by
// new/old and the constant term of processProb shifts by the change in
// base_prior × Σweights.
func (e *FingerprintEntry) RecomputeWeights(weights [NumFeatures]float64) {
	oldSum, newSum := 0.0, 0.0
	for f := 0; f < NumFeatures; f++ {
		oldSum += e.weights[f]
		newSum += weights[f]
	}
	shift := e.basePrior * (newSum - oldSum)
	for i := range e.processProb {
		e.processProb[i] += shift
	}

	scale := func(f int, ups []update) {
		if e.weights[f] == 0 {
			return
		}
		ratio := weights[f] / e.weights[f]
		for i := range ups {
			ups[i].Delta *= ratio
		}
	}
	for _, ups := range e.asUpdates {
		scale(FeatureAS, ups)
	}
	for _, ups := range e.portUpdates {
		scale(FeaturePort, ups)
	}
	for f := range e.strUpdates {
		for _, ups := range e.strUpdates[f] {
			scale(f, ups)
		}
	}
	e.weights = weights
}

// unmarshalLine decodes one database line for the loader.
func unmarshalLine(data []byte) (*dbLine, error) {
	var line dbLine
	if err := json.Unmarshal(data, &line); err != nil {
		return nil, err
	}
	return &line, nil
}

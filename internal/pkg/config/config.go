// Package config holds the typed configuration record handed to the core by
// the orchestration layer. Values come from viper (config file, environment,
// CLI flags) and are resolved once at startup.
package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/viper"
)

// OutputMode selects what the writer thread emits.
type OutputMode int

const (
	OutputJSON OutputMode = iota
	OutputPCAP
)

func (m OutputMode) String() string {
	if m == OutputPCAP {
		return "pcap"
	}
	return "json"
}

// Config is the resolved configuration for a mercury run.
type Config struct {
	// NumThreads is the worker thread count; 0 means GOMAXPROCS.
	NumThreads int `mapstructure:"num_threads"`

	// Output
	OutputMode     OutputMode `mapstructure:"-"`
	OutputModeName string     `mapstructure:"output_mode"`
	OutputPath     string     `mapstructure:"output_path"`
	RecordsPerFile int        `mapstructure:"records_per_file"`
	BlockingWrites bool       `mapstructure:"blocking_writes"`

	// Capture
	FilterExpression string `mapstructure:"filter_expression"`
	ReadFile         string `mapstructure:"read_file"`

	// Classifier thresholds
	FpProcThreshold  float64 `mapstructure:"fp_proc_threshold"`
	ProcDstThreshold float64 `mapstructure:"proc_dst_threshold"`
	ResourceArchive  string  `mapstructure:"resources"`

	// Per-protocol output switches
	ReportOS             bool `mapstructure:"report_os"`
	MetadataOutput       bool `mapstructure:"metadata_output"`
	DoAnalysis           bool `mapstructure:"do_analysis"`
	DNSJSONOutput        bool `mapstructure:"dns_json_output"`
	CertsJSONOutput      bool `mapstructure:"certs_json_output"`
	OutputTCPInitialData bool `mapstructure:"output_tcp_initial_data"`
	OutputUDPInitialData bool `mapstructure:"output_udp_initial_data"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		NumThreads:     runtime.GOMAXPROCS(0),
		OutputMode:     OutputJSON,
		OutputPath:     "mercury.json",
		RecordsPerFile: 0,
		BlockingWrites: false,
		MetadataOutput: true,
	}
}

// Load resolves the configuration from viper.
func Load() (*Config, error) {
	cfg := Defaults()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	switch cfg.OutputModeName {
	case "", "json":
		cfg.OutputMode = OutputJSON
	case "pcap":
		cfg.OutputMode = OutputPCAP
	default:
		return nil, fmt.Errorf("unknown output mode %q", cfg.OutputModeName)
	}
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = runtime.GOMAXPROCS(0)
	}
	if cfg.RecordsPerFile < 0 {
		return nil, fmt.Errorf("records_per_file must be >= 0")
	}
	return cfg, nil
}

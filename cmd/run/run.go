package run

import (
	"context"
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/endorses/mercury/internal/pkg/capture"
	"github.com/endorses/mercury/internal/pkg/classifier"
	"github.com/endorses/mercury/internal/pkg/config"
	"github.com/endorses/mercury/internal/pkg/llq"
	"github.com/endorses/mercury/internal/pkg/logger"
	"github.com/endorses/mercury/internal/pkg/output"
	"github.com/endorses/mercury/internal/pkg/resources"
	"github.com/endorses/mercury/internal/pkg/signals"
	"github.com/endorses/mercury/internal/pkg/worker"
)

// RunCmd starts the analyzer over a capture file.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the traffic analyzer",
	Long:  `Run the traffic analyzer over a capture file, writing one JSON record per event (or a filtered PCAP) to rotated output files.`,
	RunE:  runAnalyzer,
}

func init() {
	flags := RunCmd.Flags()
	flags.StringP("read-file", "r", "", "read packets from a pcap file")
	flags.StringP("fingerprint", "f", "mercury.json", "output file base name")
	flags.String("format", "json", "output mode: json or pcap")
	flags.Int("threads", 0, "worker thread count (0 = all cores)")
	flags.Int("limit", 0, "records per output file (0 = no rotation)")
	flags.Bool("blocking", false, "block instead of dropping when a ring is full")
	flags.Bool("analysis", false, "classify fingerprints (requires --resources)")
	flags.String("resources", "", "classifier resource archive (tar.gz)")
	flags.Bool("metadata", true, "emit protocol metadata objects")
	flags.Bool("dns-json", false, "emit parsed DNS instead of base64")
	flags.Bool("certs-json", false, "emit base64 certificates from handshakes")
	flags.Bool("report-os", false, "include os_info in analysis output")

	viper.BindPFlag("read_file", flags.Lookup("read-file"))
	viper.BindPFlag("output_path", flags.Lookup("fingerprint"))
	viper.BindPFlag("output_mode", flags.Lookup("format"))
	viper.BindPFlag("num_threads", flags.Lookup("threads"))
	viper.BindPFlag("records_per_file", flags.Lookup("limit"))
	viper.BindPFlag("blocking_writes", flags.Lookup("blocking"))
	viper.BindPFlag("do_analysis", flags.Lookup("analysis"))
	viper.BindPFlag("resources", flags.Lookup("resources"))
	viper.BindPFlag("metadata_output", flags.Lookup("metadata"))
	viper.BindPFlag("dns_json_output", flags.Lookup("dns-json"))
	viper.BindPFlag("certs_json_output", flags.Lookup("certs-json"))
	viper.BindPFlag("report_os", flags.Lookup("report-os"))
}

func runAnalyzer(cmd *cobra.Command, args []string) error {
	logger.Initialize()
	logger.SetLevel(viper.GetString("log_level"))

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.ReadFile == "" {
		return fmt.Errorf("no capture source: provide --read-file")
	}

	sessionID := uuid.New().String()
	log := logger.With("session", sessionID)
	log.Info("Starting mercury",
		"source", cfg.ReadFile,
		"mode", cfg.OutputMode.String(),
		"threads", cfg.NumThreads,
	)

	var clf *classifier.Classifier
	if cfg.DoAnalysis {
		if cfg.ResourceArchive == "" {
			return fmt.Errorf("--analysis requires --resources")
		}
		archive, err := resources.OpenTarGz(cfg.ResourceArchive)
		if err != nil {
			return err
		}
		clf, err = classifier.NewFromArchive(archive, classifier.Config{
			FpProcThreshold:  cfg.FpProcThreshold,
			ProcDstThreshold: cfg.ProcDstThreshold,
		})
		if err != nil {
			return fmt.Errorf("classifier init: %w", err)
		}
	}

	src, err := capture.OpenFile(cfg.ReadFile)
	if err != nil {
		return err
	}
	defer src.Close()

	workers := make([]*worker.Worker, cfg.NumThreads)
	rings := make([]*llq.RingBuffer, cfg.NumThreads)
	for i := range workers {
		workers[i] = worker.New(i, cfg, clf)
		rings[i] = workers[i].Ring
	}

	rot := output.NewRotator(cfg.OutputPath, cfg.RecordsPerFile, cfg.OutputMode, layers.LinkTypeEthernet)
	wr := output.NewWriter(rings, rot)
	go wr.Run()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	cleanup := signals.SetupHandlerWithCallback(ctx, func() {
		wr.Stop()
		cancel()
	})
	defer cleanup()

	// Privilege drop would happen here in a live deployment; the output
	// gate opens only afterwards.
	wr.Start()

	dispatcher := capture.NewDispatcher(workers)
	runErr := dispatcher.Run(src)

	wr.Stop()
	wr.Wait()

	var drops uint64
	for _, r := range rings {
		drops += r.Drops.Load()
	}
	log.Info("Capture complete", "ring_drops", drops)
	return runErr
}

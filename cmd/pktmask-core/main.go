// Command pktmask-core masks TLS-bearing TCP payload bytes in one or more
// packet captures, preserving frame count, order, timestamps, and
// non-payload header bytes. The per-file stage pipeline (DEDUP,
// PREPROCESS, MARK, APPLY, ANONYMIZE) is composed in package runner.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/rickypin/pktmask/anonymize"
	"github.com/rickypin/pktmask/batch"
	"github.com/rickypin/pktmask/config"
	"github.com/rickypin/pktmask/decoder"
)

var usage = `
SUMMARY
  pktmask-core masks TLS application data in pcap/pcapng captures.

USAGE
  $ pktmask-core -input <dir-or-file> -output <dir> -decoder-path <path>

`

var (
	inputPath   = flag.String("input", "", "capture file or directory to process")
	outputDir   = flag.String("output", "./output", "directory to write masked captures into")
	decoderPath = flag.String("decoder-path", "", "path to the external packet-decoder executable")

	concurrency      = flag.Int("concurrency", 4, "maximum number of captures processed concurrently")
	scratchBase      = flag.String("scratch-dir", os.TempDir(), "base directory for per-file scratch state")
	keepIntermediate = flag.Bool("keep-intermediate", false, "preserve intermediate files in scratch-dir for debugging")
	stopOnError      = flag.Bool("stop-on-error", false, "abort the batch on the first file that fails")

	disablePreprocess   = flag.Bool("no-reassembly", false, "skip PREPROCESS; run MARK against the raw capture directly")
	decoderTimeout      = flag.Duration("decoder-timeout", 2*time.Minute, "fatal timeout for one decoder invocation")
	decoderRetries      = flag.Uint("decoder-retries", 2, "retries around transient decoder failures")
	decoderMemCeilingMB = flag.Int("decoder-memory-ceiling-mb", 0, "bound the decoder subprocess's virtual memory, in megabytes (0 disables; Unix only)")

	reportSequenceGaps = flag.Bool("report-sequence-gaps", true, "run MARK's reassembly-gap diagnostic pass and report affected flows")

	zeroUnanalyzed = flag.Bool("zero-unanalyzed-flows", true, "zero payload in flows MARK never analyzed, instead of passing it through")
	vxlanPort      = flag.Uint("vxlan-port", 4789, "UDP destination port identifying VXLAN-encapsulated frames")

	runDedup     = flag.Bool("dedup", false, "drop byte-identical duplicate frames before masking")
	runAnonymize = flag.Bool("anonymize", false, "anonymize source/destination IP addresses after masking")
	anonKeyHex   = flag.String("anonymize-key-hex", "", "64-character hex Crypto-PAn key (16-byte AES key + 16-byte pad)")

	metricsAddr = flag.String("prometheus-address", ":9090", "address to serve Prometheus metrics on")
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n", os.Args[0])
		fmt.Fprintln(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "Flags:")
		flag.PrintDefaults()
	}
}

var mainCtx, mainCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

func main() {
	defer mainCancel()

	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not read flags from environment")

	if *inputPath == "" {
		log.Fatal("-input is required")
	}

	prometheusx.MustStartPrometheus(*metricsAddr)

	rtx.Must(os.MkdirAll(*outputDir, 0o755), "creating output directory")

	dec := decoder.New(decoder.Config{
		Path:            *decoderPath,
		Timeout:         *decoderTimeout,
		MemoryCeilingMB: *decoderMemCeilingMB,
		MaxRetries:      *decoderRetries,
		ScratchDir:      *scratchBase,
	})

	var anon *anonymize.Cryptopan
	if *runAnonymize {
		var err error
		anon, err = newAnonymizer(*anonKeyHex)
		rtx.Must(err, "configuring IP anonymization")
	}

	policy := config.ZeroUnanalyzed
	if !*zeroUnanalyzed {
		policy = config.KeepUnanalyzed
	}
	vxlanPorts := []layers.UDPPort{layers.UDPPort(*vxlanPort)}

	cfg := config.PipelineConfig{
		Preprocess: config.PreprocessConfig{
			DecoderPath:    *decoderPath,
			DecoderTimeout: *decoderTimeout,
			MaxRetries:     *decoderRetries,
			Disabled:       *disablePreprocess,
		},
		Mark: config.MarkConfig{
			ReportSequenceGaps: *reportSequenceGaps,
		},
		Apply: config.ApplyConfig{
			Policy:     policy,
			VXLANPorts: vxlanPorts,
		},
		ScratchBase:      *scratchBase,
		KeepIntermediate: *keepIntermediate,
		StopOnFirstError: *stopOnError,
		RunDedup:         *runDedup,
		RunAnonymize:     *runAnonymize,
	}

	files, err := batch.Discover([]string{*inputPath})
	rtx.Must(err, "discovering capture files")
	if len(files) == 0 {
		log.Fatalf("no capture files found under %s", *inputPath)
	}

	run, err := batch.Run(mainCtx, cfg, dec, anon, files, *outputDir, *concurrency, nil)
	if err != nil && cfg.StopOnFirstError {
		log.Fatalf("batch aborted: %v", err)
	}

	if writeErr := run.WriteSummary(os.Stdout); writeErr != nil {
		log.Printf("writing summary: %v", writeErr)
	}
	os.Exit(run.ExitCode())
}

func newAnonymizer(keyHex string) (*anonymize.Cryptopan, error) {
	if keyHex == "" {
		return nil, fmt.Errorf("-anonymize-key-hex is required when -anonymize is set")
	}
	key, pad, err := anonymize.DecodeKeyHex(keyHex)
	if err != nil {
		return nil, err
	}
	return anonymize.NewCryptopan(key, pad)
}

// Package batch discovers capture files under one or more input paths and
// runs runner.RunFile across them with bounded concurrency, collecting
// every file's outcome into a report.Run in input-discovery order
// regardless of completion order.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rickypin/pktmask/anonymize"
	"github.com/rickypin/pktmask/config"
	"github.com/rickypin/pktmask/decoder"
	"github.com/rickypin/pktmask/dedup"
	"github.com/rickypin/pktmask/metrics"
	"github.com/rickypin/pktmask/pipeline"
	"github.com/rickypin/pktmask/report"
	"github.com/rickypin/pktmask/runner"
)

var captureExtensions = map[string]bool{".pcap": true, ".pcapng": true, ".cap": true}

// Discover walks every root in paths and returns every regular file with a
// recognized capture extension, sorted for deterministic report ordering.
// A root that is itself a file (not a directory) is returned as given,
// whatever its extension.
func Discover(paths []string) ([]string, error) {
	var out []string
	for _, root := range paths {
		fi, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("batch: %w", err)
		}
		if !fi.IsDir() {
			out = append(out, root)
			continue
		}
		err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			if captureExtensions[strings.ToLower(filepath.Ext(path))] {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("batch: walking %s: %w", root, err)
		}
	}
	sort.Strings(out)
	return out, nil
}

// OutputPath returns where Run writes inFile's masked capture: the same
// base name under outDir, extension preserved.
func OutputPath(outDir, inFile string) string {
	return filepath.Join(outDir, filepath.Base(inFile))
}

// Run processes every file in files with up to concurrency files in
// flight at once, sharing one decoder and (when enabled) one dedup stage
// and anonymizer across all of them. A per-file failure is recorded in
// the returned report.Run and does not stop the rest of the batch unless
// cfg.StopOnFirstError is set, in which case Run cancels outstanding work
// and returns the first error.
func Run(ctx context.Context, cfg config.PipelineConfig, dec *decoder.Decoder, anon *anonymize.Cryptopan, files []string, outDir string, concurrency int, sink pipeline.ProgressSink) (*report.Run, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	var sharedDedup *dedup.Stage
	if cfg.RunDedup {
		sharedDedup = &dedup.Stage{}
	}

	results := make([]report.FileResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			metrics.BatchFilesInFlight.Inc()
			defer metrics.BatchFilesInFlight.Dec()

			out := OutputPath(outDir, f)
			result, err := runner.RunFile(gctx, cfg, dec, anon, sharedDedup, f, out, sink)
			results[i] = result
			if err != nil && cfg.StopOnFirstError {
				return err
			}
			return nil
		})
	}

	runErr := g.Wait()

	run := &report.Run{}
	for _, r := range results {
		if r.Path == "" {
			continue // cancelled before it ran
		}
		run.Add(r)
	}
	return run, runErr
}

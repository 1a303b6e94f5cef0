package main

import (
	"fmt"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/metadata-extractor/internal/attempt"
	"github.com/sells-group/metadata-extractor/internal/pipeline"
	"github.com/sells-group/metadata-extractor/internal/prompt"
	"github.com/sells-group/metadata-extractor/internal/recorder"
	"github.com/sells-group/metadata-extractor/internal/resilience"
	"github.com/sells-group/metadata-extractor/internal/schema"
	"github.com/sells-group/metadata-extractor/internal/source"
)

var runFlags struct {
	preset      string
	fallback    string
	offset      int
	limit       int
	pause       int
	concurrency int
	source      string
	format      string
	logfile     string
	template    string
	offline     bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Extract metadata for a batch of documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyRunFlags(cmd)

		mode := "run"
		if runFlags.offline {
			mode = "offline"
		}
		if err := cfg.Validate(mode); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := schema.LoadFile(cfg.Extract.SchemaPath)
		if err != nil {
			return err
		}

		renderer, err := prompt.New(s, cfg.Extract.TemplateDir)
		if err != nil {
			return err
		}
		if !slices.Contains(renderer.Names(), cfg.Extract.Template) {
			return eris.Errorf("template %q not found (available: %v)", cfg.Extract.Template, renderer.Names())
		}

		router, err := buildRouter(ctx, s, []string{cfg.Extract.Preset, cfg.Extract.FallbackPreset}, runFlags.offline)
		if err != nil {
			return err
		}

		reader, err := source.NewReader(source.Options{
			Path:      cfg.Source.Path,
			Format:    source.Format(cfg.Source.Format),
			IDField:   cfg.Source.IDField,
			TextField: cfg.Source.TextField,
			Encoding:  cfg.Source.Encoding,
			MinLength: cfg.Source.MinLength,
			Window:    source.Window{Offset: cfg.Batch.Offset, Limit: cfg.Batch.Limit},
		})
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		startMonitoring(ctx, st, router.Breakers())

		ctrl := attempt.New(router, s, renderer.For(cfg.Extract.Template), attempt.NewCorrelationSource(), attempt.Config{
			PrimaryPreset:        cfg.Extract.Preset,
			FallbackPreset:       cfg.Extract.FallbackPreset,
			MaxAttemptsPerPreset: cfg.Extract.MaxAttemptsPerModel,
			Backoff:              cfg.Retry(),
			Timeout:              cfg.Timeout(),
		})
		rec := recorder.New(st, resilience.FromRetryConfig(5, 200, 5000, 2, 0.2))

		opts := pipeline.Options{
			Preset:      cfg.Extract.Preset,
			Concurrency: cfg.Batch.Concurrency,
			Pause:       cfg.Pause(),
		}
		if cfg.Extract.AnalysisLog != "" {
			alog, err := pipeline.OpenAnalysisLog(cfg.Extract.AnalysisLog, s.Keys(), time.Now())
			if err != nil {
				return err
			}
			defer alog.Close() //nolint:errcheck
			opts.Log = alog
		}

		sum, err := pipeline.NewDriver(reader, ctrl, rec, st, opts).Run(ctx)
		if sum != nil {
			printSummary(cmd, sum)
		}
		if err != nil {
			return err
		}
		if sum.Interrupted {
			zap.L().Info("run interrupted, stopped gracefully")
		}
		return nil
	},
}

// applyRunFlags copies explicitly set flags over the loaded config.
func applyRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("preset") {
		cfg.Extract.Preset = runFlags.preset
	}
	if f.Changed("fallback") {
		cfg.Extract.FallbackPreset = runFlags.fallback
	}
	if f.Changed("offset") {
		cfg.Batch.Offset = runFlags.offset
	}
	if f.Changed("limit") {
		cfg.Batch.Limit = runFlags.limit
	}
	if f.Changed("pause") {
		cfg.Batch.PauseMs = runFlags.pause * 1000
	}
	if f.Changed("concurrency") {
		cfg.Batch.Concurrency = runFlags.concurrency
	}
	if f.Changed("source") {
		cfg.Source.Path = runFlags.source
	}
	if f.Changed("format") {
		cfg.Source.Format = runFlags.format
	}
	if f.Changed("logfile") {
		cfg.Extract.AnalysisLog = runFlags.logfile
	}
	if f.Changed("template") {
		cfg.Extract.Template = runFlags.template
	}
}

func printSummary(cmd *cobra.Command, sum *pipeline.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "processed:  %d\n", sum.Processed)
	fmt.Fprintf(out, "succeeded:  %d\n", sum.Succeeded)
	fmt.Fprintf(out, "exhausted:  %d\n", sum.Exhausted)
	fmt.Fprintf(out, "abandoned:  %d\n", sum.Abandoned)
	fmt.Fprintf(out, "skipped:    %d\n", sum.Skipped)
	if sum.Duplicate > 0 {
		fmt.Fprintf(out, "duplicate:  %d\n", sum.Duplicate)
	}
	if sum.Interrupted {
		fmt.Fprintln(out, "interrupted: true")
	}
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.preset, "preset", "", "primary model preset (default from config)")
	f.StringVar(&runFlags.fallback, "fallback", "", "fallback model preset used after the primary is exhausted")
	f.IntVar(&runFlags.offset, "offset", 0, "index of the first document to process")
	f.IntVar(&runFlags.limit, "limit", 0, "number of documents to process, 0 for all (default from config)")
	f.IntVar(&runFlags.pause, "pause", 0, "seconds to pause after each document (default from config)")
	f.IntVar(&runFlags.concurrency, "concurrency", 0, "documents processed at once (default from config)")
	f.StringVar(&runFlags.source, "source", "", "input file path or http(s) URL")
	f.StringVar(&runFlags.format, "format", "", "input format: jsonl, json or csv (default from extension)")
	f.StringVar(&runFlags.logfile, "logfile", "", "append reasoning and metadata of each success to this file")
	f.StringVar(&runFlags.template, "template", "", "prompt template name")
	f.BoolVar(&runFlags.offline, "offline", false, "answer with the stub backend instead of calling any model")
	rootCmd.AddCommand(runCmd)
}

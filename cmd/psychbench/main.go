// Command psychbench evaluates pretrained vision classifiers against
// psychophysics benchmark datasets and writes metric results to CSV.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/percept-ai/go-psychbench/config"
	"github.com/percept-ai/go-psychbench/datasets"
	"github.com/percept-ai/go-psychbench/evaluate"
	"github.com/percept-ai/go-psychbench/models"
	"github.com/percept-ai/go-psychbench/profiler"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type runFlags struct {
	configPath       string
	modelNames       []string
	datasetNames     []string
	printPredictions bool
	batchSize        int
	outputDir        string
	dataDir          string
	cacheDir         string
	profile          bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "YAML run configuration file")
	cmd.Flags().StringSliceVarP(&f.modelNames, "models", "m", nil,
		"model names ("+strings.Join(models.Names(), ", ")+")")
	cmd.Flags().StringSliceVarP(&f.datasetNames, "datasets", "d", nil,
		"benchmark dataset names (default: all)")
	cmd.Flags().BoolVar(&f.printPredictions, "print-predictions", false,
		"write per-example prediction rows and performance summaries to CSV")
	cmd.Flags().IntVarP(&f.batchSize, "batch-size", "b", 0, "loader batch size")
	cmd.Flags().StringVarP(&f.outputDir, "output", "o", "", "output directory for result CSVs")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "directory holding benchmark stimuli")
	cmd.Flags().StringVar(&f.cacheDir, "cache-dir", "", "local model weights cache")
	cmd.Flags().BoolVar(&f.profile, "profile", false, "sample runtime statistics during the run")
}

// resolve folds the config file (if any) and flags into one run description.
func (f *runFlags) resolve() (*config.Run, error) {
	run := &config.Run{OutputDir: "results"}
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		run = loaded
		if run.OutputDir == "" {
			run.OutputDir = "results"
		}
	}
	run.Merge(config.Run{
		Models:           f.modelNames,
		Datasets:         f.datasetNames,
		PrintPredictions: f.printPredictions,
		BatchSize:        f.batchSize,
		OutputDir:        f.outputDir,
		DataDir:          f.dataDir,
		CacheDir:         f.cacheDir,
	})

	if len(run.Models) == 0 {
		return nil, fmt.Errorf("no models selected; use --models or a config file")
	}
	if len(run.Datasets) == 0 {
		run.Datasets = datasets.Names()
	}
	if run.CacheDir != "" {
		// The model registry resolves weight paths through this variable.
		os.Setenv("PSYCHBENCH_CACHE", run.CacheDir)
	}
	if run.DataDir != "" {
		os.Setenv("PSYCHBENCH_DATA", run.DataDir)
	}
	return run, nil
}

func (f *runFlags) options(run *config.Run) evaluate.Options {
	var dsOpts []datasets.Option
	if run.BatchSize > 0 {
		dsOpts = append(dsOpts, datasets.WithBatchSize(run.BatchSize))
	}
	if run.DataDir != "" {
		dsOpts = append(dsOpts, datasets.WithDataRoot(run.DataDir))
	}
	return evaluate.Options{
		PrintPredictions: run.PrintPredictions,
		DatasetOptions:   dsOpts,
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "psychbench",
		Short:         "Evaluate vision models on psychophysics benchmarks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newEvaluateCmd(), newExtractCmd())
	return root
}

func newEvaluateCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run models against benchmark datasets and record metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := flags.resolve()
			if err != nil {
				return err
			}
			log, prof, finish := setupRun(flags.profile)
			defer finish()

			ev := evaluate.NewEvaluator()
			ev.OutputDir = run.OutputDir
			ev.CacheDir = models.DefaultCacheDir()
			ev.Log = log
			ev.Profiler = prof
			return ev.Run(cmd.Context(), run.Models, run.Datasets, flags.options(run))
		},
	}
	flags.register(cmd)
	return cmd
}

func newExtractCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract per-layer metrics from intermediate representations",
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := flags.resolve()
			if err != nil {
				return err
			}
			log, prof, finish := setupRun(flags.profile)
			defer finish()

			ex := evaluate.NewExtractor()
			ex.OutputDir = run.OutputDir
			ex.CacheDir = models.DefaultCacheDir()
			ex.Log = log
			ex.Profiler = prof
			return ex.Run(cmd.Context(), run.Models, run.Datasets, flags.options(run))
		},
	}
	flags.register(cmd)
	return cmd
}

// setupRun builds the run logger and, when enabled, a started profiler. The
// returned finish function stops the profiler and prints its report.
func setupRun(profile bool) (*slog.Logger, *profiler.Profiler, func()) {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if !profile {
		return log, nil, func() {}
	}
	prof := profiler.New(profiler.Options{SampleInterval: 250 * time.Millisecond})
	prof.Start()
	return log, prof, func() {
		prof.Stop()
		fmt.Fprint(os.Stderr, prof.Report())
	}
}

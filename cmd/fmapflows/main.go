package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"fmapflows/pkg/config"
	"fmapflows/pkg/dataset"
	"fmapflows/pkg/estimator"
	"fmapflows/pkg/visualization"
	"fmapflows/pkg/workflow"
)

func main() {
	// Parse command line arguments
	datasetDir := flag.String("dataset", "", "Root directory of the dataset to index")
	workDir := flag.String("work", "", "Working directory for intermediate volumes")
	configPath := flag.String("config", "", "Optional YAML configuration file")
	fmapless := flag.Bool("fmapless", false, "Permit fieldmap-less fallback estimators")
	demean := flag.Bool("demean", false, "Subtract the voxel-wise median from displacement-derived fieldmaps")
	workers := flag.Int("workers", 0, "Number of concurrent steps (default: all available cores)")
	reports := flag.Bool("reports", false, "Save QC slice images for each estimated fieldmap")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	// Load configuration defaults, then let flags take precedence
	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	}
	if *datasetDir != "" {
		cfg.Paths.DatasetDir = *datasetDir
	}
	if *workDir != "" {
		cfg.Paths.WorkDir = *workDir
	}
	if *fmapless {
		cfg.Workflow.Fmapless = true
	}
	if *demean {
		cfg.Workflow.Demean = true
	}
	if *workers > 0 {
		cfg.Workflow.NumWorkers = *workers
	}
	if *verbose {
		cfg.Output.Verbose = true
	}

	// Validate inputs
	if cfg.Paths.DatasetDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	logrus.SetLevel(logrus.InfoLevel)
	if cfg.Output.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	workRoot, err := filepath.Abs(cfg.Paths.WorkDir)
	if err != nil {
		log.Fatalf("Failed to resolve working directory: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("FIELDMAP ESTIMATION PIPELINES FOR MR BRAIN IMAGES")
	fmt.Println("================================")

	// Step 1: Index the dataset
	fmt.Println("Step 1: Indexing dataset...")
	ds, err := dataset.Scan(cfg.Paths.DatasetDir, logrus.StandardLogger())
	if err != nil {
		log.Fatalf("Dataset indexing failed: %v", err)
	}
	fmt.Printf("Indexed %d subjects under %s\n", len(ds.Groups), ds.Root)

	// Step 2: Assemble the aggregate pipeline
	fmt.Println("Step 2: Assembling estimation pipeline...")
	composer := &workflow.Composer{
		WorkDir:  workRoot,
		Fmapless: cfg.Workflow.Fmapless,
		Options: estimator.Options{
			Demean: cfg.Workflow.Demean,
			Loader: estimator.DefaultLoader(),
		},
		Log: logrus.StandardLogger(),
	}
	pipeline, err := composer.Compose(ds.Groups)
	if err != nil {
		log.Fatalf("Pipeline assembly failed: %v", err)
	}
	fmt.Printf("Assembled %d pipeline steps\n", pipeline.Graph.Len())

	// Step 3: Execute with the local engine
	fmt.Println("Step 3: Running estimators...")
	startTime := time.Now()
	engine := &workflow.LocalEngine{Workers: cfg.Workflow.NumWorkers}
	report, err := composer.Execute(pipeline, engine)
	if err != nil {
		log.Fatalf("Pipeline execution failed: %v", err)
	}
	elapsed := time.Since(startTime)

	// Step 4: Report outcomes
	fmt.Printf("\nEstimation completed in %.2f seconds\n\n", elapsed.Seconds())
	fmt.Printf("Outcome summary:\n")
	fmt.Printf("================\n")
	fmt.Printf("Estimated fieldmaps: %d\n", len(report.Fieldmaps))
	fmt.Printf("Failed estimators:   %d\n", len(report.Failures))
	fmt.Printf("Coverage gaps:       %d\n", len(report.NoCoverage))

	names := make([]string, 0, len(report.Fieldmaps))
	for name := range report.Fieldmaps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fm := report.Fieldmaps[name]
		if fm.NoCorrection() {
			fmt.Printf("- %s: no correction available (fieldmap-less)\n", name)
			continue
		}
		mean, std := fm.Stats()
		fmt.Printf("- %s: mean %.3f Hz, sd %.3f Hz\n", name, mean, std)
	}

	if len(report.Failures) > 0 {
		fmt.Println("\nFailures:")
		failed := make([]string, 0, len(report.Failures))
		for name := range report.Failures {
			failed = append(failed, name)
		}
		sort.Strings(failed)
		for _, name := range failed {
			fmt.Printf("- %s: %v\n", name, report.Failures[name])
		}
	}

	if len(report.NoCoverage) > 0 {
		fmt.Println("\nSubjects without any distortion source:")
		for _, subject := range report.NoCoverage {
			fmt.Printf("- %s\n", subject)
		}
	}

	// Save QC reportlets if requested
	if *reports {
		fmt.Println("\nSaving QC slice images...")
		for _, name := range names {
			fm := report.Fieldmaps[name]
			if fm.NoCorrection() {
				continue
			}
			subject, _ := fm.Provenance.String("Subject")
			reportDir := filepath.Join(workRoot, subject, name, "report")
			viewer := visualization.NewViewer(fm.Volume)
			if err := viewer.SaveMidSlices(reportDir); err != nil {
				log.Printf("Warning: Failed to save QC images for %s: %v", name, err)
				continue
			}
			fmt.Printf("- %s: %s\n", name, reportDir)
		}
	}

	fmt.Printf("\nIntermediate and final volumes saved under: %s\n", workRoot)
}

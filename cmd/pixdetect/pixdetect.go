package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pixdetect/pkg/artifacts"
	"github.com/cyclopcam/pixdetect/pkg/config"
	"github.com/cyclopcam/pixdetect/pkg/imagesource"
	"github.com/cyclopcam/pixdetect/pkg/manipulate"
	"github.com/cyclopcam/pixdetect/pkg/nn"
	"github.com/cyclopcam/pixdetect/pkg/pipeline"
	"github.com/cyclopcam/pixdetect/pkg/resultdb"
	"github.com/cyclopcam/pixdetect/pkg/robustness"
	"github.com/cyclopcam/pixdetect/pkg/scorer/httpscorer"
	"github.com/cyclopcam/pixdetect/pkg/transform"
)

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// Ensure that a non-empty prefix ends with a slash
func dirPrefix(p string) string {
	if p != "" && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func openStore(ctx context.Context, log logs.Log, root, bucket string) (artifacts.Store, error) {
	if bucket != "" {
		return artifacts.NewStorageGCS(ctx, log, bucket)
	}
	return artifacts.NewStorageFS(log, root)
}

func newSource(log logs.Log, cfg *config.Config) (*imagesource.Source, error) {
	if cfg.PixabayKey == "" {
		return nil, fmt.Errorf("No Pixabay API key. Set %v, or pixabayKey in the config file", config.PixabayKeyEnv)
	}
	client := &http.Client{}
	api := imagesource.NewPixabayAPI(cfg.PixabayKey, client)
	api.BaseURL = cfg.PixabayURL
	return imagesource.NewSource(log, api, imagesource.NewHTTPDownloader(client), cfg.SourceConfig())
}

func main() {
	parser := argparse.NewParser("pixdetect", "Fetch images from Pixabay, and run object detection on them")
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML or JSON config file", Required: false, Default: ""})
	bucket := parser.String("", "bucket", &argparse.Options{Help: "Store images in this GCS bucket instead of the local filesystem", Required: false, Default: ""})
	root := parser.String("", "root", &argparse.Options{Help: "Root directory for stored images", Required: false, Default: "."})

	detectCmd := parser.NewCommand("detect", "Fetch images and detect objects in them")
	query := detectCmd.String("q", "query", &argparse.Options{Help: "Search query (overrides config)", Required: false, Default: ""})
	count := detectCmd.Int("n", "count", &argparse.Options{Help: "Number of images (overrides config)", Required: false, Default: 0})
	scorerURL := detectCmd.String("s", "scorer", &argparse.Options{Help: "URL of the inference service (overrides config)", Required: false, Default: ""})
	dbFile := detectCmd.String("", "db", &argparse.Options{Help: "sqlite results database (overrides config)", Required: false, Default: ""})
	artifactDir := detectCmd.String("", "artifacts", &argparse.Options{Help: "Save originals and canonical images under this prefix (overrides config)", Required: false, Default: ""})
	output := detectCmd.String("o", "output", &argparse.Options{Help: "Output JSON file", Required: false, Default: "results.json"})

	fetchCmd := parser.NewCommand("fetch", "Download images into the originals directory")
	fetchQuery := fetchCmd.String("q", "query", &argparse.Options{Help: "Search query", Required: true})
	fetchCount := fetchCmd.Int("n", "count", &argparse.Options{Help: "Number of images", Required: false, Default: 20})
	fetchOriginals := fetchCmd.String("", "originals", &argparse.Options{Help: "Originals prefix", Required: false, Default: "originals"})

	manipCmd := parser.NewCommand("manipulate", "Apply every manipulation to every original")
	manipOriginals := manipCmd.String("", "originals", &argparse.Options{Help: "Originals prefix", Required: false, Default: "originals"})
	manipOutput := manipCmd.String("", "output", &argparse.Options{Help: "Output prefix", Required: false, Default: "manipulated"})
	seed := manipCmd.Int("", "seed", &argparse.Options{Help: "Random seed", Required: false, Default: 1})

	robustCmd := parser.NewCommand("robustness", "Score perceptual hash matches between originals and their manipulations")
	robustOriginals := robustCmd.String("", "originals", &argparse.Options{Help: "Originals prefix", Required: false, Default: "originals"})
	robustManipulated := robustCmd.String("", "manipulated", &argparse.Options{Help: "Manipulated prefix", Required: false, Default: "manipulated"})
	robustOutput := robustCmd.String("o", "output", &argparse.Options{Help: "Output directory", Required: false, Default: "results"})

	configCmd := parser.NewCommand("config", "Write the effective config")
	configOutput := configCmd.String("o", "output", &argparse.Options{Help: "Output file", Required: false, Default: "pixdetect.yaml"})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configFile)
	check(err)

	switch {
	case detectCmd.Happened():
		if *query != "" {
			cfg.Query = *query
		}
		if *count != 0 {
			cfg.Count = *count
		}
		if *scorerURL != "" {
			cfg.ScorerURL = *scorerURL
		}
		if *dbFile != "" {
			cfg.ResultDB = *dbFile
		}
		if *artifactDir != "" {
			cfg.ArtifactDir = *artifactDir
		}
		if *bucket != "" {
			cfg.GCSBucket = *bucket
		}
		check(runDetect(ctx, logger, cfg, *root, *output))
	case fetchCmd.Happened():
		check(runFetch(ctx, logger, cfg, *root, *bucket, *fetchQuery, *fetchCount, dirPrefix(*fetchOriginals)))
	case manipCmd.Happened():
		store, err := openStore(ctx, logger, *root, *bucket)
		check(err)
		n, err := manipulate.ApplyAll(ctx, logger, store, dirPrefix(*manipOriginals), dirPrefix(*manipOutput), int64(*seed))
		check(err)
		logger.Infof("Wrote %v manipulated images", n)
	case robustCmd.Happened():
		check(runRobustness(ctx, logger, *root, *bucket, dirPrefix(*robustOriginals), dirPrefix(*robustManipulated), *robustOutput))
	case configCmd.Happened():
		check(cfg.Save(*configOutput))
	}
}

func runDetect(ctx context.Context, log logs.Log, cfg *config.Config, root, output string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ScorerURL == "" {
		return fmt.Errorf("No inference service. Set scorerURL in the config file, or use --scorer")
	}
	// Services that report class IDs are assumed to use the COCO classes, unless told otherwise
	classes := nn.COCOClasses
	if strings.HasSuffix(cfg.ClassFile, ".json") {
		model, err := nn.LoadModelConfig(cfg.ClassFile)
		if err != nil {
			return err
		}
		classes = model.Classes
		if model.Width != cfg.TargetWidth || model.Height != cfg.TargetHeight {
			log.Warnf("Model input is %vx%v, but images are being letterboxed to %vx%v", model.Width, model.Height, cfg.TargetWidth, cfg.TargetHeight)
		}
	} else if cfg.ClassFile != "" {
		var err error
		if classes, err = nn.LoadClassFile(cfg.ClassFile); err != nil {
			return err
		}
	}
	scorer := httpscorer.NewClient(cfg.ScorerURL, &http.Client{}, classes)
	if err := scorer.CheckHealth(ctx); err != nil {
		log.Warnf("%v", err)
	}

	source, err := newSource(log, cfg)
	if err != nil {
		return err
	}
	transformer := transform.NewTransformer()
	orc := pipeline.NewOrchestrator(log, source, transformer, cfg.NewDetector(scorer))

	if cfg.ResultDB != "" {
		db, err := resultdb.NewResultDB(log, cfg.ResultDB)
		if err != nil {
			return err
		}
		defer db.Close()
		orc.Sink = db
	}
	if cfg.ArtifactDir != "" || cfg.GCSBucket != "" {
		store, err := openStore(ctx, log, root, cfg.GCSBucket)
		if err != nil {
			return err
		}
		orc.Artifacts = &artifacts.PipelineSink{Store: store, Prefix: dirPrefix(cfg.ArtifactDir)}
	}

	report, runErr := orc.Run(ctx, cfg.PipelineOptions())
	if report != nil {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		encoder := json.NewEncoder(f)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			return err
		}
		log.Infof("Run %v: %v images, %v failed, %v detections. Results written to %v", report.RunID, len(report.Results), report.Failed(), report.NumDetections(), output)
	}
	return runErr
}

func runFetch(ctx context.Context, log logs.Log, cfg *config.Config, root, bucket, query string, count int, prefix string) error {
	source, err := newSource(log, cfg)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, log, root, bucket)
	if err != nil {
		return err
	}
	archiver := artifacts.NewArchiver(log, store, prefix)
	existing, err := archiver.Count(ctx, query)
	if err != nil {
		return err
	}
	if existing >= count {
		log.Infof("Already have %v images for '%v'", existing, query)
		return nil
	}
	batch, err := source.FetchBatch(ctx, query, count-existing, cfg.PageSize)
	if err != nil {
		return err
	}
	written, err := archiver.Archive(ctx, batch)
	log.Infof("Saved %v images for '%v'", len(written), query)
	return err
}

func runRobustness(ctx context.Context, log logs.Log, root, bucket, originals, manipulated, outputDir string) error {
	store, err := openStore(ctx, log, root, bucket)
	if err != nil {
		return err
	}
	report, err := robustness.Build(ctx, log, store, originals, manipulated)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	write := func(name string, fn func(f *os.File) error) error {
		f, err := os.Create(filepath.Join(outputDir, name))
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	method := report.Method
	if err := write(method+"_results.csv", func(f *os.File) error { return report.WriteCSV(f) }); err != nil {
		return err
	}
	if err := write(method+"_summary.txt", func(f *os.File) error { return report.WriteSummary(f) }); err != nil {
		return err
	}
	if err := write("average_scores_bar.png", func(f *os.File) error { return report.DrawChart(f, 1000, 600) }); err != nil {
		return err
	}
	report.WriteSummary(os.Stdout)
	log.Infof("Results saved to %v", outputDir)
	return nil
}

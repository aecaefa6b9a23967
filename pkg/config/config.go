// Package config is the configuration surface of pixdetect.
// A config file is YAML (or JSON, which is valid YAML). Any setting that is
// absent from the file keeps its default.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cyclopcam/pixdetect/pkg/detect"
	"github.com/cyclopcam/pixdetect/pkg/failure"
	"github.com/cyclopcam/pixdetect/pkg/imagesource"
	"github.com/cyclopcam/pixdetect/pkg/nn"
	"github.com/cyclopcam/pixdetect/pkg/osutil"
	"github.com/cyclopcam/pixdetect/pkg/pipeline"
	"gopkg.in/yaml.v3"
)

const DefaultCount = 20

// Environment variable that supplies the Pixabay key if the config file doesn't
const PixabayKeyEnv = "PIXABAY_API_KEY"

type Config struct {
	Query               string        `yaml:"query" json:"query"`
	Count               int           `yaml:"count" json:"count"`
	PageSize            int           `yaml:"pageSize" json:"pageSize"`
	TargetWidth         int           `yaml:"targetWidth" json:"targetWidth"`
	TargetHeight        int           `yaml:"targetHeight" json:"targetHeight"`
	ConfidenceThreshold float32       `yaml:"confidenceThreshold" json:"confidenceThreshold"`
	IouThreshold        float32       `yaml:"iouThreshold" json:"iouThreshold"`
	MaxRetries          int           `yaml:"maxRetries" json:"maxRetries"`
	Concurrency         int           `yaml:"concurrency" json:"concurrency"`
	MinRequestInterval  time.Duration `yaml:"minRequestInterval" json:"minRequestInterval"` // eg "1s"
	CallTimeout         time.Duration `yaml:"callTimeout" json:"callTimeout"`               // eg "30s"
	PageConcurrency     int           `yaml:"pageConcurrency" json:"pageConcurrency"`
	DownloadConcurrency int           `yaml:"downloadConcurrency" json:"downloadConcurrency"`
	MaxPages            int           `yaml:"maxPages" json:"maxPages"` // 0 = no limit

	PixabayKey  string `yaml:"pixabayKey" json:"pixabayKey"`
	PixabayURL  string `yaml:"pixabayURL" json:"pixabayURL"`   // Override for testing
	ScorerURL   string `yaml:"scorerURL" json:"scorerURL"`     // Remote inference service
	ClassFile   string `yaml:"classFile" json:"classFile"`     // Class names for services that return class IDs. Either one name per line, or a JSON model config.
	ResultDB    string `yaml:"resultDB" json:"resultDB"`       // sqlite filename. Empty = don't store results
	ArtifactDir string `yaml:"artifactDir" json:"artifactDir"` // Store originals and canonical images here. Empty = don't store
	GCSBucket   string `yaml:"gcsBucket" json:"gcsBucket"`     // Store artifacts in this bucket instead of ArtifactDir
}

func NewConfig() *Config {
	params := nn.NewDetectionParams()
	return &Config{
		Count:               DefaultCount,
		PageSize:            pipeline.DefaultPageSize,
		TargetWidth:         pipeline.DefaultTargetWidth,
		TargetHeight:        pipeline.DefaultTargetHeight,
		ConfidenceThreshold: params.ConfidenceThreshold,
		IouThreshold:        params.NmsIouThreshold,
		MaxRetries:          imagesource.DefaultMaxRetries,
		Concurrency:         osutil.NumCPU(),
		MinRequestInterval:  imagesource.DefaultMinRequestInterval,
		CallTimeout:         imagesource.DefaultCallTimeout,
		PageConcurrency:     imagesource.DefaultPageConcurrency,
		DownloadConcurrency: imagesource.DefaultDownloadConcurrency,
		MaxPages:            imagesource.DefaultMaxPages,
		PixabayURL:          imagesource.PixabayBaseURL,
	}
}

// Load reads a config file on top of the defaults.
// If filename is empty, only the defaults and the environment are used.
func Load(filename string) (*Config, error) {
	c := NewConfig()
	if filename != "" {
		raw, err := os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, failure.New(failure.ConfigInvalid, fmt.Errorf("%v: %w", filename, err))
		}
	}
	if c.PixabayKey == "" {
		c.PixabayKey = os.Getenv(PixabayKeyEnv)
	}
	return c, nil
}

// Save writes the config as YAML
func (c *Config) Save(filename string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, raw, 0644)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Query) == "" {
		return failure.Newf(failure.ConfigInvalid, "query is empty")
	}
	if c.Count <= 0 || c.PageSize <= 0 {
		return failure.Newf(failure.ConfigInvalid, "count (%v) and page size (%v) must be positive", c.Count, c.PageSize)
	}
	if c.TargetWidth <= 0 || c.TargetHeight <= 0 {
		return failure.Newf(failure.ConfigInvalid, "target size must be positive (got %vx%v)", c.TargetWidth, c.TargetHeight)
	}
	if c.Concurrency <= 0 || c.PageConcurrency <= 0 || c.DownloadConcurrency <= 0 {
		return failure.Newf(failure.ConfigInvalid, "concurrency must be positive")
	}
	if c.MaxRetries < 0 {
		return failure.Newf(failure.ConfigInvalid, "negative retry count %v", c.MaxRetries)
	}
	if c.MinRequestInterval < 0 || c.CallTimeout < 0 {
		return failure.Newf(failure.ConfigInvalid, "negative request interval or timeout")
	}
	if c.MaxPages < 0 {
		return failure.Newf(failure.ConfigInvalid, "negative page limit %v", c.MaxPages)
	}
	return c.DetectionParams().Validate()
}

func (c *Config) DetectionParams() *nn.DetectionParams {
	return &nn.DetectionParams{
		ConfidenceThreshold: c.ConfidenceThreshold,
		NmsIouThreshold:     c.IouThreshold,
	}
}

func (c *Config) SourceConfig() imagesource.Config {
	cfg := imagesource.DefaultConfig()
	cfg.MinRequestInterval = c.MinRequestInterval
	cfg.Retry.MaxRetries = c.MaxRetries
	cfg.Retry.CallTimeout = c.CallTimeout
	cfg.PageConcurrency = c.PageConcurrency
	cfg.DownloadConcurrency = c.DownloadConcurrency
	cfg.MaxPages = c.MaxPages
	return cfg
}

func (c *Config) PipelineOptions() pipeline.Options {
	opts := pipeline.NewOptions(c.Query, c.Count)
	opts.PageSize = c.PageSize
	opts.TargetWidth = c.TargetWidth
	opts.TargetHeight = c.TargetHeight
	opts.Params = *c.DetectionParams()
	opts.Concurrency = c.Concurrency
	return opts
}

func (c *Config) NewDetector(scorer nn.Scorer) *detect.Detector {
	d := detect.NewDetector(scorer, *c.DetectionParams())
	d.MaxRetries = c.MaxRetries
	d.CallTimeout = c.CallTimeout
	return d
}

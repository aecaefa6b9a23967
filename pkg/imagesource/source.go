package imagesource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pixdetect/pkg/failure"
	"github.com/cyclopcam/pixdetect/pkg/logprefix"
	"golang.org/x/sync/errgroup"
)

// Default values for Config
const (
	DefaultMinRequestInterval  = time.Second
	DefaultPageConcurrency     = 2
	DefaultDownloadConcurrency = 4
	DefaultMaxPages            = 50 // Pixabay won't go much further than this anyway
)

// Config controls the pacing and concurrency of a Source
type Config struct {
	MinRequestInterval  time.Duration // Minimum delay between the start of successive page requests
	Retry               RetryPolicy   // Retry policy for page requests and downloads
	PageConcurrency     int           // Maximum number of page requests in flight
	DownloadConcurrency int           // Maximum number of image downloads in flight
	MaxPages            int           // Stop after this many pages (0 = no limit)
}

func DefaultConfig() Config {
	return Config{
		MinRequestInterval:  DefaultMinRequestInterval,
		Retry:               DefaultRetryPolicy(),
		PageConcurrency:     DefaultPageConcurrency,
		DownloadConcurrency: DefaultDownloadConcurrency,
		MaxPages:            DefaultMaxPages,
	}
}

func (c *Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if c.PageConcurrency <= 0 || c.DownloadConcurrency <= 0 {
		return failure.Newf(failure.ConfigInvalid, "page and download concurrency must be positive (got %v, %v)", c.PageConcurrency, c.DownloadConcurrency)
	}
	if c.MaxPages < 0 {
		return failure.Newf(failure.ConfigInvalid, "negative page limit %v", c.MaxPages)
	}
	return nil
}

// Source wraps a paginated image search API.
// The rate gate is shared by all batches fetched through one Source.
type Source struct {
	log        logs.Log
	api        API
	downloader Downloader
	gate       *RateGate
	config     Config
}

func NewSource(log logs.Log, api API, downloader Downloader, config Config) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	gate, err := NewRateGate(config.MinRequestInterval)
	if err != nil {
		return nil, err
	}
	s := &Source{
		log:        logprefix.New(log, "ImageSource:"),
		api:        api,
		downloader: downloader,
		gate:       gate,
		config:     config,
	}
	if gate.MinInterval() != 0 {
		s.log.Infof("Page requests limited to %.2f/s", gate.RequestsPerSecond())
	}
	return s, nil
}

// Batch is a lazy, finite sequence of records, produced by FetchBatch.
// Read Records() until it is closed, and then call Wait() for the terminal error.
type Batch struct {
	Query string
	Count int

	records      chan *ImageRecord
	done         chan struct{}
	err          error
	pagesFetched atomic.Int64
	yielded      atomic.Int64

	gapsLock sync.Mutex
	gaps     []Gap
}

// Records yields images in order. The channel is closed when the batch ends.
func (b *Batch) Records() <-chan *ImageRecord {
	return b.records
}

// Wait blocks until the batch has ended, and returns the reason it ended early, if any.
// Running out of images is not an error.
func (b *Batch) Wait() error {
	<-b.done
	return b.err
}

// Gaps returns the items that were listed but could not be downloaded
func (b *Batch) Gaps() []Gap {
	b.gapsLock.Lock()
	defer b.gapsLock.Unlock()
	return append([]Gap(nil), b.gaps...)
}

func (b *Batch) PagesFetched() int {
	return int(b.pagesFetched.Load())
}

func (b *Batch) Yielded() int {
	return int(b.yielded.Load())
}

func (b *Batch) addGap(g Gap) {
	b.gapsLock.Lock()
	b.gaps = append(b.gaps, g)
	b.gapsLock.Unlock()
}

// FetchBatch starts fetching up to count images that match query.
// The returned batch never yields more than count records, and never yields a partially downloaded one.
// Every call starts again at the first page.
func (s *Source) FetchBatch(ctx context.Context, query string, count, pageSize int) (*Batch, error) {
	if strings.TrimSpace(query) == "" {
		return nil, failure.Newf(failure.ConfigInvalid, "empty query")
	}
	if count <= 0 || pageSize <= 0 {
		return nil, failure.Newf(failure.ConfigInvalid, "count (%v) and page size (%v) must be positive", count, pageSize)
	}
	b := &Batch{
		Query:   query,
		Count:   count,
		records: make(chan *ImageRecord),
		done:    make(chan struct{}),
	}
	go func() {
		err := s.run(ctx, b, pageSize)
		if err != nil && ctx.Err() == nil {
			s.log.Errorf("Batch '%v' failed after %v records: %v", query, b.Yielded(), err)
		} else {
			s.log.Infof("Batch '%v' finished with %v records, %v gaps, %v pages", query, b.Yielded(), len(b.Gaps()), b.PagesFetched())
		}
		b.err = err
		close(b.records)
		close(b.done)
	}()
	return b, nil
}

type pageResult struct {
	page *Page
	err  error
}

func (s *Source) run(ctx context.Context, b *Batch, pageSize int) error {
	collected := 0
	nextPage := 1
	for collected < b.Count {
		if s.config.MaxPages > 0 && nextPage > s.config.MaxPages {
			s.log.Infof("Reached page limit %v", s.config.MaxPages)
			return nil
		}
		// The first page is fetched alone, so that we know whether there is more before fanning out.
		// After that, only request as many pages as could still be needed.
		window := 1
		if nextPage > 1 {
			remaining := b.Count - collected
			window = min(s.config.PageConcurrency, (remaining+pageSize-1)/pageSize)
			if s.config.MaxPages > 0 {
				window = min(window, s.config.MaxPages-nextPage+1)
			}
			window = max(window, 1)
		}

		results := s.fetchPages(ctx, b.Query, nextPage, window, pageSize)

		for i, r := range results {
			pageNum := nextPage + i
			if r.err != nil {
				return r.err
			}
			b.pagesFetched.Add(1)
			n, err := s.downloadItems(ctx, b, pageNum, r.page.Items, b.Count-collected)
			collected += n
			if err != nil {
				return err
			}
			if collected >= b.Count || !r.page.HasMore || len(r.page.Items) == 0 {
				// Any pages beyond this one in the window are discarded
				return nil
			}
		}
		nextPage += window
	}
	return nil
}

// Fetch pages [first, first+n) concurrently, and return them in page order
func (s *Source) fetchPages(ctx context.Context, query string, first, n, pageSize int) []pageResult {
	results := make([]pageResult, n)
	var g errgroup.Group
	g.SetLimit(s.config.PageConcurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			page, err := s.fetchPage(ctx, query, first+i, pageSize)
			results[i] = pageResult{page: page, err: err}
			return nil
		})
	}
	g.Wait()
	return results
}

func (s *Source) fetchPage(ctx context.Context, query string, pageNum, pageSize int) (*Page, error) {
	var page *Page
	attempts, err := s.config.Retry.do(ctx, func(ctx context.Context) error {
		if err := s.gate.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := s.config.Retry.callContext(ctx)
		defer cancel()
		p, err := s.api.FetchPage(callCtx, query, pageNum, pageSize)
		if err != nil {
			return err
		}
		page = p
		return nil
	}, func(err error, wait time.Duration) {
		s.log.Warnf("Page %v of '%v' failed (%v). Retrying in %v", pageNum, query, err, wait)
	})

	switch {
	case err == nil:
		return page, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, failure.ErrTransientFetch):
		return nil, failure.New(failure.SourceRejected, fmt.Errorf("page %v: giving up after %v attempts: %w", pageNum, attempts, err))
	default:
		return nil, failure.New(failure.SourceRejected, fmt.Errorf("page %v: %w", pageNum, err))
	}
}

type downloadResult struct {
	record *ImageRecord
	gap    *Gap
}

// Download items in order until 'need' records have been yielded, or the items run out.
// Returns the number of records yielded.
// The only error returned is a context error. Download failures become gaps.
func (s *Source) downloadItems(ctx context.Context, b *Batch, pageNum int, items []Item, need int) (int, error) {
	yielded := 0
	next := 0
	for next < len(items) && yielded < need {
		// Never start more downloads than we could use, so that a batch doesn't
		// fetch far more bytes than it yields.
		chunk := items[next:min(len(items), next+need-yielded)]
		next += len(chunk)

		results := make([]downloadResult, len(chunk))
		var g errgroup.Group
		g.SetLimit(s.config.DownloadConcurrency)
		for i, item := range chunk {
			g.Go(func() error {
				results[i] = s.download(ctx, pageNum, item)
				return nil
			})
		}
		g.Wait()
		if err := ctx.Err(); err != nil {
			return yielded, err
		}

		for _, r := range results {
			if r.gap != nil {
				s.log.Warnf("Dropping %v", r.gap)
				b.addGap(*r.gap)
				continue
			}
			select {
			case b.records <- r.record:
				yielded++
				b.yielded.Add(1)
			case <-ctx.Done():
				return yielded, ctx.Err()
			}
		}
	}
	return yielded, nil
}

func (s *Source) download(ctx context.Context, pageNum int, item Item) downloadResult {
	if item.ImageURL == "" {
		return downloadResult{gap: &Gap{ID: item.ID, Page: pageNum, Reason: "no image URL"}}
	}
	var raw []byte
	attempts, err := s.config.Retry.do(ctx, func(ctx context.Context) error {
		callCtx, cancel := s.config.Retry.callContext(ctx)
		defer cancel()
		b, err := s.downloader.Download(callCtx, item.ImageURL)
		if err != nil {
			return err
		}
		raw = b
		return nil
	}, nil)
	if err != nil {
		return downloadResult{gap: &Gap{
			ID:        item.ID,
			SourceURL: item.ImageURL,
			Page:      pageNum,
			Reason:    fmt.Sprintf("%v (after %v attempts)", err, attempts),
		}}
	}

	rec := &ImageRecord{
		ID:        item.ID,
		SourceURL: item.ImageURL,
		PageURL:   item.PageURL,
		Tags:      item.Tags,
		RawBytes:  raw,
		Width:     item.Width,
		Height:    item.Height,
	}
	if cfg, format, err := image.DecodeConfig(bytes.NewReader(raw)); err == nil {
		rec.Width = cfg.Width
		rec.Height = cfg.Height
		rec.Format = format
	}
	return downloadResult{record: rec}
}

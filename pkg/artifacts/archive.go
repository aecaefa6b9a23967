package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pixdetect/pkg/imagesource"
	"github.com/cyclopcam/pixdetect/pkg/transform"
	"github.com/disintegration/imaging"
)

const (
	DefaultArchiveMaxSize = 1024
	DefaultArchiveQuality = 85
)

// Archiver saves downloaded originals as <Prefix><query>_<n>.jpg, with n counting from 1.
// Images are shrunk to fit inside MaxSize x MaxSize (never enlarged), and re-encoded as JPEG.
type Archiver struct {
	Log     logs.Log
	Store   Store
	Prefix  string // eg "originals/"
	MaxSize int
	Quality int
}

func NewArchiver(log logs.Log, store Store, prefix string) *Archiver {
	return &Archiver{
		Log:     log,
		Store:   store,
		Prefix:  prefix,
		MaxSize: DefaultArchiveMaxSize,
		Quality: DefaultArchiveQuality,
	}
}

// The query is flattened to a single path element
func (a *Archiver) namePrefix(query string) string {
	return a.Prefix + safeName(query) + "_"
}

// Count returns the number of images already archived for query
func (a *Archiver) Count(ctx context.Context, query string) (int, error) {
	names, err := a.Store.List(ctx, a.namePrefix(query))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range names {
		if _, ok := a.archiveIndex(query, name); ok {
			n++
		}
	}
	return n, nil
}

// Returns n from <prefix><query>_<n>.jpg
func (a *Archiver) archiveIndex(query, name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, a.namePrefix(query))
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".jpg")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	return n, err == nil && n > 0
}

// Archive drains batch into the store, and returns the names that were written.
// Indices that are already taken are skipped. Records that can't be decoded are logged and skipped.
func (a *Archiver) Archive(ctx context.Context, batch *imagesource.Batch) ([]string, error) {
	existing, err := a.Store.List(ctx, a.namePrefix(batch.Query))
	if err != nil {
		return nil, err
	}
	taken := map[int]bool{}
	for _, name := range existing {
		if n, ok := a.archiveIndex(batch.Query, name); ok {
			taken[n] = true
		}
	}

	written := []string{}
	next := 1
	for rec := range batch.Records() {
		for taken[next] {
			next++
		}
		name := fmt.Sprintf("%v%v.jpg", a.namePrefix(batch.Query), next)
		if err := a.save(ctx, name, rec); err != nil {
			a.Log.Warnf("Skipping image %v: %v", rec.ID, err)
			continue
		}
		a.Log.Infof("Saved %v (%v)", name, rec.SourceURL)
		taken[next] = true
		written = append(written, name)
	}
	return written, batch.Wait()
}

func (a *Archiver) save(ctx context.Context, name string, rec *imagesource.ImageRecord) error {
	img, err := transform.Decode(rec.RawBytes)
	if err != nil {
		return err
	}
	img = imaging.Fit(img, a.MaxSize, a.MaxSize, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(a.Quality)); err != nil {
		return err
	}
	return WriteFile(ctx, a.Store, name, &buf)
}

package manipulate

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"path"
	"strings"
	"sync/atomic"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pixdetect/pkg/artifacts"
	"github.com/cyclopcam/pixdetect/pkg/osutil"
	"github.com/cyclopcam/pixdetect/pkg/transform"
	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

// Quality of the manipulated JPEGs
const OutputQuality = 75

// IsImageName returns true if name has one of the extensions that we treat as an original
func IsImageName(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// ImageID is the name without its directory or extension
func ImageID(name string) string {
	base := path.Base(name)
	return strings.TrimSuffix(base, path.Ext(base))
}

// OutputName returns <outputPrefix><id><code>.jpg
func OutputName(outputPrefix, imageID string, code byte) string {
	return fmt.Sprintf("%v%v%c.jpg", outputPrefix, imageID, code)
}

// ListOriginals returns the names of the images under prefix, sorted
func ListOriginals(ctx context.Context, store artifacts.Store, prefix string) ([]string, error) {
	all, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, name := range all {
		if IsImageName(name) {
			names = append(names, name)
		}
	}
	return names, nil
}

// LoadImage reads and decodes an image from the store
func LoadImage(ctx context.Context, store artifacts.Store, name string) (image.Image, error) {
	raw, err := artifacts.ReadFile(ctx, store, name)
	if err != nil {
		return nil, err
	}
	return transform.Decode(raw)
}

// ApplyAll writes every manipulation of every original under originalsPrefix, to outputPrefix.
// Image i of the sorted originals uses the random seed seed+i, so results are reproducible,
// regardless of how the work is scheduled.
// Returns the number of files written.
func ApplyAll(ctx context.Context, log logs.Log, store artifacts.Store, originalsPrefix, outputPrefix string, seed int64) (int, error) {
	originals, err := ListOriginals(ctx, store, originalsPrefix)
	if err != nil {
		return 0, err
	}
	if len(originals) == 0 {
		return 0, fmt.Errorf("No images found in '%v'", originalsPrefix)
	}

	var written atomic.Int64
	var processed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(osutil.NumCPU())
	for i, name := range originals {
		g.Go(func() error {
			img, err := LoadImage(gctx, store, name)
			if err != nil {
				return fmt.Errorf("%v: %w", name, err)
			}
			env := NewEnv(seed + int64(i))
			env.Candidates = originals
			env.Load = func(other string) (image.Image, error) {
				return LoadImage(gctx, store, other)
			}
			id := ImageID(name)
			for _, m := range All {
				if err := gctx.Err(); err != nil {
					return err
				}
				out, err := Apply(img, m.Code, env)
				if err != nil {
					return fmt.Errorf("%v %v: %w", name, m.Name, err)
				}
				var buf bytes.Buffer
				if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(OutputQuality)); err != nil {
					return err
				}
				if err := artifacts.WriteFile(gctx, store, OutputName(outputPrefix, id, m.Code), &buf); err != nil {
					return err
				}
				written.Add(1)
			}
			log.Infof("Processed %v (%v/%v) with %v manipulations", name, processed.Add(1), len(originals), len(All))
			return nil
		})
	}
	err = g.Wait()
	return int(written.Load()), err
}

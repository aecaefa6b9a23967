package artifacts

import (
	"bytes"
	"context"
	"strings"

	"github.com/cyclopcam/pixdetect/pkg/imagesource"
	"github.com/cyclopcam/pixdetect/pkg/transform"
	"github.com/disintegration/imaging"
	"go.uber.org/multierr"
)

// PipelineSink stores the inputs of each detection run:
//
//	<Prefix><runID>/originals/<imageID>.<ext>   The downloaded bytes, untouched
//	<Prefix><runID>/canonical/<imageID>.png     What the scorer saw
type PipelineSink struct {
	Store  Store
	Prefix string
}

// Keep IDs from turning into paths
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, id)
}

func extension(format string) string {
	switch format {
	case "":
		return ".bin"
	case "jpeg":
		return ".jpg"
	default:
		return "." + format
	}
}

func (s *PipelineSink) OriginalName(runID string, rec *imagesource.ImageRecord) string {
	return s.Prefix + runID + "/originals/" + safeName(rec.ID) + extension(rec.Format)
}

func (s *PipelineSink) CanonicalName(runID string, rec *imagesource.ImageRecord) string {
	return s.Prefix + runID + "/canonical/" + safeName(rec.ID) + ".png"
}

func (s *PipelineSink) SaveArtifacts(ctx context.Context, runID string, rec *imagesource.ImageRecord, img *transform.CanonicalImage) error {
	errOrig := WriteFile(ctx, s.Store, s.OriginalName(runID, rec), bytes.NewReader(rec.RawBytes))

	var buf bytes.Buffer
	errCanon := imaging.Encode(&buf, img.Pixels.ToImage(), imaging.PNG)
	if errCanon == nil {
		errCanon = WriteFile(ctx, s.Store, s.CanonicalName(runID, rec), &buf)
	}
	return multierr.Append(errOrig, errCanon)
}

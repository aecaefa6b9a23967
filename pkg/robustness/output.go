package robustness

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cyclopcam/pixdetect/pkg/manipulate"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font/gofont/goregular"
)

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteCSV writes one line per image:
// image_id, one score per manipulation, method, avg_score
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append([]string{"image_id"}, manipulate.Names()...)
	header = append(header, "method", "avg_score")
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range r.Rows {
		line := []string{row.ImageID}
		for _, s := range row.Scores {
			line = append(line, formatScore(s))
		}
		line = append(line, r.Method, formatScore(row.Average))
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSummary writes a human readable summary, with the manipulations from hardest to easiest
func (r *Report) WriteSummary(w io.Writer) error {
	rule := strings.Repeat("=", 50)
	b := &strings.Builder{}
	fmt.Fprintf(b, "Image Matching Results using %v\n", r.Method)
	fmt.Fprintf(b, "%v\n\n", rule)
	fmt.Fprintf(b, "Average Match Scores by Manipulation Type:\n")
	fmt.Fprintf(b, "%v\n", strings.Repeat("-", 40))
	for _, s := range r.SortedByMean() {
		fmt.Fprintf(b, "%-15s: %.2f (median %.2f, std %.2f, min %.2f, max %.2f)\n", s.Name, s.Mean, s.Median, s.StdDev, s.Min, s.Max)
	}
	fmt.Fprintf(b, "\n%v\n", rule)
	fmt.Fprintf(b, "HARDEST MANIPULATION TECHNIQUE: %v\n", r.Hardest.Name)
	fmt.Fprintf(b, "Average Match Score: %.2f\n", r.Hardest.Mean)
	fmt.Fprintf(b, "%v\n", rule)
	_, err := io.WriteString(w, b.String())
	return err
}

var regularFont *truetype.Font

func init() {
	var err error
	regularFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Ends of the bar color ramp (viridis)
var (
	rampLow  = colorful.Color{R: 0.267, G: 0.005, B: 0.329}
	rampHigh = colorful.Color{R: 0.993, G: 0.906, B: 0.144}
)

// DrawChart writes a PNG bar chart of the mean score of each manipulation, from hardest to easiest
func (r *Report) DrawChart(w io.Writer, width, height int) error {
	if width < 200 || height < 200 {
		return fmt.Errorf("chart size %vx%v is too small", width, height)
	}
	const (
		marginLeft   = 60.0
		marginRight  = 20.0
		marginTop    = 40.0
		marginBottom = 110.0
	)
	summaries := r.SortedByMean()
	plotW := float64(width) - marginLeft - marginRight
	plotH := float64(height) - marginTop - marginBottom
	slot := plotW / float64(len(summaries))

	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	// Title
	dc.SetFontFace(truetype.NewFace(regularFont, &truetype.Options{Size: 16}))
	dc.SetRGB(0, 0, 0)
	dc.DrawStringAnchored(fmt.Sprintf("Average %v similarity by manipulation type", r.Method), float64(width)/2, marginTop/2, 0.5, 0.5)

	// Y axis with gridlines every 20
	dc.SetFontFace(truetype.NewFace(regularFont, &truetype.Options{Size: 11}))
	for v := 0; v <= 100; v += 20 {
		y := marginTop + plotH*(1-float64(v)/100)
		dc.SetRGB(0.85, 0.85, 0.85)
		dc.SetLineWidth(1)
		dc.DrawLine(marginLeft, y, marginLeft+plotW, y)
		dc.Stroke()
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(strconv.Itoa(v), marginLeft-6, y, 1, 0.5)
	}

	for i, s := range summaries {
		t := 0.0
		if len(summaries) > 1 {
			t = float64(i) / float64(len(summaries)-1)
		}
		x := marginLeft + slot*float64(i) + slot*0.1
		barH := plotH * max(0, min(100, s.Mean)) / 100
		dc.SetColor(rampLow.BlendLab(rampHigh, t).Clamped())
		dc.DrawRectangle(x, marginTop+plotH-barH, slot*0.8, barH)
		dc.Fill()

		dc.SetRGB(0, 0, 0)
		dc.Push()
		lx := x + slot*0.4
		ly := marginTop + plotH + 8
		dc.RotateAbout(gg.Radians(-45), lx, ly)
		dc.DrawStringAnchored(s.Name, lx, ly, 1, 0.5)
		dc.Pop()
	}

	dc.SetRGB(0, 0, 0)
	dc.SetLineWidth(1)
	dc.DrawLine(marginLeft, marginTop, marginLeft, marginTop+plotH)
	dc.DrawLine(marginLeft, marginTop+plotH, marginLeft+plotW, marginTop+plotH)
	dc.Stroke()

	return dc.EncodePNG(w)
}

// Package export writes annotations as normalized detection records: one
// <image>.txt per annotated image plus classes.txt.
package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ivlev/boxlabel/internal/annotation"
	"github.com/ivlev/boxlabel/internal/utils"
)

// ErrUnknownLabel is wrapped by UnknownLabelError.
var ErrUnknownLabel = errors.New("unknown label")

// UnknownLabelError names the first annotation whose label is not in the
// ordered label list.
type UnknownLabelError struct {
	Image string
	Label string
}

func (e *UnknownLabelError) Error() string {
	return fmt.Sprintf("%s: %q used on %s", ErrUnknownLabel, e.Label, e.Image)
}

func (e *UnknownLabelError) Unwrap() error {
	return ErrUnknownLabel
}

// Box is a normalized detection record.
type Box struct {
	Class   int
	CenterX float64
	CenterY float64
	Width   float64
	Height  float64
}

// String formats the box with six decimals per value.
func (b Box) String() string {
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f", b.Class, b.CenterX, b.CenterY, b.Width, b.Height)
}

// Normalize converts a pixel rectangle on a w×h image to a Box.
func Normalize(class int, r annotation.Record, w, h int) Box {
	p1, p2 := r.Points[0], r.Points[1]
	fw, fh := float64(w), float64(h)
	return Box{
		Class:   class,
		CenterX: (p1.X + p2.X) / (2 * fw),
		CenterY: (p1.Y + p2.Y) / (2 * fh),
		Width:   math.Abs(p2.X-p1.X) / fw,
		Height:  math.Abs(p2.Y-p1.Y) / fh,
	}
}

// Images resolves an annotation key to the image's pixel size, as the
// annotations were drawn against it.
type Images interface {
	Size(key string) (w, h int, ok bool, err error)
}

// Result summarizes one export run.
type Result struct {
	Files       int
	Annotations int
	Skipped     []string
}

type Exporter struct {
	OutputDir string
	Workers   int
	Logger    *log.Logger
}

func New(outputDir string, logger *log.Logger) *Exporter {
	if logger == nil {
		logger = log.Default()
	}
	return &Exporter{OutputDir: outputDir, Workers: 4, Logger: logger}
}

type job struct {
	key   string
	boxes []Box
}

// Run validates every annotation against labels, then writes classes.txt
// and one file per annotated image. Nothing is written when any label is
// unknown. Images the resolver does not know are skipped with a warning.
func (e *Exporter) Run(ctx context.Context, store *annotation.Store, images Images) (*Result, error) {
	labels := store.Labels()
	class := make(map[string]int, len(labels))
	for i, l := range labels {
		class[l] = i
	}

	keys := store.Keys()
	records := make(map[string][]annotation.Record, len(keys))
	for _, key := range keys {
		recs := store.Records(key)
		for _, r := range recs {
			if _, ok := class[r.Label]; !ok {
				return nil, &UnknownLabelError{Image: key, Label: r.Label}
			}
		}
		records[key] = recs
	}

	res := &Result{}
	jobs := make([]job, 0, len(keys))
	for _, key := range keys {
		w, h, ok, err := images.Size(key)
		if err != nil {
			return nil, fmt.Errorf("size of %s: %w", key, err)
		}
		if !ok || w <= 0 || h <= 0 {
			e.Logger.Printf("[!] Skipping %s: image not available", key)
			res.Skipped = append(res.Skipped, key)
			continue
		}
		j := job{key: key}
		for _, r := range records[key] {
			j.boxes = append(j.boxes, Normalize(class[r.Label], r, w, h))
		}
		jobs = append(jobs, j)
		res.Annotations += len(j.boxes)
	}

	if err := utils.EnsureDir(e.OutputDir); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.Workers, 1))
	g.Go(func() error {
		return e.writeLines(filepath.Join(e.OutputDir, "classes.txt"), labels)
	})
	for _, j := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			lines := make([]string, len(j.boxes))
			for i, b := range j.boxes {
				lines[i] = b.String()
			}
			return e.writeLines(filepath.Join(e.OutputDir, TextName(j.key)), lines)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Files = len(jobs)
	e.Logger.Printf("[+++] Exported %d annotations in %d files to %s", res.Annotations, res.Files, e.OutputDir)
	return res, nil
}

func (e *Exporter) writeLines(path string, lines []string) error {
	return utils.WriteFileAtomic(path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		for _, l := range lines {
			if _, err := bw.WriteString(l + "\n"); err != nil {
				return err
			}
		}
		return bw.Flush()
	})
}

// TextName is the label file name for an image key: the base name with a
// .txt extension.
func TextName(key string) string {
	base := filepath.Base(key)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".txt"
}

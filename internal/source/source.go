package source

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// ErrNotFound is returned when the input directory or document does not exist.
var ErrNotFound = errors.New("source not found")

// Source is an ordered, index-addressed set of annotatable images.
type Source interface {
	Len() int
	// Key is the annotation key of the image at index, unique within the source.
	Key(index int) string
	Path(index int) string
	Decode(index int) (image.Image, error)
	// Dimensions reports the undecoded size of the image at index.
	Dimensions(index int) (width, height int, err error)
	Close() error
}

// Open picks the implementation from the path: a .pdf file yields one image
// per page, anything else is treated as an image directory.
func Open(path string, exts []string, dpi int) (Source, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return NewPDFSource(path, dpi)
	}
	return NewImageSource(path, exts)
}

// PDFSource exposes every page of a PDF document as an image.
type PDFSource struct {
	doc   *fitz.Document
	path  string
	base  string
	dpi   int
	pages int
}

func NewPDFSource(path string, dpi int) (*PDFSource, error) {
	doc, err := fitz.New(path)
	if err != nil {
		if errors.Is(err, fitz.ErrNoSuchFile) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	base := filepath.Base(path)
	return &PDFSource{
		doc:   doc,
		path:  path,
		base:  strings.TrimSuffix(base, filepath.Ext(base)),
		dpi:   dpi,
		pages: doc.NumPage(),
	}, nil
}

func (f *PDFSource) Len() int {
	return f.pages
}

func (f *PDFSource) Key(index int) string {
	return fmt.Sprintf("%s_p%04d.png", f.base, index+1)
}

func (f *PDFSource) Path(index int) string {
	return f.path
}

func (f *PDFSource) Decode(index int) (image.Image, error) {
	// A private document per render keeps the prefetcher and the
	// control goroutine from contending on one MuPDF context.
	workerDoc, err := fitz.New(f.path)
	if err != nil {
		return nil, err
	}
	defer workerDoc.Close()
	return workerDoc.ImageDPI(index, float64(f.dpi))
}

// Dimensions renders the page: page bounds at 72 DPI do not round to the
// same pixel size MuPDF produces at other resolutions.
func (f *PDFSource) Dimensions(index int) (int, int, error) {
	img, err := f.Decode(index)
	if err != nil {
		return 0, 0, err
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

func (f *PDFSource) Close() error {
	return f.doc.Close()
}

// Package engine owns one open annotation project: the image source, the
// windowed cache, the annotation store and the autosave timer. A UI or the
// CLI drives it from a single control goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/ivlev/boxlabel/internal/annotation"
	"github.com/ivlev/boxlabel/internal/config"
	"github.com/ivlev/boxlabel/internal/export"
	"github.com/ivlev/boxlabel/internal/geometry"
	"github.com/ivlev/boxlabel/internal/imagecache"
	"github.com/ivlev/boxlabel/internal/source"
	"github.com/ivlev/boxlabel/internal/system"
	"github.com/ivlev/boxlabel/internal/utils"
)

// Output file names inside the project's output directory.
const (
	RowsFile     = "annotations.csv"
	AutosaveFile = "annotations_autosave.csv"
	ProjectFile  = "project.json"
)

var (
	ErrOutputDir   = errors.New("cannot create output directory")
	ErrNoImages    = errors.New("no images found")
	ErrBoxTooSmall = errors.New("box too small")
)

type Project struct {
	cfg    *config.Config
	logger *log.Logger

	src      source.Source
	cache    *imagecache.Cache
	store    *annotation.Store
	exporter *export.Exporter
	keys     map[string]int

	mu      sync.Mutex
	current int
	zoom    float64

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// Open validates cfg, creates the output directory, opens the input,
// loads existing annotations and starts the prefetcher and the autosave
// timer. Both stop when ctx is cancelled or Close is called.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Project, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(cfg.OutputDir); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrOutputDir, cfg.OutputDir, err)
	}

	src, err := source.Open(cfg.InputDir, cfg.Extensions, cfg.PDFDPI)
	if err != nil {
		return nil, err
	}
	if src.Len() == 0 {
		src.Close()
		return nil, fmt.Errorf("%w in %s", ErrNoImages, cfg.InputDir)
	}

	keys := make(map[string]int, src.Len())
	for i := 0; i < src.Len(); i++ {
		keys[src.Key(i)] = i
	}

	// Rows are only read when project.json is unusable; an autosave newer
	// than the last manual save is the better fallback.
	rows, ok := utils.Latest(filepath.Join(cfg.OutputDir, RowsFile), filepath.Join(cfg.OutputDir, AutosaveFile))
	if !ok {
		rows = filepath.Join(cfg.OutputDir, RowsFile)
	}
	store := annotation.NewStore(cfg.InputDir, cfg.OutputDir, cfg.Labels, logger)
	if _, err := store.LoadFrom(rows, filepath.Join(cfg.OutputDir, ProjectFile)); err != nil {
		src.Close()
		return nil, fmt.Errorf("load annotations: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Project{
		cfg:      cfg,
		logger:   logger,
		src:      src,
		cache:    imagecache.New(ctx, src, imagecache.OptionsFromConfig(cfg.Cache, logger)),
		store:    store,
		exporter: export.New(cfg.OutputDir, logger),
		keys:     keys,
		zoom:     1,
		now:      time.Now,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if mem, err := system.HostMemory(); err == nil {
		logger.Printf("[*] Host memory: %s", mem)
	}
	logger.Printf("[*] Opened %s: %d images, %d annotated", cfg.InputDir, src.Len(), len(store.Keys()))

	go p.runAutosave(ctx)
	if err := p.cache.SetCenter(0); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Project) Len() int {
	return p.src.Len()
}

// Index is the position of the image on screen.
func (p *Project) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Key is the annotation key of the image on screen.
func (p *Project) Key() string {
	return p.src.Key(p.Index())
}

func (p *Project) Store() *annotation.Store {
	return p.store
}

func (p *Project) Cache() *imagecache.Cache {
	return p.cache
}

// Navigate moves by step images, wrapping around at both ends.
func (p *Project) Navigate(step int) (int, error) {
	n := p.src.Len()
	p.mu.Lock()
	idx := ((p.current+step)%n + n) % n
	p.mu.Unlock()
	return idx, p.show(idx)
}

// GoTo jumps to index, clamped to the image range. A negative index
// selects the last image.
func (p *Project) GoTo(index int) (int, error) {
	n := p.src.Len()
	if index < 0 || index >= n {
		index = n - 1
	}
	return index, p.show(index)
}

func (p *Project) show(index int) error {
	if err := p.cache.SetCenter(index); err != nil {
		return err
	}
	p.mu.Lock()
	p.current = index
	p.mu.Unlock()

	if hw := p.cfg.Cache.HighWatermarkBytes(); hw > 0 {
		if usage := p.cache.MemoryUsage(); usage > hw/2 {
			p.logger.Printf("[!] High memory usage: %s", system.FormatBytes(usage))
		}
	}
	return nil
}

// Current returns the decoded image on screen.
func (p *Project) Current() (*imagecache.Record, error) {
	return p.cache.Request(p.Index())
}

// Box is one annotation placed on the canvas.
type Box struct {
	Rect  geometry.Rect
	Label string
	Color string
}

// Frame is everything needed to draw the image on screen.
type Frame struct {
	Image  *imagecache.Record
	Mapper geometry.Mapper
	Boxes  []Box
}

// Render returns the image on screen with its annotations mapped onto a
// canvas of the given size.
func (p *Project) Render(canvasW, canvasH int) (*Frame, error) {
	index := p.Index()
	release := p.cache.Pin(index)
	defer release()

	rec, err := p.cache.Request(index)
	if err != nil {
		return nil, err
	}
	m := geometry.NewMapper(float64(canvasW), float64(canvasH), float64(rec.Width), float64(rec.Height), p.ZoomFactor())

	records := p.store.Records(p.src.Key(index))
	boxes := make([]Box, 0, len(records))
	for _, r := range records {
		boxes = append(boxes, Box{
			Rect:  m.RectToCanvas(r.Rect()),
			Label: r.Label,
			Color: p.store.Color(r.Label),
		})
	}
	return &Frame{Image: rec, Mapper: m, Boxes: boxes}, nil
}

// Zoom changes the zoom factor by delta. A change that would leave the
// configured range is ignored.
func (p *Project) Zoom(delta float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	z := math.Round((p.zoom+delta)*1e6) / 1e6
	if z >= p.cfg.Zoom.Min && z <= p.cfg.Zoom.Max {
		p.zoom = z
	}
	return p.zoom
}

func (p *Project) ZoomIn() float64  { return p.Zoom(p.cfg.Zoom.Step) }
func (p *Project) ZoomOut() float64 { return p.Zoom(-p.cfg.Zoom.Step) }

func (p *Project) ResetZoom() {
	p.mu.Lock()
	p.zoom = 1
	p.mu.Unlock()
}

func (p *Project) ZoomFactor() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.zoom
}

// Mapper returns the canvas/image transform for the image on screen at the
// current zoom. Drawing and rendering must both use it.
func (p *Project) Mapper(canvasW, canvasH float64) (geometry.Mapper, error) {
	w, h, err := p.cache.Dimensions(p.Index())
	if err != nil {
		return geometry.Mapper{}, err
	}
	return geometry.NewMapper(canvasW, canvasH, float64(w), float64(h), p.ZoomFactor()), nil
}

// Annotate adds a rectangle given in image pixels to the image on screen.
func (p *Project) Annotate(label string, r geometry.Rect) (annotation.Record, error) {
	if _, ok := p.store.LabelIndex(label); !ok {
		return annotation.Record{}, fmt.Errorf("%w: %q", export.ErrUnknownLabel, label)
	}
	r = r.Canon()
	if !r.Large(p.cfg.MinBoxSize) {
		return annotation.Record{}, fmt.Errorf("%w: %.0fx%.0f", ErrBoxTooSmall, r.Dx(), r.Dy())
	}
	return p.store.Add(p.Key(), annotation.Rectangle, [2]geometry.Point{r.Min, r.Max}, label), nil
}

// AnnotateCanvas maps a drag between two canvas points into image pixels
// and adds it.
func (p *Project) AnnotateCanvas(label string, canvasW, canvasH float64, from, to geometry.Point) (annotation.Record, error) {
	m, err := p.Mapper(canvasW, canvasH)
	if err != nil {
		return annotation.Record{}, err
	}
	return p.Annotate(label, geometry.Rect{Min: m.CanvasToImage(from), Max: m.CanvasToImage(to)})
}

// AddLabel appends a label; existing class indices are unchanged.
func (p *Project) AddLabel(label string) bool {
	return p.store.AddLabel(label)
}

func (p *Project) Undo() bool {
	return p.store.Undo()
}

// ClearAll removes every annotation on the image on screen.
func (p *Project) ClearAll() {
	p.store.ClearAll(p.Key())
}

func (p *Project) Count() int {
	return p.store.Count(p.Key())
}

func (p *Project) Dirty() bool {
	return p.store.Dirty()
}

// Save writes annotations.csv and project.json.
func (p *Project) Save() error {
	dir := p.cfg.OutputDir
	if err := p.store.SaveTo(filepath.Join(dir, RowsFile), filepath.Join(dir, ProjectFile)); err != nil {
		return err
	}
	p.logger.Printf("[+++] Saved %d annotations to %s", p.store.Total(), dir)
	return nil
}

// Autosave saves to annotations_autosave.csv and project.json when there
// are unsaved annotations and the last save is older than the minimum gap.
// It reports whether anything was written.
func (p *Project) Autosave() (bool, error) {
	if p.store.Total() == 0 || !p.store.Dirty() {
		return false, nil
	}
	if last := p.store.LastSaved(); !last.IsZero() && p.now().Sub(last) < p.cfg.Autosave.MinGap {
		return false, nil
	}

	dir := p.cfg.OutputDir
	if err := p.store.SaveTo(filepath.Join(dir, AutosaveFile), filepath.Join(dir, ProjectFile)); err != nil {
		return false, err
	}
	p.logger.Printf("[*] Autosaved %d annotations", p.store.Total())
	return true, nil
}

// runAutosave calls Autosave every autosave interval until ctx is done.
// Failures are logged only. Open starts exactly one; Close waits for it.
func (p *Project) runAutosave(ctx context.Context) {
	defer close(p.done)
	if p.cfg.Autosave.Interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(p.cfg.Autosave.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Autosave(); err != nil {
				p.logger.Printf("[!] Autosave failed: %v", err)
			}
		}
	}
}

// Export writes normalized detection files for every annotated image and
// then saves the project, so an export never leaves unsaved annotations.
func (p *Project) Export(ctx context.Context) (*export.Result, error) {
	res, err := p.exporter.Run(ctx, p.store, projectImages{p})
	if err != nil {
		return nil, err
	}
	if err := p.Save(); err != nil {
		return res, err
	}
	return res, nil
}

// projectImages sizes images through the cache so exports match the
// pixel space annotations were drawn in.
type projectImages struct {
	p *Project
}

func (pi projectImages) Size(key string) (int, int, bool, error) {
	index, ok := pi.p.keys[key]
	if !ok {
		return 0, 0, false, nil
	}
	w, h, err := pi.p.cache.Dimensions(index)
	if err != nil {
		// Unreadable images are skipped like missing ones.
		pi.p.logger.Printf("[!] %v", err)
		return 0, 0, false, nil
	}
	return w, h, true, nil
}

type Summary struct {
	Images      int
	Annotated   int
	Annotations int
	Labels      []string
	Cache       imagecache.Stats
}

func (p *Project) Summary() Summary {
	return Summary{
		Images:      p.src.Len(),
		Annotated:   len(p.store.Keys()),
		Annotations: p.store.Total(),
		Labels:      p.store.Labels(),
		Cache:       p.cache.Stats(),
	}
}

// Close stops the background work and releases the cache and the source.
// Unsaved changes are not written; check Dirty first.
func (p *Project) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	<-p.done
	p.cache.Close()
	return p.src.Close()
}

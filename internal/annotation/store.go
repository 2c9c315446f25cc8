package annotation

import (
	"log"
	"slices"
	"sync"
	"time"

	"github.com/ivlev/boxlabel/internal/geometry"
)

// Store is the in-memory project: ordered labels, per-image annotation
// lists, label colors and the undo log. It is safe for concurrent use;
// SaveTo calls are additionally serialized against each other.
type Store struct {
	inputPath  string
	outputPath string
	logger     *log.Logger

	mu        sync.Mutex
	labels    []string
	colors    *ColorMap
	images    map[string][]Record
	history   []UndoEntry
	revision  uint64
	saved     uint64
	lastSaved time.Time

	saveMu sync.Mutex
}

// NewStore creates an empty store. inputPath and outputPath are recorded
// in the snapshot file.
func NewStore(inputPath, outputPath string, labels []string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{
		inputPath:  inputPath,
		outputPath: outputPath,
		logger:     logger,
		colors:     NewColorMap(),
		images:     make(map[string][]Record),
	}
	for _, l := range labels {
		s.addLabelLocked(l)
	}
	return s
}

// Add appends a record to the image's list and pushes an AddEntry.
func (s *Store) Add(imageKey string, shape Shape, points [2]geometry.Point, label string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{
		Shape:  shape,
		Points: points,
		Label:  label,
		Color:  s.colors.Color(label),
	}
	s.images[imageKey] = append(s.images[imageKey], rec)
	s.history = append(s.history, AddEntry{ImageKey: imageKey})
	s.revision++
	return rec
}

// ClearAll empties the image's list. An already empty list is left alone
// and nothing is pushed to the undo log.
func (s *Store) ClearAll(imageKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.images[imageKey]
	if len(list) == 0 {
		return
	}
	s.history = append(s.history, ClearAllEntry{
		ImageKey: imageKey,
		Snapshot: append([]Record(nil), list...),
	})
	delete(s.images, imageKey)
	s.revision++
}

// Undo pops the most recent entry and reverts it. It returns false when
// there is nothing to undo.
func (s *Store) Undo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.history)
	if n == 0 {
		return false
	}
	entry := s.history[n-1]
	s.history[n-1] = nil
	s.history = s.history[:n-1]
	entry.undo(s)
	s.revision++
	return true
}

// UndoDepth is the number of entries Undo can still revert.
func (s *Store) UndoDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

func (s *Store) Count(imageKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images[imageKey])
}

// Records returns a copy of the image's list in insertion order.
func (s *Store) Records(imageKey string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.images[imageKey])
}

// Keys lists annotated images in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.images)
}

// Total is the number of annotations across all images.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, list := range s.images {
		total += len(list)
	}
	return total
}

func (s *Store) Labels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.labels)
}

// AddLabel appends label to the ordered label list. It reports false for
// an empty or already known label.
func (s *Store) AddLabel(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLabelLocked(label)
}

func (s *Store) addLabelLocked(label string) bool {
	if label == "" || slices.Contains(s.labels, label) {
		return false
	}
	s.labels = append(s.labels, label)
	return true
}

// LabelIndex returns the class index of label.
func (s *Store) LabelIndex(label string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.labels, label)
	return i, i >= 0
}

// Color returns the label's display color, assigning one if needed.
func (s *Store) Color(label string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.colors.Color(label)
}

// Dirty reports whether the store changed since the last save or load.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision != s.saved
}

// LastSaved is the time of the last successful save, zero if none.
func (s *Store) LastSaved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved
}

func (s *Store) setList(imageKey string, list []Record) {
	if len(list) == 0 {
		delete(s.images, imageKey)
		return
	}
	s.images[imageKey] = list
}

package annotation

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ivlev/boxlabel/internal/geometry"
	"github.com/ivlev/boxlabel/internal/utils"
)

// TimeLayout is the format of Project.LastSaved.
const TimeLayout = "2006-01-02 15:04:05"

// RowHeader is the column order of the row file.
var RowHeader = []string{"image", "x1", "y1", "x2", "y2", "label", "shape"}

// Project is the layout of the snapshot file.
type Project struct {
	InputPath   string              `json:"input_path"`
	OutputPath  string              `json:"output_path"`
	Labels      []string            `json:"labels"`
	Annotations map[string][]Record `json:"annotations"`
	LabelColors map[string]string   `json:"label_colors"`
	LastSaved   string              `json:"last_saved"`
}

// snapshotLocked copies the current state into a Project stamped with now.
func (s *Store) snapshotLocked(now time.Time) (*Project, uint64) {
	anns := make(map[string][]Record, len(s.images))
	for k, list := range s.images {
		anns[k] = append([]Record(nil), list...)
	}
	labels := append([]string{}, s.labels...)
	return &Project{
		InputPath:   s.inputPath,
		OutputPath:  s.outputPath,
		Labels:      labels,
		Annotations: anns,
		LabelColors: s.colors.Map(),
		LastSaved:   now.Format(TimeLayout),
	}, s.revision
}

// SaveTo writes the row file and the snapshot file, each replaced
// atomically. An empty path skips that file. Concurrent calls are
// serialized so a manual save and an autosave never interleave.
func (s *Store) SaveTo(rowPath, snapshotPath string) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	now := time.Now()
	s.mu.Lock()
	p, rev := s.snapshotLocked(now)
	s.mu.Unlock()

	if rowPath != "" {
		err := utils.WriteFileAtomic(rowPath, func(w io.Writer) error {
			return WriteRows(w, p.Annotations)
		})
		if err != nil {
			return fmt.Errorf("save annotations: %w", err)
		}
	}
	if snapshotPath != "" {
		err := utils.WriteFileAtomic(snapshotPath, func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		})
		if err != nil {
			return fmt.Errorf("save project: %w", err)
		}
	}

	s.mu.Lock()
	s.saved = rev
	s.lastSaved = now
	s.mu.Unlock()
	return nil
}

// LoadFrom replaces the store contents with what is on disk. The snapshot
// wins when it exists and parses; otherwise the row file is read. Missing
// files are not an error. It returns the path actually loaded, or "".
func (s *Store) LoadFrom(rowPath, snapshotPath string) (string, error) {
	if snapshotPath != "" {
		p, err := ReadSnapshot(snapshotPath)
		switch {
		case err == nil:
			s.apply(p.Annotations, p.Labels, p.LabelColors, p.LastSaved)
			s.logger.Printf("[*] Loaded %d annotated images from %s", len(p.Annotations), snapshotPath)
			return snapshotPath, nil
		case errors.Is(err, fs.ErrNotExist):
		default:
			s.logger.Printf("[!] Could not read project file, falling back to rows: %v", err)
		}
	}

	if rowPath == "" {
		return "", nil
	}
	f, err := os.Open(rowPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("open annotations: %w", err)
	}
	defer f.Close()

	anns, err := ReadRows(f, s.logger)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rowPath, err)
	}
	s.apply(anns, nil, nil, "")
	s.logger.Printf("[*] Loaded %d annotated images from %s", len(anns), rowPath)
	return rowPath, nil
}

func (s *Store) apply(anns map[string][]Record, labels []string, colors map[string]string, lastSaved string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range labels {
		s.addLabelLocked(l)
	}
	for label, c := range colors {
		s.colors.Set(label, c)
	}

	s.images = make(map[string][]Record, len(anns))
	for _, key := range sortedKeys(anns) {
		list := anns[key]
		for i := range list {
			if list[i].Color == "" {
				list[i].Color = s.colors.Color(list[i].Label)
			} else {
				s.colors.Set(list[i].Label, list[i].Color)
			}
		}
		s.setList(key, list)
	}

	s.history = nil
	s.revision++
	s.saved = s.revision
	if t, err := time.ParseInLocation(TimeLayout, lastSaved, time.Local); err == nil {
		s.lastSaved = t
	}
}

// ReadSnapshot parses a project.json file.
func ReadSnapshot(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if p.Annotations == nil {
		p.Annotations = make(map[string][]Record)
	}
	return &p, nil
}

// WriteRows writes one row per annotation, images in sorted order and
// records in list order.
func WriteRows(w io.Writer, anns map[string][]Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(RowHeader); err != nil {
		return err
	}
	for _, key := range sortedKeys(anns) {
		for _, r := range anns[key] {
			err := cw.Write([]string{
				key,
				formatFloat(r.Points[0].X),
				formatFloat(r.Points[0].Y),
				formatFloat(r.Points[1].X),
				formatFloat(r.Points[1].Y),
				r.Label,
				string(r.Shape),
			})
			if err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadRows parses a row file. Columns are located by header name. Rows
// that cannot be parsed are logged and skipped; only an unreadable header
// fails the whole read.
func ReadRows(r io.Reader, logger *log.Logger) (map[string][]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return map[string][]Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, name := range RowHeader[:6] {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	anns := make(map[string][]Record)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Printf("[!] Skipping malformed row: %v", err)
			continue
		}
		line, _ := cr.FieldPos(0)
		key, rec, err := parseRow(row, col)
		if err != nil {
			logger.Printf("[!] Skipping row %d: %v", line, err)
			continue
		}
		anns[key] = append(anns[key], rec)
	}
	return anns, nil
}

func parseRow(row []string, col map[string]int) (string, Record, error) {
	field := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	key, label := field("image"), field("label")
	if key == "" {
		return "", Record{}, errors.New("empty image name")
	}
	if label == "" {
		return "", Record{}, errors.New("empty label")
	}

	var v [4]float64
	for i, name := range []string{"x1", "y1", "x2", "y2"} {
		f, err := strconv.ParseFloat(field(name), 64)
		if err != nil {
			return "", Record{}, fmt.Errorf("column %s: %w", name, err)
		}
		v[i] = f
	}

	shape := Shape(field("shape"))
	if shape == "" {
		shape = Rectangle
	}
	return key, Record{
		Shape:  shape,
		Points: [2]geometry.Point{{X: v[0], Y: v[1]}, {X: v[2], Y: v[3]}},
		Label:  label,
	}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sortedKeys(m map[string][]Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

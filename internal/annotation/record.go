// Package annotation holds per-image bounding boxes, their undo log and the
// two on-disk formats: the annotations.csv row file and the project.json
// snapshot.
package annotation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ivlev/boxlabel/internal/geometry"
)

type Shape string

// Rectangle is the only shape drawn today.
const Rectangle Shape = "Rectangle"

// Record is one annotation. Points are image pixels, never canvas pixels,
// so a record stays valid across zoom and window resizes.
type Record struct {
	Shape  Shape
	Points [2]geometry.Point
	Label  string
	Color  string
}

// Rect returns the record's corners as a rectangle.
func (r Record) Rect() geometry.Rect {
	return geometry.Rect{Min: r.Points[0], Max: r.Points[1]}
}

type recordJSON struct {
	Shape  Shape         `json:"shape"`
	Points [2][2]float64 `json:"points"`
	Label  string        `json:"label"`
	Color  string        `json:"color"`
}

// MarshalJSON writes points as [[x1,y1],[x2,y2]].
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Shape: r.Shape,
		Points: [2][2]float64{
			{r.Points[0].X, r.Points[0].Y},
			{r.Points[1].X, r.Points[1].Y},
		},
		Label: r.Label,
		Color: r.Color,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		Shape  Shape       `json:"shape"`
		Points [][]float64 `json:"points"`
		Label  string      `json:"label"`
		Color  string      `json:"color"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Points) != 2 || len(raw.Points[0]) != 2 || len(raw.Points[1]) != 2 {
		return fmt.Errorf("annotation %q: want two [x, y] points, got %v", raw.Label, raw.Points)
	}
	if raw.Shape == "" {
		raw.Shape = Rectangle
	}
	*r = Record{
		Shape: raw.Shape,
		Points: [2]geometry.Point{
			{X: raw.Points[0][0], Y: raw.Points[0][1]},
			{X: raw.Points[1][0], Y: raw.Points[1][1]},
		},
		Label: raw.Label,
		Color: raw.Color,
	}
	return nil
}

// Palette is the set of label colors, handed out in order.
var Palette = []string{
	"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6",
	"#1abc9c", "#34495e", "#7f8c8d", "#d35400", "#c0392b",
	"#16a085", "#27ae60", "#2980b9", "#8e44ad", "#f1c40f",
}

// ColorMap assigns each label a color the first time it is seen. An
// assigned color is never changed.
type ColorMap struct {
	colors map[string]string
}

func NewColorMap() *ColorMap {
	return &ColorMap{colors: make(map[string]string)}
}

// Color returns the label's color. A new label gets the first palette
// entry no other label uses; once all are taken the palette repeats.
func (m *ColorMap) Color(label string) string {
	if c, ok := m.colors[label]; ok {
		return c
	}

	used := make(map[string]bool, len(m.colors))
	for _, c := range m.colors {
		used[strings.ToLower(c)] = true
	}
	c := Palette[len(m.colors)%len(Palette)]
	for _, p := range Palette {
		if !used[p] {
			c = p
			break
		}
	}
	m.colors[label] = c
	return c
}

// Set records a color loaded from disk unless the label already has one.
func (m *ColorMap) Set(label, color string) {
	if _, ok := m.colors[label]; ok || color == "" {
		return
	}
	m.colors[label] = color
}

func (m *ColorMap) Len() int { return len(m.colors) }

// Map returns a copy of the assignments.
func (m *ColorMap) Map() map[string]string {
	out := make(map[string]string, len(m.colors))
	for k, v := range m.colors {
		out[k] = v
	}
	return out
}

package records

import (
	"context"
	"time"
)

// Box is one labelled region reported by a detector, in pixel coordinates.
type Box struct {
	Label      string  `msgpack:"label" json:"label"`
	Confidence float64 `msgpack:"confidence" json:"confidence"`
	X1         float64 `msgpack:"x1" json:"x1"`
	Y1         float64 `msgpack:"y1" json:"y1"`
	X2         float64 `msgpack:"x2" json:"x2"`
	Y2         float64 `msgpack:"y2" json:"y2"`
}

// Width returns the horizontal extent of the box in pixels.
func (b Box) Width() float64 {
	if b.X2 < b.X1 {
		return b.X1 - b.X2
	}
	return b.X2 - b.X1
}

// Height returns the vertical extent of the box in pixels.
func (b Box) Height() float64 {
	if b.Y2 < b.Y1 {
		return b.Y1 - b.Y2
	}
	return b.Y2 - b.Y1
}

// Detection is the capture stage's output for one frame.
type Detection struct {
	Camera    string
	Frame     uint64
	Timestamp time.Time
	Width     int
	Height    int
	Boxes     []Box
}

// Artifact references a record file on local disk.
type Artifact struct {
	Camera        string    `json:"camera"`
	Path          string    `json:"path"`
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	Rows          int       `json:"rows"`
	IntervalStart time.Time `json:"interval_start"`
}

// Writer persists detections and reports the artifact that now holds them.
// Failures carry services.ErrProcessing.
type Writer interface {
	ProduceArtifact(ctx context.Context, det Detection) (Artifact, error)
}

package capture

import (
	"context"

	"camrelay/internal/records"
)

// Detector turns a frame into a detection. Failures carry
// services.ErrProcessing or services.ErrTimeout.
type Detector interface {
	Detect(ctx context.Context, frame Frame) (records.Detection, error)
}

// PassthroughDetector reports every frame with no boxes, which still yields one
// record row per frame.
type PassthroughDetector struct{}

func (PassthroughDetector) Detect(_ context.Context, frame Frame) (records.Detection, error) {
	return detectionFor(frame, nil), nil
}

func detectionFor(frame Frame, boxes []records.Box) records.Detection {
	return records.Detection{
		Camera:    frame.Camera,
		Frame:     frame.Seq,
		Timestamp: frame.Timestamp,
		Width:     frame.Width,
		Height:    frame.Height,
		Boxes:     boxes,
	}
}

package capture

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"time"

	"camrelay/internal/services"
)

const (
	defaultBoundary = "frame"
	maxFrameBytes   = 16 << 20
)

// Frame is one JPEG image taken from a camera stream.
type Frame struct {
	Camera    string
	Seq       uint64
	Timestamp time.Time
	Data      []byte
	Width     int
	Height    int
}

// FrameReader splits a multipart/x-mixed-replace body into JPEG parts.
type FrameReader struct {
	mr *multipart.Reader
}

// NewFrameReader reads parts from r using the boundary declared in
// contentType, falling back to "frame" when none is declared.
func NewFrameReader(r io.Reader, contentType string) *FrameReader {
	return &FrameReader{mr: multipart.NewReader(r, boundaryFrom(contentType))}
}

func boundaryFrom(contentType string) string {
	if contentType == "" {
		return defaultBoundary
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return defaultBoundary
	}
	b := strings.TrimPrefix(params["boundary"], "--")
	if b == "" {
		return defaultBoundary
	}
	return b
}

// Next returns the next JPEG payload. io.EOF marks the end of the stream.
func (fr *FrameReader) Next() ([]byte, error) {
	for {
		part, err := fr.mr.NextPart()
		if err != nil {
			return nil, err
		}
		if ct := part.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
			_ = part.Close()
			continue
		}
		data, err := io.ReadAll(io.LimitReader(part, maxFrameBytes+1))
		_ = part.Close()
		if err != nil {
			return nil, err
		}
		if len(data) > maxFrameBytes {
			return nil, services.Wrap(services.ErrValidation, "capture", "read frame", fmt.Sprintf("frame exceeds %d bytes", maxFrameBytes), nil)
		}
		if len(data) == 0 {
			continue
		}
		return data, nil
	}
}

// dimensions reads the JPEG header. Undecodable frames report zero size.
func dimensions(data []byte) (int, int) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

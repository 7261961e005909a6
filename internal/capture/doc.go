// Package capture turns camera MJPEG streams into frames and frames into
// detections.
//
// A Source holds one pooled stream per camera, samples frames with a rate
// limiter and hands them to the capture stage. Detection runs either in
// process (PassthroughDetector) or in a long-lived subprocess that speaks
// length-prefixed msgpack on stdin and stdout (ProcessDetector).
package capture

// Package records defines the detection and artifact types that flow between
// pipeline stages and the CSV writer that turns detections into record files.
package records

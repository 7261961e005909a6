// Package workflow assembles the relay pipeline.
//
// Frames enter the capture stage, whose detections flow to the writer stage,
// whose artifacts flow to the uploader stage. Each hop is a stage.Next handle
// carried by the queued item, so stages know nothing about each other and the
// wiring can be inspected through Pipeline.Handle.
//
// Register hands the stages, capture sources and collaborator cleanup to a
// lifecycle.Registry, which owns start order and the shutdown drain. The
// uploader stage also records every attempt in the ledger and alerts once a
// camera reaches the configured run of consecutive failures.
package workflow

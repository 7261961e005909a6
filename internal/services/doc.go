// Package services defines shared utilities consumed by the pipeline stages,
// the connection pool, and the external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp camera names, stage names, monitored servers,
//     and correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper so network, processing,
//     transfer, and shutdown failures can be classified with errors.Is.
//
// Use these helpers when wiring new components so failure classification and
// observability stay uniform across the relay.
package services

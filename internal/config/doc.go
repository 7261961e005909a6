// Package config loads, normalizes, and validates camrelay configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// CAMRELAY_NTFY_TOPIC and CAMRELAY_SFTP_PASSWORD. Durations are expressed as
// integer seconds unless the key ends in _ms.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, positive limits, and clear validation errors.
package config

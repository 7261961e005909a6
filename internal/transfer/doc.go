// Package transfer ships record artifacts to the remote endpoint over SFTP or
// HTTP PUT. Uploads are idempotent per file: re-uploading a grown artifact
// replaces the remote copy.
package transfer

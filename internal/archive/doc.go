// Package archive holds blob store implementations for raw page
// bodies. Each store persists a body under a key shaped like
// "<prefix>/<scanID>/<contentHash>.html" and returns the URI where it
// landed. Archiving is optional and best-effort; a scan succeeds even
// when its archiver does not.
package archive

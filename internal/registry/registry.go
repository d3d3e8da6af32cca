// Package registry is the persistence layer for the sync service: enrolled
// TLDs, registered domains, reserved names, the blocked-label set with its
// unblockable-domain exemptions, and the sync job rows that make pipeline
// runs resumable. Everything speaks pgx against PostgreSQL.
package registry

import "errors"

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
)

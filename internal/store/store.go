// Package store is the authoritative Postgres-backed persistence layer for
// proxies, sources, providers, and usage reports.
package store

import (
	"context"
	"errors"

	"github.com/EPguitars/proxycare/internal/model"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrProxyNotFound is returned when a report references a proxy id the
	// store has never seen. The session engine reports this back to the
	// client as success=false rather than treating it as a fatal error.
	ErrProxyNotFound = errors.New("store: proxy not found")
	ErrSourceNotFound = errors.New("store: source not found")
)

// Store is the narrow interface the rest of the broker depends on. The
// concrete Postgres implementation lives in postgres.go.
type Store interface {
	// FetchUnblocked returns up to limit proxies for sourceID that are not
	// currently cooling down, ordered by priority descending (highest
	// priority served first on refill), locking the selected rows so a
	// concurrent refill for the same source cannot double-claim them.
	// Must be called inside a transaction started by the same call so that
	// MarkTaken can commit atomically with the selection; callers use
	// WithTx for this.
	FetchUnblocked(ctx context.Context, tx Tx, sourceID int, limit int) ([]model.ProxyRecord, error)

	// MarkTaken marks the given proxy ids as claimed (cooling down) for
	// intervalSeconds, in the same transaction as the FetchUnblocked call
	// that selected them.
	MarkTaken(ctx context.Context, tx Tx, ids []int, intervalSeconds int) error

	// WithTx runs fn inside a single database transaction at
	// repeatable-read isolation, committing on success and rolling back on
	// error or panic.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// InsertReport persists a usage report. Returns ErrProxyNotFound if
	// proxyID does not exist; the insert still does not happen in that
	// case, but the error is not fatal to the caller.
	InsertReport(ctx context.Context, report model.UsageReport) (int64, error)

	// UnblockStale clears the cool-down marker on any proxy whose window
	// has already elapsed. This is the store-level half of returning a
	// proxy to circulation when the in-memory scheduler that normally owns
	// that job was never started for it (e.g. broker restart while a
	// proxy was mid cool-down). Invoked by the control plane's refresh
	// path, not by a standalone periodic job.
	UnblockStale(ctx context.Context) (int, error)

	// GetSource resolves a source by id.
	GetSource(ctx context.Context, id int) (model.Source, error)
	// ListSources returns every known source.
	ListSources(ctx context.Context) ([]model.Source, error)

	// AllProxies returns every proxy record, used to warm the cache on
	// startup and on full refresh.
	AllProxies(ctx context.Context) ([]model.ProxyRecord, error)
	// ProxiesBySource returns every proxy record for a single source, used
	// to warm a single source's cache entries.
	ProxiesBySource(ctx context.Context, sourceID int) ([]model.ProxyRecord, error)

	// InsertProxy inserts an ad-hoc proxy record (control plane
	// POST /proxies/pools/{source_id}/add).
	InsertProxy(ctx context.Context, rec model.ProxyRecord) (model.ProxyRecord, error)

	// ReportsForProxy returns every usage report recorded against proxyID.
	ReportsForProxy(ctx context.Context, proxyID int) ([]model.UsageReport, error)

	// IssueToken persists a newly minted bearer token. userID is nil for
	// tokens minted ad-hoc by a partner rather than tied to a login.
	IssueToken(ctx context.Context, token string, userID *int) error
}

// Tx is an opaque handle to an in-flight transaction, passed back into
// Store methods that must run inside the transaction that selected their
// rows. Implementations type-assert it to their own concrete type.
type Tx interface{}

package indexer

import "errors"

var (
	// ErrSiteLocked indicates another run currently holds the site's
	// indexing lock.
	ErrSiteLocked = errors.New("site is locked by another indexing run")

	// ErrQuotaExhausted indicates no daily submission quota remains.
	ErrQuotaExhausted = errors.New("daily submission quota exhausted")

	// ErrNoChannels indicates the site has neither Google nor Bing
	// submission enabled.
	ErrNoChannels = errors.New("no submission channels enabled for site")
)

// Package pagesource provides whole-page-granularity memory to consumers such
// as the heap package. A Source hands out page-aligned regions spanning one or
// more contiguous pages and reclaims them later. Implementations are not
// required to be thread-safe; consumers are expected to serialize access.
package pagesource

// DefaultPageSize is the page size used by Slab sources when no explicit size
// is requested.
const DefaultPageSize = 4096

// Source supplies and reclaims page-granularity memory.
type Source interface {
	// PageSize returns the fixed size in bytes of a single page. The value is
	// a power of two and never changes for the lifetime of the Source.
	PageSize() int
	// GetPages returns a page-aligned region spanning pageCount contiguous
	// pages, or nil if the source cannot supply them. The returned slice has
	// length and capacity pageCount*PageSize().
	GetPages(pageCount int) []byte
	// FreePages returns a region previously obtained from GetPages. The region
	// must be the same slice that GetPages returned and pageCount must match
	// the original request.
	FreePages(region []byte, pageCount int)
}

package heap

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/memharbor/pagebuddy/pagesource"
)

// countingSource wraps a Slab and records traffic across the page-source
// boundary. Setting deny makes every GetPages call fail without touching the
// underlying slab.
type countingSource struct {
	slab *pagesource.Slab

	deny       bool
	getCalls   int
	freeCalls  int
	pagesGiven int
	pagesFreed int
}

var _ pagesource.Source = &countingSource{}

func (s *countingSource) PageSize() int {
	return s.slab.PageSize()
}

func (s *countingSource) GetPages(pageCount int) []byte {
	s.getCalls++
	if s.deny {
		return nil
	}

	region := s.slab.GetPages(pageCount)
	if region != nil {
		s.pagesGiven += pageCount
	}
	return region
}

func (s *countingSource) FreePages(region []byte, pageCount int) {
	s.freeCalls++
	s.pagesFreed += pageCount
	s.slab.FreePages(region, pageCount)
}

func newTestHeap(t *testing.T, pageCount int) (*Heap, *countingSource) {
	slab, err := pagesource.NewSlab(pagesource.DefaultPageSize, pageCount)
	require.NoError(t, err)

	source := &countingSource{slab: slab}
	logger := slog.New(slog.NewTextHandler(io.Discard))

	h, err := New(logger, source, CreateOptions{})
	require.NoError(t, err)
	return h, source
}

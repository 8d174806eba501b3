package heap

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/memharbor/pagebuddy/pagesource"
)

func TestSizeClassLadder(t *testing.T) {
	classes := buildSizeClasses(16, 4096)
	require.Len(t, classes, 8)

	expected := []int{16, 32, 64, 128, 256, 512, 1024, 2048}
	for i, c := range classes {
		require.Equal(t, expected[i], c.blockSize)
	}
}

func TestClassify(t *testing.T) {
	h, _ := newTestHeap(t, 1)

	cases := []struct {
		size  int
		class int
	}{
		{1, 16}, {15, 16}, {16, 16},
		{17, 32}, {32, 32},
		{33, 64},
		{1024, 1024}, {1025, 2048}, {2048, 2048},
	}
	for _, c := range cases {
		index, ok := h.classify(c.size)
		require.True(t, ok, "size %d should have a class", c.size)
		require.Equal(t, c.class, h.classes[index].blockSize, "size %d", c.size)
	}

	_, ok := h.classify(2049)
	require.False(t, ok, "sizes above half a page have no class")
}

func TestCreateOptionsMinBlockSize(t *testing.T) {
	slab, err := pagesource.NewSlab(4096, 4)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard))

	h, err := New(logger, slab, CreateOptions{MinBlockSize: 64})
	require.NoError(t, err)
	require.Len(t, h.classes, 6)
	require.Equal(t, 64, h.HeaderSize())

	p := h.Alloc(10)
	require.NotNil(t, p)
	require.Equal(t, 64, cap(p))
	require.NoError(t, h.Validate())
	h.Free(p)
	require.Zero(t, slab.PagesInUse())
}

func TestCreateRejectsBadOptions(t *testing.T) {
	slab, err := pagesource.NewSlab(4096, 4)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard))

	_, err = New(logger, nil, CreateOptions{})
	require.Error(t, err)

	_, err = New(logger, slab, CreateOptions{MinBlockSize: 24})
	require.Error(t, err, "a non-power-of-two minimum should be rejected")

	_, err = New(logger, slab, CreateOptions{MinBlockSize: 4})
	require.Error(t, err, "a minimum too small for the header should be rejected")

	_, err = New(logger, slab, CreateOptions{MinBlockSize: 4096})
	require.Error(t, err, "a minimum above half the page size should be rejected")
}

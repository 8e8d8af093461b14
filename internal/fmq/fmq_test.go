package fmq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsereader/internal/monitoring"
	"github.com/banshee-data/pulsereader/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTestQueue(t *testing.T, numSlots int) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "pulses.fmq"), numSlots)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func write(t *testing.T, q *Queue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := q.Write(context.Background(), []byte(fmt.Sprintf("msg-%d", i+1)))
		require.NoError(t, err)
	}
}

func TestWriteAndReadInOrder(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, 8)
	r := NewReader(q, StartAtBeginning)

	_, err := r.Next(ctx)
	require.ErrorIs(t, err, ErrNoMessage)

	write(t, q, 3)
	for i := 1; i <= 3; i++ {
		m, err := r.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(i), m.ID)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), string(m.Data))
		assert.False(t, m.Written.IsZero())
	}
	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestStartAtEnd(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, 8)
	write(t, q, 4)

	r := NewReader(q, StartAtEnd)
	_, err := r.Next(ctx)
	require.ErrorIs(t, err, ErrNoMessage)

	write(t, q, 1)
	m, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.ID)
}

func TestSeekToEnd(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, 8)
	write(t, q, 2)

	r := NewReader(q, StartAtBeginning)
	m, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.ID)

	write(t, q, 3)
	require.NoError(t, r.SeekToEnd(ctx))
	assert.Equal(t, int64(6), r.NextID())
	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestReaderOverrun(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, 4)
	r := NewReader(q, StartAtBeginning)
	require.NoError(t, r.SeekToBeginning(ctx))

	write(t, q, 10) // ids 7..10 survive
	m, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), m.ID)
	assert.Equal(t, int64(1), r.Overruns())

	oldest, err := q.Oldest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), oldest)
}

func TestReopenKeepsSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.fmq")
	q, err := Open(path, 16)
	require.NoError(t, err)
	write(t, q, 2)
	require.NoError(t, q.Close())

	q, err = Open(path, 99)
	require.NoError(t, err)
	defer q.Close()
	assert.Equal(t, int64(16), q.NumSlots())

	latest, err := q.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
}

func TestClosed(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "q.fmq"), 4)
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err = q.Write(context.Background(), []byte("x"))
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = NewReader(q, StartAtBeginning).Next(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestAdminStatusRoute(t *testing.T) {
	q := openTestQueue(t, 4)
	write(t, q, 6)

	mux := http.NewServeMux()
	require.NoError(t, q.AttachAdminRoutes(mux))

	rec := testutil.ServeDebug(mux, http.MethodGet, "/debug/fmq")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var st Status
	testutil.DecodeJSON(t, rec, &st)
	assert.Equal(t, Status{Path: q.Path(), NumSlots: 4, Oldest: 3, Latest: 6}, st)
}

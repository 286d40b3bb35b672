package blob

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voxrelay/store"
)

func newTestBlobStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.New(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bs, err := NewStore(t.TempDir(), st, zap.NewNop())
	require.NoError(t, err)
	return bs
}

func TestPutThenOpenRoundTrips(t *testing.T) {
	bs := newTestBlobStore(t)
	ctx := context.Background()

	meta, err := bs.Put(ctx, PutInput{
		Kind:         "attachment",
		OriginalName: "notes.txt",
		ContentType:  "text/plain",
		Reader:       strings.NewReader("hello world"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, meta.ID)
	require.EqualValues(t, 11, meta.SizeBytes)

	result, err := bs.Open(ctx, meta.ID)
	require.NoError(t, err)
	defer result.File.Close()

	data, err := io.ReadAll(result.File)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestOpenUnknownIDFails(t *testing.T) {
	bs := newTestBlobStore(t)
	_, err := bs.Open(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestPutRequiresOriginalName(t *testing.T) {
	bs := newTestBlobStore(t)
	_, err := bs.Put(context.Background(), PutInput{Reader: strings.NewReader("x")})
	require.Error(t, err)
}

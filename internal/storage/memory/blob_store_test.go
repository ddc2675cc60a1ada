package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "fl-lee/run/abc.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://fl-lee/run/abc.html", uri)

	payload[0] = 'C'
	stored, ok := store.Object("fl-lee/run/abc.html")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, 1, store.Len())

	_, err = store.PutObject(context.Background(), "", "text/html", bytes.NewReader(payload))
	require.Error(t, err)
}

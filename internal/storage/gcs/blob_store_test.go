package gcs

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

func TestNewRequiresClientAndBucket(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "raw"})
	assert.True(t, parcel.IsCode(err, parcel.CodeConfigMissing))

	_, err = Connect(context.Background(), Config{Bucket: "  "})
	assert.True(t, parcel.IsCode(err, parcel.CodeConfigMissing))
}

func TestObjectURI(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "gs://raw/fl-lee/ab/cd.html", ObjectURI("raw", "fl-lee/ab/cd.html"))
	assert.Equal(t, "gs://raw/x.html", ObjectURI("raw", "/x.html"))
}

func TestAlreadyExists(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("close: %w", &googleapi.Error{Code: http.StatusPreconditionFailed})
	require.True(t, alreadyExists(wrapped))
	assert.False(t, alreadyExists(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, alreadyExists(nil))
}

package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

type ingested struct {
	ParcelID string `json:"parcel_id"`
}

func (ingested) EventType() string { return "parcel.ingested" }

func newTestPublisher(t *testing.T) (*Publisher, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "parcel-test", option.WithGRPCConn(conn))
	require.NoError(t, err)

	pub, err := New(client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })
	return pub, srv
}

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub, srv := newTestPublisher(t)
	require.NoError(t, pub.EnsureTopic(ctx, "parcels"))
	require.NoError(t, pub.EnsureTopic(ctx, "parcels"))

	id, err := pub.Publish(ctx, "parcels", ingested{ParcelID: "p-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got ingested
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "p-1", got.ParcelID)
	assert.Equal(t, "parcel.ingested", msgs[0].Attributes["event_type"])
	assert.Equal(t, "application/json", msgs[0].Attributes["content_type"])
}

func TestPublishRequiresTopic(t *testing.T) {
	t.Parallel()

	pub, _ := newTestPublisher(t)
	_, err := pub.Publish(context.Background(), "", ingested{})
	assert.True(t, parcel.IsCode(err, parcel.CodeConfigMissing))
}

func TestPublishUnmarshalablePayload(t *testing.T) {
	t.Parallel()

	pub, _ := newTestPublisher(t)
	_, err := pub.Publish(context.Background(), "parcels", func() {})
	assert.Error(t, err)
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.Error(t, err)
}

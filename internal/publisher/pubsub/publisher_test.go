package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestPublisher(t *testing.T, topics ...string) (*Publisher, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	for _, name := range topics {
		_, err := client.CreateTopic(ctx, name)
		require.NoError(t, err)
	}

	pub := NewWithClient(client, "runs")
	t.Cleanup(func() { _ = pub.Close() })
	return pub, srv
}

func TestPublisherPublishesJSON(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t, "runs", "failures")

	id, err := pub.Publish(context.Background(), "", map[string]any{"run_identity": "natgeo", "succeeded": 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = pub.Publish(context.Background(), "failures", map[string]string{"key": "single-post:x"})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 2)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	require.Equal(t, "natgeo", decoded["run_identity"])
	require.EqualValues(t, 3, decoded["succeeded"])
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	pub, _ := newTestPublisher(t, "runs")
	_, err := pub.Publish(context.Background(), "runs", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}

func TestPublisherRequiresConfiguration(t *testing.T) {
	t.Parallel()

	var nilPub *Publisher
	_, err := nilPub.Publish(context.Background(), "runs", "x")
	require.Error(t, err)
	require.NoError(t, nilPub.Close())

	_, err = New(context.Background(), "", "runs")
	require.Error(t, err)
}

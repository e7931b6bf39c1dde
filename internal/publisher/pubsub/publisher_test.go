package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const project = "project-id"

func newTestClient(t *testing.T, topics ...string) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, project, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	for _, topic := range topics {
		_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{
			Name: "projects/" + project + "/topics/" + topic,
		})
		require.NoError(t, err)
	}
	return client, srv
}

func TestPublisherRoutesTopics(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t, "listings-prices", "listings-events")
	pub := New(client, Config{
		DefaultTopic: "listings-events",
		Topics:       map[string]string{"price_changed": "listings-prices"},
	})
	defer pub.Stop()

	ctx := context.Background()
	id, err := pub.Publish(ctx, "price_changed", map[string]any{"listing_id": "sku-1", "new_price": 12.5})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = pub.Publish(ctx, "job_completed", map[string]string{"job_id": "job-1"})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	byEvent := map[string]*pstest.Message{}
	for _, m := range msgs {
		byEvent[m.Attributes[EventAttribute]] = m
	}
	require.Contains(t, byEvent, "price_changed")
	var payload map[string]any
	require.NoError(t, json.Unmarshal(byEvent["price_changed"].Data, &payload))
	assert.Equal(t, "sku-1", payload["listing_id"])
	assert.Contains(t, byEvent, "job_completed")
}

func TestPublisherSkipsUnmappedTopic(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	pub := New(client, Config{})
	defer pub.Stop()

	id, err := pub.Publish(context.Background(), "health", "ok")
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, srv.Messages())
}

func TestPublisherRejectsUnmarshalable(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "t")
	pub := New(client, Config{DefaultTopic: "t"})
	defer pub.Stop()

	_, err := pub.Publish(context.Background(), "x", make(chan int))
	require.Error(t, err)

	_, err = New(nil, Config{}).Publish(context.Background(), "x", "y")
	require.Error(t, err)
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	carrier := &pubsubCarrier{attrs: map[string]string{}}
	var _ propagation.TextMapCarrier = carrier
	carrier.Set("traceparent", "00-abc-def-01")
	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, carrier.Keys())
}

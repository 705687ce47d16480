package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/events"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishEventWithAttributes(t *testing.T) {
	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "crawl-events")
	require.NoError(t, err)

	pub, err := New(client)
	require.NoError(t, err)
	defer pub.Stop()

	evt := events.Event{
		Type:       events.TypeJobStatus,
		JobID:      "job-1",
		SourceID:   "src-1",
		CustomerID: "acme",
		Status:     crawler.JobStatusCompleted,
		TS:         time.Unix(1700000000, 0).UTC(),
	}
	id, err := pub.Publish(ctx, "crawl-events", evt)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "job.status", msgs[0].Attributes["type"])
	assert.Equal(t, "acme", msgs[0].Attributes["customer_id"])

	var decoded events.Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	assert.Equal(t, "job-1", decoded.JobID)
	assert.Equal(t, crawler.JobStatusCompleted, decoded.Status)
}

func TestPublishUnknownTopicFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _ := newTestClient(t)

	pub, err := New(client)
	require.NoError(t, err)
	defer pub.Stop()

	_, err = pub.Publish(ctx, "missing", map[string]string{"k": "v"})
	require.Error(t, err)

	_, err = pub.Publish(ctx, "", "payload")
	require.ErrorContains(t, err, "topic")
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}

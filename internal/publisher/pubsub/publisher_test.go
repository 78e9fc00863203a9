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

func newFakeTopic(t *testing.T) (*pubsub.Topic, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "scrape-events")
	require.NoError(t, err)
	return topic, srv
}

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()

	topic, srv := newFakeTopic(t)
	pub := New(topic)
	t.Cleanup(pub.Stop)

	id, err := pub.Publish(context.Background(), "task.completed", map[string]string{"task_id": "abc"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	require.Equal(t, "abc", decoded["task_id"])
	require.Equal(t, "task.completed", msgs[0].Attributes["event"])
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "x", "payload")
	require.Error(t, err)
}

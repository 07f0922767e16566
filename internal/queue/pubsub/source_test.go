package pubsub

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/rankgrid/internal/intake"
	"github.com/JakeFAU/rankgrid/internal/rank"
)

func TestEnqueueAndReceive(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "batches")
	require.NoError(t, err)
	defer topic.Stop()
	sub, err := client.CreateSubscription(ctx, "batches-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	enq := NewEnqueuer(topic)
	require.NoError(t, enq.Enqueue(ctx, intake.Request{
		BatchID:               "batch-7",
		IDs:                   []rank.ItemID{"1", "2"},
		PerItemTimeoutSeconds: 30,
	}))

	source, err := NewSource(sub, 4, nil)
	require.NoError(t, err)

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got := make(chan intake.Request, 1)
	go func() {
		err := source.Receive(recvCtx, func(_ context.Context, d intake.Delivery) {
			d.Ack()
			select {
			case got <- d.Request:
			default:
			}
			cancel()
		})
		assert.NoError(t, err)
	}()

	select {
	case req := <-got:
		assert.Equal(t, "batch-7", req.BatchID)
		assert.Equal(t, []rank.ItemID{"1", "2"}, req.IDs)
		assert.Equal(t, 30*time.Second, req.PerItemTimeout())
		assert.False(t, req.EnqueuedAt.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("request was not received")
	}
}

func TestNewSourceRequiresSubscription(t *testing.T) {
	_, err := NewSource(nil, 0, nil)
	require.Error(t, err)
}

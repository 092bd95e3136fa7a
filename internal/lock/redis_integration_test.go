//go:build integration

package lock_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/notifyhub/posting-queue/internal/domain"
	"github.com/notifyhub/posting-queue/internal/lock"
)

func TestRedis_Lease(t *testing.T) {
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := lock.Connect(ctx, fmt.Sprintf("redis://%s:%s/0", host, port.Port()), 5, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	a := lock.NewRedis(client, time.Second)
	b := lock.NewRedis(client, time.Second)

	unlock, err := a.Lock(ctx, domain.ChannelLinkedIn)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = b.Lock(short, domain.ChannelLinkedIn)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock())

	unlockB, err := b.Lock(ctx, domain.ChannelLinkedIn)
	require.NoError(t, err)

	// The first holder's stale release must not drop the new lease.
	assert.ErrorIs(t, unlock(), lock.ErrNotHeld)
	require.NoError(t, unlockB())

	_, err = a.Lock(ctx, domain.ChannelLinkedIn)
	require.NoError(t, err)
	time.Sleep(1200 * time.Millisecond)
	unlockB, err = b.Lock(ctx, domain.ChannelLinkedIn)
	require.NoError(t, err, "expired lease must be reclaimable")
	require.NoError(t, unlockB())
}

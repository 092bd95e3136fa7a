package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/notifyhub/posting-queue/internal/dispatch"
	"github.com/notifyhub/posting-queue/internal/domain"
	"github.com/notifyhub/posting-queue/internal/metrics"
)

func TestMetrics_Hooks(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	h := m.DispatchHooks()
	h.OnOutcome(domain.ChannelTelegram, dispatch.KindPosted)
	h.OnOutcome(domain.ChannelTelegram, dispatch.KindPosted)
	h.OnPublish(domain.ChannelTelegram, 20*time.Millisecond, errors.New("503"))
	m.OnEnqueue(domain.ChannelTwitter, "DUPLICATE")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DispatchTotal.WithLabelValues("telegram", "posted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors.WithLabelValues("telegram")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnqueueTotal.WithLabelValues("twitter", "DUPLICATE")))
}

func TestMetrics_OnHealth(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.OnHealth(domain.HealthReport{
		Counts:          map[domain.Status]int{domain.StatusPending: 4},
		Stuck:           []*domain.QueueItem{{ID: "a"}},
		ChannelsAtLimit: []domain.Channel{domain.ChannelLinkedIn},
	})

	assert.Equal(t, 4.0, testutil.ToFloat64(m.ItemsByStatus.WithLabelValues("pending")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ItemsByStatus.WithLabelValues("posted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StuckItems))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChannelsAtCap))
}

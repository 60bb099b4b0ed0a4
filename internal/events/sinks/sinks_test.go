package sinks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ljluestc/awesome-apply/internal/apply"
	"github.com/ljluestc/awesome-apply/internal/events"
	pubmemory "github.com/ljluestc/awesome-apply/internal/publisher/memory"
)

func sampleBatch() []events.Event {
	now := time.Now().UTC()
	return []events.Event{
		{Kind: events.KindPostingMerged, TS: now, Fingerprint: "fp-1"},
		{
			Kind: events.KindAttemptDone, TS: now, Fingerprint: "fp-1",
			Domain: "example.com", StrategyID: "s1",
			Outcome: apply.OutcomeSubmitted, Dur: 12 * time.Second,
		},
		{
			Kind: events.KindTicketTerminal, TS: now, Fingerprint: "fp-1",
			TicketState: apply.TicketSucceeded,
		},
	}
}

func TestPublisherSinkPublishesEachEvent(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	sink, err := NewPublisherSink(pub, "apply-events", nil)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))
	require.NoError(t, sink.Close(context.Background()))

	msgs := pub.MessagesFor("apply-events")
	require.Len(t, msgs, 3)
	require.Empty(t, pub.MessagesFor("other-topic"))
	evt, ok := msgs[1].Payload.(events.Event)
	require.True(t, ok)
	require.Equal(t, events.KindAttemptDone, evt.Kind)
}

func TestPublisherSinkRequiresPublisherAndTopic(t *testing.T) {
	t.Parallel()

	_, err := NewPublisherSink(nil, "topic", nil)
	require.Error(t, err)

	_, err = NewPublisherSink(pubmemory.New(), "", nil)
	require.Error(t, err)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", fmt.Errorf("broker unavailable")
}

func TestPublisherSinkSurfacesPublishError(t *testing.T) {
	t.Parallel()

	sink, err := NewPublisherSink(failingPublisher{}, "apply-events", nil)
	require.NoError(t, err)

	err = sink.Consume(context.Background(), sampleBatch())
	require.ErrorContains(t, err, "broker unavailable")
}

func TestPrometheusSinkCountsByKind(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))

	require.InDelta(t, 1, testutil.ToFloat64(sink.postingsMerged), 1e-9)
	require.InDelta(t, 1, testutil.ToFloat64(
		sink.attemptsTotal.WithLabelValues("example.com", string(apply.OutcomeSubmitted)),
	), 1e-9)
	require.InDelta(t, 1, testutil.ToFloat64(
		sink.ticketsFinished.WithLabelValues(string(apply.TicketSucceeded)),
	), 1e-9)
}

func TestPrometheusSinkRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkConsumesQuietly(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(nil)
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))
	require.NoError(t, sink.Close(context.Background()))
}

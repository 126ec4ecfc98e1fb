package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/creditline/creditline-backend/internal/metrics"
	"github.com/creditline/creditline-backend/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() domain.LedgerEvent {
	return domain.NewLedgerEvent(domain.EventPaymentRecorded, "loan-1", map[string]string{"paymentId": "p-1"},
		time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestFanoutPublisher_DeliversToAllSinks(t *testing.T) {
	a := testutil.NewRecordingPublisher()
	b := testutil.NewRecordingPublisher()
	p := NewFanoutPublisher(nil, zerolog.Nop(), Sink{Name: "a", Publisher: a}, Sink{Name: "b", Publisher: b})

	require.NoError(t, p.Publish(context.Background(), testEvent()))
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestFanoutPublisher_FailingSinkDoesNotBlockOthers(t *testing.T) {
	m := metrics.New()
	failing := testutil.NewRecordingPublisher()
	failing.Err = errors.New("broker down")
	healthy := testutil.NewRecordingPublisher()
	p := NewFanoutPublisher(m, zerolog.Nop(),
		Sink{Name: "kafka", Publisher: failing},
		Sink{Name: "websocket", Publisher: healthy},
	)

	err := p.Publish(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka: broker down")
	assert.Len(t, healthy.Events(), 1)

	expected := `
# HELP creditline_events_publish_failures_total Ledger events that could not be delivered to a sink.
# TYPE creditline_events_publish_failures_total counter
creditline_events_publish_failures_total{sink="kafka"} 1
`
	assert.NoError(t, promtest.GatherAndCompare(m.Registry(), strings.NewReader(expected), "creditline_events_publish_failures_total"))
}

func TestFanoutPublisher_SkipsNilSinks(t *testing.T) {
	p := NewFanoutPublisher(nil, zerolog.Nop(),
		Sink{Name: "kafka"},
		Sink{Name: "noop", Publisher: NoopPublisher{}},
	)
	assert.Equal(t, []string{"noop"}, p.Sinks())
	assert.NoError(t, p.Publish(context.Background(), testEvent()))
}

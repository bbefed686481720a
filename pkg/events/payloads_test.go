package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cresconet/loadctl/pkg/models"
)

func TestNewStageEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	t.Run("defaults the description from the milestone", func(t *testing.T) {
		e := NewStageEvent(EventInput{
			CorrelationID: "c-1",
			Milestone:     models.StageQueued,
			At:            at,
		})
		assert.Equal(t, "Request moved to stage QUEUED", e.EventDescription)
		assert.Equal(t, EventTypeLoadControl, e.EventType)
		assert.Equal(t, "2026-03-01T10:30:00Z", e.EventDatetime)
	})

	t.Run("keeps an explicit description", func(t *testing.T) {
		e := NewStageEvent(EventInput{
			CorrelationID: "c-1",
			Milestone:     models.StageDeclined,
			Description:   "Request is the duplicate of an existing request",
			At:            at,
		})
		assert.Equal(t, "Request is the duplicate of an existing request", e.EventDescription)
	})

	t.Run("absent fields are omitted from the wire payload", func(t *testing.T) {
		e := NewStageEvent(EventInput{
			CorrelationID: "c-1",
			Milestone:     models.StageQueued,
			At:            at,
		})
		raw, err := json.Marshal(e)
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		assert.NotContains(t, m, "site")
		assert.NotContains(t, m, "meterSerialNumber")
		assert.NotContains(t, m, "subscriptionId")
		assert.Contains(t, m, "correlationId")
		assert.Contains(t, m, "eventDatetime")
	})

	t.Run("present fields use camelCase keys", func(t *testing.T) {
		e := NewStageEvent(EventInput{
			CorrelationID:  "c-1",
			SubscriptionID: "sub-1",
			Site:           "NMI0001",
			MeterSerial:    "LG000001/E3",
			Milestone:      models.StagePolicyDeployed,
			At:             at,
		})
		raw, err := json.Marshal(e)
		require.NoError(t, err)

		var m map[string]string
		require.NoError(t, json.Unmarshal(raw, &m))
		assert.Equal(t, "sub-1", m["subscriptionId"])
		assert.Equal(t, "NMI0001", m["site"])
		assert.Equal(t, "LG000001/E3", m["meterSerialNumber"])
		assert.Equal(t, "POLICY_DEPLOYED", m["milestone"])
	})
}

func TestTruncateIfNeeded(t *testing.T) {
	t.Run("small payloads pass through", func(t *testing.T) {
		out, err := truncateIfNeeded(`{"correlationId":"c-1","milestone":"QUEUED"}`)
		require.NoError(t, err)
		assert.JSONEq(t, `{"correlationId":"c-1","milestone":"QUEUED"}`, out)
	})

	t.Run("oversized payloads collapse to routing fields", func(t *testing.T) {
		big := make([]byte, 9000)
		for i := range big {
			big[i] = 'x'
		}
		payload := `{"correlationId":"c-1","milestone":"QUEUED","eventDescription":"` + string(big) + `"}`
		out, err := truncateIfNeeded(payload)
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &m))
		assert.Equal(t, "c-1", m["correlationId"])
		assert.Equal(t, true, m["truncated"])
		assert.Less(t, len(out), 8000)
	})
}

package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cresconet/loadctl/pkg/config"
	"github.com/cresconet/loadctl/pkg/dispatch"
	"github.com/cresconet/loadctl/pkg/events"
	"github.com/cresconet/loadctl/pkg/models"
	"github.com/cresconet/loadctl/pkg/services"
	"github.com/cresconet/loadctl/pkg/tracker"
	"github.com/cresconet/loadctl/pkg/workflow"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type stubCancelSubmitter struct {
	payloads []workflow.CancelPayload
}

func (s *stubCancelSubmitter) SubmitCancel(_ context.Context, p workflow.CancelPayload) (string, error) {
	s.payloads = append(s.payloads, p)
	return p.CorrelationID + "-20300301000000", nil
}

type apiFixture struct {
	router    *gin.Engine
	tracker   *tracker.MemoryStore
	queue     *dispatch.MemorySource
	registry  *services.MemorySubscriptionRegistry
	recorder  *events.Recorder
	submitter *stubCancelSubmitter
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		tracker:   tracker.NewMemoryStore(),
		queue:     dispatch.NewMemorySource(),
		registry:  services.NewMemorySubscriptionRegistry(),
		recorder:  events.NewRecorder(),
		submitter: &stubCancelSubmitter{},
	}
	f.registry.Put(services.Subscription{
		ID:         "sub-1",
		Subscriber: "retailer-a",
		Service:    models.LoadControlService,
		Active:     true,
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultOverrideConfig()
	server := NewServer(
		services.NewOverrideService(f.tracker, f.registry, f.queue, f.recorder, cfg, logger),
		services.NewCancelService(f.tracker, f.registry, f.submitter, logger),
		services.NewStatusService(f.tracker),
		services.NewHeadEndService(f.tracker, f.recorder, logger),
		nil, logger)
	f.router = server.Router()
	return f
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestSubmitOverrideAccepted(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/v1/subscriptions/sub-1/override", `{
		"site": "NMI0000001",
		"switch_addresses": ["LG000001/E3"],
		"status": "ON",
		"start_datetime": "2030-03-01T10:00:00+00:00",
		"end_datetime": "2030-03-01T11:00:00+00:00"
	}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "DLC request accepted", body["message"])
	assert.NotEmpty(t, body["correlation_id"])
	assert.Equal(t, 1, f.queue.Pending())
}

func TestSubmitOverrideAcceptsStringSwitchAddress(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/v1/subscriptions/sub-1/override", `{
		"site": "NMI0000001",
		"switch_addresses": "LG000001/E3",
		"status": "OFF"
	}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestSubmitOverrideValidationFailure(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/v1/subscriptions/sub-1/override", `{}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Nil(t, body["correlation_id"], "no correlation id before validation passes")
	assert.Equal(t, "Invalid request: found 1 error(s)", body["message"])
	assert.Equal(t, []any{"Request is empty"}, body["errorDetails"])
	assert.Zero(t, f.queue.Pending())
}

func TestSubmitOverrideUnknownSubscription(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/v1/subscriptions/sub-unknown/override", `{
		"site": "NMI0000001",
		"switch_addresses": ["LG000001/E3"],
		"status": "ON"
	}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Invalid request: found 1 subscription error(s)", body["message"])
	assert.NotEmpty(t, body["correlation_id"], "declined requests keep their id")
}

func TestCancelOverrideAccepted(t *testing.T) {
	f := newAPIFixture(t)
	seedCancellable(t, f, "c-1")

	w := f.do(http.MethodDelete,
		"/api/v1/subscriptions/sub-1/override?correlation_id=c-1&subscriber=retailer-a", "")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "DLC cancel request in progress", body["message"])
	assert.Equal(t, "c-1", body["correlation_id"])
	require.Len(t, f.submitter.payloads, 1)
	assert.Equal(t, "c-1", f.submitter.payloads[0].CorrelationID)
}

func TestCancelOverrideUnknownCorrelationID(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodDelete,
		"/api/v1/subscriptions/sub-1/override?correlation_id=c-missing&subscriber=retailer-a", "")

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Correlation id c-missing not found", body["message"])
	assert.Equal(t, "c-missing", body["correlation_id"])
}

func TestCancelOverrideMissingParams(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodDelete, "/api/v1/subscriptions/sub-1/override", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestStatus(t *testing.T) {
	f := newAPIFixture(t)
	seedCancellable(t, f, "c-1")

	w := f.do(http.MethodGet, "/api/v1/requests/c-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Request status query accepted", body["message"])
	assert.Equal(t, "QUEUED", body["status"])
	assert.Equal(t, "c-1", body["correlation_id"])
}

func TestRequestStatusNotFound(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/api/v1/requests/c-missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Correlation id not found", body["message"])
	assert.Equal(t, "c-missing", body["correlation_id"])
}

func TestRequestJournal(t *testing.T) {
	f := newAPIFixture(t)
	seedCancellable(t, f, "c-1")

	w := f.do(http.MethodGet, "/api/v1/requests/c-1/journal", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	stages, ok := body["stages"].([]any)
	require.True(t, ok)
	assert.Len(t, stages, 2)
}

func TestHeadEndCallback(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)
	seedCancellable(t, f, "c-1")

	policyID := int64(42)
	headEnd := models.HeadEndPolicyNet
	_, err := f.tracker.AppendStage(ctx, "c-1", tracker.StageUpdate{
		Stage:    models.StagePolicyDeployed,
		PolicyID: &policyID,
		HeadEnd:  &headEnd,
	})
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/internal/v1/headend/PolicyNet/policies/42/started",
		`{"event_datetime": "2030-03-01T10:00:00+00:00"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	header, err := f.tracker.GetHeader(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageOverrideStarted, header.CurrentStage)

	w = f.do(http.MethodPost, "/internal/v1/headend/PolicyNet/policies/99/started", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthWithoutDatabase(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
}

// seedCancellable creates a QUEUED request with a future window.
func seedCancellable(t *testing.T, f *apiFixture, correlationID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.tracker.CreateHeader(ctx, &tracker.Header{
		CorrelationID:  correlationID,
		SubscriptionID: "sub-1",
		Site:           "NMI0000001",
		MeterSerial:    "LG000001/E3",
		OverrideValue:  models.StatusOn,
	}))
	start := time.Date(2030, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	_, err := f.tracker.AppendStage(ctx, correlationID, tracker.StageUpdate{
		Stage:        models.StageQueued,
		RequestStart: &start,
		RequestEnd:   &end,
	})
	require.NoError(t, err)
}

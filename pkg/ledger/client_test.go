package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arnvptl/BlueLock/internal/models"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testResult() *models.AnalysisResult {
	return &models.AnalysisResult{
		ID:           "a-1",
		AverageIndex: 0.55,
		Vegetation:   models.VegetationStats{Coverage: 0.4, Density: 0.6},
		CO2:          models.CO2Estimate{CO2Tons: 1.25, EffectiveAreaSqm: 480},
		QualityScore: 0.9,
		ProcessedAt:  time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Metadata: models.FlightMetadata{
			Latitude:    models.Float(12.5),
			Longitude:   models.Float(80.1),
			Altitude:    models.Float(100),
			Timestamp:   time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
			DroneID:     "DRONE_7",
			CameraModel: "DJI",
			ProjectID:   "PRJ-1",
		},
	}
}

func newTestClient(url string, retries int) *Client {
	return NewClient(Options{
		BaseURL:    url,
		APIKey:     "secret",
		MaxRetries: retries,
		RetryDelay: time.Millisecond,
		Timeout:    time.Second,
	}, quietLogger())
}

// TestSubmitMRVRetriesThenSucceeds verifies 5xx responses are retried and
// the auth header and payload reach the ledger.
func TestSubmitMRVRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mrv/upload" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		var payload MRVPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		if payload.ProjectID != "PRJ-1" {
			t.Errorf("expected project PRJ-1, got %s", payload.ProjectID)
		}
		if payload.QualityControl.QualityScore != 0.9 {
			t.Errorf("expected quality score 0.9, got %v", payload.QualityControl.QualityScore)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"id":"mrv-42"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	resp, err := c.SubmitMRV(context.Background(), testResult())
	if err != nil {
		t.Fatalf("SubmitMRV failed: %v", err)
	}
	if resp.ID() != "mrv-42" {
		t.Errorf("expected id mrv-42, got %q", resp.ID())
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if c.Outbox().Len() != 0 {
		t.Errorf("expected empty outbox, got %d", c.Outbox().Len())
	}
}

// TestSubmitMRVQueuesAndFlushes verifies a failed upload is queued and sent
// by a later flush.
func TestSubmitMRVQueuesAndFlushes(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"id":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 1)
	_, err := c.SubmitMRV(context.Background(), testResult())
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if c.Outbox().Len() != 1 {
		t.Fatalf("expected 1 queued entry, got %d", c.Outbox().Len())
	}

	if sent := c.FlushOutbox(context.Background()); sent != 0 {
		t.Errorf("expected nothing sent while unhealthy, got %d", sent)
	}
	if attempts := c.Outbox().Pending()[0].Attempts; attempts != 1 {
		t.Errorf("expected 1 failed attempt, got %d", attempts)
	}

	healthy.Store(true)
	if sent := c.FlushOutbox(context.Background()); sent != 1 {
		t.Errorf("expected 1 sent, got %d", sent)
	}
	if c.Outbox().Len() != 0 {
		t.Errorf("expected empty outbox, got %d", c.Outbox().Len())
	}
}

// TestFlushKeepsEntryRequeuedInFlight verifies that a payload queued again
// while its previous version was being resent is not dropped.
func TestFlushKeepsEntryRequeuedInFlight(t *testing.T) {
	var c *Client
	var requeued atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requeued.CompareAndSwap(false, true) {
			c.Outbox().Add("a-1", mrvUploadPath, map[string]string{"rev": "2"})
		}
		w.Write([]byte(`{"id":"ok"}`))
	}))
	defer srv.Close()

	c = newTestClient(srv.URL, 0)
	c.Outbox().Add("a-1", mrvUploadPath, map[string]string{"rev": "1"})

	if sent := c.FlushOutbox(context.Background()); sent != 1 {
		t.Errorf("expected 1 sent, got %d", sent)
	}
	pending := c.Outbox().Pending()
	if len(pending) != 1 {
		t.Fatalf("expected requeued entry to survive the flush, got %d entries", len(pending))
	}
	if rev := pending[0].Payload.(map[string]string)["rev"]; rev != "2" {
		t.Errorf("expected revision 2, got %s", rev)
	}

	if sent := c.FlushOutbox(context.Background()); sent != 1 {
		t.Errorf("expected second flush to send 1, got %d", sent)
	}
	if c.Outbox().Len() != 0 {
		t.Errorf("expected empty outbox, got %d", c.Outbox().Len())
	}
}

// TestClientErrorIsNotRetried verifies 4xx responses fail on the first attempt.
func TestClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"bad amount"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	_, err := c.MintCredits(context.Background(), NewMintRequest(testResult(), "", ""))
	if !errors.Is(err, ErrRequestFailed) {
		t.Errorf("expected ErrRequestFailed, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

// TestReadEndpoints verifies the credit query paths.
func TestReadEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		switch r.URL.Path {
		case "/credits/project/PRJ 1":
			w.Write([]byte(`{"credits":12}`))
		case "/credits/supply":
			w.Write([]byte(`{"total":300}`))
		case "/health":
			w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 0)
	ctx := context.Background()

	credits, err := c.ProjectCredits(ctx, "PRJ 1")
	if err != nil || credits["credits"] != float64(12) {
		t.Errorf("unexpected project credits %v (%v)", credits, err)
	}
	supply, err := c.TotalSupply(ctx)
	if err != nil || supply["total"] != float64(300) {
		t.Errorf("unexpected supply %v (%v)", supply, err)
	}
	health, err := c.Health(ctx)
	if err != nil || health["status"] != "ok" {
		t.Errorf("unexpected health %v (%v)", health, err)
	}
}

// TestPayloadDefaults verifies the fallback values of the ledger payloads.
func TestPayloadDefaults(t *testing.T) {
	res := testResult()
	res.Metadata.ProjectID = ""
	res.Metadata.DroneID = ""

	mrv := NewMRVPayload(res)
	if mrv.ProjectID != DefaultProjectID {
		t.Errorf("expected default project id, got %s", mrv.ProjectID)
	}
	if mrv.Reporter.Address != "DRONE_SYSTEM" {
		t.Errorf("expected default reporter, got %s", mrv.Reporter.Address)
	}
	if mrv.EnvironmentalData.WeatherConditions != "unknown" {
		t.Errorf("expected unknown weather, got %s", mrv.EnvironmentalData.WeatherConditions)
	}
	if mrv.QualityControl.ProcessingMethod != "classical" {
		t.Errorf("expected classical method, got %s", mrv.QualityControl.ProcessingMethod)
	}

	mint := NewMintRequest(res, "", "mrv-1")
	if mint.Amount != 1.25 || len(mint.MRVDataIDs) != 1 {
		t.Errorf("unexpected mint request %+v", mint)
	}

	reg := NewProjectRegistration(res, "")
	if reg.ProjectType != "mangrove" || reg.Area != 480 {
		t.Errorf("unexpected registration %+v", reg)
	}
}

// TestOutboxOrder verifies oldest first ordering and in place replacement.
func TestOutboxOrder(t *testing.T) {
	o := NewOutbox()
	o.Add("b", mrvUploadPath, 1)
	time.Sleep(time.Millisecond)
	o.Add("a", mrvUploadPath, 2)
	o.Add("b", batchUploadPath, 3)

	pending := o.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(pending))
	}
	if pending[0].Key != "b" || pending[0].Payload != 3 || pending[0].Endpoint != batchUploadPath {
		t.Errorf("expected replaced b first, got %+v", pending[0])
	}
}

// TestOutboxDeliveredChecksVersion verifies a stale version does not remove
// the current entry.
func TestOutboxDeliveredChecksVersion(t *testing.T) {
	o := NewOutbox()
	o.Add("a", mrvUploadPath, 1)
	stale := o.Pending()[0].Version
	o.Add("a", mrvUploadPath, 2)

	if o.Delivered("a", stale) {
		t.Error("expected stale version to be kept")
	}
	if o.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", o.Len())
	}
	if !o.Delivered("a", o.Pending()[0].Version) {
		t.Error("expected current version to be removed")
	}
	if o.Delivered("missing", 1) {
		t.Error("expected unknown key to report false")
	}
}

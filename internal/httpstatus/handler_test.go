package httpstatus

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/agencyd/internal/agency"
	"github.com/soltixdb/agencyd/internal/logging"
	"github.com/soltixdb/agencyd/internal/storage"
	"github.com/soltixdb/agencyd/internal/supervisor"
)

func testApp(t *testing.T, loop *supervisor.Loop, collections CollectionRegistry) *fiber.App {
	t.Helper()
	return NewApp(logging.NewDevelopment(), loop, collections)
}

func TestHealthWithoutSupervisorLoop(t *testing.T) {
	app := testApp(t, nil, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Leading {
		t.Fatalf("a node with no supervisor loop must report leading=false")
	}
}

func TestHealthReportsSnapshotUnavailableBeforeFirstRefresh(t *testing.T) {
	loop := supervisor.New(agency.NewMemoryAgency(), supervisor.Config{
		AgencyPrefix:   "/arango",
		Frequency:      time.Second,
		GracePeriod:    time.Second,
		JobIDBatchSize: 1,
	}, nil)
	app := testApp(t, loop, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the loop has ever refreshed, got %d", resp.StatusCode)
	}
}

func TestJobsWithoutSupervisorLoop(t *testing.T) {
	app := testApp(t, nil, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/jobs", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestJobsRejectsUnknownState(t *testing.T) {
	loop := supervisor.New(agency.NewMemoryAgency(), supervisor.Config{
		AgencyPrefix:   "/arango",
		Frequency:      time.Second,
		GracePeriod:    time.Second,
		JobIDBatchSize: 1,
	}, nil)
	app := testApp(t, loop, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/jobs?state=Bogus", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid bucket name, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if errResp.Error.Code != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE, got %q", errResp.Error.Code)
	}
}

func TestDatafilesWithoutStorage(t *testing.T) {
	app := testApp(t, nil, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/datafiles", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestDatafilesReportsResidentCollections(t *testing.T) {
	dir := t.TempDir()
	collections, err := storage.OpenAll(dir, time.Minute, false)
	if err != nil {
		t.Fatalf("OpenAll: %v", err)
	}
	cfg := storage.CollectionConfig{
		Name:              "docs",
		Type:              storage.CollectionTypeDocument,
		KeyGenerator:      storage.KeyGeneratorTraditional,
		ShardKeys:         []string{"_key"},
		ReplicationFactor: 1,
		NumberOfShards:    1,
		JournalSize:       1 << 20,
		Indexes:           []storage.IndexDefinition{{Type: storage.IndexTypePrimary}},
	}
	if _, err := collections.Create(cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}

	app := testApp(t, nil, collections)

	resp, err := app.Test(httptest.NewRequest("GET", "/datafiles?collection=docs", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body DatafilesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body.Collections["docs"]; !ok {
		t.Fatalf("expected a %q entry in the response, got %v", "docs", body.Collections)
	}
}

func TestDatafilesUnknownCollectionNotFound(t *testing.T) {
	dir := t.TempDir()
	collections, err := storage.OpenAll(dir, time.Minute, false)
	if err != nil {
		t.Fatalf("OpenAll: %v", err)
	}
	app := testApp(t, nil, collections)

	resp, err := app.Test(httptest.NewRequest("GET", "/datafiles?collection=missing", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestNotFoundCatchAll(t *testing.T) {
	app := testApp(t, nil, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/no-such-route", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/beamline.report/internal/detector"
	"github.com/banshee-data/beamline.report/internal/detector/detectordb"
)

func testManager(t *testing.T) *detector.StatsManager {
	t.Helper()
	mgr, err := detector.NewStatsManager("det0", detector.StatsConfig{
		Canvas: detector.Shape{Rows: 4, Cols: 4},
		ROIs: []detector.ROI{
			{Label: "center", Shape: detector.ROIRectangle, X0: 1, Y0: 1, X1: 3, Y1: 3},
		},
		HistogramEdges: []float64{0, 1, 2, 3, 4},
		Azimuthal:      &detector.AzimuthalConfig{CenterX: 2, CenterY: 2, Bins: 4},
	})
	if err != nil {
		t.Fatalf("NewStatsManager: %v", err)
	}
	return mgr
}

func testImage(tag detector.PulseTag, fill float32) *detector.AssembledImage {
	shape := detector.Shape{Rows: 4, Cols: 4}
	pix := make([]float32, shape.NumPixels())
	for i := range pix {
		pix[i] = fill
	}
	return &detector.AssembledImage{TrainID: 1, PulseID: 0, Tag: tag, Shape: shape, Pix: pix}
}

func TestNewWebServer(t *testing.T) {
	mgr := testManager(t)
	counters := detector.NewTrainStats()

	config := WebServerConfig{
		Address:    ":0",
		Manager:    mgr,
		Counters:   counters,
		DetectorID: "det0",
		RunID:      "run-1",
	}

	server := NewWebServer(config)

	if server == nil {
		t.Fatal("NewWebServer returned nil")
	}

	if server.manager != mgr {
		t.Error("WebServer manager not set correctly")
	}

	if server.detectorID != "det0" {
		t.Error("WebServer detectorID not set correctly")
	}
}

func TestWebServer_StatusHandler(t *testing.T) {
	mgr := testManager(t)
	counters := detector.NewTrainStats()
	counters.AddTrain(32)
	counters.AddPixels(16)

	server := NewWebServer(WebServerConfig{
		Address:    ":0",
		Manager:    mgr,
		Counters:   counters,
		DetectorID: "det0",
		RunID:      "run-1",
	})

	req, err := http.NewRequest("GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	mux := server.setupRoutes()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("Status handler returned wrong status code: got %v want %v",
			status, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "det0") {
		t.Error("Status page missing detector id")
	}
	if !strings.Contains(body, "run-1") {
		t.Error("Status page missing run id")
	}
}

func TestWebServer_HealthHandler(t *testing.T) {
	server := NewWebServer(WebServerConfig{Address: ":0"})

	req, err := http.NewRequest("GET", "/health", nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Health handler returned status %v, want %v", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), `"status": "ok"`) {
		t.Errorf("Health response missing ok status: %s", rr.Body.String())
	}
}

func TestWebServer_StatsHandler(t *testing.T) {
	mgr := testManager(t)
	if err := mgr.Update(testImage(detector.TagOn, 1.5)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	server := NewWebServer(WebServerConfig{
		Address:    ":0",
		Manager:    mgr,
		DetectorID: "det0",
	})

	req, err := http.NewRequest("GET", "/api/detector/stats", nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Stats handler returned status %v: %s", rr.Code, rr.Body.String())
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("Stats response not JSON: %v", err)
	}
	if payload["detector_id"] != "det0" {
		t.Errorf("Stats response detector_id = %v, want det0", payload["detector_id"])
	}
	on, ok := payload["on"].(map[string]interface{})
	if !ok {
		t.Fatalf("Stats response missing 'on' section: %v", payload)
	}
	if on["frames"].(float64) != 1 {
		t.Errorf("on.frames = %v, want 1", on["frames"])
	}
}

func TestWebServer_StatsHandlerNoManager(t *testing.T) {
	server := NewWebServer(WebServerConfig{Address: ":0"})

	req, _ := http.NewRequest("GET", "/api/detector/stats", nil)
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Stats handler without manager returned %v, want %v", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestWebServer_ResetHandler(t *testing.T) {
	mgr := testManager(t)
	if err := mgr.Update(testImage(detector.TagOn, 1.0)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	genBefore := mgr.Generation()

	server := NewWebServer(WebServerConfig{Address: ":0", Manager: mgr})

	req, _ := http.NewRequest("POST", "/api/detector/reset", nil)
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Reset handler returned status %v: %s", rr.Code, rr.Body.String())
	}
	if mgr.Generation() <= genBefore {
		t.Errorf("Generation did not advance after reset: %d -> %d", genBefore, mgr.Generation())
	}
	if got := mgr.Snapshot().On.TotalCount(); got != 0 {
		t.Errorf("TotalCount after reset = %d, want 0", got)
	}
}

func TestWebServer_ResetHandlerWrongMethod(t *testing.T) {
	server := NewWebServer(WebServerConfig{Address: ":0", Manager: testManager(t)})

	req, _ := http.NewRequest("GET", "/api/detector/reset", nil)
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("Reset with GET returned %v, want %v", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestWebServer_PersistAndSnapshotHandlers(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := detectordb.NewDetectorDB(dbPath)
	if err != nil {
		t.Fatalf("NewDetectorDB: %v", err)
	}
	defer db.Close()

	mgr := testManager(t)
	if err := mgr.Update(testImage(detector.TagOn, 2.0)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	server := NewWebServer(WebServerConfig{
		Address:    ":0",
		Manager:    mgr,
		DB:         db,
		DetectorID: "det0",
		RunID:      "run-1",
	})
	mux := server.setupRoutes()

	// Persist a snapshot
	req, _ := http.NewRequest("POST", "/api/detector/persist", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Persist handler returned status %v: %s", rr.Code, rr.Body.String())
	}

	// Fetch the latest snapshot summary
	req, _ = http.NewRequest("GET", "/api/detector/snapshot?run_id=run-1", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Snapshot handler returned status %v: %s", rr.Code, rr.Body.String())
	}

	var summary map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &summary); err != nil {
		t.Fatalf("Snapshot response not JSON: %v", err)
	}
	if summary["run_id"] != "run-1" {
		t.Errorf("snapshot run_id = %v, want run-1", summary["run_id"])
	}
	if summary["samples_on"].(float64) != 16 {
		t.Errorf("samples_on = %v, want 16", summary["samples_on"])
	}

	// List snapshots
	req, _ = http.NewRequest("GET", "/api/detector/snapshots?run_id=run-1", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Snapshots handler returned status %v: %s", rr.Code, rr.Body.String())
	}
	var list []map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("Snapshots response not JSON: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("Snapshots list length = %d, want 1", len(list))
	}
}

func TestWebServer_ChartHandlers(t *testing.T) {
	mgr := testManager(t)
	if err := mgr.Update(testImage(detector.TagOn, 1.5)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := mgr.Update(testImage(detector.TagOff, 0.5)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	server := NewWebServer(WebServerConfig{
		Address:    ":0",
		Manager:    mgr,
		DetectorID: "det0",
	})
	mux := server.setupRoutes()

	paths := []string{
		"/debug/charts",
		"/debug/chart/mean",
		"/debug/chart/mean?delta=1",
		"/debug/chart/mean?tag=off",
		"/debug/chart/histogram",
		"/debug/chart/roi",
		"/debug/chart/azimuthal",
		"/debug/chart/azimuthal?last=2",
	}
	for _, path := range paths {
		req, _ := http.NewRequest("GET", path, nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("%s returned status %v: %s", path, rr.Code, rr.Body.String())
			continue
		}
		if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s Content-Type = %q, want text/html", path, ct)
		}
	}
}

func TestWebServer_ChartHandlersEmptyState(t *testing.T) {
	// No histogram or ROI configured, nothing accumulated
	mgr, err := detector.NewStatsManager("det0", detector.StatsConfig{
		Canvas: detector.Shape{Rows: 2, Cols: 2},
	})
	if err != nil {
		t.Fatalf("NewStatsManager: %v", err)
	}
	server := NewWebServer(WebServerConfig{Address: ":0", Manager: mgr})
	mux := server.setupRoutes()

	for path, want := range map[string]int{
		"/debug/chart/mean":      http.StatusNotFound, // no valid pixels yet
		"/debug/chart/histogram": http.StatusNotFound,
		"/debug/chart/roi":       http.StatusNotFound,
		"/debug/chart/azimuthal": http.StatusNotFound,
	} {
		req, _ := http.NewRequest("GET", path, nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Errorf("%s returned status %v, want %v", path, rr.Code, want)
		}
	}
}

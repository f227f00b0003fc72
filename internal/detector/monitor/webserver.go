package monitor

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/banshee-data/beamline.report/internal/detector"
	"github.com/banshee-data/beamline.report/internal/detector/detectordb"
	"github.com/banshee-data/beamline.report/internal/version"
)

//go:embed status.html
var StatusHTML embed.FS

// WebServer handles the HTTP interface for monitoring detector statistics.
// It provides endpoints for health checks, real-time status information and
// debug chart rendering.
type WebServer struct {
	address    string
	manager    *detector.StatsManager
	counters   *detector.TrainStats
	db         *detectordb.DetectorDB
	detectorID string
	runID      string
	server     *http.Server
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address    string
	Manager    *detector.StatsManager
	Counters   *detector.TrainStats
	DB         *detectordb.DetectorDB
	DetectorID string
	RunID      string
}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:    config.Address,
		manager:    config.Manager,
		counters:   config.Counters,
		db:         config.DB,
		detectorID: config.DetectorID,
		runID:      config.RunID,
	}

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}

	return ws
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Start begins the HTTP server in a goroutine and handles graceful shutdown
func (ws *WebServer) Start(ctx context.Context) error {
	// Start server in a goroutine so it doesn't block
	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Wait for context cancellation to shut down server
	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)
	mux.HandleFunc("/api/detector/stats", ws.handleDetectorStats)
	mux.HandleFunc("/api/detector/persist", ws.handleDetectorPersist)
	mux.HandleFunc("/api/detector/reset", ws.handleDetectorReset)
	mux.HandleFunc("/api/detector/snapshot", ws.handleDetectorSnapshot)
	mux.HandleFunc("/api/detector/snapshots", ws.handleDetectorSnapshots)
	mux.HandleFunc("/debug/charts", ws.handleDebugDashboard)
	mux.HandleFunc("/debug/chart/mean", ws.handleMeanImageChart)
	mux.HandleFunc("/debug/chart/histogram", ws.handleHistogramChart)
	mux.HandleFunc("/debug/chart/roi", ws.handleROISeriesChart)
	mux.HandleFunc("/debug/chart/azimuthal", ws.handleAzimuthalChart)

	return mux
}

// handleHealth handles the health check endpoint
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "detector", "version": "%s", "timestamp": "%s"}`,
		version.Version, time.Now().UTC().Format(time.RFC3339))
}

// handleStatus handles the main status page endpoint
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")

	tmpl, err := template.ParseFS(StatusHTML, "status.html")
	if err != nil {
		http.Error(w, "Error loading template: "+err.Error(), http.StatusInternalServerError)
		return
	}

	var trains, pulses, dropped, pixels int64
	var uptime string
	if ws.counters != nil {
		trains, pulses, dropped, pixels = ws.counters.Totals()
		uptime = ws.counters.Uptime().Round(time.Second).String()
	}

	var generation uint64
	if ws.manager != nil {
		generation = ws.manager.Generation()
	}

	data := struct {
		DetectorID  string
		RunID       string
		HTTPAddress string
		Generation  uint64
		Uptime      string
		Trains      int64
		Pulses      int64
		Dropped     int64
		Pixels      int64
	}{
		DetectorID:  ws.detectorID,
		RunID:       ws.runID,
		HTTPAddress: ws.address,
		Generation:  generation,
		Uptime:      uptime,
		Trains:      trains,
		Pulses:      pulses,
		Dropped:     dropped,
		Pixels:      pixels,
	}

	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleDetectorStats returns a JSON summary of the live statistics state.
// The full per-pixel arrays are too large for a status endpoint, so this
// reports frame counts, total samples and the ROI series tails.
func (ws *WebServer) handleDetectorStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.manager == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no stats manager configured")
		return
	}

	snap := ws.manager.Snapshot()

	type roiTail struct {
		Label  string              `json:"label"`
		Points int                 `json:"points"`
		Latest *detector.ROIResult `json:"latest,omitempty"`
	}
	summarise := func(s *detector.RunningStats) map[string]interface{} {
		rois := make([]roiTail, 0, len(s.Series))
		for label, series := range s.Series {
			t := roiTail{Label: label, Points: len(series)}
			if len(series) > 0 {
				last := series[len(series)-1]
				t.Latest = &last
			}
			rois = append(rois, t)
		}
		out := map[string]interface{}{
			"frames":        s.Frames,
			"total_samples": s.TotalCount(),
			"rois":          rois,
		}
		if s.Hist != nil {
			out["histogram_total"] = s.Hist.Total()
			out["histogram_dropped"] = s.Hist.Dropped
		}
		if len(s.RadialCenters) > 0 {
			out["radial_bins"] = len(s.RadialCenters)
			out["radial_profiles"] = len(s.Radial)
		}
		return out
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"detector_id": snap.DetectorID,
		"generation":  snap.Generation,
		"taken":       snap.TakenAt.Format(time.RFC3339Nano),
		"on":          summarise(snap.On),
		"off":         summarise(snap.Off),
	})
}

// handleDetectorPersist triggers manual persistence of a statistics snapshot.
func (ws *WebServer) handleDetectorPersist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.manager == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no stats manager configured")
		return
	}
	if ws.db == nil {
		ws.writeJSONError(w, http.StatusInternalServerError, "no database configured for snapshot persistence")
		return
	}

	if err := ws.manager.Persist(ws.db, ws.runID, "manual_api"); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("persist error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "detector_id": ws.detectorID})
	log.Printf("Successfully persisted snapshot for detector '%s'", ws.detectorID)
}

// handleDetectorReset starts a fresh accumulator generation.
func (ws *WebServer) handleDetectorReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.manager == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no stats manager configured")
		return
	}
	if err := ws.manager.Reset(); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("reset error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "ok",
		"generation": ws.manager.Generation(),
	})
}

// handleDetectorSnapshot returns a JSON summary for the latest persisted
// snapshot of a run.
// Query params:
//
//	run_id (optional; defaults to the configured run)
func (ws *WebServer) handleDetectorSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		runID = ws.runID
	}
	if runID == "" {
		ws.writeJSONError(w, http.StatusBadRequest, "missing 'run_id' parameter")
		return
	}
	if ws.db == nil {
		ws.writeJSONError(w, http.StatusInternalServerError, "no database configured for snapshot lookup")
		return
	}

	rec, err := ws.db.LatestStatsSnapshot(runID)
	if err != nil {
		ws.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("get latest snapshot: %v", err))
		return
	}

	var snapIDVal interface{}
	if rec.SnapshotID != nil {
		snapIDVal = *rec.SnapshotID
	}

	summary := map[string]interface{}{
		"snapshot_id": snapIDVal,
		"run_id":      rec.RunID,
		"detector_id": rec.DetectorID,
		"taken":       time.Unix(0, rec.TakenUnixNanos).Format(time.RFC3339Nano),
		"generation":  rec.Generation,
		"frames_on":   rec.FramesOn,
		"frames_off":  rec.FramesOff,
		"blob_bytes":  len(rec.StatsBlob),
		"reason":      rec.Reason,
	}

	// Try to decode the blob for a content summary
	if len(rec.StatsBlob) > 0 {
		snap, err := detector.DeserializeSnapshot(rec.StatsBlob)
		if err != nil {
			ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("decode snapshot blob: %v", err))
			return
		}
		summary["canvas_rows"] = snap.On.Canvas.Rows
		summary["canvas_cols"] = snap.On.Canvas.Cols
		summary["samples_on"] = snap.On.TotalCount()
		summary["samples_off"] = snap.Off.TotalCount()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// handleDetectorSnapshots returns a JSON array of the last N persisted
// snapshots for a run, with sample counts decoded from each blob.
// Query params:
//
//	run_id (optional; defaults to the configured run)
//	limit (optional, default 10)
func (ws *WebServer) handleDetectorSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		runID = ws.runID
	}
	if runID == "" {
		ws.writeJSONError(w, http.StatusBadRequest, "missing 'run_id' parameter")
		return
	}
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
		if limit <= 0 || limit > 100 {
			limit = 10
		}
	}
	if ws.db == nil {
		ws.writeJSONError(w, http.StatusInternalServerError, "no database configured for snapshot lookup")
		return
	}
	recs, err := ws.db.ListRecentStatsSnapshots(runID, limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get recent snapshots: %v", err))
		return
	}
	type SnapSummary struct {
		SnapshotID interface{} `json:"snapshot_id"`
		RunID      string      `json:"run_id"`
		DetectorID string      `json:"detector_id"`
		Taken      string      `json:"taken"`
		Generation uint64      `json:"generation"`
		FramesOn   int64       `json:"frames_on"`
		FramesOff  int64       `json:"frames_off"`
		BlobBytes  int         `json:"blob_bytes"`
		SamplesOn  int64       `json:"samples_on"`
		SamplesOff int64       `json:"samples_off"`
		Reason     string      `json:"reason"`
	}
	var summaries []SnapSummary
	for _, rec := range recs {
		var snapIDVal interface{}
		if rec.SnapshotID != nil {
			snapIDVal = *rec.SnapshotID
		}
		var samplesOn, samplesOff int64
		if len(rec.StatsBlob) > 0 {
			if snap, err := detector.DeserializeSnapshot(rec.StatsBlob); err == nil {
				samplesOn = snap.On.TotalCount()
				samplesOff = snap.Off.TotalCount()
			}
		}
		summaries = append(summaries, SnapSummary{
			SnapshotID: snapIDVal,
			RunID:      rec.RunID,
			DetectorID: rec.DetectorID,
			Taken:      time.Unix(0, rec.TakenUnixNanos).Format(time.RFC3339Nano),
			Generation: rec.Generation,
			FramesOn:   rec.FramesOn,
			FramesOff:  rec.FramesOff,
			BlobBytes:  len(rec.StatsBlob),
			SamplesOn:  samplesOn,
			SamplesOff: samplesOff,
			Reason:     rec.Reason,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summaries)
}

// Close shuts down the web server
func (ws *WebServer) Close() error {
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}

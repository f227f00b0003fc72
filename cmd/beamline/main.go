package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/beamline.report/internal/config"
	"github.com/banshee-data/beamline.report/internal/detector"
	"github.com/banshee-data/beamline.report/internal/detector/detectordb"
	"github.com/banshee-data/beamline.report/internal/detector/monitor"
	"github.com/banshee-data/beamline.report/internal/detector/pipeline"
	"github.com/banshee-data/beamline.report/internal/detector/trains"
	"github.com/banshee-data/beamline.report/internal/version"
)

var (
	listen        = flag.String("listen", ":8082", "HTTP listen address for the monitor")
	dbFile        = flag.String("db", "beamline_data.db", "Path to the SQLite database file")
	configPath    = flag.String("config", "", "Path to JSON tuning config (optional)")
	migrationsDir = flag.String("migrations", "", "Path to SQL migrations directory (optional; embedded schema is applied either way)")
	detectorID    = flag.String("detector", "det0", "Detector identifier")
	moduleRows    = flag.Int("module-rows", 128, "Rows per module panel")
	moduleCols    = flag.Int("module-cols", 256, "Columns per module panel")
	gridRows      = flag.Int("grid-rows", 8, "Module grid rows")
	gridCols      = flag.Int("grid-cols", 2, "Module grid columns")
	trainRate     = flag.Float64("train-rate", 10, "Synthetic train rate in Hz")
	plotsDir      = flag.String("plots", "", "Base directory for end-of-run ROI plots (empty disables)")
	logInterval   = flag.Int("log-interval", 2, "Statistics logging interval in seconds")
	notes         = flag.String("notes", "synthetic source", "Free-form notes stored on the run record")
)

func main() {
	flag.Parse()

	log.Printf("beamline %s (%s)", version.Version, version.GitSHA)

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
		log.Printf("loaded tuning config from %s", *configPath)
	}

	moduleShape := detector.Shape{Rows: *moduleRows, Cols: *moduleCols}
	geom, err := detector.NewGridGeometry(*detectorID, moduleShape, *gridRows, *gridCols)
	if err != nil {
		log.Fatalf("failed to build geometry: %v", err)
	}
	moduleCount := len(geom.Placements)
	log.Printf("geometry: %d modules of %dx%d on a %dx%d canvas",
		moduleCount, moduleShape.Rows, moduleShape.Cols, geom.Canvas.Rows, geom.Canvas.Cols)

	// A config written for a 1M detector fed to a different grid layout is
	// almost certainly a mistake; refuse to start on the mismatch.
	if cfg.ExpectedModules != nil && cfg.GetExpectedModules() != moduleCount {
		log.Fatalf("config expects %d modules but geometry has %d", cfg.GetExpectedModules(), moduleCount)
	}

	db, err := detectordb.NewDetectorDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if *migrationsDir != "" {
		if err := db.MigrateUp(*migrationsDir); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
	}

	run, err := db.BeginRun(*detectorID, geom, *notes)
	if err != nil {
		log.Fatalf("failed to begin run: %v", err)
	}
	log.Printf("started run %s", run.RunID)

	// The synthetic source doubles as the calibration authority: its
	// correction set matches the dark offset and saturation it generates.
	gen := detector.NewSyntheticGenerator(*detectorID, moduleShape, moduleCount)
	if p := cfg.GetPulsesPerTrain(); p > 0 {
		gen.PulsesPerTrain = p
	}
	cs, err := gen.Constants()
	if err != nil {
		log.Fatalf("failed to build correction constants: %v", err)
	}
	cfg.ApplyCorrection(cs)
	holder := detector.NewConstantsHolder(cs)

	stats, err := detector.NewStatsManager(*detectorID, detector.StatsConfig{
		Canvas:         geom.Canvas,
		ROIs:           cfg.ROIs,
		HistogramEdges: cfg.HistogramEdges,
		Azimuthal:      cfg.Azimuthal,
	})
	if err != nil {
		log.Fatalf("failed to create stats manager: %v", err)
	}
	counters := detector.NewTrainStats()

	pipe, err := pipeline.New(pipeline.Config{
		DetectorID: *detectorID,
		Assembler:  detector.NewAssembler(geom),
		Constants:  holder,
		Stats:      stats,
		Counters:   counters,
	})
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}

	builder := trains.NewTrainBuilder(trains.TrainBuilderConfig{
		DetectorID:      *detectorID,
		TrainCallback:   pipe.ProcessTrain,
		ExpectedModules: moduleCount,
		PulsesPerTrain:  gen.PulsesPerTrain,
		TrainTimeout:    cfg.GetTrainTimeout(),
	})
	defer builder.Close()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Synthetic train source. Each train is fed pulse by pulse through the
	// builder so the full delivery and finalisation path is exercised.
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := time.Second
		if *trainRate > 0 {
			interval = time.Duration(float64(time.Second) / *trainRate)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Print("train source stopped")
				return
			case <-ticker.C:
				train := gen.NextTrain()
				for _, pulse := range train.Pulses {
					builder.AddPulse(pulse)
				}
			}
		}
	}()

	// Monitor web server with graceful shutdown tied to the signal context.
	webServer := monitor.NewWebServer(monitor.WebServerConfig{
		Address:    *listen,
		Manager:    stats,
		Counters:   counters,
		DB:         db,
		DetectorID: *detectorID,
		RunID:      run.RunID,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webServer.Start(ctx); err != nil {
			log.Printf("web server error: %v", err)
		}
	}()

	// Periodic snapshot persistence; the flusher writes a final run_end
	// snapshot on the way out.
	if cfg.GetSnapshotFlush() {
		flusher := detector.NewSnapshotFlusher(detector.SnapshotFlusherConfig{
			Manager:  stats,
			Store:    db,
			RunID:    run.RunID,
			Interval: cfg.GetFlushInterval(),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := flusher.Run(ctx); err != nil {
				log.Printf("snapshot flusher error: %v", err)
			}
		}()
	}

	// ROI series plotter: sampled during the run, rendered to PNG on the way
	// out.
	var plotter *monitor.SeriesPlotter
	if *plotsDir != "" {
		plotter = monitor.NewSeriesPlotter(stats)
		if err := plotter.Start(monitor.MakePlotOutputDir(*plotsDir, run.RunID)); err != nil {
			log.Fatalf("failed to start series plotter: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					plotter.Sample()
				}
			}
		}()
	}

	// Throughput logging loop.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Duration(*logInterval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counters.LogStats()
			}
		}
	}()

	wg.Wait()

	if plotter != nil {
		plotter.Stop()
		if n, err := plotter.GeneratePlots(); err != nil {
			log.Printf("failed to generate roi plots: %v", err)
		} else if n > 0 {
			log.Printf("wrote %d roi plots to %s", n, plotter.GetOutputDir())
		}
	}

	if err := db.EndRun(run.RunID); err != nil {
		log.Printf("failed to end run: %v", err)
	}
	log.Printf("graceful shutdown complete, run %s ended", run.RunID)
}

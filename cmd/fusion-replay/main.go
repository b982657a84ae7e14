// Command fusion-replay runs the fusion core over a recorded or live sensor
// stream and stores the published trajectory in SQLite.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/fusion/internal/config"
	"github.com/banshee-data/fusion/internal/fusion/core"
	"github.com/banshee-data/fusion/internal/ingest"
	"github.com/banshee-data/fusion/internal/monitoring"
	"github.com/banshee-data/fusion/internal/store"
	"github.com/banshee-data/fusion/internal/timeutil"
	"github.com/banshee-data/fusion/internal/version"
)

var (
	configPath  = flag.String("config", "", "Filter configuration JSON (built-in defaults when empty)")
	inputPath   = flag.String("input", "", "Recorded stream file")
	serialPort  = flag.String("serial", "", "Serial port carrying a live stream (instead of -input)")
	baudRate    = flag.Int("baud", 115200, "Serial baud rate")
	dbPath      = flag.String("db", "fusion.db", "Trajectory database")
	label       = flag.String("label", "", "Free-form label stored with the run")
	batchSize   = flag.Int("batch", 256, "Estimates buffered per database transaction")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("fusion-replay", version.String())
		return
	}
	monitoring.SetDebug(*debug)

	if (*inputPath == "") == (*serialPort == "") {
		log.Fatal("exactly one of -input or -serial is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := runOptions{
		ConfigPath: *configPath,
		DBPath:     *dbPath,
		Label:      *label,
		BatchSize:  *batchSize,
	}
	if *inputPath != "" {
		opts.Source = "file:" + *inputPath
		opts.Open = func() (io.ReadCloser, error) { return ingest.OpenFile(*inputPath) }
	} else {
		opts.Source = "serial:" + *serialPort
		opts.Open = func() (io.ReadCloser, error) {
			return ingest.OpenSerial(*serialPort, ingest.PortOptions{BaudRate: *baudRate})
		}
	}

	clock := timeutil.RealClock{}
	start := clock.Now()
	sum, err := run(ctx, opts)
	if err != nil {
		log.Fatalf("fusion-replay: %v", err)
	}
	log.Printf("run %s: %d records in %v, %d states, %d measurements applied, %d reapplied, fuzzy=%v",
		sum.RunID, sum.Records, clock.Since(start).Round(time.Millisecond), sum.Stats.StatesPropagated,
		sum.Stats.MeasurementsApplied, sum.Stats.MeasurementsReapplied, sum.Fuzzy)
}

type runOptions struct {
	ConfigPath string
	DBPath     string
	Label      string
	Source     string
	BatchSize  int
	Open       func() (io.ReadCloser, error)
}

type summary struct {
	RunID   string
	Records int
	Stats   core.Stats
	Fuzzy   bool
}

// run replays one stream into a fresh core and records the run. A
// cancelled context ends the run cleanly with what was read so far.
func run(ctx context.Context, o runOptions) (summary, error) {
	cfg := config.EmptyFilterConfig()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadFilterConfig(o.ConfigPath); err != nil {
			return summary{}, err
		}
	}
	layout, err := cfg.Layout()
	if err != nil {
		return summary{}, err
	}

	db, err := store.Open(o.DBPath)
	if err != nil {
		return summary{}, fmt.Errorf("open trajectory store: %w", err)
	}
	defer db.Close()

	runID, err := db.CreateRun(o.Label, o.Source, cfg)
	if err != nil {
		return summary{}, err
	}

	rec := newRecorder(db, runID, o.BatchSize)
	c, err := core.New(rec, layout, cfg.CoreOptions())
	if err != nil {
		return summary{}, err
	}

	src, err := o.Open()
	if err != nil {
		return summary{}, err
	}
	defer src.Close()

	sum := summary{RunID: runID}
	err = ingest.Stream(ctx, src, func(r ingest.Record) error {
		sum.Records++
		switch r.Kind {
		case ingest.KindPosition, ingest.KindDisplacement:
			m := store.Measurement{Time: r.Time, Sensor: r.Sensor, Kind: string(r.Kind), Z: [3]float64{r.Z.X, r.Z.Y, r.Z.Z}, Sigma: r.Sigma}
			if err := db.RecordMeasurement(runID, m); err != nil {
				return err
			}
		}
		if !ingest.Dispatch(c, r) {
			log.Printf("init record at t=%.6f rejected", r.Time)
		}
		return rec.Err()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return sum, err
	}

	if err := rec.Flush(); err != nil {
		return sum, err
	}
	sum.Stats = c.Stats()
	sum.Fuzzy = c.Fuzzy()
	if err := db.FinishRun(runID, sum.Stats); err != nil {
		return sum, err
	}
	return sum, nil
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] (-input FILE | -serial PORT)\n", os.Args[0])
		flag.PrintDefaults()
	}
}

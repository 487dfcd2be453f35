package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/circuitworld/core"
	"github.com/signalsfoundry/circuitworld/internal/events"
	"github.com/signalsfoundry/circuitworld/internal/logging"
	"github.com/signalsfoundry/circuitworld/internal/mapfile"
	"github.com/signalsfoundry/circuitworld/internal/mapstore"
	"github.com/signalsfoundry/circuitworld/model"
	"github.com/signalsfoundry/circuitworld/timectrl"
)

// press powers whatever inputs overlap the cell at Pos during Tick.
type press struct {
	Pos  core.Point
	Tick int64
}

type pressList []press

func (p *pressList) String() string {
	parts := make([]string, 0, len(*p))
	for _, pr := range *p {
		parts = append(parts, fmt.Sprintf("%d,%d@%d", pr.Pos.X, pr.Pos.Y, pr.Tick))
	}
	return strings.Join(parts, " ")
}

// Set parses "x,y@tick".
func (p *pressList) Set(v string) error {
	pr, err := parsePress(v)
	if err != nil {
		return err
	}
	*p = append(*p, pr)
	return nil
}

func parsePress(v string) (press, error) {
	at, tickStr, ok := strings.Cut(v, "@")
	if !ok {
		return press{}, fmt.Errorf("press %q: want x,y@tick", v)
	}
	xs, ys, ok := strings.Cut(at, ",")
	if !ok {
		return press{}, fmt.Errorf("press %q: want x,y@tick", v)
	}
	x, errX := strconv.Atoi(strings.TrimSpace(xs))
	y, errY := strconv.Atoi(strings.TrimSpace(ys))
	tick, errT := strconv.ParseInt(strings.TrimSpace(tickStr), 10, 64)
	if err := errors.Join(errX, errY, errT); err != nil {
		return press{}, fmt.Errorf("press %q: %w", v, err)
	}
	if tick < 1 {
		return press{}, fmt.Errorf("press %q: tick must be at least 1", v)
	}
	return press{Pos: core.Pt(x, y), Tick: tick}, nil
}

type options struct {
	MapPath   string
	StorePath string
	MapName   string
	Ticks     int64
	Tick      time.Duration
	Format    string
	Presses   pressList
}

func main() {
	var opts options
	flag.StringVar(&opts.MapPath, "map", "", "map file to simulate")
	flag.StringVar(&opts.StorePath, "store", "", "map store to load -name from instead of -map")
	flag.StringVar(&opts.MapName, "name", "", "map name inside -store")
	flag.Int64Var(&opts.Ticks, "ticks", 20, "number of ticks to run")
	flag.DurationVar(&opts.Tick, "tick", 500*time.Millisecond, "simulated time per tick")
	flag.StringVar(&opts.Format, "format", "text", "output format: text or json (one frame per line)")
	flag.Var(&opts.Presses, "press", "power the inputs at x,y during a tick, as x,y@tick (repeatable)")
	flag.Parse()

	log := logging.New(logging.ConfigFromEnv(logging.Config{Level: "warn", Format: "text", Output: os.Stderr}))
	ctx, runLog := logging.WithRunLogger(context.Background(), log)

	if err := simulate(ctx, opts, os.Stdout, runLog); err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
}

// simulate runs one map headless on a manual clock and writes a line per
// tick. The run is deterministic for a given map and set of presses.
func simulate(ctx context.Context, opts options, out io.Writer, log logging.Logger) error {
	if opts.Ticks <= 0 {
		return fmt.Errorf("ticks must be positive, got %d", opts.Ticks)
	}
	if opts.Tick <= 0 {
		return fmt.Errorf("tick must be positive, got %s", opts.Tick)
	}
	var write func(model.TickFrame) error
	switch opts.Format {
	case "", "text":
		write = func(f model.TickFrame) error { return writeText(out, f) }
	case "json":
		enc := json.NewEncoder(out)
		write = func(f model.TickFrame) error { return enc.Encode(f) }
	default:
		return fmt.Errorf("unknown format %q", opts.Format)
	}

	rec, err := loadMap(ctx, opts, log)
	if err != nil {
		return err
	}
	gm, err := mapfile.Build(rec)
	if err != nil {
		return err
	}
	world := core.NewWorld()
	if err := world.AddMap(gm); err != nil {
		return err
	}

	clock := timectrl.NewManualClock(time.Unix(0, 0).UTC())
	sched := events.NewScheduler(clock, events.WithLogger(log))
	engine := core.NewEngine(world, sched, core.WithEngineLogger(log))

	for _, pr := range opts.Presses {
		box, err := core.NewBoundingBox(pr.Pos.X, pr.Pos.Y, core.BlockSize, core.BlockSize)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("press %s", pr.Pos)
		_, err = engine.Schedule(events.AtTick(pr.Tick), name, func(ctx context.Context, ops *core.Ops) error {
			n, err := ops.PowerInputsAt(gm.Name(), box)
			if err != nil {
				return err
			}
			log.Debug(ctx, "pressed", logging.String("at", pr.Pos.String()), logging.Int("targets", n))
			return nil
		})
		if err != nil {
			return err
		}
	}

	var writeErr error
	engine.AddTickHook(func(_ context.Context, f model.TickFrame) {
		if writeErr == nil {
			writeErr = write(f)
		}
	})

	for i := int64(0); i < opts.Ticks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		clock.Advance(opts.Tick)
		// Failures are logged by the engine and never stop the run.
		_, _ = engine.Tick(ctx)
		if writeErr != nil {
			return fmt.Errorf("write frame: %w", writeErr)
		}
	}
	return nil
}

func loadMap(ctx context.Context, opts options, log logging.Logger) (model.Map, error) {
	switch {
	case opts.MapPath != "" && opts.StorePath != "":
		return model.Map{}, errors.New("use either -map or -store, not both")
	case opts.MapPath != "":
		return mapfile.LoadFile(opts.MapPath)
	case opts.StorePath != "":
		if opts.MapName == "" {
			return model.Map{}, errors.New("-store needs -name")
		}
		store, err := mapstore.Open(opts.StorePath, mapstore.WithLogger(log))
		if err != nil {
			return model.Map{}, err
		}
		defer store.Close()
		return store.Get(ctx, opts.MapName)
	default:
		return model.Map{}, errors.New("no map given: pass -map or -store with -name")
	}
}

func writeText(w io.Writer, f model.TickFrame) error {
	var b strings.Builder
	fmt.Fprintf(&b, "tick %d: %d powered\n", f.Tick, f.Powered)
	for _, m := range f.Maps {
		for _, el := range m.Elements {
			if el.Powered {
				fmt.Fprintf(&b, "  %s #%d at (%d, %d)\n", el.Kind, el.ID, el.X, el.Y)
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

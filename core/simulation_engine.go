package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/circuitworld/internal/events"
	"github.com/signalsfoundry/circuitworld/internal/logging"
	"github.com/signalsfoundry/circuitworld/model"
)

const tracerName = "github.com/signalsfoundry/circuitworld/core"

// EngineMetricsRecorder receives per-tick measurements. Implementations
// must tolerate concurrent calls.
type EngineMetricsRecorder interface {
	ObserveTick(d time.Duration, powered int)
	SetWorldCounts(maps, elements int)
}

// TickHook runs after a tick has settled, with a snapshot of the world.
// Hooks run while the engine is locked and must not call back into it.
type TickHook func(ctx context.Context, frame model.TickFrame)

// EngineOption customises an Engine.
type EngineOption func(*Engine)

func WithEngineLogger(l logging.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithEngineMetrics(m EngineMetricsRecorder) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithConnectivity replaces the default indexed connectivity service.
func WithConnectivity(cs *ConnectivityService) EngineOption {
	return func(e *Engine) {
		if cs != nil {
			e.conn = cs
		}
	}
}

// Engine drives power propagation over a World. It registers itself as the
// scheduler's tick listener, so each AdvanceTick runs:
//
//	TickStart on every powerable element
//	due ReceivePower deliveries
//	TickEnd on every powerable element
//	scheduling of ReceivePower at tick+1 for every downstream neighbour
//	tick hooks
//
// All exported methods serialise on one mutex. Ticks, wall-clock runs,
// edits and snapshots therefore never interleave.
type Engine struct {
	mu sync.Mutex

	world   *World
	sched   events.EventScheduler
	conn    *ConnectivityService
	log     logging.Logger
	metrics EngineMetricsRecorder
	tracer  trace.Tracer

	hooks     []TickHook
	lastFrame model.TickFrame
	tickBegan time.Time
}

// NewEngine wires an engine to world and sched.
func NewEngine(world *World, sched events.EventScheduler, opts ...EngineOption) *Engine {
	e := &Engine{
		world:  world,
		sched:  sched,
		conn:   NewConnectivityService(),
		log:    logging.Noop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	sched.AddTickListener(e)
	return e
}

// World returns the world the engine drives.
func (e *Engine) World() *World { return e.world }

// Connectivity returns the engine's connectivity service.
func (e *Engine) Connectivity() *ConnectivityService { return e.conn }

// AddTickHook registers h to run after every tick.
func (e *Engine) AddTickHook(h TickHook) {
	e.mu.Lock()
	e.hooks = append(e.hooks, h)
	e.mu.Unlock()
}

// CurrentTick returns the scheduler's tick counter.
func (e *Engine) CurrentTick() int64 { return e.sched.CurrentTick() }

//
// ---------- Driving ----------
//

// Tick advances the simulation by one step. Callback failures are reported
// in the returned error but never abort the tick.
func (e *Engine) Tick(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.Tick")
	defer span.End()

	e.tickBegan = time.Now()
	tick, err := e.sched.AdvanceTick(ctx)
	span.SetAttributes(attribute.Int64("circuit.tick", tick))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "callbacks failed")
		e.log.Warn(ctx, "tick completed with callback failures",
			logging.Int64("tick", tick), logging.Err(err))
	}
	return tick, err
}

// RunDue fires every wall-clock event that is due.
func (e *Engine) RunDue(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.sched.RunDue(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Warn(ctx, "wall-clock events failed", logging.Err(err))
	}
	return err
}

// TickStart implements events.TickListener.
func (e *Engine) TickStart(ctx context.Context, tick int64) {
	trace.SpanFromContext(ctx).AddEvent("tick_start")
	for _, m := range e.world.Maps() {
		env := &TickEnv{Tick: tick, Map: m}
		for _, el := range m.Powerables() {
			el.TickStart(env)
		}
	}
}

// TickEnd implements events.TickListener. Every element settles before any
// propagation is scheduled, so a NotGate forwards its flipped value.
func (e *Engine) TickEnd(ctx context.Context, tick int64) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("tick_end")

	maps := e.world.Maps()
	e.conn.Retain(maps)

	scheduled := 0
	for _, m := range maps {
		env := &TickEnv{Tick: tick, Map: m}
		powerables := m.Powerables()
		for _, el := range powerables {
			el.TickEnd(env)
		}
		for _, el := range powerables {
			if !el.Powered() || !el.Propagates() {
				continue
			}
			for _, dst := range e.conn.Downstream(m, el) {
				if err := e.scheduleDelivery(m.Name(), dst.ID(), tick+1); err != nil {
					e.log.Error(ctx, "schedule power delivery",
						logging.String("map", m.Name()),
						logging.String("from", Describe(el)),
						logging.String("to", Describe(dst)),
						logging.Err(err))
					continue
				}
				scheduled++
			}
		}
	}

	frame := e.snapshotLocked(tick)
	e.lastFrame = frame
	span.SetAttributes(
		attribute.Int("circuit.powered", frame.Powered),
		attribute.Int("circuit.deliveries_scheduled", scheduled),
	)

	if e.metrics != nil {
		var took time.Duration
		if !e.tickBegan.IsZero() {
			took = time.Since(e.tickBegan)
		}
		e.metrics.ObserveTick(took, frame.Powered)
		e.metrics.SetWorldCounts(e.world.Counts())
	}

	e.log.Debug(ctx, "tick settled",
		logging.Int64("tick", tick),
		logging.Int("powered", frame.Powered),
		logging.Int("deliveries", scheduled))

	for _, h := range e.hooks {
		h(ctx, frame)
	}
}

// scheduleDelivery queues ReceivePower for element id on mapName at tick.
// The element is looked up again when the event fires; if it has been
// removed or moved to another map by then, the delivery is dropped.
func (e *Engine) scheduleDelivery(mapName string, id ElementID, tick int64) error {
	_, err := e.sched.Schedule(events.AtTick(tick), "deliver-power", func(ctx context.Context, ev *events.Event) error {
		m, err := e.world.Map(mapName)
		if err != nil {
			return nil
		}
		el, ok := m.Get(id)
		if !ok {
			return nil
		}
		el.ReceivePower(&TickEnv{Tick: ev.FiredTick, Map: m})
		return nil
	})
	return err
}

//
// ---------- Commands ----------
//

// Place adds el to the named map.
func (e *Engine) Place(mapName string, el Element) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.placeLocked(mapName, el)
}

// PlaceNew builds an element and adds it to the named map.
func (e *Engine) PlaceNew(mapName string, kind Kind, pos Point, opts ...ElementOption) (Element, error) {
	el, err := NewElement(kind, pos, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.Place(mapName, el); err != nil {
		return nil, err
	}
	return el, nil
}

// Remove deletes an element. Pending deliveries to it are dropped.
func (e *Engine) Remove(mapName string, id ElementID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(mapName, id)
}

// Move moves a non-fixed element, refusing positions that overlap an
// impassable element.
func (e *Engine) Move(mapName string, id ElementID, to Point) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.moveLocked(mapName, id, to)
}

// Transfer moves an element to another map.
func (e *Engine) Transfer(id ElementID, toMap string, pos Point) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.world.TransferElement(id, toMap, pos)
}

// InjectPower delivers power to an element during the given tick. A tick
// that has already passed fires on the next Tick call.
func (e *Engine) InjectPower(mapName string, id ElementID, tick int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.injectLocked(mapName, id, tick)
}

// PowerInputsAt powers, on the next tick, every element on the map with an
// input under box. It returns how many deliveries were scheduled, which on
// error counts those queued before the failure.
func (e *Engine) PowerInputsAt(mapName string, box BoundingBox) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.powerInputsLocked(mapName, box)
}

// Schedule registers a wall-clock or tick action. fn runs with the engine
// locked and must use the supplied Ops for any change to the world.
func (e *Engine) Schedule(when events.When, name string, fn func(ctx context.Context, ops *Ops) error) (string, error) {
	return e.sched.Schedule(when, name, func(ctx context.Context, _ *events.Event) error {
		return fn(ctx, &Ops{e: e})
	})
}

// Cancel cancels an action registered with Schedule.
func (e *Engine) Cancel(id string) bool { return e.sched.Cancel(id) }

func (e *Engine) placeLocked(mapName string, el Element) error {
	m, err := e.world.Map(mapName)
	if err != nil {
		return err
	}
	return m.Add(el)
}

func (e *Engine) removeLocked(mapName string, id ElementID) error {
	m, err := e.world.Map(mapName)
	if err != nil {
		return err
	}
	_, err = m.Remove(id)
	return err
}

func (e *Engine) moveLocked(mapName string, id ElementID, to Point) error {
	m, err := e.world.Map(mapName)
	if err != nil {
		return err
	}
	el, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d on map %q", ErrElementNotFound, id, mapName)
	}
	box := el.BoundingBox().Translate(to.Sub(el.Position()))
	if !m.CanOccupy(box, id) {
		return fmt.Errorf("%w: %s at %s", ErrBlocked, Describe(el), to)
	}
	return m.Move(id, to)
}

func (e *Engine) injectLocked(mapName string, id ElementID, tick int64) error {
	m, err := e.world.Map(mapName)
	if err != nil {
		return err
	}
	if _, ok := m.Get(id); !ok {
		return fmt.Errorf("%w: %d on map %q", ErrElementNotFound, id, mapName)
	}
	return e.scheduleDelivery(mapName, id, tick)
}

func (e *Engine) powerInputsLocked(mapName string, box BoundingBox) (int, error) {
	m, err := e.world.Map(mapName)
	if err != nil {
		return 0, err
	}
	next := e.sched.CurrentTick() + 1
	scheduled := 0
	for _, el := range e.conn.InputsAt(m, box) {
		if err := e.scheduleDelivery(mapName, el.ID(), next); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	return scheduled, nil
}

//
// ---------- Snapshots ----------
//

// Snapshot returns the current state of every loaded map.
func (e *Engine) Snapshot() model.TickFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(e.sched.CurrentTick())
}

// LastFrame returns the frame built at the end of the most recent tick.
func (e *Engine) LastFrame() model.TickFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFrame
}

func (e *Engine) snapshotLocked(tick int64) model.TickFrame {
	frame := model.TickFrame{
		Tick:      tick,
		Timestamp: e.sched.Now().UnixMilli(),
	}
	for _, m := range e.world.Maps() {
		els := m.Elements()
		ms := model.MapState{Name: m.Name(), Elements: make([]model.ElementState, 0, len(els))}
		for _, el := range els {
			p := el.Position()
			powered := el.Powered()
			if powered {
				frame.Powered++
			}
			ms.Elements = append(ms.Elements, model.ElementState{
				ID:      uint64(el.ID()),
				Kind:    el.Kind().String(),
				Colour:  el.Colour(),
				X:       p.X,
				Y:       p.Y,
				Powered: powered,
			})
		}
		frame.Maps = append(frame.Maps, ms)
	}
	return frame
}

// Ops exposes engine commands to actions registered with Engine.Schedule.
// It is only valid while the action runs.
type Ops struct {
	e *Engine
}

func (o *Ops) Tick() int64 { return o.e.sched.CurrentTick() }

func (o *Ops) World() *World { return o.e.world }

func (o *Ops) Place(mapName string, el Element) error { return o.e.placeLocked(mapName, el) }

func (o *Ops) Remove(mapName string, id ElementID) error { return o.e.removeLocked(mapName, id) }

func (o *Ops) Move(mapName string, id ElementID, to Point) error {
	return o.e.moveLocked(mapName, id, to)
}

func (o *Ops) InjectPower(mapName string, id ElementID, tick int64) error {
	return o.e.injectLocked(mapName, id, tick)
}

func (o *Ops) PowerInputsAt(mapName string, box BoundingBox) (int, error) {
	return o.e.powerInputsLocked(mapName, box)
}

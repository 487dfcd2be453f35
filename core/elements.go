package core

// basic is the behaviour shared by most kinds: power resets at tick start,
// any incoming power switches the element on, and a powered element
// forwards power downstream.
type basic struct {
	elementState
}

func (b *basic) TickStart(*TickEnv) {
	b.setPowered(b.forcePowered)
}

func (b *basic) ReceivePower(*TickEnv) {
	b.setPowered(true)
}

func (b *basic) TickEnd(*TickEnv) {}

func (b *basic) Propagates() bool { return b.sh.powerable }

// andGate switches on once every input has delivered power in the same tick.
type andGate struct {
	basic
	received int
}

func (g *andGate) TickStart(env *TickEnv) {
	g.basic.TickStart(env)
	g.received = 0
}

func (g *andGate) ReceivePower(env *TickEnv) {
	g.received++
	if g.received >= len(g.sh.inputs) {
		g.setPowered(true)
	}
}

// notGate outputs power exactly when it received none during the tick. The
// output is settled in TickEnd, before propagation reads it.
type notGate struct {
	basic
	received bool
}

func (g *notGate) TickStart(env *TickEnv) {
	g.basic.TickStart(env)
	g.received = false
}

func (g *notGate) ReceivePower(*TickEnv) {
	g.received = true
}

func (g *notGate) TickEnd(*TickEnv) {
	g.setPowered(!g.received)
}

// optionWall is a per-map selector. Power selects it and deselects every
// other option wall on the same map; the selection persists across ticks
// and is never forwarded. When several walls are powered in the same tick
// the one with the lowest ID wins.
type optionWall struct {
	basic
	// selectedTick is the tick in which this wall was last selected, or -1.
	selectedTick int64
}

func (w *optionWall) TickStart(*TickEnv) {}

func (w *optionWall) TickEnd(*TickEnv) {}

func (w *optionWall) Propagates() bool { return false }

func (w *optionWall) ReceivePower(env *TickEnv) {
	var siblings []Element
	if env != nil && env.Map != nil {
		siblings = env.Map.ElementsOfKind(KindOptionWall)
	}

	tick := int64(-1)
	if env != nil {
		tick = env.Tick
	}
	for _, s := range siblings {
		other, ok := s.(*optionWall)
		if !ok || other == w {
			continue
		}
		if other.powered && other.selectedTick == tick && other.id < w.id {
			return
		}
	}

	for _, s := range siblings {
		if other, ok := s.(*optionWall); ok && other != w {
			other.powered = false
		}
	}
	w.powered = true
	w.selectedTick = tick
}

// clockPeriod is the number of ticks between clock pulses.
const clockPeriod = 8

// clock is a generator: it pulses once every clockPeriod ticks regardless of
// input.
type clock struct {
	basic
	phase int
}

func (c *clock) TickStart(*TickEnv) {
	c.phase = (c.phase + 1) % clockPeriod
	c.powered = c.phase == 0
}

func (c *clock) ReceivePower(*TickEnv) {}

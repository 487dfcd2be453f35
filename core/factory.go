package core

import (
	"fmt"

	"github.com/signalsfoundry/circuitworld/model"
)

// ElementOption customises an element at construction.
type ElementOption func(*elementState)

// WithText sets the label of a Text element (and is kept for any kind).
func WithText(text string) ElementOption {
	return func(s *elementState) { s.text = text }
}

// WithColour sets the display colour.
func WithColour(colour string) ElementOption {
	return func(s *elementState) { s.colour = colour }
}

// WithFixed marks the element as immovable. Kinds that are always fixed
// ignore false.
func WithFixed(fixed bool) ElementOption {
	return func(s *elementState) { s.fixed = fixed }
}

// WithForcePowered makes the element powered at every tick start.
func WithForcePowered(force bool) ElementOption {
	return func(s *elementState) { s.forcePowered = force }
}

// WithPowered sets the initial powered flag. It has no effect on kinds that
// cannot hold power.
func WithPowered(powered bool) ElementOption {
	return func(s *elementState) { s.powered = powered }
}

// NewElement builds an element of the given kind anchored at pos. It fails
// with ErrUnknownKind for kinds outside the enum and ErrInvalidGeometry if
// the resulting box or ports have no area.
func NewElement(kind Kind, pos Point, opts ...ElementOption) (Element, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}

	st := elementState{
		id:   nextElementID(),
		kind: kind,
		sh:   &shapes[kind],
		pos:  pos,
	}
	for _, opt := range opts {
		opt(&st)
	}
	if st.sh.fixed {
		st.fixed = true
	}
	if st.forcePowered {
		st.powered = true
	}
	if !st.sh.powerable {
		st.powered = false
	}

	if err := validateGeometry(&st); err != nil {
		return nil, err
	}

	switch kind {
	case KindAndGate:
		return &andGate{basic: basic{st}}, nil
	case KindNotGate:
		return &notGate{basic: basic{st}}, nil
	case KindOptionWall:
		return &optionWall{basic: basic{st}, selectedTick: -1}, nil
	case KindClock:
		return &clock{basic: basic{st}}, nil
	default:
		return &basic{st}, nil
	}
}

// MustNewElement is NewElement for fixtures; it panics on error.
func MustNewElement(kind Kind, pos Point, opts ...ElementOption) Element {
	e, err := NewElement(kind, pos, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

func validateGeometry(st *elementState) error {
	if bb := st.sh.bbox(st.pos, st.text); !bb.Valid() {
		return fmt.Errorf("%w: %s bounding box %dx%d", ErrInvalidGeometry, st.kind, bb.Width, bb.Height)
	}
	for i, p := range st.sh.inputs {
		if !p.Valid() {
			return fmt.Errorf("%w: %s input %d", ErrInvalidGeometry, st.kind, i)
		}
	}
	for i, p := range st.sh.outputs {
		if !p.Valid() {
			return fmt.Errorf("%w: %s output %d", ErrInvalidGeometry, st.kind, i)
		}
	}
	return nil
}

// NewElementFromRecord rebuilds an element from its serialised form.
func NewElementFromRecord(rec model.Sprite) (Element, error) {
	return NewElement(Kind(rec.Type), Pt(rec.X, rec.Y),
		WithText(rec.Text),
		WithColour(rec.Colour),
		WithFixed(rec.Fixed),
		WithForcePowered(rec.ForcePowered),
		WithPowered(rec.Powered),
	)
}

// Record serialises e. Geometry is omitted because it is a function of kind
// and position.
func Record(e Element) model.Sprite {
	return model.Sprite{
		Type:         int(e.Kind()),
		Text:         e.Text(),
		Colour:       e.Colour(),
		Powered:      e.Powered(),
		Fixed:        e.Fixed(),
		ForcePowered: e.ForcePowered(),
		X:            e.Position().X,
		Y:            e.Position().Y,
	}
}

// ConnectOutputToInput moves src so that its output port out lines up with
// input port in of dst. It is used to lay out circuits before placing them;
// for elements already on a map use GameMap.ConnectOutputToInput.
func ConnectOutputToInput(src Element, out int, dst Element, in int) error {
	for _, e := range []Element{src, dst} {
		if e.MapName() != "" {
			return fmt.Errorf("%w: %s is on map %q", ErrElementPlaced, Describe(e), e.MapName())
		}
	}
	return alignPorts(src, out, dst, in)
}

func alignPorts(src Element, out int, dst Element, in int) error {
	outs := src.Outputs()
	ins := dst.Inputs()
	if out < 0 || out >= len(outs) {
		return fmt.Errorf("%s has no output %d", Describe(src), out)
	}
	if in < 0 || in >= len(ins) {
		return fmt.Errorf("%s has no input %d", Describe(dst), in)
	}
	a := outs[out].RelativeTo(src.BoundingBox()).TopLeft
	b := ins[in].RelativeTo(dst.BoundingBox()).TopLeft
	st := src.state()
	st.pos = st.pos.Add(b.Sub(a))
	return nil
}

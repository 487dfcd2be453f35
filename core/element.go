package core

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

// Kind enumerates every element type that can be placed on a map. The
// numeric values are part of the map file format and must not be reordered.
type Kind int

const (
	KindEmpty Kind = iota
	KindPlayer
	KindWall
	KindText
	KindBoot
	KindAndGate
	KindNotGate
	KindOrGate
	KindClacker
	KindConnectorLeft
	KindConnectorRight
	KindConnectorUp
	KindConnectorDown
	KindOptionWall
	KindClock
	KindBird
	KindPoop
	KindSensor
	KindSign

	kindCount
)

var kindNames = [kindCount]string{
	"Empty",
	"Player",
	"Wall",
	"Text",
	"Boot",
	"AndGate",
	"NotGate",
	"OrGate",
	"Clacker",
	"ConnectorLeft",
	"ConnectorRight",
	"ConnectorUp",
	"ConnectorDown",
	"OptionWall",
	"Clock",
	"Bird",
	"Poop",
	"Sensor",
	"Sign",
}

// ErrUnknownKind is returned when constructing an element of a kind that
// does not exist.
var ErrUnknownKind = errors.New("unknown element kind")

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k >= 0 && k < kindCount }

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind resolves a kind by name, case-insensitively.
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if strings.EqualFold(n, name) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// Kinds returns every valid kind in enum order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// ElementID identifies an element for its whole lifetime. IDs are unique
// within the process and increase in creation order.
type ElementID uint64

var lastElementID atomic.Uint64

func nextElementID() ElementID {
	return ElementID(lastElementID.Add(1))
}

// shape is the static per-kind description: flags plus port geometry.
type shape struct {
	powerable bool
	fixed     bool
	passable  bool

	// bbox derives the world box from position (and text, for labels).
	bbox func(pos Point, text string) BoundingBox

	// Ports relative to the element's bounding box.
	inputs  []BoundingBox
	outputs []BoundingBox
}

var (
	// Gate leads: two inputs on the right, one output on the left.
	gateBox = func(p Point, _ string) BoundingBox {
		return BoundingBox{TopLeft: p.SubXY(2*BlockSize, 0), Width: 3 * BlockSize, Height: BlockSize}
	}
	twoInputs = []BoundingBox{mustBox(90, 1, 18, 18), mustBox(90, 21, 18, 18)}
	leftLead  = []BoundingBox{mustBox(10, 10, 18, 18)}
	wholeCell = []BoundingBox{mustBox(0, 0, BlockSize, BlockSize)}
)

func defaultBox(p Point, _ string) BoundingBox { return cellBox(p) }

func textBox(p Point, text string) BoundingBox {
	w := int(math.Ceil(float64(BlockSize) * 0.46 * float64(utf8.RuneCountInString(text))))
	if w <= 0 {
		w = BlockSize
	}
	return BoundingBox{TopLeft: p, Width: w, Height: BlockSize / 2}
}

var shapes = [kindCount]shape{
	KindEmpty:  {passable: true, bbox: defaultBox},
	KindPlayer: {passable: true, bbox: defaultBox, outputs: wholeCell},
	KindWall:   {fixed: true, bbox: defaultBox},
	KindText:   {fixed: true, passable: true, bbox: textBox},
	KindBoot:   {powerable: true, passable: true, bbox: defaultBox, inputs: wholeCell},
	KindAndGate: {
		powerable: true, passable: true, bbox: gateBox,
		inputs: twoInputs, outputs: leftLead,
	},
	KindNotGate: {
		powerable: true, passable: true, bbox: gateBox,
		inputs:  []BoundingBox{mustBox(90, 10, 18, 18)},
		outputs: leftLead,
	},
	KindOrGate: {
		powerable: true, passable: true, bbox: gateBox,
		inputs: twoInputs, outputs: leftLead,
	},
	KindClacker: {powerable: true, passable: true, bbox: defaultBox, inputs: wholeCell},
	KindConnectorLeft: {
		powerable: true, passable: true,
		bbox: func(p Point, _ string) BoundingBox {
			return BoundingBox{TopLeft: p.SubXY(BlockSize, 0), Width: 2 * BlockSize, Height: BlockSize}
		},
		inputs:  []BoundingBox{mustBox(BlockSize+10, 10, 18, 18)},
		outputs: leftLead,
	},
	KindConnectorRight: {
		powerable: true, passable: true,
		bbox: func(p Point, _ string) BoundingBox {
			return BoundingBox{TopLeft: p, Width: 2 * BlockSize, Height: BlockSize}
		},
		inputs:  leftLead,
		outputs: []BoundingBox{mustBox(BlockSize+10, 10, 18, 18)},
	},
	KindConnectorUp: {
		powerable: true, passable: true,
		bbox: func(p Point, _ string) BoundingBox {
			return BoundingBox{TopLeft: p.SubXY(0, BlockSize), Width: BlockSize, Height: 2 * BlockSize}
		},
		inputs:  []BoundingBox{mustBox(10, BlockSize+10, 18, 18)},
		outputs: leftLead,
	},
	KindConnectorDown: {
		powerable: true, passable: true,
		bbox: func(p Point, _ string) BoundingBox {
			return BoundingBox{TopLeft: p, Width: BlockSize, Height: 2 * BlockSize}
		},
		inputs:  leftLead,
		outputs: []BoundingBox{mustBox(10, BlockSize+10, 18, 18)},
	},
	KindOptionWall: {powerable: true, fixed: true, bbox: defaultBox, inputs: wholeCell},
	KindClock: {
		powerable: true, passable: true,
		bbox: func(p Point, _ string) BoundingBox {
			return BoundingBox{TopLeft: p, Width: BlockSize, Height: 2 * BlockSize}
		},
		outputs: []BoundingBox{mustBox(10, BlockSize+10, 18, 18)},
	},
	KindBird:   {passable: true, bbox: defaultBox},
	KindPoop:   {passable: true, bbox: defaultBox},
	KindSensor: {powerable: true, passable: true, bbox: defaultBox},
	KindSign: {
		powerable: true, passable: true,
		bbox: func(p Point, _ string) BoundingBox {
			return BoundingBox{TopLeft: p.SubXY(BlockSize, 0), Width: 2 * BlockSize, Height: BlockSize}
		},
		inputs: []BoundingBox{mustBox(BlockSize+10, 10, 18, 18)},
	},
}

// TickEnv is handed to element hooks. Map is the element's own map, passed
// in rather than stored on the element.
type TickEnv struct {
	Tick int64
	Map  *GameMap
}

// Element is a placeable, possibly powerable, thing on a map. The set of
// implementations is closed; use NewElement to construct one.
type Element interface {
	ID() ElementID
	Kind() Kind
	Position() Point
	BoundingBox() BoundingBox
	// Inputs and Outputs are relative to BoundingBox.
	Inputs() []BoundingBox
	Outputs() []BoundingBox

	Powerable() bool
	Powered() bool
	Fixed() bool
	Passable() bool
	ForcePowered() bool
	Text() string
	Colour() string
	// MapName is the name of the owning map, or "" when unplaced.
	MapName() string

	// Propagates reports whether a powered element forwards power to its
	// downstream neighbours at tick end.
	Propagates() bool

	TickStart(env *TickEnv)
	ReceivePower(env *TickEnv)
	TickEnd(env *TickEnv)

	state() *elementState
}

// WorldInputs returns e's input ports in world coordinates.
func WorldInputs(e Element) []BoundingBox {
	return toWorld(e.Inputs(), e.BoundingBox())
}

// WorldOutputs returns e's output ports in world coordinates.
func WorldOutputs(e Element) []BoundingBox {
	return toWorld(e.Outputs(), e.BoundingBox())
}

func toWorld(ports []BoundingBox, parent BoundingBox) []BoundingBox {
	if len(ports) == 0 {
		return nil
	}
	out := make([]BoundingBox, len(ports))
	for i, p := range ports {
		out[i] = p.RelativeTo(parent)
	}
	return out
}

// Describe renders "colour Kind#id" for logs.
func Describe(e Element) string {
	if e == nil {
		return "<nil>"
	}
	if c := e.Colour(); c != "" {
		return fmt.Sprintf("%s %s#%d", c, e.Kind(), e.ID())
	}
	return fmt.Sprintf("%s#%d", e.Kind(), e.ID())
}

// elementState carries the fields shared by every kind.
type elementState struct {
	id   ElementID
	kind Kind
	sh   *shape

	pos          Point
	text         string
	colour       string
	fixed        bool
	forcePowered bool
	powered      bool
	mapName      string
}

func (s *elementState) ID() ElementID      { return s.id }
func (s *elementState) Kind() Kind         { return s.kind }
func (s *elementState) Position() Point    { return s.pos }
func (s *elementState) Powerable() bool    { return s.sh.powerable }
func (s *elementState) Fixed() bool        { return s.fixed }
func (s *elementState) Passable() bool     { return s.sh.passable }
func (s *elementState) ForcePowered() bool { return s.forcePowered }
func (s *elementState) Text() string       { return s.text }
func (s *elementState) Colour() string     { return s.colour }
func (s *elementState) MapName() string    { return s.mapName }
func (s *elementState) state() *elementState {
	return s
}

// Powered is always false for kinds that cannot hold power.
func (s *elementState) Powered() bool {
	return s.sh.powerable && s.powered
}

func (s *elementState) BoundingBox() BoundingBox {
	return s.sh.bbox(s.pos, s.text)
}

func (s *elementState) Inputs() []BoundingBox {
	return append([]BoundingBox(nil), s.sh.inputs...)
}

func (s *elementState) Outputs() []BoundingBox {
	return append([]BoundingBox(nil), s.sh.outputs...)
}

func (s *elementState) setPowered(v bool) {
	if s.sh.powerable {
		s.powered = v
	}
}

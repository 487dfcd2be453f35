package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/signalsfoundry/circuitworld/model"
)

var (
	ErrElementExists   = errors.New("element already placed")
	ErrElementNotFound = errors.New("element not found")
	ErrElementFixed    = errors.New("element is fixed")
	ErrBlocked         = errors.New("position blocked")
	ErrInvalidSide     = errors.New("invalid side")
	ErrInvalidExits    = errors.New("map edge has neither a full wall nor an exit")
	ErrElementPlaced   = errors.New("element is on a map")
)

// Side names one edge of a map.
type Side int

const (
	SideUp Side = iota
	SideDown
	SideLeft
	SideRight
)

var sideNames = [...]string{"up", "down", "left", "right"}

func (s Side) String() string {
	if s < 0 || int(s) >= len(sideNames) {
		return fmt.Sprintf("Side(%d)", int(s))
	}
	return sideNames[s]
}

// ParseSide resolves "up", "down", "left" or "right".
func ParseSide(name string) (Side, error) {
	for i, n := range sideNames {
		if strings.EqualFold(n, name) {
			return Side(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSide, name)
}

// GameMap owns the elements of one map area plus its exit links.
//
// GameMap is safe for concurrent use, but the elements it hands out are not:
// element state must only be touched from the simulation goroutine (see
// Engine).
type GameMap struct {
	mu sync.RWMutex

	name        string
	exits       model.Exits
	playerStart Point

	elements []Element
	byID     map[ElementID]Element

	// version increments whenever the element set or a position changes.
	version uint64
}

// NewGameMap creates an empty map. The player starts two cells in from the
// top-left corner unless told otherwise.
func NewGameMap(name string) *GameMap {
	return &GameMap{
		name:        name,
		playerStart: Pt(2*BlockSize, 2*BlockSize),
		byID:        make(map[ElementID]Element),
	}
}

// Name returns the map's unique name.
func (m *GameMap) Name() string { return m.name }

//
// ---------- Exits ----------
//

func (m *GameMap) Exits() model.Exits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exits
}

func (m *GameMap) SetExits(exits model.Exits) {
	m.mu.Lock()
	m.exits = exits
	m.mu.Unlock()
}

// Exit returns the neighbouring map name through side, or "".
func (m *GameMap) Exit(side Side) string {
	ex := m.Exits()
	switch side {
	case SideUp:
		return ex.Up
	case SideDown:
		return ex.Down
	case SideLeft:
		return ex.Left
	case SideRight:
		return ex.Right
	}
	return ""
}

func (m *GameMap) PlayerStart() Point {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.playerStart
}

func (m *GameMap) SetPlayerStart(p Point) {
	m.mu.Lock()
	m.playerStart = p
	m.mu.Unlock()
}

// ExitCrossed reports which edge box has moved past, if any, considering only
// edges that have an exit.
func (m *GameMap) ExitCrossed(box BoundingBox) (Side, bool) {
	ex := m.Exits()
	br := box.BottomRight()
	switch {
	case ex.Right != "" && br.X-1 >= GridWidth*BlockSize:
		return SideRight, true
	case ex.Left != "" && box.TopLeft.X < 0:
		return SideLeft, true
	case ex.Up != "" && box.TopLeft.Y < 0:
		return SideUp, true
	case ex.Down != "" && br.Y-1 >= GridHeight*BlockSize:
		return SideDown, true
	}
	return 0, false
}

//
// ---------- Elements ----------
//

// Add places e on the map. An element may only be on one map at a time.
func (m *GameMap) Add(e Element) error {
	if e == nil {
		return fmt.Errorf("nil element")
	}
	st := e.state()

	m.mu.Lock()
	defer m.mu.Unlock()

	if st.mapName != "" {
		return fmt.Errorf("%w: %s is on map %q", ErrElementExists, Describe(e), st.mapName)
	}
	if _, exists := m.byID[e.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrElementExists, Describe(e))
	}
	st.mapName = m.name
	m.elements = append(m.elements, e)
	m.byID[e.ID()] = e
	m.version++
	return nil
}

// Remove takes the element off the map and clears its back-reference.
func (m *GameMap) Remove(id ElementID) (Element, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d on map %q", ErrElementNotFound, id, m.name)
	}
	delete(m.byID, id)
	for i, el := range m.elements {
		if el.ID() == id {
			m.elements = append(m.elements[:i], m.elements[i+1:]...)
			break
		}
	}
	e.state().mapName = ""
	m.version++
	return e, nil
}

// Get returns the element with the given ID, if it is on this map.
func (m *GameMap) Get(id ElementID) (Element, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	return e, ok
}

// Elements returns the elements in storage order.
func (m *GameMap) Elements() []Element {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Element(nil), m.elements...)
}

// ElementsOfKind returns the elements of kind k in storage order.
func (m *GameMap) ElementsOfKind(k Kind) []Element {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Element
	for _, e := range m.elements {
		if e.Kind() == k {
			out = append(out, e)
		}
	}
	return out
}

// Powerables returns the elements that take part in propagation.
func (m *GameMap) Powerables() []Element {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Element, 0, len(m.elements))
	for _, e := range m.elements {
		if e.Powerable() {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of elements on the map.
func (m *GameMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.elements)
}

// Version changes whenever elements are added, removed or moved.
func (m *GameMap) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Move repositions an element. Fixed elements cannot be moved.
func (m *GameMap) Move(id ElementID, to Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d on map %q", ErrElementNotFound, id, m.name)
	}
	if e.Fixed() {
		return fmt.Errorf("%w: %s", ErrElementFixed, Describe(e))
	}
	e.state().pos = to
	m.version++
	return nil
}

// ConnectOutputToInput moves src so its output out sits on input in of dst.
// Both elements must be on this map. Fixed elements may be moved this way.
func (m *GameMap) ConnectOutputToInput(src ElementID, out int, dst ElementID, in int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[src]
	if !ok {
		return fmt.Errorf("%w: %d on map %q", ErrElementNotFound, src, m.name)
	}
	b, ok := m.byID[dst]
	if !ok {
		return fmt.Errorf("%w: %d on map %q", ErrElementNotFound, dst, m.name)
	}
	if err := alignPorts(a, out, b, in); err != nil {
		return err
	}
	m.version++
	return nil
}

// Touch bumps the version after an element was repositioned outside the
// map's own methods.
func (m *GameMap) Touch() {
	m.mu.Lock()
	m.version++
	m.mu.Unlock()
}

// SortElements moves walls and option walls to the end, keeping the
// relative order otherwise.
func (m *GameMap) SortElements() {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.SliceStable(m.elements, func(i, j int) bool {
		return !isWall(m.elements[i]) && isWall(m.elements[j])
	})
	m.version++
}

func isWall(e Element) bool {
	return e.Kind() == KindWall || e.Kind() == KindOptionWall
}

// CanOccupy reports whether box overlaps no impassable element other than
// ignore.
func (m *GameMap) CanOccupy(box BoundingBox, ignore ElementID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.elements {
		if e.Passable() || e.ID() == ignore {
			continue
		}
		if e.BoundingBox().Intersects(box) {
			return false
		}
	}
	return true
}

// Carryable returns the non-fixed elements overlapping box, excluding
// players.
func (m *GameMap) Carryable(box BoundingBox) []Element {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Element
	for _, e := range m.elements {
		if e.Fixed() || e.Kind() == KindPlayer {
			continue
		}
		if e.BoundingBox().Intersects(box) {
			out = append(out, e)
		}
	}
	return out
}

//
// ---------- Walls ----------
//

// BuildWall creates, but does not place, a full row or column of walls
// along side.
func BuildWall(side Side) ([]Element, error) {
	cells, err := edgeCells(side)
	if err != nil {
		return nil, err
	}
	out := make([]Element, 0, len(cells))
	for _, p := range cells {
		w, err := NewElement(KindWall, p, WithColour("blue"))
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func edgeCells(side Side) ([]Point, error) {
	var cells []Point
	switch side {
	case SideUp, SideDown:
		y := 0
		if side == SideDown {
			y = (GridHeight - 1) * BlockSize
		}
		for i := 0; i < GridWidth; i++ {
			cells = append(cells, Pt(i*BlockSize, y))
		}
	case SideLeft, SideRight:
		x := 0
		if side == SideRight {
			x = (GridWidth - 1) * BlockSize
		}
		for i := 0; i < GridHeight; i++ {
			cells = append(cells, Pt(x, i*BlockSize))
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, int(side))
	}
	return cells, nil
}

// WallOn returns the walls lying on the given edge.
func (m *GameMap) WallOn(side Side) []Element {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Element
	for _, e := range m.elements {
		if !isWall(e) {
			continue
		}
		p := e.Position()
		switch {
		case side == SideUp && p.Y == 0,
			side == SideDown && p.Y == (GridHeight-1)*BlockSize,
			side == SideLeft && p.X == 0,
			side == SideRight && p.X == (GridWidth-1)*BlockSize:
			out = append(out, e)
		}
	}
	return out
}

// ValidateExits checks that every edge is either fully walled or leads to
// another map.
func (m *GameMap) ValidateExits() error {
	var errs []error
	for _, side := range []Side{SideUp, SideDown, SideLeft, SideRight} {
		if m.Exit(side) != "" {
			continue
		}
		covered := make(map[Point]bool)
		for _, w := range m.WallOn(side) {
			covered[w.Position()] = true
		}
		cells, _ := edgeCells(side)
		for _, cell := range cells {
			if !covered[cell] {
				errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidExits, side))
				break
			}
		}
	}
	return errors.Join(errs...)
}

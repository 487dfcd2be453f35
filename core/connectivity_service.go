// core/connectivity_service.go
package core

import (
	"sort"
	"sync"
)

// ConnectedOutputs returns the powerable candidates (other than a) that have
// an input port overlapping one of a's output ports. Results follow
// candidate order and contain each element once, so one source feeding two
// inputs of the same gate still counts as a single delivery.
func ConnectedOutputs(a Element, candidates []Element) []Element {
	outs := WorldOutputs(a)
	if len(outs) == 0 {
		return nil
	}
	var res []Element
	for _, b := range candidates {
		if b == nil || b.ID() == a.ID() || !b.Powerable() {
			continue
		}
		if anyOverlap(outs, WorldInputs(b)) {
			res = append(res, b)
		}
	}
	return res
}

// ConnectedInputs is the reverse query: powerable candidates with an output
// port overlapping one of a's input ports.
func ConnectedInputs(a Element, candidates []Element) []Element {
	ins := WorldInputs(a)
	if len(ins) == 0 {
		return nil
	}
	var res []Element
	for _, b := range candidates {
		if b == nil || b.ID() == a.ID() || !b.Powerable() {
			continue
		}
		if anyOverlap(ins, WorldOutputs(b)) {
			res = append(res, b)
		}
	}
	return res
}

// ElementsWithInputAt returns the powerable candidates with an input port
// overlapping box. The player uses this to press inputs it stands on.
func ElementsWithInputAt(box BoundingBox, candidates []Element) []Element {
	var res []Element
	for _, b := range candidates {
		if b == nil || !b.Powerable() {
			continue
		}
		if anyOverlap([]BoundingBox{box}, WorldInputs(b)) {
			res = append(res, b)
		}
	}
	return res
}

func anyOverlap(as, bs []BoundingBox) bool {
	for _, a := range as {
		for _, b := range bs {
			if a.Intersects(b) {
				return true
			}
		}
	}
	return false
}

//
// ---------- Spatial index ----------
//

type cell struct{ x, y int }

type portRef struct {
	pos  int // index into PortIndex.elements
	port BoundingBox
}

// PortIndex buckets the world-space ports of a fixed element set by grid
// cell. Queries return exactly what the brute-force functions return for
// the same element slice, without scanning every pair.
type PortIndex struct {
	elements []Element
	position map[ElementID]int
	inputs   map[cell][]portRef
	outputs  map[cell][]portRef
}

// NewPortIndex indexes the powerable elements of the slice. The index is a
// snapshot: moving elements afterwards makes it stale.
func NewPortIndex(elements []Element) *PortIndex {
	ix := &PortIndex{
		elements: elements,
		position: make(map[ElementID]int, len(elements)),
		inputs:   make(map[cell][]portRef),
		outputs:  make(map[cell][]portRef),
	}
	for i, e := range elements {
		if e == nil {
			continue
		}
		ix.position[e.ID()] = i
		if !e.Powerable() {
			continue
		}
		for _, p := range WorldInputs(e) {
			ix.insert(ix.inputs, i, p)
		}
		for _, p := range WorldOutputs(e) {
			ix.insert(ix.outputs, i, p)
		}
	}
	return ix
}

func (ix *PortIndex) insert(buckets map[cell][]portRef, pos int, port BoundingBox) {
	forEachCell(port, func(c cell) {
		buckets[c] = append(buckets[c], portRef{pos: pos, port: port})
	})
}

// ConnectedOutputs is the indexed form of the package-level function.
func (ix *PortIndex) ConnectedOutputs(a Element) []Element {
	return ix.match(a.ID(), WorldOutputs(a), ix.inputs)
}

// ConnectedInputs is the indexed form of the package-level function.
func (ix *PortIndex) ConnectedInputs(a Element) []Element {
	return ix.match(a.ID(), WorldInputs(a), ix.outputs)
}

// WithInputAt is the indexed form of ElementsWithInputAt.
func (ix *PortIndex) WithInputAt(box BoundingBox) []Element {
	return ix.match(0, []BoundingBox{box}, ix.inputs)
}

// match finds indexed ports in buckets overlapping any of the query boxes,
// skipping the element with ID self (0 matches nothing, IDs start at 1).
func (ix *PortIndex) match(self ElementID, query []BoundingBox, buckets map[cell][]portRef) []Element {
	if len(query) == 0 {
		return nil
	}
	hit := make(map[int]struct{})
	for _, q := range query {
		forEachCell(q, func(c cell) {
			for _, ref := range buckets[c] {
				if _, seen := hit[ref.pos]; seen {
					continue
				}
				if ix.elements[ref.pos].ID() == self {
					continue
				}
				if q.Intersects(ref.port) {
					hit[ref.pos] = struct{}{}
				}
			}
		})
	}
	if len(hit) == 0 {
		return nil
	}
	order := make([]int, 0, len(hit))
	for pos := range hit {
		order = append(order, pos)
	}
	sort.Ints(order)
	out := make([]Element, len(order))
	for i, pos := range order {
		out[i] = ix.elements[pos]
	}
	return out
}

// forEachCell visits every grid cell the box covers.
func forEachCell(b BoundingBox, fn func(cell)) {
	br := b.BottomRight()
	x0, y0 := floorDiv(b.TopLeft.X, BlockSize), floorDiv(b.TopLeft.Y, BlockSize)
	x1, y1 := floorDiv(br.X-1, BlockSize), floorDiv(br.Y-1, BlockSize)
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			fn(cell{x: x, y: y})
		}
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

//
// ---------- Service ----------
//

// ConnectivityService answers connectivity queries per map, caching one
// PortIndex per map until the map is replaced or its version changes.
type ConnectivityService struct {
	mu      sync.Mutex
	indexes map[string]cachedIndex

	// BruteForce disables the index and scans every pair.
	BruteForce bool
}

type cachedIndex struct {
	m       *GameMap
	version uint64
	ix      *PortIndex
}

func NewConnectivityService() *ConnectivityService {
	return &ConnectivityService{indexes: make(map[string]cachedIndex)}
}

// Retain drops cached indexes of maps not in live, so unloaded or replaced
// maps do not pin their elements.
func (cs *ConnectivityService) Retain(live []*GameMap) {
	keep := make(map[*GameMap]bool, len(live))
	for _, m := range live {
		keep[m] = true
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	for name, c := range cs.indexes {
		if !keep[c.m] {
			delete(cs.indexes, name)
		}
	}
}

// Index returns an up-to-date index for m.
func (cs *ConnectivityService) Index(m *GameMap) *PortIndex {
	version := m.Version()

	cs.mu.Lock()
	defer cs.mu.Unlock()

	// A reloaded map starts its version over, so the owner must match too.
	if c, ok := cs.indexes[m.Name()]; ok && c.m == m && c.version == version {
		return c.ix
	}
	ix := NewPortIndex(m.Elements())
	cs.indexes[m.Name()] = cachedIndex{m: m, version: version, ix: ix}
	return ix
}

// Downstream returns the elements on m that e feeds.
func (cs *ConnectivityService) Downstream(m *GameMap, e Element) []Element {
	if cs.BruteForce {
		return ConnectedOutputs(e, m.Elements())
	}
	return cs.Index(m).ConnectedOutputs(e)
}

// Upstream returns the elements on m that feed e.
func (cs *ConnectivityService) Upstream(m *GameMap, e Element) []Element {
	if cs.BruteForce {
		return ConnectedInputs(e, m.Elements())
	}
	return cs.Index(m).ConnectedInputs(e)
}

// InputsAt returns the elements on m with an input under box.
func (cs *ConnectivityService) InputsAt(m *GameMap, box BoundingBox) []Element {
	if cs.BruteForce {
		return ElementsWithInputAt(box, m.Elements())
	}
	return cs.Index(m).WithInputAt(box)
}

package core

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrMapExists   = errors.New("map already loaded")
	ErrMapNotFound = errors.New("map not found")
	ErrEmptyName   = errors.New("empty map name")
)

// World is the set of loaded maps. Propagation runs over every loaded map,
// but elements only ever connect to elements on their own map.
type World struct {
	mu    sync.RWMutex
	order []string
	maps  map[string]*GameMap
}

// NewWorld creates an empty world.
func NewWorld() *World {
	return &World{maps: make(map[string]*GameMap)}
}

// AddMap loads m into the world.
func (w *World) AddMap(m *GameMap) error {
	if m == nil || m.Name() == "" {
		return ErrEmptyName
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.maps[m.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrMapExists, m.Name())
	}
	w.maps[m.Name()] = m
	w.order = append(w.order, m.Name())
	return nil
}

// ReplaceMap loads m, discarding any map of the same name.
func (w *World) ReplaceMap(m *GameMap) error {
	if m == nil || m.Name() == "" {
		return ErrEmptyName
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.maps[m.Name()]; !exists {
		w.order = append(w.order, m.Name())
	}
	w.maps[m.Name()] = m
	return nil
}

// Map returns the named map.
func (w *World) Map(name string) (*GameMap, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	m, ok := w.maps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMapNotFound, name)
	}
	return m, nil
}

// Maps returns the loaded maps in load order.
func (w *World) Maps() []*GameMap {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]*GameMap, 0, len(w.order))
	for _, name := range w.order {
		out = append(out, w.maps[name])
	}
	return out
}

// RemoveMap unloads the named map.
func (w *World) RemoveMap(name string) (*GameMap, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, ok := w.maps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMapNotFound, name)
	}
	delete(w.maps, name)
	for i, n := range w.order {
		if n == name {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	return m, nil
}

// FindElement looks an element up across all maps.
func (w *World) FindElement(id ElementID) (Element, *GameMap, bool) {
	for _, m := range w.Maps() {
		if e, ok := m.Get(id); ok {
			return e, m, true
		}
	}
	return nil, nil, false
}

// TransferElement moves an element to another map at pos, updating its
// owning map. This is how carried objects follow the player through exits.
func (w *World) TransferElement(id ElementID, to string, pos Point) error {
	dst, err := w.Map(to)
	if err != nil {
		return err
	}
	_, src, ok := w.FindElement(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrElementNotFound, id)
	}
	if src == dst {
		e, _ := dst.Get(id)
		e.state().pos = pos
		dst.Touch()
		return nil
	}

	e, err := src.Remove(id)
	if err != nil {
		return err
	}
	from := e.state().pos
	e.state().pos = pos
	if err := dst.Add(e); err != nil {
		// Put it back so the element is never orphaned.
		e.state().pos = from
		if rbErr := src.Add(e); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nil
}

// Counts returns the number of maps and elements loaded.
func (w *World) Counts() (maps, elements int) {
	for _, m := range w.Maps() {
		maps++
		elements += m.Len()
	}
	return maps, elements
}

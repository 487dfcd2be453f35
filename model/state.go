package model

// ElementState is a read-only view of one element, taken between ticks.
type ElementState struct {
	ID      uint64 `json:"id"`
	Kind    string `json:"kind"`
	Colour  string `json:"colour,omitempty"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Powered bool   `json:"powered"`
}

// MapState is the snapshot of every element on one map.
type MapState struct {
	Name     string         `json:"name"`
	Elements []ElementState `json:"elements"`
}

// TickFrame is what observers receive after each settled tick.
type TickFrame struct {
	Tick      int64      `json:"tick"`
	Timestamp int64      `json:"timestamp"` // unix milliseconds
	Powered   int        `json:"powered"`
	Maps      []MapState `json:"maps"`
}

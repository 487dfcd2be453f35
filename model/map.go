package model

// Exits names the neighbouring map reached by leaving through each edge.
// An empty string means there is no exit on that side.
type Exits struct {
	Up    string `json:"up"`
	Down  string `json:"down"`
	Left  string `json:"left"`
	Right string `json:"right"`
}

// XY is a plain coordinate pair as stored in map files.
type XY struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Map is the serialised form of one map area.
type Map struct {
	Name        string   `json:"name"`
	Exits       Exits    `json:"exits"`
	PlayerStart XY       `json:"playerStart"`
	Sprites     []Sprite `json:"sprites"`
}

// MapSummary is a listing entry for stored maps.
type MapSummary struct {
	Name      string `json:"name"`
	Sprites   int    `json:"sprites"`
	UpdatedAt int64  `json:"updatedAt"`
}

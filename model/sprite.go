package model

// Sprite is the serialised form of one map element. Type is the numeric
// element kind. Geometry is not stored; it is rebuilt from Type and X/Y.
type Sprite struct {
	Type         int    `json:"type"`
	Text         string `json:"text,omitempty"`
	Colour       string `json:"colour,omitempty"`
	Powered      bool   `json:"powered"`
	Fixed        bool   `json:"fixed"`
	ForcePowered bool   `json:"forcePowered"`
	X            int    `json:"x"`
	Y            int    `json:"y"`
}

// Package mapfile reads and writes the JSON map format and converts it to
// and from live core.GameMap values.
package mapfile

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/signalsfoundry/circuitworld/core"
	"github.com/signalsfoundry/circuitworld/model"
)

// ErrInvalidMap reports a map document that fails schema or element checks.
var ErrInvalidMap = errors.New("invalid map")

//go:embed map.schema.json
var schemaJSON []byte

const schemaURL = "https://signalsfoundry.dev/circuitworld/map.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add map schema: %w", err)
	}
	return c.Compile(schemaURL)
})

// Decode validates data against the map schema and decodes it.
func Decode(data []byte) (model.Map, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.Map{}, fmt.Errorf("%w: %v", ErrInvalidMap, err)
	}
	schema, err := compiledSchema()
	if err != nil {
		return model.Map{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return model.Map{}, fmt.Errorf("%w: %v", ErrInvalidMap, err)
	}

	var m model.Map
	if err := json.Unmarshal(data, &m); err != nil {
		return model.Map{}, fmt.Errorf("%w: %v", ErrInvalidMap, err)
	}
	return m, nil
}

// Encode renders m as indented JSON.
func Encode(m model.Map) ([]byte, error) {
	if m.Sprites == nil {
		m.Sprites = []model.Sprite{}
	}
	return json.MarshalIndent(m, "", "  ")
}

// Build creates a live map from a decoded record. Walls are sorted last.
// Every bad sprite is reported, not just the first.
func Build(rec model.Map) (*core.GameMap, error) {
	if strings.TrimSpace(rec.Name) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMap, core.ErrEmptyName)
	}
	gm := core.NewGameMap(rec.Name)
	gm.SetExits(rec.Exits)
	if rec.PlayerStart != (model.XY{}) {
		gm.SetPlayerStart(core.Pt(rec.PlayerStart.X, rec.PlayerStart.Y))
	}

	var errs []error
	for i, s := range rec.Sprites {
		el, err := core.NewElementFromRecord(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("sprite %d: %w", i, err))
			continue
		}
		if err := gm.Add(el); err != nil {
			errs = append(errs, fmt.Errorf("sprite %d: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidMap, rec.Name, err)
	}
	gm.SortElements()
	return gm, nil
}

// Export converts a live map back to its record form, in storage order.
func Export(gm *core.GameMap) model.Map {
	start := gm.PlayerStart()
	els := gm.Elements()
	rec := model.Map{
		Name:        gm.Name(),
		Exits:       gm.Exits(),
		PlayerStart: model.XY{X: start.X, Y: start.Y},
		Sprites:     make([]model.Sprite, 0, len(els)),
	}
	for _, el := range els {
		rec.Sprites = append(rec.Sprites, core.Record(el))
	}
	return rec
}

// Parse decodes and builds in one step.
func Parse(data []byte) (*core.GameMap, error) {
	rec, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Build(rec)
}

// LoadFile reads and decodes one map file.
func LoadFile(path string) (model.Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Map{}, err
	}
	m, err := Decode(data)
	if err != nil {
		return model.Map{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// LoadDir decodes every *.json file in dir, ordered by file name. A missing
// directory yields no maps.
func LoadDir(dir string) ([]model.Map, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var (
		out  []model.Map
		errs []error
	)
	for _, p := range paths {
		m, err := LoadFile(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	return out, errors.Join(errs...)
}

// WriteFile encodes m into dir/<name>.json.
func WriteFile(dir string, m model.Map) (string, error) {
	data, err := Encode(m)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, m.Name+".json")
	return path, os.WriteFile(path, data, 0o644)
}

package mapfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/circuitworld/core"
	"github.com/signalsfoundry/circuitworld/internal/events"
	"github.com/signalsfoundry/circuitworld/model"
	"github.com/signalsfoundry/circuitworld/timectrl"
)

const labJSON = `{
  "name": "lab",
  "exits": {"right": "east", "up": null},
  "playerStart": {"x": 80, "y": 120},
  "sprites": [
    {"type": 2, "x": 0, "y": 0, "colour": "blue"},
    {"type": 9, "x": 200, "y": 200, "powered": true},
    {"type": 4, "x": 160, "y": 200, "forcePowered": true},
    {"type": 3, "x": 40, "y": 40, "text": "hello", "fixed": false},
    {"type": 13, "x": 400, "y": 40}
  ]
}`

func TestDecodeAndBuild(t *testing.T) {
	gm, err := Parse([]byte(labJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if gm.Name() != "lab" || gm.Exit(core.SideRight) != "east" || gm.Exit(core.SideUp) != "" {
		t.Fatalf("exits not applied: %+v", gm.Exits())
	}
	if gm.PlayerStart() != core.Pt(80, 120) {
		t.Fatalf("player start = %v", gm.PlayerStart())
	}

	els := gm.Elements()
	if len(els) != 5 {
		t.Fatalf("elements = %d", len(els))
	}
	last := els[len(els)-2:]
	if last[0].Kind() != core.KindWall || last[1].Kind() != core.KindOptionWall {
		t.Fatalf("walls not sorted last: %s, %s", last[0].Kind(), last[1].Kind())
	}
	for _, el := range els {
		if el.Kind() == core.KindText && !el.Fixed() {
			t.Fatalf("text must load as fixed")
		}
		if el.Kind() == core.KindBoot && !el.Powered() {
			t.Fatalf("force-powered boot should start powered")
		}
	}
}

func TestDecodeRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"not json":     `{`,
		"missing name": `{"sprites": []}`,
		"bad kind":     `{"name": "x", "sprites": [{"type": 42, "x": 0, "y": 0}]}`,
		"float x":      `{"name": "x", "sprites": [{"type": 2, "x": 0.5, "y": 0}]}`,
		"unknown exit": `{"name": "x", "exits": {"north": "y"}, "sprites": []}`,
		"bad name":     `{"name": "a b", "sprites": []}`,
	}
	for name, doc := range cases {
		if _, err := Decode([]byte(doc)); !errors.Is(err, ErrInvalidMap) {
			t.Fatalf("%s: err = %v, want ErrInvalidMap", name, err)
		}
	}
}

func TestBuildRejectsEmptyName(t *testing.T) {
	if _, err := Build(model.Map{}); !errors.Is(err, ErrInvalidMap) {
		t.Fatalf("Build err = %v", err)
	}
}

func TestExportRoundTrip(t *testing.T) {
	gm, err := Parse([]byte(labJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	data, err := Encode(Export(gm))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}

	a, b := gm.Elements(), back.Elements()
	if len(a) != len(b) {
		t.Fatalf("element count %d != %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Kind() != b[i].Kind() || a[i].BoundingBox() != b[i].BoundingBox() || a[i].Powered() != b[i].Powered() {
			t.Fatalf("element %d differs: %s vs %s", i, core.Describe(a[i]), core.Describe(b[i]))
		}
	}
	if back.Exits() != gm.Exits() || back.PlayerStart() != gm.PlayerStart() {
		t.Fatalf("map fields differ after round trip")
	}
}

func TestLoadDirAndWriteFile(t *testing.T) {
	dir := t.TempDir()
	rec, err := Decode([]byte(labJSON))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for _, name := range []string{"b-room", "a-room"} {
		rec.Name = name
		if _, err := WriteFile(dir, rec); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	maps, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(maps) != 2 || maps[0].Name != "a-room" || maps[1].Name != "b-room" {
		t.Fatalf("LoadDir order wrong: %+v", maps)
	}

	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"name":""}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	maps, err = LoadDir(dir)
	if !errors.Is(err, ErrInvalidMap) || len(maps) != 2 {
		t.Fatalf("LoadDir with broken file: %d maps, err %v", len(maps), err)
	}

	if maps, err := LoadDir(filepath.Join(dir, "missing")); err != nil || len(maps) != 0 {
		t.Fatalf("missing dir: %v, %v", maps, err)
	}
}

func TestShippedStartMap(t *testing.T) {
	rec, err := LoadFile(filepath.Join("..", "..", "maps", "start.json"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	gm, err := Build(rec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := gm.ValidateExits(); err != nil {
		t.Fatalf("start map should be enclosed: %v", err)
	}

	world := core.NewWorld()
	if err := world.AddMap(gm); err != nil {
		t.Fatalf("AddMap: %v", err)
	}
	sched := events.NewScheduler(timectrl.NewManualClock(time.Unix(0, 0)))
	engine := core.NewEngine(world, sched)
	boots := gm.ElementsOfKind(core.KindBoot)
	if len(boots) != 1 {
		t.Fatalf("boots = %d, want 1", len(boots))
	}

	var lit []int64
	for i := 0; i < 18; i++ {
		tick, _ := engine.Tick(context.Background())
		if boots[0].Powered() {
			lit = append(lit, tick)
		}
	}
	if len(lit) != 2 || lit[0] != 9 || lit[1] != 17 {
		t.Fatalf("boot lit on ticks %v, want [9 17]", lit)
	}
}

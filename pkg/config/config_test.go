package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	ecuerrors "ecu-core/pkg/errors"
)

func TestLoadString(t *testing.T) {
	c, err := LoadString(`
# engine setup
[wheel]
cogs: 36        ; trailing comment
Missing = 1

[ignition]
cylinders: 6
[wheel]
edge: falling
`)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.SectionNames(); !reflect.DeepEqual(got, []string{"wheel", "ignition"}) {
		t.Fatalf("sections %v", got)
	}
	w := c.Section("wheel")
	want := map[string]string{"cogs": "36", "missing": "1", "edge": "falling"}
	if !reflect.DeepEqual(w.RawOptions(), want) {
		t.Errorf("wheel options %v", w.RawOptions())
	}
	if c.Section("hall") != nil || c.HasSection("hall") {
		t.Error("absent section reported")
	}
	if _, err := c.GetSection("hall"); !ecuerrors.Is(err, ecuerrors.ErrConfigSection) {
		t.Errorf("GetSection(hall) = %v", err)
	}
}

func TestLoadStringErrors(t *testing.T) {
	tests := []struct {
		name, data string
	}{
		{"empty header", "[]\n"},
		{"orphan option", "cogs: 60\n"},
		{"no separator", "[wheel]\ncogs 60\n"},
		{"include", "[include other.cfg]\n"},
	}
	for _, tt := range tests {
		if _, err := LoadString(tt.data); err == nil {
			t.Errorf("%s: accepted", tt.name)
		}
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	write := func(name, data string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("ecu.cfg", "[wheel]\ncogs: 60\n[include parts/*.cfg]\n[ignition]\nadvance: 12\n")
	write("parts/a.cfg", "[knock]\nenabled: yes\n")
	write("parts/b.cfg", "[wheel]\ncogs: 36\n")

	c, err := Load(filepath.Join(dir, "ecu.cfg"))
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := c.Section("wheel").Get("cogs"); got != "36" {
		t.Errorf("included file did not override cogs: %s", got)
	}
	if !c.HasSection("knock") || !c.HasSection("ignition") {
		t.Errorf("sections %v", c.SectionNames())
	}

	write("loop.cfg", "[include loop.cfg]\n")
	if _, err := Load(filepath.Join(dir, "loop.cfg")); err == nil || !strings.Contains(err.Error(), "recursive") {
		t.Errorf("recursive include: %v", err)
	}
	write("missing.cfg", "[include nowhere.cfg]\n")
	if _, err := Load(filepath.Join(dir, "missing.cfg")); err == nil {
		t.Error("missing include accepted")
	}
}

func TestSectionGetters(t *testing.T) {
	c, err := LoadString(`
[s]
int: 42
neg: -3
float: 2.5
yes: on
no: 0
word: Falling
dur: 250ms
list: 17, 27,22
bad: x
`)
	if err != nil {
		t.Fatal(err)
	}
	s := c.Section("s")

	if v, err := s.GetInt("int"); err != nil || v != 42 {
		t.Errorf("GetInt = %d, %v", v, err)
	}
	if v, _ := s.GetInt("absent", 7); v != 7 {
		t.Errorf("fallback %d", v)
	}
	if _, err := s.GetInt("absent"); !ecuerrors.Is(err, ecuerrors.ErrConfigOption) {
		t.Errorf("missing option error %v", err)
	}
	if _, err := s.GetInt("bad"); !ecuerrors.Is(err, ecuerrors.ErrConfigType) {
		t.Errorf("bad int error %v", err)
	}
	if _, err := s.GetIntRange("neg", 0, 10); !ecuerrors.Is(err, ecuerrors.ErrConfigValidation) {
		t.Errorf("range error %v", err)
	}
	if v, _ := s.GetFloatRange("float", 0, 10); v != 2.5 {
		t.Errorf("float %v", v)
	}
	if v, _ := s.GetBool("yes"); !v {
		t.Error("on parsed false")
	}
	if v, _ := s.GetBool("no", true); v {
		t.Error("0 parsed true")
	}
	if v, err := s.GetChoice("word", []string{"rising", "falling"}); err != nil || v != "falling" {
		t.Errorf("choice %q %v", v, err)
	}
	if _, err := s.GetChoice("int", []string{"rising"}); err == nil {
		t.Error("invalid choice accepted")
	}
	if v, _ := s.GetDuration("dur"); v != 250*time.Millisecond {
		t.Errorf("duration %v", v)
	}
	if v, _ := s.GetIntList("list"); !reflect.DeepEqual(v, []int{17, 27, 22}) {
		t.Errorf("list %v", v)
	}

	if got := s.UnusedOptions(); len(got) != 0 {
		t.Errorf("unused %v after reading every option", got)
	}
}

func TestUnusedOptions(t *testing.T) {
	c, _ := LoadString("[wheel]\ncogs: 60\ncgos: 36\n[extra]\nx: 1\n")
	c.Section("wheel").GetInt("cogs")
	got := c.UnusedOptions()
	want := []string{"[extra] x", "[wheel] cgos"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unused %v, want %v", got, want)
	}
	if u := c.UnknownSections(EngineSections); !reflect.DeepEqual(u, []string{"extra"}) {
		t.Errorf("unknown sections %v", u)
	}
}

func TestChangedSections(t *testing.T) {
	a, _ := LoadString("[wheel]\ncogs: 60\n[knock]\nenabled: no\n[hall]\noffset: 60\n")
	b, _ := LoadString("[wheel]\ncogs: 60\n[knock]\nenabled: yes\n[injection]\nphase: 300\n")
	got := ChangedSections(a, b)
	want := []string{"hall", "injection", "knock"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("changed %v, want %v", got, want)
	}
	if n := ChangedSections(a, a); len(n) != 0 {
		t.Errorf("self diff %v", n)
	}
}

func TestConfigErrorFormat(t *testing.T) {
	err := ErrOutOfRange("wheel", "cogs", 300, "must be between 16 and 200")
	if got := err.Error(); got != "[wheel] cogs: value 300 must be between 16 and 200" {
		t.Errorf("message %q", got)
	}
	if !ecuerrors.IsConfig(err) {
		t.Error("not classified as config error")
	}
	if got := ErrMissingSection("hall").Error(); got != "[hall]: section not found" {
		t.Errorf("message %q", got)
	}
}

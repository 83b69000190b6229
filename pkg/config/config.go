package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config is a parsed configuration file. Sections keep file order.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string
}

// New creates an empty Config.
func New() *Config {
	return &Config{sections: make(map[string]*Section)}
}

// Load reads a configuration file. [include pattern] headers pull in other
// files relative to the including file.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.parseFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses configuration text. Includes are not allowed.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(strings.NewReader(data), "<string>", "", nil); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()
	return c.parse(f, path, filepath.Dir(abs), visited)
}

// parse reads sections from r. A nil visited map disables includes.
func (c *Config) parse(r io.Reader, name, dir string, visited map[string]bool) error {
	var section string
	var options map[string]string
	flush := func() {
		if section != "" {
			c.addSection(section, options)
		}
	}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			section, options = "", nil
			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return fmt.Errorf("config: empty section header at %s:%d", name, lineNum)
			}
			if pattern, ok := strings.CutPrefix(header, "include "); ok {
				if visited == nil {
					return fmt.Errorf("config: include not allowed at %s:%d", name, lineNum)
				}
				if err := c.include(strings.TrimSpace(pattern), dir, visited); err != nil {
					return err
				}
				continue
			}
			section = header
			options = make(map[string]string)
			continue
		}
		if section == "" {
			return fmt.Errorf("config: option outside a section at %s:%d", name, lineNum)
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			key, value, ok = strings.Cut(line, "=")
		}
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("config: malformed line %q at %s:%d", line, name, lineNum)
		}
		options[key] = strings.TrimSpace(value)
	}
	flush()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", name, err)
	}
	return nil
}

func (c *Config) include(pattern, dir string, visited map[string]bool) error {
	if pattern == "" {
		return fmt.Errorf("config: empty include")
	}
	glob := filepath.Join(dir, pattern)
	matches, err := filepath.Glob(glob)
	if err != nil {
		return fmt.Errorf("config: invalid include pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(glob, "*?[") {
		return fmt.Errorf("config: include file does not exist: %s", glob)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := c.parseFile(m, visited); err != nil {
			return err
		}
	}
	return nil
}

// addSection adds a section; a repeated section merges into the first.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns the named section or an error when it is absent.
func (c *Config) GetSection(name string) (*Section, error) {
	if sec := c.Section(name); sec != nil {
		return sec, nil
	}
	return nil, ErrMissingSection(name)
}

// Section returns the named section or nil.
func (c *Config) Section(name string) *Section {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if sec, ok := c.sections[name]; ok {
		return sec
	}
	return nil
}

// HasSection reports whether the section exists.
func (c *Config) HasSection(name string) bool {
	return c.Section(name) != nil
}

// SectionNames returns the section names in file order.
func (c *Config) SectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// UnknownSections returns the sections not in known, sorted.
func (c *Config) UnknownSections(known []string) []string {
	want := make(map[string]bool, len(known))
	for _, k := range known {
		want[k] = true
	}
	var out []string
	for _, name := range c.SectionNames() {
		if !want[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// UnusedOptions lists "[section] option" for every option no getter has
// read, which usually means a misspelt key.
func (c *Config) UnusedOptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, name := range c.order {
		for _, opt := range c.sections[name].UnusedOptions() {
			out = append(out, fmt.Sprintf("[%s] %s", name, opt))
		}
	}
	sort.Strings(out)
	return out
}

// ChangedSections compares two configs and returns the names of sections
// added, removed or modified, sorted.
func ChangedSections(old, cur *Config) []string {
	seen := make(map[string]bool)
	var changed []string
	for _, name := range cur.SectionNames() {
		seen[name] = true
		prev := old.Section(name)
		if prev == nil || !sectionsEqual(prev, cur.Section(name)) {
			changed = append(changed, name)
		}
	}
	for _, name := range old.SectionNames() {
		if !seen[name] {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

func sectionsEqual(a, b *Section) bool {
	ao, bo := a.RawOptions(), b.RawOptions()
	if len(ao) != len(bo) {
		return false
	}
	for k, v := range ao {
		if w, ok := bo[k]; !ok || w != v {
			return false
		}
	}
	return true
}

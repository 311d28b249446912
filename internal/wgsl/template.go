// Package wgsl builds and validates generated WGSL programs.
//
// Programs are assembled from fixed templates with named slots written as
// {{SLOT}}. A Template records its slots when parsed and Fill refuses to
// return text while any slot is unfilled, so a placeholder can never leak
// into a program handed to the GPU.
package wgsl

import (
	"embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Template errors.
var (
	// ErrUnfilledSlot is returned by Fill when a slot has no value.
	ErrUnfilledSlot = errors.New("wgsl: unfilled template slot")

	// ErrUnknownSlot is returned by Fill for values naming no slot.
	ErrUnknownSlot = errors.New("wgsl: unknown template slot")

	// ErrNoTemplate is returned by Load for a missing asset.
	ErrNoTemplate = errors.New("wgsl: no such template")
)

//go:embed templates/*.wgsl
var assets embed.FS

var slotPattern = regexp.MustCompile(`\{\{([A-Z][A-Z0-9_]*)\}\}`)

// Template is program text with named slots.
type Template struct {
	name  string
	text  string
	slots []string
}

// Parse records the slots of text.
func Parse(name, text string) *Template {
	seen := make(map[string]bool)
	var slots []string
	for _, m := range slotPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			slots = append(slots, m[1])
		}
	}
	sort.Strings(slots)
	return &Template{name: name, text: text, slots: slots}
}

// Name returns the template name.
func (t *Template) Name() string { return t.name }

// Slots returns the sorted slot names.
func (t *Template) Slots() []string {
	out := make([]string, len(t.slots))
	copy(out, t.slots)
	return out
}

// Fill substitutes every slot. All slots must be given and no extra keys
// are accepted. Substituted text is not rescanned for slots.
func (t *Template) Fill(values map[string]string) (string, error) {
	var missing []string
	for _, s := range t.slots {
		if _, ok := values[s]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: template %q: %s", ErrUnfilledSlot, t.name, strings.Join(missing, ", "))
	}
	if len(values) != len(t.slots) {
		var extra []string
		for k := range values {
			if !t.has(k) {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		return "", fmt.Errorf("%w: template %q: %s", ErrUnknownSlot, t.name, strings.Join(extra, ", "))
	}
	return slotPattern.ReplaceAllStringFunc(t.text, func(m string) string {
		return values[m[2:len(m)-2]]
	}), nil
}

func (t *Template) has(slot string) bool {
	i := sort.SearchStrings(t.slots, slot)
	return i < len(t.slots) && t.slots[i] == slot
}

var (
	loadedMu sync.Mutex
	loaded   = make(map[string]*Template)
)

// Load returns the embedded template with the given name (without the
// .wgsl suffix). Templates are parsed once and shared.
func Load(name string) (*Template, error) {
	loadedMu.Lock()
	defer loadedMu.Unlock()
	if t, ok := loaded[name]; ok {
		return t, nil
	}
	data, err := assets.ReadFile("templates/" + name + ".wgsl")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTemplate, name)
	}
	t := Parse(name, string(data))
	loaded[name] = t
	return t, nil
}

// Names lists the embedded templates.
func Names() []string {
	entries, err := assets.ReadDir("templates")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".wgsl"))
	}
	return names
}

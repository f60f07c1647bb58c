package build

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

var ErrMissingProperty = errors.New("property not set")

type Property struct {
	Value  string `json:"value"`
	Source string `json:"source"`
}

// Properties is the build-wide name/value store. Safe for concurrent use.
type Properties struct {
	mu sync.RWMutex
	m  map[string]Property
}

func NewProperties() *Properties {
	return &Properties{m: map[string]Property{}}
}

func (p *Properties) Set(name, value, source string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[name] = Property{Value: value, Source: source}
}

func (p *Properties) Get(name string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prop, ok := p.m[name]
	return prop.Value, ok
}

func (p *Properties) GetOr(name, fallback string) string {
	if v, ok := p.Get(name); ok {
		return v
	}
	return fallback
}

// Names returns the property names, sorted.
func (p *Properties) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.m))
	for name := range p.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p *Properties) Snapshot() map[string]Property {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Property, len(p.m))
	for k, v := range p.m {
		out[k] = v
	}
	return out
}

func (p *Properties) Values() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.m))
	for k, v := range p.m {
		out[k] = v.Value
	}
	return out
}

// %(prop:name)s, %(prop:name:-default)s, %(prop:name:~default)s and
// %(prop:name:+replacement)s. "%%" is a literal percent sign.
var propertyRef = regexp.MustCompile(`%%|%\(prop:([A-Za-z0-9_.\-]+)(?::([-~+])([^)]*))?\)s`)

// Render substitutes property references in s.
//
//	:-  use the default when the property is unset
//	:~  use the default when the property is unset or empty
//	:+  use the replacement when the property is set, else empty
func (p *Properties) Render(s string) (string, error) {
	var missing []string
	out := propertyRef.ReplaceAllStringFunc(s, func(ref string) string {
		if ref == "%%" {
			return "%"
		}
		m := propertyRef.FindStringSubmatch(ref)
		name, op, alt := m[1], m[2], m[3]
		value, ok := p.Get(name)
		switch op {
		case "-":
			if !ok {
				return alt
			}
		case "~":
			if !ok || value == "" {
				return alt
			}
		case "+":
			if ok {
				return alt
			}
			return ""
		default:
			if !ok {
				missing = append(missing, name)
				return ""
			}
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("render %q: %w: %v", s, ErrMissingProperty, missing)
	}
	return out, nil
}

// RenderAll renders every element of in.
func (p *Properties) RenderAll(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, s := range in {
		r, err := p.Render(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

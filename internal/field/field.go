// Package field holds point data arrays built from Granite attribute names.
package field

import (
	"strings"

	"github.com/granite-tiles/server/internal/granite"
)

// DefaultArrayName collects attributes whose names carry no array prefix.
const DefaultArrayName = "Granite Values"

// ArrayLayout describes one array and the names of its components.
type ArrayLayout struct {
	Name       string   `json:"name"`
	Components []string `json:"components"`
}

// Layout is the grouping of a source's attributes into arrays. Arrays keep
// the order their first attribute appears in.
type Layout struct {
	Arrays []ArrayLayout `json:"arrays"`
	// Active is the array used as default scalars: the array of the first attribute.
	Active string `json:"active"`
}

// ParseAttributeName splits "array.component". Names without a dot belong
// to DefaultArrayName.
func ParseAttributeName(name string) (array, component string) {
	i := strings.Index(name, ".")
	if i < 0 {
		return DefaultArrayName, name
	}
	return name[:i], name[i+1:]
}

// GroupAttributes builds the array layout for a list of attribute names.
func GroupAttributes(names []string) Layout {
	var l Layout
	index := make(map[string]int)
	for i, n := range names {
		array, comp := ParseAttributeName(n)
		j, ok := index[array]
		if !ok {
			j = len(l.Arrays)
			index[array] = j
			l.Arrays = append(l.Arrays, ArrayLayout{Name: array})
			if i == 0 {
				l.Active = array
			}
		}
		l.Arrays[j].Components = append(l.Arrays[j].Components, comp)
	}
	return l
}

// NumberOfComponents returns the total component count across arrays.
func (l Layout) NumberOfComponents() int {
	n := 0
	for _, a := range l.Arrays {
		n += len(a.Components)
	}
	return n
}

// Find returns the array index and component index for "array" and
// "component" names. An empty component selects component 0.
func (l Layout) Find(array, component string) (int, int, bool) {
	for i, a := range l.Arrays {
		if a.Name != array {
			continue
		}
		if component == "" {
			return i, 0, len(a.Components) > 0
		}
		for j, c := range a.Components {
			if c == component {
				return i, j, true
			}
		}
		return 0, 0, false
	}
	return 0, 0, false
}

// Array is a float array of tuples with named components, stored
// tuple-major.
type Array struct {
	Name           string
	ComponentNames []string
	Values         []float32
}

// NumberOfComponents implements granite.AttributeArray.
func (a *Array) NumberOfComponents() int { return len(a.ComponentNames) }

// NumberOfTuples returns how many tuples the array holds.
func (a *Array) NumberOfTuples() int {
	if len(a.ComponentNames) == 0 {
		return 0
	}
	return len(a.Values) / len(a.ComponentNames)
}

// SetComponent stores v as component comp of tuple.
func (a *Array) SetComponent(tuple, comp int, v float32) {
	a.Values[tuple*len(a.ComponentNames)+comp] = v
}

// Component returns component comp of tuple.
func (a *Array) Component(tuple, comp int) float32 {
	return a.Values[tuple*len(a.ComponentNames)+comp]
}

// ComponentValues copies one component of every tuple.
func (a *Array) ComponentValues(comp int) []float32 {
	n := a.NumberOfTuples()
	out := make([]float32, n)
	for t := 0; t < n; t++ {
		out[t] = a.Values[t*len(a.ComponentNames)+comp]
	}
	return out
}

// Data is a set of arrays sharing one tuple count.
type Data struct {
	Arrays []*Array
	Active string
	tuples int
}

// NewData allocates arrays for layout with room for tuples values each.
func NewData(layout Layout, tuples int) *Data {
	d := &Data{Active: layout.Active, tuples: tuples}
	for _, al := range layout.Arrays {
		d.Arrays = append(d.Arrays, &Array{
			Name:           al.Name,
			ComponentNames: append([]string(nil), al.Components...),
			Values:         make([]float32, tuples*len(al.Components)),
		})
	}
	return d
}

// NumberOfArrays implements granite.AttributeSink.
func (d *Data) NumberOfArrays() int { return len(d.Arrays) }

// Array implements granite.AttributeSink.
func (d *Data) Array(i int) granite.AttributeArray { return d.Arrays[i] }

// NumberOfTuples implements granite.AttributeSink.
func (d *Data) NumberOfTuples() int { return d.tuples }

// ArrayByName returns the named array or nil.
func (d *Data) ArrayByName(name string) *Array {
	for _, a := range d.Arrays {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Interleaved returns every value in tuple, array, component order, the
// order Granite payloads are stored in.
func (d *Data) Interleaved() []float32 {
	width := 0
	for _, a := range d.Arrays {
		width += len(a.ComponentNames)
	}
	out := make([]float32, 0, d.tuples*width)
	for t := 0; t < d.tuples; t++ {
		for _, a := range d.Arrays {
			n := len(a.ComponentNames)
			out = append(out, a.Values[t*n:(t+1)*n]...)
		}
	}
	return out
}

// AttributeNames returns the Granite attribute names for the arrays,
// "array.component" in storage order.
func (d *Data) AttributeNames() []string {
	var names []string
	for _, a := range d.Arrays {
		for _, c := range a.ComponentNames {
			names = append(names, a.Name+"."+c)
		}
	}
	return names
}

var _ granite.AttributeSink = (*Data)(nil)

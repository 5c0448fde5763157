// Package portpolicy implements the pure, stateless policy functions the
// arbiter consults: reserved-port membership, range membership, and
// config self-consistency. No function here performs I/O or holds state
// beyond the table it is given.
package portpolicy

import "fmt"

// Range is a named, inclusive port range.
type Range struct {
	Name  string
	Start int
	End   int
}

func (r Range) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

func (r Range) overlaps(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Policy is a config-driven table of reserved ports and named ranges.
// Ranges are commonly named minecraft-servers, minecraft-rcon,
// proxy-external, development, system-reserved, ephemeral, but the
// policy itself does not special-case any name.
type Policy struct {
	reserved map[int]bool
	ranges   map[string]Range
	order    []string
}

// New builds a Policy from a reserved-port list and a set of named ranges.
func New(reservedPorts []int, ranges []Range) *Policy {
	p := &Policy{
		reserved: make(map[int]bool, len(reservedPorts)),
		ranges:   make(map[string]Range, len(ranges)),
	}
	for _, port := range reservedPorts {
		p.reserved[port] = true
	}
	for _, r := range ranges {
		p.ranges[r.Name] = r
		p.order = append(p.order, r.Name)
	}
	return p
}

// IsReserved reports whether port is in the system reserved set.
func (p *Policy) IsReserved(port int) bool {
	return p.reserved[port]
}

// InRange reports whether port falls within the named range. An unknown
// range name is simply never satisfied.
func (p *Policy) InRange(port int, rangeName string) bool {
	r, ok := p.ranges[rangeName]
	if !ok {
		return false
	}
	return r.Contains(port)
}

// Range looks up a named range.
func (p *Policy) Range(name string) (Range, bool) {
	r, ok := p.ranges[name]
	return r, ok
}

// ValidateConfig checks that named ranges are pairwise non-overlapping and
// that no reserved port lies within any range.
func (p *Policy) ValidateConfig() (valid bool, errs []string) {
	for i, nameA := range p.order {
		for _, nameB := range p.order[i+1:] {
			if p.ranges[nameA].overlaps(p.ranges[nameB]) {
				errs = append(errs, fmt.Sprintf("range %q overlaps range %q", nameA, nameB))
			}
		}
	}
	for port := range p.reserved {
		for _, name := range p.order {
			if p.ranges[name].Contains(port) {
				errs = append(errs, fmt.Sprintf("reserved port %d lies within range %q", port, name))
			}
		}
	}
	return len(errs) == 0, errs
}

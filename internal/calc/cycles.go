package calc

import (
	"github.com/google/uuid"

	"github.com/ashita-ai/keisan/internal/model"
)

// CyclicMetrics returns the calculated metrics whose formulas reference
// themselves, directly or through other calculated metrics in formulas.
// Raw source metrics (ids without a formula) are leaves and never cyclic.
func CyclicMetrics(formulas map[uuid.UUID]model.Formula) map[uuid.UUID]bool {
	t := tarjan{
		formulas: formulas,
		index:    make(map[uuid.UUID]int),
		low:      make(map[uuid.UUID]int),
		onStack:  make(map[uuid.UUID]bool),
		cyclic:   make(map[uuid.UUID]bool),
	}
	for id := range formulas {
		if _, seen := t.index[id]; !seen {
			t.visit(id)
		}
	}
	return t.cyclic
}

// tarjan finds strongly connected components of the formula dependency graph.
// Members of a component with more than one node, or with a self edge, are
// cyclic.
type tarjan struct {
	formulas map[uuid.UUID]model.Formula
	next     int
	index    map[uuid.UUID]int
	low      map[uuid.UUID]int
	stack    []uuid.UUID
	onStack  map[uuid.UUID]bool
	cyclic   map[uuid.UUID]bool
}

func (t *tarjan) visit(id uuid.UUID) {
	t.index[id] = t.next
	t.low[id] = t.next
	t.next++
	t.stack = append(t.stack, id)
	t.onStack[id] = true

	selfRef := false
	for _, dep := range t.formulas[id].Sources() {
		if _, calculated := t.formulas[dep]; !calculated {
			continue
		}
		if dep == id {
			selfRef = true
			continue
		}
		if _, seen := t.index[dep]; !seen {
			t.visit(dep)
			t.low[id] = min(t.low[id], t.low[dep])
		} else if t.onStack[dep] {
			t.low[id] = min(t.low[id], t.index[dep])
		}
	}

	if t.low[id] != t.index[id] {
		return
	}

	var component []uuid.UUID
	for {
		n := len(t.stack) - 1
		top := t.stack[n]
		t.stack = t.stack[:n]
		t.onStack[top] = false
		component = append(component, top)
		if top == id {
			break
		}
	}
	if len(component) > 1 || selfRef {
		for _, m := range component {
			t.cyclic[m] = true
		}
	}
}

package registry

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/wirebird/wirebird/model"
)

// Validate checks a flow graph against the catalog. A nil return means the
// flow may be enabled; otherwise the error is a *model.ValidationError
// listing every issue found.
func (r *Registry) Validate(flow *model.Flow) error {
	var issues []string
	fail := func(format string, v ...any) {
		issues = append(issues, fmt.Sprintf(format, v...))
	}

	if flow.Name == "" {
		fail("flow has no name")
	}
	if len(flow.Blocks) == 0 {
		fail("flow has no blocks")
	}
	if flow.Schedule != "" {
		if _, err := cron.ParseStandard(flow.Schedule); err != nil {
			fail("bad schedule %q: %v", flow.Schedule, err)
		}
	}

	seen := map[uuid.UUID]bool{}
	actions := 0
	for _, b := range flow.Blocks {
		if b.ID == uuid.Nil {
			fail("block %s.%s has no id", b.Provider, b.Name)
			continue
		}
		if seen[b.ID] {
			fail("duplicate block id %s", b.ID)
			continue
		}
		seen[b.ID] = true
		if b.Kind == model.KindAction {
			actions++
		}
	}
	if actions != 1 && len(flow.Blocks) > 0 {
		fail("flow must have exactly one action block, found %d", actions)
	}

	for _, b := range flow.Blocks {
		desc, ok := r.Lookup(b.Provider, b.Name, b.Kind)
		if !ok {
			fail("block %s: unknown %s %s.%s", b.ID, b.Kind, b.Provider, b.Name)
			continue
		}
		r.checkInputs(flow, b, desc, fail)
	}

	if _, err := Layers(flow); err != nil {
		fail("%v", err)
	}

	if len(issues) > 0 {
		return &model.ValidationError{Issues: issues}
	}
	return nil
}

func (r *Registry) checkInputs(flow *model.Flow, b model.Block, desc model.Descriptor, fail func(string, ...any)) {
	params := map[string]model.InputParam{}
	for _, p := range desc.Inputs {
		params[p.Name] = p
	}

	for name, value := range b.Inputs {
		param, known := params[name]
		if !known {
			fail("block %s: %s.%s takes no input %q", b.ID, b.Provider, b.Name, name)
			continue
		}
		ref, isRef := model.ParseRef(value)
		if !isRef {
			continue
		}
		if b.Kind == model.KindAction {
			fail("block %s: action inputs cannot reference other blocks", b.ID)
			continue
		}
		if ref.Block == b.ID {
			fail("block %s: input %q references itself", b.ID, name)
			continue
		}
		src, ok := flow.Block(ref.Block)
		if !ok {
			fail("block %s: input %q references unknown block %s", b.ID, name, ref.Block)
			continue
		}
		srcDesc, ok := r.Lookup(src.Provider, src.Name, src.Kind)
		if !ok {
			continue // already reported above
		}
		field, ok := srcDesc.Output(ref.Field)
		if !ok {
			fail("block %s: %s.%s has no output %q", b.ID, src.Provider, src.Name, ref.Field)
			continue
		}
		if !field.Type.AssignableTo(param.Type) {
			fail("block %s: input %q wants %s, reference yields %s", b.ID, name, param.Type, field.Type)
		}
	}

	for name, p := range params {
		if !p.Required || p.Default != nil {
			continue
		}
		if _, bound := b.Inputs[name]; !bound {
			fail("block %s: required input %q is not set", b.ID, name)
		}
	}
}

// Layers performs a Kahn topological sort over reference edges and groups
// blocks into dispatch waves. Blocks in the same layer have no data
// dependency between them and may run concurrently. Reactions with no
// references depend only on the trigger and land in the first wave.
func Layers(flow *model.Flow) ([][]uuid.UUID, error) {
	indegree := map[uuid.UUID]int{}
	children := map[uuid.UUID][]uuid.UUID{}
	for _, b := range flow.Blocks {
		if b.Kind == model.KindAction {
			continue
		}
		indegree[b.ID] = 0
	}
	for _, b := range flow.Blocks {
		if b.Kind == model.KindAction {
			continue
		}
		for _, value := range b.Inputs {
			ref, ok := model.ParseRef(value)
			if !ok {
				continue
			}
			src, found := flow.Block(ref.Block)
			if !found || src.Kind == model.KindAction {
				// The trigger is always available; missing blocks are a
				// validation issue, not a graph edge.
				continue
			}
			children[ref.Block] = append(children[ref.Block], b.ID)
			indegree[b.ID]++
		}
	}

	ready := []uuid.UUID{}
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	var layers [][]uuid.UUID
	done := 0
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].String() < ready[j].String() })
		layers = append(layers, ready)
		var next []uuid.UUID
		for _, id := range ready {
			done++
			for _, child := range children[id] {
				indegree[child]--
				if indegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		ready = next
	}
	if done < len(indegree) {
		return nil, fmt.Errorf("flow graph has a reference cycle")
	}
	return layers, nil
}

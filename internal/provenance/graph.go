package provenance

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"
)

// RelationKind names a PROV relation.
type RelationKind string

const (
	WasGeneratedBy    RelationKind = "wasGeneratedBy"    // entity <- activity
	Used              RelationKind = "used"              // activity -> entity
	WasAssociatedWith RelationKind = "wasAssociatedWith" // activity -> agent
	WasDerivedFrom    RelationKind = "wasDerivedFrom"    // generated entity <- used entity
)

// Relation is a directed PROV relation. From and To follow the PROV-JSON
// argument order of the relation kind.
type Relation struct {
	Kind RelationKind `json:"kind"`
	From string       `json:"from"`
	To   string       `json:"to"`
}

// Graph is the provenance of one request: entities, activities, agents and
// the relations between them.
type Graph struct {
	RequestID  string
	Entities   map[string]map[string]any
	Activities map[string]map[string]any
	Agents     map[string]map[string]any
	Relations  []Relation

	relSeen    map[Relation]bool
	activities int // Activity counter for ids
}

// NewGraph creates an empty graph for requestID.
func NewGraph(requestID string) *Graph {
	return &Graph{
		RequestID:  requestID,
		Entities:   make(map[string]map[string]any),
		Activities: make(map[string]map[string]any),
		Agents:     make(map[string]map[string]any),
		relSeen:    make(map[Relation]bool),
	}
}

// merge adds attrs to the node, keeping existing values.
func merge(nodes map[string]map[string]any, id string, attrs map[string]any) {
	node, ok := nodes[id]
	if !ok {
		node = make(map[string]any, len(attrs))
		nodes[id] = node
	}
	for k, v := range attrs {
		if _, exists := node[k]; !exists {
			node[k] = v
		}
	}
}

func (g *Graph) relate(kind RelationKind, from, to string) {
	r := Relation{Kind: kind, From: from, To: to}
	if g.relSeen[r] {
		return
	}
	g.relSeen[r] = true
	g.Relations = append(g.Relations, r)
}

// Has reports whether the relation exists.
func (g *Graph) Has(kind RelationKind, from, to string) bool {
	return g.relSeen[Relation{Kind: kind, From: from, To: to}]
}

// Clone returns a deep copy. Attribute values are copied shallowly.
func (g *Graph) Clone() *Graph {
	cp := NewGraph(g.RequestID)
	for id, attrs := range g.Entities {
		cp.Entities[id] = maps.Clone(attrs)
	}
	for id, attrs := range g.Activities {
		cp.Activities[id] = maps.Clone(attrs)
	}
	for id, attrs := range g.Agents {
		cp.Agents[id] = maps.Clone(attrs)
	}
	cp.Relations = append([]Relation(nil), g.Relations...)
	for r := range g.relSeen {
		cp.relSeen[r] = true
	}
	cp.activities = g.activities
	return cp
}

// relationArgs maps each relation kind to its PROV-JSON argument names.
var relationArgs = map[RelationKind][2]string{
	WasGeneratedBy:    {"prov:entity", "prov:activity"},
	Used:              {"prov:activity", "prov:entity"},
	WasAssociatedWith: {"prov:activity", "prov:agent"},
	WasDerivedFrom:    {"prov:generatedEntity", "prov:usedEntity"},
}

// MarshalJSON emits the graph as a PROV-JSON document.
func (g *Graph) MarshalJSON() ([]byte, error) {
	doc := map[string]any{
		"prefix": map[string]string{
			"taskcore": "urn:taskcore:",
			"request":  "urn:taskcore:request:" + g.RequestID + ":",
		},
	}
	if len(g.Entities) > 0 {
		doc["entity"] = g.Entities
	}
	if len(g.Activities) > 0 {
		doc["activity"] = g.Activities
	}
	if len(g.Agents) > 0 {
		doc["agent"] = g.Agents
	}

	counters := make(map[RelationKind]int)
	for _, r := range g.Relations {
		args, ok := relationArgs[r.Kind]
		if !ok {
			return nil, fmt.Errorf("unknown relation kind %q", r.Kind)
		}
		section, _ := doc[string(r.Kind)].(map[string]any)
		if section == nil {
			section = make(map[string]any)
			doc[string(r.Kind)] = section
		}
		counters[r.Kind]++
		section[fmt.Sprintf("_:%s%d", r.Kind, counters[r.Kind])] = map[string]string{
			args[0]: r.From,
			args[1]: r.To,
		}
	}
	return json.Marshal(doc)
}

// EntityIDs returns the sorted entity ids.
func (g *Graph) EntityIDs() []string {
	ids := make([]string, 0, len(g.Entities))
	for id := range g.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

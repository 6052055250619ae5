package workflow

import "encoding/json"

// Graph is a generation pipeline in the engine's node-graph format: a map of
// opaque node ids to node records.
type Graph map[string]*Node

type Node struct {
	ClassType string         `json:"class_type"`
	Meta      *NodeMeta      `json:"_meta,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty"`
}

type NodeMeta struct {
	Title string `json:"title,omitempty"`
}

// Clone deep-copies the graph via a JSON round trip so a mutated instance
// never aliases the cached template. Heterogeneous input values make a
// field-wise copy impractical.
func (g Graph) Clone() (Graph, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	var out Graph
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// matches reports whether the node answers to the given identifier, by
// display title first, class type second.
func (n *Node) matches(identifier string) bool {
	if n.Meta != nil && n.Meta.Title == identifier {
		return true
	}
	return n.ClassType == identifier
}

// setInput writes value at a possibly dot-separated path under the node's
// input map, creating intermediate maps for nested segments. The leaf input
// must already exist in the template; templates are allowed to omit optional
// inputs, so a missing leaf is not an error.
func (n *Node) setInput(path []string, value any) bool {
	if len(path) == 0 || n.Inputs == nil {
		return false
	}
	m := n.Inputs
	for _, seg := range path[:len(path)-1] {
		next, ok := m[seg]
		if !ok {
			return false
		}
		sub, ok := next.(map[string]any)
		if !ok {
			return false
		}
		m = sub
	}
	leaf := path[len(path)-1]
	if _, ok := m[leaf]; !ok {
		return false
	}
	m[leaf] = value
	return true
}

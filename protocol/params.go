package protocol

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Param is a single name/value query or form parameter.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Params is an ordered parameter list. Order is preserved when the list is
// appended to a URL or decoded from a YAML mapping.
type Params []Param

// Get returns the first value registered under name.
func (p Params) Get(name string) (string, bool) {
	for _, kv := range p {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

// Map flattens the list; later duplicates win.
func (p Params) Map() map[string]string {
	out := make(map[string]string, len(p))
	for _, kv := range p {
		out[kv.Name] = kv.Value
	}
	return out
}

// UnmarshalYAML decodes a mapping node keeping document order.
func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: parameters must be a mapping", node.Line)
	}
	out := make(Params, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: parameter %q must be a scalar", v.Line, k.Value)
		}
		out = append(out, Param{Name: k.Value, Value: v.Value})
	}
	*p = out
	return nil
}

// MarshalYAML encodes the list as a mapping.
func (p Params) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, kv := range p {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: kv.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Value: kv.Value},
		)
	}
	return node, nil
}

package rcu

import (
	"encoding/json"
)

import (
	"gopkg.in/yaml.v3"
)

// MarshalJSON encodes a snapshot of the current value. A zero Cell encodes
// the zero T.
func (c *Cell[T]) MarshalJSON() ([]byte, error) {
	h := c.Read()
	defer h.Release()
	return json.Marshal(h.Get())
}

// UnmarshalJSON decodes a value and publishes it. A zero Cell is
// initialized with it directly; otherwise the replaced value is released.
// No identity is carried across the encoding.
func (c *Cell[T]) UnmarshalJSON(b []byte) error {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	c.store(v)
	return nil
}

// MarshalYAML encodes a snapshot of the current value.
func (c *Cell[T]) MarshalYAML() (interface{}, error) {
	h := c.Read()
	defer h.Release()
	return *h.Get(), nil
}

// UnmarshalYAML is the YAML counterpart of UnmarshalJSON.
func (c *Cell[T]) UnmarshalYAML(node *yaml.Node) error {
	var v T
	if err := node.Decode(&v); err != nil {
		return err
	}
	c.store(v)
	return nil
}

func (c *Cell[T]) store(v T) {
	if c.link.Load() == nil && c.initOnce(func() T { return v }) {
		return
	}
	c.Write(v).Release()
}

var (
	_ json.Marshaler   = (*Cell[struct{}])(nil)
	_ json.Unmarshaler = (*Cell[struct{}])(nil)
	_ yaml.Marshaler   = (*Cell[struct{}])(nil)
	_ yaml.Unmarshaler = (*Cell[struct{}])(nil)
)

// Package nn defines the model tree that gets parallelized: modules holding named children and named parameters,
// the few layer kinds the sharding rules understand (Linear, Embedding, Norm) and the Model that ties a tree to its
// configuration and weight source.
//
// Modules form a tree addressed by dotted qualified names, e.g. "model.layers.0.self_attn.q_proj". A parameter's
// qualified name is its module's name plus the parameter name, e.g. "model.layers.0.self_attn.q_proj.weight".
package nn

import (
	"context"

	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Module is a node of the model tree.
type Module interface {
	// Kind is the name of the module type, used by the sharding rules to match layers, e.g. "Linear".
	Kind() string

	// Children are the sub-modules, in declaration order.
	Children() *orderedmap.OrderedMap[string, Module]

	// Params are the parameters owned directly by this module, in declaration order.
	Params() *orderedmap.OrderedMap[string, *Parameter]

	// Attrs are integer attributes, like the number of attention heads, that parallelization may update.
	Attrs() map[string]int

	// Flags are boolean switches, like "use_cache", that hardware patches may turn off.
	Flags() map[string]bool

	// Forward executes the module on the host.
	Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error)
}

// Base implements the bookkeeping part of Module. Layers embed it and implement Forward.
type Base struct {
	kind     string
	children *orderedmap.OrderedMap[string, Module]
	params   *orderedmap.OrderedMap[string, *Parameter]
	attrs    map[string]int
	flags    map[string]bool
}

// NewBase creates a Base of the given kind.
func NewBase(kind string) Base {
	return Base{
		kind:     kind,
		children: orderedmap.New[string, Module](),
		params:   orderedmap.New[string, *Parameter](),
		attrs:    make(map[string]int),
		flags:    make(map[string]bool),
	}
}

func (b *Base) Kind() string                                       { return b.kind }
func (b *Base) Children() *orderedmap.OrderedMap[string, Module]   { return b.children }
func (b *Base) Params() *orderedmap.OrderedMap[string, *Parameter] { return b.params }
func (b *Base) Attrs() map[string]int                              { return b.attrs }
func (b *Base) Flags() map[string]bool                             { return b.flags }

// Child returns the child with the given name, or nil.
func (b *Base) Child(name string) Module {
	m, _ := b.children.Get(name)
	return m
}

// Param returns the parameter with the given name, or nil.
func (b *Base) Param(name string) *Parameter {
	p, _ := b.params.Get(name)
	return p
}

// Container is a module that only groups children, e.g. the list of decoder layers. Its Forward runs the children in
// order, feeding the first output of each to the next.
type Container struct {
	Base
}

// NewContainer creates an empty Container of the given kind, with the children given as name/module pairs.
func NewContainer(kind string, children ...NamedModule) *Container {
	c := &Container{Base: NewBase(kind)}
	for _, child := range children {
		c.children.Set(child.Name, child.Module)
	}
	return c
}

// Forward implements Module.
func (c *Container) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	outputs := inputs
	for pair := c.children.Oldest(); pair != nil; pair = pair.Next() {
		var err error
		outputs, err = pair.Value.Forward(ctx, outputs[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "%s %q", pair.Value.Kind(), pair.Key)
		}
	}
	return outputs, nil
}

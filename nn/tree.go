package nn

import (
	"math/rand"
	"strings"

	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// NamedModule pairs a module with its qualified name.
type NamedModule struct {
	Name   string
	Module Module
}

// NamedParameter pairs a parameter with its qualified name.
type NamedParameter struct {
	Name      string
	Parameter *Parameter
}

// JoinName joins a prefix and a name with a dot, omitting the dot for an empty prefix.
func JoinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// NamedModules returns all modules of the tree in pre-order, the root first with the empty name.
// A module reachable through several paths is listed once, with its first name.
func NamedModules(root Module) []NamedModule {
	var result []NamedModule
	seen := make(map[Module]bool)
	var visit func(prefix string, m Module)
	visit = func(prefix string, m Module) {
		if seen[m] {
			return
		}
		seen[m] = true
		result = append(result, NamedModule{prefix, m})
		for pair := m.Children().Oldest(); pair != nil; pair = pair.Next() {
			visit(JoinName(prefix, pair.Key), pair.Value)
		}
	}
	visit("", root)
	return result
}

// NamedParameters returns the distinct parameters of the tree: a parameter shared (tied) between modules is listed
// once, with its first name.
func NamedParameters(root Module) []NamedParameter {
	var result []NamedParameter
	seen := make(map[*Parameter]bool)
	for _, nm := range NamedModules(root) {
		for pair := nm.Module.Params().Oldest(); pair != nil; pair = pair.Next() {
			if seen[pair.Value] {
				continue
			}
			seen[pair.Value] = true
			result = append(result, NamedParameter{JoinName(nm.Name, pair.Key), pair.Value})
		}
	}
	return result
}

// ParameterSlots returns every (name, parameter) slot of the tree, including all the names of tied parameters.
func ParameterSlots(root Module) *orderedmap.OrderedMap[string, *Parameter] {
	slots := orderedmap.New[string, *Parameter]()
	for _, nm := range NamedModules(root) {
		for pair := nm.Module.Params().Oldest(); pair != nil; pair = pair.Next() {
			slots.Set(JoinName(nm.Name, pair.Key), pair.Value)
		}
	}
	return slots
}

// ParameterNames returns the names of all parameter slots.
func ParameterNames(root Module) []string {
	slots := ParameterSlots(root)
	names := make([]string, 0, slots.Len())
	for pair := slots.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// GetSubmodule returns the module at the dotted path. The empty path returns root.
func GetSubmodule(root Module, path string) (Module, error) {
	if path == "" {
		return root, nil
	}
	m := root
	for _, part := range strings.Split(path, ".") {
		child, found := m.Children().Get(part)
		if !found {
			return nil, errors.Errorf("module %q has no child %q (looking for %q)", m.Kind(), part, path)
		}
		m = child
	}
	return m, nil
}

// SetSubmodule replaces (or adds) the module at the dotted path. Its parent must exist.
func SetSubmodule(root Module, path string, module Module) error {
	parentPath, name := SplitName(path)
	parent, err := GetSubmodule(root, parentPath)
	if err != nil {
		return err
	}
	parent.Children().Set(name, module)
	return nil
}

// SplitName splits a qualified name into its prefix and the last component.
func SplitName(qualifiedName string) (prefix, name string) {
	idx := strings.LastIndex(qualifiedName, ".")
	if idx < 0 {
		return "", qualifiedName
	}
	return qualifiedName[:idx], qualifiedName[idx+1:]
}

// GetParameter returns the parameter with the qualified name.
func GetParameter(root Module, qualifiedName string) (*Parameter, error) {
	modulePath, name := SplitName(qualifiedName)
	m, err := GetSubmodule(root, modulePath)
	if err != nil {
		return nil, err
	}
	p, found := m.Params().Get(name)
	if !found {
		return nil, errors.Errorf("module %q has no parameter %q", modulePath, name)
	}
	return p, nil
}

// SetParameter replaces the parameter with the qualified name.
func SetParameter(root Module, qualifiedName string, p *Parameter) error {
	modulePath, name := SplitName(qualifiedName)
	m, err := GetSubmodule(root, modulePath)
	if err != nil {
		return err
	}
	if _, found := m.Params().Get(name); !found {
		return errors.Errorf("module %q has no parameter %q", modulePath, name)
	}
	m.Params().Set(name, p)
	return nil
}

// TiedParameterGroups returns the groups of names sharing the same parameter, for groups with more than one name.
func TiedParameterGroups(root Module) [][]string {
	byParam := make(map[*Parameter]int)
	var groups [][]string
	slots := ParameterSlots(root)
	for pair := slots.Oldest(); pair != nil; pair = pair.Next() {
		idx, found := byParam[pair.Value]
		if !found {
			idx = len(groups)
			byParam[pair.Value] = idx
			groups = append(groups, nil)
		}
		groups[idx] = append(groups[idx], pair.Key)
	}
	tied := groups[:0]
	for _, g := range groups {
		if len(g) > 1 {
			tied = append(tied, g)
		}
	}
	return tied
}

// TieParameters makes all names of each group point to the parameter of the first name of the group.
func TieParameters(root Module, groups [][]string) error {
	for _, group := range groups {
		if len(group) == 0 {
			continue
		}
		p, err := GetParameter(root, group[0])
		if err != nil {
			return errors.WithMessage(err, "tying parameters")
		}
		for _, name := range group[1:] {
			if err := SetParameter(root, name, p); err != nil {
				return errors.WithMessage(err, "tying parameters")
			}
		}
	}
	return nil
}

// MoveToDevice replaces every parameter slot by a new Parameter object on the device.
//
// As with any device transfer, parameter identity is not preserved: tied parameters become separate objects and must
// be tied again with TieParameters.
func MoveToDevice(root Module, device string) {
	for _, nm := range NamedModules(root) {
		params := nm.Module.Params()
		for pair := params.Oldest(); pair != nil; pair = pair.Next() {
			moved := pair.Value.Clone()
			if moved.Value != nil {
				moved.Device = device
			}
			params.Set(pair.Key, moved)
		}
	}
}

// MaterializeParameters allocates the values of the parameters still on the meta device: weights with two or more
// axes are drawn from a normal distribution with standard deviation initStd, others are set to zero.
// It returns the names of the materialized parameters.
func MaterializeParameters(root Module, seed int64, initStd float64) []string {
	rng := rand.New(rand.NewSource(seed))
	var names []string
	for _, np := range NamedParameters(root) {
		p := np.Parameter
		if !p.IsMeta() {
			continue
		}
		value := tensor.FromShape(p.Shape)
		if p.Shape.Rank() >= 2 {
			value.MapInPlace(func(float32) float32 { return float32(rng.NormFloat64() * initStd) })
		}
		p.SetValue(value)
		names = append(names, np.Name)
	}
	return names
}

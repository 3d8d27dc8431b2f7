package parallel

import (
	"context"

	"github.com/dlclark/regexp2"
	"github.com/gomlx/shardtrain/distributed"
	"github.com/gomlx/shardtrain/nn"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"k8s.io/klog/v2"
)

// CollectiveOp moves activations in or out of the sequence parallel region.
type CollectiveOp string

const (
	// OpScatter enters the region: [batch, seq, ...] becomes this rank's part of [seq, batch, ...].
	OpScatter CollectiveOp = "scatter"

	// OpGather leaves the region: the parts of [seq, batch, ...] of all ranks are gathered into [batch, seq, ...].
	OpGather CollectiveOp = "gather"
)

// IO selects whether a boundary collective applies to the input or the output of a module.
type IO string

const (
	IOInput  IO = "input"
	IOOutput IO = "output"
)

// Match selects the first or the last matching module.
type Match string

const (
	MatchFirst Match = "first"
	MatchLast  Match = "last"
)

// SequenceCollectiveOpInfo declares one boundary of the sequence parallel region: Op is applied to the IO of the
// FirstOrLast module, in pre-order, matching either Kind or Pattern (a regular expression matched at the start of
// the qualified names).
type SequenceCollectiveOpInfo struct {
	Op          CollectiveOp
	Kind        string
	Pattern     string
	IO          IO
	FirstOrLast Match
}

// Validate checks the declaration.
func (info SequenceCollectiveOpInfo) Validate() error {
	if info.Op != OpScatter && info.Op != OpGather {
		return errors.Wrapf(ErrConfiguration, "sequence collective op must be %q or %q, got %q", OpScatter, OpGather, info.Op)
	}
	if info.IO != IOInput && info.IO != IOOutput {
		return errors.Wrapf(ErrConfiguration, "sequence collective io must be %q or %q, got %q", IOInput, IOOutput, info.IO)
	}
	if info.FirstOrLast != MatchFirst && info.FirstOrLast != MatchLast {
		return errors.Wrapf(ErrConfiguration, "sequence collective match must be %q or %q, got %q", MatchFirst, MatchLast, info.FirstOrLast)
	}
	if (info.Kind == "") == (info.Pattern == "") {
		return errors.Wrapf(ErrConfiguration, "sequence collective must select layers either by kind or by name pattern")
	}
	if info.Pattern != "" {
		if _, err := compilePrefixPattern(info.Pattern); err != nil {
			return err
		}
	}
	return nil
}

// compilePrefixPattern compiles a pattern matched at the start of a name.
func compilePrefixPattern(pattern string) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(`\A(?:`+pattern+`)`, regexp2.None)
	if err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "invalid layer pattern %q: %v", pattern, err)
	}
	return re, nil
}

// compileLayerPattern compiles a pattern matching whole names. The empty pattern matches only the empty name.
func compileLayerPattern(pattern string) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(`\A(?:`+pattern+`)\z`, regexp2.None)
	if err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "invalid layer pattern %q: %v", pattern, err)
	}
	return re, nil
}

func matchString(re *regexp2.Regexp, name string) bool {
	matched, err := re.MatchString(name)
	return err == nil && matched
}

// SequenceBoundary wraps a module at a boundary of the sequence parallel region, applying the collective to its
// input or output.
//
// It is transparent for the model tree: its kind, children, parameters, attributes and flags are the ones of the
// wrapped module, so qualified names don't change.
type SequenceBoundary struct {
	Inner nn.Module
	Op    CollectiveOp
	IO    IO

	state *distributed.ParallelState
}

func (b *SequenceBoundary) Kind() string                                         { return b.Inner.Kind() }
func (b *SequenceBoundary) Children() *orderedmap.OrderedMap[string, nn.Module]  { return b.Inner.Children() }
func (b *SequenceBoundary) Params() *orderedmap.OrderedMap[string, *nn.Parameter] { return b.Inner.Params() }
func (b *SequenceBoundary) Attrs() map[string]int                                { return b.Inner.Attrs() }
func (b *SequenceBoundary) Flags() map[string]bool                               { return b.Inner.Flags() }

// Forward implements nn.Module. Only the first input (or output) goes through the collective, the others are passed
// along unchanged.
func (b *SequenceBoundary) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if b.IO == IOInput {
		if len(inputs) == 0 {
			return nil, errors.New("sequence parallel boundary requires an input")
		}
		first, err := b.apply(ctx, inputs[0])
		if err != nil {
			return nil, err
		}
		inputs = append([]*tensor.Tensor{first}, inputs[1:]...)
		return b.Inner.Forward(ctx, inputs...)
	}
	outputs, err := b.Inner.Forward(ctx, inputs...)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return outputs, nil
	}
	first, err := b.apply(ctx, outputs[0])
	if err != nil {
		return nil, err
	}
	return append([]*tensor.Tensor{first}, outputs[1:]...), nil
}

func (b *SequenceBoundary) apply(ctx context.Context, t *tensor.Tensor) (*tensor.Tensor, error) {
	if b.Op == OpScatter {
		seqFirst, err := t.SwapAxes(0, 1)
		if err != nil {
			return nil, err
		}
		return distributed.ScatterToSequenceParallelRegion(b.state, seqFirst)
	}
	gathered, err := distributed.GatherFromSequenceParallelRegion(ctx, b.state, t)
	if err != nil {
		return nil, err
	}
	return gathered.SwapAxes(0, 1)
}

// IOSequenceParallelizer wraps the boundary modules declared by infos in SequenceBoundary modules.
func IOSequenceParallelizer(ps *distributed.ParallelState, root nn.Module, infos []SequenceCollectiveOpInfo) error {
	for _, info := range infos {
		if err := info.Validate(); err != nil {
			return err
		}
		var re *regexp2.Regexp
		if info.Pattern != "" {
			re, _ = compilePrefixPattern(info.Pattern)
		}
		var matches []nn.NamedModule
		for _, nm := range nn.NamedModules(root) {
			if nm.Name == "" {
				continue
			}
			if (re != nil && matchString(re, nm.Name)) || (info.Kind != "" && nm.Module.Kind() == info.Kind) {
				matches = append(matches, nm)
			}
		}
		if len(matches) == 0 {
			return errors.Wrapf(ErrConfiguration, "no layer matches the sequence parallel %s boundary (kind %q, pattern %q)",
				info.Op, info.Kind, info.Pattern)
		}
		target := matches[0]
		if info.FirstOrLast == MatchLast {
			target = matches[len(matches)-1]
		}
		boundary := &SequenceBoundary{Inner: target.Module, Op: info.Op, IO: info.IO, state: ps}
		if err := nn.SetSubmodule(root, target.Name, boundary); err != nil {
			return err
		}
		klog.V(1).Infof("sequence parallel %s at the %s of %q", info.Op, info.IO, target.Name)
	}
	return nil
}

// NormSequenceParallelizer rebuilds the normalization layers whose qualified name matches one of the patterns (at
// its start) as sequence parallel norms of the given type. It returns the names of the rebuilt layers.
func NormSequenceParallelizer(root nn.Module, patterns []string, normType nn.NormType) ([]string, error) {
	res := make([]*regexp2.Regexp, len(patterns))
	for i, pattern := range patterns {
		var err error
		if res[i], err = compilePrefixPattern(pattern); err != nil {
			return nil, err
		}
	}
	var names []string
	for _, nm := range nn.NamedModules(root) {
		matched := false
		for _, re := range res {
			if matchString(re, nm.Name) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		norm, ok := nm.Module.(*nn.Norm)
		if !ok {
			klog.V(2).Infof("%q matches a norm pattern but is a %s, skipping it", nm.Name, nm.Module.Kind())
			continue
		}
		if err := nn.SetSubmodule(root, nm.Name, nn.NewSequenceParallelNorm(norm, normType, true)); err != nil {
			return nil, err
		}
		names = append(names, nm.Name)
	}
	return names, nil
}

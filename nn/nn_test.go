package nn

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/shardtrain/checkpoint"
	"github.com/gomlx/shardtrain/tensor"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyTree builds:
//
//	root
//	├── embed (Embedding [6, 4])
//	├── layers (Container)
//	│   └── 0 (Linear [4, 4] + bias)
//	└── head (Linear [6, 4], weight tied to embed)
func tinyTree() *Container {
	embed := NewEmbedding(tensor.Arange(6, 4))
	linear := NewLinear(tensor.Arange(4, 4), tensor.Arange(4))
	layers := NewContainer("Layers", NamedModule{"0", linear})
	head := NewLinear(tensor.Arange(6, 4), nil)
	head.Params().Set("weight", embed.Weight())
	return NewContainer("Root",
		NamedModule{"embed", embed},
		NamedModule{"layers", layers},
		NamedModule{"head", head})
}

func TestTreeNames(t *testing.T) {
	root := tinyTree()
	var moduleNames []string
	for _, nm := range NamedModules(root) {
		moduleNames = append(moduleNames, nm.Name)
	}
	if diff := cmp.Diff([]string{"", "embed", "layers", "layers.0", "head"}, moduleNames); diff != "" {
		t.Errorf("NamedModules mismatch (-want +got):\n%s", diff)
	}

	var paramNames []string
	for _, np := range NamedParameters(root) {
		paramNames = append(paramNames, np.Name)
	}
	if diff := cmp.Diff([]string{"embed.weight", "layers.0.weight", "layers.0.bias"}, paramNames); diff != "" {
		t.Errorf("NamedParameters mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"embed.weight", "layers.0.weight", "layers.0.bias", "head.weight"}, ParameterNames(root))
	assert.Equal(t, [][]string{{"embed.weight", "head.weight"}}, TiedParameterGroups(root))

	m := must.M1(GetSubmodule(root, "layers.0"))
	assert.Equal(t, KindLinear, m.Kind())
	_, err := GetSubmodule(root, "layers.1")
	require.Error(t, err)

	p := must.M1(GetParameter(root, "layers.0.bias"))
	assert.Equal(t, []int{4}, p.Shape.Dimensions)
	_, err = GetParameter(root, "layers.0.scale")
	require.Error(t, err)

	replacement := NewLinear(tensor.Arange(4, 4), nil)
	require.NoError(t, SetSubmodule(root, "layers.0", replacement))
	assert.Equal(t, Module(replacement), must.M1(GetSubmodule(root, "layers.0")))
}

func TestMoveToDeviceAndTie(t *testing.T) {
	root := tinyTree()
	groups := TiedParameterGroups(root)
	before := must.M1(GetParameter(root, "layers.0.weight"))

	MoveToDevice(root, "xla:0")
	after := must.M1(GetParameter(root, "layers.0.weight"))
	assert.NotSame(t, before, after)
	assert.Equal(t, "xla:0", after.Device)
	assert.True(t, before.Value.Equal(after.Value))
	assert.Empty(t, TiedParameterGroups(root), "moving to a device breaks ties")

	require.NoError(t, TieParameters(root, groups))
	assert.Equal(t, groups, TiedParameterGroups(root))
	assert.Same(t, must.M1(GetParameter(root, "embed.weight")), must.M1(GetParameter(root, "head.weight")))
}

func TestLocalParameters(t *testing.T) {
	names := func(nps []NamedParameter) []string {
		var result []string
		for _, np := range nps {
			result = append(result, np.Name)
		}
		return result
	}
	model := NewModel(tinyTree(), nil)
	assert.Equal(t, []string{"embed.weight", "layers.0.weight", "layers.0.bias"}, names(model.LocalParameters()))

	testCases := []struct {
		name  string
		stage []string
		want  []string
	}{
		{"first stage", []string{"embed.weight", "layers.0.weight", "layers.0.bias"},
			[]string{"embed.weight", "layers.0.weight", "layers.0.bias"}},
		{"last stage owns the tied head", []string{"head.weight"}, []string{"head.weight"}},
		{"both slots", []string{"embed.weight", "head.weight"}, []string{"embed.weight"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			model := NewModel(tinyTree(), nil)
			model.StageParameters = make(map[string]bool)
			for _, name := range tc.stage {
				model.StageParameters[name] = true
			}
			assert.Equal(t, tc.want, names(model.LocalParameters()))
			assert.Equal(t, tc.want, checkpoint.Names(model.StateDict()), "state dict follows the local parameters")
		})
	}
}

func TestLayersForward(t *testing.T) {
	ctx := context.Background()
	embed := NewEmbedding(tensor.Arange(6, 2))
	ids := must.M1(tensor.FromValue([][]int32{{5, 0}}))
	out := must.M1(embed.Forward(ctx, ids))[0]
	assert.Equal(t, []int{1, 2, 2}, out.Shape().Dimensions)
	assert.Equal(t, []float32{10, 11, 0, 1}, out.Flat())

	linear := NewLinear(must.M1(tensor.FromValue([][]float32{{1, 1}, {0, 2}})), must.M1(tensor.FromValue([]float32{1, 0})))
	out = must.M1(linear.Forward(ctx, must.M1(tensor.FromValue([]float32{3, 4}))))[0]
	assert.Equal(t, []float32{8, 8}, out.Flat())

	meta := NewMetaLinear(out.DType(), 2, 2, true)
	_, err := meta.Forward(ctx, out)
	require.Error(t, err)

	x := must.M1(tensor.FromValue([][]float32{{1, 3}}))
	rms := NewNorm(NormRMS, 2, 0)
	out = must.M1(rms.Forward(ctx, x))[0]
	scale := 1 / math.Sqrt(5)
	assert.InDelta(t, scale, out.Flat()[0], 1e-6)
	assert.InDelta(t, 3*scale, out.Flat()[1], 1e-6)

	layerNorm := NewNorm(NormStandard, 2, 0)
	out = must.M1(layerNorm.Forward(ctx, x))[0]
	assert.InDelta(t, -1.0, out.Flat()[0], 1e-6)
	assert.InDelta(t, 1.0, out.Flat()[1], 1e-6)

	spNorm := NewSequenceParallelNorm(layerNorm, NormRMS, true)
	assert.Equal(t, KindRMSNorm, spNorm.Kind())
	assert.Same(t, layerNorm.Param("weight"), spNorm.Param("weight"))
	assert.True(t, spNorm.Param("weight").SequenceParallel)
}

func TestCrossEntropy(t *testing.T) {
	ctx := context.Background()
	logits := must.M1(tensor.FromValue([][]float32{{0, 0}, {1, 2}, {5, 5}}))
	labels := must.M1(tensor.FromValue([]int32{0, 1, IgnoreIndex}))
	loss := must.M1(CrossEntropy(CrossEntropyOptions{IgnoreIndex: IgnoreIndex})(ctx, logits, labels))
	want := (math.Log(2) + (math.Log(math.Exp(1)+math.Exp(2)) - 2)) / 2
	assert.InDelta(t, want, loss.Flat()[0], 1e-6)

	perToken := must.M1(CrossEntropy(CrossEntropyOptions{IgnoreIndex: IgnoreIndex, Reduction: ReductionNone})(ctx, logits, labels))
	assert.Equal(t, []int{3}, perToken.Shape().Dimensions)
	assert.Equal(t, float32(0), perToken.Flat()[2])

	smoothed := must.M1(CrossEntropy(CrossEntropyOptions{IgnoreIndex: IgnoreIndex, LabelSmoothing: 1})(ctx, logits, labels))
	wantSmooth := (math.Log(2) + (math.Log(math.Exp(1)+math.Exp(2)) - 1.5)) / 2
	assert.InDelta(t, wantSmooth, smoothed.Flat()[0], 1e-6)

	_, err := CrossEntropy(CrossEntropyOptions{IgnoreIndex: IgnoreIndex})(ctx, logits, must.M1(tensor.FromValue([]int32{0, 7, 1})))
	require.Error(t, err)
}

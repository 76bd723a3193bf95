package exporter

import (
	"fmt"
	"math"

	"github.com/zerfoo/zerfoo/tensor"

	"github.com/zerfoo/pt2onnx/internal/onnx"
	"github.com/zerfoo/pt2onnx/pkg/trace"
)

// graph is the traced graph while the export passes rewrite it.
type graph struct {
	inputs []trace.Value
	nodes  []*onnx.NodeProto
	inits  []*trace.Initializer
	shapes map[string][]int64
	output string
	fresh  int
}

func newGraph(tg *trace.Graph, out trace.Value) *graph {
	return &graph{
		inputs: tg.Inputs,
		nodes:  tg.Nodes,
		inits:  tg.Initializers,
		shapes: tg.Shapes,
		output: out.Name,
	}
}

func (g *graph) initializer(name string) *trace.Initializer {
	for _, init := range g.inits {
		if init.Name == name {
			return init
		}
	}
	return nil
}

func (g *graph) isInput(name string) bool {
	for _, in := range g.inputs {
		if in.Name == name {
			return true
		}
	}
	return false
}

// freshName returns an unused constant name in the torch style.
func (g *graph) freshName(prefix string) string {
	for {
		name := fmt.Sprintf("%s_%d", prefix, len(g.inits)+g.fresh)
		g.fresh++
		if g.initializer(name) == nil {
			return name
		}
	}
}

// eliminateIdentity drops Identity nodes, rewiring their consumers to the
// Identity's input. An Identity that alone separates the graph output from a
// graph input or initializer is kept.
func (g *graph) eliminateIdentity() {
	alias := make(map[string]string)
	resolve := func(name string) string {
		for {
			a, ok := alias[name]
			if !ok {
				return name
			}
			name = a
		}
	}
	produced := make(map[string]bool)
	kept := make([]*onnx.NodeProto, 0, len(g.nodes))
	for _, n := range g.nodes {
		for i, in := range n.Input {
			n.Input[i] = resolve(in)
		}
		if n.OpType == "Identity" && len(n.Input) == 1 && len(n.Output) == 1 {
			src := n.Input[0]
			if n.Output[0] != g.output || produced[src] {
				alias[n.Output[0]] = src
				continue
			}
		}
		for _, out := range n.Output {
			produced[out] = true
		}
		kept = append(kept, n)
	}
	g.nodes = kept
	g.output = resolve(g.output)
}

// fuseConvBatchNorm folds each BatchNormalization that is the only consumer
// of a Conv output into that Conv's weight and bias.
func (g *graph) fuseConvBatchNorm() (int, error) {
	producer := make(map[string]*onnx.NodeProto)
	consumers := make(map[string]int)
	for _, n := range g.nodes {
		for _, out := range n.Output {
			producer[out] = n
		}
		for _, in := range n.Input {
			consumers[in]++
		}
	}

	removed := make(map[*onnx.NodeProto]bool)
	for _, bn := range g.nodes {
		if bn.OpType != "BatchNormalization" || len(bn.Input) != 5 {
			continue
		}
		conv := producer[bn.Input[0]]
		if conv == nil || conv.OpType != "Conv" || consumers[bn.Input[0]] != 1 || bn.Input[0] == g.output {
			continue
		}
		w := g.initializer(conv.Input[1])
		gamma, beta := g.initializer(bn.Input[1]), g.initializer(bn.Input[2])
		mean, variance := g.initializer(bn.Input[3]), g.initializer(bn.Input[4])
		if w == nil || gamma == nil || beta == nil || mean == nil || variance == nil {
			continue
		}
		var bias *trace.Initializer
		if len(conv.Input) > 2 {
			if bias = g.initializer(conv.Input[2]); bias == nil {
				continue
			}
		}

		eps := float32(1e-5)
		if a := bn.FindAttribute("epsilon"); a != nil {
			eps = a.F
		}
		fw, fb, err := foldBatchNorm(w, bias, gamma, beta, mean, variance, eps)
		if err != nil {
			return 0, fmt.Errorf("%s and %s: %w", conv.Name, bn.Name, err)
		}

		wName, bName := g.freshName("onnx::Conv"), g.freshName("onnx::Conv")
		g.inits = append(g.inits,
			&trace.Initializer{Name: wName, DataType: onnx.TensorProto_FLOAT, Floats: fw, Param: true},
			&trace.Initializer{Name: bName, DataType: onnx.TensorProto_FLOAT, Floats: fb, Param: true},
		)
		conv.Input = []string{conv.Input[0], wName, bName}
		conv.Output[0] = bn.Output[0]
		removed[bn] = true
	}

	if len(removed) == 0 {
		return 0, nil
	}
	kept := g.nodes[:0]
	for _, n := range g.nodes {
		if !removed[n] {
			kept = append(kept, n)
		}
	}
	g.nodes = kept
	return len(removed), nil
}

// foldBatchNorm scales each output channel of the convolution weight by
// gamma/sqrt(var+eps) and folds the shift into a new bias. A nil bias counts
// as zero.
func foldBatchNorm(w, bias, gamma, beta, mean, variance *trace.Initializer, eps float32) (*tensor.TensorNumeric[float32], *tensor.TensorNumeric[float32], error) {
	for _, init := range []*trace.Initializer{w, gamma, beta, mean, variance} {
		if init.Floats == nil {
			return nil, nil, fmt.Errorf("initializer %s is not FLOAT", init.Name)
		}
	}
	if bias != nil && bias.Floats == nil {
		return nil, nil, fmt.Errorf("initializer %s is not FLOAT", bias.Name)
	}
	shape := w.Floats.Shape()
	oc := gamma.Floats.Size()
	if len(shape) == 0 || oc == 0 || shape[0] != oc || w.Floats.Size()%oc != 0 ||
		beta.Floats.Size() != oc || mean.Floats.Size() != oc || variance.Floats.Size() != oc ||
		(bias != nil && bias.Floats.Size() != oc) {
		return nil, nil, fmt.Errorf("disagree on channel count %d", oc)
	}

	fw := w.Floats.Copy()
	fb, err := tensor.New[float32]([]int{oc}, nil)
	if err != nil {
		return nil, nil, err
	}
	wd, bd := fw.Data(), fb.Data()
	g, b, m, v := gamma.Floats.Data(), beta.Floats.Data(), mean.Floats.Data(), variance.Floats.Data()
	per := len(wd) / oc
	for o := 0; o < oc; o++ {
		s := g[o] / float32(math.Sqrt(float64(v[o]+eps)))
		for k := o * per; k < (o+1)*per; k++ {
			wd[k] *= s
		}
		shift := float32(0)
		if bias != nil {
			shift = bias.Floats.Data()[o]
		}
		bd[o] = (shift-m[o])*s + b[o]
	}
	return fw, fb, nil
}

// pruneInitializers drops initializers no node reads.
func (g *graph) pruneInitializers() {
	used := make(map[string]bool)
	for _, n := range g.nodes {
		for _, in := range n.Input {
			used[in] = true
		}
	}
	used[g.output] = true
	kept := g.inits[:0]
	for _, init := range g.inits {
		if used[init.Name] {
			kept = append(kept, init)
		}
	}
	g.inits = kept
}

// renameOutput gives the graph output its public name.
func (g *graph) renameOutput(name string) {
	old := g.output
	if old == name {
		return
	}
	g.shapes[name] = g.shapes[old]
	g.output = name

	if g.isInput(old) || g.initializer(old) != nil {
		g.nodes = append(g.nodes, &onnx.NodeProto{
			Name:   "/Identity",
			OpType: "Identity",
			Input:  []string{old},
			Output: []string{name},
		})
		return
	}
	for _, n := range g.nodes {
		for i, out := range n.Output {
			if out == old {
				n.Output[i] = name
			}
		}
		for i, in := range n.Input {
			if in == old {
				n.Input[i] = name
			}
		}
	}
}

// proto assembles the GraphProto. Without exportParams, parameters are
// declared as graph inputs and carry no data.
func (g *graph) proto(exportParams bool) *onnx.GraphProto {
	gp := &onnx.GraphProto{Name: graphName, Node: g.nodes}
	for _, in := range g.inputs {
		gp.Input = append(gp.Input, onnx.NewTensorValueInfo(in.Name, onnx.TensorProto_FLOAT, in.Shape))
	}
	for _, init := range g.inits {
		if init.Param && !exportParams {
			gp.Input = append(gp.Input, onnx.NewTensorValueInfo(init.Name, init.DataType, init.Shape()))
			continue
		}
		gp.Initializer = append(gp.Initializer, tensorProto(init))
	}
	gp.Output = []*onnx.ValueInfoProto{onnx.NewTensorValueInfo(g.output, onnx.TensorProto_FLOAT, g.shapes[g.output])}
	return gp
}

// Package inspector prints human-readable summaries of exported models.
package inspector

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/zerfoo/zmf"
	"google.golang.org/protobuf/proto"

	"github.com/zerfoo/pt2onnx/internal/onnx"
)

// InspectONNX reads an ONNX model and writes its summary to w.
func InspectONNX(w io.Writer, inputFile string) error {
	model, err := onnx.ReadFile(inputFile)
	if err != nil {
		return fmt.Errorf("failed to load ONNX model: %w", err)
	}
	SummarizeONNX(w, model)
	return nil
}

// SummarizeONNX writes the summary of an in-memory ONNX model to w.
func SummarizeONNX(w io.Writer, model *onnx.ModelProto) {
	fmt.Fprintf(w, "IR version: %d\n", model.IrVersion)
	fmt.Fprintf(w, "Opset version: %d\n", model.GetOpsetVersion())
	if model.ProducerName != "" {
		fmt.Fprintf(w, "Producer: %s %s\n", model.ProducerName, model.ProducerVersion)
	}
	g := model.GetGraph()
	if g == nil {
		fmt.Fprintln(w, "Model has no graph.")
		return
	}
	for _, in := range g.Input {
		fmt.Fprintf(w, "Input: %s %v\n", in.Name, in.Shape())
	}
	for _, out := range g.Output {
		fmt.Fprintf(w, "Output: %s %v\n", out.Name, out.Shape())
	}
	fmt.Fprintf(w, "Graph has %d nodes and %d initializers.\n", len(g.Node), len(g.Initializer))

	counts := make(map[string]int)
	for _, n := range g.Node {
		counts[n.OpType]++
	}
	ops := make([]string, 0, len(counts))
	for op := range counts {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		fmt.Fprintf(w, "  %-20s %d\n", op, counts[op])
	}
	for _, p := range model.MetadataProps {
		fmt.Fprintf(w, "Metadata: %s = %s\n", p.Key, p.Value)
	}
}

// LoadZMF reads and deserializes a ZMF model from a file.
func LoadZMF(file string) (*zmf.Model, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	model := &zmf.Model{}
	if err := proto.Unmarshal(data, model); err != nil {
		return nil, err
	}
	return model, nil
}

// InspectZMF reads a ZMF model and writes its summary to w.
func InspectZMF(w io.Writer, inputFile string) error {
	model, err := LoadZMF(inputFile)
	if err != nil {
		return fmt.Errorf("failed to load ZMF model: %w", err)
	}

	fmt.Fprintf(w, "Producer: %s %s\n", model.GetMetadata().GetProducerName(), model.GetMetadata().GetProducerVersion())
	fmt.Fprintf(w, "Opset version: %d\n", model.GetMetadata().GetOpsetVersion())
	fmt.Fprintf(w, "Graph has %d nodes.\n", len(model.GetGraph().GetNodes()))
	fmt.Fprintf(w, "Graph has %d parameters.\n", len(model.GetGraph().GetParameters()))

	fmt.Fprintln(w, "\nNodes:")
	for _, node := range model.GetGraph().GetNodes() {
		fmt.Fprintf(w, "- Node: %s, OpType: %s\n", node.GetName(), node.GetOpType())
		fmt.Fprintf(w, "  Inputs: %v\n", node.GetInputs())
		fmt.Fprintf(w, "  Outputs: %v\n", node.GetOutputs())
		if len(node.GetAttributes()) > 0 {
			names := make([]string, 0, len(node.GetAttributes()))
			for name := range node.GetAttributes() {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintln(w, "  Attributes:")
			for _, name := range names {
				fmt.Fprintf(w, "    - %s: %v\n", name, node.GetAttributes()[name].GetValue())
			}
		}
	}
	return nil
}

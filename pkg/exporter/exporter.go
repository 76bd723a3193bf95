// Package exporter traces a reconstructed module over a dummy input and
// writes the resulting graph as an ONNX model.
package exporter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/juju/loggo"
	"github.com/zerfoo/zerfoo/tensor"

	"github.com/zerfoo/pt2onnx/internal/onnx"
	"github.com/zerfoo/pt2onnx/pkg/nn"
	"github.com/zerfoo/pt2onnx/pkg/trace"
)

var logger = loggo.GetLogger("pt2onnx.exporter")

const (
	// MinOpset and MaxOpset bound the supported OpsetVersion values.
	MinOpset = 7
	MaxOpset = 17

	graphName = "main_graph"
)

var (
	// ErrInvalidOptions is returned for options that cannot be honored.
	ErrInvalidOptions = errors.New("invalid export options")
	// ErrTrace wraps every failure raised while running the forward pass.
	ErrTrace = errors.New("tracing failed")
)

// Options mirrors the knobs of torch.onnx.export that the converter uses.
type Options struct {
	// ExportParams stores parameters as initializers. When false they become
	// graph inputs.
	ExportParams bool
	OpsetVersion int64
	// DoConstantFolding fuses BatchNormalization into the preceding Conv and
	// drops initializers nothing reads.
	DoConstantFolding bool
	InputNames        []string
	OutputNames       []string
	ProducerName      string
	ProducerVersion   string
}

// DefaultOptions returns the fixed options the converter exports with.
func DefaultOptions() Options {
	return Options{
		ExportParams:      true,
		OpsetVersion:      11,
		DoConstantFolding: true,
		InputNames:        []string{"input"},
		OutputNames:       []string{"output"},
		ProducerName:      "pt2onnx",
		ProducerVersion:   "0.1.0",
	}
}

func (o Options) validate() error {
	if o.OpsetVersion < MinOpset || o.OpsetVersion > MaxOpset {
		return fmt.Errorf("%w: opset %d outside [%d, %d]", ErrInvalidOptions, o.OpsetVersion, MinOpset, MaxOpset)
	}
	if len(o.InputNames) != 1 || o.InputNames[0] == "" {
		return fmt.Errorf("%w: want exactly one input name, got %v", ErrInvalidOptions, o.InputNames)
	}
	if len(o.OutputNames) != 1 || o.OutputNames[0] == "" {
		return fmt.Errorf("%w: want exactly one output name, got %v", ErrInvalidOptions, o.OutputNames)
	}
	return nil
}

// IRVersion returns the ONNX IR version that shipped with an opset release.
func IRVersion(opset int64) int64 {
	switch {
	case opset <= 8:
		return 3
	case opset == 9:
		return 4
	case opset == 10:
		return 5
	case opset == 11:
		return 6
	case opset <= 14:
		return 7
	default:
		return 8
	}
}

// minOpset lists operators whose opset-11 signature (constant inputs in place
// of attributes) is not available in earlier opsets.
var minOpset = map[string]int64{
	"Clip":   11,
	"Resize": 11,
}

// Trace runs the module's forward pass on a symbolic copy of input and
// returns the optimized model without writing it.
func Trace(m nn.Module, input *tensor.TensorNumeric[float32], opts Options) (model *onnx.ModelProto, err error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if input == nil {
		return nil, fmt.Errorf("%w: nil input", ErrInvalidOptions)
	}
	if m.Training() {
		logger.Warningf("%s is in training mode; exporting as-is", m.TypeName())
	}

	shape := tensor.ConvertIntToInt64(input.Shape())

	defer func() {
		if r := recover(); r != nil {
			model = nil
			err = fmt.Errorf("%w: panic in %s forward pass: %v", ErrTrace, m.TypeName(), r)
		}
	}()

	t := trace.New()
	x := t.Input(opts.InputNames[0], shape)
	y, err := m.Export(t, x)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTrace, err)
	}

	g := newGraph(t.Graph(), y)
	g.eliminateIdentity()
	if opts.DoConstantFolding {
		fused, err := g.fuseConvBatchNorm()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTrace, err)
		}
		logger.Debugf("fused %d Conv+BatchNormalization pairs", fused)
		g.pruneInitializers()
	}
	g.renameOutput(opts.OutputNames[0])

	for _, n := range g.nodes {
		if v, ok := minOpset[n.OpType]; ok && opts.OpsetVersion < v {
			return nil, fmt.Errorf("%w: %s requires opset %d or newer, got %d", ErrInvalidOptions, n.Name, v, opts.OpsetVersion)
		}
	}

	model = &onnx.ModelProto{
		IrVersion:       IRVersion(opts.OpsetVersion),
		OpsetImport:     []*onnx.OperatorSetIdProto{{Domain: "", Version: opts.OpsetVersion}},
		ProducerName:    opts.ProducerName,
		ProducerVersion: opts.ProducerVersion,
		Graph:           g.proto(opts.ExportParams),
		MetadataProps:   metadata(m),
	}
	return model, nil
}

// Export traces m and writes the model to path.
func Export(ctx context.Context, m nn.Module, input *tensor.TensorNumeric[float32], path string, opts Options) (*onnx.ModelProto, error) {
	model, err := Trace(m, input, opts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := Save(model, path); err != nil {
		return nil, err
	}
	return model, nil
}

// Save marshals model into one buffer and writes it to path.
func Save(model *onnx.ModelProto, path string) error {
	b, err := model.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("failed to write ONNX model: %w", err)
	}
	logger.Infof("wrote %s (%s, %d nodes, %d initializers)", path, humanize.Bytes(uint64(len(b))),
		len(model.Graph.Node), len(model.Graph.Initializer))
	return nil
}

func metadata(m nn.Module) []*onnx.StringStringEntryProto {
	md, ok := m.(interface{ Metadata() map[string]string })
	if !ok {
		return nil
	}
	props := md.Metadata()
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*onnx.StringStringEntryProto, len(keys))
	for i, k := range keys {
		out[i] = &onnx.StringStringEntryProto{Key: k, Value: props[k]}
	}
	return out
}

// tensorProto encodes an initializer as little-endian raw data.
func tensorProto(init *trace.Initializer) *onnx.TensorProto {
	tp := &onnx.TensorProto{
		Name:     init.Name,
		DataType: int32(init.DataType),
	}
	if dims := init.Shape(); len(dims) > 0 {
		tp.Dims = dims
	}
	switch {
	case init.Ints != nil:
		data := init.Ints.Data()
		tp.RawData = make([]byte, 8*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint64(tp.RawData[i*8:], uint64(v))
		}
	case init.Floats != nil:
		data := init.Floats.Data()
		tp.RawData = make([]byte, 4*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint32(tp.RawData[i*4:], math.Float32bits(v))
		}
	}
	return tp
}

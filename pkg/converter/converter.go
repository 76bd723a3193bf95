// Package converter turns a PyTorch checkpoint into an ONNX file next to it:
// validate the path, resolve the model definition, load the checkpoint,
// switch to inference mode, trace a dummy input and write the graph.
package converter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/loggo"
	"github.com/zerfoo/zerfoo/tensor"

	"github.com/zerfoo/pt2onnx/pkg/checkpoint"
	"github.com/zerfoo/pt2onnx/pkg/exporter"
	"github.com/zerfoo/pt2onnx/pkg/nn"
	"github.com/zerfoo/pt2onnx/pkg/registry"
)

var logger = loggo.GetLogger("pt2onnx.converter")

// DefaultModelType is the model definition checkpoints are expected to hold.
const DefaultModelType = "models.yolo.DetectionModel"

// InputShape is the shape of the dummy input the model is traced with.
var InputShape = []int{1, 3, 224, 224}

// Kind classifies a conversion failure.
type Kind int

const (
	FileNotFound Kind = iota + 1
	MissingDependency
	LoadError
	ExportError
)

var (
	ErrFileNotFound      = errors.New("file not found")
	ErrMissingDependency = errors.New("model definition not available")
	ErrLoad              = errors.New("failed to load model")
	ErrExport            = errors.New("failed to export model")
)

func (k Kind) sentinel() error {
	switch k {
	case FileNotFound:
		return ErrFileNotFound
	case MissingDependency:
		return ErrMissingDependency
	case LoadError:
		return ErrLoad
	case ExportError:
		return ErrExport
	}
	return nil
}

func (k Kind) String() string {
	switch k {
	case FileNotFound:
		return "FileNotFound"
	case MissingDependency:
		return "MissingDependency"
	case LoadError:
		return "LoadError"
	case ExportError:
		return "ExportError"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is returned by Convert. errors.Is matches it against the sentinel of
// its Kind as well as anything in the wrapped chain.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind.sentinel(), e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Options configures a Converter.
type Options struct {
	// ModelType is the fully qualified class name placed on the allow-list.
	ModelType string
	// EmitZMF also writes a .zmf copy of the exported model.
	EmitZMF bool
	// Seed for the dummy input values; zero picks a time-based seed. The
	// tracer reads only the input's shape, so the seed never changes the
	// exported graph. The CLI sets it from PT2ONNX_SEED.
	Seed   int64
	Export exporter.Options
}

// DefaultOptions returns the options the interactive tool runs with.
func DefaultOptions() Options {
	return Options{
		ModelType: DefaultModelType,
		Export:    exporter.DefaultOptions(),
	}
}

// Result describes a successful conversion.
type Result struct {
	OutputPath   string
	ZMFPath      string
	Nodes        int
	Initializers int
	Bytes        int64
}

// Converter runs the conversion pipeline.
type Converter struct {
	opts Options
}

// New returns a Converter.
func New(opts Options) *Converter {
	if opts.ModelType == "" {
		opts.ModelType = DefaultModelType
	}
	return &Converter{opts: opts}
}

// OutputPath replaces the final extension of path with ".onnx". Leading dots
// of the file name do not start an extension.
func OutputPath(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if !strings.Contains(strings.TrimLeft(base, "."), ".") {
		ext = ""
	}
	return strings.TrimSuffix(path, ext) + ".onnx"
}

// Convert converts the checkpoint at path. Every failure is an *Error; no
// output is written unless loading succeeded.
func (c *Converter) Convert(ctx context.Context, path string) (*Result, error) {
	fail := func(kind Kind, err error) (*Result, error) {
		logger.Errorf("%s: %v", kind, err)
		return nil, &Error{Kind: kind, Path: path, Err: err}
	}

	if path == "" {
		return fail(FileNotFound, errors.New("no path given"))
	}
	info, err := os.Stat(path)
	if err != nil {
		return fail(FileNotFound, err)
	}
	if !info.Mode().IsRegular() {
		return fail(FileNotFound, fmt.Errorf("%s is not a regular file", path))
	}

	allow, err := registry.AllowListFor(c.opts.ModelType)
	if err != nil {
		return fail(MissingDependency, err)
	}

	logger.Infof("loading %s as %s", path, c.opts.ModelType)
	ckpt, err := checkpoint.Load(path, allow)
	if err != nil {
		return fail(LoadError, err)
	}
	model, ok := ckpt.Root.(nn.Module)
	if !ok {
		return fail(LoadError, fmt.Errorf("%w: %T is not a module", checkpoint.ErrRootType, ckpt.Root))
	}
	logger.Debugf("loaded %s from archive %q with %d storages", model.TypeName(), ckpt.Archive, ckpt.Storages)

	model.Train(false)

	input, err := c.dummyInput()
	if err != nil {
		return fail(ExportError, err)
	}

	out := OutputPath(path)
	onnxModel, err := exporter.Export(ctx, model, input, out, c.opts.Export)
	if err != nil {
		return fail(ExportError, err)
	}

	res := &Result{
		OutputPath:   out,
		Nodes:        len(onnxModel.Graph.Node),
		Initializers: len(onnxModel.Graph.Initializer),
	}
	if st, err := os.Stat(out); err == nil {
		res.Bytes = st.Size()
	}

	if c.opts.EmitZMF {
		zpath := strings.TrimSuffix(out, ".onnx") + ".zmf"
		n, err := WriteZMF(onnxModel, zpath)
		if err != nil {
			return fail(ExportError, err)
		}
		logger.Infof("wrote %s (%d bytes)", zpath, n)
		res.ZMFPath = zpath
	}
	return res, nil
}

// dummyInput returns a tensor of InputShape holding standard-normal samples
// drawn from Options.Seed (PT2ONNX_SEED on the command line). Tracing is
// symbolic and reads only Shape(); the values are never read.
func (c *Converter) dummyInput() (*tensor.TensorNumeric[float32], error) {
	t, err := tensor.New[float32](InputShape, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build dummy input: %w", err)
	}
	seed := c.opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	data := t.Data()
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return t, nil
}

package testutil

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// ArchiveName is the top-level directory torch.save writes for "model.pt".
const ArchiveName = "model"

// CheckpointBytes pickles root and packs it with its tensor records into a
// torch zip archive.
func CheckpointBytes(t *testing.T, root interface{}) []byte {
	t.Helper()
	return ArchiveBytes(t, root, "little")
}

// ArchiveBytes is CheckpointBytes with the given byteorder record.
func ArchiveBytes(t *testing.T, root interface{}, byteOrder string) []byte {
	t.Helper()
	p := NewPickler()
	p.Dump(root)
	pkl := p.Bytes()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	write := func(name string, data []byte) {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: ArchiveName + "/" + name, Method: zip.Store})
		require.NoError(t, err, "Failed to create record %s", name)
		_, err = w.Write(data)
		require.NoError(t, err, "Failed to write record %s", name)
	}
	write("data.pkl", pkl)
	write("byteorder", []byte(byteOrder))
	keys := make([]string, 0, len(p.Records))
	for k := range p.Records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write("data/"+k, p.Records[k])
	}
	write("version", []byte("3\n"))
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// WriteCheckpoint writes root as a checkpoint file under dir and returns its path.
func WriteCheckpoint(t *testing.T, dir, name string, root interface{}) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, CheckpointBytes(t, root), 0o644), "Failed to write checkpoint %s", path)
	return path
}

// module returns the __dict__ every nn.Module pickles, with extra attributes
// appended.
func module(params, buffers, modules Dict, extra ...Item) Dict {
	d := Dict{
		{"training", true},
		{"_parameters", params},
		{"_buffers", buffers},
		{"_modules", modules},
	}
	return append(d, extra...)
}

func ramp(n int64, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = scale * float32(i%7-3)
	}
	return out
}

func filled(n int64, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func pair(v int64) Tuple { return Tuple{v, v} }

// Conv2d returns a torch.nn.Conv2d with deterministic weights.
func Conv2d(in, out, kernel, stride, padding int64, bias bool) Object {
	params := Dict{{"weight", Tensor{Shape: []int64{out, in, kernel, kernel}, Data: ramp(out*in*kernel*kernel, 0.01), Param: true}}}
	if bias {
		params = append(params, Item{"bias", Tensor{Shape: []int64{out}, Data: ramp(out, 0.1), Param: true}})
	} else {
		params = append(params, Item{"bias", nil})
	}
	return Object{Module: "torch.nn.modules.conv", Name: "Conv2d", State: module(params, Dict{}, Dict{},
		Item{"in_channels", in},
		Item{"out_channels", out},
		Item{"kernel_size", pair(kernel)},
		Item{"stride", pair(stride)},
		Item{"padding", pair(padding)},
		Item{"dilation", pair(1)},
		Item{"transposed", false},
		Item{"output_padding", pair(0)},
		Item{"groups", int64(1)},
		Item{"padding_mode", "zeros"},
	)}
}

// BatchNorm2d returns a torch.nn.BatchNorm2d with unit statistics.
func BatchNorm2d(features int64) Object {
	shape := []int64{features}
	return Object{Module: "torch.nn.modules.batchnorm", Name: "BatchNorm2d", State: module(
		Dict{
			{"weight", Tensor{Shape: shape, Data: filled(features, 1), Param: true}},
			{"bias", Tensor{Shape: shape, Data: filled(features, 0), Param: true}},
		},
		Dict{
			{"running_mean", Tensor{Shape: shape, Data: ramp(features, 0.05)}},
			{"running_var", Tensor{Shape: shape, Data: filled(features, 1)}},
			{"num_batches_tracked", nil},
		},
		Dict{},
		Item{"num_features", features},
		Item{"eps", 1e-5},
		Item{"momentum", 0.1},
		Item{"affine", true},
		Item{"track_running_stats", true},
	)}
}

// Activation returns a parameterless torch.nn activation such as "SiLU".
func Activation(name string) Object {
	return Object{Module: "torch.nn.modules.activation", Name: name, State: module(Dict{}, Dict{}, Dict{},
		Item{"inplace", false},
	)}
}

// MaxPool2d returns a torch.nn.MaxPool2d.
func MaxPool2d(kernel, stride int64) Object {
	return Object{Module: "torch.nn.modules.pooling", Name: "MaxPool2d", State: module(Dict{}, Dict{}, Dict{},
		Item{"kernel_size", kernel},
		Item{"stride", stride},
		Item{"padding", int64(0)},
		Item{"dilation", int64(1)},
		Item{"return_indices", false},
		Item{"ceil_mode", false},
	)}
}

// AdaptiveAvgPool2d returns a torch.nn.AdaptiveAvgPool2d.
func AdaptiveAvgPool2d(size int64) Object {
	return Object{Module: "torch.nn.modules.pooling", Name: "AdaptiveAvgPool2d", State: module(Dict{}, Dict{}, Dict{},
		Item{"output_size", size},
	)}
}

// Flatten returns a torch.nn.Flatten over dims 1..-1.
func Flatten() Object {
	return Object{Module: "torch.nn.modules.flatten", Name: "Flatten", State: module(Dict{}, Dict{}, Dict{},
		Item{"start_dim", int64(1)},
		Item{"end_dim", int64(-1)},
	)}
}

// Linear returns a torch.nn.Linear with deterministic weights.
func Linear(in, out int64) Object {
	return LinearWith(in, out, Tensor{Shape: []int64{out, in}, Data: ramp(out*in, 0.01), Param: true})
}

// LinearWith returns a torch.nn.Linear holding the given weight tensor.
func LinearWith(in, out int64, weight Tensor) Object {
	return Object{Module: "torch.nn.modules.linear", Name: "Linear", State: module(
		Dict{
			{"weight", weight},
			{"bias", Tensor{Shape: []int64{out}, Data: filled(out, 0), Param: true}},
		},
		Dict{}, Dict{},
		Item{"in_features", in},
		Item{"out_features", out},
	)}
}

// Sequential returns a torch.nn.Sequential over children.
func Sequential(children ...Object) Object {
	modules := make(Dict, len(children))
	for i, c := range children {
		modules[i] = Item{strconv.Itoa(i), c}
	}
	return Object{Module: "torch.nn.modules.container", Name: "Sequential", State: module(Dict{}, Dict{}, modules)}
}

// DetectionModel returns a models.yolo.DetectionModel wrapping seq.
func DetectionModel(seq Object) Object {
	return Object{Module: "models.yolo", Name: "DetectionModel", State: module(Dict{}, Dict{}, Dict{{"model", seq}},
		Item{"yaml_file", "yolov5n.yaml"},
		Item{"names", Tuple{"person", "bicycle"}},
	)}
}

// SmallDetector is a (1,3,224,224)-compatible classifier-shaped stack.
func SmallDetector() Object {
	return DetectionModel(Sequential(
		Conv2d(3, 8, 3, 2, 1, false),
		BatchNorm2d(8),
		Activation("SiLU"),
		MaxPool2d(2, 2),
		Conv2d(8, 16, 3, 1, 1, true),
		Activation("ReLU"),
		AdaptiveAvgPool2d(1),
		Flatten(),
		Linear(16, 4),
	))
}

// MismatchedDetector expects four input channels and cannot run on an RGB image.
func MismatchedDetector() Object {
	return DetectionModel(Sequential(
		Conv2d(4, 8, 3, 1, 1, true),
		Activation("ReLU"),
	))
}

// Package checkpoint reads PyTorch checkpoints written by torch.save in the zip
// format and rebuilds the pickled object graph with a restricted unpickler:
// only tensor rebuild helpers, storage types, the standard layer classes in the
// registry and the caller's allow-list may be resolved.
package checkpoint

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/juju/loggo"
	"github.com/nlpodyssey/gopickle/pickle"

	"github.com/zerfoo/pt2onnx/pkg/registry"
)

var logger = loggo.GetLogger("pt2onnx.checkpoint")

var (
	// ErrNotArchive is returned for files that are not torch zip archives,
	// including the legacy tar/pickle format.
	ErrNotArchive = errors.New("not a torch zip checkpoint")
	// ErrDisallowedGlobal is returned when the pickle references a global that
	// is neither built in nor on the allow-list.
	ErrDisallowedGlobal = errors.New("unsupported global")
	// ErrRootType is returned when the root object is not an allow-listed type.
	ErrRootType = errors.New("root object type is not allowed")
)

// Typed is implemented by reconstructed module objects.
type Typed interface {
	TypeName() string
}

// Checkpoint is a loaded archive.
type Checkpoint struct {
	// Root is the unpickled top-level object.
	Root interface{}
	// Archive is the top-level directory name inside the zip.
	Archive string
	// Storages counts the distinct storage records read.
	Storages int
}

// Load reads path and returns the root object, which must be a Typed value
// whose TypeName is on allow. The standard torch.nn layer classes in
// registry.Layer are always resolvable and need not be listed in allow; only
// the root and other custom classes do. A corrupt archive yields an error,
// never a panic.
func Load(path string, allow registry.AllowList) (*Checkpoint, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}
	defer func() {
		if cerr := zr.Close(); cerr != nil {
			logger.Warningf("failed to close %s: %v", path, cerr)
		}
	}()
	return load(&zr.Reader, allow)
}

// LoadReader reads a checkpoint from an in-memory archive.
func LoadReader(r io.ReaderAt, size int64, allow registry.AllowList) (*Checkpoint, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}
	return load(zr, allow)
}

func load(zr *zip.Reader, allow registry.AllowList) (*Checkpoint, error) {
	a, err := newArchive(zr)
	if err != nil {
		return nil, err
	}
	logger.Debugf("reading archive %q with %d records", a.prefix, len(a.files))

	pkl, err := a.read("data.pkl")
	if err != nil {
		return nil, err
	}
	if order, err := a.read("byteorder"); err == nil {
		if o := strings.TrimSpace(string(order)); o != "little" {
			return nil, fmt.Errorf("unsupported byte order %q", o)
		}
	}

	u := &unpickler{archive: a, allow: allow, storages: make(map[string]*Storage)}
	root, err := u.load(pkl)
	if err != nil {
		return nil, err
	}

	typed, ok := root.(Typed)
	if !ok {
		return nil, fmt.Errorf("%w: root object is %T, not a model", ErrRootType, root)
	}
	if !allow.Allows(typed.TypeName()) {
		return nil, fmt.Errorf("%w: %s", ErrRootType, typed.TypeName())
	}
	return &Checkpoint{Root: root, Archive: strings.TrimSuffix(a.prefix, "/"), Storages: len(u.storages)}, nil
}

type archive struct {
	prefix string
	files  map[string]*zip.File
}

func newArchive(zr *zip.Reader) (*archive, error) {
	a := &archive{files: make(map[string]*zip.File)}
	found := false
	for _, f := range zr.File {
		a.files[f.Name] = f
		if found {
			continue
		}
		if f.Name == "data.pkl" || strings.HasSuffix(f.Name, "/data.pkl") {
			a.prefix = strings.TrimSuffix(f.Name, "data.pkl")
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: data.pkl record not found", ErrNotArchive)
	}
	return a, nil
}

func (a *archive) read(name string) ([]byte, error) {
	f, ok := a.files[a.prefix+name]
	if !ok {
		return nil, fmt.Errorf("record %s not found in archive", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open record %s: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", name, err)
	}
	return data, nil
}

type unpickler struct {
	archive  *archive
	allow    registry.AllowList
	storages map[string]*Storage
}

func (u *unpickler) load(pkl []byte) (obj interface{}, err error) {
	// gopickle indexes opcode arguments without checking their length
	defer func() {
		if r := recover(); r != nil {
			obj = nil
			err = fmt.Errorf("failed to unpickle data.pkl: malformed pickle: %v", r)
		}
	}()
	up := pickle.NewUnpickler(bytes.NewReader(pkl))
	up.FindClass = u.findClass
	up.PersistentLoad = u.persistentLoad
	obj, err = up.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle data.pkl: %w", err)
	}
	return obj, nil
}

func (u *unpickler) findClass(module, name string) (interface{}, error) {
	full := module + "." + name
	switch full {
	case "torch._utils._rebuild_tensor_v2":
		return callable(rebuildTensor), nil
	case "torch._utils._rebuild_parameter":
		return callable(rebuildParameter), nil
	case "collections.OrderedDict":
		return orderedDictClass, nil
	case "builtins.set", "__builtin__.set":
		return setClass, nil
	}
	if st, ok := storageTypes[full]; ok {
		return st, nil
	}
	if class, ok := registry.Layer(full); ok {
		return class, nil
	}
	if class, ok := u.allow[full]; ok {
		return class, nil
	}
	logger.Debugf("rejecting global %s", full)
	return nil, fmt.Errorf("%w: %s", ErrDisallowedGlobal, full)
}

// persistentLoad resolves ('storage', storage_type, key, location, numel).
func (u *unpickler) persistentLoad(pid interface{}) (interface{}, error) {
	fields, err := ToSlice(pid)
	if err != nil {
		return nil, fmt.Errorf("persistent id: %w", err)
	}
	if len(fields) != 5 {
		return nil, fmt.Errorf("persistent id has %d fields, want 5", len(fields))
	}
	if kind, _ := fields[0].(string); kind != "storage" {
		return nil, fmt.Errorf("unsupported persistent id kind %v", fields[0])
	}
	st, ok := fields[1].(StorageType)
	if !ok {
		return nil, fmt.Errorf("persistent id storage type is %T", fields[1])
	}
	key, ok := fields[2].(string)
	if !ok {
		return nil, fmt.Errorf("persistent id key is %T", fields[2])
	}
	numel, err := ToInt(fields[4])
	if err != nil {
		return nil, fmt.Errorf("persistent id numel: %w", err)
	}
	if s, ok := u.storages[key]; ok {
		return s, nil
	}
	raw, err := u.archive.read("data/" + key)
	if err != nil {
		return nil, err
	}
	s, err := decodeStorage(st, key, raw, int(numel))
	if err != nil {
		return nil, err
	}
	u.storages[key] = s
	return s, nil
}

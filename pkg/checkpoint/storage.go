package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// StorageType is a torch typed-storage class such as torch.FloatStorage.
type StorageType struct {
	Name     string
	ItemSize int
	Float    bool
}

var storageTypes = map[string]StorageType{
	"torch.FloatStorage":    {Name: "FloatStorage", ItemSize: 4, Float: true},
	"torch.DoubleStorage":   {Name: "DoubleStorage", ItemSize: 8, Float: true},
	"torch.HalfStorage":     {Name: "HalfStorage", ItemSize: 2, Float: true},
	"torch.BFloat16Storage": {Name: "BFloat16Storage", ItemSize: 2, Float: true},
	"torch.LongStorage":     {Name: "LongStorage", ItemSize: 8},
	"torch.IntStorage":      {Name: "IntStorage", ItemSize: 4},
	"torch.ShortStorage":    {Name: "ShortStorage", ItemSize: 2},
	"torch.CharStorage":     {Name: "CharStorage", ItemSize: 1},
	"torch.ByteStorage":     {Name: "ByteStorage", ItemSize: 1},
	"torch.BoolStorage":     {Name: "BoolStorage", ItemSize: 1},
}

// Storage is a flat buffer read from one archive record. Floating point
// storages are widened or narrowed to float32, integer storages to int64.
type Storage struct {
	Type   StorageType
	Key    string
	Floats []float32
	Ints   []int64
}

// Len returns the number of elements.
func (s *Storage) Len() int {
	if s.Type.Float {
		return len(s.Floats)
	}
	return len(s.Ints)
}

func decodeStorage(st StorageType, key string, raw []byte, numel int) (*Storage, error) {
	if numel < 0 {
		return nil, fmt.Errorf("storage %s has negative element count %d", key, numel)
	}
	if numel > len(raw)/st.ItemSize {
		return nil, fmt.Errorf("storage %s holds %d bytes, want %d elements of %s", key, len(raw), numel, st.Name)
	}
	s := &Storage{Type: st, Key: key}
	le := binary.LittleEndian
	if st.Float {
		s.Floats = make([]float32, numel)
		for i := range s.Floats {
			switch st.Name {
			case "FloatStorage":
				s.Floats[i] = math.Float32frombits(le.Uint32(raw[i*4:]))
			case "DoubleStorage":
				s.Floats[i] = float32(math.Float64frombits(le.Uint64(raw[i*8:])))
			case "HalfStorage":
				s.Floats[i] = float16.Frombits(le.Uint16(raw[i*2:])).Float32()
			case "BFloat16Storage":
				s.Floats[i] = math.Float32frombits(uint32(le.Uint16(raw[i*2:])) << 16)
			}
		}
		return s, nil
	}
	s.Ints = make([]int64, numel)
	for i := range s.Ints {
		switch st.ItemSize {
		case 8:
			s.Ints[i] = int64(le.Uint64(raw[i*8:]))
		case 4:
			s.Ints[i] = int64(int32(le.Uint32(raw[i*4:])))
		case 2:
			s.Ints[i] = int64(int16(le.Uint16(raw[i*2:])))
		default:
			if st.Name == "CharStorage" {
				s.Ints[i] = int64(int8(raw[i]))
			} else {
				s.Ints[i] = int64(raw[i])
			}
		}
	}
	return s, nil
}

// Package testutil writes small torch.save style checkpoints for tests: a
// protocol-2 pickle of a module tree plus the zip records holding its tensors.
package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strconv"
)

// Pickle opcodes used by torch.save at protocol 2.
const (
	opProto      = 0x80
	opGlobal     = 'c'
	opEmptyDict  = '}'
	opEmptyTuple = ')'
	opMark       = '('
	opSetItems   = 'u'
	opTuple      = 't'
	opBinUnicode = 'X'
	opBinInt     = 'J'
	opLong1      = 0x8a
	opBinFloat   = 'G'
	opNewTrue    = 0x88
	opNewFalse   = 0x89
	opNone       = 'N'
	opNewObj     = 0x81
	opBuild      = 'b'
	opReduce     = 'R'
	opBinPersID  = 'Q'
	opStop       = '.'
)

// Item is one dict entry.
type Item struct {
	Key   interface{}
	Value interface{}
}

// Dict is a pickled dict with a fixed entry order.
type Dict []Item

// Tuple is a pickled tuple.
type Tuple []interface{}

// Object is an instance rebuilt with NEWOBJ + BUILD, the way protocol 2
// pickles nn.Module subclasses.
type Object struct {
	Module string
	Name   string
	State  Dict
}

// Tensor is a float32 tensor stored in its own archive record.
type Tensor struct {
	Shape []int64
	Data  []float32
	// Stride defaults to the contiguous strides of Shape.
	Stride []int64
	Offset int64
	// Numel replaces the element count of the storage's persistent id when
	// set. It is pickled as is, so int64 and *big.Int both work.
	Numel interface{}
	// Param wraps the tensor in torch._utils._rebuild_parameter.
	Param bool
}

// Global references a module-level name without calling it.
type Global struct {
	Module string
	Name   string
}

// Call is GLOBAL + args + REDUCE.
type Call struct {
	Func Global
	Args Tuple
}

// Pickler encodes Go values as a protocol-2 pickle. Tensor data is collected
// into Records keyed by storage key.
type Pickler struct {
	buf     bytes.Buffer
	Records map[string][]byte
	next    int
}

// NewPickler returns an encoder with the protocol header written.
func NewPickler() *Pickler {
	p := &Pickler{Records: make(map[string][]byte)}
	p.buf.Write([]byte{opProto, 2})
	return p
}

// Bytes terminates the pickle and returns it.
func (p *Pickler) Bytes() []byte {
	p.buf.WriteByte(opStop)
	return p.buf.Bytes()
}

// Dump appends v.
func (p *Pickler) Dump(v interface{}) {
	switch v := v.(type) {
	case nil:
		p.buf.WriteByte(opNone)
	case bool:
		if v {
			p.buf.WriteByte(opNewTrue)
		} else {
			p.buf.WriteByte(opNewFalse)
		}
	case int:
		p.int(int64(v))
	case int64:
		p.int(v)
	case *big.Int:
		p.long(v)
	case float64:
		p.buf.WriteByte(opBinFloat)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
		p.buf.Write(b[:])
	case string:
		p.buf.WriteByte(opBinUnicode)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(len(v)))
		p.buf.Write(b[:])
		p.buf.WriteString(v)
	case []int64:
		t := make(Tuple, len(v))
		for i, d := range v {
			t[i] = d
		}
		p.Dump(t)
	case Tuple:
		if len(v) == 0 {
			p.buf.WriteByte(opEmptyTuple)
			return
		}
		p.buf.WriteByte(opMark)
		for _, item := range v {
			p.Dump(item)
		}
		p.buf.WriteByte(opTuple)
	case Dict:
		p.buf.WriteByte(opEmptyDict)
		if len(v) == 0 {
			return
		}
		p.buf.WriteByte(opMark)
		for _, item := range v {
			p.Dump(item.Key)
			p.Dump(item.Value)
		}
		p.buf.WriteByte(opSetItems)
	case Global:
		p.global(v.Module, v.Name)
	case Call:
		p.global(v.Func.Module, v.Func.Name)
		p.Dump(v.Args)
		p.buf.WriteByte(opReduce)
	case Object:
		p.global(v.Module, v.Name)
		p.buf.WriteByte(opEmptyTuple)
		p.buf.WriteByte(opNewObj)
		p.Dump(v.State)
		p.buf.WriteByte(opBuild)
	case *Object:
		p.Dump(*v)
	case Tensor:
		p.tensor(v)
	case *Tensor:
		p.tensor(*v)
	default:
		panic(fmt.Sprintf("testutil: cannot pickle %T", v))
	}
}

func (p *Pickler) int(i int64) {
	if i < math.MinInt32 || i > math.MaxInt32 {
		p.long(big.NewInt(i))
		return
	}
	p.buf.WriteByte(opBinInt)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(int32(i)))
	p.buf.Write(b[:])
}

// long writes LONG1: a length byte and the little-endian two's complement.
func (p *Pickler) long(x *big.Int) {
	if x.IsInt64() && x.Int64() >= math.MinInt32 && x.Int64() <= math.MaxInt32 {
		p.int(x.Int64())
		return
	}
	n := x.BitLen()/8 + 1
	if n > 255 {
		panic(fmt.Sprintf("testutil: int %s does not fit LONG1", x))
	}
	v := new(big.Int).Set(x)
	if v.Sign() < 0 {
		v.Add(v, new(big.Int).Lsh(big.NewInt(1), uint(8*n)))
	}
	b := v.FillBytes(make([]byte, n))
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	p.buf.WriteByte(opLong1)
	p.buf.WriteByte(byte(n))
	p.buf.Write(b)
}

func (p *Pickler) global(module, name string) {
	p.buf.WriteByte(opGlobal)
	p.buf.WriteString(module + "\n" + name + "\n")
}

func (p *Pickler) tensor(t Tensor) {
	key := strconv.Itoa(p.next)
	p.next++
	raw := make([]byte, 4*len(t.Data))
	for i, f := range t.Data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(f))
	}
	p.Records[key] = raw

	stride := t.Stride
	if stride == nil {
		stride = make([]int64, len(t.Shape))
		acc := int64(1)
		for i := len(t.Shape) - 1; i >= 0; i-- {
			stride[i] = acc
			acc *= t.Shape[i]
		}
	}
	var numel interface{} = int64(len(t.Data))
	if t.Numel != nil {
		numel = t.Numel
	}

	hooks := Call{Func: Global{"collections", "OrderedDict"}}
	if t.Param {
		p.global("torch._utils", "_rebuild_parameter")
		p.buf.WriteByte(opMark)
	}
	p.global("torch._utils", "_rebuild_tensor_v2")
	p.buf.WriteByte(opMark)
	// persistent id ('storage', torch.FloatStorage, key, 'cpu', numel)
	p.buf.WriteByte(opMark)
	p.Dump("storage")
	p.global("torch", "FloatStorage")
	p.Dump(key)
	p.Dump("cpu")
	p.Dump(numel)
	p.buf.WriteByte(opTuple)
	p.buf.WriteByte(opBinPersID)
	p.Dump(t.Offset)
	p.Dump(t.Shape)
	p.Dump(stride)
	p.Dump(false)
	p.Dump(hooks)
	p.buf.WriteByte(opTuple)
	p.buf.WriteByte(opReduce)
	if t.Param {
		p.Dump(true)
		p.Dump(hooks)
		p.buf.WriteByte(opTuple)
		p.buf.WriteByte(opReduce)
	}
}

package onnx

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// field is one decoded wire field. Only the member matching typ is set.
type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

// fields splits a message into its top-level fields. Unknown wire types are
// skipped.
func fields(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

// Unmarshal decodes a ModelProto.
func Unmarshal(b []byte) (*Model, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}

	m := &Model{}
	for _, f := range fs {
		switch f.num {
		case 1:
			m.IRVersion = int64(f.varint)
		case 2:
			m.ProducerName = string(f.bytes)
		case 3:
			m.ProducerVersion = string(f.bytes)
		case 4:
			m.Domain = string(f.bytes)
		case 5:
			m.ModelVersion = int64(f.varint)
		case 6:
			m.DocString = string(f.bytes)
		case 7:
			if err := m.Graph.unmarshal(f.bytes); err != nil {
				return nil, fmt.Errorf("decode graph: %w", err)
			}
		case 8:
			op, err := unmarshalOpset(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("decode opset: %w", err)
			}
			m.OpsetImports = append(m.OpsetImports, op)
		case 14:
			kv, err := unmarshalPair(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
			m.Metadata = append(m.Metadata, kv)
		}
	}
	return m, nil
}

func unmarshalOpset(b []byte) (OperatorSet, error) {
	var op OperatorSet
	fs, err := fields(b)
	if err != nil {
		return op, err
	}
	for _, f := range fs {
		switch f.num {
		case 1:
			op.Domain = string(f.bytes)
		case 2:
			op.Version = int64(f.varint)
		}
	}
	return op, nil
}

func unmarshalPair(b []byte) (StringPair, error) {
	var kv StringPair
	fs, err := fields(b)
	if err != nil {
		return kv, err
	}
	for _, f := range fs {
		switch f.num {
		case 1:
			kv.Key = string(f.bytes)
		case 2:
			kv.Value = string(f.bytes)
		}
	}
	return kv, nil
}

func (g *Graph) unmarshal(b []byte) error {
	fs, err := fields(b)
	if err != nil {
		return err
	}
	for _, f := range fs {
		switch f.num {
		case 1:
			var n Node
			if err := n.unmarshal(f.bytes); err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, n)
		case 2:
			g.Name = string(f.bytes)
		case 5:
			var t Tensor
			if err := t.unmarshal(f.bytes); err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, t)
		case 10:
			g.DocString = string(f.bytes)
		case 11, 12:
			var v ValueInfo
			if err := v.unmarshal(f.bytes); err != nil {
				return err
			}
			if f.num == 11 {
				g.Inputs = append(g.Inputs, v)
			} else {
				g.Outputs = append(g.Outputs, v)
			}
		}
	}
	return nil
}

func (n *Node) unmarshal(b []byte) error {
	fs, err := fields(b)
	if err != nil {
		return err
	}
	for _, f := range fs {
		switch f.num {
		case 1:
			n.Inputs = append(n.Inputs, string(f.bytes))
		case 2:
			n.Outputs = append(n.Outputs, string(f.bytes))
		case 3:
			n.Name = string(f.bytes)
		case 4:
			n.OpType = string(f.bytes)
		case 5:
			var a Attribute
			if err := a.unmarshal(f.bytes); err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, a)
		case 6:
			n.DocString = string(f.bytes)
		case 7:
			n.Domain = string(f.bytes)
		}
	}
	return nil
}

// unmarshal accepts repeated scalars both packed and unpacked.
func (a *Attribute) unmarshal(b []byte) error {
	fs, err := fields(b)
	if err != nil {
		return err
	}
	for _, f := range fs {
		switch f.num {
		case 1:
			a.Name = string(f.bytes)
		case 2:
			a.F = math.Float32frombits(f.fixed32)
		case 3:
			a.I = int64(f.varint)
		case 4:
			a.S = f.bytes
		case 7:
			if f.typ == protowire.BytesType {
				packed, err := unpackFixed32(f.bytes)
				if err != nil {
					return err
				}
				a.Floats = append(a.Floats, packed...)
			} else {
				a.Floats = append(a.Floats, math.Float32frombits(f.fixed32))
			}
		case 8:
			if f.typ == protowire.BytesType {
				packed, err := unpackVarints(f.bytes)
				if err != nil {
					return err
				}
				a.Ints = append(a.Ints, packed...)
			} else {
				a.Ints = append(a.Ints, int64(f.varint))
			}
		case 9:
			a.Strings = append(a.Strings, f.bytes)
		case 20:
			a.Type = AttributeType(f.varint)
		}
	}
	return nil
}

func (v *ValueInfo) unmarshal(b []byte) error {
	fs, err := fields(b)
	if err != nil {
		return err
	}
	for _, f := range fs {
		switch f.num {
		case 1:
			v.Name = string(f.bytes)
		case 2:
			if err := v.unmarshalType(f.bytes); err != nil {
				return err
			}
		case 3:
			v.DocString = string(f.bytes)
		}
	}
	return nil
}

// unmarshalType reads TypeProto.tensor_type; other type kinds are ignored.
func (v *ValueInfo) unmarshalType(b []byte) error {
	fs, err := fields(b)
	if err != nil {
		return err
	}
	for _, f := range fs {
		if f.num != 1 {
			continue
		}
		tfs, err := fields(f.bytes)
		if err != nil {
			return err
		}
		for _, tf := range tfs {
			switch tf.num {
			case 1:
				v.ElemType = int32(tf.varint)
			case 2:
				dims, err := unmarshalShape(tf.bytes)
				if err != nil {
					return err
				}
				v.Shape = dims
			}
		}
	}
	return nil
}

func unmarshalShape(b []byte) ([]Dim, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	var dims []Dim
	for _, f := range fs {
		if f.num != 1 {
			continue
		}
		dfs, err := fields(f.bytes)
		if err != nil {
			return nil, err
		}
		var d Dim
		for _, df := range dfs {
			switch df.num {
			case 1:
				d.Value = int64(df.varint)
			case 2:
				d.Param = string(df.bytes)
			}
		}
		dims = append(dims, d)
	}
	return dims, nil
}

// unmarshal reads raw_data, falling back to float_data for float tensors.
func (t *Tensor) unmarshal(b []byte) error {
	fs, err := fields(b)
	if err != nil {
		return err
	}
	var floatData []float32
	for _, f := range fs {
		switch f.num {
		case 1:
			if f.typ == protowire.BytesType {
				packed, err := unpackVarints(f.bytes)
				if err != nil {
					return err
				}
				t.Dims = append(t.Dims, packed...)
			} else {
				t.Dims = append(t.Dims, int64(f.varint))
			}
		case 2:
			t.DataType = int32(f.varint)
		case 4:
			if f.typ == protowire.BytesType {
				packed, err := unpackFixed32(f.bytes)
				if err != nil {
					return err
				}
				floatData = append(floatData, packed...)
			} else {
				floatData = append(floatData, math.Float32frombits(f.fixed32))
			}
		case 8:
			t.Name = string(f.bytes)
		case 9:
			t.RawData = f.bytes
		}
	}
	if len(t.RawData) == 0 && len(floatData) > 0 {
		t.RawData = FloatTensor(t.Name, t.Dims, floatData...).RawData
	}
	return nil
}

func unpackFixed32(b []byte) ([]float32, error) {
	var out []float32
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}

func unpackVarints(b []byte) ([]int64, error) {
	var out []int64
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int64(v))
		b = b[n:]
	}
	return out, nil
}

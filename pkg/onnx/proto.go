// Package onnx converts a fitted forest into an ONNX model, writes and reads
// the artifact, and evaluates it with a small reference runtime.
//
// Only the subset of the ONNX IR needed for tree ensembles is modelled. The
// field numbers follow onnx.proto; encoding is done with protowire so the
// package does not depend on generated code.
package onnx

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Tensor element types.
const (
	ElemFloat int32 = 1
	ElemInt64 int32 = 7
)

// AttributeType mirrors AttributeProto.AttributeType.
type AttributeType int32

const (
	AttrFloat   AttributeType = 1
	AttrInt     AttributeType = 2
	AttrString  AttributeType = 3
	AttrFloats  AttributeType = 6
	AttrInts    AttributeType = 7
	AttrStrings AttributeType = 8
)

// Model is a ModelProto.
type Model struct {
	IRVersion       int64
	OpsetImports    []OperatorSet
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           Graph
	Metadata        []StringPair
}

// OperatorSet is an OperatorSetIdProto.
type OperatorSet struct {
	Domain  string
	Version int64
}

// StringPair is a StringStringEntryProto.
type StringPair struct {
	Key   string
	Value string
}

// Graph is a GraphProto.
type Graph struct {
	Name         string
	Nodes        []Node
	Initializers []Tensor
	DocString    string
	Inputs       []ValueInfo
	Outputs      []ValueInfo
}

// Node is a NodeProto.
type Node struct {
	Inputs     []string
	Outputs    []string
	Name       string
	OpType     string
	Domain     string
	Attributes []Attribute
	DocString  string
}

// Attribute is an AttributeProto. Only the field matching Type is encoded.
type Attribute struct {
	Name    string
	Type    AttributeType
	F       float32
	I       int64
	S       []byte
	Floats  []float32
	Ints    []int64
	Strings [][]byte
}

// ValueInfo is a ValueInfoProto restricted to tensor types.
type ValueInfo struct {
	Name      string
	ElemType  int32
	Shape     []Dim
	DocString string
}

// Dim is one TensorShapeProto dimension; Param names a symbolic size.
type Dim struct {
	Value int64
	Param string
}

// Tensor is a TensorProto holding its payload in RawData.
type Tensor struct {
	Dims     []int64
	DataType int32
	Name     string
	RawData  []byte
}

// FloatTensor builds a float tensor with little-endian raw data.
func FloatTensor(name string, dims []int64, values ...float32) Tensor {
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return Tensor{Name: name, Dims: dims, DataType: ElemFloat, RawData: raw}
}

// Floats decodes a float tensor.
func (t Tensor) Floats() ([]float32, error) {
	if t.DataType != ElemFloat {
		return nil, fmt.Errorf("tensor %q: data type %d is not float", t.Name, t.DataType)
	}
	if len(t.RawData)%4 != 0 {
		return nil, fmt.Errorf("tensor %q: raw data length %d is not a multiple of 4", t.Name, len(t.RawData))
	}
	out := make([]float32, len(t.RawData)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[4*i:]))
	}
	return out, nil
}

// Attribute looks up an attribute by name.
func (n *Node) Attribute(name string) (Attribute, bool) {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Marshal encodes the model in protobuf wire format.
func (m *Model) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.IRVersion))
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	if m.ModelVersion != 0 {
		b = appendVarint(b, 5, uint64(m.ModelVersion))
	}
	b = appendString(b, 6, m.DocString)
	b = appendMessage(b, 7, m.Graph.marshal())
	for _, op := range m.OpsetImports {
		var ob []byte
		ob = appendString(ob, 1, op.Domain)
		ob = appendVarint(ob, 2, uint64(op.Version))
		b = appendMessage(b, 8, ob)
	}
	for _, kv := range m.Metadata {
		var kb []byte
		kb = appendString(kb, 1, kv.Key)
		kb = appendString(kb, 2, kv.Value)
		b = appendMessage(b, 14, kb)
	}
	return b
}

func (g *Graph) marshal() []byte {
	var b []byte
	for i := range g.Nodes {
		b = appendMessage(b, 1, g.Nodes[i].marshal())
	}
	b = appendString(b, 2, g.Name)
	for i := range g.Initializers {
		b = appendMessage(b, 5, g.Initializers[i].marshal())
	}
	b = appendString(b, 10, g.DocString)
	for i := range g.Inputs {
		b = appendMessage(b, 11, g.Inputs[i].marshal())
	}
	for i := range g.Outputs {
		b = appendMessage(b, 12, g.Outputs[i].marshal())
	}
	return b
}

func (n *Node) marshal() []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = appendBytes(b, 1, []byte(in))
	}
	for _, out := range n.Outputs {
		b = appendBytes(b, 2, []byte(out))
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for i := range n.Attributes {
		b = appendMessage(b, 5, n.Attributes[i].marshal())
	}
	b = appendString(b, 6, n.DocString)
	b = appendString(b, 7, n.Domain)
	return b
}

func (a *Attribute) marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case AttrFloat:
		b = appendFixed32(b, 2, math.Float32bits(a.F))
	case AttrInt:
		b = appendVarint(b, 3, uint64(a.I))
	case AttrString:
		b = appendBytes(b, 4, a.S)
	case AttrFloats:
		for _, f := range a.Floats {
			b = appendFixed32(b, 7, math.Float32bits(f))
		}
	case AttrInts:
		for _, i := range a.Ints {
			b = appendVarint(b, 8, uint64(i))
		}
	case AttrStrings:
		for _, s := range a.Strings {
			b = appendBytes(b, 9, s)
		}
	}
	b = appendVarint(b, 20, uint64(a.Type))
	return b
}

func (v *ValueInfo) marshal() []byte {
	var shape []byte
	for _, d := range v.Shape {
		var db []byte
		if d.Param != "" {
			db = appendString(db, 2, d.Param)
		} else {
			db = appendVarint(db, 1, uint64(d.Value))
		}
		shape = appendMessage(shape, 1, db)
	}

	var tensor []byte
	tensor = appendVarint(tensor, 1, uint64(v.ElemType))
	tensor = appendMessage(tensor, 2, shape)

	var typ []byte
	typ = appendMessage(typ, 1, tensor)

	var b []byte
	b = appendString(b, 1, v.Name)
	b = appendMessage(b, 2, typ)
	b = appendString(b, 3, v.DocString)
	return b
}

func (t *Tensor) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = appendVarint(b, 1, uint64(d))
	}
	b = appendVarint(b, 2, uint64(t.DataType))
	b = appendString(b, 8, t.Name)
	b = appendBytes(b, 9, t.RawData)
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendString skips empty strings; every string field used here is optional.
func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	return appendBytes(b, num, []byte(s))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	return appendBytes(b, num, msg)
}

package gpu

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// Operation is one of the fixed compute operations. Its String form is the shader
// registry key, i.e. the stem of the shader file.
type Operation uint8

const (
	Double Operation = iota
	Add
	Subtract
	Multiply
	Divide
)

var operationNames = [...]string{
	Double:   "double",
	Add:      "add",
	Subtract: "subtract",
	Multiply: "multiply",
	Divide:   "divide",
}

// Operations lists every operation in declaration order.
func Operations() []Operation {
	return []Operation{Double, Add, Subtract, Multiply, Divide}
}

func (op Operation) String() string {
	if !op.Valid() {
		return fmt.Sprintf("operation(%d)", uint8(op))
	}
	return operationNames[op]
}

// Valid reports whether op is one of the declared operations.
func (op Operation) Valid() bool { return int(op) < len(operationNames) }

// ParseOperation maps a registry key back to its Operation.
func ParseOperation(s string) (Operation, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for i, name := range operationNames {
		if name == key {
			return Operation(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrOperationNotSupported, s)
}

// Element is the set of host types an array may hold. Each maps to a 4-byte WGSL
// scalar, so the storage binding stride is always 4.
type Element interface {
	uint32 | int32 | float32
}

// ElementType tags a buffer set with the host type it was created from.
type ElementType uint8

const (
	U32 ElementType = iota + 1
	I32
	F32
)

func (t ElementType) String() string {
	switch t {
	case U32:
		return "u32"
	case I32:
		return "i32"
	case F32:
		return "f32"
	default:
		return "unknown"
	}
}

// Stride is the byte width of one element.
func (t ElementType) Stride() uint64 { return 4 }

// ParseElementType accepts the WGSL spelling ("u32") and the Go one ("uint32").
func ParseElementType(s string) (ElementType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "u32", "uint32":
		return U32, nil
	case "i32", "int32":
		return I32, nil
	case "f32", "float32":
		return F32, nil
	}
	return 0, fmt.Errorf("%w: unknown element type %q", ErrElementType, s)
}

// ShaderKey is the registry key of the kernel running op over elements of type t. The
// u32 kernel carries the bare operation name; the others add a _<type> suffix, so
// binding 0 of the kernel always matches the host element type.
func ShaderKey(op Operation, t ElementType) string {
	if t == U32 {
		return op.String()
	}
	return op.String() + "_" + t.String()
}

// ElementTypes lists every element type in declaration order.
func ElementTypes() []ElementType {
	return []ElementType{U32, I32, F32}
}

func elementTypeOf[T Element]() ElementType {
	var zero T
	switch any(zero).(type) {
	case uint32:
		return U32
	case int32:
		return I32
	default:
		return F32
	}
}

// Shape is the fixed 4-element dimension descriptor bound at slot 1.
type Shape [4]uint32

// Len is the number of elements the shape describes. It saturates at math.MaxUint64
// instead of wrapping.
func (s Shape) Len() uint64 {
	n := uint64(1)
	for _, d := range s {
		hi, lo := bits.Mul64(n, uint64(d))
		if hi != 0 {
			return math.MaxUint64
		}
		n = lo
	}
	return n
}

// ShapeOf builds a Shape from up to four dimensions, padding with 1.
func ShapeOf(dims ...uint32) (Shape, error) {
	if len(dims) == 0 || len(dims) > 4 {
		return Shape{}, fmt.Errorf("%w: need 1 to 4 dimensions, got %d", ErrShapeMismatch, len(dims))
	}
	s := Shape{1, 1, 1, 1}
	copy(s[:], dims)
	return s, nil
}

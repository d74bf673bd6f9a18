package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Encode serializes a Value back to its canonical bencoded form.
// Dictionary keys are always emitted in lexicographic byte order,
// regardless of the order they were decoded in — this is a protocol
// requirement, not a style choice: info-hash determinism across clients
// depends on it.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case KindBytes:
		buf.WriteString(strconv.Itoa(len(v.Str)))
		buf.WriteByte(':')
		buf.Write(v.Str)
	case KindList:
		buf.WriteByte('l')
		for _, elem := range v.List {
			encodeInto(buf, elem.Value)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			encodeInto(buf, Value{Kind: KindBytes, Str: []byte(k)})
			encodeInto(buf, v.Dict[k].Value)
		}
		buf.WriteByte('e')
	default:
		panic(fmt.Sprintf("bencode: encode: unknown kind %v", v.Kind))
	}
}

// Builder helpers let Go callers construct Value trees without manually
// wrapping every leaf in a Node.

// Int wraps an integer as a bencode Value.
func Int(n int64) Value { return Value{Kind: KindInt, Int: n} }

// Bytes wraps a byte string as a bencode Value.
func Bytes(b []byte) Value { return Value{Kind: KindBytes, Str: b} }

// String wraps a string as a bencode Value.
func String(s string) Value { return Value{Kind: KindBytes, Str: []byte(s)} }

// List wraps a slice of values as a bencode Value.
func List(vs ...Value) Value {
	nodes := make([]*Node, len(vs))
	for i, v := range vs {
		nodes[i] = &Node{Value: v}
	}
	return Value{Kind: KindList, List: nodes}
}

// Dict builds a dictionary Value from a map of plain values.
func Dict(m map[string]Value) Value {
	dict := make(map[string]*Node, len(m))
	for k, v := range m {
		dict[k] = &Node{Value: v}
	}
	return Value{Kind: KindDict, Dict: dict}
}

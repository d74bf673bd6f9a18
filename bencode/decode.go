package bencode

import (
	"strconv"

	"github.com/gorent/gorent/internal/errs"
)

// decoder walks a fixed source buffer, tracking its read cursor.
type decoder struct {
	src []byte
	pos int
}

// Decode parses a single bencoded value starting at the beginning of
// src. The spec requires the top-level value to be a dictionary, but
// Decode itself is general: callers that need the dict requirement
// (metainfo, tracker responses) check Kind after the call.
func Decode(src []byte) (*Node, error) {
	d := &decoder{src: src}
	n, err := d.decodeValue()
	if err != nil {
		return nil, err
	}
	return n, nil
}

// DecodeDict is Decode plus the top-level-must-be-a-dict check that the
// metainfo and tracker-response grammars both require.
func DecodeDict(src []byte) (*Node, error) {
	n, err := Decode(src)
	if err != nil {
		return nil, err
	}
	if n.Kind != KindDict {
		return nil, &errs.Decode{Offset: 0, Reason: "top-level value must be a dictionary"}
	}
	return n, nil
}

func (d *decoder) errf(reason string) error {
	return &errs.Decode{Offset: d.pos, Reason: reason}
}

func (d *decoder) peek() (byte, bool) {
	if d.pos >= len(d.src) {
		return 0, false
	}
	return d.src[d.pos], true
}

func (d *decoder) decodeValue() (*Node, error) {
	start := d.pos
	b, ok := d.peek()
	if !ok {
		return nil, d.errf("unexpected end of input")
	}

	var (
		value Value
		err   error
	)
	switch {
	case b == 'i':
		value, err = d.decodeInt()
	case b == 'l':
		value, err = d.decodeList()
	case b == 'd':
		value, err = d.decodeDict()
	case b >= '0' && b <= '9':
		value, err = d.decodeBytes()
	default:
		return nil, d.errf("unexpected header byte")
	}
	if err != nil {
		return nil, err
	}

	return &Node{
		Value: value,
		Span:  Span{Offset: start, Length: d.pos - start},
	}, nil
}

// decodeInt parses i<digits>e, where digits is an ASCII-decimal signed
// 64-bit integer. No canonical-form checks are made: we simply parse
// whatever strconv.ParseInt accepts between the delimiters, so the
// degenerate "i-0e" decodes to 0 rather than being rejected.
func (d *decoder) decodeInt() (Value, error) {
	d.pos++ // consume 'i'
	start := d.pos
	for {
		b, ok := d.peek()
		if !ok {
			return Value{}, d.errf("unterminated integer")
		}
		if b == 'e' {
			break
		}
		d.pos++
	}
	digits := d.src[start:d.pos]
	d.pos++ // consume 'e'
	if len(digits) == 0 {
		return Value{}, d.errf("empty integer")
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return Value{}, d.errf("invalid integer: " + err.Error())
	}
	return Value{Kind: KindInt, Int: n}, nil
}

// decodeBytes parses <length>:<bytes>.
func (d *decoder) decodeBytes() (Value, error) {
	start := d.pos
	for {
		b, ok := d.peek()
		if !ok {
			return Value{}, d.errf("unterminated length prefix")
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return Value{}, d.errf("invalid length prefix digit")
		}
		d.pos++
	}
	lengthStr := d.src[start:d.pos]
	d.pos++ // consume ':'

	length, err := strconv.ParseInt(string(lengthStr), 10, 64)
	if err != nil || length < 0 {
		return Value{}, d.errf("invalid byte-string length")
	}
	if d.pos+int(length) > len(d.src) {
		return Value{}, d.errf("byte-string length exceeds remaining input")
	}
	b := d.src[d.pos : d.pos+int(length)]
	d.pos += int(length)
	return Value{Kind: KindBytes, Str: b}, nil
}

func (d *decoder) decodeList() (Value, error) {
	d.pos++ // consume 'l'
	var elems []*Node
	for {
		b, ok := d.peek()
		if !ok {
			return Value{}, d.errf("unterminated list")
		}
		if b == 'e' {
			d.pos++
			break
		}
		elem, err := d.decodeValue()
		if err != nil {
			return Value{}, err
		}
		elems = append(elems, elem)
	}
	return Value{Kind: KindList, List: elems}, nil
}

func (d *decoder) decodeDict() (Value, error) {
	d.pos++ // consume 'd'
	dict := make(map[string]*Node)
	var keys []string
	for {
		b, ok := d.peek()
		if !ok {
			return Value{}, d.errf("unterminated dictionary")
		}
		if b == 'e' {
			d.pos++
			break
		}
		if b < '0' || b > '9' {
			return Value{}, d.errf("dictionary key must be a byte string")
		}
		keyNode, err := d.decodeValue()
		if err != nil {
			return Value{}, err
		}
		key := string(keyNode.Str)

		valNode, err := d.decodeValue()
		if err != nil {
			return Value{}, err
		}
		if _, exists := dict[key]; !exists {
			keys = append(keys, key)
		}
		dict[key] = valNode
	}
	return Value{Kind: KindDict, Dict: dict, DictKeys: keys}, nil
}

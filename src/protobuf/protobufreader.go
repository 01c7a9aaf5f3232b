package protobuf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// See: https://github.com/protocolbuffers/protobuf-go/blob/e8baad6b6c9e2bb1c48e4963866248d4f35d4fd7/encoding/protowire/wire.go

// Number represents the field number.
type Number int32

// Type represents the wire type.
type Type int8

const (
	VarintType     Type = 0
	Fixed32Type    Type = 5
	Fixed64Type    Type = 1
	BytesType      Type = 2
	StartGroupType Type = 3
	EndGroupType   Type = 4
)

type Message struct {
	Number Number
	Value  any
}

func (m Message) String() string {
	return fmt.Sprintf("%d: { %v }", m.Number, m.Value)
}

type ProtoDescriptor struct {
	MainObjectConstructorFn func() any
	MessageProcessorFns     map[Number]func(any, Message)
}

// ProtobufReader decodes a Protobuf stream without a compiled schema. The
// wire format does not distinguish nested messages from strings and byte
// arrays, so length-delimited fields are parsed speculatively and rolled
// back when they turn out not to be messages.
type ProtobufReader struct {
	decoder         *fieldDecoder
	protoDescriptor ProtoDescriptor
}

func NewProtobufReader(fileReader io.Reader, protoDescriptor ProtoDescriptor) (*ProtobufReader, error) {
	data, err := io.ReadAll(fileReader)
	if err != nil {
		return nil, err
	}
	return &ProtobufReader{
		decoder:         &fieldDecoder{data: data},
		protoDescriptor: protoDescriptor,
	}, nil
}

func (pbr *ProtobufReader) Unmarshal() (mainObject any, err error) {
	mainObject = pbr.protoDescriptor.MainObjectConstructorFn()
	for !pbr.decoder.atEnd() {
		number, value, ok := pbr.decoder.readField()
		if !ok {
			return nil, fmt.Errorf("cannot parse Protobuf field at offset %d", pbr.decoder.pos)
		}
		processorFn := pbr.protoDescriptor.MessageProcessorFns[number]
		if processorFn == nil {
			return nil, fmt.Errorf("cannot find MessageProcessorFns item for number %d", number)
		}
		processorFn(mainObject, Message{number, value})
	}
	return
}

type fieldDecoder struct {
	data []byte
	pos  int
}

func (d *fieldDecoder) atEnd() bool {
	return d.pos >= len(d.data)
}

func (d *fieldDecoder) readField() (number Number, result any, ok bool) {
	savedPos := d.pos
	number, fieldType, ok := d.readTag()
	if !ok {
		return
	}
	switch fieldType {
	case BytesType:
		b, ok := d.readValueBytes()
		if !ok {
			d.pos = savedPos
			return number, nil, false
		}
		return number, decodeBytesValue(b), true
	case Fixed32Type:
		result, ok = d.readValueFloat32()
	case VarintType:
		result, ok = d.readVarintSigned()
	default:
		ok = false
	}
	if !ok {
		d.pos = savedPos
	}
	return
}

// decodeBytesValue decides whether a length-delimited field holds a nested
// message, a string or a plain byte array: it is a message when its content
// parses completely as one, a string when it is valid UTF-8, otherwise raw
// bytes.
func decodeBytesValue(b []byte) any {
	if len(b) == 0 {
		return b
	}
	resultMap := make(map[Number]any)
	local := &fieldDecoder{data: b}
	for !local.atEnd() {
		itemNumber, item, ok := local.readField()
		if !ok {
			break
		}
		// A rule to prevent misinterpretation of byte arrays: field numbers
		// growing out of proportion indicate text, not a message.
		if ((len(resultMap) > 0 && int(itemNumber)/len(resultMap) > 3) ||
			(len(resultMap) == 0 && int(itemNumber) > 2)) && utf8.Valid(b) {
			local.pos = 0
			break
		}
		resultMap[itemNumber] = item
	}
	if !local.atEnd() || len(resultMap) == 0 {
		if utf8.Valid(b) {
			return string(b)
		}
		return b
	}
	return resultMap
}

func (d *fieldDecoder) readTag() (number Number, fieldType Type, ok bool) {
	val, ok := d.readVarint()
	if !ok {
		return 0, 0, false
	}
	number = Number(val >> 3)
	fieldType = Type(val & 7)
	return
}

func (d *fieldDecoder) readVarint() (value uint64, ok bool) {
	savedPos := d.pos
	for count := 0; count < 10; count++ {
		if d.atEnd() {
			d.pos = savedPos
			return 0, false
		}
		b := d.data[d.pos]
		d.pos++
		if count == 9 && b > 1 {
			// The tenth byte has a special upper limit: it may only be 0 or 1.
			d.pos = savedPos
			return 0, false
		}
		value |= uint64(b&0x7f) << (count * 7)
		if b&0x80 == 0 {
			return value, true
		}
	}
	d.pos = savedPos
	return 0, false
}

func (d *fieldDecoder) readVarintSigned() (value int64, ok bool) {
	val, ok := d.readVarint()
	if !ok {
		return 0, false
	}
	return int64(val), true
}

func (d *fieldDecoder) readValueBytes() (value []byte, ok bool) {
	savedPos := d.pos
	length, ok := d.readVarint()
	if !ok {
		return nil, false
	}
	if uint64(len(d.data)-d.pos) < length {
		d.pos = savedPos
		return nil, false
	}
	value = d.data[d.pos : d.pos+int(length)]
	d.pos += int(length)
	return value, true
}

func (d *fieldDecoder) readValueFloat32() (value float32, ok bool) {
	if len(d.data)-d.pos < 4 {
		return 0, false
	}
	bitsRepresentation := binary.LittleEndian.Uint32(d.data[d.pos:])
	d.pos += 4
	return math.Float32frombits(bitsRepresentation), true
}

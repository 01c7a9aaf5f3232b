package pickle

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"runtime"
)

// Opcode values and argument layouts follow CPython's Lib/pickle.py and
// the struct format characters documented at
// https://docs.python.org/3/library/struct.html#format-characters.
// Only the opcodes that appear in torch checkpoint archives are handled.

// HIGHEST_PROTOCOL is the newest pickle protocol this reader accepts.
const HIGHEST_PROTOCOL byte = 5

// MAXSIZE caps counted arguments the same way a 32-bit CPython build does.
const MAXSIZE = int(^uint32(0) >> 1)

// Protocol and framing.
const (
	PROTO byte = 0x80 // protocol version, 1-byte argument
	STOP  byte = '.'  // end of stream, result is the stack top
	MARK  byte = '('  // stash the current stack on the metastack
)

// Memo access.
const (
	BINPUT      byte = 'q' // memoize stack top, 1-byte index
	LONG_BINPUT byte = 'r' // memoize stack top, 4-byte index
	BINGET      byte = 'h' // push memoized object, 1-byte index
)

// Scalars.
const (
	NEWTRUE  byte = '\x88' // push True
	NEWFALSE byte = '\x89' // push False
	BININT1  byte = 'K'    // push 1-byte unsigned int
	BININT2  byte = 'M'    // push 2-byte unsigned int
	BININT   byte = 'J'    // push 4-byte signed int
	LONG1    byte = '\x8a' // push arbitrary-precision int shorter than 256 bytes
	BINFLOAT byte = 'G'    // push 8-byte big-endian float
)

// Strings.
const (
	BINUNICODE      byte = 'X' // push UTF-8 string, 4-byte length
	BINSTRING       byte = 'T' // push byte string, 4-byte signed length
	SHORT_BINSTRING byte = 'U' // push byte string, 1-byte length
)

// Tuples and dicts.
const (
	EMPTY_TUPLE byte = ')'    // push ()
	TUPLE1      byte = '\x85' // wrap stack top into a 1-tuple
	TUPLE2      byte = '\x86' // wrap two topmost items into a 2-tuple
	TUPLE3      byte = '\x87' // wrap three topmost items into a 3-tuple
	TUPLE       byte = 't'    // build a tuple of everything above the last MARK
	EMPTY_DICT  byte = '}'    // push an empty dict
	SETITEMS    byte = 'u'    // fill the dict below the last MARK with key+value pairs
)

// Classes and out-of-band objects.
const (
	GLOBAL    byte = 'c' // push find_class(module, name), two newline-terminated args
	REDUCE    byte = 'R' // call the stack's callable with the argument tuple above it
	BINPERSID byte = 'Q' // push the object behind the persistent id on the stack
)

type dispatchFunc = func(*PickleReader) error

var dispatcher = map[byte]dispatchFunc{
	PROTO: load_proto,
	STOP:  load_stop,
	MARK:  load_mark,

	BINPUT:      load_binput,
	LONG_BINPUT: load_long_binput,
	BINGET:      load_binget,

	NEWTRUE:  load_true,
	NEWFALSE: load_false,
	BININT1:  load_binint1,
	BININT2:  load_binint2,
	BININT:   load_binint,
	LONG1:    load_long1,
	BINFLOAT: load_binfloat,

	BINUNICODE:      load_binunicode,
	BINSTRING:       load_binstring,
	SHORT_BINSTRING: load_short_binstring,

	EMPTY_TUPLE: load_empty_tuple,
	TUPLE1:      load_tuple1,
	TUPLE2:      load_tuple2,
	TUPLE3:      load_tuple3,
	TUPLE:       load_tuple,
	EMPTY_DICT:  load_empty_dictionary,
	SETITEMS:    load_setitems,

	GLOBAL:    load_global,
	REDUCE:    load_reduce,
	BINPERSID: load_binpersid,
}

func dispatch(pr *PickleReader, key byte) error {
	fn, ok := dispatcher[key]
	if ok {
		return fn(pr)
	}
	return fmt.Errorf("unsupported Pickle op code: 0x%X '%c'", key, key)
}

func pop(stack []any) ([]any, any) {
	l := len(stack)
	element := stack[l-1]
	stack = stack[:l-1]
	return stack, element
}

// pop_mark returns the items pushed since the last MARK and restores the
// stack that was active before it.
func pop_mark(pr *PickleReader) []any {
	items := pr.stack
	var element any
	pr.metastack, element = pop(pr.metastack)
	pr.stack = element.([]any)
	return items
}

func load_proto(pr *PickleReader) error {
	proto, err := pr.ReadByte()
	if err != nil {
		return err
	}
	if proto > HIGHEST_PROTOCOL {
		return fmt.Errorf("unsupported pickle protocol: %d", proto)
	}
	pr.proto = proto
	return nil
}

func load_stop(pr *PickleReader) error {
	var value any
	pr.stack, value = pop(pr.stack)
	dict, ok := value.(*PickleDict[any])
	if !ok {
		return fmt.Errorf("unpickling: expected a dict as root object, but got %T", value)
	}
	return &StopSignal{dict}
}

func load_mark(pr *PickleReader) error {
	pr.metastack = append(pr.metastack, pr.stack)
	pr.stack = make([]any, 0)
	return nil
}

func load_binput(pr *PickleReader) error {
	i, err := pr.ReadByte()
	if err != nil {
		return err
	}
	pr.memo[int(i)] = pr.stack[len(pr.stack)-1]
	return nil
}

func load_long_binput(pr *PickleReader) error {
	buf, err := pr.Read(4)
	if err != nil {
		return err
	}
	i := int(binary.LittleEndian.Uint32(buf)) // Python equivalent: unpack('<I')
	if i > MAXSIZE {
		return fmt.Errorf("negative LONG_BINPUT argument")
	}
	pr.memo[i] = pr.stack[len(pr.stack)-1]
	return nil
}

func load_binget(pr *PickleReader) error {
	i, err := pr.ReadByte()
	if err != nil {
		return err
	}
	item, ok := pr.memo[int(i)]
	if !ok {
		return fmt.Errorf("memo value not found at index %d", i)
	}
	pr.Append(item)
	return nil
}

func load_true(pr *PickleReader) error {
	pr.Append(true)
	return nil
}

func load_false(pr *PickleReader) error {
	pr.Append(false)
	return nil
}

func load_binint1(pr *PickleReader) error {
	val, err := pr.ReadByte()
	if err != nil {
		return err
	}
	pr.Append(val)
	return nil
}

func load_binint2(pr *PickleReader) error {
	buf, err := pr.Read(2)
	if err != nil {
		return err
	}
	pr.Append(binary.LittleEndian.Uint16(buf)) // Python equivalent: unpack('<H')
	return nil
}

func load_binint(pr *PickleReader) error {
	buf, err := pr.Read(4)
	if err != nil {
		return err
	}
	pr.Append(int32(binary.LittleEndian.Uint32(buf))) // Python equivalent: unpack('<i')
	return nil
}

func load_long1(pr *PickleReader) error {
	byteCount, err := pr.ReadByte()
	if err != nil {
		return err
	}
	data, err := pr.Read(int(byteCount))
	if err != nil {
		return err
	}
	val, err := decodeLong(data)
	if err != nil {
		return err
	}
	pr.Append(val)
	return nil
}

// decodeLong converts a little-endian two's complement byte string to int.
func decodeLong(data []byte) (int, error) {
	if len(data) > 8 {
		return 0, fmt.Errorf("unpickling: LONG1 integers above 8 bytes are not supported")
	}
	var result uint64
	for i, b := range data {
		result |= uint64(b) << (8 * i)
	}
	if len(data) > 0 && len(data) < 8 && data[len(data)-1]&0x80 != 0 {
		result |= ^uint64(0) << (8 * len(data))
	}
	return int(result), nil
}

func load_binfloat(pr *PickleReader) error {
	buf, err := pr.Read(8)
	if err != nil {
		return err
	}
	pr.Append(math.Float64frombits(binary.BigEndian.Uint64(buf))) // Python equivalent: unpack('>d')
	return nil
}

func load_binunicode(pr *PickleReader) error {
	buf, err := pr.Read(4)
	if err != nil {
		return err
	}
	length := int(binary.LittleEndian.Uint32(buf)) // Python equivalent: unpack('<I')
	if length > MAXSIZE {
		return fmt.Errorf("unpickling: BINUNICODE exceeds system's maximum size of %d bytes", MAXSIZE)
	}
	buf, err = pr.Read(length)
	if err != nil {
		return err
	}
	pr.Append(string(buf))
	return nil
}

// BINSTRING is deprecated in the pickle format but still counts its length
// as a signed 32-bit value.
func load_binstring(pr *PickleReader) error {
	buf, err := pr.Read(4)
	if err != nil {
		return err
	}
	length := int(int32(binary.LittleEndian.Uint32(buf))) // Python equivalent: unpack('<i')
	if length < 0 {
		return fmt.Errorf("unpickling: BINSTRING pickle has negative byte count")
	}
	data, err := pr.Read(length)
	if err != nil {
		return err
	}
	pr.Append(string(data))
	return nil
}

func load_short_binstring(pr *PickleReader) error {
	length, err := pr.ReadByte()
	if err != nil {
		return err
	}
	data, err := pr.Read(int(length))
	if err != nil {
		return err
	}
	pr.Append(string(data))
	return nil
}

func load_empty_tuple(pr *PickleReader) error {
	pr.Append(make(PickleTuple, 0))
	return nil
}

func load_tuple1(pr *PickleReader) error {
	pr.stack[len(pr.stack)-1] = PickleTuple{pr.stack[len(pr.stack)-1]}
	return nil
}

func load_tuple2(pr *PickleReader) error {
	pr.stack[len(pr.stack)-2] = PickleTuple{pr.stack[len(pr.stack)-2], pr.stack[len(pr.stack)-1]}
	pr.stack = pr.stack[:len(pr.stack)-1]
	return nil
}

func load_tuple3(pr *PickleReader) error {
	pr.stack[len(pr.stack)-3] = PickleTuple{pr.stack[len(pr.stack)-3], pr.stack[len(pr.stack)-2], pr.stack[len(pr.stack)-1]}
	pr.stack = pr.stack[:len(pr.stack)-2]
	return nil
}

func load_tuple(pr *PickleReader) error {
	items := pop_mark(pr)
	pr.Append(items)
	return nil
}

func load_empty_dictionary(pr *PickleReader) error {
	pr.Append(NewPickleDict[any]())
	return nil
}

func load_setitems(pr *PickleReader) error {
	items := pop_mark(pr)
	dict := pr.stack[len(pr.stack)-1].(*PickleDict[any])
	for i := 0; i < len(items); i += 2 {
		dict.Set(items[i].(string), items[i+1])
	}
	return nil
}

func load_global(pr *PickleReader) error {
	module, err := pr.ReadLine()
	if err != nil {
		return err
	}
	name, err := pr.ReadLine()
	if err != nil {
		return err
	}
	klass, err := pr.findClass(module, name)
	if err != nil {
		return err
	}
	pr.Append(klass)
	return nil
}

// load_reduce calls the Go function registered for a pickled class with the
// argument tuple on the stack. Arguments are converted to the function's
// parameter types through reflection, missing trailing arguments become
// zero values.
func load_reduce(pr *PickleReader) error {
	var rawArgs any
	pr.stack, rawArgs = pop(pr.stack)

	rawArgsArr := rawArgs.([]any)

	fn := pr.stack[len(pr.stack)-1]
	fnType := reflect.TypeOf(fn)
	requiredArgsCount := fnType.NumIn()

	args := make([]reflect.Value, requiredArgsCount)

	for i, arg := range rawArgsArr {
		argType := fnType.In(i)
		argVal := reflect.ValueOf(arg)
		if !argVal.CanConvert(argType) {
			fnName := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
			return fmt.Errorf("cannot convert value in type %s to type %s, for argument index %d of function \"%s\"", argVal.Type().Name(), argType.Name(), i, fnName)
		}
		args[i] = argVal.Convert(argType)
	}

	for i := len(rawArgsArr); i < requiredArgsCount; i++ {
		argType := fnType.In(i)
		args[i] = reflect.Zero(argType)
	}

	resultArr := reflect.ValueOf(fn).Call(args)

	// A callable returning (T, error) with a non-nil error fails the load.
	if len(resultArr) > 1 {
		if errVal, ok := resultArr[len(resultArr)-1].Interface().(error); ok && errVal != nil {
			return errVal
		}
	}

	pr.stack[len(pr.stack)-1] = resultArr[0].Interface()
	return nil
}

func load_binpersid(pr *PickleReader) error {
	var pid any
	pr.stack, pid = pop(pr.stack)
	result, err := pr.persistentLoad(pid.([]any))
	if err != nil {
		return err
	}
	pr.Append(result)
	return nil
}

// Package kfmt implements the kernel console: a small formatter that does not
// depend on package fmt, the sink it writes to and the panic path.
package kfmt

import (
	"io"
	"vmcore/kernel/sync"
)

// maxNumWidth caps the width of a formatted number.
const maxNumWidth = 64

var (
	errMissingArg   = "(MISSING)"
	errWrongArgType = "%!(WRONGTYPE)"
	errNoVerb       = "%!(NOVERB)"
	errBadVerb      = "%!(BADVERB)"
	errExtraArg     = "%!(EXTRA)"

	digits = "0123456789abcdef0123456789ABCDEF"

	// early collects console output until a sink is attached.
	early earlyBuffer

	// outputSink receives console output. When nil, output is kept in the
	// early buffer.
	outputSink io.Writer

	// printLock serializes access to the shared printer and the sink.
	printLock sync.Spinlock

	// console is reused by every print call; its buffer only grows.
	console printer
)

// SetOutputSink attaches w as the console output and replays any output
// collected before a sink was available.
func SetOutputSink(w io.Writer) {
	printLock.Acquire()
	defer printLock.Release()

	outputSink = w
	if w != nil {
		early.WriteTo(w)
	}
}

// GetOutputSink returns the attached console output or nil if output is
// being collected in the early buffer.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf formats according to format and writes the result to the console.
//
// The following verbs are supported:
//
//	%s  string or []byte
//	%d  integer in base 10
//	%o  integer in base 8
//	%x  integer in base 16, lower-case
//	%X  integer in base 16, upper-case
//	%b  integer in base 2
//	%c  integer as a single byte
//	%t  bool as "true" or "false"
//	%%  a literal percent sign
//
// A decimal width may precede the verb. Base 10 values and strings are
// padded with spaces; all other bases are padded with zeroes. A '-' flag
// pads on the right with spaces instead and a '0' flag requests zero
// padding for base 10 values.
//
// Each call is emitted to the sink with a single Write.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes to w. A nil w writes to the early
// buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	printLock.Acquire()
	defer printLock.Release()

	console.buf = console.buf[:0]
	console.format(format, args)

	if w == nil {
		early.Write(console.buf)
		return
	}
	w.Write(console.buf)
}

// fmtSpec holds the flags and width parsed for a single verb.
type fmtSpec struct {
	width     int
	leftAlign bool
	zeroPad   bool
}

// printer accumulates formatted output.
type printer struct {
	buf []byte
}

func (p *printer) format(format string, args []interface{}) {
	var argIndex int

	for i := 0; i < len(format); i++ {
		ch := format[i]
		if ch != '%' {
			p.buf = append(p.buf, ch)
			continue
		}

		var spec fmtSpec
		i++
	flags:
		for ; i < len(format); i++ {
			switch format[i] {
			case '-':
				spec.leftAlign = true
			case '0':
				spec.zeroPad = true
			default:
				break flags
			}
		}

		for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			spec.width = spec.width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			p.buf = append(p.buf, errNoVerb...)
			break
		}

		verb := format[i]
		if verb == '%' {
			p.buf = append(p.buf, '%')
			continue
		}

		if argIndex >= len(args) {
			p.buf = append(p.buf, errMissingArg...)
			continue
		}
		arg := args[argIndex]
		argIndex++

		switch verb {
		case 'd':
			p.fmtInt(arg, 10, false, spec)
		case 'o':
			p.fmtInt(arg, 8, false, spec)
		case 'x':
			p.fmtInt(arg, 16, false, spec)
		case 'X':
			p.fmtInt(arg, 16, true, spec)
		case 'b':
			p.fmtInt(arg, 2, false, spec)
		case 'c':
			p.fmtChar(arg, spec)
		case 's':
			p.fmtString(arg, spec)
		case 't':
			p.fmtBool(arg)
		default:
			// Unknown verbs consume their argument.
			p.buf = append(p.buf, errBadVerb...)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		p.buf = append(p.buf, errExtraArg...)
	}
}

// pad writes count copies of ch.
func (p *printer) pad(ch byte, count int) {
	for ; count > 0; count-- {
		p.buf = append(p.buf, ch)
	}
}

// padded writes s honoring the alignment in spec. Right-aligned values are
// padded with padCh.
func (p *printer) padded(s []byte, padCh byte, spec fmtSpec) {
	fill := spec.width - len(s)
	if spec.leftAlign {
		p.buf = append(p.buf, s...)
		p.pad(' ', fill)
		return
	}

	p.pad(padCh, fill)
	p.buf = append(p.buf, s...)
}

func (p *printer) fmtBool(v interface{}) {
	b, ok := v.(bool)
	if !ok {
		p.buf = append(p.buf, errWrongArgType...)
		return
	}

	// Booleans ignore width.
	if b {
		p.buf = append(p.buf, "true"...)
	} else {
		p.buf = append(p.buf, "false"...)
	}
}

func (p *printer) fmtString(v interface{}, spec fmtSpec) {
	switch s := v.(type) {
	case string:
		if !spec.leftAlign {
			p.pad(' ', spec.width-len(s))
		}
		p.buf = append(p.buf, s...)
		if spec.leftAlign {
			p.pad(' ', spec.width-len(s))
		}
	case []byte:
		p.padded(s, ' ', spec)
	default:
		p.buf = append(p.buf, errWrongArgType...)
	}
}

func (p *printer) fmtChar(v interface{}, spec fmtSpec) {
	val, _, ok := toUint64(v)
	if !ok {
		p.buf = append(p.buf, errWrongArgType...)
		return
	}

	p.padded([]byte{byte(val)}, ' ', spec)
}

// fmtInt writes v in the given base.
func (p *printer) fmtInt(v interface{}, base uint64, upper bool, spec fmtSpec) {
	val, negative, ok := toUint64(v)
	if !ok {
		p.buf = append(p.buf, errWrongArgType...)
		return
	}

	if spec.width > maxNumWidth {
		spec.width = maxNumWidth
	}

	var (
		num     [maxNumWidth + 1]byte
		pos     = len(num)
		charset = digits[:16]
	)
	if upper {
		charset = digits[16:]
	}

	for {
		pos--
		num[pos] = charset[val%base]
		val /= base
		if val == 0 {
			break
		}
	}

	padCh := byte('0')
	if base == 10 && !spec.zeroPad {
		padCh = ' '
	}

	if spec.leftAlign || padCh == ' ' {
		if negative {
			pos--
			num[pos] = '-'
		}
		p.padded(num[pos:], ' ', spec)
		return
	}

	// Zero padding goes between the sign and the digits.
	if negative {
		p.buf = append(p.buf, '-')
		spec.width--
	}
	p.padded(num[pos:], '0', spec)
}

// toUint64 returns the magnitude and sign of an integer value.
func toUint64(v interface{}) (uint64, bool, bool) {
	var sval int64

	switch t := v.(type) {
	case uint8:
		return uint64(t), false, true
	case uint16:
		return uint64(t), false, true
	case uint32:
		return uint64(t), false, true
	case uint64:
		return t, false, true
	case uint:
		return uint64(t), false, true
	case uintptr:
		return uint64(t), false, true
	case int8:
		sval = int64(t)
	case int16:
		sval = int64(t)
	case int32:
		sval = int64(t)
	case int64:
		sval = t
	case int:
		sval = int64(t)
	default:
		return 0, false, false
	}

	if sval < 0 {
		return uint64(-sval), true, true
	}
	return uint64(sval), false, true
}

package klog

import (
	"strconv"
	"strings"
	"unsafe"
)

// Log levels, the usual KERN_EMERG..KERN_DEBUG ladder.
const (
	LevelEmerg  = 0
	LevelAlert  = 1
	LevelCrit   = 2
	LevelErr    = 3
	LevelWarn   = 4
	LevelNotice = 5
	LevelInfo   = 6
	LevelDebug  = 7

	defaultLevel = LevelInfo
)

// Console receives every message committed to the ring buffer and
// accepted by the current console filter level.
type Console interface {
	Write(level int, msg string)
}

var (
	ring           Ring
	consoles       []Console
	consoleLevel   = LevelDebug
	nowMillis      func() uint64 = func() uint64 { return 0 }
)

// SetClock injects the monotonic millisecond clock printk timestamps
// records with. Call once at boot with pit.UptimeMillis; defaults to an
// always-zero clock so tests do not need a PIT.
func SetClock(fn func() uint64) {
	nowMillis = fn
}

// SetConsoleLevel sets the global filter: messages with a numerically
// higher (less severe) level than this are never forwarded to consoles,
// though they are still committed to the ring buffer regardless.
func SetConsoleLevel(level int) {
	consoleLevel = level
}

// RegisterConsole adds con to the fan-out list. New consoles are pushed
// to the front, so the most recently registered console is asked to
// write first.
func RegisterConsole(con Console) {
	consoles = append([]Console{con}, consoles...)
}

// Printk formats msg per Printf-style format verbs, optionally prefixed
// with a "<N>" level tag (N in '0'..'7'; absent defaults to LevelInfo),
// writes it to the ring buffer, and fans it out to registered consoles
// whose filter admits it.
func Printk(format string, args ...any) {
	level, body := parseLevel(format)
	text := sprintf(body, args...)
	if text == "" {
		return
	}
	ring.Write(uint8(level), text, nowMillis())
	emitToConsoles(level, text)
}

func parseLevel(format string) (level int, body string) {
	if len(format) >= 3 && format[0] == '<' && format[1] >= '0' && format[1] <= '7' && format[2] == '>' {
		return int(format[1] - '0'), format[3:]
	}
	return defaultLevel, format
}

func emitToConsoles(level int, text string) {
	if level > consoleLevel {
		return
	}
	for _, c := range consoles {
		c.Write(level, text)
	}
}

// scratchSize is the fixed formatting buffer size printk renders into;
// anything longer is truncated.
const scratchSize = 512

// sprintf implements the printf subset printk promises: verbs
// %c %s %d %i %u %x %X %p %%, a minimum field width with optional
// 0-padding, and the l/ll length modifiers. No precision, no floats,
// no h. Go's variadic any carries full-width values regardless of the
// length modifier, so l/ll are parsed and discarded.
func sprintf(format string, args ...any) string {
	var b strings.Builder
	argi := 0
	next := func() any {
		if argi < len(args) {
			v := args[argi]
			argi++
			return v
		}
		return nil
	}

	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 >= len(format) {
			b.WriteByte(c)
			continue
		}
		i++

		zeroPad := false
		if format[i] == '0' && i+1 < len(format) {
			zeroPad = true
			i++
		}
		width := 0
		for i < len(format) && format[i] >= '0' && format[i] <= '9' {
			width = width*10 + int(format[i]-'0')
			i++
		}
		for i < len(format) && format[i] == 'l' {
			i++
		}
		if i >= len(format) {
			break
		}

		switch format[i] {
		case 'c':
			switch v := next().(type) {
			case rune:
				b.WriteRune(v)
			case int:
				b.WriteRune(rune(v))
			case byte:
				b.WriteByte(v)
			}
		case 's':
			writePadded(&b, toString(next()), width, false)
		case 'd', 'i':
			writePadded(&b, strconv.FormatInt(toInt64(next()), 10), width, zeroPad)
		case 'u':
			writePadded(&b, strconv.FormatUint(toUint64(next()), 10), width, zeroPad)
		case 'x':
			writePadded(&b, strconv.FormatUint(toUint64(next()), 16), width, zeroPad)
		case 'X':
			writePadded(&b, strings.ToUpper(strconv.FormatUint(toUint64(next()), 16)), width, zeroPad)
		case 'p':
			b.WriteString("0x" + strconv.FormatUint(toUint64(next()), 16))
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(format[i])
		}

		if b.Len() >= scratchSize {
			break
		}
	}

	out := b.String()
	if len(out) > scratchSize-1 {
		out = out[:scratchSize-1]
	}
	return out
}

// writePadded right-aligns s in a field of the given width, padding
// with zeros or spaces. A negative sign stays ahead of zero padding.
func writePadded(b *strings.Builder, s string, width int, zeroPad bool) {
	if pad := width - len(s); pad > 0 {
		if zeroPad && len(s) > 0 && s[0] == '-' {
			b.WriteByte('-')
			s = s[1:]
			pad = width - 1 - len(s)
		}
		fill := byte(' ')
		if zeroPad {
			fill = '0'
		}
		for i := 0; i < pad; i++ {
			b.WriteByte(fill)
		}
	}
	b.WriteString(s)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case uintptr:
		return int64(n)
	default:
		return 0
	}
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case int:
		return uint64(n)
	case int8:
		return uint64(n)
	case int16:
		return uint64(n)
	case int32:
		return uint64(n)
	case int64:
		return uint64(n)
	case uint:
		return uint64(n)
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	case uintptr:
		return uint64(n)
	case unsafe.Pointer:
		return uint64(uintptr(n))
	default:
		return 0
	}
}

// Emergencyf, Criticalf, Warnf and Infof are pr_*-style convenience
// wrappers over Printk, one per level.
func Emergencyf(format string, args ...any) { Printk(levelTag(LevelEmerg)+format, args...) }
func Alertf(format string, args ...any)     { Printk(levelTag(LevelAlert)+format, args...) }
func Criticalf(format string, args ...any)  { Printk(levelTag(LevelCrit)+format, args...) }
func Errorf(format string, args ...any)     { Printk(levelTag(LevelErr)+format, args...) }
func Warnf(format string, args ...any)      { Printk(levelTag(LevelWarn)+format, args...) }
func Noticef(format string, args ...any)    { Printk(levelTag(LevelNotice)+format, args...) }
func Infof(format string, args ...any)      { Printk(levelTag(LevelInfo)+format, args...) }
func Debugf(format string, args ...any)     { Printk(levelTag(LevelDebug)+format, args...) }

func levelTag(level int) string {
	return "<" + strconv.Itoa(level) + ">"
}

// ReadNext is the console-driver-facing entry point onto the ring
// buffer, exposed so internal/console implementations (and tests) do
// not need access to the package-level ring directly.
func ReadNext(sequence *uint64) (string, Header, ReadStatus) {
	return ring.Read(sequence)
}

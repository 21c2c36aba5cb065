package log

import (
	"bytes"
	"fmt"
	"log/slog"
	"math/big"
	"reflect"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/holiman/uint256"
)

const (
	// timeFormat        = "2006-01-02T15:04:05-0700" // Standard time format for log values if not handled specially
	timeFormat = "2006-01-02T15:04:05-0700"
	// floatFormat       = 'f' // Format specifier for floats
	floatFormat = 'f'
	// termMsgJust       = 40 // Width to justify the log message field when attributes are present
	termMsgJust = 40
	// termCtxMaxPadding = 40 // Maximum padding allowed for attribute values for alignment
	termCtxMaxPadding = 40
)

// 40 spaces, pre-allocated for padding efficiency.
var spaces = []byte("                                        ")

// TerminalStringer is an analogous interface to the stdlib stringer, allowing
// own types to have custom shortened serialization formats when printed to the
// screen.
type TerminalStringer interface {
	TerminalString() string
}

func (h *TerminalHandler) format(buf []byte, r slog.Record, usecolor bool) []byte {
	// 1. Escape the main message for safe printing.
	msg := escapeMessage(r.Message)
	var color = ""
	// 2. Determine color based on log level if 'usecolor' is enabled.
	if usecolor {
		switch r.Level {
		case LevelCrit:
			color = "\x1b[35m"
		case slog.LevelError:
			color = "\x1b[31m"
		case slog.LevelWarn:
			color = "\x1b[33m"
		case slog.LevelInfo:
			color = "\x1b[32m"
		case slog.LevelDebug:
			color = "\x1b[36m"
		case LevelTrace:
			color = "\x1b[34m"
		}
	}
	// 3. Initialize or reuse the buffer.
	if buf == nil {
		buf = make([]byte, 0, 30+termMsgJust)
	}
	b := bytes.NewBuffer(buf)

	// 4. Write Level (potentially colored).
	if color != "" {
		b.WriteString(color)
		b.WriteString(LevelAlignedString(r.Level))
		b.WriteString("\x1b[0m")
	} else {
		b.WriteString(LevelAlignedString(r.Level))
	}

	// 5. Write Timestamp using custom terminal format.
	b.WriteString("[")
	writeTimeTermFormat(b, r.Time)
	b.WriteString("] ")

	// 6. Write Log Source (File/Line, Function).
	b.WriteString(h.Source(r).String())
	b.WriteString(" ")

	// 7. Write the main log message.
	b.WriteString(msg)

	// 8. Justify (pad) the message area if attributes follow and message is short.
	// try to justify the log output for short messages
	length := len(msg)
	if (r.NumAttrs()+len(h.attrs)) > 0 && length < termMsgJust {
		b.Write(spaces[:termMsgJust-length])
	}
	// 9. Format and write attributes.
	h.formatAttributes(b, r, color)

	// 10. Return the formatted bytes.
	return b.Bytes()
}

// formatAttributes formats and appends the log record's attributes to the buffer.
func (h *TerminalHandler) formatAttributes(buf *bytes.Buffer, r slog.Record, color string) {
	// Internal function to write a single attribute.
	writeAttr := func(attr slog.Attr, last bool) {
		buf.WriteByte(' ')

		// Write Key (potentially colored and escaped)
		if color != "" {
			buf.WriteString(color)
			// Use AvailableBuffer to potentially avoid allocation when appending escaped string.
			buf.Write(appendEscapeString(buf.AvailableBuffer(), attr.Key))
			buf.WriteString("\x1b[0m=")
		} else {
			buf.Write(appendEscapeString(buf.AvailableBuffer(), attr.Key))
			buf.WriteByte('=')
		}
		// Format Value using the dedicated function
		val := FormatSlogValue(attr.Value, buf.AvailableBuffer())

		// Apply padding for alignment based on stored/updated padding value
		padding := h.fieldPadding[attr.Key]

		// Note: Using RuneCount for length calculation is more accurate for terminal alignment with multi-byte chars.
		length := utf8.RuneCount(val)
		if padding < length && length <= termCtxMaxPadding {
			padding = length
			h.fieldPadding[attr.Key] = padding
		}
		buf.Write(val)
		if !last && padding > length {
			buf.Write(spaces[:padding-length])
		}
	}

	var n = 0
	var nAttrs = len(h.attrs) + r.NumAttrs()

	// Write handler's predefined attributes
	for _, attr := range h.attrs {
		writeAttr(attr, n == nAttrs-1)
		n++
	}
	// Write record's attributes
	r.Attrs(func(attr slog.Attr) bool {
		writeAttr(attr, n == nAttrs-1)
		n++
		return true
	})
	buf.WriteByte('\n')
}

// FormatSlogValue formats a slog.Value for serialization to terminal.
// It handles various data types, including Ethereum-specific ones like big.Int and uint256.Int.
func FormatSlogValue(v slog.Value, tmp []byte) (result []byte) {
	var value any
	// Recover from potential panics during value processing (e.g., nil pointers)
	defer func() {
		if err := recover(); err != nil {
			// Check if the panic was due to a nil pointer dereference
			if valRef := reflect.ValueOf(value); valRef.Kind() == reflect.Ptr && valRef.IsNil() {
				result = []byte("<nil>")
			} else {
				panic(err)
			}
		}
	}()

	// Handle basic slog kinds directly
	switch v.Kind() {
	case slog.KindString:
		return appendEscapeString(tmp, v.String())
	case slog.KindInt64:
		return appendInt64(tmp, v.Int64())
	case slog.KindUint64:
		return appendUint64(tmp, v.Uint64(), false)
	case slog.KindFloat64:
		return strconv.AppendFloat(tmp, v.Float64(), floatFormat, 3, 64)
	case slog.KindBool:
		return strconv.AppendBool(tmp, v.Bool())
	case slog.KindDuration:
		value = v.Duration()
	case slog.KindTime:
		// Performance optimization: No need for escaping since the provided
		// timeFormat doesn't have any escape characters, and escaping is
		// expensive.
		return v.Time().AppendFormat(tmp, timeFormat)
	default: // KindAny, KindGroup, KindLogValuer
		value = v.Any()
	}
	// Handle nil value explicitly
	if value == nil {
		return []byte("<nil>")
	}
	// Handle specific types, including common Go types and Ethereum types
	switch v := value.(type) {
	case *big.Int:
		return appendBigInt(tmp, v)
	case *uint256.Int:
		return appendU256(tmp, v)
	case error:
		return appendEscapeString(tmp, v.Error())
	case TerminalStringer:
		return appendEscapeString(tmp, v.TerminalString())
	case fmt.Stringer:
		return appendEscapeString(tmp, v.String())
	}

	// Fallback: Use fmt %+v for generic formatting, then escape the result
	// We can use the 'tmp' as a scratch-buffer, to first format the
	// value, and in a second step do escaping.
	internal := fmt.Appendf(tmp, "%+v", value)
	return appendEscapeString(tmp[:0], string(internal))
}

// appendInt64 formats n with thousand separators and writes into buffer dst.
func appendInt64(dst []byte, n int64) []byte {
	if n < 0 {
		return appendUint64(dst, uint64(-n), true)
	}
	return appendUint64(dst, uint64(n), false)
}

// appendUint64 formats n with thousand separators and writes into buffer dst.
func appendUint64(dst []byte, n uint64, neg bool) []byte {
	// Small numbers are fine as is
	if n < 100000 {
		if neg {
			return strconv.AppendInt(dst, -int64(n), 10)
		} else {
			return strconv.AppendInt(dst, int64(n), 10)
		}
	}
	// Large numbers should be split
	const maxLength = 26

	var (
		out   = make([]byte, maxLength)
		i     = maxLength - 1
		comma = 0
	)
	// Build the string in reverse order
	for ; n > 0; i-- {
		if comma == 3 {
			comma = 0
			out[i] = ','
		} else {
			comma++
			out[i] = '0' + byte(n%10)
			n /= 10
		}
	}
	if neg {
		out[i] = '-'
		i--
	}
	// Append the formatted part of 'out' to 'dst'
	return append(dst, out[i+1:]...)
}

// FormatLogfmtUint64 formats n with thousand separators. (Used elsewhere for logfmt potentially)
func FormatLogfmtUint64(n uint64) string {
	return string(appendUint64(nil, n, false))
}

// appendBigInt formats n with thousand separators and writes to dst.
func appendBigInt(dst []byte, n *big.Int) []byte {
	// Optimization: Use faster uint64/int64 formatting if possible
	if n.IsUint64() {
		return appendUint64(dst, n.Uint64(), false)
	}
	if n.IsInt64() {
		return appendInt64(dst, n.Int64())
	}

	// Handle general big.Int
	var (
		text  = n.String()
		buf   = make([]byte, len(text)+len(text)/3)
		comma = 0
		i     = len(buf) - 1
	)
	// Build string in reverse, inserting commas
	for j := len(text) - 1; j >= 0; j, i = j-1, i-1 {
		c := text[j]

		switch {
		case c == '-':
			buf[i] = c
		case comma == 3:
			buf[i] = ','
			i--
			comma = 0
			fallthrough
		default:
			buf[i] = c
			comma++
		}
	}
	// Append the formatted part to dst
	return append(dst, buf[i+1:]...)
}

// appendU256 formats n with thousand separators.
func appendU256(dst []byte, n *uint256.Int) []byte {
	// Optimization: Use uint64 formatting if possible
	if n.IsUint64() {
		return appendUint64(dst, n.Uint64(), false)
	}
	// Use the PrettyDec method from the uint256 library which already adds separators
	res := []byte(n.PrettyDec(','))
	return append(dst, res...)
}

// appendEscapeString writes the string s to the given writer, with
// escaping/quoting if needed. Used for attribute keys and values.
func appendEscapeString(dst []byte, s string) []byte {
	needsQuoting := false
	needsEscaping := false
	for _, r := range s {
		// If it contains spaces or equal-sign, we need to quote it.
		if r == ' ' || r == '=' {
			needsQuoting = true
			continue
		}
		// We need to escape it, if it contains
		// - character " (0x22) and lower (except space)
		// - characters above ~ (0x7E)
		// Equal-sign (0x3D) is not in these ranges; it only triggers quoting above.
		if r <= '"' || r > '~' {
			needsEscaping = true
			break
		}
	}
	if needsEscaping {
		return strconv.AppendQuote(dst, s)
	}
	// No escaping needed, but we might have to place within quote-marks, in case
	// it contained a space
	if needsQuoting {
		dst = append(dst, '"')
		dst = append(dst, []byte(s)...)
		return append(dst, '"')
	}
	// No quoting or escaping needed
	return append(dst, []byte(s)...)
}

// escapeMessage checks if the provided string needs escaping/quoting, similarly
// to escapeString. The difference is that this method is more lenient: it allows
// for spaces and linebreaks to occur without needing quoting. Used for the main log message.
func escapeMessage(s string) string {
	needsQuoting := false
	for _, r := range s {
		// Allow CR/LF/TAB. This is to make multi-line messages work.
		if r == '\r' || r == '\n' || r == '\t' {
			continue
		}
		// We quote everything below <space> (0x20) and above~ (0x7E),
		// plus equal-sign
		if r < ' ' || r > '~' || r == '=' {
			needsQuoting = true
			break
		}
	}
	if !needsQuoting {
		return s
	}
	return strconv.Quote(s)
}

// writeTimeTermFormat writes on the format "MM-DD|HH:MM:SS.ms" e.g., "01-02|15:04:05.123"
func writeTimeTermFormat(buf *bytes.Buffer, t time.Time) {
	_, month, day := t.Date()
	writePosIntWidth(buf, int(month), 2)
	buf.WriteByte('-')
	writePosIntWidth(buf, day, 2)
	buf.WriteByte('|')
	hour, min, sec := t.Clock()
	writePosIntWidth(buf, hour, 2)
	buf.WriteByte(':')
	writePosIntWidth(buf, min, 2)
	buf.WriteByte(':')
	writePosIntWidth(buf, sec, 2)
	ns := t.Nanosecond()
	buf.WriteByte('.')
	writePosIntWidth(buf, ns/1e6, 3)
}

// writePosIntWidth writes non-negative integer i to the buffer, padded on the left
// by zeroes to the given width. Use a width of 0 to omit padding.
// Adapted from pkg.go.dev/log/slog/internal/buffer (or similar standard library code)
func writePosIntWidth(b *bytes.Buffer, i, width int) {
	// Cheap integer to fixed-width decimal ASCII.
	// Copied from log/log.go.
	if i < 0 {
		panic("negative int")
	}
	// Assemble decimal in reverse order.
	var bb [20]byte
	bp := len(bb) - 1
	// Format digits from right to left
	for i >= 10 || width > 1 {
		width--
		q := i / 10
		bb[bp] = byte('0' + i - q*10)
		bp--
		i = q
	}
	// i < 10
	bb[bp] = byte('0' + i)
	b.Write(bb[bp:])
}

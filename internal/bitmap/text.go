package bitmap

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// ErrSyntax is returned when a list string cannot be parsed
var ErrSyntax = errors.New("invalid bitmap list syntax")

// MaxParseIndex is the largest index Parse accepts. Open ranges may still
// start at or below it.
const MaxParseIndex = 1<<20 - 1

// String formats the set in list form, e.g. "0-3,8,12-"
func (b Bitmap) String() string {
	var sb strings.Builder
	var (
		start   uint
		prev    uint
		inRange bool
	)
	flush := func() {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if start == prev {
			sb.WriteString(strconv.FormatUint(uint64(start), 10))
			return
		}
		fmt.Fprintf(&sb, "%d-%d", start, prev)
	}

	finiteEnd := uint(len(b.words) * wordBits)
	for i, w := range b.words {
		for w != 0 {
			idx := uint(i*wordBits) + uint(bits.TrailingZeros64(w))
			w &= w - 1
			switch {
			case !inRange:
				start, prev, inRange = idx, idx, true
			case idx == prev+1:
				prev = idx
			default:
				flush()
				start, prev = idx, idx
			}
		}
	}

	if b.infinite {
		// The open range either continues a run ending at the last stored
		// word or starts fresh at the first index past the stored words.
		if inRange && prev+1 == finiteEnd {
			if sb.Len() > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "%d-", start)
			return sb.String()
		}
		if inRange {
			flush()
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d-", finiteEnd)
		return sb.String()
	}

	if inRange {
		flush()
	}
	return sb.String()
}

// Parse reads a set in list form. Whitespace around elements is ignored.
func Parse(s string) (Bitmap, error) {
	s = strings.TrimSpace(s)
	out := Bitmap{}
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return Bitmap{}, fmt.Errorf("%w: empty element in %q", ErrSyntax, s)
		}
		lo, hi, found := strings.Cut(part, "-")
		first, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 32)
		if err != nil {
			return Bitmap{}, fmt.Errorf("%w: %q", ErrSyntax, part)
		}
		if first > MaxParseIndex {
			return Bitmap{}, fmt.Errorf("%w: %q: index above %d", ErrSyntax, part, MaxParseIndex)
		}
		if !found {
			out = out.With(uint(first))
			continue
		}
		hi = strings.TrimSpace(hi)
		if hi == "" {
			out = out.WithRange(uint(first), -1)
			continue
		}
		last, err := strconv.ParseUint(hi, 10, 32)
		if err != nil || last < first {
			return Bitmap{}, fmt.Errorf("%w: %q", ErrSyntax, part)
		}
		if last > MaxParseIndex {
			return Bitmap{}, fmt.Errorf("%w: %q: index above %d", ErrSyntax, part, MaxParseIndex)
		}
		out = out.WithRange(uint(first), int(last))
	}
	return out, nil
}

// MustParse is like Parse but panics on malformed input
func MustParse(s string) Bitmap {
	b, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return b
}

// MarshalText implements encoding.TextMarshaler
func (b Bitmap) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (b *Bitmap) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

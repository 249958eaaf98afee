package nmea

import (
	"strconv"
	"strings"
)

// Fragment is one decoded transmission unit as handed over by the decoder.
// Total is the declared fragment count and Index the 1-based position of
// this fragment; Total <= 1 means the text is already a complete sentence.
// Only the first Length bytes of Text are payload.
type Fragment struct {
	Text   string
	Length uint
	Total  uint8
	Index  uint8
}

// Payload returns Text clamped to Length.
func (f Fragment) Payload() string {
	if f.Length < uint(len(f.Text)) {
		return f.Text[:f.Length]
	}
	return f.Text
}

// IsSentence reports whether line looks like an NMEA sentence ("!" or "$" start).
func IsSentence(line string) bool {
	return len(line) > 1 && (line[0] == '!' || line[0] == '$')
}

// ParseFragment builds a Fragment from one decoded text line. The fragment
// count and number are taken from the encapsulation header
// (!AIVDM,<total>,<index>,...). A header that cannot be read yields a
// single-fragment sentence. The returned text always ends in CRLF.
func ParseFragment(line string) Fragment {
	line = strings.TrimRight(line, "\r\n")
	text := line + "\r\n"
	f := Fragment{Text: text, Length: uint(len(text)), Total: 1, Index: 1}
	fields := strings.SplitN(line, ",", 4)
	if len(fields) < 4 {
		return f
	}
	total, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil || total == 0 {
		return f
	}
	index, err := strconv.ParseUint(fields[2], 10, 8)
	if err != nil || index == 0 || index > total {
		return f
	}
	f.Total = uint8(total)
	f.Index = uint8(index)
	return f
}

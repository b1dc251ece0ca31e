package scripting

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes source text before hashing. Line endings become
// LF everywhere, which the Lua lexer already does inside literals. Outside
// string literals the text is put in Unicode NFC, trailing whitespace is
// dropped from each line and trailing blank lines are removed. String
// literals, long brackets included, are kept byte for byte so that two
// sources sharing a hash always behave the same.
func Normalize(code string) string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	code = strings.ReplaceAll(code, "\r", "\n")

	var b strings.Builder
	b.Grow(len(code))
	start := 0 // beginning of the pending code segment
	flush := func(end int) {
		b.WriteString(tidy(code[start:end]))
	}
	for i := 0; i < len(code); {
		c := code[i]
		switch {
		case c == '-' && strings.HasPrefix(code[i:], "--"):
			// comments are code for hashing purposes; skip them so quotes
			// and brackets inside do not open literals
			i += 2
			if lvl, ok := longOpen(code, i); ok {
				i = longClose(code, i+lvl+2, lvl)
			} else if nl := strings.IndexByte(code[i:], '\n'); nl >= 0 {
				i += nl
			} else {
				i = len(code)
			}
		case c == '"' || c == '\'':
			flush(i)
			end := shortClose(code, i+1, c)
			b.WriteString(code[i:end])
			i, start = end, end
		case c == '[':
			lvl, ok := longOpen(code, i)
			if !ok {
				i++
				continue
			}
			flush(i)
			end := longClose(code, i+lvl+2, lvl)
			b.WriteString(code[i:end])
			i, start = end, end
		default:
			i++
		}
	}
	b.WriteString(strings.TrimRight(tidy(code[start:]), " \t\f\v\n"))
	return b.String()
}

// tidy normalizes a run of code: NFC and no whitespace before a newline.
func tidy(seg string) string {
	seg = norm.NFC.String(seg)
	if !strings.Contains(seg, "\n") {
		return seg
	}
	lines := strings.Split(seg, "\n")
	for i := 0; i < len(lines)-1; i++ {
		lines[i] = strings.TrimRight(lines[i], " \t\f\v")
	}
	return strings.Join(lines, "\n")
}

// longOpen reports whether a long bracket [[, [=[, ... starts at i and
// returns its level.
func longOpen(code string, i int) (int, bool) {
	if i >= len(code) || code[i] != '[' {
		return 0, false
	}
	j := i + 1
	for j < len(code) && code[j] == '=' {
		j++
	}
	if j < len(code) && code[j] == '[' {
		return j - i - 1, true
	}
	return 0, false
}

// longClose returns the index just past the closing bracket of the given
// level, or len(code) when it is unterminated.
func longClose(code string, from, lvl int) int {
	closer := "]" + strings.Repeat("=", lvl) + "]"
	if k := strings.Index(code[from:], closer); k >= 0 {
		return from + k + len(closer)
	}
	return len(code)
}

// shortClose returns the index just past the closing quote. An unescaped
// newline ends an unterminated string.
func shortClose(code string, from int, quote byte) int {
	for i := from; i < len(code); i++ {
		switch code[i] {
		case '\\':
			i++
		case quote:
			return i + 1
		case '\n':
			return i
		}
	}
	return len(code)
}

// Hash returns the hex BLAKE2b-256 digest of the normalized source.
func Hash(code string) string {
	sum := blake2b.Sum256([]byte(Normalize(code)))
	return hex.EncodeToString(sum[:])
}

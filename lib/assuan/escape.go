// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assuan

const hexDigits = "0123456789ABCDEF"

// needsEscape reports whether b must be sent as %XX: the percent sign
// itself and every control byte, which covers CR and LF.
func needsEscape(b byte) bool {
	return b == '%' || b < 0x20
}

// EscapedLen returns the length of src after escaping.
func EscapedLen(src []byte) int {
	length := len(src)
	for _, b := range src {
		if needsEscape(b) {
			length += 2
		}
	}
	return length
}

// EscapeInto writes the escaped form of src into dst and returns the
// number of bytes written. dst must hold at least EscapedLen(src)
// bytes. Writing into a caller-supplied slice lets secrets be escaped
// directly into pool memory.
func EscapeInto(dst, src []byte) int {
	written := 0
	for _, b := range src {
		if needsEscape(b) {
			dst[written] = '%'
			dst[written+1] = hexDigits[b>>4]
			dst[written+2] = hexDigits[b&0x0f]
			written += 3
			continue
		}
		dst[written] = b
		written++
	}
	return written
}

// Escape returns the escaped form of s. Use it for status and
// description text, never for secrets.
func Escape(s string) string {
	source := []byte(s)
	escaped := make([]byte, EscapedLen(source))
	EscapeInto(escaped, source)
	return string(escaped)
}

// Unescape decodes %XX sequences (upper or lower case hex) into a
// freshly allocated slice; src is not modified. A truncated or non-hex
// sequence is a SyntaxError.
func Unescape(src []byte) ([]byte, error) {
	decoded := make([]byte, 0, len(src))
	for index := 0; index < len(src); index++ {
		if src[index] != '%' {
			decoded = append(decoded, src[index])
			continue
		}
		if index+2 >= len(src) {
			return nil, NewError(SyntaxError, "truncated escape sequence")
		}
		high, highOK := fromHex(src[index+1])
		low, lowOK := fromHex(src[index+2])
		if !highOK || !lowOK {
			return nil, NewError(SyntaxError, "invalid escape sequence")
		}
		decoded = append(decoded, high<<4|low)
		index += 2
	}
	return decoded, nil
}

// UnescapeString is Unescape for command arguments.
func UnescapeString(s string) (string, error) {
	decoded, err := Unescape([]byte(s))
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

func fromHex(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}

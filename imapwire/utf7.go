package imapwire

import (
	"encoding/base64"
	"errors"
	"fmt"
	"unicode"
	"unicode/utf16"
)

// Mailbox names are sent in modified UTF-7 unless UTF-8 has been enabled.

const utf7chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,"

var utf7encoding = base64.NewEncoding(utf7chars).WithPadding(base64.NoPadding)

var (
	errUTF7SuperfluousShift = errors.New("utf7: superfluous unshift+shift")
	errUTF7Base64           = errors.New("utf7: bad base64")
	errUTF7OddSized         = errors.New("utf7: odd-sized data")
	errUTF7UnneededShift    = errors.New("utf7: unneeded shift")
	errUTF7UnfinishedShift  = errors.New("utf7: unfinished shift")
	errUTF7BadSurrogate     = errors.New("utf7: bad utf16 surrogates")
)

// DecodeMailbox decodes a mailbox name in modified UTF-7.
func DecodeMailbox(s string) (string, error) {
	var r string
	var shifted bool
	var b string
	lastunshift := -2

	for i, c := range s {
		if !shifted {
			if c == '&' {
				if lastunshift == i-1 {
					return "", errUTF7SuperfluousShift
				}
				shifted = true
			} else {
				r += string(c)
			}
			continue
		}

		if c != '-' {
			b += string(c)
			continue
		}

		shifted = false
		lastunshift = i
		if b == "" {
			r += "&"
			continue
		}
		buf, err := utf7encoding.DecodeString(b)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", errUTF7Base64, b, err)
		}
		b = ""

		if len(buf)%2 != 0 {
			return "", errUTF7OddSized
		}

		units := make([]uint16, len(buf)/2)
		for j := range units {
			units[j] = uint16(buf[2*j])<<8 | uint16(buf[2*j+1])
		}
		need := false
		for j := 0; j < len(units); j++ {
			c := rune(units[j])
			if utf16.IsSurrogate(c) {
				if j+1 >= len(units) {
					return "", errUTF7BadSurrogate
				}
				c = utf16.DecodeRune(c, rune(units[j+1]))
				if c == unicode.ReplacementChar {
					return "", errUTF7BadSurrogate
				}
				j++
			}
			if c < 0x20 || c > 0x7e || c == '&' {
				need = true
			}
			r += string(c)
		}
		if !need {
			return "", errUTF7UnneededShift
		}
	}
	if shifted {
		return "", errUTF7UnfinishedShift
	}
	return r, nil
}

// EncodeMailbox encodes a mailbox name in modified UTF-7.
func EncodeMailbox(s string) string {
	var r string
	var x []rune
	flush := func() {
		if len(x) == 0 {
			return
		}
		var buf []byte
		for _, c := range utf16.Encode(x) {
			buf = append(buf, byte(c>>8), byte(c))
		}
		r += "&" + utf7encoding.EncodeToString(buf) + "-"
		x = nil
	}
	for _, c := range s {
		if c == '&' {
			flush()
			r += "&-"
		} else if c >= 0x20 && c <= 0x7e {
			flush()
			r += string(c)
		} else {
			x = append(x, c)
		}
	}
	flush()
	return r
}

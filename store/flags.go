package store

import (
	"errors"
	"fmt"
	"strings"
)

var ErrFlag = errors.New("invalid flag")

// NormalizeFlags returns flags with system flags in canonical casing and
// duplicates removed, keeping order. Unknown system flags and \Recent, which
// only the server sets, are rejected.
func NormalizeFlags(flags []string) ([]string, error) {
	var r []string
	seen := map[string]bool{}
	for _, f := range flags {
		if strings.HasPrefix(f, `\`) {
			var ok bool
			for _, sf := range SystemFlags {
				if strings.EqualFold(f, sf) {
					f = sf
					ok = true
					break
				}
			}
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrFlag, f)
			}
		} else if f == "" {
			return nil, fmt.Errorf("%w: empty", ErrFlag)
		}
		k := strings.ToLower(f)
		if !seen[k] {
			seen[k] = true
			r = append(r, f)
		}
	}
	return r, nil
}

// HasFlag returns whether flag is in flags, case-insensitive.
func HasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// MergeFlags returns flags with add added and remove removed.
func MergeFlags(flags, add, remove []string) []string {
	var r []string
	for _, f := range flags {
		if !HasFlag(remove, f) {
			r = append(r, f)
		}
	}
	for _, f := range add {
		if !HasFlag(r, f) && !HasFlag(remove, f) {
			r = append(r, f)
		}
	}
	return r
}

// MailboxFlags returns the flags for a mailbox with the given keywords, and
// the permanent flags, which also allow new keywords if writable.
func MailboxFlags(keywords []string, writable bool) (flags, permanent []string) {
	flags = append(append([]string{}, SystemFlags...), keywords...)
	if !writable {
		return flags, []string{}
	}
	permanent = append(append([]string{}, flags...), FlagKeywords)
	return flags, permanent
}

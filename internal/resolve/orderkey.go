package resolve

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/agleyzer/hlsgrab/internal/segment"
)

// ErrUnparsableOrderingKey is returned when an address carries no extractable ordering key.
var ErrUnparsableOrderingKey = errors.New("resolve: unparsable ordering key")

// KeyFunc extracts the ordering key of a segment from its address.
// Implementations must be deterministic and must fail rather than guess.
type KeyFunc func(addr segment.Address) (int64, error)

// Strategy names accepted by ByName.
const (
	StrategyBase64Dash     = "base64-dash"
	StrategyTrailingNumber = "trailing-number"
	StrategyQueryParam     = "query-param"
)

// KeyOptions parameterizes the built-in strategies.
type KeyOptions struct {
	// Delimiter splits the decoded token for base64-dash (default "-")
	Delimiter string `yaml:"delimiter"`

	// Field is the zero-based index of the numeric field after splitting;
	// 0 selects the first field
	Field int `yaml:"field"`

	// Param is the query parameter holding the key for query-param
	Param string `yaml:"param"`
}

// ByName returns the built-in strategy registered under name.
func ByName(name string, opts KeyOptions) (KeyFunc, error) {
	switch name {
	case StrategyBase64Dash, "":
		delim := opts.Delimiter
		if delim == "" {
			delim = "-"
		}
		return Base64Field(delim, opts.Field), nil
	case StrategyTrailingNumber:
		return TrailingNumber, nil
	case StrategyQueryParam:
		if opts.Param == "" {
			return nil, fmt.Errorf("ordering key strategy %s requires a parameter name", name)
		}
		return QueryParam(opts.Param), nil
	default:
		return nil, fmt.Errorf("unknown ordering key strategy %q", name)
	}
}

// Base64Field decodes the last path element as base64, splits the decoded text
// on delim and parses field number field as a decimal integer. A segment named
// base64("seg-42-v1") yields 42 with delim "-" and field 1.
func Base64Field(delim string, field int) KeyFunc {
	return func(addr segment.Address) (int64, error) {
		name, err := lastElement(addr)
		if err != nil {
			return 0, err
		}

		decoded, ok := decodeBase64(name)
		if !ok {
			return 0, fmt.Errorf("%w: %q is not base64 in %s", ErrUnparsableOrderingKey, name, addr)
		}

		parts := strings.Split(decoded, delim)
		if field < 0 || field >= len(parts) {
			return 0, fmt.Errorf("%w: decoded token %q has no field %d in %s", ErrUnparsableOrderingKey, decoded, field, addr)
		}

		key, err := strconv.ParseInt(strings.TrimSpace(parts[field]), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: field %d of %q is not an integer in %s", ErrUnparsableOrderingKey, field, decoded, addr)
		}
		return key, nil
	}
}

var trailingDigits = regexp.MustCompile(`(\d+)$`)

// TrailingNumber uses the last run of digits in the final path element, ignoring
// a file extension: ".../segment_00017.ts" yields 17.
func TrailingNumber(addr segment.Address) (int64, error) {
	name, err := lastElement(addr)
	if err != nil {
		return 0, err
	}

	m := trailingDigits.FindStringSubmatch(strings.TrimSuffix(name, path.Ext(name)))
	if m == nil {
		return 0, fmt.Errorf("%w: no trailing number in %s", ErrUnparsableOrderingKey, addr)
	}

	key, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v in %s", ErrUnparsableOrderingKey, err, addr)
	}
	return key, nil
}

// QueryParam reads the key from an integer query parameter.
func QueryParam(name string) KeyFunc {
	return func(addr segment.Address) (int64, error) {
		u, err := url.Parse(string(addr))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		v := u.Query().Get(name)
		if v == "" {
			return 0, fmt.Errorf("%w: query parameter %q missing in %s", ErrUnparsableOrderingKey, name, addr)
		}

		key, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: query parameter %q=%q is not an integer in %s", ErrUnparsableOrderingKey, name, v, addr)
		}
		return key, nil
	}
}

// lastElement returns the unescaped final path element of addr.
func lastElement(addr segment.Address) (string, error) {
	u, err := url.Parse(string(addr))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	p := strings.TrimSuffix(u.Path, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty path in %s", ErrUnparsableOrderingKey, addr)
	}
	return path.Base(p), nil
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) (string, bool) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), true
		}
	}
	return "", false
}

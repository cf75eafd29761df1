package auth

import (
	"encoding/base32"
	"encoding/binary"
	"hash/crc32"
	"strings"
)

const (
	maxPrincipalLength = 29
	principalGroupSize = 5
	anonymousSuffix    = 0x04
)

var principalEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Principal is the opaque identifier of an authenticated subject.
// The zero value is the empty (management) principal.
type Principal struct {
	raw string
}

// AnonymousPrincipal is the sentinel principal of unauthenticated callers.
var AnonymousPrincipal = Principal{raw: string([]byte{anonymousSuffix})}

// PrincipalFromBytes builds a principal from its raw form.
func PrincipalFromBytes(b []byte) (Principal, error) {
	if len(b) > maxPrincipalLength {
		return Principal{}, ErrInvalidPrincipal.Clone().WithMetadata(map[string]any{
			"reason": "principal too long",
			"length": len(b),
		})
	}
	return Principal{raw: string(b)}, nil
}

// PrincipalFromText parses the dash grouped, checksummed textual form.
func PrincipalFromText(text string) (Principal, error) {
	canonical := strings.ToLower(strings.TrimSpace(text))
	if canonical == "" {
		return Principal{}, invalidPrincipalText(text, "empty")
	}

	decoded, err := principalEncoding.DecodeString(strings.ToUpper(strings.ReplaceAll(canonical, "-", "")))
	if err != nil {
		return Principal{}, invalidPrincipalText(text, "not base32")
	}

	if len(decoded) < crc32.Size {
		return Principal{}, invalidPrincipalText(text, "missing checksum")
	}

	p, err := PrincipalFromBytes(decoded[crc32.Size:])
	if err != nil {
		return Principal{}, err
	}

	if binary.BigEndian.Uint32(decoded[:crc32.Size]) != crc32.ChecksumIEEE([]byte(p.raw)) {
		return Principal{}, invalidPrincipalText(text, "checksum mismatch")
	}

	if p.Text() != canonical {
		return Principal{}, invalidPrincipalText(text, "not in canonical form")
	}

	return p, nil
}

// MustPrincipal panics when text is not a valid principal. Meant for constants.
func MustPrincipal(text string) Principal {
	p, err := PrincipalFromText(text)
	if err != nil {
		panic(err)
	}
	return p
}

// Bytes returns a copy of the raw principal.
func (p Principal) Bytes() []byte {
	return []byte(p.raw)
}

// Text returns the textual form, e.g. "2vxsx-fae" for the anonymous principal.
func (p Principal) Text() string {
	raw := []byte(p.raw)
	buf := make([]byte, crc32.Size, crc32.Size+len(raw))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(raw))
	buf = append(buf, raw...)

	encoded := strings.ToLower(principalEncoding.EncodeToString(buf))

	var sb strings.Builder
	for i := 0; i < len(encoded); i += principalGroupSize {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := min(i+principalGroupSize, len(encoded))
		sb.WriteString(encoded[i:end])
	}
	return sb.String()
}

func (p Principal) String() string {
	return p.Text()
}

// IsAnonymous reports whether p is the anonymous sentinel.
func (p Principal) IsAnonymous() bool {
	return p == AnonymousPrincipal
}

// MarshalText implements encoding.TextMarshaler.
func (p Principal) MarshalText() ([]byte, error) {
	return []byte(p.Text()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Principal) UnmarshalText(text []byte) error {
	parsed, err := PrincipalFromText(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func invalidPrincipalText(text, reason string) error {
	return ErrInvalidPrincipal.Clone().WithMetadata(map[string]any{
		"text":   text,
		"reason": reason,
	})
}

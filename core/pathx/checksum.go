package pathx

import (
	"fmt"
	"strings"
)

var (
	checksumEscaper   = strings.NewReplacer("\\", "\\\\", "\n", "\\n", "\r", "\\r")
	checksumUnescaper = strings.NewReplacer("\\\\", "\\", "\\n", "\n", "\\r", "\r")
)

// ChecksumLine renders "digest  name" as sha256sum does: a name holding a
// backslash, newline or carriage return is escaped and the line starts with
// a backslash.
func ChecksumLine(digest, name string) string {
	if strings.ContainsAny(name, "\\\n\r") {
		return "\\" + digest + "  " + checksumEscaper.Replace(name)
	}
	return digest + "  " + name
}

// ParseChecksumLine splits one sha256sum line into its digest and name. The
// separator is a space followed by ' ' (text mode) or '*' (binary mode); a
// lone space is accepted for hand-written lists. The name is kept verbatim,
// trailing spaces included. blank is true for empty and '#' comment lines.
func ParseChecksumLine(line string) (digest, name string, blank bool, err error) {
	line = strings.TrimSuffix(line, "\r")
	trimmed := strings.TrimLeft(line, " \t")
	if strings.TrimSpace(trimmed) == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", true, nil
	}
	escaped := strings.HasPrefix(trimmed, "\\")
	if escaped {
		trimmed = trimmed[1:]
	}
	digest, rest, ok := strings.Cut(trimmed, " ")
	if !ok {
		return "", "", false, fmt.Errorf("expected '<sha256>  <path>'")
	}
	if rest != "" && (rest[0] == ' ' || rest[0] == '*') {
		rest = rest[1:]
	}
	if rest == "" {
		return "", "", false, fmt.Errorf("expected '<sha256>  <path>'")
	}
	if escaped {
		if err := checkEscapes(rest); err != nil {
			return "", "", false, err
		}
		rest = checksumUnescaper.Replace(rest)
	}
	return digest, rest, false, nil
}

func checkEscapes(name string) error {
	for i := 0; i < len(name); i++ {
		if name[i] != '\\' {
			continue
		}
		if i+1 == len(name) || !strings.ContainsRune("\\nr", rune(name[i+1])) {
			return fmt.Errorf("invalid escape in %q", name)
		}
		i++
	}
	return nil
}

package trustlist

import (
	"bufio"
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

var identifier = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// Parse reads a trust-list document: one identifier per line, or a JSON array of strings.
// Blank lines and '#' comments are ignored; malformed entries are skipped and counted.
func Parse(body []byte) (ids []string, skipped int) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []any
		if err := json.Unmarshal(trimmed, &arr); err == nil {
			for _, v := range arr {
				s, ok := v.(string)
				if !ok {
					skipped++
					continue
				}
				if id, ok := normalize(s); ok {
					ids = append(ids, id)
				} else {
					skipped++
				}
			}
			return ids, skipped
		}
	}
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if id, ok := normalize(line); ok {
			ids = append(ids, id)
		} else {
			skipped++
		}
	}
	return ids, skipped
}

// normalize lowercases, strips '@' and surrounding whitespace, and validates.
func normalize(s string) (string, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "@")
	s = strings.TrimSuffix(s, ",")
	if !identifier.MatchString(s) {
		return "", false
	}
	return strings.ToLower(s), true
}

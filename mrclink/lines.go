package mrclink

import "strings"

// splitLines splits raw MRC output on any CR/LF boundary, trims each piece,
// and drops empty lines. The MRC terminates lines with "\n\r" (note the
// order), so this treats every run of \r and \n as a single separator
// rather than assuming a specific terminator sequence.
func splitLines(buf []byte) []string {
	raw := strings.FieldsFunc(string(buf), func(r rune) bool {
		return r == '\r' || r == '\n'
	})

	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(l)
		if l != "" {
			lines = append(lines, l)
		}
	}

	return lines
}

package parse

// SanitizeXML repairs the malformations seen in real-world feeds that a
// strict XML parser rejects: control bytes below 0x20 (other than tab,
// LF, CR) are dropped and bare ampersands are escaped. Well-formed
// entity and character references pass through untouched.
func SanitizeXML(body []byte) []byte {
	out := make([]byte, 0, len(body)+16)
	for i := 0; i < len(body); i++ {
		b := body[i]
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			continue
		}
		if b != '&' {
			out = append(out, b)
			continue
		}
		if entityLen(body[i:]) > 0 {
			out = append(out, b)
			continue
		}
		out = append(out, []byte("&amp;")...)
	}
	return out
}

// entityLen returns the length of a well-formed reference at the start
// of b (including '&' and ';'), or 0.
func entityLen(b []byte) int {
	// Longest named entity in common feeds is well under 32 chars.
	limit := min(len(b), 32)
	if limit < 3 {
		return 0
	}
	i := 1
	switch {
	case b[i] == '#':
		i++
		hex := i < limit && (b[i] == 'x' || b[i] == 'X')
		if hex {
			i++
		}
		start := i
		for i < limit && isRefDigit(b[i], hex) {
			i++
		}
		if i == start {
			return 0
		}
	default:
		start := i
		for i < limit && isAlnum(b[i]) {
			i++
		}
		if i == start || !isAlpha(b[start]) {
			return 0
		}
	}
	if i < limit && b[i] == ';' {
		return i + 1
	}
	return 0
}

func isAlpha(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func isAlnum(b byte) bool {
	return isAlpha(b) || b >= '0' && b <= '9'
}

func isRefDigit(b byte, hex bool) bool {
	if b >= '0' && b <= '9' {
		return true
	}
	return hex && (b >= 'a' && b <= 'f' || b >= 'A' && b <= 'F')
}

package rename

import (
	"regexp"
	"sort"
	"strings"
)

// ocrConfusions maps glyphs the scanner habitually misreads to the digits
// they stand for. Applied to the digit body only; CN/ZL prefixes are
// protected first since C and N would otherwise survive but Z and L would
// not.
var ocrConfusions = map[rune]rune{
	'O': '0', 'o': '0', 'Q': '0',
	'I': '1', 'i': '1', 'l': '1', 'L': '1',
	'S': '5', 's': '5',
	'G': '6', 'g': '6',
	'B': '8', 'b': '8',
}

var spaceRe = regexp.MustCompile(`\s+`)

// FixOCRErrors repairs common digit misreads in a candidate number.
func FixOCRErrors(number string) string {
	if number == "" {
		return number
	}
	prefix, body := "", number
	upper := strings.ToUpper(number)
	if strings.HasPrefix(upper, "CN") || strings.HasPrefix(upper, "ZL") {
		prefix, body = upper[:2], number[2:]
	}
	var b strings.Builder
	for _, r := range body {
		if fixed, ok := ocrConfusions[r]; ok {
			b.WriteRune(fixed)
		} else {
			b.WriteRune(r)
		}
	}
	return prefix + spaceRe.ReplaceAllString(b.String(), "")
}

var (
	junkRe        = regexp.MustCompile(`[^CNZL0-9.]`)
	cnNumberRe    = regexp.MustCompile(`^(CN)(\d{12})(?:\.(\d))?$`)
	zlNumberRe    = regexp.MustCompile(`^(ZL)(\d{12})(?:\.(\d))?$`)
	canonicalRe   = regexp.MustCompile(`^(\d{12})\.(\d)$`)
	thirteenRe    = regexp.MustCompile(`^(\d{13})$`)
	twelveRe      = regexp.MustCompile(`^(\d{12})$`)
	digitRe       = regexp.MustCompile(`\d`)
	canonicalForm = regexp.MustCompile(`^\d{12}\.\d$`)
)

// NormalizeNumber reduces a raw candidate to the canonical application
// number form: 12 digits, a dot, and the check digit. A missing check digit
// is never invented; 13 run-together digits are split since the dot is what
// OCR drops most. Returns "" when nothing usable remains.
func NormalizeNumber(raw string) string {
	if raw == "" {
		return ""
	}
	s := FixOCRErrors(strings.ToUpper(strings.TrimSpace(raw)))
	s = spaceRe.ReplaceAllString(s, "")
	s = junkRe.ReplaceAllString(s, "")

	if m := cnNumberRe.FindStringSubmatch(s); m != nil {
		if m[3] != "" {
			return m[1] + m[2] + "." + m[3]
		}
		return m[1] + m[2]
	}
	if m := zlNumberRe.FindStringSubmatch(s); m != nil {
		if m[3] != "" {
			return m[1] + m[2] + "." + m[3]
		}
		return m[1] + m[2]
	}
	if m := canonicalRe.FindStringSubmatch(s); m != nil {
		return m[1] + "." + m[2]
	}
	if m := thirteenRe.FindStringSubmatch(s); m != nil {
		return m[1][:12] + "." + m[1][12:]
	}
	if m := twelveRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}

	digits := digitRe.FindAllString(s, -1)
	switch len(digits) {
	case 13:
		joined := strings.Join(digits, "")
		return joined[:12] + "." + joined[12:]
	case 12:
		return strings.Join(digits, "")
	}
	return ""
}

// numberPatterns are tried against document text in order of reliability:
// labeled values first, then bare forms, then OCR-damaged shapes.
var numberPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)申请号或专利号\s*[：:\s]*([A-Z]*\d{10,15}\.?\d*[A-Z]*)`),
	regexp.MustCompile(`(?i)申请号\s*[：:\s]*([A-Z]*\d{10,15}\.?\d*[A-Z]*)`),
	regexp.MustCompile(`(?i)专利号\s*[：:\s]*([A-Z]*\d{10,15}\.?\d*[A-Z]*)`),
	regexp.MustCompile(`(?i)公告号\s*[：:\s]*([A-Z]*\d{10,15}\.?\d*[A-Z]*)`),
	regexp.MustCompile(`(?i)(CN\d{10,15}\.?\d*[A-Z]*)`),
	regexp.MustCompile(`(?i)(ZL\d{10,15}\.?\d*[A-Z]*)`),
	regexp.MustCompile(`(\d{12}\.\d)`),
	regexp.MustCompile(`(\d{11}\.\d)`),
	regexp.MustCompile(`(\d{13}\.\d)`),
	regexp.MustCompile(`(20\d{10}\.\d)`),
	regexp.MustCompile(`(?i)(\d{4}[O0oQ]\d{7}\.\d)`),
	regexp.MustCompile(`(?i)(\d{4}[Il1]\d{7}\.\d)`),
	regexp.MustCompile(`(\d{3,5}\s*\d{7,9}\s*\.\s*\d)`),
	regexp.MustCompile(`(?i)(CN\s*[\dOoIlS]{10,15}\s*(?:\.\s*[\dOoIlS])?)`),
	regexp.MustCompile(`(?i)(ZL\s*[\dOoIlS]{10,15}\s*(?:\.\s*[\dOoIlS])?)`),
}

var tenDigitsRe = regexp.MustCompile(`\d{10,}`)

// scoreNumber ranks competing candidates; the canonical form wins, prefixed
// and dotted forms beat bare digit runs.
func scoreNumber(num string) int {
	score := len(num) * 2
	if strings.Contains(num, "CN") {
		score += 20
	}
	if strings.Contains(num, "ZL") {
		score += 15
	}
	if strings.Contains(num, ".") {
		score += 10
	}
	if canonicalForm.MatchString(num) {
		score += 30
	}
	return score
}

// FindNumberInText scans document text for patent number candidates and
// returns the best-scoring one after OCR repair, or "".
func FindNumberInText(text string) string {
	if text == "" {
		return ""
	}
	seen := map[string]bool{}
	var candidates []string
	for _, re := range numberPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			num := FixOCRErrors(strings.ToUpper(strings.TrimSpace(m[1])))
			if len(num) < 10 || !tenDigitsRe.MatchString(num) || seen[num] {
				continue
			}
			seen[num] = true
			candidates = append(candidates, num)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return scoreNumber(candidates[i]) > scoreNumber(candidates[j])
	})
	return candidates[0]
}

var validNumberForms = []*regexp.Regexp{
	regexp.MustCompile(`^CN\d{10,15}[A-Z]?$`),
	regexp.MustCompile(`^CN\d{10,15}\.\d$`),
	regexp.MustCompile(`^ZL\d{10,15}\.\d$`),
	regexp.MustCompile(`^\d{11,15}\.\d$`),
	regexp.MustCompile(`^\d{11,15}[A-Z]$`),
}

// IsValidNumber reports whether a candidate looks like a real patent or
// application number.
func IsValidNumber(number string) bool {
	if len(number) < 10 || len(digitRe.FindAllString(number, -1)) < 10 {
		return false
	}
	for _, re := range validNumberForms {
		if re.MatchString(number) {
			return true
		}
	}
	return false
}

var filenameForms = []*regexp.Regexp{
	regexp.MustCompile(`^CN\d{7,13}\.?\d?[A-Z]?$`),
	regexp.MustCompile(`^ZL\d{7,13}\.?\d?$`),
	regexp.MustCompile(`^\d{13}$`),
	regexp.MustCompile(`^\d{12}\.?\d?$`),
}

// NumberFromFilename takes the segment before the first underscore of a PDF
// filename as the number, normalized when it matches a known form.
func NumberFromFilename(filename string) string {
	name := strings.TrimSuffix(filename, ".pdf")
	raw := name
	if i := strings.Index(name, "_"); i >= 0 {
		raw = name[:i]
	}
	if raw == "" {
		return ""
	}
	for _, re := range filenameForms {
		if re.MatchString(raw) {
			if normalized := NormalizeNumber(raw); normalized != "" {
				return normalized
			}
			return raw
		}
	}
	return raw
}

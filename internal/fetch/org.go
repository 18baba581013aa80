package fetch

import (
	"regexp"
	"strings"
	"unicode"
)

// orgKeywords marks an applicant as a company or institution when any of
// them appears in the name. The Chinese list covers corporate and academic
// suffixes; the Latin list covers the legal forms seen in foreign filings.
var orgKeywords = []string{
	"有限公司", "股份有限公司", "有限责任公司", "公司", "集团", "股份",
	"企业", "厂", "工厂", "制造", "科技", "技术", "工业", "实业",
	"控股", "投资", "贸易", "商贸", "电子", "信息", "网络", "软件",
	"大学", "学院", "研究所", "研究院", "研究中心", "实验室", "中心",
	"学校", "院校", "院", "所", "校", "医院",
	"Limited", "Ltd", "Inc", "Corp", "Corporation", "Company", "Co",
	"Group", "Enterprise", "Industries", "Industrial", "Manufacturing",
	"Technology", "Technologies", "Systems", "Solutions", "Services",
	"International", "Global", "Worldwide", "Holdings", "Partners",
	"University", "College", "Institute", "Laboratory", "Lab",
	"Research", "Center", "Centre", "Academy", "School", "Hospital",
	"GmbH", "AG", "KGaA", "KG", "SE", "SA", "SAS", "SARL", "BV", "NV",
}

// knownCompanies catches short brand names the keyword rules miss.
var knownCompanies = map[string]bool{
	"snecma": true, "safran": true, "airbus": true, "boeing": true,
	"thales": true, "nokia": true, "samsung": true, "sony": true,
	"panasonic": true, "toshiba": true, "hitachi": true, "mitsubishi": true,
	"toyota": true, "basf": true, "bayer": true, "siemens": true,
	"volkswagen": true, "bmw": true, "mercedes": true,
}

var (
	acronymRe       = regexp.MustCompile(`\b[A-Z]{2,}\b`)
	trailingDigitRe = regexp.MustCompile(`\d+$`)
)

var orgSymbols = []string{"&", "·", "－", "—", "-"}

// IsOrganization reports whether an applicant name looks like a company or
// institution rather than a person.
func IsOrganization(name string) bool {
	if name == "" {
		return false
	}
	for _, kw := range orgKeywords {
		if strings.Contains(name, kw) {
			return true
		}
	}
	if acronymRe.MatchString(name) {
		return true
	}
	for _, sym := range orgSymbols {
		if strings.Contains(name, sym) {
			return true
		}
	}
	clean := strings.TrimSpace(name)
	if trailingDigitRe.MatchString(clean) {
		return true
	}
	if isShortUpperToken(clean) {
		return true
	}
	return knownCompanies[strings.ToLower(clean)]
}

// isShortUpperToken matches names like "IBM" or "SNECMA": all-caps Latin
// letters, 3 to 12 runes, no spaces or punctuation.
func isShortUpperToken(s string) bool {
	runes := []rune(s)
	if len(runes) < 3 || len(runes) > 12 {
		return false
	}
	for _, r := range runes {
		if !unicode.IsLetter(r) || !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

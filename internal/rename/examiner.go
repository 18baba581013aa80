package rename

import (
	"regexp"
	"strings"
)

// examinerBlacklist rejects OCR fragments that match the name shape but are
// really bits of boilerplate around the examiner line.
var examinerBlacklist = []string{
	"在", "第一次", "审刀", "审查意见", "认为", "通知书", "附件", "电话", "联系", "签名",
	"申请", "其申请", "专利法", "属于专利法第", "权利要求", "说明书", "本局", "申请人", "发明", "发文",
}

var (
	nameShapeRe        = regexp.MustCompile(`^[\x{4e00}-\x{9fa5}]{1,3}·?[\x{4e00}-\x{9fa5}]{1,3}$`)
	examinerInlineRe   = regexp.MustCompile(`审查员\s*[:：]?\s*([\x{4e00}-\x{9fa5}·]{2,6})`)
	examinerNextLineRe = regexp.MustCompile(`审\s*查\s*员\s*[:：]?\s*[\r\n]+\s*([\x{4e00}-\x{9fa5}·]{2,6})`)
	beforePhoneRe      = regexp.MustCompile(`[,，\s]\s*([\x{4e00}-\x{9fa5}·]{2,6})\s*联系电?话`)
)

// looksLikeName accepts 2–4 CJK characters, optionally split by an
// interpunct as in transliterated minority names.
func looksLikeName(name string) bool {
	if name == "" || !nameShapeRe.MatchString(name) {
		return false
	}
	for _, frag := range examinerBlacklist {
		if strings.Contains(name, frag) {
			return false
		}
	}
	return true
}

// ExaminerFromText finds the examiner's name near the 审查员 label: on the
// same line, on the following line, or as the name preceding the contact
// phone line.
func ExaminerFromText(text string) string {
	if text == "" {
		return ""
	}
	for _, re := range []*regexp.Regexp{examinerInlineRe, examinerNextLineRe, beforePhoneRe} {
		if m := re.FindStringSubmatch(text); m != nil && looksLikeName(m[1]) {
			return m[1]
		}
	}
	return ""
}

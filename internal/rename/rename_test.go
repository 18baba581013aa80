package rename

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFixOCRErrors(t *testing.T) {
	cases := []struct{ in, want string }{
		{"2007I0167493.8", "200710167493.8"},
		{"2O0710167493.8", "200710167493.8"},
		{"20071O1674S3.8", "200710167453.8"},
		{"CN2007l0167493", "CN200710167493"},
		{"ZLB00710167493", "ZL800710167493"},
		{"CN 2007 10167493", "CN200710167493"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := FixOCRErrors(tc.in); got != tc.want {
			t.Errorf("FixOCRErrors(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFixOCRErrorsPrefixProtected(t *testing.T) {
	// C, N, Z, L in the prefix must never be treated as misread digits.
	if got := FixOCRErrors("CN200710167493.8"); got != "CN200710167493.8" {
		t.Errorf("CN prefix corrupted: %q", got)
	}
	if got := FixOCRErrors("ZL200710167493.8"); got != "ZL200710167493.8" {
		t.Errorf("ZL prefix corrupted: %q", got)
	}
}

func TestNormalizeNumber(t *testing.T) {
	cases := []struct{ in, want string }{
		{"200710167493.8", "200710167493.8"},
		{"2007101674938", "200710167493.8"},
		{"200710167493", "200710167493"},
		{"CN200710167493.8", "CN200710167493.8"},
		{"CN200710167493", "CN200710167493"},
		{"ZL 2007 10167493 . 8", "ZL200710167493.8"},
		{"2007I01674938", "200710167493.8"},
		{"申请号200710167493.8号", "200710167493.8"},
		{"12345", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeNumber(tc.in); got != tc.want {
			t.Errorf("NormalizeNumber(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFindNumberInText(t *testing.T) {
	text := `国家知识产权局
第一次审查意见通知书
申请号或专利号：200710167493.8
发文日：2010年5月6日`
	if got := FindNumberInText(text); got != "200710167493.8" {
		t.Errorf("labeled number not found, got %q", got)
	}

	// The canonical dotted form must beat a bare digit run.
	mixed := "编号 2007101674931111 可见 200710167493.8 在此"
	if got := FindNumberInText(mixed); got != "200710167493.8" {
		t.Errorf("scoring picked %q, want canonical form", got)
	}

	if got := FindNumberInText("没有任何号码"); got != "" {
		t.Errorf("expected no candidate, got %q", got)
	}
}

func TestIsValidNumber(t *testing.T) {
	valid := []string{"CN110123456A", "CN200710167493.8", "ZL200710167493.8", "200710167493.8", "201910612345678A"}
	for _, n := range valid {
		if !IsValidNumber(n) {
			t.Errorf("IsValidNumber(%q) = false, want true", n)
		}
	}
	invalid := []string{"", "CN12", "abc", "12345.6"}
	for _, n := range invalid {
		if IsValidNumber(n) {
			t.Errorf("IsValidNumber(%q) = true, want false", n)
		}
	}
}

func TestNumberFromFilename(t *testing.T) {
	cases := []struct{ in, want string }{
		{"200710167493.8_第一次审查意见通知书.pdf", "200710167493.8"},
		{"2007101674938_王五.pdf", "200710167493.8"},
		{"CN110123456A_第一次审查意见通知书.pdf", "CN110123456A"},
		{"随便什么.pdf", "随便什么"},
	}
	for _, tc := range cases {
		if got := NumberFromFilename(tc.in); got != tc.want {
			t.Errorf("NumberFromFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExaminerFromText(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"inline", "审查员：王五\n联系电话：010-123", "王五"},
		{"inline no colon", "审查员 李明", "李明"},
		{"next line", "审 查 员：\n张晓华", "张晓华"},
		{"before phone", "，赵刚 联系电话 010-456", "赵刚"},
		{"interpunct name", "审查员：买买提·艾力", "买买提·艾力"},
		{"blacklisted", "审查员认为本申请", ""},
		{"boilerplate", "其申请属于专利法第二十二条", ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		if got := ExaminerFromText(tc.text); got != tc.want {
			t.Errorf("%s: ExaminerFromText = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := sanitizeFilename(`CN1/23:45?_王五.pdf`); got != "CN1_23_45__王五.pdf" {
		t.Errorf("sanitizeFilename = %q", got)
	}
}

func TestRunRecordsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "200710167493.8_x.pdf"), []byte("not a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	rn := NewRenamer(nil, Options{Dir: dir, DryRun: true})
	sum, err := rn.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Failed) != 1 {
		t.Fatalf("expected the unreadable file to be recorded as failed, got %+v", sum)
	}
}

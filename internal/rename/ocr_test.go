package rename

import "testing"

func TestParseFragments(t *testing.T) {
	out := []byte("0.98\t审查员\n0.41\t 张三 \nnoise without tab\nbad\tvalue stays\n0.2\t\n")
	frags, err := parseFragments(out)
	if err != nil {
		t.Fatalf("parseFragments: %v", err)
	}
	want := []Fragment{
		{Text: "审查员", Confidence: 0.98},
		{Text: "张三", Confidence: 0.41},
	}
	if len(frags) != len(want) {
		t.Fatalf("fragments = %+v, want %d entries", frags, len(want))
	}
	for i := range want {
		if frags[i] != want[i] {
			t.Errorf("fragment %d = %+v, want %+v", i, frags[i], want[i])
		}
	}
}

package batch

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestReadIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.csv")
	data := "title,Patent_No,filed\nfoo,CN110123456A,2020\nbar,CN110123456A,2020\nbaz, CN209876543U ,2021\nempty,,2022\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	ids, err := ReadIDs(path)
	if err != nil {
		t.Fatalf("ReadIDs: %v", err)
	}
	want := []string{"CN110123456A", "CN209876543U"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
}

func TestReadIDsMissingColumn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.csv")
	if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadIDs(path); err == nil {
		t.Fatal("expected error for missing patent_no column")
	}
}

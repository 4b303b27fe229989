package util

import (
	"reflect"
	"testing"
)

func TestGetTagValues(t *testing.T) {
	tags := [][]string{{"p", "a"}, {"e", "x"}, {"p", "b"}, {"p"}}
	if got := GetTagValues(tags, "p"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("GetTagValues = %v", got)
	}
	if got := GetTagValue(tags, "e"); got != "x" {
		t.Errorf("GetTagValue = %q", got)
	}
	if got := GetTagValue(tags, "d"); got != "" {
		t.Errorf("GetTagValue missing = %q", got)
	}
}

func TestUnique(t *testing.T) {
	got := Unique([]string{"b", "a", "", "b", "c", "a"})
	want := []string{"b", "a", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Unique = %v, want %v", got, want)
	}
}

func TestLimitSlice(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{0, 0},
		{-1, 0},
		{2, 2},
		{10, 3},
	}
	for _, tt := range tests {
		if got := LimitSlice([]int{1, 2, 3}, tt.n); len(got) != tt.want {
			t.Errorf("LimitSlice(n=%d) len = %d, want %d", tt.n, len(got), tt.want)
		}
	}
}

func TestHostChecks(t *testing.T) {
	if !IsInternalHost("printer.local") || IsInternalHost("relay.damus.io") {
		t.Error("IsInternalHost misclassified")
	}
	if !IsLoopbackHost("127.0.0.1") || !IsLoopbackHost("localhost") || IsLoopbackHost("nos.lol") {
		t.Error("IsLoopbackHost misclassified")
	}
}

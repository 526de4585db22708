// util/generic_test.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package util

import (
	"reflect"
	"strconv"
	"testing"
)

func TestSortedMapKeys(t *testing.T) {
	m := map[string]int{"LOWW_TWR": 1, "LOVV_CTR": 2, "LOWW_APP": 3}
	want := []string{"LOVV_CTR", "LOWW_APP", "LOWW_TWR"}
	if got := SortedMapKeys(m); !reflect.DeepEqual(got, want) {
		t.Errorf("SortedMapKeys() = %v, want %v", got, want)
	}

	if got := SortedMapKeys(map[int]string{}); len(got) != 0 {
		t.Errorf("SortedMapKeys() of empty map = %v", got)
	}
}

func TestDuplicateMap(t *testing.T) {
	m := map[string]int{"a": 1, "b": 2}
	dupe := DuplicateMap(m)
	if !reflect.DeepEqual(m, dupe) {
		t.Errorf("DuplicateMap() = %v, want %v", dupe, m)
	}

	dupe["c"] = 3
	if _, ok := m["c"]; ok {
		t.Errorf("mutating the duplicate changed the original: %v", m)
	}
}

func TestMapSlice(t *testing.T) {
	got := MapSlice([]int{1, 2, 3}, func(i int) string { return strconv.Itoa(i * 2) })
	want := []string{"2", "4", "6"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MapSlice() = %v, want %v", got, want)
	}

	if got := MapSlice(nil, func(i int) int { return i }); got != nil {
		t.Errorf("MapSlice() of nil = %v", got)
	}
}

func TestFilterSlice(t *testing.T) {
	got := FilterSlice([]int{1, 2, 3, 4, 5}, func(i int) bool { return i%2 == 0 })
	want := []int{2, 4}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FilterSlice() = %v, want %v", got, want)
	}

	if got := FilterSlice([]int{1, 3}, func(i int) bool { return i > 10 }); got != nil {
		t.Errorf("FilterSlice() with nothing passing = %v", got)
	}
}

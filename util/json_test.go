// util/json_test.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package util

import (
	"strings"
	"testing"
)

func TestUnmarshalJSONBytes(t *testing.T) {
	type station struct {
		Id       string   `json:"id"`
		Stations []string `json:"stations"`
	}

	var s station
	if err := UnmarshalJSONBytes([]byte(`{"id": "LOVV_CTR", "stations": ["LOWW_TWR"]}`), &s); err != nil {
		t.Fatalf("UnmarshalJSONBytes() error = %v", err)
	}
	if s.Id != "LOVV_CTR" || len(s.Stations) != 1 {
		t.Errorf("UnmarshalJSONBytes() = %+v", s)
	}

	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "syntax error reports position",
			json: "{\n  \"id\": \"LOVV_CTR\",\n  \"stations\": [}",
			want: "line 3",
		},
		{
			name: "type error reports field",
			json: `{"id": 42}`,
			want: "station.id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s station
			err := UnmarshalJSONBytes([]byte(tt.json), &s)
			if err == nil {
				t.Fatal("UnmarshalJSONBytes() expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("UnmarshalJSONBytes() error = %q, expected it to mention %q", err, tt.want)
			}
		})
	}
}

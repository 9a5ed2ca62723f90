package yaml

import (
	"fmt"
	"testing"
)

func TestValidateSchemaHeaderFromBytes(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
		wantErr  bool
	}{
		{"valid plan", "schema_version: 1\nfile_type: troupe_plan\n", "troupe_plan", false},
		{"valid run", "schema_version: 1\nfile_type: troupe_run\n", "troupe_run", false},
		{"valid response", "schema_version: 1\nfile_type: troupe_response\n", "troupe_response", false},
		{"any expected type", "schema_version: 1\nfile_type: troupe_run\n", "", false},
		{"missing version", "file_type: troupe_plan\n", "troupe_plan", true},
		{"zero version", "schema_version: 0\nfile_type: troupe_plan\n", "troupe_plan", true},
		{"future version", fmt.Sprintf("schema_version: %d\nfile_type: troupe_plan\n", CurrentSchemaVersion+1), "troupe_plan", true},
		{"missing file_type", "schema_version: 1\n", "troupe_plan", true},
		{"unknown file_type", "schema_version: 1\nfile_type: troupe_queue\n", "", true},
		{"type mismatch", "schema_version: 1\nfile_type: troupe_plan\n", "troupe_run", true},
		{"not yaml", "{{{", "troupe_plan", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.expected)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

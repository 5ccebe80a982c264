package yaml

import (
	"strings"
	"testing"
)

func TestValidateSchemaHeaderFromBytes(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
		wantErr  string
	}{
		{"valid status", "schema_version: 1\nfile_type: collector_status\n", FileTypeCollectorStatus, ""},
		{"valid request", "schema_version: 1\nfile_type: production_request\nproduction_type: L2\n", FileTypeProductionRequest, ""},
		{"any type accepted", "schema_version: 1\nfile_type: production_request\n", "", ""},
		{"future version", "schema_version: 2\nfile_type: collector_status\n", "", "unsupported schema_version"},
		{"negative version", "schema_version: -1\nfile_type: collector_status\n", "", "invalid schema_version"},
		{"missing version", "file_type: collector_status\n", "", "invalid schema_version"},
		{"missing type", "schema_version: 1\n", "", "missing file_type"},
		{"unknown type", "schema_version: 1\nfile_type: queue_task\n", "", "unknown file_type"},
		{"mismatch", "schema_version: 1\nfile_type: collector_status\n", FileTypeProductionRequest, "file_type mismatch"},
		{"not yaml", "a: [", "", "parse yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.expected)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestQuarantine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.yaml")
	if err := os.WriteFile(path, []byte("{{{"), 0644); err != nil {
		t.Fatal(err)
	}

	dst, err := Quarantine(filepath.Join(dir, "quarantine"), path)
	if err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original file still present")
	}
	if !strings.HasSuffix(dst, ".corrupt") || !strings.Contains(filepath.Base(dst), "status.yaml.") {
		t.Errorf("unexpected quarantine name %s", dst)
	}
	if content, _ := os.ReadFile(dst); string(content) != "{{{" {
		t.Errorf("quarantined content = %q", content)
	}
}

func TestRestoreFromBackup_Errors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.yaml")

	if err := RestoreFromBackup(path); err == nil {
		t.Error("expected error without backup")
	}

	if err := os.WriteFile(path+".bak", []byte("a: [broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := RestoreFromBackup(path); err == nil {
		t.Error("expected error for corrupt backup")
	}
}

func TestRecoverCorruptedFile_WithBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.yaml")
	good := statusDoc{SchemaHeader: NewHeader(FileTypeCollectorStatus), LastFinishedTime: 42}
	if err := AtomicWrite(path, good); err != nil {
		t.Fatal(err)
	}
	if err := AtomicWrite(path, good); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{{{"), 0644); err != nil {
		t.Fatal(err)
	}

	how, err := RecoverCorruptedFile(filepath.Join(dir, "quarantine"), path, FileTypeCollectorStatus)
	if err != nil {
		t.Fatalf("RecoverCorruptedFile: %v", err)
	}
	if how != RecoveredFromBackup {
		t.Errorf("recovery = %s, want backup", how)
	}
	var got statusDoc
	if err := Load(path, &got); err != nil {
		t.Fatal(err)
	}
	if got.LastFinishedTime != 42 {
		t.Errorf("last_finished_time = %d, want 42", got.LastFinishedTime)
	}
}

func TestRecoverCorruptedFile_WithoutBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.yaml")
	if err := os.WriteFile(path, []byte("{{{"), 0644); err != nil {
		t.Fatal(err)
	}

	how, err := RecoverCorruptedFile(filepath.Join(dir, "quarantine"), path, FileTypeCollectorStatus)
	if err != nil {
		t.Fatalf("RecoverCorruptedFile: %v", err)
	}
	if how != RecoveredSkeleton {
		t.Errorf("recovery = %s, want skeleton", how)
	}
	if err := ValidateSchemaHeader(path, FileTypeCollectorStatus); err != nil {
		t.Errorf("skeleton has invalid header: %v", err)
	}
	var got statusDoc
	if err := Load(path, &got); err != nil {
		t.Fatal(err)
	}
	if got.LastFinishedTime != 0 || len(got.ProcessedJobIDs) != 0 {
		t.Errorf("skeleton not empty: %+v", got)
	}
}

func TestGenerateSkeleton_RequestType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.yaml")
	if err := GenerateSkeleton(path, FileTypeProductionRequest); err != nil {
		t.Fatal(err)
	}
	if err := ValidateSchemaHeader(path, FileTypeProductionRequest); err != nil {
		t.Errorf("invalid header: %v", err)
	}
}

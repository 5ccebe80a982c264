package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// Recovery tells how RecoverCorruptedFile brought a file back.
type Recovery string

const (
	RecoveredFromBackup Recovery = "backup"
	RecoveredSkeleton   Recovery = "skeleton"
)

// Quarantine moves filePath into quarantineDir under a timestamped name and
// returns the new location.
func Quarantine(quarantineDir, filePath string) (string, error) {
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405.000"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup is corrupted too: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

func GenerateSkeleton(filePath string, fileType string) error {
	content, err := yamlv3.Marshal(skeletonFor(fileType))
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}
	return nil
}

// RecoverCorruptedFile quarantines filePath, then restores the backup or,
// failing that, writes an empty file of fileType.
func RecoverCorruptedFile(quarantineDir, filePath, fileType string) (Recovery, error) {
	if _, err := Quarantine(quarantineDir, filePath); err != nil {
		return "", fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath); err == nil {
		return RecoveredFromBackup, nil
	}
	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return "", fmt.Errorf("skeleton generation failed: %w", err)
	}
	return RecoveredSkeleton, nil
}

func skeletonFor(fileType string) any {
	switch fileType {
	case FileTypeCollectorStatus:
		return map[string]any{
			"schema_version":     CurrentSchemaVersion,
			"file_type":          FileTypeCollectorStatus,
			"last_finished_time": 0,
			"processed_job_ids":  []any{},
			"reports_written":    0,
		}
	default:
		return NewHeader(fileType)
	}
}

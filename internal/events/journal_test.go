package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestJournal(t *testing.T, maxSize int64) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	j, err := OpenJournal(path, maxSize)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j, path
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestJournal_RecordLiftsIDs(t *testing.T) {
	j, path := openTestJournal(t, 0)

	if err := j.Record("production_stopped", map[string]any{"production_id": "p-7", "state": "COMPLETED"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record("collector_cycle", map[string]any{"cycle_id": "cyc_1771722000_a3f2b7c1"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ProductionID != "p-7" {
		t.Errorf("production id = %q", entries[0].ProductionID)
	}
	if entries[1].CycleID != "cyc_1771722000_a3f2b7c1" {
		t.Errorf("cycle id = %q", entries[1].CycleID)
	}
}

func TestJournal_ConcurrentWrites(t *testing.T) {
	j, path := openTestJournal(t, 0)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := j.Record("production_progress", map[string]any{"g": g, "i": i}); err != nil {
					t.Errorf("Record: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	if got := len(readEntries(t, path)); got != 200 {
		t.Errorf("expected 200 entries, got %d", got)
	}
}

func TestJournal_Rotation(t *testing.T) {
	j, path := openTestJournal(t, 512)

	for i := 0; i < 40; i++ {
		if err := j.Record("production_progress", map[string]any{"padding": "some text to make the entry larger"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	files, err := os.ReadDir(filepath.Join(filepath.Dir(path), ArchiveDir))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no rotation happened")
	}
	if j.Size() > 512 {
		t.Errorf("current journal size %d exceeds max", j.Size())
	}
}

func TestJournal_ChecksumAndVerify(t *testing.T) {
	j, path := openTestJournal(t, 0)

	j.EnableChecksum(true)
	for i := 0; i < 3; i++ {
		if err := j.Record("list_changed", map[string]any{"added": i}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	j.EnableChecksum(false)
	if err := j.Record("list_changed", nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	j.Close()

	total, valid, err := VerifyJournal(path)
	if err != nil {
		t.Fatalf("VerifyJournal: %v", err)
	}
	if total != 4 || valid != 4 {
		t.Errorf("total=%d valid=%d, want 4/4", total, valid)
	}

	entries := readEntries(t, path)
	if entries[0].Checksum == "" {
		t.Error("checksum not written")
	}

	// Tamper with one entry.
	entries[0].EventType = "forged"
	data, _ := json.Marshal(entries[0])
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		t.Fatal(err)
	}
	total, valid, err = VerifyJournal(path)
	if err != nil {
		t.Fatalf("VerifyJournal: %v", err)
	}
	if total != 1 || valid != 0 {
		t.Errorf("tampered: total=%d valid=%d, want 1/0", total, valid)
	}
}

func TestJournal_AttachRecordsBusEvents(t *testing.T) {
	j, path := openTestJournal(t, 0)
	bus := newTestBus(10)
	defer bus.Close()

	j.Attach(bus, EventProductionStopped)
	bus.Publish(EventProductionStopped, map[string]any{"production_id": "p-1"})
	bus.Publish(EventListChanged, nil)

	deadline := time.Now().Add(2 * time.Second)
	for j.Size() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	j.Close()

	entries := readEntries(t, path)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].EventType != "production_stopped" || entries[0].ProductionID != "p-1" {
		t.Errorf("unexpected entry %+v", entries[0])
	}
}

func TestJournal_WriteAfterClose(t *testing.T) {
	j, _ := openTestJournal(t, 0)
	j.Close()
	if err := j.Record("list_changed", nil); err == nil {
		t.Error("expected error after close")
	}
}

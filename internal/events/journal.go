package events

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxJournalSize = 64 * 1024 * 1024
	journalExt            = ".jsonl"
	ArchiveDir            = "archive"
)

// Entry is one line of the journal.
type Entry struct {
	Timestamp    time.Time      `json:"timestamp"`
	EventType    string         `json:"event_type"`
	ProductionID string         `json:"production_id,omitempty"`
	CycleID      string         `json:"cycle_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Checksum     string         `json:"checksum,omitempty"`
}

// Journal appends entries as JSON lines and moves the file into archive/
// once it would grow beyond maxSize.
type Journal struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	size        int64
	maxSize     int64
	checksums   bool
	rotations   int
	unsubscribe []func()
}

func OpenJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	j := &Journal{path: path, maxSize: maxSize}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.size = st.Size()
	return nil
}

func (j *Journal) EnableChecksum(enable bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.checksums = enable
}

// Record writes one event; well-known ids are lifted out of details.
func (j *Journal) Record(eventType string, details map[string]any) error {
	e := Entry{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Details:   details,
	}
	if id, ok := details["production_id"].(string); ok {
		e.ProductionID = id
	}
	if id, ok := details["cycle_id"].(string); ok {
		e.CycleID = id
	}
	return j.Write(&e)
}

func (j *Journal) Write(e *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal %s is closed", j.path)
	}
	if j.checksums {
		e.Checksum = checksum(e)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	if j.size > 0 && j.size+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.size += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return err
	}
	archive := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archive, 0755); err != nil {
		return err
	}
	j.rotations++
	base := strings.TrimSuffix(filepath.Base(j.path), journalExt)
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), j.rotations, journalExt)
	if err := os.Rename(j.path, filepath.Join(archive, name)); err != nil {
		return err
	}
	return j.open()
}

// Attach records every event of the given types (all types if none given)
// until the journal is closed.
func (j *Journal) Attach(bus *Bus, types ...EventType) {
	if len(types) == 0 {
		types = AllTypes
	}
	for _, t := range types {
		unsub := bus.Subscribe(t, func(e Event) {
			_ = j.Record(string(e.Type), e.Data)
		})
		j.mu.Lock()
		j.unsubscribe = append(j.unsubscribe, unsub)
		j.mu.Unlock()
	}
}

func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

func (j *Journal) Close() error {
	j.mu.Lock()
	unsubs := j.unsubscribe
	j.unsubscribe = nil
	j.mu.Unlock()
	for _, u := range unsubs {
		u()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}

func checksum(e *Entry) string {
	c := *e
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// VerifyJournal returns the number of decodable entries and of entries
// whose checksum matches (entries without a checksum count as valid).
func VerifyJournal(path string) (total, valid int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return total, valid, fmt.Errorf("decode entry %d: %w", total+1, err)
		}
		total++
		if e.Checksum == "" || checksum(&e) == e.Checksum {
			valid++
		}
	}
	return total, valid, nil
}

package dedup

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// journalEntry is one line of the recovery file. Decoding ignores unknown
// fields so the format can grow without breaking older readers.
type journalEntry struct {
	Key      string `json:"key"`
	SeenAtMS int64  `json:"seen_at_ms"`
}

// Journal persists confirmed identity keys, one JSON object per line, so a
// restart does not reopen a redelivery window that was already closed.
type Journal struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// OpenJournal replays the recovery file at path, dropping entries older than
// ttl along with any line that does not parse, compacts the file down to the
// survivors, and opens it for appending. The returned map seeds the gate.
func OpenJournal(path string, ttl time.Duration, now time.Time) (*Journal, map[string]int64, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, eris.Wrapf(err, "journal: create dir for %s", path)
		}
	}

	live := make(map[string]int64)
	cutoff := now.Add(-ttl).UnixMilli()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		sc := bufio.NewScanner(bytes.NewReader(raw))
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var e journalEntry
			if err := json.Unmarshal(line, &e); err != nil || e.Key == "" {
				zap.L().Warn("dedup journal: skipping unreadable line", zap.String("path", path))
				continue
			}
			if e.SeenAtMS < cutoff {
				continue
			}
			// Keep the earliest sighting so the window is measured from the
			// first delivery, not the latest redelivery.
			if prev, ok := live[e.Key]; !ok || e.SeenAtMS < prev {
				live[e.Key] = e.SeenAtMS
			}
		}
	case os.IsNotExist(err):
		// first run
	default:
		return nil, nil, eris.Wrapf(err, "journal: read %s", path)
	}

	if err := compact(path, live); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "journal: open %s", path)
	}
	return &Journal{f: f, enc: json.NewEncoder(f)}, live, nil
}

// Append records a confirmed key. Safe for concurrent use.
func (j *Journal) Append(key string, seenAtMS int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.enc.Encode(journalEntry{Key: key, SeenAtMS: seenAtMS}); err != nil {
		return eris.Wrap(err, "journal: append")
	}
	return nil
}

// Close closes the underlying file. Appends after Close fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.f.Close()
}

// compact rewrites path to hold exactly the given entries, replacing the old
// file only once the new content is fully written.
func compact(path string, live map[string]int64) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return eris.Wrapf(err, "journal: compact %s", path)
	}
	enc := json.NewEncoder(f)
	for k, ts := range live {
		if err := enc.Encode(journalEntry{Key: k, SeenAtMS: ts}); err != nil {
			f.Close()
			return eris.Wrapf(err, "journal: compact %s", path)
		}
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "journal: compact %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return eris.Wrapf(err, "journal: compact %s", path)
	}
	return nil
}

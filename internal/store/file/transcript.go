package file

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

// readTranscript loads a JSONL transcript. A torn tail (partial last line
// from a crash mid-append) is detected and truncated away so the file opens
// cleanly afterwards.
func readTranscript(path string) ([]store.Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []store.Event
	var goodOffset int64

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	torn := false
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1 // newline
		if len(bytes.TrimSpace(line)) == 0 {
			goodOffset += lineLen
			continue
		}
		var ev store.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Partial or corrupt line: everything from here on is dropped.
			torn = true
			break
		}
		events = append(events, ev)
		goodOffset += lineLen
	}
	if err := scanner.Err(); err != nil {
		torn = true
	}

	if torn {
		f.Close()
		if err := os.Truncate(path, goodOffset); err != nil {
			return events, fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	return events, nil
}

// appendEvents appends JSONL lines with a single write + fsync.
func appendEvents(path string, events []store.Event) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event seq=%d: %w", ev.Seq, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	return f.Sync()
}

// writeTranscript atomically replaces a transcript: temp file, fsync, rename.
func writeTranscript(path string, events []store.Event) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// writeJSONAtomic writes a JSON document via temp + fsync + rename.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

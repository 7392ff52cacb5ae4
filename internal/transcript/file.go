package transcript

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/user/callpersona/pkg/llm"
)

// FileStore writes one text file per call under dir.
type FileStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFileStore creates a FileStore rooted at dir. The directory is created
// on first flush.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, now: time.Now}
}

// Dir returns the store's directory.
func (s *FileStore) Dir() string { return s.dir }

// FileName returns the file name used for a call. Bytes outside
// [A-Za-z0-9-] (plus '_' in the scenario) are written as ".XX" hex, so
// distinct calls never share a file and the stream SID never contains
// the '_' that separates it from the scenario.
func FileName(scenario, streamSID string) string {
	return fmt.Sprintf("call_%s_%s.txt", escapeName(scenario, true), escapeName(streamSID, false))
}

func escapeName(s string, allowUnderscore bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		case c == '_' && allowUnderscore:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, ".%02X", c)
		}
	}
	return b.String()
}

func unescapeName(s string) (string, bool) {
	if !strings.Contains(s, ".") {
		return s, true
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '.' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", false
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", false
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), true
}

// Flush writes rec atomically, replacing any earlier file for the same call.
func (s *FileStore) Flush(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}

	path := filepath.Join(s.dir, FileName(rec.Scenario, rec.StreamSID))
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(Format(rec.Messages)), 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename transcript: %w", err)
	}
	return nil
}

// Info describes a stored transcript file.
type Info struct {
	Name      string
	Scenario  string
	StreamSID string
	ModTime   time.Time
	Size      int64
}

// List returns stored transcripts, newest first.
func (s *FileStore) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transcript dir: %w", err)
	}

	var out []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "call_") || !strings.HasSuffix(name, ".txt") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		info := Info{Name: name, ModTime: fi.ModTime(), Size: fi.Size()}
		// Escaped stream SIDs carry no underscore, so the last one separates
		// the two ids.
		stem := strings.TrimSuffix(strings.TrimPrefix(name, "call_"), ".txt")
		if i := strings.LastIndex(stem, "_"); i >= 0 {
			info.Scenario, info.StreamSID = stem[:i], stem[i+1:]
			if v, ok := unescapeName(info.Scenario); ok {
				info.Scenario = v
			}
			if v, ok := unescapeName(info.StreamSID); ok {
				info.StreamSID = v
			}
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Name < out[j].Name
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// Read parses the named transcript file. name may be a bare file name inside
// the store or a path.
func (s *FileStore) Read(name string) ([]llm.Message, error) {
	path := name
	if filepath.Base(name) == name {
		path = filepath.Join(s.dir, name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	msgs, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse transcript %s: %w", filepath.Base(path), err)
	}
	return msgs, nil
}

// Prune deletes transcripts last modified more than maxAge ago and returns
// how many were removed.
func (s *FileStore) Prune(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.List()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, info := range infos {
		if !info.ModTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, info.Name)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove transcript %s: %w", info.Name, err)
		}
		removed++
	}
	return removed, nil
}

// Package wishlist reads and appends the plain-text wishlist file.
//
// Each line is `Artist - Title`, optionally quoted with `\"` escapes inside,
// and prefixed with `a:` for albums:
//
//	a:"Larry Carlton - Sleepwalk"
//	"Can - Vitamin C"
package wishlist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"resonance/internal/domain"
)

const (
	albumPrefix = "a:"
	separator   = " - "
)

// Entry is one wishlist line.
type Entry struct {
	Artist string
	Title  string
	Album  bool
}

func (e Entry) Type() domain.TaskType {
	if e.Album {
		return domain.TaskTypeAlbum
	}
	return domain.TaskTypeTrack
}

// Key is the wishlist identity of the entry.
func (e Entry) Key() string {
	return domain.WishlistKey(e.Artist, e.Title)
}

// String renders the entry in file format.
func (e Entry) String() string {
	prefix := ""
	if e.Album {
		prefix = albumPrefix
	}
	return fmt.Sprintf(`%s"%s%s%s"`, prefix, escape(e.Artist), separator, escape(e.Title))
}

// ParseLine parses one line. ok is false for blank or malformed lines.
func ParseLine(line string) (Entry, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Entry{}, false
	}
	var e Entry
	if strings.HasPrefix(line, albumPrefix) {
		e.Album = true
		line = line[len(albumPrefix):]
	}
	if len(line) >= 2 && strings.HasPrefix(line, `"`) && strings.HasSuffix(line, `"`) {
		line = line[1 : len(line)-1]
	}
	line = strings.ReplaceAll(line, `\"`, `"`)

	artist, title, found := strings.Cut(line, separator)
	if !found {
		return Entry{}, false
	}
	e.Artist = strings.TrimSpace(artist)
	e.Title = strings.TrimSpace(title)
	if e.Artist == "" || e.Title == "" {
		return Entry{}, false
	}
	return e, true
}

// Parse reads entries from r, skipping lines that do not parse.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if e, ok := ParseLine(scanner.Text()); ok {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read wishlist: %w", err)
	}
	return entries, nil
}

// File is a wishlist on disk. Appends are serialised within the process.
type File struct {
	path string
	mu   sync.Mutex
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string { return f.path }

// Load returns every entry. A missing file is an empty wishlist.
func (f *File) Load() ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open wishlist: %w", err)
	}
	defer file.Close()
	return Parse(file)
}

// Append adds entries to the end of the file, creating it when needed.
func (f *File) Append(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create wishlist dir: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open wishlist: %w", err)
	}

	w := bufio.NewWriter(file)
	for _, e := range entries {
		if _, err := w.WriteString(e.String() + "\n"); err != nil {
			_ = file.Close()
			return fmt.Errorf("write wishlist: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("flush wishlist: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close wishlist: %w", err)
	}
	return nil
}

func escape(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

// Package credstore keeps the library of remembered network secrets.
//
// The library is a single file, read whole at the start of an invocation and
// rewritten whole (temp file, then rename) on every change. Each record is one
// line holding two Go-quoted strings: the network identifier and its secret.
package credstore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"
)

const header = "# dmxwifi credential library"

var (
	// ErrUnreadable means the library file exists but could not be read or parsed.
	ErrUnreadable = errors.New("credential library unreadable")
	// ErrUnwritable means the library file could not be replaced.
	ErrUnwritable = errors.New("credential library unwritable")
)

// Library maps a network identifier (ESSID) to its secret.
type Library map[string]string

// Identifiers returns the library's identifiers in ascending order.
func (l Library) Identifiers() []string {
	ids := make([]string, 0, len(l))
	for id := range l {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Store is a handle on the library file. It holds no cached state, so every
// operation sees what is on disk right now.
type Store struct {
	path   string
	logger *zap.Logger
}

// New returns a Store backed by the file at path.
func New(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the whole library. A missing file is an empty library.
func (s *Store) Load() (Library, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("no credential library yet", zap.String("path", s.path))
			return Library{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, s.path, err)
	}
	lib, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, s.path, err)
	}
	s.logger.Debug("loaded credential library", zap.String("path", s.path), zap.Int("entries", len(lib)))
	return lib, nil
}

// Save replaces the library file with lib.
func (s *Store) Save(lib Library) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnwritable, s.path, err)
	}
	// The replacement inherits the mode of the file it replaces.
	if err := os.Chmod(s.path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s: %v", ErrUnwritable, s.path, err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(Encode(lib))); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnwritable, s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		s.logger.Warn("saved credential library but could not restrict its mode", zap.String("path", s.path), zap.Error(err))
	}
	s.logger.Debug("saved credential library", zap.String("path", s.path), zap.Int("entries", len(lib)))
	return nil
}

// Upsert stores secret for id, replacing any previous secret, and returns the
// library as written.
func (s *Store) Upsert(id, secret string) (Library, error) {
	lib, err := s.Load()
	if err != nil {
		return nil, err
	}
	lib[id] = secret
	if err := s.Save(lib); err != nil {
		return nil, err
	}
	return lib, nil
}

// Delete removes id. It reports whether id was present; nothing is written
// when it was not.
func (s *Store) Delete(id string) (Library, bool, error) {
	lib, err := s.Load()
	if err != nil {
		return nil, false, err
	}
	if _, ok := lib[id]; !ok {
		return lib, false, nil
	}
	delete(lib, id)
	if err := s.Save(lib); err != nil {
		return nil, false, err
	}
	return lib, true, nil
}

// Clear empties the library.
func (s *Store) Clear() error {
	return s.Save(Library{})
}

// Encode renders lib in file form, records sorted by identifier.
func Encode(lib Library) []byte {
	var b strings.Builder
	b.WriteString(header)
	b.WriteByte('\n')
	for _, id := range lib.Identifiers() {
		b.WriteString(strconv.Quote(id))
		b.WriteByte(' ')
		b.WriteString(strconv.Quote(lib[id]))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Decode parses file form. Blank lines and lines starting with '#' are
// skipped; a repeated identifier keeps its last secret.
func Decode(data []byte) (Library, error) {
	lib := Library{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		id, rest, err := unquotePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: identifier: %w", lineNo, err)
		}
		secret, rest, err := unquotePrefix(strings.TrimLeft(rest, " \t"))
		if err != nil {
			return nil, fmt.Errorf("line %d: secret: %w", lineNo, err)
		}
		if strings.TrimSpace(rest) != "" {
			return nil, fmt.Errorf("line %d: trailing data %q", lineNo, rest)
		}
		lib[id] = secret
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan library: %w", err)
	}
	return lib, nil
}

func unquotePrefix(s string) (string, string, error) {
	quoted, err := strconv.QuotedPrefix(s)
	if err != nil {
		return "", "", err
	}
	val, err := strconv.Unquote(quoted)
	if err != nil {
		return "", "", err
	}
	return val, s[len(quoted):], nil
}

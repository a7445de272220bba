// Package credstore reads and appends the newline-delimited credential file.
// The file holds one "username password" pair per line; it is read fully at
// startup and only ever appended to afterwards.
package credstore

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Store is a flat-file credential store
type Store struct {
	path string
	mu   sync.Mutex // serializes appends
}

// New creates a store backed by the given file path. The file does not need
// to exist yet; a missing file loads as an empty credential set.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the full credential file into a username → password map.
// Malformed lines are skipped.
func (s *Store) Load() (map[string]string, error) {
	creds := make(map[string]string)

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return creds, nil
		}
		return nil, fmt.Errorf("failed to open credential file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 2)
		if len(fields) != 2 || fields[0] == "" || fields[1] == "" {
			continue
		}
		creds[fields[0]] = fields[1]
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	return creds, nil
}

// Append adds one credential pair to the end of the file, creating it if
// necessary.
func (s *Store) Append(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open credential file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %s\n", username, password); err != nil {
		return fmt.Errorf("failed to append credential: %w", err)
	}

	return nil
}

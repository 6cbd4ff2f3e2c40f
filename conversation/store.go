package conversation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/avelde/docsage/errors"
	"github.com/google/uuid"
)

// Store failure kinds.
var (
	ErrNotFound = errors.New("conversation not found")
	ErrIO       = errors.New("history storage failure")
)

// Store persists one JSON file per conversation under a single directory.
// Each record is an independently addressable unit, so a failed write for one
// conversation can never corrupt another. Writes replace the whole record
// through a temp-file-then-rename, so a crash mid-write never leaves a
// truncated file behind.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) the history directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.Withf(ErrIO, "history directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Withf(ErrIO, "could not create history directory %q: %v", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Create allocates a new empty conversation and persists it immediately, so
// it shows up in listings before any message is exchanged.
func (s *Store) Create(title string) (*Conversation, error) {
	if title == "" {
		title = "New conversation"
	}
	now := time.Now().UTC()
	c := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.write(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Append replaces the stored message sequence for id with the given full
// sequence. Full-replace, not a patch: the caller owns the canonical
// in-memory copy and this flushes it.
func (s *Store) Append(id string, msgs []Message) error {
	c, err := s.Load(id)
	if err != nil {
		return err
	}
	c.Messages = msgs
	c.UpdatedAt = time.Now().UTC()
	return s.write(c)
}

// Rename updates a conversation's title.
func (s *Store) Rename(id, title string) error {
	c, err := s.Load(id)
	if err != nil {
		return err
	}
	c.Title = title
	c.UpdatedAt = time.Now().UTC()
	return s.write(c)
}

// Load reads a full conversation record.
func (s *Store) Load(id string) (*Conversation, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Withf(ErrNotFound, "no conversation %q", id)
		}
		return nil, errors.Withf(ErrIO, "could not read conversation %q: %v", id, err)
	}
	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Withf(ErrIO, "could not parse conversation %q: %v", id, err)
	}
	return &c, nil
}

// Delete removes a conversation record.
func (s *Store) Delete(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Withf(ErrNotFound, "no conversation %q", id)
		}
		return errors.Withf(ErrIO, "could not delete conversation %q: %v", id, err)
	}
	return nil
}

// List returns conversation metadata sorted by creation time. Unreadable or
// foreign files in the directory are skipped rather than failing the listing.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Withf(ErrIO, "could not read history directory: %v", err)
	}
	var out []Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var c struct {
			ID        string    `json:"id"`
			Title     string    `json:"title"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := json.Unmarshal(data, &c); err != nil || c.ID == "" {
			continue
		}
		out = append(out, Summary{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", errors.Withf(ErrNotFound, "malformed conversation id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// write atomically replaces the record: serialize, write to a temp file in
// the same directory, then rename over the target.
func (s *Store) write(c *Conversation) error {
	path, err := s.path(c.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Withf(ErrIO, "could not serialize conversation %q: %v", c.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+c.ID+".tmp-")
	if err != nil {
		return errors.Withf(ErrIO, "could not create temp file: %v", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Withf(ErrIO, "could not write conversation %q: %v", c.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Withf(ErrIO, "could not flush conversation %q: %v", c.ID, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return errors.Withf(ErrIO, "could not set mode on %q: %v", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Withf(ErrIO, "could not replace conversation %q: %v", c.ID, err)
	}
	return nil
}

package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
)

// File keeps all sessions in one json document, rewritten on every change.
type File struct {
	path string
	mx   sync.Mutex
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Load(dc int, media bool) (*Data, error) {
	f.mx.Lock()
	defer f.mx.Unlock()

	list, err := f.read()
	if err != nil {
		return nil, err
	}

	for _, d := range list {
		if d.DC == dc && d.Media == media {
			return d, nil
		}
	}
	return nil, ErrNotFound
}

func (f *File) Save(data *Data) error {
	f.mx.Lock()
	defer f.mx.Unlock()

	list, err := f.read()
	if err != nil {
		return err
	}

	replaced := false
	for i, d := range list {
		if d.DC == data.DC && d.Media == data.Media {
			list[i] = data.clone()
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, data.clone())
	}
	return f.write(list)
}

func (f *File) Delete(dc int, media bool) error {
	f.mx.Lock()
	defer f.mx.Unlock()

	list, err := f.read()
	if err != nil {
		return err
	}

	res := list[:0]
	for _, d := range list {
		if d.DC != dc || d.Media != media {
			res = append(res, d)
		}
	}
	return f.write(res)
}

func (f *File) read() ([]*Data, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var list []*Data
	if err = json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	return list, nil
}

func (f *File) write(list []*Data) error {
	sort.Slice(list, func(i, j int) bool {
		if list[i].DC != list[j].DC {
			return list[i].DC < list[j].DC
		}
		return !list[i].Media && list[j].Media
	})

	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize sessions: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err = tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return os.Rename(tmp.Name(), f.path)
}

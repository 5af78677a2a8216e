package connectivity

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileSignalSource reads reachability state from a JSON file and re-reads
// it whenever the file changes. It gives headless hosts and integration
// tests a change-driven source without any platform dependency.
//
// File format: {"connected": true, "classes": ["wifi", "ethernet"]}
type FileSignalSource struct {
	path string
	log  zerolog.Logger
}

func NewFileSignalSource(path string, log zerolog.Logger) *FileSignalSource {
	return &FileSignalSource{path: path, log: log}
}

type fileState struct {
	Connected bool     `json:"connected"`
	Classes   []string `json:"classes"`
}

func (s *FileSignalSource) Signals(ctx context.Context) (<-chan Signal, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and atomic writers replace the file,
	// which would invalidate a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	out := make(chan Signal, 16)
	go func() {
		defer close(out)
		defer watcher.Close()

		if sig, ok := s.read(); ok {
			out <- sig
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				if sig, ok := s.read(); ok {
					select {
					case out <- sig:
					case <-ctx.Done():
						return
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).Msg("connectivity state file watch error")
			}
		}
	}()
	return out, nil
}

func (s *FileSignalSource) read() (Signal, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Signal{}, false
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("malformed connectivity state file")
		return Signal{}, false
	}
	classes := make([]Class, 0, len(state.Classes))
	for _, name := range state.Classes {
		classes = append(classes, ParseClass(name))
	}
	return Signal{Reachable: state.Connected, Classes: classes}, true
}

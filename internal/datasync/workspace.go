package datasync

import "sync"

// Snapshot point in time copy of a Workspace.
type Snapshot struct {
	Code       string
	Language   string
	Whiteboard string
}

// Workspace shared editor and whiteboard state of a call.
type Workspace struct {
	mu       sync.RWMutex
	state    Snapshot
	onChange func(Snapshot)
}

// NewWorkspace creates a workspace with an initial editor language.
func NewWorkspace(language string) *Workspace {
	return &Workspace{
		state: Snapshot{Language: language},
	}
}

// OnChange registers a callback fired with the new state after every change.
func (w *Workspace) OnChange(fn func(Snapshot)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// Snapshot returns the current state.
func (w *Workspace) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// SetCode replaces the code buffer. An empty language keeps the current one.
func (w *Workspace) SetCode(code, language string) {
	w.update(func(s *Snapshot) {
		s.Code = code
		if language != "" {
			s.Language = language
		}
	})
}

// SetLanguage switches the editor language.
func (w *Workspace) SetLanguage(language string) {
	w.update(func(s *Snapshot) {
		s.Language = language
	})
}

// SetWhiteboard replaces the whiteboard raster.
func (w *Workspace) SetWhiteboard(image string) {
	w.update(func(s *Snapshot) {
		s.Whiteboard = image
	})
}

// ClearWhiteboard empties the whiteboard.
func (w *Workspace) ClearWhiteboard() {
	w.SetWhiteboard("")
}

func (w *Workspace) update(fn func(*Snapshot)) {
	w.mu.Lock()
	fn(&w.state)
	state := w.state
	onChange := w.onChange
	w.mu.Unlock()

	if onChange != nil {
		onChange(state)
	}
}

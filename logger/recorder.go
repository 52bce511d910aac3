package logger

import (
	"fmt"
	"sync"
)

// Entry is one message captured by a Recorder.
type Entry struct {
	Level   string
	Msg     string
	Keyvals map[string]any
}

// Recorder keeps every message in memory. Tests use it to assert on log output.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Debug(msg string, keyvals ...any) { r.add("debug", msg, keyvals) }
func (r *Recorder) Info(msg string, keyvals ...any)  { r.add("info", msg, keyvals) }
func (r *Recorder) Error(msg string, keyvals ...any) { r.add("error", msg, keyvals) }

func (r *Recorder) add(level, msg string, keyvals []any) {
	kv := make(map[string]any, len(keyvals)/2)
	for i := 0; i < len(keyvals)-1; i += 2 {
		kv[fmt.Sprint(keyvals[i])] = keyvals[i+1]
	}
	r.mu.Lock()
	r.entries = append(r.entries, Entry{Level: level, Msg: msg, Keyvals: kv})
	r.mu.Unlock()
}

// Entries returns a copy of the captured messages.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Find returns captured messages with the given level and text.
func (r *Recorder) Find(level, msg string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Level == level && e.Msg == msg {
			out = append(out, e)
		}
	}
	return out
}

package logging

import (
	"maps"
	"sync"
)

// Entry is one record captured by a Recorder.
type Entry struct {
	Level  string
	Msg    string
	Err    error
	Fields LogFields
}

// Recorder is an in-memory ServiceLogger. Children created with With share the
// parent's entry list, so assertions can be made against the root recorder.
type Recorder struct {
	sink *recorderSink
	base LogFields
}

type recorderSink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{sink: &recorderSink{}}
}

func (r *Recorder) With(fields LogFields) ServiceLogger {
	merged := maps.Clone(r.base)
	if merged == nil {
		merged = LogFields{}
	}
	maps.Copy(merged, fields)
	return &Recorder{sink: r.sink, base: merged}
}

func (r *Recorder) Debug(msg string, fields LogFields) { r.record("debug", msg, nil, fields) }
func (r *Recorder) Info(msg string, fields LogFields)  { r.record("info", msg, nil, fields) }
func (r *Recorder) Warn(msg string, fields LogFields)  { r.record("warn", msg, nil, fields) }
func (r *Recorder) Trace(msg string, fields LogFields) { r.record("trace", msg, nil, fields) }

func (r *Recorder) Error(msg string, err error, fields LogFields) {
	r.record("error", msg, err, fields)
}

func (r *Recorder) record(level, msg string, err error, fields LogFields) {
	merged := maps.Clone(r.base)
	if merged == nil {
		merged = LogFields{}
	}
	maps.Copy(merged, fields)

	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	r.sink.entries = append(r.sink.entries, Entry{Level: level, Msg: msg, Err: err, Fields: merged})
}

// Entries returns a snapshot of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	out := make([]Entry, len(r.sink.entries))
	copy(out, r.sink.entries)
	return out
}

// ByLevel filters the recorded entries.
func (r *Recorder) ByLevel(level string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

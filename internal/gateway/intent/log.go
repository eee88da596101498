package intent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Log is the append-only schedule event log. It is the sole source of
// truth; everything else is derived.
type Log struct {
	path string
	f    *os.File
	seq  uint64
}

// OpenLog opens (or creates) the event log at path and returns every
// event in append order. A malformed line is a hard error naming the
// byte offset: a log that cannot be trusted must not be guessed at.
func OpenLog(path string) (*Log, []Event, error) {
	events, maxSeq, err := readLog(path)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open intent log: %w", err)
	}
	return &Log{path: path, f: f, seq: maxSeq}, events, nil
}

func readLog(path string) ([]Event, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open intent log: %w", err)
	}
	defer f.Close()

	var (
		events []Event
		maxSeq uint64
		offset int64
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1
		if len(line) == 0 {
			offset += lineLen
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, 0, fmt.Errorf("intent log corrupt at byte %d: %w", offset, err)
		}
		if ev.Type != eventType || ev.Kind == "" {
			return nil, 0, fmt.Errorf("intent log corrupt at byte %d: not a schedule_event", offset)
		}
		if ev.Seq <= maxSeq && maxSeq != 0 {
			return nil, 0, fmt.Errorf("intent log corrupt at byte %d: seq %d not monotonic", offset, ev.Seq)
		}
		maxSeq = ev.Seq
		events = append(events, ev)
		offset += lineLen
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan intent log: %w", err)
	}
	return events, maxSeq, nil
}

// Append assigns the next seq, stamps the event, and writes one line.
func (l *Log) Append(ev *Event) error {
	l.seq++
	ev.Type = eventType
	ev.Seq = l.seq
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal schedule event: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("append schedule event: %w", err)
	}
	return nil
}

// Close closes the append handle.
func (l *Log) Close() error {
	return l.f.Close()
}

package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// HistorySentinel terminates every history record on the wire. A lone
	// sentinel means the user has no history.
	HistorySentinel = "END_HISTORY"

	// TimestampLayout is the formatted-timestamp shape history records use.
	TimestampLayout = "2006-01-02 15:04:05"

	pipeEscape = "&#124;"
)

var ErrMalformedHistoryEntry = errors.New("history entry does not contain exactly three delimiters")

// HistoryEntry is one past analysis belonging to a user.
type HistoryEntry struct {
	Timestamp time.Time
	ImageHash string
	Question  string
	Answer    string
}

// EncodeHistoryEntry renders an entry into its wire form,
// timestamp|hash|question|answer followed by the sentinel. Literal `|` in
// the question and answer are escaped so the record always carries exactly
// three delimiter characters.
func EncodeHistoryEntry(e HistoryEntry) []byte {
	record := fmt.Sprintf("%s|%s|%s|%s",
		e.Timestamp.Format(TimestampLayout),
		e.ImageHash,
		escapePipes(e.Question),
		escapePipes(e.Answer))

	return []byte(record + HistorySentinel)
}

// WriteHistoryEntry sends one encoded entry, sentinel included, as a single
// write.
func WriteHistoryEntry(w io.Writer, e HistoryEntry) error {
	_, err := w.Write(EncodeHistoryEntry(e))
	return err
}

// WriteHistoryEnd sends the lone sentinel used when there is no history.
func WriteHistoryEnd(w io.Writer) error {
	_, err := w.Write([]byte(HistorySentinel))
	return err
}

// ParseHistoryEntry decodes one wire-form record (sentinel already
// stripped). The record must contain exactly three unescaped delimiters
// before the escape sequences are expanded.
func ParseHistoryEntry(wire string) (HistoryEntry, error) {
	if strings.Count(wire, "|") != 3 {
		return HistoryEntry{}, fmt.Errorf("%q: %w", wire, ErrMalformedHistoryEntry)
	}

	fields := strings.SplitN(wire, "|", 4)

	ts, err := time.ParseInLocation(TimestampLayout, fields[0], time.Local)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("%q: bad timestamp: %w", wire, err)
	}

	return HistoryEntry{
		Timestamp: ts,
		ImageHash: fields[1],
		Question:  unescapePipes(fields[2]),
		Answer:    unescapePipes(fields[3]),
	}, nil
}

// HistoryScanner consumes a sentinel-terminated history stream. It buffers
// incoming bytes, extracting one record per sentinel occurrence, until the
// source reports end-of-stream. Records failing the delimiter invariant are
// dropped, not fatal; OnMalformed, when set, observes each dropped record.
type HistoryScanner struct {
	r io.Reader

	OnMalformed func(raw string)

	buffer  string
	entry   HistoryEntry
	dropped int
	err     error
	done    bool
}

func NewHistoryScanner(r io.Reader) *HistoryScanner {
	return &HistoryScanner{r: r}
}

// Scan advances to the next valid entry. It returns false at end of stream
// or on a read error; check Err afterwards.
func (s *HistoryScanner) Scan() bool {
	for {
		for {
			idx := strings.Index(s.buffer, HistorySentinel)
			if idx < 0 {
				break
			}

			raw := strings.TrimSpace(s.buffer[:idx])
			s.buffer = s.buffer[idx+len(HistorySentinel):]

			if raw == "" {
				// The lone no-history sentinel.
				continue
			}

			entry, err := ParseHistoryEntry(raw)
			if err != nil {
				s.dropped++
				if s.OnMalformed != nil {
					s.OnMalformed(raw)
				}
				continue
			}

			s.entry = entry
			return true
		}

		if s.done {
			return false
		}

		buf := make([]byte, TokenBufferSize)
		n, err := s.r.Read(buf)
		s.buffer += string(buf[:n])

		if err != nil {
			s.done = true
			if !errors.Is(err, io.EOF) {
				s.err = err
			}
		}
	}
}

// Entry returns the record produced by the last successful Scan.
func (s *HistoryScanner) Entry() HistoryEntry {
	return s.entry
}

// Dropped reports how many malformed records were discarded so far.
func (s *HistoryScanner) Dropped() int {
	return s.dropped
}

func (s *HistoryScanner) Err() error {
	return s.err
}

func escapePipes(s string) string {
	return strings.ReplaceAll(s, "|", pipeEscape)
}

func unescapePipes(s string) string {
	return strings.ReplaceAll(s, pipeEscape, "|")
}

package stream

import (
	"bufio"
	"io"
	"strings"

	"github.com/WuChenDi/bitk/internal/domain"
)

// LineParser maps one non-blank raw line to zero-or-one normalized
// entries. It is the function an EngineAdapter's NormalizeLogLine
// implements.
type LineParser func(raw string) *domain.NormalizedEntry

// Normalize reads r line by line, feeding every full, non-blank line to
// parse, and calls emit for every non-nil result. If the stream ends with
// a non-blank, incomplete fragment, that fragment is parsed exactly once.
// The reader is always released on exit, by virtue of bufio.Scanner not
// owning it — callers are responsible for closing r.
func Normalize(r io.Reader, parse LineParser, emit func(domain.NormalizedEntry)) error {
	scanner := bufio.NewScanner(r)
	// Raw CLI output lines can be long (diffs, stack traces); grow the
	// buffer well past bufio's 64KB default.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	var lastBlank = true
	for scanner.Scan() {
		line := scanner.Text()
		lastBlank = strings.TrimSpace(line) == ""
		if lastBlank {
			continue
		}
		if entry := parse(line); entry != nil {
			emit(*entry)
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	// bufio.Scanner silently drops a final unterminated line only if it's
	// empty; a real unterminated fragment is returned by the last Scan()
	// above, so nothing further to flush here — the loop already
	// consumed it. lastBlank is not returned to callers or used further.
	_ = lastBlank
	return nil
}

// StderrToErrorEntries frames a stderr stream the same way, bypassing the
// parser entirely: each non-empty line becomes entryType=error-message.
func StderrToErrorEntries(r io.Reader, emit func(domain.NormalizedEntry)) error {
	return Normalize(r, func(raw string) *domain.NormalizedEntry {
		return &domain.NormalizedEntry{EntryType: domain.EntryErrorMessage, Content: raw}
	}, emit)
}

package importer

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-mbox"
)

var quotedFrom = []byte(">From ")

// splitMbox calls fn with the source of every message in an mbox
// stream. Lines quoted as ">From " are restored.
func splitMbox(r io.Reader, fn func(raw []byte) error) error {
	mr := mbox.NewReader(r)
	for {
		msg, err := mr.NextMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading mbox: %w", err)
		}

		raw, err := io.ReadAll(msg)
		if err != nil {
			return fmt.Errorf("reading mbox message: %w", err)
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		if err := fn(unquoteFrom(raw)); err != nil {
			return err
		}
	}
}

// unquoteFrom strips the '>' from lines starting with ">From ".
func unquoteFrom(raw []byte) []byte {
	if !bytes.Contains(raw, quotedFrom) {
		return raw
	}
	lines := bytes.SplitAfter(raw, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(line, quotedFrom) {
			lines[i] = line[1:]
		}
	}
	return bytes.Join(lines, nil)
}

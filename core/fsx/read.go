package fsx

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

const maxLineBytes = 8 * 1024 * 1024

// ScanLines calls fn for every non-empty line of r with its 1-based line
// number. The slice passed to fn is only valid for the duration of the call.
// Iteration stops at the first error returned by fn.
func ScanLines(r io.Reader, fn func(lineNo int, line []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 128*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(lineNo, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan lines: %w", err)
	}
	return nil
}

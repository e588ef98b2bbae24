package health

import (
	"io"
	"os"
	"strings"

	"github.com/mpetrov/botwarden/internal/logging"
)

// conflictPhrases are the platform error signatures scanned for in the
// poller's own log output.
var conflictPhrases = []string{
	`error_code":409`,
	"terminated by other getUpdates",
	"telegram.error.Conflict",
}

// LogScan is the non-blocking secondary health signal: the tail of the
// poller's log is scanned for repeated conflict errors. A conflicted poller
// may still be partially functional, so the scan only raises a warning flag
// and never changes the primary verdict.
type LogScan struct {
	// Path is the poller log file.
	Path string

	// Window is how many trailing lines are scanned.
	Window int

	// Threshold is how many matching lines raise the warning.
	Threshold int
}

// NewLogScan builds a scanner over the poller log.
func NewLogScan(path string, window, threshold int) *LogScan {
	if window <= 0 {
		window = 50
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &LogScan{Path: path, Window: window, Threshold: threshold}
}

// ConflictLines counts conflict-error lines in the tail window. Scan failures
// count as zero: the secondary signal must never block an evaluation.
func (s *LogScan) ConflictLines() int {
	lines, err := tailLines(s.Path, s.Window)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.ForComponent(logging.CompHealth).Debug("log scan failed", "err", err)
		}
		return 0
	}

	count := 0
	for _, line := range lines {
		for _, phrase := range conflictPhrases {
			if strings.Contains(line, phrase) {
				count++
				break
			}
		}
	}
	return count
}

// tailLines reads up to n trailing lines of the file, reading at most a
// bounded slice from the end so huge logs stay cheap to scan.
func tailLines(path string, n int) ([]string, error) {
	const maxTailBytes = 256 * 1024

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := info.Size()
	offset := int64(0)
	if size > maxTailBytes {
		offset = size - maxTailBytes
	}

	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, err
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Package session writes the per-run upload log: device log lines and host
// trace lines interleaved in one file per invocation, the way the serial
// drivers this project is adapted from keep one raw capture file per run.
package session

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	logDir       = "logs"
	logName      = "SFU_UPLOAD"
	logExt       = ".log"
	writerBuffer = 1 << 16
)

// Writer is a buffered, periodically-flushed sink for one session's log
// lines. It is not safe for concurrent use.
type Writer struct {
	file *os.File
	buf  *bufio.Writer
	path string
}

// Open creates logs/SFU_UPLOAD.log, or SFU_UPLOAD_<N>.log if that name is
// already taken, and returns a Writer appending to it.
func Open() (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create log dir: %w", err)
	}
	path := nextAvailableFilename(logDir, logName, logExt)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: open log file: %w", err)
	}
	return &Writer{
		file: file,
		buf:  bufio.NewWriterSize(file, writerBuffer),
		path: path,
	}, nil
}

// Path returns the file path this Writer is appending to.
func (w *Writer) Path() string { return w.path }

// DeviceLine appends a device log line, timestamped at the moment it is
// recorded (i.e. when the parser finished assembling it).
func (w *Writer) DeviceLine(line string) error {
	_, err := fmt.Fprintf(w.buf, "%s DEV  %s\n", timestamp(), line)
	return err
}

// HostLine appends a host-side trace line (phase transitions, retries,
// errors) so the log reads as one interleaved session transcript.
func (w *Writer) HostLine(format string, args ...any) error {
	_, err := fmt.Fprintf(w.buf, "%s HOST %s\n", timestamp(), fmt.Sprintf(format, args...))
	return err
}

// Flush forces buffered lines to disk without closing the file.
func (w *Writer) Flush() error {
	return w.buf.Flush()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("session: flush log file: %w", err)
	}
	return w.file.Close()
}

func timestamp() string {
	return time.Now().Format("15:04:05.000")
}

func nextAvailableFilename(dir, name, ext string) string {
	path := filepath.Join(dir, name+ext)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	for i := 1; ; i++ {
		newPath := filepath.Join(dir, fmt.Sprintf("%s_%d%s", name, i, ext))
		if _, err := os.Stat(newPath); os.IsNotExist(err) {
			return newPath
		}
	}
}

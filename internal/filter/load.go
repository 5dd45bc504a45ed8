package filter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
)

// maxLineLen is the longest blocklist line that is parsed.  Longer lines are
// skipped like any other line that does not parse.
const maxLineLen = 4096

// Load inserts every pattern read from r, one per line, in the hosts-file
// compatible format:
//
//	# comment
//	ads.example.com
//	*.tracker.example
//	0.0.0.0 banner.example.net
//	::1 other.example.org   # trailing comment
//
// Lines starting with a digit or ':' carry a leading address token which is
// skipped.  Lines that do not parse, including lines longer than 4 KiB, are
// skipped.  It returns the number of inserted lines; on a read error, n is the
// count loaded before the failure and the entries stay in the index.
func (idx *Index) Load(r io.Reader) (n int, err error) {
	br := bufio.NewReaderSize(r, maxLineLen)
	for {
		var line []byte
		line, err = br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			err = skipLine(br)
		} else if p := linePattern(string(line)); p != "" && idx.Insert(p) {
			n++
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			return n, nil
		default:
			return n, fmt.Errorf("reading blocklist: %w", err)
		}
	}
}

// skipLine discards the rest of the current line.
func skipLine(br *bufio.Reader) (err error) {
	for {
		_, err = br.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

// LoadLines is like [Index.Load] for lines already in memory.
func (idx *Index) LoadLines(lines []string) (n int) {
	for _, l := range lines {
		p := linePattern(l)
		if p != "" && idx.Insert(p) {
			n++
		}
	}

	return n
}

// LoadFile loads the blocklist file at path.
func (idx *Index) LoadFile(path string) (n int, err error) {
	// #nosec G304 -- Trust the blocklist paths given on the command line or in
	// the configuration file.
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening blocklist %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	n, err = idx.Load(f)
	if err != nil {
		return n, fmt.Errorf("%s: %w", path, err)
	}

	return n, nil
}

// linePattern returns the pattern carried by one blocklist line or "" if the
// line is blank, a comment, or a hosts entry without a name.
func linePattern(line string) (p string) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}

	if c := line[0]; ('0' <= c && c <= '9') || c == ':' {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return ""
		}

		return fields[1]
	}

	return line
}

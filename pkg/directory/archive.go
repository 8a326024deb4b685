package directory

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/torsim/pkg/logger"
)

// MonthYear is an inclusive (year, month) bound used to select which
// consensuses-YYYY-MM directories an Archive walk considers.
type MonthYear struct {
	Year  int
	Month int
}

// ParseMonthYear parses a "YYYY-MM" string.
func ParseMonthYear(s string) (MonthYear, error) {
	if len(s) < 7 || s[4] != '-' {
		return MonthYear{}, fmt.Errorf("malformed month-year %q, expected YYYY-MM", s)
	}
	year, err := strconv.Atoi(s[0:4])
	if err != nil {
		return MonthYear{}, fmt.Errorf("malformed year in %q: %w", s, err)
	}
	month, err := strconv.Atoi(s[5:7])
	if err != nil {
		return MonthYear{}, fmt.Errorf("malformed month in %q: %w", s, err)
	}
	return MonthYear{Year: year, Month: month}, nil
}

// Before reports whether m precedes other.
func (m MonthYear) Before(other MonthYear) bool {
	if m.Year != other.Year {
		return m.Year < other.Year
	}
	return m.Month < other.Month
}

// After reports whether m follows other.
func (m MonthYear) After(other MonthYear) bool {
	return other.Before(m)
}

var (
	consDirRe  = regexp.MustCompile(`^consensuses-(\d{4})-(\d{2})$`)
	subDirRe   = regexp.MustCompile(`^\d{2}$`)
	consFileRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}-\d{2}-\d{2}-\d{2})-consensus$`)
)

// ConsensusHandle is a reference to a consensus file known to exist in the
// archive, not yet loaded into memory.
type ConsensusHandle struct {
	Time time.Time
	Path string
}

// Archive is a loader over an on-disk Tor data archive laid out the way
// CollecTor publishes it: <dir>/consensuses-YYYY-MM/DD/YYYY-MM-DD-HH-MM-SS-consensus.
type Archive struct {
	dir    string
	logger *logger.Logger
}

// NewArchive constructs a loader rooted at dir, validating that it exists
// and is a directory.
func NewArchive(dir string, log *logger.Logger) (*Archive, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("data archive path %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("data archive path %s is not a directory", dir)
	}
	return &Archive{dir: dir, logger: log.Component("directory")}, nil
}

// FindConsensuses walks the archive and returns handles for every
// consensus file whose embedded (year, month) falls within [from, to],
// sorted ascending by embedded timestamp.
func (a *Archive) FindConsensuses(from, to MonthYear) ([]ConsensusHandle, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("reading archive dir %s: %w", a.dir, err)
	}

	var handles []ConsensusHandle
	for _, entry := range entries {
		m := consDirRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		dirYear, _ := strconv.Atoi(m[1])
		dirMonth, _ := strconv.Atoi(m[2])
		my := MonthYear{Year: dirYear, Month: dirMonth}
		if my.Before(from) || my.After(to) {
			continue
		}

		consDirPath := filepath.Join(a.dir, entry.Name())
		subEntries, err := os.ReadDir(consDirPath)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", consDirPath, err)
		}
		for _, sub := range subEntries {
			if !subDirRe.MatchString(sub.Name()) {
				continue
			}
			subPath := filepath.Join(consDirPath, sub.Name())
			files, err := os.ReadDir(subPath)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", subPath, err)
			}
			for _, f := range files {
				fm := consFileRe.FindStringSubmatch(f.Name())
				if fm == nil {
					continue
				}
				t, err := time.Parse("2006-01-02-15-04-05", fm[1])
				if err != nil {
					return nil, fmt.Errorf("parsing timestamp from %s: %w", f.Name(), err)
				}
				handles = append(handles, ConsensusHandle{
					Time: t.UTC(),
					Path: filepath.Join(subPath, f.Name()),
				})
			}
		}
	}

	sort.Slice(handles, func(i, j int) bool { return handles[i].Time.Before(handles[j].Time) })
	a.logger.Debug("found consensuses in archive", "count", len(handles), "from", from, "to", to)
	return handles, nil
}

// Load reads and parses the consensus file this handle points to.
func (h ConsensusHandle) Load() (*Consensus, error) {
	f, err := os.Open(h.Path)
	if err != nil {
		return nil, fmt.Errorf("opening consensus %s: %w", h.Path, err)
	}
	defer f.Close()
	return ParseConsensus(f)
}

// ParseConsensus parses a consensus document's "valid-after", "r", "s",
// "w", and "p" lines into a Consensus. This mirrors the teacher's original
// line-scanning consensus parser, extended to recover valid_after,
// bandwidth-weight, and exit-policy fields the archive-driven simulation
// needs (the live-fetch HTTP path those fields were never extracted from
// in the teacher is not applicable here: there is no live fetch).
func ParseConsensus(r io.Reader) (*Consensus, error) {
	scanner := bufio.NewScanner(bufio.NewReader(r))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	consensus := &Consensus{}
	var current *Relay

	flush := func() {
		if current != nil {
			consensus.Relays = append(consensus.Relays, current)
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "valid-after "):
			ts := strings.TrimPrefix(line, "valid-after ")
			t, err := time.Parse("2006-01-02 15:04:05", ts)
			if err != nil {
				return nil, fmt.Errorf("parsing valid-after %q: %w", ts, err)
			}
			consensus.ValidAfter = t.UTC()

		case strings.HasPrefix(line, "r "):
			flush()
			parts := strings.Fields(line)
			if len(parts) < 8 {
				return nil, fmt.Errorf("malformed relay line: %q", line)
			}
			orPort, _ := strconv.Atoi(parts[7])
			current = &Relay{
				Nickname:    parts[1],
				Fingerprint: parts[2],
				Address:     parts[6],
				ORPort:      orPort,
			}

		case strings.HasPrefix(line, "s ") && current != nil:
			for _, f := range strings.Fields(line[2:]) {
				current.Flags = append(current.Flags, Flag(f))
			}

		case strings.HasPrefix(line, "w ") && current != nil:
			for _, field := range strings.Fields(line[2:]) {
				k, v, ok := strings.Cut(field, "=")
				if ok && k == "Bandwidth" {
					bw, err := strconv.ParseUint(v, 10, 64)
					if err == nil {
						current.BandwidthWeight = bw
					}
				}
			}

		case strings.HasPrefix(line, "p ") && current != nil:
			policy, err := ParseExitPolicy(line[2:])
			if err != nil {
				return nil, fmt.Errorf("parsing exit policy for %s: %w", current.Fingerprint, err)
			}
			current.ExitPolicy = policy
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading consensus: %w", err)
	}
	if consensus.ValidAfter.IsZero() {
		return nil, fmt.Errorf("consensus missing valid-after")
	}
	return consensus, nil
}

package vmctl

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/a3s-run/a3s/internal/boxerr"
)

// clockTicksPerSecond is USER_HZ, effectively always 100 on Linux.
const clockTicksPerSecond = 100

// pageSize matches the common Linux default; RSS in /proc/<pid>/stat is
// reported in pages.
const pageSize = 4096

// readProcStat reads utime, stime (in clock ticks) and RSS (in bytes) for
// pid from /proc/<pid>/stat.
func readProcStat(pid int) (utime, stime uint64, rssBytes uint64, err error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, 0, boxerr.Wrap(boxerr.KindIoError, err, "reading /proc/%d/stat", pid)
	}

	// The comm field (2nd field) is parenthesized and may itself contain
	// spaces or parens, so split on the last ')' rather than by field index.
	line := string(data)
	closeParen := strings.LastIndex(line, ")")
	if closeParen < 0 {
		return 0, 0, 0, boxerr.New(boxerr.KindIoError, "malformed /proc/%d/stat", pid)
	}
	rest := strings.TrimSpace(line[closeParen+1:])

	fields := strings.Fields(rest)
	// After comm, state is field 0 (3rd overall); utime is field 11 (14th
	// overall), stime is field 12 (15th overall), rss is field 21 (24th
	// overall), per proc(5).
	const (
		idxUtime = 11
		idxStime = 12
		idxRSS   = 21
	)
	if len(fields) <= idxRSS {
		return 0, 0, 0, boxerr.New(boxerr.KindIoError, "unexpected field count in /proc/%d/stat", pid)
	}

	utime, err = strconv.ParseUint(fields[idxUtime], 10, 64)
	if err != nil {
		return 0, 0, 0, boxerr.Wrap(boxerr.KindIoError, err, "parsing utime from /proc/%d/stat", pid)
	}
	stime, err = strconv.ParseUint(fields[idxStime], 10, 64)
	if err != nil {
		return 0, 0, 0, boxerr.Wrap(boxerr.KindIoError, err, "parsing stime from /proc/%d/stat", pid)
	}
	rssPages, err := strconv.ParseUint(fields[idxRSS], 10, 64)
	if err != nil {
		return 0, 0, 0, boxerr.Wrap(boxerr.KindIoError, err, "parsing rss from /proc/%d/stat", pid)
	}

	return utime, stime, rssPages * pageSize, nil
}

package core

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

var jobIDPattern = regexp.MustCompile(`^j-(\d{8})-(\d{3})$`)

// NextJobID returns the next monotonic job id for today's UTC date,
// derived from the highest existing sequence number under
// jobsDir (".nibbler/jobs") for that date. A jobsDir that doesn't exist
// yet, or has no entries for today, starts the sequence at 001.
func NextJobID(jobsDir string) (JobID, error) {
	today := time.Now().UTC().Format("20060102")

	entries, err := os.ReadDir(jobsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return JobID(fmt.Sprintf("j-%s-001", today)), nil
		}
		return "", ErrState("JOB_ID_SCAN_FAILED", "reading jobs directory").WithCause(err)
	}

	highest := 0
	for _, e := range entries {
		m := jobIDPattern.FindStringSubmatch(filepath.Base(e.Name()))
		if m == nil || m[1] != today {
			continue
		}
		if n, err := strconv.Atoi(m[2]); err == nil && n > highest {
			highest = n
		}
	}
	return JobID(fmt.Sprintf("j-%s-%03d", today, highest+1)), nil
}

package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const cycleTimeLayout = "20060102T150405Z"

// FormatCycleID renders e.g. cycle-000042-20260301T120000Z.
func FormatCycleID(seq int, at time.Time) string {
	return fmt.Sprintf("cycle-%06d-%s", seq, at.UTC().Format(cycleTimeLayout))
}

// CycleSeq extracts the sequence number of a cycle id.
func CycleSeq(id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, "cycle-")
	if !ok {
		return 0, false
	}
	num, _, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

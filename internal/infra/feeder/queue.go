// Package feeder talks to the dispatcher's feeder through its command-line
// tools: the shared-memory dump for queue occupancy, the reread trigger file,
// and the project stop/start scripts.
package feeder

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gridshare/gridshare/internal/domain"
)

var (
	// "   1: ---" is an empty slot.
	emptySlot = regexp.MustCompile(`^\s*\d+:\s+---`)
	// "   3    long_task   1698 ..." is an occupied slot.
	occupiedSlot = regexp.MustCompile(`^\s*\d+\s+(\w+)\s+\d+`)
)

// isJobsHeader matches the column header that opens the slot table.
func isJobsHeader(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "slot") && strings.Contains(l, "app") && strings.Contains(l, "wu id")
}

// ParseQueue reads the slot table of a show_shmem dump. Lines before the
// table header are ignored. A dump without a table, or without any slots,
// yields an unknown occupancy and an error.
func ParseQueue(dump string) (domain.Occupancy, error) {
	occ := domain.Occupancy{
		Shares: make(map[string]float64),
		Counts: make(map[string]int),
	}

	inJobs := false
	empty := 0
	sc := bufio.NewScanner(strings.NewReader(dump))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if isJobsHeader(line) {
			inJobs = true
			continue
		}
		trimmed := strings.TrimSpace(line)
		if !inJobs || trimmed == "" || strings.HasPrefix(trimmed, "-") {
			continue
		}

		if emptySlot.MatchString(line) {
			empty++
			continue
		}
		if m := occupiedSlot.FindStringSubmatch(line); m != nil {
			occ.Counts[m[1]]++
		}
	}
	if err := sc.Err(); err != nil {
		return domain.Occupancy{}, fmt.Errorf("read queue dump: %w", err)
	}

	occupied := occ.Occupied()
	if occupied == 0 && empty == 0 {
		return domain.Occupancy{}, fmt.Errorf("no slot table in queue dump: %w", domain.ErrNoData)
	}

	occ.Known = true
	occ.Capacity = occupied + empty
	for class, n := range occ.Counts {
		if occupied > 0 {
			occ.Shares[class] = float64(n) / float64(occupied)
		}
	}
	return occ, nil
}

// ParseWeights reads the per-application weights the feeder currently holds
// in shared memory, from lines like "id: 3 name: long_task ... weight: 2.5".
// Lines that cannot be parsed are skipped.
func ParseWeights(dump string) domain.WeightSet {
	out := make(domain.WeightSet)
	for _, line := range strings.Split(dump, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "id:") {
			continue
		}
		fields := strings.Fields(line)
		name, weight := "", ""
		for i := 0; i+1 < len(fields); i++ {
			switch fields[i] {
			case "name:":
				name = fields[i+1]
			case "weight:":
				weight = fields[i+1]
			}
		}
		if name == "" || weight == "" {
			continue
		}
		w, err := strconv.ParseFloat(weight, 64)
		if err != nil {
			continue
		}
		out[name] = w
	}
	return out
}

package checkin

import (
	"cmp"
	"slices"

	"github.com/cognitedata/extractor-utils-go/internal/integration"
)

const (
	// MaxErrorsPerCheckIn is the largest number of errors sent in one request.
	MaxErrorsPerCheckIn = 1000
	// MaxTaskUpdatesPerCheckIn is the largest number of task events sent in one request.
	MaxTaskUpdatesPerCheckIn = 1000
)

func sortErrors(errs []integration.ExtractorError) {
	slices.SortStableFunc(errs, func(a, b integration.ExtractorError) int {
		if c := a.Time().Compare(b.Time()); c != 0 {
			return c
		}
		return cmp.Compare(a.ExternalID, b.ExternalID)
	})
}

func sortUpdates(updates []integration.TaskUpdate) {
	slices.SortStableFunc(updates, func(a, b integration.TaskUpdate) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

// nextBatch splits the next chronological batch off the front of two
// sorted lists. It walks both lists like a merge, taking whichever head
// is older (both on a tie), and stops when either per-kind limit is
// reached or both lists are exhausted.
func nextBatch(
	errs []integration.ExtractorError,
	updates []integration.TaskUpdate,
	maxErrors, maxUpdates int,
) (batchErrs []integration.ExtractorError, batchUpdates []integration.TaskUpdate,
	restErrs []integration.ExtractorError, restUpdates []integration.TaskUpdate) {

	i, j := 0, 0
	for (i < len(errs) || j < len(updates)) && i < maxErrors && j < maxUpdates {
		switch {
		case i >= len(errs):
			j++
		case j >= len(updates):
			i++
		default:
			c := errs[i].Time().Compare(updates[j].Timestamp)
			switch {
			case c < 0:
				i++
			case c > 0:
				j++
			default:
				i++
				j++
			}
		}
	}
	return errs[:i:i], updates[:j:j], errs[i:], updates[j:]
}

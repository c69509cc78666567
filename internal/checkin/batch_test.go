package checkin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cognitedata/extractor-utils-go/internal/integration"
)

func TestNextBatch(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }
	errAt := func(id string, ms int) integration.ExtractorError {
		return integration.ExtractorError{ExternalID: id, StartTime: at(ms)}
	}
	updAt := func(name string, ms int) integration.TaskUpdate {
		return integration.TaskUpdate{Name: name, Timestamp: at(ms)}
	}

	tests := []struct {
		name        string
		errs        []integration.ExtractorError
		updates     []integration.TaskUpdate
		maxErrs     int
		maxUpdates  int
		wantErrs    int
		wantUpdates int
	}{
		{
			name:        "all fits",
			errs:        []integration.ExtractorError{errAt("a", 1)},
			updates:     []integration.TaskUpdate{updAt("u", 2)},
			maxErrs:     10,
			maxUpdates:  10,
			wantErrs:    1,
			wantUpdates: 1,
		},
		{
			name:        "update cap stops the batch",
			errs:        []integration.ExtractorError{errAt("a", 5)},
			updates:     []integration.TaskUpdate{updAt("u1", 1), updAt("u2", 2), updAt("u3", 3)},
			maxErrs:     10,
			maxUpdates:  2,
			wantErrs:    0,
			wantUpdates: 2,
		},
		{
			name:        "error cap stops the batch",
			errs:        []integration.ExtractorError{errAt("a", 1), errAt("b", 2)},
			updates:     []integration.TaskUpdate{updAt("u1", 3)},
			maxErrs:     1,
			maxUpdates:  10,
			wantErrs:    1,
			wantUpdates: 0,
		},
		{
			name:        "ties advance both",
			errs:        []integration.ExtractorError{errAt("a", 1), errAt("b", 3)},
			updates:     []integration.TaskUpdate{updAt("u1", 1), updAt("u2", 2)},
			maxErrs:     2,
			maxUpdates:  1,
			wantErrs:    1,
			wantUpdates: 1,
		},
		{
			name:        "only updates",
			updates:     []integration.TaskUpdate{updAt("u1", 1), updAt("u2", 2), updAt("u3", 3)},
			maxErrs:     1,
			maxUpdates:  2,
			wantErrs:    0,
			wantUpdates: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be, bu, re, ru := nextBatch(tt.errs, tt.updates, tt.maxErrs, tt.maxUpdates)
			assert.Len(t, be, tt.wantErrs)
			assert.Len(t, bu, tt.wantUpdates)
			assert.Len(t, re, len(tt.errs)-tt.wantErrs)
			assert.Len(t, ru, len(tt.updates)-tt.wantUpdates)
		})
	}
}

func TestSortErrorsUsesEndTime(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := base.Add(10 * time.Second)
	errs := []integration.ExtractorError{
		{ExternalID: "long", StartTime: base, EndTime: &end},
		{ExternalID: "late", StartTime: base.Add(5 * time.Second)},
	}

	sortErrors(errs)

	assert.Equal(t, "late", errs[0].ExternalID)
	assert.Equal(t, "long", errs[1].ExternalID)
}

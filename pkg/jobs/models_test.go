package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefreshJobRecordTableName(t *testing.T) {
	j := RefreshJobRecord{}
	assert.Equal(t, "refresh_job_records", j.TableName())
}

func TestRefreshJobRecordIsTerminal(t *testing.T) {
	tests := []struct {
		state    string
		terminal bool
	}{
		{"PENDING", false},
		{"RUNNING", false},
		{"COMPLETED", true},
		{"FAILED", true},
		{"CANCELED", true},
	}

	for _, tc := range tests {
		t.Run(tc.state, func(t *testing.T) {
			j := &RefreshJobRecord{State: tc.state}
			assert.Equal(t, tc.terminal, j.IsTerminal())
		})
	}
}

package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fetcharr/fetcharr/internal/models"
)

// Each run gets its own history row with the attempt count recorded at
// creation; the terminal update must not bump it again.
func TestUpdateStatusQueryLeavesAttemptsAlone(t *testing.T) {
	statuses := []models.TaskStatus{
		models.TaskRunning, models.TaskSucceeded, models.TaskFailed, models.TaskRevoked,
	}
	for _, status := range statuses {
		assert.NotContains(t, updateStatusQuery(status), "attempts", string(status))
	}

	assert.Contains(t, updateStatusQuery(models.TaskSucceeded), "completed_at")
	assert.Contains(t, updateStatusQuery(models.TaskFailed), "completed_at")
	assert.NotContains(t, updateStatusQuery(models.TaskRunning), "completed_at")
}

package lending

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFailure_IncludesConsistencyDump(t *testing.T) {
	// GIVEN: A repost that failed on a broken invariant
	// WHEN: Logging the failure
	// THEN: The record dump is logged next to the error

	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))
	b := newTestBook(t, testTerms())
	b.catchUp(MustParseDate("2025-02-15"))
	require.NotEmpty(t, b.Demands)

	logFailure(l, "repost failed", b.Loan.ID, newConsistencyError(b.Loan.ID, "negative outstanding", b.Demands[0]))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "repost failed", record["msg"])
	assert.Equal(t, string(b.Loan.ID), record["loan_id"])
	assert.Contains(t, record["detail"], b.Demands[0].Key)
}

func TestLogFailure_OmitsDetailForOtherErrors(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))

	logFailure(l, "batch failed for loan", "loan-1", errors.New("disk full"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.NotContains(t, record, "detail")
	assert.Equal(t, "disk full", record["error"])
}

package hardware

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucPettett/what-do-i-become/internal/domain"
)

func TestRecordEvidenceKeepsOtherReports(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime", "evidence.json")

	_, err := RecordEvidence(path, "hw-1", EvidenceReport{Detected: true, Ref: "usb:1-1"}, now)
	require.NoError(t, err)
	doc, err := RecordEvidence(path, "hw-2", EvidenceReport{Failed: true}, now)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12:00:00Z", doc.ObservedAt)
	assert.Len(t, doc.Reports, 2)

	r, err := FileSource{Path: path}.Collect(context.Background(), domain.HardwareRequest{ID: "hw-1"})
	require.NoError(t, err)
	assert.True(t, r.Detected)
	assert.Equal(t, "usb:1-1", r.Ref)

	_, err = RecordEvidence(path, " ", EvidenceReport{}, now)
	require.Error(t, err)
}

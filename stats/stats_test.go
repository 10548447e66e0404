package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	c := New()
	c.TotalCalledChecks.Add(3)
	c.SendReportOperations.Add(5)
	snap := c.Snapshot()
	require.Equal(t, int64(3), snap.TotalCalledChecks)
	require.Equal(t, int64(5), snap.SendReportOperations)
	require.Equal(t, int64(0), snap.TotalCalledReports)
}

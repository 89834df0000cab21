package stats_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"crpm/stats"
)

func TestCounterIncAndAdd(t *testing.T) {
	var c stats.Counter
	c.Inc()
	c.Inc()
	c.Add(5)
	require.Equal(t, int64(7), c.Load())
}

func TestReportOmitsZeroFieldsAndFormatsNonZero(t *testing.T) {
	var c stats.Counters
	c.ChecksCommitted.Add(3)
	c.BytesWrittenBack.Add(2048)

	out := stats.Report(&c)
	require.Contains(t, out, "ChecksCommitted: 3")
	require.Contains(t, out, "BytesWrittenBack: 2,048")
	require.NotContains(t, out, "ChecksFailed")
	require.NotContains(t, out, "AllocFailures")
}

func TestReportOnIdleCountersSaysNoActivity(t *testing.T) {
	var c stats.Counters
	require.Equal(t, "(no activity)\n", stats.Report(&c))
}

func TestResetZeroesEveryField(t *testing.T) {
	c := &stats.Counters{}
	c.Recoveries.Inc()
	c.AllocFailures.Add(4)
	stats.Reset(c)
	require.True(t, strings.HasPrefix(stats.Report(c), "(no activity)"))
}

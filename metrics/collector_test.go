package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/opendgram/snp/pktstats"
)

func TestCollectorDescribeEmitsSixDescriptors(t *testing.T) {
	c := NewCollector("snp", "conn")
	descs := make(chan *prometheus.Desc, 16)
	c.Describe(descs)
	close(descs)

	var n int
	for range descs {
		n++
	}
	require.Equal(t, 6, n)
}

func TestCollectorCollectReportsAddedConnections(t *testing.T) {
	c := NewCollector("snp", "conn")
	stats := pktstats.New(false)
	stats.RecordSent(100)
	stats.RecordSent(50)
	c.Add("conn-a", Tracked{Description: "conn-a", Stats: stats})

	require.Equal(t, 1, testutil.CollectAndCount(c, "snp_conn_packets_sent_total"))
}

func TestCollectorRemoveStopsReporting(t *testing.T) {
	c := NewCollector("snp", "conn")
	stats := pktstats.New(false)
	c.Add("conn-a", Tracked{Stats: stats})
	require.Equal(t, 1, testutil.CollectAndCount(c, "snp_conn_packets_sent_total"))

	c.Remove("conn-a")
	require.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestCollectorReplacesEntryForSameLabel(t *testing.T) {
	c := NewCollector("snp", "conn")
	s1 := pktstats.New(false)
	s2 := pktstats.New(false)
	s2.RecordSent(10)

	c.Add("conn-a", Tracked{Stats: s1})
	c.Add("conn-a", Tracked{Stats: s2})

	require.Equal(t, 1, testutil.CollectAndCount(c, "snp_conn_packets_sent_total"))
}

func TestCollectorCollectPassesLint(t *testing.T) {
	c := NewCollector("snp", "conn")
	stats := pktstats.New(false)
	stats.RecordSent(64)
	c.Add("conn-a", Tracked{Stats: stats})

	problems, err := testutil.CollectAndLint(c)
	require.NoError(t, err)
	require.Empty(t, problems)
}

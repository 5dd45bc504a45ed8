package logging_test

import (
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/p4th0r/tunfilter/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildJSONLog(t *testing.T) {
	session := logging.SessionInfo{
		ID:        "a3f8",
		StartTime: testTime,
		EndTime:   testTime.Add(10 * time.Second),
		Mode:      "tun",
		Device:    "tfla3f8",
	}

	events := []logging.Event{{
		Timestamp: testTime,
		Type:      logging.EventResolved,
		Domain:    "example.com",
		QueryType: "A",
		Addrs:     []netip.Addr{testRemote.Addr()},
	}, {
		Timestamp: testTime,
		Type:      logging.EventBlocked,
		Protocol:  "tcp",
		Src:       testDevice,
		Dst:       testRemote,
		Domain:    "example.com",
		DomainSrc: "sni",
		Reason:    logging.ReasonDomain,
	}, {
		Timestamp: testTime,
		Type:      logging.EventDoHWarning,
		Protocol:  "tcp",
		Dst:       testRemote,
	}}

	log := logging.BuildJSONLog(session, events, logging.Summary{Blocked: 1, Resolutions: 1})

	require.Len(t, log.Resolutions, 1)
	assert.Equal(t, []string{"93.184.216.34"}, log.Resolutions[0].Addrs)

	require.Len(t, log.Flows, 1)
	assert.Equal(t, logging.FlowEntry{
		Timestamp: testTime,
		Action:    "blocked",
		Protocol:  "tcp",
		Src:       "10.0.0.2:40000",
		Dst:       "93.184.216.34:443",
		Domain:    "example.com",
		DomainSrc: "sni",
		Reason:    logging.ReasonDomain,
	}, log.Flows[0])

	assert.Equal(t, 1, log.Summary.Blocked)
	assert.Equal(t, 1, log.Summary.DNSReplies)
}

func TestBuildJSONLog_emptyEvents(t *testing.T) {
	log := logging.BuildJSONLog(logging.SessionInfo{ID: "test"}, nil, logging.Summary{})

	assert.NotNil(t, log.Flows)
	assert.NotNil(t, log.Resolutions)

	data, err := json.Marshal(log)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"flows":[]`)
}

func TestWriteJSONLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "test.json")

	err := logging.WriteJSONLog(path, logging.JSONLog{
		Session: logging.SessionInfo{ID: "test"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var parsed logging.JSONLog
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, "test", parsed.Session.ID)
}

func TestDefaultLogPath(t *testing.T) {
	assert.Equal(t, "./tunfilter-a3f8-20260304-123045.json", logging.DefaultLogPath("a3f8", testTime))
}

package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// JSONLog is the top-level structure of the session log file.
type JSONLog struct {
	Session     SessionInfo `json:"session"`
	Flows       []FlowEntry `json:"flows"`
	Resolutions []DNSEntry  `json:"dns_replies"`
	Summary     SummaryInfo `json:"summary"`
}

// SessionInfo holds metadata about the tunfilter session.
type SessionInfo struct {
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	ID           string    `json:"id"`
	Mode         string    `json:"mode"`
	Device       string    `json:"device,omitempty"`
	Blocklists   []string  `json:"blocklists,omitempty"`
	DurationSecs float64   `json:"duration_seconds"`
	Patterns     int       `json:"patterns"`
	Networks     int       `json:"networks"`
}

// FlowEntry is a single blocked, allowed, or failed flow event.
type FlowEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Protocol  string    `json:"protocol"`
	Src       string    `json:"src"`
	Dst       string    `json:"dst"`
	Domain    string    `json:"domain,omitempty"`
	DomainSrc string    `json:"domain_source,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Extra     string    `json:"extra,omitempty"`
}

// DNSEntry is a single DNS reply relayed back to the device.
type DNSEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Query     string    `json:"query"`
	Type      string    `json:"type"`
	Addrs     []string  `json:"addrs"`
	CNAMEs    []string  `json:"cnames,omitempty"`
}

// SummaryInfo holds summary statistics for the log.
type SummaryInfo struct {
	Allowed            int `json:"allowed"`
	Blocked            int `json:"blocked"`
	FlowErrors         int `json:"flow_errors"`
	UniqueDestinations int `json:"unique_destinations"`
	DNSReplies         int `json:"dns_replies"`
	UniqueDomains      int `json:"unique_domains"`
	DoHWarnings        int `json:"doh_warnings"`
}

// BuildJSONLog constructs a JSONLog from session info and events.
func BuildJSONLog(session SessionInfo, events []Event, summary Summary) (l JSONLog) {
	flows := []FlowEntry{}
	resolutions := []DNSEntry{}

	for _, ev := range events {
		switch {
		case ev.IsFlowEvent():
			flows = append(flows, FlowEntry{
				Timestamp: ev.Timestamp,
				Action:    ev.Type.String(),
				Protocol:  ev.Protocol,
				Src:       ev.Src.String(),
				Dst:       ev.Dst.String(),
				Domain:    ev.Domain,
				DomainSrc: ev.DomainSrc,
				Reason:    ev.Reason,
				Extra:     ev.Extra,
			})
		case ev.Type == EventResolved:
			addrs := make([]string, 0, len(ev.Addrs))
			for _, a := range ev.Addrs {
				addrs = append(addrs, a.String())
			}

			resolutions = append(resolutions, DNSEntry{
				Timestamp: ev.Timestamp,
				Query:     ev.Domain,
				Type:      ev.QueryType,
				Addrs:     addrs,
				CNAMEs:    ev.CNAMEs,
			})
		}
	}

	return JSONLog{
		Session:     session,
		Flows:       flows,
		Resolutions: resolutions,
		Summary: SummaryInfo{
			Allowed:            summary.Allowed,
			Blocked:            summary.Blocked,
			FlowErrors:         summary.FlowErrors,
			UniqueDestinations: summary.UniqueDestinations,
			DNSReplies:         summary.Resolutions,
			UniqueDomains:      summary.UniqueDomains,
			DoHWarnings:        summary.DoHWarnings,
		},
	}
}

// WriteJSONLog writes the JSON log to path atomically, creating the parent
// directory if needed.
func WriteJSONLog(path string, log JSONLog) (err error) {
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling json log: %w", err)
	}

	dir := filepath.Dir(path)
	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("creating log directory %q: %w", dir, err)
	}

	err = renameio.WriteFile(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("writing log file: %w", err)
	}

	return nil
}

// DefaultLogPath returns the default log file path for a session started at
// start.
func DefaultLogPath(sessionID string, start time.Time) (path string) {
	return fmt.Sprintf("./tunfilter-%s-%s.json", sessionID, start.Format("20060102-150405"))
}

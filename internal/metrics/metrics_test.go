package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCountersAppearInExposition(t *testing.T) {
	m := New()
	m.CallInitiated("video", "outgoing")
	m.CallInitiated("video", "outgoing")
	m.CallConnected("video")
	m.CallEnded("local_ended")
	m.EventDropped(DropReasonStale)
	m.CandidateTrickled("outbound")
	m.SignalingReconnected()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`amora_call_calls_initiated_total{direction="outgoing",kind="video"} 2`,
		`amora_call_calls_connected_total{kind="video"} 1`,
		`amora_call_calls_ended_total{outcome="local_ended"} 1`,
		`amora_call_signaling_events_dropped_total{reason="stale"} 1`,
		`amora_call_ice_candidates_total{direction="outbound"} 1`,
		`amora_call_signaling_reconnects_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

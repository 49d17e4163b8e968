package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPostHookEvent(t *testing.T) {
	var gotPath string
	var gotEvent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotEvent = body["event"]
		if gotEvent == "bogus" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"success":false,"error":"unknown hook event"}`))
			return
		}
		w.Write([]byte(`{"success":true}`))
	}))
	defer ts.Close()

	if err := postHookEvent(ts.URL, "alpha", "stop"); err != nil {
		t.Fatalf("postHookEvent: %v", err)
	}
	if gotPath != "/api/v1/sessions/alpha/hook-events" || gotEvent != "stop" {
		t.Fatalf("path=%q event=%q", gotPath, gotEvent)
	}

	err := postHookEvent(ts.URL, "alpha", "bogus")
	if err == nil || !strings.Contains(err.Error(), "unknown hook event") {
		t.Fatalf("error = %v", err)
	}

	if err := postHookEvent("http://127.0.0.1:1", "alpha", "stop"); err == nil {
		t.Fatal("unreachable daemon must error")
	}
}

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func withTestServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	addr = strings.TrimPrefix(srv.URL, "http://")
}

func TestGetJSONDecodesSuccessResponse(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/info" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(sysInfoDTO{Users: []string{"alice"}})
	})

	var out sysInfoDTO
	if err := getJSON("/v1/info", &out); err != nil {
		t.Fatalf("getJSON: %v", err)
	}
	if len(out.Users) != 1 || out.Users[0] != "alice" {
		t.Fatalf("expected [alice], got %v", out.Users)
	}
}

func TestGetJSONReturnsErrorOnNon200(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such module instance", http.StatusNotFound)
	})

	var out moduleStateDTO
	if err := getJSON("/v1/modules/hostb/alice/chat-server-demo", &out); err == nil {
		t.Fatalf("expected an error for a non-200 response")
	}
}

func TestModuleCmdBuildsTwoPartPath(t *testing.T) {
	var gotPath string
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(moduleStateDTO{State: "ACTIVE"})
	})

	cmd := newModuleCmd()
	if err := cmd.RunE(cmd, []string{"hostb/chat-server-demo"}); err != nil {
		t.Fatalf("RunE: %v", err)
	}
	if gotPath != "/v1/modules/hostb/chat-server-demo" {
		t.Fatalf("expected the sys-scoped 2-part path, got %q", gotPath)
	}
}

func TestModuleCmdBuildsThreePartPath(t *testing.T) {
	var gotPath string
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(moduleStateDTO{State: "ACTIVE"})
	})

	cmd := newModuleCmd()
	if err := cmd.RunE(cmd, []string{"hostb/alice/chat-server-demo"}); err != nil {
		t.Fatalf("RunE: %v", err)
	}
	if gotPath != "/v1/modules/hostb/alice/chat-server-demo" {
		t.Fatalf("expected the user-scoped 3-part path, got %q", gotPath)
	}
}

func TestModuleCmdRejectsMalformedArgument(t *testing.T) {
	cmd := newModuleCmd()
	if err := cmd.RunE(cmd, []string{"just-one-part"}); err == nil {
		t.Fatalf("expected an error for an argument with no slash")
	}
}

func TestHistoryCmdBuildsThreePartPath(t *testing.T) {
	var gotPath string
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode([]auditEventDTO{{Timestamp: "2026-07-31T00:00:00Z", Action: "state", Detail: "ACTIVE"}})
	})

	cmd := newHistoryCmd()
	if err := cmd.RunE(cmd, []string{"hostb", "alice", "chat-server-demo"}); err != nil {
		t.Fatalf("RunE: %v", err)
	}
	if gotPath != "/v1/history/hostb/alice/chat-server-demo" {
		t.Fatalf("expected the user-scoped 3-part path, got %q", gotPath)
	}
}

func TestHistoryCmdBuildsTwoPartPathWithLimit(t *testing.T) {
	var gotPath, gotQuery string
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode([]auditEventDTO{})
	})

	cmd := newHistoryCmd()
	if err := cmd.Flags().Set("limit", "10"); err != nil {
		t.Fatalf("setting limit: %v", err)
	}
	if err := cmd.RunE(cmd, []string{"hostb", "chat-server-demo"}); err != nil {
		t.Fatalf("RunE: %v", err)
	}
	if gotPath != "/v1/history/hostb/chat-server-demo" {
		t.Fatalf("expected the sys-scoped 2-part path, got %q", gotPath)
	}
	if gotQuery != "limit=10" {
		t.Fatalf("expected limit=10 in the query string, got %q", gotQuery)
	}
}

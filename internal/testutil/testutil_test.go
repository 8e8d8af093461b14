package testutil

import (
	"net/http"
	"testing"
)

func TestNewDebugRequest(t *testing.T) {
	req := NewDebugRequest(http.MethodGet, "/debug/reader")
	if req.RemoteAddr != LoopbackAddr {
		t.Errorf("RemoteAddr = %q, want %q", req.RemoteAddr, LoopbackAddr)
	}
	if req.Method != http.MethodGet || req.URL.Path != "/debug/reader" {
		t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
	}
}

func TestServeDebugAndDecode(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"remote":"` + r.RemoteAddr + `"}`))
	})
	rec := ServeDebug(h, http.MethodGet, "/debug/x")
	AssertStatusCode(t, rec.Code, http.StatusOK)

	var got map[string]string
	DecodeJSON(t, rec, &got)
	if got["remote"] != LoopbackAddr {
		t.Errorf("remote = %q", got["remote"])
	}
}

func TestAssertStatusCodeMatch(t *testing.T) {
	ft := &testing.T{}
	AssertStatusCode(ft, http.StatusNotFound, http.StatusNotFound)
	if ft.Failed() {
		t.Error("matching codes reported a failure")
	}
}

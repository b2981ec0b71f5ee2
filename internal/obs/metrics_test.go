package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

func TestCanonicalPath(t *testing.T) {
	r := chi.NewRouter()
	var got string
	r.Get("/v1/payouts/{id}", func(w http.ResponseWriter, req *http.Request) {
		got = CanonicalPath(req)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/payouts/01HX", nil))
	if got != "/v1/payouts/{id}" {
		t.Fatalf("CanonicalPath=%q", got)
	}

	plain := httptest.NewRequest(http.MethodGet, "/health", nil)
	if p := CanonicalPath(plain); p != "/health" {
		t.Fatalf("CanonicalPath without router=%q", p)
	}
}

func TestInstrumentKeepsStatus(t *testing.T) {
	Init()
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestComponentLoggerEmitsJSON(t *testing.T) {
	orig := Logger()
	defer SetLogger(orig)

	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	l := Component("audit")
	l.Info().Int("affected", 3).Msg("step done")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["component"] != "audit" || entry["message"] != "step done" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["affected"] != float64(3) {
		t.Fatalf("affected=%v", entry["affected"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v, want %v", in, got, want)
		}
	}
}

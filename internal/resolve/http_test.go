package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPLookupSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/entities/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ctx-token" {
			t.Errorf("authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["query"] != "Sagitta" || body["entity_type"] != "project" || body["limit"] != float64(5) {
			t.Errorf("body = %v", body)
		}
		_, _ = w.Write([]byte(`{"results":[
			{"id":"proj_1","label":"Sagitta","score":0.91},
			{"id":"proj_2","name":"Sagitta Ops","confidence":0.85,"active":false}
		]}`))
	}))
	defer srv.Close()

	l := &HTTPLookup{BaseURL: srv.URL + "/", Token: "ctx-token"}
	matches, err := l.Search(context.Background(), "Sagitta", EntityProject)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %+v", matches)
	}
	if m := matches[0]; m.ID != "proj_1" || m.Label != "Sagitta" || m.Score != 0.91 || !m.Active {
		t.Fatalf("first match = %+v", m)
	}
	if m := matches[1]; m.Label != "Sagitta Ops" || m.Score != 0.85 || m.Active {
		t.Fatalf("aliases not honoured: %+v", m)
	}
}

func TestHTTPLookupCandidatesAlias(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"id":"p","label":"P","score":0.5}]}`))
	}))
	defer srv.Close()
	matches, err := (&HTTPLookup{BaseURL: srv.URL}).Search(context.Background(), "p", EntityPerson)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "p" {
		t.Fatalf("matches = %+v", matches)
	}
}

func TestHTTPLookupErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := (&HTTPLookup{BaseURL: srv.URL}).Search(context.Background(), "p", EntityProject)
	var le *LookupError
	if !errors.As(err, &le) {
		t.Fatalf("expected a LookupError, got %v", err)
	}
	if le.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", le.StatusCode)
	}
}

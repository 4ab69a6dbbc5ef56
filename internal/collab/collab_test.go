package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/nugget/toolrelay/internal/jsonval"
	"github.com/nugget/toolrelay/internal/tools"
)

func newServer(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func reviewRegistry(t *testing.T, mux *http.ServeMux) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil)
	NewReviewClient(newServer(t, mux), "rtok", nil, nil).RegisterTools(reg)
	return reg
}

func ticketRegistry(t *testing.T, mux *http.ServeMux) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil)
	NewTicketClient(newServer(t, mux)+"/", "ttok", nil, nil).RegisterTools(reg)
	return reg
}

func TestGetPRReviews(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /reviews", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("github_username"); got != "octocat" {
			t.Errorf("github_username = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer rtok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"reviews":[
			{"repo":"acme/app","pr_number":7,"title":"Add cache","state":"approved","submitted_at":"2025-05-04T10:00:00Z"},
			{"repo":"acme/lib","pr_number":2,"title":"Docs","state":"pending"}
		]}`))
	})

	res := reviewRegistry(t, mux).Execute(context.Background(), "get_pr_reviews",
		jsonval.Object{"github_username": jsonval.String("octocat")})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Text())
	}
	want := "2 review(s) for octocat:\n\nacme/app#7 Add cache [approved] 2025-05-04\nacme/lib#2 Docs [pending]"
	if res.Text() != want {
		t.Errorf("text =\n%s\nwant\n%s", res.Text(), want)
	}
}

func TestGetPRReviews_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /reviews", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"reviews":[]}`))
	})

	res := reviewRegistry(t, mux).Execute(context.Background(), "get_pr_reviews",
		jsonval.Object{"github_username": jsonval.String("nobody")})
	if res.IsError || res.Text() != "No reviews found for nobody." {
		t.Errorf("result = %+v", res)
	}
}

func TestRegisterReviewer(t *testing.T) {
	var got Reviewer
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	})
	reg := reviewRegistry(t, mux)

	res := reg.Execute(context.Background(), "register_reviewer", jsonval.Object{
		"github_username": jsonval.String("octocat"),
		"email":           jsonval.String("octo@example.com"),
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Text())
	}
	if got.GitHubUsername != "octocat" || got.Email != "octo@example.com" {
		t.Errorf("request = %+v", got)
	}

	res = reg.Execute(context.Background(), "register_reviewer", jsonval.Object{
		"github_username": jsonval.String("octocat"),
		"email":           jsonval.String("not-an-email"),
	})
	if !res.IsError || !strings.Contains(res.Text(), "email") {
		t.Errorf("bad email result = %q", res.Text())
	}
}

func TestGetUserContext(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user-context", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"Ada","plan":"pro"}`))
	})

	res := ticketRegistry(t, mux).Execute(context.Background(), "get_user_context", nil)
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Text())
	}
	if !strings.Contains(res.Text(), `"plan": "pro"`) {
		t.Errorf("text = %q", res.Text())
	}
}

func TestGetTicket(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ticket/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "T-42" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"id":"T-42","subject":"Login fails","status":"open","priority":"high","description":"Since Tuesday."}`))
	})
	reg := ticketRegistry(t, mux)

	res := reg.Execute(context.Background(), "get_ticket", jsonval.Object{"ticket_id": jsonval.String("T-42")})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Text())
	}
	for _, want := range []string{"Ticket T-42: Login fails", "Status: open", "Priority: high", "Since Tuesday."} {
		if !strings.Contains(res.Text(), want) {
			t.Errorf("text missing %q:\n%s", want, res.Text())
		}
	}

	res = reg.Execute(context.Background(), "get_ticket", jsonval.Object{"ticket_id": jsonval.String("T-0")})
	if !res.IsError || !strings.Contains(res.Text(), "HTTP 404") {
		t.Errorf("missing ticket result = %q", res.Text())
	}
}

func TestCreateTicket(t *testing.T) {
	var got NewTicket
	var key string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ticket", func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		if r.Header.Get("Authorization") != "Bearer ttok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Ticket{ID: "T-9", Subject: got.Subject, Status: "open", Priority: got.Priority})
	})

	res := ticketRegistry(t, mux).Execute(context.Background(), "create_ticket", jsonval.Object{
		"subject":     jsonval.String("Printer on fire"),
		"description": jsonval.String("Smoke visible."),
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Text())
	}
	if got.Priority != "normal" {
		t.Errorf("priority = %q, want default normal", got.Priority)
	}
	if _, err := uuid.Parse(key); err != nil {
		t.Errorf("Idempotency-Key %q is not a uuid", key)
	}
	if !strings.HasPrefix(res.Text(), "Ticket created.\n\nTicket T-9: Printer on fire") {
		t.Errorf("text = %q", res.Text())
	}
}

func TestCreateTicket_InvalidPriority(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ticket", func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})

	res := ticketRegistry(t, mux).Execute(context.Background(), "create_ticket", jsonval.Object{
		"subject":     jsonval.String("x"),
		"description": jsonval.String("y"),
		"priority":    jsonval.String("critical"),
	})
	if !res.IsError || !strings.Contains(res.Text(), "priority") {
		t.Errorf("result = %q", res.Text())
	}
}

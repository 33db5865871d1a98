package retsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/rets/login", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("rets-version") == "" {
			t.Errorf("expected rets-version query param")
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "agent" || p != "secret" {
			t.Errorf("unexpected basic auth: %q/%q ok=%v", u, p, ok)
		}
		http.SetCookie(w, &http.Cookie{Name: "RETS-Session-ID", Value: "abc123"})
		w.Write([]byte(`<RETS-RESPONSE>
ReplyCode=0
ReplyText=Success
Search=/rets/search
GetMetadata=/rets/metadata
Logout=/rets/logout
</RETS-RESPONSE>`))
	})
	mux.HandleFunc("/rets/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") == "" {
			t.Errorf("expected cookie on logout request")
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/rets/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") == "" {
			t.Errorf("expected cookie on authenticated request")
		}
		w.Write([]byte(`<RETS-RESPONSE ReplyCode="0" ReplyText="Success"/>`))
	})
	return httptest.NewServer(mux)
}

func newTestClient(t *testing.T, loginURL string) *Client {
	t.Helper()
	return New(Config{
		LoginURL:  loginURL,
		Version:   "RETS/1.7.2",
		UserAgent: "retssync/1.0",
		Username:  "agent",
		Password:  "secret",
	}, t.TempDir())
}

func TestLoginCachesSessionAndParsesCapabilities(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/rets/login")
	sess, err := client.Login(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.Cookie == "" {
		t.Fatal("expected non-empty session cookie")
	}
	if _, ok := sess.Capability("Search"); !ok {
		t.Fatal("expected Search capability to be recorded")
	}

	// Second login should hit the cache, not the server again, since the
	// handler would otherwise fail basic-auth assertions a second time
	// harmlessly; instead verify the cached cookie round-trips unchanged.
	again, err := client.Login(context.Background())
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if again.Cookie != sess.Cookie {
		t.Fatalf("expected cached session cookie to be reused, got %q vs %q", again.Cookie, sess.Cookie)
	}
}

func TestAuthenticatedRequestAttachesCookie(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/rets/login")
	sess, err := client.Login(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	resp, err := client.AuthenticatedRequest(context.Background(), sess, srv.URL+"/rets/search", nil)
	if err != nil {
		t.Fatalf("AuthenticatedRequest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestLoginRejectedWithNonZeroReplyCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rets/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "RETS-Session-ID", Value: "abc123"})
		w.Write([]byte(`<RETS-RESPONSE>
ReplyCode=20037
ReplyText=Invalid Password
</RETS-RESPONSE>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/rets/login")
	if _, err := client.Login(context.Background()); err == nil {
		t.Fatal("expected login rejection error")
	}
}

func TestLoginFailsWithNoCookie(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rets/login", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<RETS-RESPONSE>
ReplyCode=0
ReplyText=Success
</RETS-RESPONSE>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/rets/login")
	if _, err := client.Login(context.Background()); err == nil {
		t.Fatal("expected NoCookie error")
	}
}

package jupyter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIdentity = "bot-worker-1"

func newTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := newTestServer(t, handler)

	client, err := NewClient(Options{
		IdentityName:   testIdentity,
		Token:          "gt-credential",
		BaseURL:        srv.URL,
		HubPrefix:      "/nb",
		RequestTimeout: 5 * time.Second,
		GoneStatusMin:  400,
		GoneStatusMax:  499,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return client, srv
}

// loginMux wires a hub whose login chains set the anti-forgery cookie at an
// intermediate hop, never at the start or the final page.
func loginMux(t *testing.T) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/nb/hub/home", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gt-credential", r.Header.Get("Authorization"))
		http.Redirect(w, r, "/nb/hub/login?next=%2Fnb%2Fhub%2Fhome", http.StatusFound)
	})
	mux.HandleFunc("/nb/hub/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "_xsrf", Value: "hub-xsrf", Path: "/nb/hub/"})
		http.Redirect(w, r, "/nb/hub/", http.StatusFound)
	})
	mux.HandleFunc("/nb/hub/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/nb/user/"+testIdentity+"/lab", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "navigate", r.Header.Get("Sec-Fetch-Mode"))
		// The hub re-sends its own token here; the walk must not mistake
		// it for the lab token.
		http.SetCookie(w, &http.Cookie{Name: "_xsrf", Value: "hub-xsrf", Path: "/nb/hub/"})
		http.Redirect(w, r, "/nb/user/"+testIdentity+"/oauth_callback", http.StatusFound)
	})
	mux.HandleFunc("/nb/user/"+testIdentity+"/oauth_callback", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "_xsrf", Value: "lab-xsrf", Path: "/nb/user/" + testIdentity + "/"})
		http.Redirect(w, r, "/nb/user/"+testIdentity+"/lab/tree", http.StatusFound)
	})
	mux.HandleFunc("/nb/user/"+testIdentity+"/lab/tree", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func TestLoginToHubHarvestsXSRF(t *testing.T) {
	client, _ := newTestClient(t, loginMux(t))

	require.NoError(t, client.LoginToHub(context.Background()))
	assert.Equal(t, "hub-xsrf", client.hubToken())
	assert.Empty(t, client.labToken())
}

func TestLoginToLabSkipsHubToken(t *testing.T) {
	client, _ := newTestClient(t, loginMux(t))

	require.NoError(t, client.LoginToHub(context.Background()))
	require.NoError(t, client.LoginToLab(context.Background()))

	assert.Equal(t, "lab-xsrf", client.labToken())
	assert.Equal(t, "hub-xsrf", client.hubToken())
	assert.False(t, client.EstablishedAt().IsZero())
}

func TestLoginWithoutXSRFFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/nb/hub/home", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	client, _ := newTestClient(t, mux)

	err := client.LoginToHub(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoXSRFToken)
}

func TestLoginRedirectLoopBounded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/nb/hub/home", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/nb/hub/home", http.StatusFound)
	})
	client, _ := newTestClient(t, mux)

	err := client.LoginToHub(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect hops")
}

func TestLabRunning(t *testing.T) {
	tests := []struct {
		name    string
		servers map[string]json.RawMessage
		want    bool
	}{
		{name: "no servers", servers: map[string]json.RawMessage{}, want: false},
		{name: "default server running", servers: map[string]json.RawMessage{"": json.RawMessage(`{}`)}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/nb/hub/api/users/"+testIdentity, func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(hubUserStatus{Name: testIdentity, Servers: tt.servers})
			})
			client, _ := newTestClient(t, mux)

			running, err := client.LabRunning(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, running)
		})
	}
}

func TestSpawnLabSubmitsForm(t *testing.T) {
	var gotForm map[string]string
	mux := loginMux(t)
	mux.HandleFunc("/nb/hub/spawn", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			assert.Equal(t, "hub-xsrf", r.Header.Get("X-XSRFToken"))
			require.NoError(t, r.ParseForm())
			gotForm = map[string]string{
				"image_list": r.PostForm.Get("image_list"),
				"size":       r.PostForm.Get("size"),
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	client, _ := newTestClient(t, mux)
	require.NoError(t, client.LoginToHub(context.Background()))

	image := Image{Reference: "registry.example.com/lab:w_2026_34", Name: "Weekly 34"}
	require.NoError(t, client.SpawnLab(context.Background(), image, "Large"))

	assert.Equal(t, image.Reference, gotForm["image_list"])
	assert.Equal(t, "Large", gotForm["size"])
}

func TestStopLab(t *testing.T) {
	stopped := false
	mux := http.NewServeMux()
	mux.HandleFunc("/nb/hub/api/users/"+testIdentity, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(hubUserStatus{
			Name:    testIdentity,
			Servers: map[string]json.RawMessage{"": json.RawMessage(`{}`)},
		})
	})
	mux.HandleFunc("/nb/hub/api/users/"+testIdentity+"/server", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		stopped = true
		w.WriteHeader(http.StatusAccepted)
	})
	client, _ := newTestClient(t, mux)

	require.NoError(t, client.StopLab(context.Background()))
	assert.True(t, stopped)
}

func TestStopLabAlreadyStopped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/nb/hub/api/users/"+testIdentity, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(hubUserStatus{Name: testIdentity})
	})
	client, _ := newTestClient(t, mux)

	require.NoError(t, client.StopLab(context.Background()))
}

func TestPodGoneClassification(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/nb/hub/api/users/"+testIdentity, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such user", http.StatusForbidden)
	})
	client, _ := newTestClient(t, mux)

	_, err := client.LabRunning(context.Background())
	require.Error(t, err)
	assert.True(t, client.PodGone(err))

	var jerr *Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, http.StatusForbidden, jerr.Status)
	assert.Equal(t, testIdentity, jerr.Identity)
	assert.Contains(t, jerr.Body, "no such user")
}

func TestIsPodGoneRange(t *testing.T) {
	assert.False(t, IsPodGone(context.DeadlineExceeded, 400, 499))
	assert.True(t, IsPodGone(&Error{Status: 424}, 400, 499))
	assert.False(t, IsPodGone(&Error{Status: 502}, 400, 499))
	assert.False(t, IsPodGone(&Error{Status: 403}, 410, 424))
}

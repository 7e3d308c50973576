package api_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck.go/pkg/api"
	"github.com/taskdeck/taskdeck.go/pkg/models"
)

func TestCreateSendsDocumentAndParsesRecord(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"task-1","revision":100,"title":"a","status":"todo"}`))
	}))
	defer srv.Close()

	c := api.NewHTTPClient(srv.URL, "tok-1")
	rec, err := c.Create(context.Background(), models.KindTask, &models.Task{Title: "a", Status: models.StatusTodo})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/tasks", gotPath)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "a", gotBody["title"])

	assert.Equal(t, "task-1", rec.ID)
	assert.Equal(t, models.Revision(100), rec.Revision)
	assert.JSONEq(t, `{"id":"task-1","revision":100,"title":"a","status":"todo"}`, string(rec.Raw))
}

func TestUpdateSendsPatchOnly(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/tasks/task-1", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"id":"task-1","revision":101,"title":"a","status":"done"}`))
	}))
	defer srv.Close()

	c := api.NewHTTPClient(srv.URL, "tok")
	rec, err := c.Update(context.Background(), models.KindTask, "task-1", models.Patch{"status": "done"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"status": "done"}, gotBody)
	assert.Equal(t, models.Revision(101), rec.Revision)
}

func TestCreateIsNeverRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := api.NewHTTPClient(srv.URL, "tok")
	_, err := c.Create(context.Background(), models.KindTask, &models.Task{Title: "a"})

	var nerr *api.NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, int64(1), calls.Load())
}

func TestIdempotentRequestRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"task-1","revision":100,"title":"a"}`))
	}))
	defer srv.Close()

	c := api.NewHTTPClient(srv.URL, "tok")
	rec, err := c.Fetch(context.Background(), models.KindTask, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", rec.ID)
	assert.Equal(t, int64(2), calls.Load())
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "conflict",
			status: http.StatusConflict,
			body:   `{"error":{"kind":"conflict","message":"revision mismatch"}}`,
			check: func(t *testing.T, err error) {
				var cerr *api.ConflictError
				require.ErrorAs(t, err, &cerr)
				assert.Equal(t, models.KindTask, cerr.Kind)
				assert.Equal(t, "task-1", cerr.ID)
				assert.Equal(t, "revision mismatch", cerr.Message)
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   `{"error":{"kind":"not_found","message":"gone"}}`,
			check: func(t *testing.T, err error) {
				var nf *api.NotFoundError
				require.ErrorAs(t, err, &nf)
				assert.Equal(t, "task-1", nf.ID)
			},
		},
		{
			name:   "validation",
			status: http.StatusUnprocessableEntity,
			body:   `{"error":{"kind":"validation","message":"invalid task","fields":{"title":"required"}}}`,
			check: func(t *testing.T, err error) {
				var verr *api.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, "invalid task", verr.Message)
				assert.Equal(t, "required", verr.Fields["title"])
			},
		},
		{
			name:   "bad request without envelope",
			status: http.StatusBadRequest,
			body:   `nope`,
			check: func(t *testing.T, err error) {
				var verr *api.ValidationError
				require.ErrorAs(t, err, &verr)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := api.NewHTTPClient(srv.URL, "tok", api.WithMaxRetries(0))
			_, err := c.Update(context.Background(), models.KindTask, "task-1", models.Patch{"title": "x"})
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := api.NewHTTPClient(srv.URL, "tok", api.WithMaxRetries(0))
	for i := 0; i < 5; i++ {
		_, err := c.Fetch(context.Background(), models.KindTask, "task-1")
		require.Error(t, err)
	}
	require.Equal(t, int64(5), calls.Load())

	// The breaker is open: the next call fails without a round trip.
	_, err := c.Fetch(context.Background(), models.KindTask, "task-1")
	var nerr *api.NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, int64(5), calls.Load())
}

func TestValidationFailuresDoNotTripBreaker(t *testing.T) {
	// Rejected requests are healthy round trips. Only transport failures
	// and server errors count toward opening the breaker.
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 5 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":{"kind":"validation","message":"invalid task"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"task-1","revision":100,"title":"a"}`))
	}))
	defer srv.Close()

	c := api.NewHTTPClient(srv.URL, "tok", api.WithMaxRetries(0))
	for i := 0; i < 5; i++ {
		_, err := c.Update(context.Background(), models.KindTask, "task-1", models.Patch{"title": ""})
		var verr *api.ValidationError
		require.ErrorAs(t, err, &verr)
	}

	// The sixth call still reaches the server.
	rec, err := c.Fetch(context.Background(), models.KindTask, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", rec.ID)
	assert.Equal(t, int64(6), calls.Load())
}

func TestNotificationReadPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := api.NewHTTPClient(srv.URL, "tok")
	require.NoError(t, c.MarkNotificationRead(context.Background(), "n-1"))
	require.NoError(t, c.MarkAllNotificationsRead(context.Background()))

	assert.Equal(t, []string{"/api/notifications/n-1/read", "/api/notifications/read-all"}, paths)
}

func TestParseServerRecord(t *testing.T) {
	rec, err := api.ParseServerRecord([]byte(`{"id":"p-1","revision":7,"name":"Launch"}`))
	require.NoError(t, err)
	assert.Equal(t, "p-1", rec.ID)
	assert.Equal(t, models.Revision(7), rec.Revision)

	_, err = api.ParseServerRecord([]byte(`{`))
	assert.Error(t, err)
}

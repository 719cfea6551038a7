package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aeolun/storychat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return NewClient(server.URL+"/api/", "tok")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestListThreadsUnwrapsData(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chats", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []protocol.ChatThread{
				{ID: "t1", ParticipantID: "u2", UnreadCount: 3},
				{ID: "t2", ParticipantID: "u3", IsOnline: true},
			},
		})
	})
	client := newTestAPI(t, mux)

	threads, err := client.ListThreads(context.Background())
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, "t1", threads[0].ID)
	assert.Equal(t, 3, threads[0].UnreadCount)
	assert.True(t, threads[1].IsOnline)
}

func TestListMessagesBareArrayWithPage(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chats/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "t1", r.PathValue("id"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		writeJSON(w, http.StatusOK, []protocol.Message{
			{ID: "m1", ThreadID: "t1", SenderID: "u1", Content: "hi", CreatedAt: created},
		})
	})
	client := newTestAPI(t, mux)

	messages, err := client.ListMessages(context.Background(), "t1", 2)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hi", messages[0].Content)
	assert.True(t, created.Equal(messages[0].CreatedAt))
}

func TestGetThread(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chats/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, protocol.ChatThread{
			ID:          r.PathValue("id"),
			Participant: protocol.User{ID: "u2", Username: "bob"},
		})
	})
	client := newTestAPI(t, mux)

	thread, err := client.GetThread(context.Background(), "t7")
	require.NoError(t, err)
	assert.Equal(t, "t7", thread.ID)
	assert.Equal(t, "bob", thread.Participant.Username)
}

func TestRequestDecisions(t *testing.T) {
	var calls []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chats/request/{id}/{action}", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.PathValue("action")+":"+r.PathValue("id"))
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})
	mux.HandleFunc("POST /api/chats/request", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"toUserId": "u9", "preview": "hello"}, body)
		calls = append(calls, "request")
		w.WriteHeader(http.StatusCreated)
	})
	client := newTestAPI(t, mux)

	require.NoError(t, client.SendMessageRequest(context.Background(), "u9", "hello"))
	require.NoError(t, client.AcceptMessageRequest(context.Background(), "r1"))
	require.NoError(t, client.RejectMessageRequest(context.Background(), "r2"))

	assert.Equal(t, []string{"request", "accept:r1", "reject:r2"}, calls)
}

func TestProgressRoundTrip(t *testing.T) {
	var saved protocol.ReadingProgress
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/users/me/progress", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&saved))
		writeJSON(w, http.StatusOK, map[string]any{"data": saved})
	})
	mux.HandleFunc("GET /api/users/me/progress/{story}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"position": 42, "percentage": 17.5}})
	})
	client := newTestAPI(t, mux)

	require.NoError(t, client.SaveProgress(context.Background(), protocol.ReadingProgress{StoryID: "s1", Position: 42, Percentage: 17.5}))
	assert.Equal(t, protocol.ReadingProgress{StoryID: "s1", Position: 42, Percentage: 17.5}, saved)

	progress, err := client.GetProgress(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReadingProgress{StoryID: "s1", Position: 42, Percentage: 17.5}, *progress)
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{name: "server message", status: http.StatusForbidden, body: `{"message":"Not your request"}`, message: "Not your request"},
		{name: "json without message", status: http.StatusNotFound, body: `{}`, message: "HTTP error! status: 404"},
		{name: "non-json body", status: http.StatusInternalServerError, body: `<html>oops</html>`, message: "An error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/api/chats", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			client := newTestAPI(t, mux)

			_, err := client.ListThreads(context.Background())
			require.Error(t, err)

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.message, apiErr.Message)
			assert.Equal(t, tt.status, StatusCode(err))
		})
	}
}

func TestUnauthenticatedClientSendsNoHeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chats", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, []protocol.ChatThread{})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(server.URL+"/api", "")
	assert.False(t, client.Authenticated())

	threads, err := client.ListThreads(context.Background())
	require.NoError(t, err)
	assert.Empty(t, threads)
}

package devserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/mapmeet/client/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testClient struct {
	t      *testing.T
	url    string
	userId string
	token  string
}

func newTestClient(t *testing.T, server *httptest.Server, settings *Settings, userId string) *testClient {
	token, err := SignToken(settings.JwtSecret, userId, "", time.Hour)
	assert.Equal(t, nil, err)
	return &testClient{
		t:      t,
		url:    server.URL,
		userId: userId,
		token:  token,
	}
}

func (self *testClient) post(endpoint string, args any) (int, map[string]any) {
	body, err := json.Marshal(args)
	assert.Equal(self.t, nil, err)
	req, err := http.NewRequest("POST", self.url+endpoint, bytes.NewReader(body))
	assert.Equal(self.t, nil, err)
	req.Header.Set("Content-Type", "application/json")
	if self.token != "" {
		req.Header.Set("Authorization", "Bearer "+self.token)
	}
	r, err := http.DefaultClient.Do(req)
	assert.Equal(self.t, nil, err)
	defer r.Body.Close()
	responseBody, err := io.ReadAll(r.Body)
	assert.Equal(self.t, nil, err)

	result := map[string]any{}
	json.Unmarshal(responseBody, &result)
	return r.StatusCode, result
}

func (self *testClient) createUser(username string) {
	status, result := self.post("/createUser", map[string]any{
		"uid":      self.userId,
		"username": username,
	})
	assert.Equal(self.t, http.StatusOK, status)
	assert.Equal(self.t, true, result["success"])
}

func newTestServer() (*Settings, *Server, *httptest.Server) {
	settings := DefaultSettings()
	server := NewServer(settings)
	return settings, server, httptest.NewServer(server.Handler())
}

func TestAuthRequired(t *testing.T) {
	settings, _, httpServer := newTestServer()
	defer httpServer.Close()

	client := newTestClient(t, httpServer, settings, "u1")
	client.token = ""
	status, _ := client.post("/checkID", map[string]any{"uid": "u1"})
	assert.Equal(t, http.StatusUnauthorized, status)

	client.token = "not a token"
	status, _ = client.post("/checkID", map[string]any{"uid": "u1"})
	assert.Equal(t, http.StatusUnauthorized, status)

	otherToken, err := SignToken([]byte("other"), "u1", "", time.Hour)
	assert.Equal(t, nil, err)
	client.token = otherToken
	status, _ = client.post("/checkID", map[string]any{"uid": "u1"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCreateUser(t *testing.T) {
	settings, _, httpServer := newTestServer()
	defer httpServer.Close()

	a := newTestClient(t, httpServer, settings, "a")
	b := newTestClient(t, httpServer, settings, "b")

	_, result := a.post("/doesUserExist", map[string]any{"username": "alice"})
	assert.Equal(t, false, result["exists"])

	a.createUser("alice")

	_, result = a.post("/doesUserExist", map[string]any{"username": "alice"})
	assert.Equal(t, true, result["exists"])
	_, result = a.post("/checkID", map[string]any{"uid": "a"})
	assert.Equal(t, true, result["exists"])

	// taken
	status, result := b.post("/createUser", map[string]any{"uid": "b", "username": "alice"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, result["success"])

	// only as self
	status, _ = b.post("/createUser", map[string]any{"uid": "a", "username": "bob"})
	assert.Equal(t, http.StatusForbidden, status)

	status, result = a.post("/getSelf", map[string]any{"uid": "a"})
	assert.Equal(t, http.StatusOK, status)
	user := result["user"].(map[string]any)
	assert.Equal(t, "alice", user["username"])
	assert.Equal(t, "a", user["id"])

	status, _ = b.post("/getSelf", map[string]any{"uid": "b"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestFriendEndpoints(t *testing.T) {
	settings, _, httpServer := newTestServer()
	defer httpServer.Close()

	a := newTestClient(t, httpServer, settings, "a")
	b := newTestClient(t, httpServer, settings, "b")
	a.createUser("alice")
	b.createUser("bob")

	userIds := func(result map[string]any) []string {
		ids := []string{}
		for _, user := range result["users"].([]any) {
			ids = append(ids, user.(map[string]any)["id"].(string))
		}
		return ids
	}

	_, result := a.post("/addFriend", map[string]any{"uid": "a", "friend_uid": "b"})
	assert.Equal(t, true, result["success"])

	_, result = a.post("/getOutgoingFriends", map[string]any{"uid": "a"})
	assert.Equal(t, []string{"b"}, userIds(result))
	_, result = b.post("/getIncomingFriends", map[string]any{"uid": "b"})
	assert.Equal(t, []string{"a"}, userIds(result))

	// the reverse request completes the pair
	_, result = b.post("/addFriend", map[string]any{"uid": "b", "friend_uid": "a"})
	assert.Equal(t, true, result["success"])

	_, result = a.post("/getFriends", map[string]any{"uid": "a"})
	assert.Equal(t, []string{"b"}, userIds(result))
	_, result = b.post("/getFriends", map[string]any{"uid": "b"})
	assert.Equal(t, []string{"a"}, userIds(result))
	_, result = a.post("/getOutgoingFriends", map[string]any{"uid": "a"})
	assert.Equal(t, []string{}, userIds(result))
	_, result = b.post("/getIncomingFriends", map[string]any{"uid": "b"})
	assert.Equal(t, []string{}, userIds(result))

	_, result = a.post("/removeFriend", map[string]any{"uid": "a", "friend_uid": "b"})
	assert.Equal(t, true, result["success"])
	_, result = b.post("/getFriends", map[string]any{"uid": "b"})
	assert.Equal(t, []string{}, userIds(result))

	_, result = a.post("/addFriend", map[string]any{"uid": "a", "friend_uid": "nobody"})
	assert.Equal(t, false, result["success"])

	_, result = a.post("/getUsers", map[string]any{"query": "BO"})
	assert.Equal(t, []string{"b"}, userIds(result))
}

func TestDocuments(t *testing.T) {
	settings, _, httpServer := newTestServer()
	defer httpServer.Close()

	a := newTestClient(t, httpServer, settings, "a")

	_, result := a.post("/getDocument", map[string]any{"path": "events/e1"})
	assert.Equal(t, false, result["exists"])

	_, result = a.post("/setDocument", map[string]any{
		"path":   "events/e1",
		"fields": map[string]any{"name": "picnic"},
	})
	assert.Equal(t, true, result["success"])

	_, result = a.post("/getDocument", map[string]any{"path": "events/e1"})
	assert.Equal(t, true, result["exists"])
	doc := result["document"].(map[string]any)
	assert.Equal(t, "e1", doc["id"])
	assert.Equal(t, "picnic", doc["fields"].(map[string]any)["name"])

	// collection paths are not documents
	_, result = a.post("/setDocument", map[string]any{"path": "events"})
	assert.Equal(t, false, result["success"])

	_, result = a.post("/deleteDocument", map[string]any{"path": "events/e1"})
	assert.Equal(t, true, result["success"])
	// again
	_, result = a.post("/deleteDocument", map[string]any{"path": "events/e1"})
	assert.Equal(t, true, result["success"])

	_, result = a.post("/getDocument", map[string]any{"path": "events/e1"})
	assert.Equal(t, false, result["exists"])
}

func TestLikeCount(t *testing.T) {
	settings, server, httpServer := newTestServer()
	defer httpServer.Close()

	a := newTestClient(t, httpServer, settings, "a")

	a.post("/setDocument", map[string]any{
		"path":   "users/a/posts/p1",
		"fields": map[string]any{"user_id": "a", "image_url": "http://x"},
	})
	a.post("/setDocument", map[string]any{
		"path":   "users/a/posts/p1/likes/a",
		"fields": map[string]any{"user_id": "a"},
	})
	a.post("/setDocument", map[string]any{
		"path":   "users/a/posts/p1/likes/b",
		"fields": map[string]any{"user_id": "b"},
	})
	post, ok := server.documents.get("users/a/posts/p1")
	assert.Equal(t, true, ok)
	assert.Equal(t, float64(2), post.Fields.Fields["like_count"].GetNumberValue())

	a.post("/deleteDocument", map[string]any{"path": "users/a/posts/p1/likes/b"})
	post, _ = server.documents.get("users/a/posts/p1")
	assert.Equal(t, float64(1), post.Fields.Fields["like_count"].GetNumberValue())
}

func TestProfileImage(t *testing.T) {
	settings, _, httpServer := newTestServer()
	defer httpServer.Close()

	a := newTestClient(t, httpServer, settings, "a")

	req, err := http.NewRequest("PUT", httpServer.URL+"/profileImages/a", strings.NewReader("png"))
	assert.Equal(t, nil, err)
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Authorization", "Bearer "+a.token)
	r, err := http.DefaultClient.Do(req)
	assert.Equal(t, nil, err)
	result := map[string]any{}
	err = json.NewDecoder(r.Body).Decode(&result)
	r.Body.Close()
	assert.Equal(t, nil, err)
	assert.Equal(t, fmt.Sprintf("%s/profileImages/a", httpServer.URL), result["url"])

	r, err = http.Get(result["url"].(string))
	assert.Equal(t, nil, err)
	data, err := io.ReadAll(r.Body)
	r.Body.Close()
	assert.Equal(t, nil, err)
	assert.Equal(t, "png", string(data))
	assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
}

func readFrame(t *testing.T, ws *websocket.Conn) *protocol.Frame {
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := ws.ReadMessage()
	assert.Equal(t, nil, err)
	frame, err := protocol.DecodeFrame(message)
	assert.Equal(t, nil, err)
	return frame
}

func writeFrame(t *testing.T, ws *websocket.Conn, frame *protocol.Frame) {
	message, err := protocol.EncodeFrame(frame)
	assert.Equal(t, nil, err)
	err = ws.WriteMessage(websocket.TextMessage, message)
	assert.Equal(t, nil, err)
}

func TestRealtime(t *testing.T) {
	settings, _, httpServer := newTestServer()
	defer httpServer.Close()

	a := newTestClient(t, httpServer, settings, "a")
	a.post("/setDocument", map[string]any{
		"path":   "users/a/events/e1",
		"fields": map[string]any{"name": "picnic"},
	})

	realtimeUrl := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/realtime"
	ws, _, err := websocket.DefaultDialer.Dial(realtimeUrl, nil)
	assert.Equal(t, nil, err)
	defer ws.Close()

	writeFrame(t, ws, protocol.AuthFrame(a.token))
	assert.Equal(t, protocol.FrameAuthOk, readFrame(t, ws).Type)

	writeFrame(t, ws, protocol.SubscribeFrame("users/a/events"))
	frame := readFrame(t, ws)
	assert.Equal(t, protocol.FrameDiff, frame.Type)
	assert.Equal(t, true, frame.Snapshot)
	assert.Equal(t, "users/a/events", frame.Path)
	assert.Equal(t, 1, len(frame.Changes))
	assert.Equal(t, "e1", frame.Changes[0].Document.Id)

	a.post("/setDocument", map[string]any{
		"path":   "users/a/events/e2",
		"fields": map[string]any{"name": "hike"},
	})
	// not in the subscribed collection
	a.post("/setDocument", map[string]any{
		"path":   "users/b/events/e3",
		"fields": map[string]any{"name": "other"},
	})
	a.post("/setDocument", map[string]any{
		"path":   "users/a/events/e2",
		"fields": map[string]any{"name": "hike 2"},
	})
	a.post("/deleteDocument", map[string]any{"path": "users/a/events/e1"})

	expected := []struct {
		kind protocol.DiffKind
		id   string
	}{
		{protocol.DiffAdded, "e2"},
		{protocol.DiffModified, "e2"},
		{protocol.DiffRemoved, "e1"},
	}
	for _, e := range expected {
		frame := readFrame(t, ws)
		assert.Equal(t, false, frame.Snapshot)
		assert.Equal(t, 1, len(frame.Changes))
		assert.Equal(t, e.kind, frame.Changes[0].Kind)
		assert.Equal(t, e.id, frame.Changes[0].Document.Id)
	}
}

func TestRealtimeBadAuth(t *testing.T) {
	_, _, httpServer := newTestServer()
	defer httpServer.Close()

	realtimeUrl := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/realtime"
	ws, _, err := websocket.DefaultDialer.Dial(realtimeUrl, nil)
	assert.Equal(t, nil, err)
	defer ws.Close()

	writeFrame(t, ws, protocol.AuthFrame("bad"))
	assert.Equal(t, protocol.FrameError, readFrame(t, ws).Type)
}

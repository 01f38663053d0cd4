package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	gojwt "github.com/golang-jwt/jwt/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mapmeet/client/protocol"
)

// the dev server is an in-memory stand-in for the hosted backend.
// It serves the rpc endpoints, the document writes, the profile image
// storage and the realtime diff push. Nothing is persisted.

const MaxSearchResults = 20

type Settings struct {
	// HS256 secret for session tokens
	JwtSecret []byte
	// base url of the stored blobs. Empty uses the request host.
	StorageUrl string

	RealtimeAuthTimeout  time.Duration
	RealtimeWriteTimeout time.Duration
	RealtimeSendBuffer   int
}

func DefaultSettings() *Settings {
	return &Settings{
		JwtSecret:            []byte("mapmeet-dev"),
		RealtimeAuthTimeout:  5 * time.Second,
		RealtimeWriteTimeout: 5 * time.Second,
		RealtimeSendBuffer:   1024,
	}
}

// SignToken issues a session token the dev server accepts
func SignToken(secret []byte, userId string, phone string, ttl time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"user_id": userId,
		"exp":     time.Now().Add(ttl).Unix(),
	}
	if phone != "" {
		claims["phone"] = phone
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
}

type blob struct {
	contentType string
	data        []byte
}

type Server struct {
	settings  *Settings
	documents *documents

	blobsLock sync.Mutex
	blobs     map[string]*blob

	router *gin.Engine
	server *http.Server
}

func NewServer(settings *Settings) *Server {
	server := &Server{
		settings:  settings,
		documents: newDocuments(),
		blobs:     map[string]*blob{},
	}

	router := gin.New()
	router.Use(gin.Recovery())

	authed := router.Group("/", server.auth)
	authed.POST("/checkAccount", server.checkAccount)
	authed.POST("/doesUserExist", server.doesUserExist)
	authed.POST("/checkID", server.checkId)
	authed.POST("/createUser", server.createUser)
	authed.POST("/setPfp", server.setPfp)
	authed.POST("/getUsers", server.getUsers)
	authed.POST("/getSelf", server.getSelf)
	authed.POST("/getFriends", server.listUsers("friends"))
	authed.POST("/getIncomingFriends", server.listUsers("incomingFriends"))
	authed.POST("/getOutgoingFriends", server.listUsers("outgoingFriends"))
	authed.POST("/addFriend", server.addFriend)
	authed.POST("/removeFriend", server.removeFriend)
	authed.POST("/removeIncOutFriend", server.removeIncOutFriend)
	authed.POST("/setDocument", server.setDocument)
	authed.POST("/deleteDocument", server.deleteDocument)
	authed.POST("/getDocument", server.getDocument)
	authed.PUT("/profileImages/:uid", server.putProfileImage)
	// public, the url is handed out as the avatar url
	router.GET("/profileImages/:uid", server.getProfileImage)
	// the token is sent in the first frame
	router.GET("/realtime", server.realtime)

	server.router = router
	return server
}

func (self *Server) Handler() http.Handler {
	return self.router
}

// ListenAndServe serves on `addr` until `ctx` is done
func (self *Server) ListenAndServe(ctx context.Context, addr string) error {
	self.server = &http.Server{
		Addr:    addr,
		Handler: self.router,
	}

	go func() {
		<-ctx.Done()
		// try to shutdown the server gracefully (wait max 5 secs to finish pending requests)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		self.server.Shutdown(shutdownCtx)
	}()

	glog.Infof("[devserver]listen %s\n", addr)
	if err := self.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (self *Server) parseToken(token string) (string, error) {
	parsed, err := gojwt.Parse(
		token,
		func(t *gojwt.Token) (any, error) {
			return self.settings.JwtSecret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("Bad claims.")
	}
	userId, _ := claims["user_id"].(string)
	if userId == "" {
		return "", fmt.Errorf("Missing user_id.")
	}
	return userId, nil
}

func (self *Server) auth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	userId, err := self.parseToken(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Set("user_id", userId)
	c.Next()
}

func bind(c *gin.Context, v any) bool {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// the caller may only act as the token user
func requireSelf(c *gin.Context, userId string) bool {
	if userId == "" || userId != c.GetString("user_id") {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("not allowed for %s", userId)})
		return false
	}
	return true
}

func userPath(userId string) string {
	return protocol.JoinPath("users", userId)
}

func userDocumentPath(userId string, collection string, id string) string {
	return protocol.JoinPath("users", userId, collection, id)
}

func userFields(doc *protocol.Document) map[string]any {
	fields := doc.Fields.AsMap()
	if _, ok := fields["id"]; !ok {
		fields["id"] = doc.Id
	}
	return fields
}

// the public part of a user record, copied into friend documents
func publicUserFields(doc *protocol.Document) *structpb.Struct {
	fields := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	for _, key := range []string{"id", "username", "display_name", "full_name", "pfp_url"} {
		if value, ok := doc.Fields.Fields[key]; ok {
			fields.Fields[key] = value
		}
	}
	if _, ok := fields.Fields["id"]; !ok {
		fields.Fields["id"] = structpb.NewStringValue(doc.Id)
	}
	return fields
}

type userIdArgs struct {
	UserId string `json:"uid"`
}

type friendArgs struct {
	UserId   string `json:"uid"`
	FriendId string `json:"friend_uid"`
}

func (self *Server) checkAccount(c *gin.Context) {
	var args struct {
		Phone string `json:"phone"`
	}
	if !bind(c, &args) {
		return
	}
	users := self.documents.find("users", func(fields map[string]any) bool {
		phone, _ := fields["phone"].(string)
		return args.Phone != "" && phone == args.Phone
	})
	c.JSON(http.StatusOK, gin.H{"exists": 0 < len(users)})
}

func (self *Server) usernameTaken(username string) bool {
	users := self.documents.find("users", func(fields map[string]any) bool {
		existing, _ := fields["username"].(string)
		return existing == username
	})
	return 0 < len(users)
}

func (self *Server) doesUserExist(c *gin.Context) {
	var args struct {
		Username string `json:"username"`
	}
	if !bind(c, &args) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": self.usernameTaken(strings.ToLower(args.Username))})
}

func (self *Server) checkId(c *gin.Context) {
	var args userIdArgs
	if !bind(c, &args) {
		return
	}
	_, exists := self.documents.get(userPath(args.UserId))
	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

func (self *Server) createUser(c *gin.Context) {
	var args struct {
		UserId      string `json:"uid"`
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		FullName    string `json:"full_name"`
		Phone       string `json:"phone"`
	}
	if !bind(c, &args) || !requireSelf(c, args.UserId) {
		return
	}
	username := strings.ToLower(args.Username)
	if username == "" {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "empty username"})
		return
	}

	success := false
	self.documents.transact(func(tx *documentsTx) {
		for _, doc := range tx.list("users") {
			if stringField(doc.Fields, "username") == username && doc.Id != args.UserId {
				return
			}
		}
		fields, err := structpb.NewStruct(map[string]any{
			"id":           args.UserId,
			"username":     username,
			"display_name": args.DisplayName,
			"full_name":    args.FullName,
			"phone":        args.Phone,
		})
		if err != nil {
			return
		}
		tx.set(userPath(args.UserId), fields)
		success = true
	})
	if !success {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "username taken"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (self *Server) setPfp(c *gin.Context) {
	var args struct {
		UserId string `json:"uid"`
		PfpUrl string `json:"pfp_url"`
	}
	if !bind(c, &args) || !requireSelf(c, args.UserId) {
		return
	}
	if _, ok := self.documents.get(userPath(args.UserId)); !ok {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "no user"})
		return
	}
	self.documents.update(userPath(args.UserId), map[string]*structpb.Value{
		"pfp_url": structpb.NewStringValue(args.PfpUrl),
	})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (self *Server) getUsers(c *gin.Context) {
	var args struct {
		Query string `json:"query"`
	}
	if !bind(c, &args) {
		return
	}
	users := []map[string]any{}
	if args.Query != "" {
		docs := self.documents.find("users", func(fields map[string]any) bool {
			username, _ := fields["username"].(string)
			return hasPrefixFold(username, args.Query)
		})
		for _, doc := range docs {
			if MaxSearchResults <= len(users) {
				break
			}
			users = append(users, userFields(&protocol.Document{Id: doc.Id, Fields: publicUserFields(doc)}))
		}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (self *Server) getSelf(c *gin.Context) {
	var args userIdArgs
	if !bind(c, &args) || !requireSelf(c, args.UserId) {
		return
	}
	doc, ok := self.documents.get(userPath(args.UserId))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": userFields(doc)})
}

func (self *Server) listUsers(collection string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var args userIdArgs
		if !bind(c, &args) || !requireSelf(c, args.UserId) {
			return
		}
		users := []map[string]any{}
		for _, doc := range self.documents.list(protocol.JoinPath("users", args.UserId, collection)) {
			users = append(users, userFields(doc))
		}
		c.JSON(http.StatusOK, gin.H{"users": users})
	}
}

// writes the pending pair. If the other user already asked, the pair becomes friends.
func (self *Server) addFriend(c *gin.Context) {
	var args friendArgs
	if !bind(c, &args) || !requireSelf(c, args.UserId) {
		return
	}
	if args.FriendId == "" || args.FriendId == args.UserId {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "bad friend"})
		return
	}

	message := ""
	self.documents.transact(func(tx *documentsTx) {
		user, ok := tx.get(userPath(args.UserId))
		if !ok {
			message = "no user"
			return
		}
		friend, ok := tx.get(userPath(args.FriendId))
		if !ok {
			message = "no friend"
			return
		}
		if _, ok := tx.get(userDocumentPath(args.UserId, "friends", args.FriendId)); ok {
			return
		}
		if _, ok := tx.get(userDocumentPath(args.UserId, "incomingFriends", args.FriendId)); ok {
			tx.set(userDocumentPath(args.UserId, "friends", args.FriendId), publicUserFields(friend))
			tx.set(userDocumentPath(args.FriendId, "friends", args.UserId), publicUserFields(user))
			deletePending(tx, args.UserId, args.FriendId)
			return
		}
		tx.set(userDocumentPath(args.UserId, "outgoingFriends", args.FriendId), publicUserFields(friend))
		tx.set(userDocumentPath(args.FriendId, "incomingFriends", args.UserId), publicUserFields(user))
	})
	if message != "" {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func deletePending(tx *documentsTx, userId string, friendId string) {
	tx.delete(userDocumentPath(userId, "incomingFriends", friendId))
	tx.delete(userDocumentPath(userId, "outgoingFriends", friendId))
	tx.delete(userDocumentPath(friendId, "incomingFriends", userId))
	tx.delete(userDocumentPath(friendId, "outgoingFriends", userId))
}

func (self *Server) removeFriend(c *gin.Context) {
	var args friendArgs
	if !bind(c, &args) || !requireSelf(c, args.UserId) {
		return
	}
	self.documents.delete(
		userDocumentPath(args.UserId, "friends", args.FriendId),
		userDocumentPath(args.FriendId, "friends", args.UserId),
	)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (self *Server) removeIncOutFriend(c *gin.Context) {
	var args friendArgs
	if !bind(c, &args) || !requireSelf(c, args.UserId) {
		return
	}
	self.documents.transact(func(tx *documentsTx) {
		deletePending(tx, args.UserId, args.FriendId)
	})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (self *Server) setDocument(c *gin.Context) {
	var doc protocol.Document
	if !bind(c, &doc) {
		return
	}
	if !protocol.IsDocumentPath(doc.Path) {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": fmt.Sprintf("not a document path: %s", doc.Path)})
		return
	}
	self.documents.transact(func(tx *documentsTx) {
		tx.set(doc.Path, doc.Fields)
		updateLikeCount(tx, doc.Path)
	})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (self *Server) deleteDocument(c *gin.Context) {
	var args struct {
		Path string `json:"path"`
	}
	if !bind(c, &args) {
		return
	}
	if !protocol.IsDocumentPath(args.Path) {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": fmt.Sprintf("not a document path: %s", args.Path)})
		return
	}
	self.documents.transact(func(tx *documentsTx) {
		tx.delete(args.Path)
		updateLikeCount(tx, args.Path)
	})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// a write to `users/{poster}/posts/{post}/likes/{uid}` recounts the likes of the post
func updateLikeCount(tx *documentsTx, path string) {
	likesPath, _ := protocol.SplitPath(path)
	postPath, likes := protocol.SplitPath(likesPath)
	if likes != "likes" || !protocol.IsDocumentPath(postPath) {
		return
	}
	post, ok := tx.get(postPath)
	if !ok {
		return
	}
	fields := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	for key, value := range post.Fields.Fields {
		fields.Fields[key] = value
	}
	fields.Fields["like_count"] = structpb.NewNumberValue(float64(len(tx.list(likesPath))))
	tx.set(postPath, fields)
}

func (self *Server) getDocument(c *gin.Context) {
	var args struct {
		Path string `json:"path"`
	}
	if !bind(c, &args) {
		return
	}
	doc, ok := self.documents.get(args.Path)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"exists": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": true, "document": doc})
}

func (self *Server) putProfileImage(c *gin.Context) {
	userId := c.Param("uid")
	if !requireSelf(c, userId) {
		return
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil || len(data) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "empty image"})
		return
	}
	contentType := c.GetHeader("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	self.blobsLock.Lock()
	self.blobs[userId] = &blob{
		contentType: contentType,
		data:        data,
	}
	self.blobsLock.Unlock()

	storageUrl := self.settings.StorageUrl
	if storageUrl == "" {
		storageUrl = fmt.Sprintf("http://%s", c.Request.Host)
	}
	c.JSON(http.StatusOK, gin.H{"url": fmt.Sprintf("%s/profileImages/%s", strings.TrimSuffix(storageUrl, "/"), userId)})
}

func (self *Server) getProfileImage(c *gin.Context) {
	self.blobsLock.Lock()
	b, ok := self.blobs[c.Param("uid")]
	self.blobsLock.Unlock()
	if !ok {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, b.contentType, b.data)
}

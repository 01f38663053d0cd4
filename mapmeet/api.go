package mapmeet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/mapmeet/client/protocol"
)

type ApiSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
	// client side throttle for all calls. `rate.Inf` disables it.
	RequestRate  rate.Limit
	RequestBurst int
}

func DefaultApiSettings() *ApiSettings {
	return &ApiSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
		RequestRate:        rate.Inf,
		RequestBurst:       1,
	}
}

func defaultClient(settings *ApiSettings) *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   settings.HttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// results that can check their own shape after decoding
type validator interface {
	validate() error
}

// Api is the remote data gateway.
// Every call attaches a fresh bearer token from the token source.
// Async calls run on their own goroutine and deliver the result on the dispatcher.
// There are no retries. The caller decides whether to call again.
type Api struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl     string
	storageUrl string

	tokenSource TokenSource
	dispatcher  *Dispatcher

	client  *http.Client
	limiter *rate.Limiter
}

func NewApiWithDefaults(
	ctx context.Context,
	apiUrl string,
	storageUrl string,
	tokenSource TokenSource,
	dispatcher *Dispatcher,
) *Api {
	return NewApi(ctx, apiUrl, storageUrl, tokenSource, dispatcher, DefaultApiSettings())
}

// `dispatcher` may be nil, in which case async results are delivered on the request goroutine
func NewApi(
	ctx context.Context,
	apiUrl string,
	storageUrl string,
	tokenSource TokenSource,
	dispatcher *Dispatcher,
	settings *ApiSettings,
) *Api {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Api{
		ctx:         cancelCtx,
		cancel:      cancel,
		apiUrl:      strings.TrimSuffix(apiUrl, "/"),
		storageUrl:  strings.TrimSuffix(storageUrl, "/"),
		tokenSource: tokenSource,
		dispatcher:  dispatcher,
		client:      defaultClient(settings),
		limiter:     rate.NewLimiter(settings.RequestRate, settings.RequestBurst),
	}
}

func (self *Api) Close() {
	self.cancel()
}

func (self *Api) deliver(endpoint string, fn func()) {
	if self.dispatcher == nil {
		fn()
		return
	}
	if !self.dispatcher.Post(fn) {
		glog.V(LogLevelDebug).Infof("[api]%s drop completion, dispatcher closed\n", endpoint)
	}
}

func postAsync[R any](api *Api, endpoint string, args any, result R, callback apiCallback[R]) {
	go func() {
		r, err := post(api.ctx, api, endpoint, args, result)
		api.deliver(endpoint, func() {
			callback.Result(r, err)
		})
	}()
}

type CallCallback apiCallback[*json.RawMessage]

// Call posts any payload to any endpoint and returns the raw json response
func (self *Api) Call(endpoint string, payload any, callback CallCallback) {
	postAsync[*json.RawMessage](self, endpoint, payload, &json.RawMessage{}, callback)
}

func (self *Api) CallSync(endpoint string, payload any) (*json.RawMessage, error) {
	return post(self.ctx, self, endpoint, payload, &json.RawMessage{})
}

type ExistsResult struct {
	Exists bool `json:"exists"`
}

type ExistsCallback apiCallback[*ExistsResult]

type SuccessResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type SuccessCallback apiCallback[*SuccessResult]

type UserIdArgs struct {
	UserId string `json:"uid"`
}

type CheckAccountArgs struct {
	Phone string `json:"phone"`
}

// whether an account exists for a verified phone number
func (self *Api) CheckAccount(checkAccount *CheckAccountArgs, callback ExistsCallback) {
	postAsync[*ExistsResult](self, "/checkAccount", checkAccount, &ExistsResult{}, callback)
}

func (self *Api) CheckAccountSync(checkAccount *CheckAccountArgs) (*ExistsResult, error) {
	return post(self.ctx, self, "/checkAccount", checkAccount, &ExistsResult{})
}

type DoesUserExistArgs struct {
	Username string `json:"username"`
}

func (self *Api) DoesUserExist(doesUserExist *DoesUserExistArgs, callback ExistsCallback) {
	postAsync[*ExistsResult](self, "/doesUserExist", doesUserExist, &ExistsResult{}, callback)
}

func (self *Api) DoesUserExistSync(doesUserExist *DoesUserExistArgs) (*ExistsResult, error) {
	return post(self.ctx, self, "/doesUserExist", doesUserExist, &ExistsResult{})
}

// whether a user record exists for the user id
func (self *Api) CheckID(checkId *UserIdArgs, callback ExistsCallback) {
	postAsync[*ExistsResult](self, "/checkID", checkId, &ExistsResult{}, callback)
}

func (self *Api) CheckIDSync(checkId *UserIdArgs) (*ExistsResult, error) {
	return post(self.ctx, self, "/checkID", checkId, &ExistsResult{})
}

type CreateUserArgs struct {
	UserId      string `json:"uid"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	FullName    string `json:"full_name"`
	Phone       string `json:"phone,omitempty"`
}

// `success` is false when the username was taken
func (self *Api) CreateUser(createUser *CreateUserArgs, callback SuccessCallback) {
	postAsync[*SuccessResult](self, "/createUser", createUser, &SuccessResult{}, callback)
}

func (self *Api) CreateUserSync(createUser *CreateUserArgs) (*SuccessResult, error) {
	return post(self.ctx, self, "/createUser", createUser, &SuccessResult{})
}

type SetPfpArgs struct {
	UserId string `json:"uid"`
	PfpUrl string `json:"pfp_url"`
}

func (self *Api) SetPfp(setPfp *SetPfpArgs, callback SuccessCallback) {
	postAsync[*SuccessResult](self, "/setPfp", setPfp, &SuccessResult{}, callback)
}

func (self *Api) SetPfpSync(setPfp *SetPfpArgs) (*SuccessResult, error) {
	return post(self.ctx, self, "/setPfp", setPfp, &SuccessResult{})
}

type UsersResult struct {
	Users []*User `json:"users"`
}

func (self *UsersResult) validate() error {
	for _, user := range self.Users {
		if user == nil {
			return errors.Wrap(protocol.ErrMissingField, "user")
		}
		if err := user.validate(); err != nil {
			return err
		}
	}
	return nil
}

type UsersCallback apiCallback[*UsersResult]

type GetUsersArgs struct {
	// username prefix
	Query string `json:"query"`
}

func (self *Api) GetUsers(getUsers *GetUsersArgs, callback UsersCallback) {
	postAsync[*UsersResult](self, "/getUsers", getUsers, &UsersResult{}, callback)
}

func (self *Api) GetUsersSync(getUsers *GetUsersArgs) (*UsersResult, error) {
	return post(self.ctx, self, "/getUsers", getUsers, &UsersResult{})
}

func (self *Api) GetFriends(getFriends *UserIdArgs, callback UsersCallback) {
	postAsync[*UsersResult](self, "/getFriends", getFriends, &UsersResult{}, callback)
}

func (self *Api) GetFriendsSync(getFriends *UserIdArgs) (*UsersResult, error) {
	return post(self.ctx, self, "/getFriends", getFriends, &UsersResult{})
}

func (self *Api) GetIncomingFriends(getIncomingFriends *UserIdArgs, callback UsersCallback) {
	postAsync[*UsersResult](self, "/getIncomingFriends", getIncomingFriends, &UsersResult{}, callback)
}

func (self *Api) GetIncomingFriendsSync(getIncomingFriends *UserIdArgs) (*UsersResult, error) {
	return post(self.ctx, self, "/getIncomingFriends", getIncomingFriends, &UsersResult{})
}

func (self *Api) GetOutgoingFriends(getOutgoingFriends *UserIdArgs, callback UsersCallback) {
	postAsync[*UsersResult](self, "/getOutgoingFriends", getOutgoingFriends, &UsersResult{}, callback)
}

func (self *Api) GetOutgoingFriendsSync(getOutgoingFriends *UserIdArgs) (*UsersResult, error) {
	return post(self.ctx, self, "/getOutgoingFriends", getOutgoingFriends, &UsersResult{})
}

type UserResult struct {
	User *User `json:"user"`
}

func (self *UserResult) validate() error {
	if self.User == nil {
		return errors.Wrap(protocol.ErrMissingField, "user")
	}
	return self.User.validate()
}

type UserCallback apiCallback[*UserResult]

func (self *Api) GetSelf(getSelf *UserIdArgs, callback UserCallback) {
	postAsync[*UserResult](self, "/getSelf", getSelf, &UserResult{}, callback)
}

func (self *Api) GetSelfSync(getSelf *UserIdArgs) (*UserResult, error) {
	return post(self.ctx, self, "/getSelf", getSelf, &UserResult{})
}

type FriendArgs struct {
	UserId   string `json:"uid"`
	FriendId string `json:"friend_uid"`
}

// writes the pending pair `users/{uid}/outgoingFriends/{friend_uid}` and
// `users/{friend_uid}/incomingFriends/{uid}`
func (self *Api) AddFriend(addFriend *FriendArgs, callback SuccessCallback) {
	postAsync[*SuccessResult](self, "/addFriend", addFriend, &SuccessResult{}, callback)
}

func (self *Api) AddFriendSync(addFriend *FriendArgs) (*SuccessResult, error) {
	return post(self.ctx, self, "/addFriend", addFriend, &SuccessResult{})
}

// deletes the friend documents on both sides
func (self *Api) RemoveFriend(removeFriend *FriendArgs, callback SuccessCallback) {
	postAsync[*SuccessResult](self, "/removeFriend", removeFriend, &SuccessResult{}, callback)
}

func (self *Api) RemoveFriendSync(removeFriend *FriendArgs) (*SuccessResult, error) {
	return post(self.ctx, self, "/removeFriend", removeFriend, &SuccessResult{})
}

// deletes the pending request documents in both directions on both sides
func (self *Api) RemoveIncOutFriend(removeIncOutFriend *FriendArgs, callback SuccessCallback) {
	postAsync[*SuccessResult](self, "/removeIncOutFriend", removeIncOutFriend, &SuccessResult{}, callback)
}

func (self *Api) RemoveIncOutFriendSync(removeIncOutFriend *FriendArgs) (*SuccessResult, error) {
	return post(self.ctx, self, "/removeIncOutFriend", removeIncOutFriend, &SuccessResult{})
}

// document database

func (self *Api) SetDocument(doc *protocol.Document, callback SuccessCallback) {
	postAsync[*SuccessResult](self, "/setDocument", doc, &SuccessResult{}, callback)
}

func (self *Api) SetDocumentSync(doc *protocol.Document) (*SuccessResult, error) {
	return post(self.ctx, self, "/setDocument", doc, &SuccessResult{})
}

type DeleteDocumentArgs struct {
	Path string `json:"path"`
}

// deleting a missing document succeeds
func (self *Api) DeleteDocument(deleteDocument *DeleteDocumentArgs, callback SuccessCallback) {
	postAsync[*SuccessResult](self, "/deleteDocument", deleteDocument, &SuccessResult{}, callback)
}

func (self *Api) DeleteDocumentSync(deleteDocument *DeleteDocumentArgs) (*SuccessResult, error) {
	return post(self.ctx, self, "/deleteDocument", deleteDocument, &SuccessResult{})
}

type GetDocumentArgs struct {
	Path string `json:"path"`
}

type GetDocumentResult struct {
	Exists   bool               `json:"exists"`
	Document *protocol.Document `json:"document,omitempty"`
}

func (self *GetDocumentResult) validate() error {
	if self.Exists && self.Document == nil {
		return errors.Wrap(protocol.ErrMissingField, "document")
	}
	return nil
}

type GetDocumentCallback apiCallback[*GetDocumentResult]

// a missing document fails with `ErrNotFound`
func (self *Api) GetDocument(getDocument *GetDocumentArgs, callback GetDocumentCallback) {
	postAsync[*GetDocumentResult](self, "/getDocument", getDocument, &GetDocumentResult{}, NewApiCallback(
		func(result *GetDocumentResult, err error) {
			if err == nil && !result.Exists {
				err = newGatewayError(ErrNotFound, "/getDocument", errors.New(getDocument.Path))
			}
			callback.Result(result, err)
		},
	))
}

func (self *Api) GetDocumentSync(getDocument *GetDocumentArgs) (*GetDocumentResult, error) {
	result, err := post(self.ctx, self, "/getDocument", getDocument, &GetDocumentResult{})
	if err == nil && !result.Exists {
		err = newGatewayError(ErrNotFound, "/getDocument", errors.New(getDocument.Path))
	}
	return result, err
}

// blob storage

type UploadResult struct {
	Url string `json:"url"`
}

func (self *UploadResult) validate() error {
	if self.Url == "" {
		return errors.Wrap(protocol.ErrMissingField, "url")
	}
	return nil
}

type UploadCallback apiCallback[*UploadResult]

type UploadProfileImageArgs struct {
	UserId      string
	ContentType string
	Data        []byte
}

// one object per user, keyed by the user id. Uploading again replaces it.
func (self *Api) UploadProfileImage(upload *UploadProfileImageArgs, callback UploadCallback) {
	go func() {
		result, err := self.UploadProfileImageSync(upload)
		self.deliver("/profileImages", func() {
			callback.Result(result, err)
		})
	}()
}

func (self *Api) UploadProfileImageSync(upload *UploadProfileImageArgs) (*UploadResult, error) {
	endpoint := "/profileImages"
	token, err := self.token(self.ctx, endpoint)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/profileImages/%s", self.storageUrl, upload.UserId)
	result := &UploadResult{}
	err = self.send(self.ctx, "PUT", url, endpoint, token, upload.ContentType, upload.Data, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (self *Api) token(ctx context.Context, endpoint string) (string, error) {
	if self.tokenSource == nil {
		return "", newGatewayError(ErrAuthUnavailable, endpoint, nil)
	}
	token, err := self.tokenSource.Token(ctx)
	if err != nil {
		return "", newGatewayError(ErrAuthUnavailable, endpoint, err)
	}
	if token == "" {
		return "", newGatewayError(ErrAuthUnavailable, endpoint, nil)
	}
	return token, nil
}

func post[R any](ctx context.Context, api *Api, endpoint string, args any, result R) (R, error) {
	var empty R

	token, err := api.token(ctx, endpoint)
	if err != nil {
		return empty, err
	}

	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = []byte("{}")
	} else {
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			return empty, newGatewayError(ErrEncodingFailed, endpoint, err)
		}
	}

	err = api.send(ctx, "POST", api.apiUrl+endpoint, endpoint, token, "application/json", requestBodyBytes, result)
	if err != nil {
		return empty, err
	}
	return result, nil
}

func (self *Api) send(
	ctx context.Context,
	method string,
	url string,
	endpoint string,
	token string,
	contentType string,
	requestBodyBytes []byte,
	result any,
) error {
	if err := self.limiter.Wait(ctx); err != nil {
		return newGatewayError(ErrTransportFailed, endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return newGatewayError(ErrTransportFailed, endpoint, err)
	}

	req.Header.Add("Content-Type", contentType)
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))

	glog.V(LogLevelTrace).Infof("[api]%s %s\n", method, endpoint)

	r, err := self.client.Do(req)
	if err != nil {
		return newGatewayError(ErrTransportFailed, endpoint, err)
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return newGatewayError(ErrTransportFailed, endpoint, err)
	}

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		gatewayErr := newGatewayError(ErrDecodingFailed, endpoint, errors.New(strings.TrimSpace(string(responseBodyBytes))))
		gatewayErr.Status = r.StatusCode
		return gatewayErr
	}

	if err := json.Unmarshal(responseBodyBytes, result); err != nil {
		return newGatewayError(ErrDecodingFailed, endpoint, err)
	}
	if v, ok := result.(validator); ok {
		if err := v.validate(); err != nil {
			return newGatewayError(ErrDecodingFailed, endpoint, err)
		}
	}
	return nil
}

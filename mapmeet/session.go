package mapmeet

import (
	"context"
	"sync"
	"time"
)

var sessionLog = LogFn(LogLevelDebug, "session")

type SessionSettings struct {
	ApiUrl      string
	RealtimeUrl string
	StorageUrl  string

	ApiSettings      *ApiSettings
	ListenerSettings *ListenerSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ApiSettings:      DefaultApiSettings(),
		ListenerSettings: DefaultListenerSettings(),
	}
}

// Session owns everything of one signed in user: the dispatcher, the gateway,
// the listener, the store and the feed. Signing out is `Close`. A new sign in
// is a new session, so nothing of the previous user carries over.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	userId string

	dispatcher *Dispatcher
	api        *Api
	listener   *Listener
	store      *Store
	feed       *Feed

	stateLock            sync.Mutex
	started              bool
	subscriptions        []Subscription
	commentSubscriptions map[postKey]Subscription
}

// the user id is read from the session token
func NewSession(ctx context.Context, settings *SessionSettings, tokenSource TokenSource) (*Session, error) {
	token, err := tokenSource.Token(ctx)
	if err != nil {
		return nil, err
	}
	claims, err := ParseSessionClaims(token)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	dispatcher := NewDispatcher(cancelCtx)
	api := NewApi(cancelCtx, settings.ApiUrl, settings.StorageUrl, tokenSource, dispatcher, settings.ApiSettings)
	listener := NewListener(cancelCtx, settings.RealtimeUrl, tokenSource, dispatcher, settings.ListenerSettings)
	store := NewStore(api, claims.UserId)
	feed := NewFeed(store)

	sessionLog("new %s", claims.UserId)

	return &Session{
		ctx:                  cancelCtx,
		cancel:               cancel,
		userId:               claims.UserId,
		dispatcher:           dispatcher,
		api:                  api,
		listener:             listener,
		store:                store,
		feed:                 feed,
		commentSubscriptions: map[postKey]Subscription{},
	}, nil
}

func (self *Session) UserId() string {
	return self.userId
}

func (self *Session) Dispatcher() *Dispatcher {
	return self.dispatcher
}

func (self *Session) Api() *Api {
	return self.api
}

func (self *Session) Listener() *Listener {
	return self.listener
}

func (self *Session) Store() *Store {
	return self.store
}

func (self *Session) Feed() *Feed {
	return self.feed
}

// Start subscribes the user's collections and loads the user record.
// Calling it again has no effect.
func (self *Session) Start() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.started {
		return
	}
	self.started = true

	for _, collection := range StoreCollections {
		collection := collection
		subscription := self.listener.Subscribe(collection.Path(self.userId), func(diff *Diff) {
			self.store.ApplyDiff(collection, diff)
		})
		self.subscriptions = append(self.subscriptions, subscription)
	}
	feedSubscription := self.listener.Subscribe(CollectionFeed.Path(self.userId), func(diff *Diff) {
		self.feed.ApplyDiff(diff)
	})
	self.subscriptions = append(self.subscriptions, feedSubscription)

	self.dispatcher.Post(func() {
		self.store.LoadSelf(nil)
	})
}

// SubscribeComments follows the comments of one post until `UnsubscribeComments`
func (self *Session) SubscribeComments(posterId string, postId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := postKey{posterId: posterId, postId: postId}
	if _, ok := self.commentSubscriptions[key]; ok {
		return
	}
	self.commentSubscriptions[key] = self.listener.Subscribe(CommentsPath(posterId, postId), func(diff *Diff) {
		self.feed.ApplyCommentDiff(posterId, postId, diff)
	})
}

func (self *Session) UnsubscribeComments(posterId string, postId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := postKey{posterId: posterId, postId: postId}
	if subscription, ok := self.commentSubscriptions[key]; ok {
		subscription.Close()
		delete(self.commentSubscriptions, key)
	}
}

// BindPins keeps `surface` in step with the store's events.
// Returns a function that stops the updates and clears the surface.
func (self *Session) BindPins(surface PinSurface, onSelect PinSelectFunction) func() {
	renderer := NewPinRenderer(surface, onSelect)
	var removeCallback func()
	self.dispatcher.Post(func() {
		renderer.Render(self.store.Pins())
		removeCallback = self.store.AddChangeCallback(func(collection Collection) {
			switch collection {
			case CollectionEvents, CollectionIncomingEvents:
				renderer.Render(self.store.Pins())
			}
		})
	})
	return func() {
		self.dispatcher.Post(func() {
			if removeCallback != nil {
				removeCallback()
			}
			renderer.Clear()
		})
	}
}

// WaitSynced blocks until every subscription of the session has its first snapshot
func (self *Session) WaitSynced(ctx context.Context) error {
	for {
		synced := false
		if !self.dispatcher.Sync(func() {
			synced = self.listener.Synced()
		}) {
			return ErrSessionClosed
		}
		if synced {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Post runs `fn` on the session dispatcher
func (self *Session) Post(fn func()) bool {
	return self.dispatcher.Post(fn)
}

// Sync runs `fn` on the session dispatcher and waits for it.
// Must not be called from the dispatcher goroutine.
func (self *Session) Sync(fn func()) bool {
	return self.dispatcher.Sync(fn)
}

// Close signs out. Completions of actions still in flight are dropped.
// Must not be called from the dispatcher goroutine, use `CloseAsync` there.
func (self *Session) Close() {
	self.store.markClosed()

	self.stateLock.Lock()
	for _, subscription := range self.subscriptions {
		subscription.Close()
	}
	self.subscriptions = nil
	for key, subscription := range self.commentSubscriptions {
		subscription.Close()
		delete(self.commentSubscriptions, key)
	}
	self.stateLock.Unlock()

	self.listener.Close()
	self.api.Close()
	self.dispatcher.Sync(func() {
		self.feed.Close()
		self.store.Close()
	})
	self.dispatcher.Close()
	self.cancel()

	sessionLog("closed %s", self.userId)
}

func (self *Session) CloseAsync() {
	go self.Close()
}

package mapmeet

import (
	"sort"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mapmeet/client/protocol"
)

type Collection string

const (
	CollectionSelf            Collection = "self"
	CollectionFriends         Collection = "friends"
	CollectionIncomingFriends Collection = "incomingFriends"
	CollectionOutgoingFriends Collection = "outgoingFriends"
	CollectionEvents          Collection = "events"
	CollectionIncomingEvents  Collection = "incomingEvents"
	CollectionFeed            Collection = "feed"
	CollectionComments        Collection = "comments"
)

// the collections a session subscribes for the store
var StoreCollections = []Collection{
	CollectionSelf,
	CollectionFriends,
	CollectionIncomingFriends,
	CollectionOutgoingFriends,
	CollectionEvents,
	CollectionIncomingEvents,
}

// the listener path of the collection for a user
func (self Collection) Path(userId string) string {
	if self == CollectionSelf {
		return UserPath(userId)
	}
	return UserCollectionPath(userId, self)
}

type ChangeFunction func(collection Collection)

type ActionCallback func(err error)

func NewBlockingActionCallback() (ActionCallback, chan error) {
	c := make(chan error, 1)
	return func(err error) {
		c <- err
	}, c
}

// Store is the local state of one session: the current user, the friend graph
// and the events. It is rebuilt from listener diffs and mutated only through
// its own methods, which write through the gateway.
//
// Except for `AddChangeCallback`, all methods must be called on the session dispatcher.
// Snapshots returned by the store are copies.
//
// Multi document actions are not transactional. A failure part way leaves the
// documents already written in place, and the listener diffs show the partial state.
type Store struct {
	api    *Api
	userId string

	closed atomic.Bool

	self            *User
	friends         map[string]*User
	incomingFriends map[string]*User
	outgoingFriends map[string]*User
	events          map[string]*Event
	incomingEvents  map[string]*Event

	changeCallbacks *CallbackList[ChangeFunction]
}

func NewStore(api *Api, userId string) *Store {
	return &Store{
		api:             api,
		userId:          userId,
		friends:         map[string]*User{},
		incomingFriends: map[string]*User{},
		outgoingFriends: map[string]*User{},
		events:          map[string]*Event{},
		incomingEvents:  map[string]*Event{},
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

func (self *Store) UserId() string {
	return self.userId
}

// `changeCallback` runs on the dispatcher after each applied diff.
// Returns a function that removes the callback.
func (self *Store) AddChangeCallback(changeCallback ChangeFunction) func() {
	return self.changeCallbacks.Add(changeCallback)
}

func (self *Store) notify(collection Collection) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(collection)
	}
}

// completions of actions started before the close are dropped
func (self *Store) markClosed() {
	self.closed.Store(true)
}

func (self *Store) Closed() bool {
	return self.closed.Load()
}

func (self *Store) Close() {
	self.markClosed()
	self.self = nil
	self.friends = map[string]*User{}
	self.incomingFriends = map[string]*User{}
	self.outgoingFriends = map[string]*User{}
	self.events = map[string]*Event{}
	self.incomingEvents = map[string]*Event{}
	self.changeCallbacks.Clear()
}

// ApplyDiff integrates one diff for `collection`.
// Added and modified upsert by id, removed deletes by id (a missing id is a no-op).
// A document that does not decode leaves the state unchanged and is reported.
func (self *Store) ApplyDiff(collection Collection, diff *Diff) error {
	if self.closed.Load() {
		return ErrSessionClosed
	}
	if diff == nil || diff.Document == nil {
		return errors.Wrap(ErrInvalid, "empty diff")
	}

	var err error
	switch collection {
	case CollectionSelf:
		switch diff.Kind {
		case protocol.DiffRemoved:
			self.self = nil
		case protocol.DiffAdded, protocol.DiffModified:
			var user *User
			user, err = UserFromDocument(diff.Document)
			if err == nil {
				self.self = user
			}
		default:
			err = errors.Wrapf(ErrInvalid, "diff kind %q", diff.Kind)
		}
	case CollectionFriends:
		err = applyDiff(self.friends, diff, UserFromDocument)
	case CollectionIncomingFriends:
		err = applyDiff(self.incomingFriends, diff, UserFromDocument)
	case CollectionOutgoingFriends:
		err = applyDiff(self.outgoingFriends, diff, UserFromDocument)
	case CollectionEvents:
		err = applyDiff(self.events, diff, EventFromDocument)
	case CollectionIncomingEvents:
		err = applyDiff(self.incomingEvents, diff, EventFromDocument)
	default:
		err = errors.Wrapf(ErrInvalid, "collection %q", collection)
	}
	if err != nil {
		glog.Infof("[store]%s %s error = %s\n", collection, diff, err)
		return err
	}
	glog.V(LogLevelDebug).Infof("[store]%s %s\n", collection, diff)

	if collection == CollectionEvents || collection == CollectionIncomingEvents {
		id := diff.Document.Id
		_, inEvents := self.events[id]
		_, inIncomingEvents := self.incomingEvents[id]
		if inEvents && inIncomingEvents {
			// joining moves the event, so this is a join in progress or a partial write
			glog.Infof("[store]event %s is in both events and incoming events\n", id)
		}
	}

	self.notify(collection)
	return nil
}

func applyDiff[T any](m map[string]T, diff *Diff, decode func(*protocol.Document) (T, error)) error {
	switch diff.Kind {
	case protocol.DiffRemoved:
		delete(m, diff.Document.Id)
		return nil
	case protocol.DiffAdded, protocol.DiffModified:
		v, err := decode(diff.Document)
		if err != nil {
			return err
		}
		m[diff.Document.Id] = v
		return nil
	default:
		return errors.Wrapf(ErrInvalid, "diff kind %q", diff.Kind)
	}
}

// snapshots

func (self *Store) Self() *User {
	if self.self == nil {
		return nil
	}
	return self.self.Clone()
}

func (self *Store) Friends() []*User {
	return sortedUsers(self.friends)
}

func (self *Store) IncomingFriends() []*User {
	return sortedUsers(self.incomingFriends)
}

func (self *Store) OutgoingFriends() []*User {
	return sortedUsers(self.outgoingFriends)
}

func sortedUsers(m map[string]*User) []*User {
	users := make([]*User, 0, len(m))
	for _, user := range m {
		users = append(users, user.Clone())
	}
	sort.Slice(users, func(i int, j int) bool {
		if users[i].Username != users[j].Username {
			return users[i].Username < users[j].Username
		}
		return users[i].Id < users[j].Id
	})
	return users
}

func (self *Store) FriendState(userId string) EdgeState {
	if _, ok := self.friends[userId]; ok {
		return EdgeFriend
	}
	if _, ok := self.incomingFriends[userId]; ok {
		return EdgeIncoming
	}
	if _, ok := self.outgoingFriends[userId]; ok {
		return EdgeOutgoing
	}
	return EdgeNone
}

func (self *Store) Events() map[string]*Event {
	return cloneEvents(self.events)
}

func (self *Store) IncomingEvents() map[string]*Event {
	return cloneEvents(self.incomingEvents)
}

func cloneEvents(m map[string]*Event) map[string]*Event {
	events := make(map[string]*Event, len(m))
	for id, event := range m {
		events[id] = event.Clone()
	}
	return events
}

// joined and owned events, then invitations, each ordered by start time
func (self *Store) EventList() (events []*Event, incomingEvents []*Event) {
	return sortedEvents(self.events), sortedEvents(self.incomingEvents)
}

func sortedEvents(m map[string]*Event) []*Event {
	events := make([]*Event, 0, len(m))
	for _, event := range m {
		events = append(events, event.Clone())
	}
	sort.Slice(events, func(i int, j int) bool {
		if events[i].Time != events[j].Time {
			return events[i].Time < events[j].Time
		}
		return events[i].Id < events[j].Id
	})
	return events
}

func (self *Store) Event(eventId string) (*Event, bool) {
	if event, ok := self.incomingEvents[eventId]; ok {
		return event.Clone(), true
	}
	if event, ok := self.events[eventId]; ok {
		return event.Clone(), true
	}
	return nil, false
}

func (self *Store) Pins() map[string]Pin {
	return RecomputePins(self.events, self.incomingEvents)
}

// actions

func (self *Store) complete(name string, callback ActionCallback) func(err error) {
	return func(err error) {
		if self.closed.Load() {
			glog.V(LogLevelDebug).Infof("[store]%s completion dropped, session closed\n", name)
			return
		}
		if err != nil {
			glog.Infof("[store]%s error = %s\n", name, err)
		} else {
			glog.V(LogLevelDebug).Infof("[store]%s done\n", name)
		}
		if callback != nil {
			callback(err)
		}
	}
}

func (self *Store) guard(s step) step {
	return func(done func(err error)) {
		if self.closed.Load() {
			done(ErrSessionClosed)
			return
		}
		s(done)
	}
}

func successError(result *SuccessResult, err error, what string) error {
	if err != nil {
		return err
	}
	if !result.Success {
		return errors.Wrapf(ErrRejected, "%s: %s", what, result.Message)
	}
	return nil
}

type fieldsRecord interface {
	Fields() (*structpb.Struct, error)
}

func (self *Store) setStep(path string, record fieldsRecord) step {
	return self.guard(func(done func(err error)) {
		fields, err := record.Fields()
		if err != nil {
			done(errors.Wrapf(ErrEncodingFailed, "%s: %s", path, err))
			return
		}
		glog.V(LogLevelDebug).Infof("[store]set %s\n", path)
		self.api.SetDocument(protocol.NewDocument(path, fields), NewApiCallback(func(result *SuccessResult, err error) {
			done(successError(result, err, path))
		}))
	})
}

func (self *Store) deleteStep(path string) step {
	return self.guard(func(done func(err error)) {
		glog.V(LogLevelDebug).Infof("[store]delete %s\n", path)
		self.api.DeleteDocument(&DeleteDocumentArgs{Path: path}, NewApiCallback(func(result *SuccessResult, err error) {
			done(successError(result, err, path))
		}))
	})
}

func (self *Store) friendStep(endpoint func(*FriendArgs, SuccessCallback), friendId string) step {
	return self.guard(func(done func(err error)) {
		args := &FriendArgs{
			UserId:   self.userId,
			FriendId: friendId,
		}
		endpoint(args, NewApiCallback(func(result *SuccessResult, err error) {
			done(successError(result, err, friendId))
		}))
	})
}

func (self *Store) loadSelfStep() step {
	return func(done func(err error)) {
		if self.self != nil {
			done(nil)
			return
		}
		self.LoadSelf(ActionCallback(done))
	}
}

// LoadSelf fetches the current user's record.
// Without a user id, or on any failure, the prior state is kept.
func (self *Store) LoadSelf(callback ActionCallback) {
	complete := self.complete("load self", callback)
	if self.userId == "" {
		complete(errors.Wrap(ErrAuthUnavailable, "no user id"))
		return
	}
	self.guard(func(done func(err error)) {
		self.api.GetSelf(&UserIdArgs{UserId: self.userId}, NewApiCallback(func(result *UserResult, err error) {
			if err != nil {
				done(err)
				return
			}
			if self.closed.Load() {
				done(ErrSessionClosed)
				return
			}
			self.self = result.User
			self.notify(CollectionSelf)
			done(nil)
		}))
	})(complete)
}

// CreateEvent writes `events/{id}`, then a copy into the incoming events of each
// invitee, then the owner's copy. `callback` runs after the owner's copy is written.
// Invitee copies are best effort: a failed copy is logged and not retried.
func (self *Store) CreateEvent(newEvent *NewEvent, callback ActionCallback) (string, error) {
	if newEvent.Name == "" {
		return "", errors.Wrap(ErrInvalid, "event name")
	}
	if _, err := DecodeCoordinate(EncodeCoordinate(newEvent.Coordinate)); err != nil {
		return "", err
	}

	eventId := NewDocumentId()
	invited := []string{}
	seen := map[string]bool{self.userId: true}
	for _, inviteeId := range newEvent.Invited {
		if !seen[inviteeId] {
			seen[inviteeId] = true
			invited = append(invited, inviteeId)
		}
	}
	event := &Event{
		Id:         eventId,
		Name:       newEvent.Name,
		Address:    newEvent.Address,
		OwnerId:    self.userId,
		Coordinate: EncodeCoordinate(newEvent.Coordinate),
		Time:       newEvent.Time.Unix(),
		Invited:    invited,
		Attending:  []string{self.userId},
	}

	fanOut := func(done func(err error)) {
		steps := []step{}
		for _, inviteeId := range invited {
			steps = append(steps, self.setStep(UserDocumentPath(inviteeId, CollectionIncomingEvents, eventId), event))
		}
		runAll(steps, func(errs []error) {
			for _, err := range errs {
				glog.Infof("[store]create event %s fan-out dropped = %s\n", eventId, err)
			}
			done(nil)
		})
	}

	runSequence(
		[]step{
			self.setStep(EventPath(eventId), event),
			fanOut,
			self.setStep(UserDocumentPath(self.userId, CollectionEvents, eventId), event),
		},
		self.complete("create event "+eventId, callback),
	)
	return eventId, nil
}

// JoinEvent moves an invitation into the user's events.
// The user's events copy is written before the invitation is deleted.
// Joining again after a partial join finishes the move.
func (self *Store) JoinEvent(eventId string, callback ActionCallback) {
	complete := self.complete("join event "+eventId, callback)
	event, joined := self.events[eventId]
	invitation, invited := self.incomingEvents[eventId]

	invitationPath := UserDocumentPath(self.userId, CollectionIncomingEvents, eventId)
	removeInvitation := func(done func(err error)) {
		if !self.closed.Load() {
			self.ApplyDiff(CollectionIncomingEvents, &Diff{
				Kind:     protocol.DiffRemoved,
				Document: &protocol.Document{Path: invitationPath, Id: eventId},
			})
		}
		done(nil)
	}

	switch {
	case joined && invited:
		attending := event.Clone()
		if !attending.IsAttending(self.userId) {
			attending.Attending = append(attending.Attending, self.userId)
		}
		runSequence(
			[]step{
				self.deleteStep(invitationPath),
				removeInvitation,
				self.setStep(EventPath(eventId), attending),
			},
			complete,
		)
	case joined:
		complete(nil)
	case invited:
		attending := invitation.Clone()
		if !attending.IsAttending(self.userId) {
			attending.Attending = append(attending.Attending, self.userId)
		}
		runSequence(
			[]step{
				self.setStep(UserDocumentPath(self.userId, CollectionEvents, eventId), attending),
				self.deleteStep(invitationPath),
				// last write wins on the attending list
				self.setStep(EventPath(eventId), attending),
			},
			complete,
		)
	default:
		complete(errors.Wrapf(ErrNotFound, "invitation %s", eventId))
	}
}

// LeaveEvent deletes the event from whichever of the user's collections holds it.
// The pin goes away with the local removal, without waiting for the listener.
func (self *Store) LeaveEvent(eventId string, callback ActionCallback) {
	complete := self.complete("leave event "+eventId, callback)

	collections := []Collection{}
	if _, ok := self.events[eventId]; ok {
		collections = append(collections, CollectionEvents)
	}
	if _, ok := self.incomingEvents[eventId]; ok {
		collections = append(collections, CollectionIncomingEvents)
	}
	if len(collections) == 0 {
		complete(errors.Wrapf(ErrNotFound, "event %s", eventId))
		return
	}

	steps := []step{}
	for _, collection := range collections {
		steps = append(steps, self.deleteStep(UserDocumentPath(self.userId, collection, eventId)))
	}
	runSequence(steps, func(err error) {
		if err == nil && !self.closed.Load() {
			for _, collection := range collections {
				path := UserDocumentPath(self.userId, collection, eventId)
				self.ApplyDiff(collection, &Diff{
					Kind:     protocol.DiffRemoved,
					Document: &protocol.Document{Path: path, Id: eventId},
				})
			}
		}
		complete(err)
	})
}

// AddFriendRequest sends a request to `friendId`.
// If `friendId` already sent a request to the user, this accepts it instead,
// so mutual requests end as friends.
func (self *Store) AddFriendRequest(friendId string, callback ActionCallback) {
	complete := self.complete("add friend "+friendId, callback)
	if friendId == "" || friendId == self.userId {
		complete(errors.Wrapf(ErrInvalid, "friend %q", friendId))
		return
	}

	switch self.FriendState(friendId) {
	case EdgeFriend, EdgeOutgoing:
		complete(nil)
	case EdgeIncoming:
		self.AcceptFriendRequest(friendId, callback)
	default:
		runSequence(
			[]step{
				self.friendStep(self.api.AddFriend, friendId),
			},
			complete,
		)
	}
}

// AcceptFriendRequest writes the friend documents on both sides, then deletes
// the pending request documents.
func (self *Store) AcceptFriendRequest(friendId string, callback ActionCallback) {
	complete := self.complete("accept friend "+friendId, callback)
	requester, ok := self.incomingFriends[friendId]
	if !ok {
		complete(errors.Wrapf(ErrNotFound, "friend request %s", friendId))
		return
	}
	requester = requester.Clone()

	selfFriendStep := self.guard(func(done func(err error)) {
		if self.self == nil {
			done(errors.Wrap(ErrNotFound, "self"))
			return
		}
		self.setStep(UserDocumentPath(friendId, CollectionFriends, self.userId), self.self.Clone())(done)
	})

	runSequence(
		[]step{
			self.loadSelfStep(),
			self.setStep(UserDocumentPath(self.userId, CollectionFriends, friendId), requester),
			selfFriendStep,
			self.friendStep(self.api.RemoveIncOutFriend, friendId),
		},
		complete,
	)
}

// RemoveFriendEdge removes the friend documents and any pending requests
// between the user and `friendId`, on both sides.
func (self *Store) RemoveFriendEdge(friendId string, callback ActionCallback) {
	complete := self.complete("remove friend "+friendId, callback)
	if friendId == "" || friendId == self.userId {
		complete(errors.Wrapf(ErrInvalid, "friend %q", friendId))
		return
	}

	runSequence(
		[]step{
			self.friendStep(self.api.RemoveFriend, friendId),
			self.friendStep(self.api.RemoveIncOutFriend, friendId),
		},
		complete,
	)
}

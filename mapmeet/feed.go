package mapmeet

import (
	"sort"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mapmeet/client/protocol"
)

type Like struct {
	UserId string `json:"user_id"`
	Time   int64  `json:"time"`
}

func (self *Like) Fields() (*structpb.Struct, error) {
	return protocol.EncodeFields(self)
}

type postKey struct {
	posterId string
	postId   string
}

// Feed holds the posts shared with the user and the comments of the posts
// the user opened. Writes go through the store, so they share its session guard.
// Must be used on the dispatcher.
type Feed struct {
	store *Store
	now   func() time.Time

	posts    map[string]*Post
	comments map[postKey]map[string]*Comment

	changeCallbacks *CallbackList[ChangeFunction]
}

func NewFeed(store *Store) *Feed {
	return &Feed{
		store:           store,
		now:             time.Now,
		posts:           map[string]*Post{},
		comments:        map[postKey]map[string]*Comment{},
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

func (self *Feed) AddChangeCallback(changeCallback ChangeFunction) func() {
	return self.changeCallbacks.Add(changeCallback)
}

func (self *Feed) notify(collection Collection) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(collection)
	}
}

func (self *Feed) Close() {
	self.posts = map[string]*Post{}
	self.comments = map[postKey]map[string]*Comment{}
	self.changeCallbacks.Clear()
}

// ApplyDiff integrates one diff of `users/{uid}/feed`
func (self *Feed) ApplyDiff(diff *Diff) error {
	if self.store.Closed() {
		return ErrSessionClosed
	}
	if diff == nil || diff.Document == nil {
		return errors.Wrap(ErrInvalid, "empty diff")
	}
	if err := applyDiff(self.posts, diff, PostFromDocument); err != nil {
		glog.Infof("[feed]%s error = %s\n", diff, err)
		return err
	}
	self.notify(CollectionFeed)
	return nil
}

// ApplyCommentDiff integrates one diff of the comments of a post
func (self *Feed) ApplyCommentDiff(posterId string, postId string, diff *Diff) error {
	if self.store.Closed() {
		return ErrSessionClosed
	}
	if diff == nil || diff.Document == nil {
		return errors.Wrap(ErrInvalid, "empty diff")
	}
	key := postKey{posterId: posterId, postId: postId}
	comments, ok := self.comments[key]
	if !ok {
		comments = map[string]*Comment{}
		self.comments[key] = comments
	}
	if err := applyDiff(comments, diff, CommentFromDocument); err != nil {
		glog.Infof("[feed]comments %s/%s %s error = %s\n", posterId, postId, diff, err)
		return err
	}
	self.notify(CollectionComments)
	return nil
}

// posts newest first
func (self *Feed) Posts() []*Post {
	posts := make([]*Post, 0, len(self.posts))
	for _, post := range self.posts {
		posts = append(posts, post.Clone())
	}
	sort.Slice(posts, func(i int, j int) bool {
		if posts[i].Time != posts[j].Time {
			return posts[j].Time < posts[i].Time
		}
		return posts[i].Id < posts[j].Id
	})
	return posts
}

// comments oldest first
func (self *Feed) Comments(posterId string, postId string) []*Comment {
	m := self.comments[postKey{posterId: posterId, postId: postId}]
	comments := make([]*Comment, 0, len(m))
	for _, comment := range m {
		comments = append(comments, comment.Clone())
	}
	sort.Slice(comments, func(i int, j int) bool {
		if comments[i].Time != comments[j].Time {
			return comments[i].Time < comments[j].Time
		}
		return comments[i].Id < comments[j].Id
	})
	return comments
}

// the relative time label of a post against the feed clock
func (self *Feed) PostTime(post *Post) string {
	return RelativeTime(time.Unix(post.Time, 0), self.now())
}

// CreatePost writes the post, then copies it into the feed of the user and of each friend.
// Feed copies for friends are best effort.
func (self *Feed) CreatePost(imageUrl string, callback ActionCallback) (string, error) {
	if imageUrl == "" {
		return "", errors.Wrap(ErrInvalid, "image url")
	}
	store := self.store
	postId := NewDocumentId()
	post := &Post{
		Id:       postId,
		UserId:   store.userId,
		DocId:    postId,
		ImageUrl: imageUrl,
		Time:     self.now().Unix(),
	}

	fanOut := func(done func(err error)) {
		steps := []step{}
		for friendId := range store.friends {
			steps = append(steps, store.setStep(UserDocumentPath(friendId, CollectionFeed, postId), post))
		}
		runAll(steps, func(errs []error) {
			for _, err := range errs {
				glog.Infof("[feed]create post %s fan-out dropped = %s\n", postId, err)
			}
			done(nil)
		})
	}

	runSequence(
		[]step{
			store.setStep(PostPath(store.userId, postId), post),
			store.setStep(UserDocumentPath(store.userId, CollectionFeed, postId), post),
			fanOut,
		},
		store.complete("create post "+postId, callback),
	)
	return postId, nil
}

// SetLiked writes or deletes the user's like of the post.
// The like count is maintained by the backend.
func (self *Feed) SetLiked(posterId string, postId string, liked bool, callback ActionCallback) {
	store := self.store
	complete := store.complete("like "+postId, callback)

	var likeStep step
	if liked {
		like := &Like{
			UserId: store.userId,
			Time:   self.now().Unix(),
		}
		likeStep = store.setStep(LikePath(posterId, postId, store.userId), like)
	} else {
		likeStep = store.deleteStep(LikePath(posterId, postId, store.userId))
	}

	steps := []step{likeStep}
	if post, ok := self.posts[postId]; ok && post.Liked != liked {
		feedPost := post.Clone()
		feedPost.Liked = liked
		steps = append(steps, store.setStep(UserDocumentPath(store.userId, CollectionFeed, postId), feedPost))
	}
	runSequence(steps, complete)
}

// AddComment writes a comment on the post with the author's current name and avatar
func (self *Feed) AddComment(posterId string, postId string, message string, callback ActionCallback) (string, error) {
	if message == "" {
		return "", errors.Wrap(ErrInvalid, "empty comment")
	}
	store := self.store
	author := store.self
	if author == nil {
		return "", errors.Wrap(ErrNotFound, "self")
	}

	commentId := NewDocumentId()
	comment := &Comment{
		Id:           commentId,
		PosterId:     posterId,
		PostId:       postId,
		AuthorId:     author.Id,
		AuthorName:   author.Name(),
		AuthorPfpUrl: author.Clone().PfpUrl,
		Message:      message,
		Time:         self.now().Unix(),
	}
	runSequence(
		[]step{
			store.setStep(protocol.JoinPath(CommentsPath(posterId, postId), commentId), comment),
		},
		store.complete("comment "+commentId, callback),
	)
	return commentId, nil
}

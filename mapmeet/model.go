package mapmeet

import (
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mapmeet/client/protocol"
)

// every record is decoded at the boundary and fails closed on a missing
// required field, so nothing downstream needs to check for zero values

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.]{3,24}$`)

func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return errors.Wrapf(ErrInvalid, "username %q", username)
	}
	return nil
}

type User struct {
	Id          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName string  `json:"display_name"`
	FullName    string  `json:"full_name"`
	PfpUrl      *string `json:"pfp_url"`
}

func UserFromDocument(doc *protocol.Document) (*User, error) {
	user, err := protocol.DecodeFields[User](doc.Fields, "username")
	if err != nil {
		return nil, err
	}
	if user.Id == "" {
		user.Id = doc.Id
	}
	if err := user.validate(); err != nil {
		return nil, err
	}
	return user, nil
}

func (self *User) validate() error {
	if self.Id == "" {
		return errors.Wrap(protocol.ErrMissingField, "id")
	}
	if self.Username == "" {
		return errors.Wrap(protocol.ErrMissingField, "username")
	}
	return nil
}

func (self *User) Clone() *User {
	clone := *self
	if self.PfpUrl != nil {
		pfpUrl := *self.PfpUrl
		clone.PfpUrl = &pfpUrl
	}
	return &clone
}

func (self *User) Fields() (*structpb.Struct, error) {
	return protocol.EncodeFields(self)
}

func (self *User) Name() string {
	if self.DisplayName != "" {
		return self.DisplayName
	}
	return self.Username
}

// state of the friend edge between the current user and another user.
// Exactly one holds for a pair.
type EdgeState int

const (
	EdgeNone EdgeState = iota
	EdgeOutgoing
	EdgeIncoming
	EdgeFriend
)

func (self EdgeState) String() string {
	switch self {
	case EdgeOutgoing:
		return "outgoing"
	case EdgeIncoming:
		return "incoming"
	case EdgeFriend:
		return "friend"
	default:
		return "none"
	}
}

type Event struct {
	Id      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	OwnerId string `json:"owner_id"`
	// "<lon> <lat>", see `EncodeCoordinate`
	Coordinate string `json:"coordinate"`
	// unix seconds
	Time      int64    `json:"time"`
	Invited   []string `json:"invited"`
	Attending []string `json:"attending"`
}

func EventFromDocument(doc *protocol.Document) (*Event, error) {
	event, err := protocol.DecodeFields[Event](doc.Fields, "name", "owner_id", "coordinate", "time")
	if err != nil {
		return nil, err
	}
	if event.Id == "" {
		event.Id = doc.Id
	}
	if event.Id == "" {
		return nil, errors.Wrap(protocol.ErrMissingField, "id")
	}
	return event, nil
}

func (self *Event) Clone() *Event {
	clone := *self
	clone.Invited = append([]string{}, self.Invited...)
	clone.Attending = append([]string{}, self.Attending...)
	return &clone
}

func (self *Event) Fields() (*structpb.Struct, error) {
	return protocol.EncodeFields(self)
}

func (self *Event) Location() (Coordinate, error) {
	return DecodeCoordinate(self.Coordinate)
}

func (self *Event) StartTime() time.Time {
	return time.Unix(self.Time, 0)
}

func (self *Event) IsAttending(userId string) bool {
	for _, attendingId := range self.Attending {
		if attendingId == userId {
			return true
		}
	}
	return false
}

type NewEvent struct {
	Name       string
	Address    string
	Coordinate Coordinate
	Time       time.Time
	Invited    []string
}

type Post struct {
	Id     string `json:"id"`
	UserId string `json:"user_id"`
	// id of the document holding the comments and likes for this post
	DocId     string `json:"doc_id"`
	ImageUrl  string `json:"image_url"`
	Liked     bool   `json:"liked"`
	LikeCount int64  `json:"like_count"`
	Time      int64  `json:"time"`
}

func PostFromDocument(doc *protocol.Document) (*Post, error) {
	post, err := protocol.DecodeFields[Post](doc.Fields, "user_id", "image_url")
	if err != nil {
		return nil, err
	}
	if post.Id == "" {
		post.Id = doc.Id
	}
	if post.DocId == "" {
		post.DocId = post.Id
	}
	return post, nil
}

func (self *Post) Clone() *Post {
	clone := *self
	return &clone
}

func (self *Post) Fields() (*structpb.Struct, error) {
	return protocol.EncodeFields(self)
}

// comments denormalize the author's name and avatar at write time
type Comment struct {
	Id           string  `json:"id"`
	PosterId     string  `json:"poster_id"`
	PostId       string  `json:"post_id"`
	AuthorId     string  `json:"author_id"`
	AuthorName   string  `json:"author_name"`
	AuthorPfpUrl *string `json:"author_pfp_url"`
	Message      string  `json:"message"`
	Time         int64   `json:"time"`
}

func CommentFromDocument(doc *protocol.Document) (*Comment, error) {
	comment, err := protocol.DecodeFields[Comment](doc.Fields, "author_id", "message", "time")
	if err != nil {
		return nil, err
	}
	if comment.Id == "" {
		comment.Id = doc.Id
	}
	return comment, nil
}

func (self *Comment) Clone() *Comment {
	clone := *self
	return &clone
}

func (self *Comment) Fields() (*structpb.Struct, error) {
	return protocol.EncodeFields(self)
}

// document paths

func UserPath(userId string) string {
	return protocol.JoinPath("users", userId)
}

func EventPath(eventId string) string {
	return protocol.JoinPath("events", eventId)
}

func UserCollectionPath(userId string, collection Collection) string {
	return protocol.JoinPath("users", userId, string(collection))
}

func UserDocumentPath(userId string, collection Collection, id string) string {
	return protocol.JoinPath("users", userId, string(collection), id)
}

func PostPath(posterId string, postId string) string {
	return protocol.JoinPath("users", posterId, "posts", postId)
}

func CommentsPath(posterId string, postId string) string {
	return protocol.JoinPath("users", posterId, "posts", postId, "comments")
}

func LikePath(posterId string, postId string, userId string) string {
	return protocol.JoinPath("users", posterId, "posts", postId, "likes", userId)
}

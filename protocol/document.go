package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// documents are addressed by slash separated paths that alternate collection and id
// e.g. `users/u1/events/e1`. A collection path has an odd number of segments.

type DiffKind string

const (
	DiffAdded    DiffKind = "added"
	DiffRemoved  DiffKind = "removed"
	DiffModified DiffKind = "modified"
)

func (self DiffKind) Valid() bool {
	switch self {
	case DiffAdded, DiffRemoved, DiffModified:
		return true
	default:
		return false
	}
}

type Document struct {
	Path   string
	Id     string
	Fields *structpb.Struct
}

func NewDocument(path string, fields *structpb.Struct) *Document {
	_, id := SplitPath(path)
	return &Document{
		Path:   path,
		Id:     id,
		Fields: fields,
	}
}

type documentJson struct {
	Path   string          `json:"path"`
	Id     string          `json:"id,omitempty"`
	Fields json.RawMessage `json:"fields,omitempty"`
}

// fields are encoded with protojson so that numbers and nested values keep the
// structpb representation end to end
func (self Document) MarshalJSON() ([]byte, error) {
	d := documentJson{
		Path: self.Path,
		Id:   self.Id,
	}
	if self.Fields != nil {
		fieldsBytes, err := protojson.Marshal(self.Fields)
		if err != nil {
			return nil, err
		}
		d.Fields = fieldsBytes
	}
	return json.Marshal(d)
}

func (self *Document) UnmarshalJSON(src []byte) error {
	var d documentJson
	if err := json.Unmarshal(src, &d); err != nil {
		return err
	}
	self.Path = d.Path
	self.Id = d.Id
	if self.Id == "" {
		_, self.Id = SplitPath(d.Path)
	}
	self.Fields = nil
	if 0 < len(d.Fields) && string(d.Fields) != "null" {
		fields := &structpb.Struct{}
		if err := protojson.Unmarshal(d.Fields, fields); err != nil {
			return err
		}
		self.Fields = fields
	}
	return nil
}

func (self *Document) Clone() *Document {
	clone := &Document{
		Path: self.Path,
		Id:   self.Id,
	}
	if self.Fields != nil {
		clone.Fields = proto.Clone(self.Fields).(*structpb.Struct)
	}
	return clone
}

func (self *Document) String() string {
	return self.Path
}

type Change struct {
	Kind     DiffKind  `json:"kind"`
	Document *Document `json:"document"`
}

func (self *Change) String() string {
	return fmt.Sprintf("%s %s", self.Kind, self.Document)
}

func JoinPath(parts ...string) string {
	return strings.Join(parts, "/")
}

// returns the parent path and the last segment
func SplitPath(path string) (parent string, last string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func segmentCount(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, "/") + 1
}

func IsDocumentPath(path string) bool {
	n := segmentCount(path)
	return 0 < n && n%2 == 0
}

func IsCollectionPath(path string) bool {
	return segmentCount(path)%2 == 1
}

// true if the document at `path` is visible to a subscription on `subscriptionPath`,
// which is either the document's collection or the document itself
func Matches(subscriptionPath string, path string) bool {
	if subscriptionPath == path {
		return true
	}
	parent, _ := SplitPath(path)
	return IsCollectionPath(subscriptionPath) && parent == subscriptionPath
}

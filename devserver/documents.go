package devserver

import (
	"sort"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mapmeet/client/protocol"
)

// watches receive every change to a document matching one of their paths.
// `snapshot` and `notify` are called with the documents lock held, in commit order.
type documentWatcher interface {
	snapshot(subscriptionPath string, docs []*protocol.Document)
	notify(subscriptionPath string, change *protocol.Change)
}

// documents is the in-memory document database
type documents struct {
	stateLock sync.Mutex
	byPath    map[string]*protocol.Document
	// subscription path -> watchers
	watchers map[string]map[documentWatcher]bool
}

func newDocuments() *documents {
	return &documents{
		byPath:   map[string]*protocol.Document{},
		watchers: map[string]map[documentWatcher]bool{},
	}
}

func (self *documents) get(path string) (*protocol.Document, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, ok := self.byPath[path]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// the documents directly in the collection, ordered by path
func (self *documents) list(collectionPath string) []*protocol.Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.listLocked(collectionPath)
}

func (self *documents) listLocked(subscriptionPath string) []*protocol.Document {
	docs := []*protocol.Document{}
	for path, doc := range self.byPath {
		if protocol.Matches(subscriptionPath, path) {
			docs = append(docs, doc.Clone())
		}
	}
	sort.Slice(docs, func(i int, j int) bool {
		return docs[i].Path < docs[j].Path
	})
	return docs
}

// all documents whose fields satisfy `match`, ordered by path
func (self *documents) find(collectionPrefix string, match func(fields map[string]any) bool) []*protocol.Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	docs := []*protocol.Document{}
	for path, doc := range self.byPath {
		parent, _ := protocol.SplitPath(path)
		if parent != collectionPrefix {
			continue
		}
		if match(doc.Fields.AsMap()) {
			docs = append(docs, doc.Clone())
		}
	}
	sort.Slice(docs, func(i int, j int) bool {
		return docs[i].Path < docs[j].Path
	})
	return docs
}

func (self *documents) set(path string, fields *structpb.Struct) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.setLocked(path, fields)
}

func (self *documents) setLocked(path string, fields *structpb.Struct) {
	if fields == nil {
		fields = &structpb.Struct{}
	} else {
		fields = proto.Clone(fields).(*structpb.Struct)
	}
	doc := protocol.NewDocument(path, fields)

	kind := protocol.DiffAdded
	if _, ok := self.byPath[path]; ok {
		kind = protocol.DiffModified
	}
	self.byPath[path] = doc
	self.notifyLocked(&protocol.Change{
		Kind:     kind,
		Document: doc,
	})
}

// merges `fields` into the existing document, or creates it
func (self *documents) update(path string, fields map[string]*structpb.Value) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	merged := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if doc, ok := self.byPath[path]; ok {
		merged = proto.Clone(doc.Fields).(*structpb.Struct)
	}
	for key, value := range fields {
		merged.Fields[key] = value
	}
	self.setLocked(path, merged)
}

// deleting a missing document is a no-op
func (self *documents) delete(paths ...string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, path := range paths {
		self.deleteLocked(path)
	}
}

func (self *documents) deleteLocked(path string) {
	doc, ok := self.byPath[path]
	if !ok {
		return
	}
	delete(self.byPath, path)
	self.notifyLocked(&protocol.Change{
		Kind: protocol.DiffRemoved,
		Document: &protocol.Document{
			Path: doc.Path,
			Id:   doc.Id,
		},
	})
}

// applies `fn` with the lock held, so the writes in `fn` are seen by watchers together
func (self *documents) transact(fn func(tx *documentsTx)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	fn(&documentsTx{documents: self})
}

type documentsTx struct {
	documents *documents
}

func (self *documentsTx) get(path string) (*protocol.Document, bool) {
	doc, ok := self.documents.byPath[path]
	return doc, ok
}

func (self *documentsTx) list(collectionPath string) []*protocol.Document {
	return self.documents.listLocked(collectionPath)
}

func (self *documentsTx) set(path string, fields *structpb.Struct) {
	self.documents.setLocked(path, fields)
}

func (self *documentsTx) delete(path string) {
	self.documents.deleteLocked(path)
}

func (self *documents) notifyLocked(change *protocol.Change) {
	path := change.Document.Path
	subscriptionPaths := []string{path}
	if parent, _ := protocol.SplitPath(path); parent != "" {
		subscriptionPaths = append(subscriptionPaths, parent)
	}
	for _, subscriptionPath := range subscriptionPaths {
		for watcher := range self.watchers[subscriptionPath] {
			watcher.notify(subscriptionPath, change)
		}
	}
}

// adds the watch and passes the current content of the path to the watcher.
// Changes committed after the snapshot follow it.
func (self *documents) watch(subscriptionPath string, watcher documentWatcher) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pathWatchers, ok := self.watchers[subscriptionPath]
	if !ok {
		pathWatchers = map[documentWatcher]bool{}
		self.watchers[subscriptionPath] = pathWatchers
	}
	pathWatchers[watcher] = true
	watcher.snapshot(subscriptionPath, self.listLocked(subscriptionPath))
}

func (self *documents) unwatch(subscriptionPath string, watcher documentWatcher) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if pathWatchers, ok := self.watchers[subscriptionPath]; ok {
		delete(pathWatchers, watcher)
		if len(pathWatchers) == 0 {
			delete(self.watchers, subscriptionPath)
		}
	}
}

func (self *documents) unwatchAll(watcher documentWatcher) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for subscriptionPath, pathWatchers := range self.watchers {
		delete(pathWatchers, watcher)
		if len(pathWatchers) == 0 {
			delete(self.watchers, subscriptionPath)
		}
	}
}

func stringField(fields *structpb.Struct, key string) string {
	if fields == nil {
		return ""
	}
	if value, ok := fields.Fields[key]; ok {
		return value.GetStringValue()
	}
	return ""
}

func hasPrefixFold(s string, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix))
}

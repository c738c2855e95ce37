package cache

import (
	"container/list"
	"time"

	"github.com/italolelis/videoproxy/internal/media"
)

// recencyIndex orders cache entries by last access, most recent at the front.
// It is not safe for concurrent use; the Store guards it with its mutex.
type recencyIndex struct {
	ll    *list.List
	items map[string]*list.Element // keyed by local path
}

func newRecencyIndex() *recencyIndex {
	return &recencyIndex{ll: list.New(), items: make(map[string]*list.Element)}
}

// touch inserts or refreshes e, stamping LastAccess with at.
func (r *recencyIndex) touch(e *media.CacheEntry, at time.Time) *media.CacheEntry {
	if el, ok := r.items[e.LocalPath]; ok {
		cur := el.Value.(*media.CacheEntry)
		cur.LastAccess = at
		r.ll.MoveToFront(el)

		return cur
	}

	e.LastAccess = at
	r.items[e.LocalPath] = r.ll.PushFront(e)

	return e
}

func (r *recencyIndex) get(path string) (*media.CacheEntry, bool) {
	el, ok := r.items[path]
	if !ok {
		return nil, false
	}

	return el.Value.(*media.CacheEntry), true
}

func (r *recencyIndex) remove(path string) {
	if el, ok := r.items[path]; ok {
		r.ll.Remove(el)
		delete(r.items, path)
	}
}

// leastRecent returns the entries from least to most recently used.
func (r *recencyIndex) leastRecent() []*media.CacheEntry {
	out := make([]*media.CacheEntry, 0, r.ll.Len())

	for el := r.ll.Back(); el != nil; el = el.Prev() {
		out = append(out, el.Value.(*media.CacheEntry))
	}

	return out
}

func (r *recencyIndex) len() int {
	return r.ll.Len()
}

func (r *recencyIndex) reset() {
	r.ll.Init()
	clear(r.items)
}

// insertLeastRecent adds an entry nobody has accessed through the index yet. It
// keeps its LastAccess and goes to the back so it is reclaimed first.
func (r *recencyIndex) insertLeastRecent(e *media.CacheEntry) {
	if _, ok := r.items[e.LocalPath]; ok {
		return
	}

	r.items[e.LocalPath] = r.ll.PushBack(e)
}

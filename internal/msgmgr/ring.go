package msgmgr

import (
	"sync"

	"github.com/joshuadahlunr/wnts/internal/proto"
)

// oldMessageCapacity bounds the resend cache.
const oldMessageCapacity = 100

// messageRing keeps the most recently sent or processed messages so a
// resend request can be answered from cache. Lookup is a linear scan by
// hash; at this capacity that is cheaper than maintaining an index.
type messageRing struct {
	mu      sync.Mutex
	entries []*proto.Message
	next    int
}

func newMessageRing() *messageRing {
	return &messageRing{entries: make([]*proto.Message, 0, oldMessageCapacity)}
}

func (r *messageRing) add(m *proto.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) < oldMessageCapacity {
		r.entries = append(r.entries, m)
		return
	}
	r.entries[r.next] = m
	r.next = (r.next + 1) % oldMessageCapacity
}

// find returns the cached message with the given hash, or nil.
func (r *messageRing) find(hash uint64) *proto.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.entries {
		if m.Hash == hash {
			return m
		}
	}
	return nil
}

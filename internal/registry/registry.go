// Package registry tracks which live push endpoints belong to which users and
// which topics they are subscribed to. It is process-local.
package registry

import "sync"

// Stats summarizes registry occupancy.
type Stats struct {
	Endpoints int `json:"endpoints"`
	Users     int `json:"users"`
	Topics    int `json:"topics"`
}

// Registry maps user IDs and topics to endpoint IDs. An endpoint appears in
// the user and topic indexes only while it is connected; mutations that
// race with Disconnect lose.
type Registry struct {
	mu     sync.RWMutex
	live   map[string]struct{}
	owner  map[string]string
	users  map[string]map[string]struct{}
	topics map[string]map[string]struct{}
	// subscriptions is the reverse topic index, endpoint -> topics.
	subscriptions map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		live:          make(map[string]struct{}),
		owner:         make(map[string]string),
		users:         make(map[string]map[string]struct{}),
		topics:        make(map[string]map[string]struct{}),
		subscriptions: make(map[string]map[string]struct{}),
	}
}

// Connect marks endpointID as live.
func (r *Registry) Connect(endpointID string) {
	if endpointID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[endpointID] = struct{}{}
}

// Disconnect removes endpointID from the live set and from every user and
// topic entry that references it.
func (r *Registry) Disconnect(endpointID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.live, endpointID)
	r.unregisterLocked(endpointID)
	for topic := range r.subscriptions[endpointID] {
		removeMember(r.topics, topic, endpointID)
	}
	delete(r.subscriptions, endpointID)
}

// Register associates endpointID with userID. It is idempotent and moves the
// endpoint if it was registered to a different user. It reports false when
// the endpoint is not live.
func (r *Registry) Register(userID, endpointID string) bool {
	if userID == "" || endpointID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[endpointID]; !ok {
		return false
	}
	if prev, ok := r.owner[endpointID]; ok && prev != userID {
		removeMember(r.users, prev, endpointID)
	}
	r.owner[endpointID] = userID
	addMember(r.users, userID, endpointID)
	return true
}

// Unregister removes endpointID from its user, dropping the user entry when
// it becomes empty.
func (r *Registry) Unregister(endpointID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(endpointID)
}

func (r *Registry) unregisterLocked(endpointID string) {
	userID, ok := r.owner[endpointID]
	if !ok {
		return
	}
	delete(r.owner, endpointID)
	removeMember(r.users, userID, endpointID)
}

// Subscribe adds endpointID to topic. It reports false when the endpoint is
// not live.
func (r *Registry) Subscribe(topic, endpointID string) bool {
	if topic == "" || endpointID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[endpointID]; !ok {
		return false
	}
	addMember(r.topics, topic, endpointID)
	addMember(r.subscriptions, endpointID, topic)
	return true
}

// Unsubscribe removes endpointID from topic. Removing a non-member is a no-op.
func (r *Registry) Unsubscribe(topic, endpointID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removeMember(r.topics, topic, endpointID)
	removeMember(r.subscriptions, endpointID, topic)
}

// Owner returns the user endpointID is registered to.
func (r *Registry) Owner(endpointID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.owner[endpointID]
	return userID, ok
}

// UserEndpoints returns a copy of the endpoints registered to userID.
func (r *Registry) UserEndpoints(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return members(r.users[userID])
}

// TopicEndpoints returns a copy of the endpoints subscribed to topic.
func (r *Registry) TopicEndpoints(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return members(r.topics[topic])
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Endpoints: len(r.live),
		Users:     len(r.users),
		Topics:    len(r.topics),
	}
}

func addMember(index map[string]map[string]struct{}, key, member string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[member] = struct{}{}
}

func removeMember(index map[string]map[string]struct{}, key, member string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(index, key)
	}
}

func members(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}

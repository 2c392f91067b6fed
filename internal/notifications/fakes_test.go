package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type fakePrefs struct {
	mu      sync.Mutex
	byUser  map[string]*Preferences
	err     error
	finds   int
	upserts int
}

func newFakePrefs(prefs ...*Preferences) *fakePrefs {
	f := &fakePrefs{byUser: make(map[string]*Preferences)}
	for _, p := range prefs {
		f.byUser[p.UserID] = p
	}
	return f
}

func (f *fakePrefs) FindPreferences(_ context.Context, userID string) (*Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.byUser[userID]
	if !ok {
		return nil, ErrPreferencesNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePrefs) UpsertPreferences(_ context.Context, p *Preferences) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.err != nil {
		return f.err
	}
	p.UpdatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cp := *p
	f.byUser[p.UserID] = &cp
	return nil
}

func (f *fakePrefs) findCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finds
}

type sentEmail struct {
	to         string
	templateID string
	data       map[string]any
}

type fakeEmail struct {
	mu   sync.Mutex
	ok   bool
	sent []sentEmail
}

func (f *fakeEmail) Send(_ context.Context, to, templateID string, data map[string]any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEmail{to: to, templateID: templateID, data: data})
	return f.ok
}

// fakeInbox implements both NotificationCreator and Inbox.
type fakeInbox struct {
	mu      sync.Mutex
	created []*Notification
	err     error
	listed  ListParams
	items   map[string]*Notification
}

func newFakeInbox() *fakeInbox {
	return &fakeInbox{items: make(map[string]*Notification)}
}

func (f *fakeInbox) Create(_ context.Context, n *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	n.ID = fmt.Sprintf("n-%d", len(f.created)+1)
	n.CreatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.created = append(f.created, n)
	f.items[n.ID] = n
	return nil
}

func (f *fakeInbox) List(_ context.Context, params ListParams) ([]Notification, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed = params
	if f.err != nil {
		return nil, 0, f.err
	}
	var out []Notification
	for _, n := range f.created {
		if n.UserID == params.UserID {
			out = append(out, *n)
		}
	}
	return out, len(out), nil
}

func (f *fakeInbox) FindByID(_ context.Context, userID, id string) (*Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.items[id]
	if !ok || n.UserID != userID {
		return nil, ErrNotificationNotFound
	}
	cp := *n
	return &cp, nil
}

func (f *fakeInbox) MarkRead(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.items[id]
	if !ok || n.UserID != userID {
		return ErrNotificationNotFound
	}
	n.Read = true
	return nil
}

func (f *fakeInbox) MarkAllRead(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var updated int64
	for _, n := range f.items {
		if n.UserID == userID && !n.Read {
			n.Read = true
			updated++
		}
	}
	return updated, nil
}

func (f *fakeInbox) SoftDelete(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.items[id]
	if !ok || n.UserID != userID {
		return ErrNotificationNotFound
	}
	delete(f.items, id)
	return nil
}

func (f *fakeInbox) UnreadCount(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, n := range f.items {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

type pushed struct {
	target  string
	payload any
}

type fakePush struct {
	mu      sync.Mutex
	started bool
	users   []pushed
	topics  []pushed
}

func (f *fakePush) SendToUser(userID string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, pushed{target: userID, payload: payload})
	return f.started
}

func (f *fakePush) SendToTopic(topic string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, pushed{target: topic, payload: payload})
	return f.started
}

type fakeLog struct {
	mu      sync.Mutex
	err     error
	entries []LogEntry
}

func (f *fakeLog) Record(_ context.Context, e LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return f.err
}

func (f *fakeLog) channels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Channel)
	}
	return out
}

var errStoreDown = errors.New("connection refused")

// testSinks returns a fully wired Sinks with a working push transport and
// a failing email sender.
func testSinks() (Sinks, *fakeEmail, *fakeInbox, *fakePush, *fakeLog) {
	email := &fakeEmail{}
	inbox := newFakeInbox()
	push := &fakePush{started: true}
	log := &fakeLog{}
	return Sinks{Email: email, InApp: inbox, Push: push, Log: log}, email, inbox, push, log
}

func allChannels(userID string) *Preferences {
	return &Preferences{
		UserID:       userID,
		EmailEnabled: true,
		InAppEnabled: true,
		PushEnabled:  true,
		Timezone:     "UTC",
		Email:        userID + "@example.com",
	}
}

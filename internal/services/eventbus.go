package services

import (
	"sync"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/ports"
)

// InProcessEventBus is the default, single-process ports.EventBus: one
// mutex-protected map of callbacks per named channel, dispatched
// synchronously on the publisher's goroutine. No example repo in the
// reference pack ships a full in-process pub/sub of its own (one
// reference file imports an external "bus.EventBus" without including
// its implementation), so this is a plain sync.Mutex + map
// implementation rather than a third-party pub/sub library — pulling in
// a message-broker client (NATS, Redis pub/sub) for same-process fan-out
// within a single SSE server would be the wrong tool for this job.
type InProcessEventBus struct {
	mu sync.Mutex

	nextID int

	logSubs            map[int]func(issueID, executionID string, entry domain.IssueLogEntry)
	stateSubs          map[int]func(issueID, executionID string, state domain.SessionStatus)
	settledSubs        map[int]func(issueID, executionID string, finalStatus domain.SessionStatus)
	issueUpdatedSubs   map[int]func(data ports.IssueUpdated)
	changesSummarySubs map[int]func(summary ports.ChangesSummary)
}

var _ ports.EventBus = (*InProcessEventBus)(nil)

func NewInProcessEventBus() *InProcessEventBus {
	return &InProcessEventBus{
		logSubs:            make(map[int]func(string, string, domain.IssueLogEntry)),
		stateSubs:          make(map[int]func(string, string, domain.SessionStatus)),
		settledSubs:        make(map[int]func(string, string, domain.SessionStatus)),
		issueUpdatedSubs:   make(map[int]func(ports.IssueUpdated)),
		changesSummarySubs: make(map[int]func(ports.ChangesSummary)),
	}
}

func (b *InProcessEventBus) PublishLog(issueID, executionID string, entry domain.IssueLogEntry) {
	b.mu.Lock()
	subs := snapshot(b.logSubs)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(issueID, executionID, entry)
	}
}

func (b *InProcessEventBus) PublishState(issueID, executionID string, state domain.SessionStatus) {
	b.mu.Lock()
	subs := snapshot(b.stateSubs)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(issueID, executionID, state)
	}
}

func (b *InProcessEventBus) PublishSettled(issueID, executionID string, finalStatus domain.SessionStatus) {
	b.mu.Lock()
	subs := snapshot(b.settledSubs)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(issueID, executionID, finalStatus)
	}
}

func (b *InProcessEventBus) PublishIssueUpdated(data ports.IssueUpdated) {
	b.mu.Lock()
	subs := snapshot(b.issueUpdatedSubs)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(data)
	}
}

func (b *InProcessEventBus) PublishChangesSummary(summary ports.ChangesSummary) {
	b.mu.Lock()
	subs := snapshot(b.changesSummarySubs)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(summary)
	}
}

func (b *InProcessEventBus) OnLog(fn func(issueID, executionID string, entry domain.IssueLogEntry)) ports.Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.logSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.logSubs, id)
	}
}

func (b *InProcessEventBus) OnState(fn func(issueID, executionID string, state domain.SessionStatus)) ports.Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.stateSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.stateSubs, id)
	}
}

func (b *InProcessEventBus) OnSettled(fn func(issueID, executionID string, finalStatus domain.SessionStatus)) ports.Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.settledSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.settledSubs, id)
	}
}

func (b *InProcessEventBus) OnIssueUpdated(fn func(data ports.IssueUpdated)) ports.Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.issueUpdatedSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.issueUpdatedSubs, id)
	}
}

func (b *InProcessEventBus) OnChangesSummary(fn func(summary ports.ChangesSummary)) ports.Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.changesSummarySubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.changesSummarySubs, id)
	}
}

func snapshot[K comparable, V any](m map[K]V) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

package executor

import (
	"context"
	"sync"
)

// agentLocks 为每个代理维护一个先来先得的排队锁，空闲条目会被回收。
type agentLocks struct {
	mu      sync.Mutex
	entries map[string]*agentQueue
}

type agentQueue struct {
	held    bool
	refs    int
	waiters []chan struct{}
}

func newAgentLocks() *agentLocks {
	return &agentLocks{entries: make(map[string]*agentQueue)}
}

// Lock 按到达顺序获取代理锁，返回的函数用于释放。
func (l *agentLocks) Lock(ctx context.Context, agentID string) (func(), error) {
	l.mu.Lock()
	q, ok := l.entries[agentID]
	if !ok {
		q = &agentQueue{}
		l.entries[agentID] = q
	}
	q.refs++
	if !q.held {
		q.held = true
		l.mu.Unlock()
		return l.releaser(agentID), nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return l.releaser(agentID), nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				q.refs--
				l.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		l.mu.Unlock()
		// 取消与移交同时发生，锁已归属本调用方，需要继续移交。
		l.unlock(agentID)
		return nil, ctx.Err()
	}
}

func (l *agentLocks) releaser(agentID string) func() {
	var once sync.Once
	return func() { once.Do(func() { l.unlock(agentID) }) }
}

func (l *agentLocks) unlock(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.entries[agentID]
	if !ok {
		return
	}
	q.refs--
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(next)
		return
	}
	q.held = false
	if q.refs <= 0 {
		delete(l.entries, agentID)
	}
}

// size 返回仍在使用的条目数。
func (l *agentLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// waiting 返回代理锁上的排队数。
func (l *agentLocks) waiting(agentID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.entries[agentID]; ok {
		return len(q.waiters)
	}
	return 0
}

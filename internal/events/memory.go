package events

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed 表示总线已关闭。
var ErrClosed = errors.New("事件总线已关闭")

// MemoryBus 使用带缓冲的 channel 传递事件，适合单进程部署与测试。
type MemoryBus struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

// NewMemoryBus 创建内存总线。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 64
	}
	return &MemoryBus{ch: make(chan Event, size)}
}

// Publish 投递事件；缓冲区满时阻塞直到 ctx 结束。
func (b *MemoryBus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- e:
		return nil
	}
}

// Subscribe 启动 workers 个协程处理事件，直到 ctx 结束或总线关闭。
func (b *MemoryBus) Subscribe(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-b.ch:
					if !ok {
						return
					}
					_ = handler(ctx, e)
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// Close 关闭总线，已缓冲的事件仍会被消费。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		close(b.ch)
		b.closed = true
	}
	return nil
}

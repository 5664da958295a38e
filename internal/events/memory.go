package events

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed 表示发布器已关闭。
var ErrClosed = errors.New("发布器已关闭")

// MemoryPublisher 使用 channel 缓存事件，供测试读取。缓冲区满时丢弃最旧的
// 事件。
type MemoryPublisher struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewMemoryPublisher 创建一个内存发布器。
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 64
	}
	return &MemoryPublisher{ch: make(chan Event, size)}
}

// Publish 将事件放入缓冲区。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	for {
		select {
		case p.ch <- event:
			return nil
		default:
		}
		// 缓冲区已满，丢弃最旧的一条。
		select {
		case <-p.ch:
		default:
		}
	}
}

// Events 返回事件流，Close 后关闭。
func (p *MemoryPublisher) Events() <-chan Event { return p.ch }

// Close 关闭发布器。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		close(p.ch)
		p.closed = true
	}
	p.mu.Unlock()
	return nil
}

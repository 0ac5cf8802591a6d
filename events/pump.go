package events

import (
	"context"
	"sync/atomic"
)

// Pump 把同步事件转成异步投递：OnEvent 只入队，Run 在独立 goroutine 中调用下游。
// 队列满时丢弃并计数，保证 Tracker 永远不会被下游阻塞。
type Pump struct {
	ch      chan Event
	next    Listener
	dropped atomic.Int64
}

// NewPump 创建异步泵，size<=0 时使用 1024。
func NewPump(next Listener, size int) *Pump {
	if size <= 0 {
		size = 1024
	}
	return &Pump{ch: make(chan Event, size), next: next}
}

func (p *Pump) OnEvent(e Event) {
	select {
	case p.ch <- e:
	default:
		p.dropped.Add(1)
	}
}

// Dropped 返回因队列满被丢弃的事件数。
func (p *Pump) Dropped() int64 { return p.dropped.Load() }

// Run 持续投递直到 ctx 结束；退出前尽量清空队列。
func (p *Pump) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case e := <-p.ch:
			if p.next != nil {
				p.next.OnEvent(e)
			}
		}
	}
}

func (p *Pump) drain() {
	for {
		select {
		case e := <-p.ch:
			if p.next != nil {
				p.next.OnEvent(e)
			}
		default:
			return
		}
	}
}

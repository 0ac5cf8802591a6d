package events

import "sync"

// Listener 接收生命周期事件。Tracker 在持锁状态下同步调用 OnEvent，
// 实现方不得回调 Tracker；需要回调时用 Pump 转成异步。
type Listener interface {
	OnEvent(e Event)
}

// ListenerFunc 函数适配器。
type ListenerFunc func(e Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }

// Multi 依次转发给多个 Listener，nil 项跳过。
type Multi []Listener

func (m Multi) OnEvent(e Event) {
	for _, l := range m {
		if l != nil {
			l.OnEvent(e)
		}
	}
}

// Nop 丢弃所有事件。
type Nop struct{}

func (Nop) OnEvent(Event) {}

// Recorder 线程安全地记录收到的事件。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events 返回事件副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind 返回指定类型的事件。
func (r *Recorder) OfKind(k Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind() == k {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pomelo/internal/model"
)

// State 流状态
type State int

const (
	StateStarting State = iota // 已登记，尚未产生任何事件
	StateLive                  // 生成中
	StateCompleted             // 正常结束（终态）
	StateFailed                // 异常结束（终态）
)

// entry 单条流的事件日志
// events 只增不改；updated 在每次追加后 close 并替换，用于广播唤醒订阅者
type entry struct {
	mu      sync.Mutex
	events  []*model.StreamEvent
	state   State
	updated chan struct{}
}

// Broker 可恢复流代理
// 把"生成在跑"和"客户端在连"解耦: 事件源在独立 goroutine 中被消费并记入
// 追加式日志，订阅者随时挂上都会先收到完整回放再接续直播；客户端断开
// 不会暂停或取消消费。注册表由 Broker 独占持有，流在终态后保留一个
// retention 窗口再清除。
type Broker struct {
	mu        sync.Mutex
	streams   map[string]*entry
	retention time.Duration
}

// NewBroker 创建流代理
func NewBroker(retention time.Duration) *Broker {
	return &Broker{
		streams:   make(map[string]*entry),
		retention: retention,
	}
}

// Start 开始消费事件源并登记到代理
// 消费不依赖订阅者存在；source 关闭或产生终态事件后进入终态，
// 日志在 retention 窗口后清除
func (b *Broker) Start(streamID string, source <-chan *model.StreamEvent) {
	e := &entry{
		state:   StateStarting,
		updated: make(chan struct{}),
	}

	b.mu.Lock()
	b.streams[streamID] = e
	b.mu.Unlock()

	go b.consume(streamID, e, source)
}

func (b *Broker) consume(streamID string, e *entry, source <-chan *model.StreamEvent) {
	for ev := range source {
		e.mu.Lock()
		e.events = append(e.events, ev)
		switch {
		case ev.Type == model.EventError:
			e.state = StateFailed
		case ev.Type == model.EventDone:
			e.state = StateCompleted
		case e.state == StateStarting:
			e.state = StateLive
		}
		e.broadcast()
		e.mu.Unlock()
	}

	// 事件源未以终态事件收尾时补一个 error，订阅者不会无限等待
	e.mu.Lock()
	if e.state != StateCompleted && e.state != StateFailed {
		e.state = StateFailed
		e.events = append(e.events, &model.StreamEvent{
			Type:  model.EventError,
			Error: "stream ended unexpectedly",
		})
	}
	e.broadcast()
	e.mu.Unlock()

	log.Debug().Str("stream_id", streamID).Int("events", len(e.events)).Msg("stream reached terminal state")

	time.AfterFunc(b.retention, func() {
		b.mu.Lock()
		delete(b.streams, streamID)
		b.mu.Unlock()
	})
}

// broadcast 唤醒所有等待新事件的订阅者（须持有 e.mu）
func (e *entry) broadcast() {
	close(e.updated)
	e.updated = make(chan struct{})
}

// Attach 挂接到指定流
// 从日志起点完整回放后接续直播，流到达终态且回放完毕后通道关闭；
// 每个订阅者独立收到全量序列（fan-out，不共享游标）。未知或已过期的
// 流 id 返回 false，与"存在但日志为空"可区分。ctx 取消时订阅者退出，
// 对上游消费无影响。
func (b *Broker) Attach(ctx context.Context, streamID string) (<-chan *model.StreamEvent, bool) {
	b.mu.Lock()
	e, ok := b.streams[streamID]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}

	out := make(chan *model.StreamEvent, 16)
	go func() {
		defer close(out)
		idx := 0
		for {
			e.mu.Lock()
			events := e.events
			terminal := e.state == StateCompleted || e.state == StateFailed
			updated := e.updated
			e.mu.Unlock()

			// events 只增，读取快照前缀无需持锁
			for ; idx < len(events); idx++ {
				select {
				case out <- events[idx]:
				case <-ctx.Done():
					return
				}
			}

			if terminal {
				return
			}

			select {
			case <-updated:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, true
}

// State 查询流状态
func (b *Broker) State(streamID string) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.streams[streamID]
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

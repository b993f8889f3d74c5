package stream

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"pomelo/internal/model"
)

func textEvent(s string) *model.StreamEvent {
	return &model.StreamEvent{Type: model.EventTextDelta, Text: s}
}

func doneEvent() *model.StreamEvent {
	return &model.StreamEvent{Type: model.EventDone}
}

// collect 读取订阅通道直到关闭，返回观测到的事件文本序列
func collect(ch <-chan *model.StreamEvent) []string {
	var got []string
	for ev := range ch {
		if ev.Type == model.EventTextDelta {
			got = append(got, ev.Text)
		} else {
			got = append(got, ev.Type)
		}
	}
	return got
}

func TestBroker_Attach(t *testing.T) {
	Convey("Attach 回放加直播不丢不重", t, func() {
		b := NewBroker(time.Minute)
		source := make(chan *model.StreamEvent)
		b.Start("s1", source)

		Convey("生产中途挂接能收到完整序列", func() {
			source <- textEvent("a")

			// 等第一个事件进入日志后再挂接
			So(waitForEvents(b, "s1", 1), ShouldBeTrue)

			sub, ok := b.Attach(context.Background(), "s1")
			So(ok, ShouldBeTrue)

			source <- textEvent("b")
			source <- textEvent("c")
			source <- doneEvent()
			close(source)

			So(collect(sub), ShouldResemble, []string{"a", "b", "c", model.EventDone})
		})

		Convey("多个订阅者各自收到全量序列", func() {
			sub1, ok1 := b.Attach(context.Background(), "s1")
			sub2, ok2 := b.Attach(context.Background(), "s1")
			So(ok1, ShouldBeTrue)
			So(ok2, ShouldBeTrue)

			source <- textEvent("x")
			source <- textEvent("y")
			source <- doneEvent()
			close(source)

			want := []string{"x", "y", model.EventDone}
			So(collect(sub1), ShouldResemble, want)
			So(collect(sub2), ShouldResemble, want)
		})
	})

	Convey("未知流 id 与空日志可区分", t, func() {
		b := NewBroker(time.Minute)

		_, ok := b.Attach(context.Background(), "never-issued")
		So(ok, ShouldBeFalse)

		source := make(chan *model.StreamEvent)
		b.Start("empty", source)
		sub, ok := b.Attach(context.Background(), "empty")
		So(ok, ShouldBeTrue)

		close(source)
		// 事件源异常结束会补 error 事件
		So(collect(sub), ShouldResemble, []string{model.EventError})
	})
}

func TestBroker_DetachDoesNotCancel(t *testing.T) {
	Convey("订阅者全部断开后消费继续，事后挂接可得全量日志", t, func() {
		b := NewBroker(time.Minute)
		source := make(chan *model.StreamEvent)
		b.Start("s1", source)

		ctx, cancel := context.WithCancel(context.Background())
		sub, ok := b.Attach(ctx, "s1")
		So(ok, ShouldBeTrue)

		source <- textEvent("a")
		So(<-sub, ShouldNotBeNil)

		// 唯一的订阅者断开
		cancel()

		// 零订阅者期间生成继续推进
		source <- textEvent("b")
		source <- textEvent("c")
		source <- doneEvent()
		close(source)

		So(waitForTerminal(b, "s1"), ShouldBeTrue)

		late, ok := b.Attach(context.Background(), "s1")
		So(ok, ShouldBeTrue)
		So(collect(late), ShouldResemble, []string{"a", "b", "c", model.EventDone})
	})
}

func TestBroker_States(t *testing.T) {
	Convey("流状态按 Starting -> Live -> 终态迁移", t, func() {
		b := NewBroker(50 * time.Millisecond)
		source := make(chan *model.StreamEvent)
		b.Start("s1", source)

		st, ok := b.State("s1")
		So(ok, ShouldBeTrue)
		So(st, ShouldEqual, StateStarting)

		source <- textEvent("a")
		So(waitForEvents(b, "s1", 1), ShouldBeTrue)
		st, _ = b.State("s1")
		So(st, ShouldEqual, StateLive)

		source <- doneEvent()
		close(source)
		So(waitForTerminal(b, "s1"), ShouldBeTrue)
		st, _ = b.State("s1")
		So(st, ShouldEqual, StateCompleted)

		Convey("终态后超过保留窗口日志被清除", func() {
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if _, ok := b.State("s1"); !ok {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			_, ok := b.Attach(context.Background(), "s1")
			So(ok, ShouldBeFalse)
		})
	})

	Convey("error 事件使流进入 Failed", t, func() {
		b := NewBroker(time.Minute)
		source := make(chan *model.StreamEvent)
		b.Start("s1", source)

		source <- &model.StreamEvent{Type: model.EventError, Error: "backend unreachable"}
		close(source)

		So(waitForTerminal(b, "s1"), ShouldBeTrue)
		st, _ := b.State("s1")
		So(st, ShouldEqual, StateFailed)
	})
}

// waitForEvents 轮询直到流日志至少有 n 个事件
func waitForEvents(b *Broker, streamID string, n int) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		e, ok := b.streams[streamID]
		b.mu.Unlock()
		if ok {
			e.mu.Lock()
			count := len(e.events)
			e.mu.Unlock()
			if count >= n {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// waitForTerminal 轮询直到流进入终态
func waitForTerminal(b *Broker, streamID string) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := b.State(streamID); ok && (st == StateCompleted || st == StateFailed) {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

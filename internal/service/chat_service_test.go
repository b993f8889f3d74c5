package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"pomelo/internal/ai"
	"pomelo/internal/model"
	"pomelo/internal/repository"
	"pomelo/internal/stream"
)

type fakeChatStore struct {
	mu     sync.Mutex
	chats  map[string]*model.Chat
	titles map[string]string
}

func newFakeChatStore() *fakeChatStore {
	return &fakeChatStore{chats: make(map[string]*model.Chat), titles: make(map[string]string)}
}

func (f *fakeChatStore) Create(_ context.Context, chat *model.Chat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chats[chat.ID]; ok {
		return nil
	}
	f.chats[chat.ID] = chat
	return nil
}

func (f *fakeChatStore) FindByID(_ context.Context, id string) (*model.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[id]
	if !ok {
		return nil, repository.ErrChatNotFound
	}
	return chat, nil
}

func (f *fakeChatStore) UpdateTitle(_ context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[id] = title
	return nil
}

type fakeMessageStore struct {
	mu   sync.Mutex
	msgs []*model.Message
}

func (f *fakeMessageStore) Append(_ context.Context, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeMessageStore) ListByChat(_ context.Context, chatID string) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Message
	for _, m := range f.msgs {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageStore) Last(_ context.Context, chatID string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].ChatID == chatID {
			return f.msgs[i], nil
		}
	}
	return nil, repository.ErrMessageNotFound
}

func (f *fakeMessageStore) FindByID(_ context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, repository.ErrMessageNotFound
}

func (f *fakeMessageStore) DeleteFrom(_ context.Context, chatID string, ts time.Time, inclusive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.msgs[:0]
	for _, m := range f.msgs {
		drop := m.ChatID == chatID && (m.CreatedAt.After(ts) || (inclusive && m.CreatedAt.Equal(ts)))
		if !drop {
			kept = append(kept, m)
		}
	}
	f.msgs = kept
	return nil
}

func (f *fakeMessageStore) Count(_ context.Context, chatID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.msgs {
		if m.ChatID == chatID {
			n++
		}
	}
	return n, nil
}

func (f *fakeMessageStore) countRole(chatID, role string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.ChatID == chatID && m.Role == role {
			n++
		}
	}
	return n
}

type fakeStreamStore struct {
	mu      sync.Mutex
	streams map[string][]string
}

func newFakeStreamStore() *fakeStreamStore {
	return &fakeStreamStore{streams: make(map[string][]string)}
}

func (f *fakeStreamStore) Register(_ context.Context, s *model.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[s.ChatID] = append(f.streams[s.ChatID], s.ID)
	return nil
}

func (f *fakeStreamStore) ListByChat(_ context.Context, chatID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[chatID], nil
}

// blockingMessageStore 助手消息落库阻塞到 release 关闭为止
type blockingMessageStore struct {
	fakeMessageStore
	release chan struct{}
}

func (b *blockingMessageStore) Append(ctx context.Context, msg *model.Message) error {
	if msg.Role == model.RoleAssistant {
		<-b.release
	}
	return b.fakeMessageStore.Append(ctx, msg)
}

// fakeGenerator 按脚本回放事件，并统计被调用次数
type fakeGenerator struct {
	calls    atomic.Int32
	events   []*model.StreamEvent
	title    string
	lastOpts ai.GenerateOptions
}

func (f *fakeGenerator) Generate(_ context.Context, _ []*model.Message, _ string, opts ai.GenerateOptions) <-chan *model.StreamEvent {
	f.calls.Add(1)
	f.lastOpts = opts
	ch := make(chan *model.StreamEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func (f *fakeGenerator) GenerateTitle(_ context.Context, _ string) (string, error) {
	if f.title == "" {
		return "", errors.New("no title model")
	}
	return f.title, nil
}

func doneEvents(text string) []*model.StreamEvent {
	return []*model.StreamEvent{
		{Type: model.EventTextDelta, Text: text},
		{Type: model.EventDone, Message: &model.Message{
			Role:  model.RoleAssistant,
			Parts: []model.MessagePart{{Type: model.PartTypeText, Text: text}},
		}},
	}
}

func drain(ch <-chan *model.StreamEvent) []*model.StreamEvent {
	var out []*model.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func drainWithin(ch <-chan *model.StreamEvent, timeout time.Duration) []*model.StreamEvent {
	var out []*model.StreamEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func newTestService(gen Generator) (*ChatService, *fakeChatStore, *fakeMessageStore, *fakeStreamStore) {
	chats := newFakeChatStore()
	msgs := &fakeMessageStore{}
	streams := newFakeStreamStore()
	broker := stream.NewBroker(time.Minute)
	return NewChatService(chats, msgs, streams, gen, broker), chats, msgs, streams
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestChatService_Submit(t *testing.T) {
	ctx := context.Background()

	Convey("额度门先于一切生成动作裁决", t, func() {
		gen := &fakeGenerator{events: doneEvents("hi")}
		svc, _, msgs, streams := newTestService(gen)

		_, err := svc.Submit(ctx, &SubmitInput{
			ChatID:  "c1",
			Message: model.IncomingMessage{Content: "hello"},
			Credits: 0,
		})

		So(err, ShouldEqual, ErrQuotaExhausted)
		So(gen.calls.Load(), ShouldEqual, 0)
		ids, _ := streams.ListByChat(ctx, "c1")
		So(ids, ShouldBeEmpty)
		n, _ := msgs.Count(ctx, "c1")
		So(n, ShouldEqual, 0)
	})

	Convey("匿名回合扣减额度且不落库", t, func() {
		gen := &fakeGenerator{events: doneEvents("hi")}
		svc, _, msgs, streams := newTestService(gen)

		res, err := svc.Submit(ctx, &SubmitInput{
			ChatID:  "c1",
			Message: model.IncomingMessage{Content: "hello"},
			Credits: 3,
		})

		So(err, ShouldBeNil)
		So(res.Anonymous, ShouldBeTrue)
		So(res.Remaining, ShouldEqual, 2)

		events := drain(res.Events)
		So(events[len(events)-1].Type, ShouldEqual, model.EventDone)

		// 助手消息不为匿名用户落库
		n, _ := msgs.Count(ctx, "c1")
		So(n, ShouldEqual, 0)
		ids, _ := streams.ListByChat(ctx, "c1")
		So(ids, ShouldBeEmpty)
	})

	Convey("认证回合: 建会话、登记流、恰好落库一次", t, func() {
		gen := &fakeGenerator{events: doneEvents("answer"), title: "Greeting"}
		svc, chats, msgs, streams := newTestService(gen)

		res, err := svc.Submit(ctx, &SubmitInput{
			ChatID:  "c1",
			UserID:  "u1",
			Message: model.IncomingMessage{Content: "hello"},
		})
		So(err, ShouldBeNil)
		So(res.Anonymous, ShouldBeFalse)
		So(res.StreamID, ShouldNotBeEmpty)

		ids, _ := streams.ListByChat(ctx, "c1")
		So(ids, ShouldResemble, []string{res.StreamID})

		_, err = chats.FindByID(ctx, "c1")
		So(err, ShouldBeNil)

		// 两个订阅者同时消费，助手消息仍只落库一次
		events2, ok := svc.broker.Attach(ctx, res.StreamID)
		So(ok, ShouldBeTrue)
		first := drain(res.Events)
		second := drain(events2)
		So(first[len(first)-1].Type, ShouldEqual, model.EventDone)
		So(second[len(second)-1].Type, ShouldEqual, model.EventDone)

		So(waitFor(time.Second, func() bool {
			return msgs.countRole("c1", model.RoleAssistant) == 1
		}), ShouldBeTrue)
		So(msgs.countRole("c1", model.RoleUser), ShouldEqual, 1)

		Convey("首回合异步生成标题", func() {
			So(waitFor(time.Second, func() bool {
				chats.mu.Lock()
				defer chats.mu.Unlock()
				return chats.titles["c1"] == "Greeting"
			}), ShouldBeTrue)
		})
	})

	Convey("终态事件不等待落库", t, func() {
		gen := &fakeGenerator{events: doneEvents("fast")}
		msgs := &blockingMessageStore{release: make(chan struct{})}
		svc := NewChatService(newFakeChatStore(), msgs, newFakeStreamStore(), gen, stream.NewBroker(time.Minute))

		res, err := svc.Submit(ctx, &SubmitInput{
			ChatID:  "c1",
			UserID:  "u1",
			Message: model.IncomingMessage{Content: "hello"},
		})
		So(err, ShouldBeNil)

		// 落库被卡住时订阅者照样拿到 done
		got := drainWithin(res.Events, time.Second)
		So(got, ShouldNotBeEmpty)
		So(got[len(got)-1].Type, ShouldEqual, model.EventDone)
		So(msgs.countRole("c1", model.RoleAssistant), ShouldEqual, 0)

		// 放行后恰好落库一次
		close(msgs.release)
		So(waitFor(time.Second, func() bool {
			return msgs.countRole("c1", model.RoleAssistant) == 1
		}), ShouldBeTrue)
	})

	Convey("请求携带的采样参数传递给生成引擎", t, func() {
		gen := &fakeGenerator{events: doneEvents("hi")}
		svc, _, _, _ := newTestService(gen)

		opts := &model.ChatOptions{Temperature: 0.2, MaxTokens: 128}
		res, err := svc.Submit(ctx, &SubmitInput{
			ChatID:  "c1",
			UserID:  "u1",
			Message: model.IncomingMessage{Content: "hello"},
			Options: opts,
		})
		So(err, ShouldBeNil)
		drain(res.Events)

		So(gen.lastOpts.Options, ShouldEqual, opts)
		So(gen.lastOpts.ToolsEnabled, ShouldBeTrue)
	})

	Convey("对话锁在空闲时回收", t, func() {
		gen := &fakeGenerator{events: doneEvents("hi")}
		svc, _, msgs, _ := newTestService(gen)

		res, err := svc.Submit(ctx, &SubmitInput{
			ChatID:  "c1",
			UserID:  "u1",
			Message: model.IncomingMessage{Content: "hello"},
		})
		So(err, ShouldBeNil)
		drain(res.Events)
		So(svc.TruncateFrom(ctx, "c1", "missing", false), ShouldBeNil)

		So(waitFor(time.Second, func() bool {
			return msgs.countRole("c1", model.RoleAssistant) == 1
		}), ShouldBeTrue)
		So(waitFor(time.Second, func() bool {
			svc.locksMu.Lock()
			defer svc.locksMu.Unlock()
			return len(svc.locks) == 0
		}), ShouldBeTrue)
	})

	Convey("非首回合不再生成标题", t, func() {
		gen := &fakeGenerator{events: doneEvents("again"), title: "Should not appear"}
		svc, chats, msgs, _ := newTestService(gen)

		// 预置一轮历史
		So(chats.Create(ctx, &model.Chat{ID: "c1", UserID: "u1", Title: "old"}), ShouldBeNil)
		So(msgs.Append(ctx, &model.Message{ID: "m1", ChatID: "c1", Role: model.RoleUser}), ShouldBeNil)
		So(msgs.Append(ctx, &model.Message{ID: "m2", ChatID: "c1", Role: model.RoleAssistant}), ShouldBeNil)

		res, err := svc.Submit(ctx, &SubmitInput{
			ChatID:  "c1",
			UserID:  "u1",
			Message: model.IncomingMessage{Content: "more"},
		})
		So(err, ShouldBeNil)
		drain(res.Events)

		So(waitFor(time.Second, func() bool {
			return msgs.countRole("c1", model.RoleAssistant) == 2
		}), ShouldBeTrue)
		chats.mu.Lock()
		_, touched := chats.titles["c1"]
		chats.mu.Unlock()
		So(touched, ShouldBeFalse)
	})
}

func TestChatService_Resume(t *testing.T) {
	ctx := context.Background()

	Convey("从未有过流返回 ErrNoStreams", t, func() {
		svc, _, _, _ := newTestService(&fakeGenerator{})
		_, err := svc.Resume(ctx, "c1")
		So(err, ShouldEqual, ErrNoStreams)
	})

	Convey("代理中仍存活的流可回放", t, func() {
		gen := &fakeGenerator{events: doneEvents("streamed")}
		svc, _, _, _ := newTestService(gen)

		res, err := svc.Submit(ctx, &SubmitInput{
			ChatID:  "c1",
			UserID:  "u1",
			Message: model.IncomingMessage{Content: "hello"},
		})
		So(err, ShouldBeNil)
		drain(res.Events)

		events, err := svc.Resume(ctx, "c1")
		So(err, ShouldBeNil)
		got := drain(events)
		So(got[0].Type, ShouldEqual, model.EventTextDelta)
		So(got[0].Text, ShouldEqual, "streamed")
		So(got[len(got)-1].Type, ShouldEqual, model.EventDone)
	})

	Convey("流已过期时退回最近落库的助手消息", t, func() {
		svc, _, msgs, streams := newTestService(&fakeGenerator{})

		So(streams.Register(ctx, &model.Stream{ID: "gone", ChatID: "c1"}), ShouldBeNil)
		So(msgs.Append(ctx, &model.Message{
			ID: "m1", ChatID: "c1", Role: model.RoleAssistant,
			Parts: []model.MessagePart{{Type: model.PartTypeText, Text: "saved"}},
		}), ShouldBeNil)

		events, err := svc.Resume(ctx, "c1")
		So(err, ShouldBeNil)
		got := drain(events)
		So(got, ShouldHaveLength, 2)
		So(got[0].Type, ShouldEqual, model.EventMessage)
		So(got[0].Message.Text(), ShouldEqual, "saved")
		So(got[1].Type, ShouldEqual, model.EventDone)
	})

	Convey("流过期且最后一条是用户消息时直接结束", t, func() {
		svc, _, msgs, streams := newTestService(&fakeGenerator{})

		So(streams.Register(ctx, &model.Stream{ID: "gone", ChatID: "c1"}), ShouldBeNil)
		So(msgs.Append(ctx, &model.Message{ID: "m1", ChatID: "c1", Role: model.RoleUser}), ShouldBeNil)

		events, err := svc.Resume(ctx, "c1")
		So(err, ShouldBeNil)
		got := drain(events)
		So(got, ShouldHaveLength, 1)
		So(got[0].Type, ShouldEqual, model.EventDone)
	})
}

func TestChatService_TruncateFrom(t *testing.T) {
	ctx := context.Background()

	seed := func(msgs *fakeMessageStore) {
		base := time.Now()
		for i, m := range []struct {
			id, role string
		}{
			{"m1", model.RoleUser},
			{"m2", model.RoleAssistant},
			{"m3", model.RoleUser},
			{"m4", model.RoleAssistant},
		} {
			msgs.msgs = append(msgs.msgs, &model.Message{
				ID: m.id, ChatID: "c1", Role: m.role,
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			})
		}
	}

	Convey("编辑: 连同指定消息一起删除", t, func() {
		svc, _, msgs, _ := newTestService(&fakeGenerator{})
		seed(msgs)

		So(svc.TruncateFrom(ctx, "c1", "m3", true), ShouldBeNil)

		n, _ := msgs.Count(ctx, "c1")
		So(n, ShouldEqual, 2)
		_, err := msgs.FindByID(ctx, "m3")
		So(err, ShouldEqual, repository.ErrMessageNotFound)
	})

	Convey("重试: 只删指定消息之后的内容", t, func() {
		svc, _, msgs, _ := newTestService(&fakeGenerator{})
		seed(msgs)

		So(svc.TruncateFrom(ctx, "c1", "m3", false), ShouldBeNil)

		n, _ := msgs.Count(ctx, "c1")
		So(n, ShouldEqual, 3)
		_, err := msgs.FindByID(ctx, "m3")
		So(err, ShouldBeNil)
	})

	Convey("消息不存在按成功处理", t, func() {
		svc, _, msgs, _ := newTestService(&fakeGenerator{})
		seed(msgs)

		So(svc.TruncateFrom(ctx, "c1", "missing", true), ShouldBeNil)
		n, _ := msgs.Count(ctx, "c1")
		So(n, ShouldEqual, 4)
	})

	Convey("消息属于别的对话时不删任何内容", t, func() {
		svc, _, msgs, _ := newTestService(&fakeGenerator{})
		seed(msgs)
		msgs.msgs = append(msgs.msgs, &model.Message{ID: "x1", ChatID: "c2", CreatedAt: time.Now()})

		So(svc.TruncateFrom(ctx, "c1", "x1", true), ShouldBeNil)
		n, _ := msgs.Count(ctx, "c1")
		So(n, ShouldEqual, 4)
	})
}

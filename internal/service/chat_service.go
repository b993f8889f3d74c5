package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pomelo/internal/ai"
	"pomelo/internal/model"
	"pomelo/internal/pkg/id"
	"pomelo/internal/repository"
	"pomelo/internal/stream"
)

var (
	ErrQuotaExhausted = errors.New("credits exhausted")
	ErrNoStreams      = errors.New("no streams to resume")
)

const (
	maxTitleLength  = 100
	persistAttempts = 3
	persistBackoff  = time.Second
	titleTimeout    = 30 * time.Second
)

// ChatStore 对话存储
type ChatStore interface {
	Create(ctx context.Context, chat *model.Chat) error
	FindByID(ctx context.Context, id string) (*model.Chat, error)
	UpdateTitle(ctx context.Context, id, title string) error
}

// MessageStore 消息存储
type MessageStore interface {
	Append(ctx context.Context, msg *model.Message) error
	ListByChat(ctx context.Context, chatID string) ([]*model.Message, error)
	Last(ctx context.Context, chatID string) (*model.Message, error)
	FindByID(ctx context.Context, id string) (*model.Message, error)
	DeleteFrom(ctx context.Context, chatID string, ts time.Time, inclusive bool) error
	Count(ctx context.Context, chatID string) (int64, error)
}

// StreamStore 流句柄存储
type StreamStore interface {
	Register(ctx context.Context, stream *model.Stream) error
	ListByChat(ctx context.Context, chatID string) ([]string, error)
}

// Generator 生成能力
type Generator interface {
	Generate(ctx context.Context, history []*model.Message, selector string, opts ai.GenerateOptions) <-chan *model.StreamEvent
	GenerateTitle(ctx context.Context, userMessage string) (string, error)
}

// ChatService 对话服务 - 回合编排
// 职责: 校验请求、过额度门、建会话、登记流句柄、启动生成并交给流代理，
// 生成完成后负责落库和标题生成；落库与客户端是否还在连接无关
type ChatService struct {
	chats   ChatStore
	msgs    MessageStore
	streams StreamStore
	engine  Generator
	broker  *stream.Broker

	// 同一对话的删尾和追加必须串行；不同对话互不争用
	locksMu sync.Mutex
	locks   map[string]*chatLock
}

// chatLock 带引用计数的对话级互斥锁
// 计数归零即从表中摘除，表的大小只和在途请求数相关
type chatLock struct {
	mu   sync.Mutex
	refs int
}

// NewChatService 创建对话服务
func NewChatService(chats ChatStore, msgs MessageStore, streams StreamStore, engine Generator, broker *stream.Broker) *ChatService {
	return &ChatService{
		chats:   chats,
		msgs:    msgs,
		streams: streams,
		engine:  engine,
		broker:  broker,
		locks:   make(map[string]*chatLock),
	}
}

// 请求分类: 匿名/认证 × 新回合，在入口一次判定
type submitKind int

const (
	submitAnonymous submitKind = iota
	submitAuthed
)

// SubmitInput 新回合输入
type SubmitInput struct {
	ChatID  string
	UserID  string // 空表示匿名
	Message model.IncomingMessage
	Model   string
	Options *model.ChatOptions // 采样参数覆盖，可空
	// 匿名请求: 服务端校验后的剩余额度；认证请求忽略
	Credits int
	// 匿名请求没有服务端存档，历史由客户端携带
	ClientHistory []model.IncomingMessage
}

// SubmitResult 新回合结果
type SubmitResult struct {
	StreamID  string
	Events    <-chan *model.StreamEvent
	Remaining int  // 匿名请求扣减后的剩余额度
	Anonymous bool
}

// Submit 处理新回合
// 额度门在任何生成开始之前裁决；流句柄在调用生成引擎之前登记
func (s *ChatService) Submit(ctx context.Context, in *SubmitInput) (*SubmitResult, error) {
	logger := log.With().Str("chat_id", in.ChatID).Logger()

	kind := submitAuthed
	if in.UserID == "" {
		kind = submitAnonymous
	}

	result := &SubmitResult{Anonymous: kind == submitAnonymous}

	if kind == submitAnonymous {
		if in.Credits <= 0 {
			return nil, ErrQuotaExhausted
		}
		result.Remaining = in.Credits - 1
	}

	var history []*model.Message
	var firstExchange bool

	switch kind {
	case submitAuthed:
		unlock := s.lockChat(in.ChatID)
		if err := s.ensureChat(ctx, in); err != nil {
			unlock()
			return nil, err
		}
		if err := s.appendUserMessage(ctx, in); err != nil {
			unlock()
			return nil, err
		}
		count, err := s.msgs.Count(ctx, in.ChatID)
		if err == nil {
			firstExchange = count <= 1
		}
		history, err = s.msgs.ListByChat(ctx, in.ChatID)
		unlock()
		if err != nil {
			return nil, err
		}

	case submitAnonymous:
		history = historyFromClient(in.ClientHistory, in.Message)
	}

	// 流句柄先于生成登记: 提交后立即断线也能发现这条流
	streamID := id.New()
	if kind == submitAuthed {
		if err := s.streams.Register(ctx, &model.Stream{ID: streamID, ChatID: in.ChatID}); err != nil {
			return nil, err
		}
	}

	// 生成与落库的生命周期独立于本次 HTTP 请求
	genCtx := context.WithoutCancel(ctx)
	source := s.engine.Generate(genCtx, history, in.Model, ai.GenerateOptions{
		ToolsEnabled: true,
		Options:      in.Options,
	})
	s.broker.Start(streamID, s.pump(genCtx, kind, in, firstExchange, source))

	events, ok := s.broker.Attach(ctx, streamID)
	if !ok {
		// Start 刚登记过，只有保留窗口为零才可能走到这里
		return nil, errors.New("stream vanished before attach")
	}

	logger.Info().Str("stream_id", streamID).Str("model", in.Model).Bool("anonymous", result.Anonymous).Msg("turn started")

	result.StreamID = streamID
	result.Events = events
	return result, nil
}

// pump 转发引擎事件给流代理，并在生成完成时触发落库与标题生成
// done 先转发再触发落库: 订阅者的终态不等待存储。每次生成最多一个
// done 事件，落库仍然恰好被驱动一次，与订阅者数量无关
func (s *ChatService) pump(ctx context.Context, kind submitKind, in *SubmitInput, firstExchange bool, source <-chan *model.StreamEvent) <-chan *model.StreamEvent {
	out := make(chan *model.StreamEvent, 16)
	go func() {
		defer close(out)
		for ev := range source {
			out <- ev
			if ev.Type == model.EventDone && ev.Message != nil && kind == submitAuthed {
				go s.persistAssistant(ctx, in.ChatID, ev.Message)
				if firstExchange {
					go s.refreshTitle(context.WithoutCancel(ctx), in.ChatID, in.Message.Content)
				}
			}
		}
	}()
	return out
}

// persistAssistant 落库助手消息，带有界退避重试
// 重试后仍失败只记日志: 客户端已收到内容，受损的只是持久性
func (s *ChatService) persistAssistant(ctx context.Context, chatID string, msg *model.Message) {
	// 订阅者还在读这条消息，写库前复制一份再填充存储字段
	stored := *msg
	stored.ID = id.New()
	stored.ChatID = chatID
	stored.CreatedAt = time.Now()

	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		unlock := s.lockChat(chatID)
		err = s.msgs.Append(ctx, &stored)
		unlock()
		if err == nil {
			return
		}
		if errors.Is(err, repository.ErrChatNotFound) {
			// 对话在生成期间被删除，无处可写
			break
		}
		if attempt < persistAttempts {
			time.Sleep(persistBackoff * time.Duration(attempt))
		}
	}
	log.Error().Err(err).Str("chat_id", chatID).Msg("failed to persist assistant message")
}

// refreshTitle 异步生成并回写对话标题
func (s *ChatService) refreshTitle(ctx context.Context, chatID, userMessage string) {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	title, err := s.engine.GenerateTitle(ctx, userMessage)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("title generation failed")
		return
	}
	if err := s.chats.UpdateTitle(ctx, chatID, truncateTitle(title)); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to update chat title")
	}
}

// FindChat 查询对话（归属校验交给调用方）
func (s *ChatService) FindChat(ctx context.Context, chatID string) (*model.Chat, error) {
	return s.chats.FindByID(ctx, chatID)
}

// Resume 恢复最近一条流
// 代理里还有就回放加直播；已过期则退回最近落库的助手消息；从未有过流
// 返回 ErrNoStreams
func (s *ChatService) Resume(ctx context.Context, chatID string) (<-chan *model.StreamEvent, error) {
	ids, err := s.streams.ListByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoStreams
	}

	latest := ids[len(ids)-1]
	if events, ok := s.broker.Attach(ctx, latest); ok {
		return events, nil
	}

	// 流已过期（或进程重启过），退回事务存档
	last, err := s.msgs.Last(ctx, chatID)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return syntheticEvents(&model.StreamEvent{Type: model.EventDone}), nil
		}
		return nil, err
	}
	if last.Role != model.RoleAssistant {
		// 最后一条是用户消息: 生成从未完成，客户端应重发
		return syntheticEvents(&model.StreamEvent{Type: model.EventDone}), nil
	}

	return syntheticEvents(
		&model.StreamEvent{Type: model.EventMessage, Message: last},
		&model.StreamEvent{Type: model.EventDone},
	), nil
}

// TruncateFrom 编辑/重试的删尾操作
// inclusive 为 true 时连同指定消息一起删除（编辑），false 只删其后（重试）；
// 消息 id 不存在按成功处理: 客户端持有的 id 可能因早先的落库失败从未入库
func (s *ChatService) TruncateFrom(ctx context.Context, chatID, messageID string, inclusive bool) error {
	unlock := s.lockChat(chatID)
	defer unlock()

	msg, err := s.msgs.FindByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return nil
		}
		return err
	}
	if msg.ChatID != chatID {
		return nil
	}

	return s.msgs.DeleteFrom(ctx, chatID, msg.CreatedAt, inclusive)
}

// ensureChat 确保对话存在（幂等创建，标题取首条消息截断）
func (s *ChatService) ensureChat(ctx context.Context, in *SubmitInput) error {
	return s.chats.Create(ctx, &model.Chat{
		ID:     in.ChatID,
		UserID: in.UserID,
		Title:  truncateTitle(in.Message.Content),
	})
}

// appendUserMessage 落库用户消息
func (s *ChatService) appendUserMessage(ctx context.Context, in *SubmitInput) error {
	msgID := in.Message.ID
	if msgID == "" {
		msgID = id.New()
	}
	return s.msgs.Append(ctx, &model.Message{
		ID:     msgID,
		ChatID: in.ChatID,
		Role:   model.RoleUser,
		Parts: []model.MessagePart{
			{Type: model.PartTypeText, Text: in.Message.Content},
		},
		Attachments: in.Message.Attachments,
	})
}

// lockChat 获取对话级互斥锁，返回的函数释放锁并在无人等待时回收表项
func (s *ChatService) lockChat(chatID string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[chatID]
	if !ok {
		l = &chatLock{}
		s.locks[chatID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, chatID)
		}
		s.locksMu.Unlock()
	}
}

// historyFromClient 用客户端携带的历史拼装生成上下文
func historyFromClient(prior []model.IncomingMessage, latest model.IncomingMessage) []*model.Message {
	history := make([]*model.Message, 0, len(prior)+1)
	for _, m := range prior {
		role := m.Role
		if role == "" {
			role = model.RoleUser
		}
		history = append(history, &model.Message{
			Role:  role,
			Parts: []model.MessagePart{{Type: model.PartTypeText, Text: m.Content}},
		})
	}
	return append(history, &model.Message{
		Role:  model.RoleUser,
		Parts: []model.MessagePart{{Type: model.PartTypeText, Text: latest.Content}},
	})
}

// syntheticEvents 构造一条立即结束的事件序列
func syntheticEvents(evs ...*model.StreamEvent) <-chan *model.StreamEvent {
	ch := make(chan *model.StreamEvent, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return ch
}

// truncateTitle 截断标题（尽量落在词边界）
func truncateTitle(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= maxTitleLength {
		return s
	}
	truncated := string(runes[:maxTitleLength])
	if i := strings.LastIndex(truncated, " "); i > maxTitleLength/2 {
		truncated = truncated[:i]
	}
	return truncated
}

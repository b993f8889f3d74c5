package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pomelo/internal/model"
)

// MessageRepo 消息仓库
// 消息按 created_at 升序构成对话时间线，_id 作同刻 tiebreak；
// 只支持追加和删尾，不支持原地修改
type MessageRepo struct {
	messages *mongo.Collection
	chats    *mongo.Collection
}

// NewMessageRepo 创建消息仓库
func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		messages: db.Collection("messages"),
		chats:    db.Collection("chats"),
	}
}

// Append 追加消息
// 引用的对话不存在时返回 ErrChatNotFound
func (r *MessageRepo) Append(ctx context.Context, msg *model.Message) error {
	n, err := r.chats.CountDocuments(ctx, bson.M{"_id": msg.ChatID}, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrChatNotFound
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if _, err := r.messages.InsertOne(ctx, msg); err != nil {
		return err
	}

	// 追加消息视为对话活动，刷新 updated_at
	_, err = r.chats.UpdateByID(ctx, msg.ChatID, bson.M{"$set": bson.M{"updated_at": time.Now()}})
	return err
}

// ListByChat 查询对话全部消息（时间升序）
func (r *MessageRepo) ListByChat(ctx context.Context, chatID string) ([]*model.Message, error) {
	opts := options.Find().
		SetSort(bson.D{bson.E{Key: "created_at", Value: 1}, bson.E{Key: "_id", Value: 1}})

	cursor, err := r.messages.Find(ctx, bson.M{"chat_id": chatID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var msgs []*model.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Last 查询对话最近一条消息
func (r *MessageRepo) Last(ctx context.Context, chatID string) (*model.Message, error) {
	opts := options.FindOne().
		SetSort(bson.D{bson.E{Key: "created_at", Value: -1}, bson.E{Key: "_id", Value: -1}})

	var msg model.Message
	err := r.messages.FindOne(ctx, bson.M{"chat_id": chatID}, opts).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// FindByID 根据消息 ID 查询
func (r *MessageRepo) FindByID(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := r.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// DeleteFrom 删除对话中指定时间点之后的消息（编辑/重试的删尾操作）
// inclusive 为 true 时包含该时间点的消息本身
func (r *MessageRepo) DeleteFrom(ctx context.Context, chatID string, ts time.Time, inclusive bool) error {
	op := "$gt"
	if inclusive {
		op = "$gte"
	}
	_, err := r.messages.DeleteMany(ctx, bson.M{
		"chat_id":    chatID,
		"created_at": bson.M{op: ts},
	})
	return err
}

// DeleteByChat 删除对话全部消息
func (r *MessageRepo) DeleteByChat(ctx context.Context, chatID string) error {
	_, err := r.messages.DeleteMany(ctx, bson.M{"chat_id": chatID})
	return err
}

// Count 统计对话消息数
func (r *MessageRepo) Count(ctx context.Context, chatID string) (int64, error) {
	return r.messages.CountDocuments(ctx, bson.M{"chat_id": chatID})
}

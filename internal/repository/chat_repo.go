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

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
)

// ChatRepo 对话仓库
type ChatRepo struct {
	collection *mongo.Collection
}

// NewChatRepo 创建对话仓库
func NewChatRepo(db *mongo.Database) *ChatRepo {
	return &ChatRepo{
		collection: db.Collection("chats"),
	}
}

// Create 创建对话
// 幂等: 对话 id 由客户端生成，两个并发请求用同一 id 创建时双方意图一致，
// 重复键错误按创建成功处理
func (r *ChatRepo) Create(ctx context.Context, chat *model.Chat) error {
	now := time.Now()
	chat.CreatedAt = now
	chat.UpdatedAt = now

	_, err := r.collection.InsertOne(ctx, chat)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return err
	}
	return nil
}

// FindByID 根据 ID 查询
func (r *ChatRepo) FindByID(ctx context.Context, id string) (*model.Chat, error) {
	var chat model.Chat
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&chat)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	return &chat, nil
}

// ListByUserID 查询用户对话列表（按更新时间倒序）
func (r *ChatRepo) ListByUserID(ctx context.Context, userID string, limit, offset int64) ([]*model.Chat, error) {
	opts := options.Find().
		SetSort(bson.D{bson.E{Key: "updated_at", Value: -1}}).
		SetLimit(limit).
		SetSkip(offset)

	cursor, err := r.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var chats []*model.Chat
	if err := cursor.All(ctx, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// UpdateTitle 更新对话标题
func (r *ChatRepo) UpdateTitle(ctx context.Context, id, title string) error {
	update := bson.M{"$set": bson.M{"title": title, "updated_at": time.Now()}}
	_, err := r.collection.UpdateByID(ctx, id, update)
	return err
}

// Touch 刷新对话更新时间
func (r *ChatRepo) Touch(ctx context.Context, id string) error {
	_, err := r.collection.UpdateByID(ctx, id, bson.M{"$set": bson.M{"updated_at": time.Now()}})
	return err
}

// SetSharePath 设置分享路径（校验归属）
func (r *ChatRepo) SetSharePath(ctx context.Context, id, userID, sharePath string) error {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "user_id": userID},
		bson.M{"$set": bson.M{"share_path": sharePath, "updated_at": time.Now()}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrChatNotFound
	}
	return nil
}

// ClearSharePath 取消分享（校验归属）
func (r *ChatRepo) ClearSharePath(ctx context.Context, id, userID string) error {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "user_id": userID},
		bson.M{"$unset": bson.M{"share_path": ""}, "$set": bson.M{"updated_at": time.Now()}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrChatNotFound
	}
	return nil
}

// FindBySharePath 根据分享路径查询
func (r *ChatRepo) FindBySharePath(ctx context.Context, sharePath string) (*model.Chat, error) {
	var chat model.Chat
	err := r.collection.FindOne(ctx, bson.M{"share_path": sharePath}).Decode(&chat)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	return &chat, nil
}

// Delete 删除对话（校验归属）
func (r *ChatRepo) Delete(ctx context.Context, id, userID string) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id, "user_id": userID})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrChatNotFound
	}
	return nil
}

// Exists 检查对话是否存在
func (r *ChatRepo) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.collection.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	return n > 0, err
}

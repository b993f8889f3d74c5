package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pomelo/internal/model"
)

// StreamRepo 流句柄仓库
// 与消息分开存储: 流句柄必须在生成开始前写入（零输出断线也要可恢复），
// 消息则在内容产生之后才落库，两者写入时机不同
type StreamRepo struct {
	collection *mongo.Collection
}

// NewStreamRepo 创建流句柄仓库
func NewStreamRepo(db *mongo.Database) *StreamRepo {
	return &StreamRepo{
		collection: db.Collection("streams"),
	}
}

// Register 登记流句柄（只增）
func (r *StreamRepo) Register(ctx context.Context, stream *model.Stream) error {
	if stream.CreatedAt.IsZero() {
		stream.CreatedAt = time.Now()
	}
	_, err := r.collection.InsertOne(ctx, stream)
	return err
}

// ListByChat 查询对话的全部流 id（创建顺序）
func (r *StreamRepo) ListByChat(ctx context.Context, chatID string) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{bson.E{Key: "created_at", Value: 1}, bson.E{Key: "_id", Value: 1}})

	cursor, err := r.collection.Find(ctx, bson.M{"chat_id": chatID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var streams []*model.Stream
	if err := cursor.All(ctx, &streams); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(streams))
	for _, s := range streams {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// DeleteByChat 删除对话全部流句柄
func (r *StreamRepo) DeleteByChat(ctx context.Context, chatID string) error {
	_, err := r.collection.DeleteMany(ctx, bson.M{"chat_id": chatID})
	return err
}

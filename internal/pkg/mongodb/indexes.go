package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes 创建所有集合的索引
// 统一入口，在应用启动时调用
func EnsureIndexes(db *mongo.Database) error {
	ctx := context.Background()

	// chats 集合索引
	chatColl := db.Collection("chats")
	chatIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "user_id", Value: 1}, bson.E{Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("idx_user_updated"),
		},
		{
			Keys: bson.D{bson.E{Key: "share_path", Value: 1}},
			Options: options.Index().SetName("idx_share_path").SetUnique(true).
				SetPartialFilterExpression(bson.M{"share_path": bson.M{"$type": "string"}}),
		},
	}
	if err := CreateIndexes(ctx, chatColl, chatIndexes); err != nil {
		return err
	}

	// messages 集合索引: 列表按时间升序，删尾按时间范围过滤
	msgColl := db.Collection("messages")
	msgIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "chat_id", Value: 1}, bson.E{Key: "created_at", Value: 1}},
			Options: options.Index().SetName("idx_chat_created"),
		},
	}
	if err := CreateIndexes(ctx, msgColl, msgIndexes); err != nil {
		return err
	}

	// streams 集合索引
	streamColl := db.Collection("streams")
	streamIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "chat_id", Value: 1}, bson.E{Key: "created_at", Value: 1}},
			Options: options.Index().SetName("idx_chat_created"),
		},
	}
	if err := CreateIndexes(ctx, streamColl, streamIndexes); err != nil {
		return err
	}

	// users 集合索引
	userColl := db.Collection("users")
	userIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "username", Value: 1}},
			Options: options.Index().SetName("idx_username").SetUnique(true),
		},
		{
			Keys:    bson.D{bson.E{Key: "email", Value: 1}},
			Options: options.Index().SetName("idx_email").SetUnique(true),
		},
		{
			Keys:    bson.D{bson.E{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_created_at"),
		},
	}
	if err := CreateIndexes(ctx, userColl, userIndexes); err != nil {
		return err
	}

	// refresh_tokens 集合索引
	refreshTokenColl := db.Collection("refresh_tokens")
	refreshTokenIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "user_id", Value: 1}},
			Options: options.Index().SetName("idx_user_id"),
		},
		{
			Keys:    bson.D{bson.E{Key: "token", Value: 1}},
			Options: options.Index().SetName("idx_token").SetUnique(true),
		},
		{
			Keys:    bson.D{bson.E{Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("idx_expires_at").SetExpireAfterSeconds(0), // TTL索引，自动删除过期token
		},
	}
	if err := CreateIndexes(ctx, refreshTokenColl, refreshTokenIndexes); err != nil {
		return err
	}

	return nil
}

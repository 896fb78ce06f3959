package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hitoshi/botpanel/internal/model"
)

// mongoUser はusersコレクションのドキュメント形式。
type mongoUser struct {
	ID              string    `bson:"_id"`
	DiscordID       string    `bson:"discord_id"`
	DiscordUsername string    `bson:"discord_username"`
	DiscordAvatar   string    `bson:"discord_avatar"`
	AccessToken     string    `bson:"access_token"`
	RefreshToken    string    `bson:"refresh_token"`
	TokenExpiresAt  time.Time `bson:"token_expires_at"`
	Role            string    `bson:"role"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

func (d *mongoUser) toModel() *model.User {
	return &model.User{
		ID: d.ID,
		Identity: model.ExternalIdentity{
			ExternalID:  d.DiscordID,
			DisplayName: d.DiscordUsername,
			AvatarURL:   d.DiscordAvatar,
		},
		Tokens: model.TokenPair{
			AccessToken:  d.AccessToken,
			RefreshToken: d.RefreshToken,
			ExpiresAt:    d.TokenExpiresAt.UTC(),
		},
		Role:      model.Role(d.Role),
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

// ConnectMongo はMongoDBに接続し、Pingで疎通を確認したクライアントを返す。
// 呼び出し側はclient.Disconnectで切断すること。
func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// MongoUserRepo はMongoDBを使用したユーザーリポジトリ。
type MongoUserRepo struct {
	col *mongo.Collection
}

// NewMongoUserRepo はMongoUserRepoを生成する。
func NewMongoUserRepo(col *mongo.Collection) *MongoUserRepo {
	return &MongoUserRepo{col: col}
}

// EnsureIndexes はdiscord_idのユニークインデックスを作成する。既に存在する場合は何もしない。
func (r *MongoUserRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "discord_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("users_discord_id_unique"),
	})
	if err != nil {
		return fmt.Errorf("failed to create discord_id index: %w", err)
	}
	return nil
}

func (r *MongoUserRepo) findOne(ctx context.Context, filter bson.M) (*model.User, error) {
	var doc mongoUser
	if err := r.col.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return doc.toModel(), nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *MongoUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := r.findOne(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to find user by id: %w", err)
	}
	return user, nil
}

// FindByExternalID は外部IDでユーザーを取得する。見つからない場合はnilを返す。
func (r *MongoUserRepo) FindByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	user, err := r.findOne(ctx, bson.M{"discord_id": externalID})
	if err != nil {
		return nil, fmt.Errorf("failed to find user by discord id: %w", err)
	}
	return user, nil
}

// UpsertByExternalID は外部IDをキーにユーザーを作成または更新する。
// _id、role、created_atは$setOnInsertで新規作成時のみ書き込む。
func (r *MongoUserRepo) UpsertByExternalID(ctx context.Context, user *model.User) (*model.User, error) {
	filter := bson.M{"discord_id": user.Identity.ExternalID}
	update := bson.M{
		"$set": bson.M{
			"discord_username": user.Identity.DisplayName,
			"discord_avatar":   user.Identity.AvatarURL,
			"access_token":     user.Tokens.AccessToken,
			"refresh_token":    user.Tokens.RefreshToken,
			"token_expires_at": user.Tokens.ExpiresAt.UTC(),
			"updated_at":       user.UpdatedAt.UTC(),
		},
		"$setOnInsert": bson.M{
			"_id":        user.ID,
			"role":       string(user.Role),
			"created_at": user.CreatedAt.UTC(),
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc mongoUser
	if err := r.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return doc.toModel(), nil
}

// UpdateTokens はトークンペアを更新する。ユーザーが存在しない場合はnilを返す。
func (r *MongoUserRepo) UpdateTokens(ctx context.Context, id string, tokens model.TokenPair, updatedAt time.Time) (*model.User, error) {
	update := bson.M{"$set": bson.M{
		"access_token":     tokens.AccessToken,
		"refresh_token":    tokens.RefreshToken,
		"token_expires_at": tokens.ExpiresAt.UTC(),
		"updated_at":       updatedAt.UTC(),
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoUser
	if err := r.col.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update tokens: %w", err)
	}
	return doc.toModel(), nil
}

// UpdateRole はユーザーのロールを更新する。
func (r *MongoUserRepo) UpdateRole(ctx context.Context, id string, role model.Role, updatedAt time.Time) error {
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"role":       string(role),
		"updated_at": updatedAt.UTC(),
	}})
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByID は指定IDのユーザーを削除する。
func (r *MongoUserRepo) DeleteByID(ctx context.Context, id string) error {
	res, err := r.col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*MongoUserRepo)(nil)

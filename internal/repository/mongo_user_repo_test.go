package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TEST_MONGO_URI が設定されている場合のみ実行する。
func TestMongoUserRepo_Contract(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI が未設定のためスキップ")
	}

	ctx := context.Background()
	client, err := ConnectMongo(ctx, uri, 5*time.Second)
	if err != nil {
		t.Skipf("MongoDBに接続できません（スキップ）: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	runUserRepoContract(t, func(t *testing.T) UserRepository {
		db := client.Database("botpanel_test_" + uuid.NewString()[:8])
		t.Cleanup(func() { _ = db.Drop(context.Background()) })

		repo := NewMongoUserRepo(db.Collection("users"))
		if err := repo.EnsureIndexes(ctx); err != nil {
			t.Fatalf("EnsureIndexes: %v", err)
		}
		return repo
	})
}

package store

import (
	"context"
	"time"

	"github.com/go-redis/redis"
)

// RedisConfig はRedisエンドポイントの接続設定
type RedisConfig struct {
	Addr         string        // host:port
	Password     string        // AUTHパスワード
	DB           int           // DB番号
	DialTimeout  time.Duration // 接続タイムアウト
	ReadTimeout  time.Duration // 読み込みタイムアウト
	WriteTimeout time.Duration // 書き込みタイムアウト
	PoolSize     int           // コネクションプールサイズ（0でgo-redisのデフォルト）
}

// DefaultRedisConfig はデフォルト設定を返す
func DefaultRedisConfig(addr string) RedisConfig {
	return RedisConfig{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
}

// Redis はgo-redisによるClient実装
// go-redisのクライアントはプールを持ちゴルーチン間で共有できる
type Redis struct {
	name   string
	client *redis.Client
}

var _ Client = (*Redis)(nil)

// NewRedis は新しいRedisクライアントを作成する
func NewRedis(name string, config RedisConfig) *Redis {
	return &Redis{
		name: name,
		client: redis.NewClient(&redis.Options{
			Addr:         config.Addr,
			Password:     config.Password,
			DB:           config.DB,
			DialTimeout:  config.DialTimeout,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			PoolSize:     config.PoolSize,
			// リトライはハーネス側で制御する
			MaxRetries: 0,
		}),
	}
}

// Name はエンドポイント名を返す
func (r *Redis) Name() string {
	return r.name
}

// Addr は接続先アドレスを返す
func (r *Redis) Addr() string {
	return r.client.Options().Addr
}

// Ping はPINGを送信する
func (r *Redis) Ping(ctx context.Context) error {
	return Wrap(r.name, "ping", r.client.WithContext(ctx).Ping().Err())
}

// Write はSETを実行する
func (r *Redis) Write(ctx context.Context, key, value string) error {
	return Wrap(r.name, "write", r.client.WithContext(ctx).Set(key, value, 0).Err())
}

// Read はGETを実行する
func (r *Redis) Read(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.WithContext(ctx).Get(key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, Wrap(r.name, "read", err)
	}
	return value, true, nil
}

// Incr はINCRを実行する
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.WithContext(ctx).Incr(key).Result()
	return n, Wrap(r.name, "incr", err)
}

// Decr はDECRを実行する
func (r *Redis) Decr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.WithContext(ctx).Decr(key).Result()
	return n, Wrap(r.name, "decr", err)
}

// Close はコネクションプールを閉じる
func (r *Redis) Close() error {
	return r.client.Close()
}

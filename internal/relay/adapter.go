package relay

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// streamClient is the subset of the Redis client the relay uses.
type streamClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// objectStore is the subset of the MinIO client the relay uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PresignedPutObject(ctx context.Context, bucketName, objectName string, expires time.Duration) (*url.URL, error)
}

// Adapter is the transport to the relay: outbound messages go to a Redis
// stream and attachments to presigned S3 URLs.
type Adapter struct {
	*Uploader

	rdb     streamClient
	objects objectStore
	relay   config.RelayConfig
	storage config.StorageConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewAdapter creates the Redis and MinIO clients. No connection is made
// until Connect.
func NewAdapter(relayCfg config.RelayConfig, storageCfg config.StorageConfig, uploader *Uploader, logger *zap.Logger) (*Adapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     relayCfg.Addr,
		Password: relayCfg.Password,
		DB:       relayCfg.DB,
	})
	objects, err := minio.New(storageCfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(storageCfg.AccessKey, storageCfg.SecretKey, ""),
		Secure: storageCfg.Secure,
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("create MinIO client: %w", err)
	}
	return newAdapter(rdb, objects, relayCfg, storageCfg, uploader, logger), nil
}

func newAdapter(rdb streamClient, objects objectStore, relayCfg config.RelayConfig, storageCfg config.StorageConfig, uploader *Uploader, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		Uploader: uploader,
		rdb:      rdb,
		objects:  objects,
		relay:    relayCfg,
		storage:  storageCfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Connect checks the relay and makes sure the attachment bucket exists.
func (a *Adapter) Connect(ctx context.Context) error {
	a.logger.Info("connecting to relay", zap.String("addr", a.relay.Addr))
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping relay: %w", err)
	}
	exists, err := a.objects.BucketExists(ctx, a.storage.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := a.objects.MakeBucket(ctx, a.storage.Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		a.logger.Info("created attachment bucket", zap.String("bucket", a.storage.Bucket))
	}
	return nil
}

// Close releases the Redis connection pool.
func (a *Adapter) Close() error {
	if c, ok := a.rdb.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// SendMessage appends msg to the outbound stream and announces it on the
// delivery channel. The stream entry id is the server id.
func (a *Adapter) SendMessage(ctx context.Context, msg *model.Message, conv *model.Conversation) (*model.DeliveryOutcome, error) {
	body, err := outgoingEnvelope(uuid.NewString(), msg, conv)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	id, err := a.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: a.relay.OutboundStream,
		Values: map[string]any{EnvelopeField: string(body)},
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("send message %s: %w", msg.ID, err)
	}
	if err := a.rdb.Publish(ctx, a.relay.NotifyChannel, id).Err(); err != nil {
		a.logger.Warn("delivery notification failed", zap.String("msg_id", msg.ID), zap.Error(err))
	}
	a.logger.Debug("message relayed", zap.String("msg_id", msg.ID), zap.String("entry_id", id))
	return &model.DeliveryOutcome{ServerID: id, Timestamp: a.now().UnixMilli()}, nil
}

// RetrieveUploadURL presigns a PUT for a fresh object key. The key is the
// attachment's storage id.
func (a *Adapter) RetrieveUploadURL(ctx context.Context) (*model.UploadDestination, error) {
	key := "attachments/" + uuid.NewString()
	u, err := a.objects.PresignedPutObject(ctx, a.storage.Bucket, key, a.storage.URLExpiry)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}
	return &model.UploadDestination{Location: u.String(), ID: key}, nil
}

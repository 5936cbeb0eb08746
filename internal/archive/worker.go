package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/eventchat/internal/causal"
	"github.com/example/eventchat/internal/storage"
	"github.com/example/eventchat/internal/types"
)

const (
	defaultInterval  = 5 * time.Minute
	defaultThreshold = 100
)

// Transcript is the exported form of one conversation's ordered history.
type Transcript struct {
	Conversation types.ConversationID     `json:"conversation_id"`
	Kind         types.ConversationKind   `json:"kind"`
	ExportedAt   time.Time                `json:"exported_at"`
	Messages     []*causal.MessageVersion `json:"messages"`
}

// ArchiveStore is the slice of the store the worker needs.
type ArchiveStore interface {
	LastArchive(ctx context.Context, conv types.ConversationID) (storage.ArchiveRef, error)
	RecordArchive(ctx context.Context, ref storage.ArchiveRef) error
}

// Uploader stores transcript bytes in object storage.
type Uploader interface {
	Upload(ctx context.Context, objectPath string, data []byte) error
}

// ObjectUploader uploads to MinIO/S3.
type ObjectUploader struct {
	client *minio.Client
	bucket string
}

// NewObjectUploader creates an uploader backed by MinIO/S3.
func NewObjectUploader(client *minio.Client, bucket string) *ObjectUploader {
	return &ObjectUploader{client: client, bucket: bucket}
}

// Upload implements Uploader.
func (u *ObjectUploader) Upload(ctx context.Context, objectPath string, data []byte) error {
	if u.client == nil {
		return fmt.Errorf("object storage client is not configured")
	}
	_, err := u.client.PutObject(ctx, u.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// Worker periodically walks the loaded conversations and exports their
// ordered message history to object storage once enough new messages have
// accumulated since the last export.
type Worker struct {
	registry *causal.Registry
	store    ArchiveStore
	uploader Uploader

	interval  time.Duration
	threshold int

	logger zerolog.Logger
}

// NewWorker constructs an archive worker with sane defaults.
func NewWorker(registry *causal.Registry, store ArchiveStore, uploader Uploader, logger zerolog.Logger) *Worker {
	return &Worker{
		registry:  registry,
		store:     store,
		uploader:  uploader,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		logger:    logger,
	}
}

// WithInterval overrides the sweep interval.
func (w *Worker) WithInterval(d time.Duration) *Worker {
	if d > 0 {
		w.interval = d
	}
	return w
}

// WithThreshold overrides the new-message count that triggers an export.
func (w *Worker) WithThreshold(n int) *Worker {
	if n > 0 {
		w.threshold = n
	}
	return w
}

// Start begins the periodic export loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	for _, ref := range w.registry.Conversations() {
		if err := w.processConversation(ctx, ref); err != nil {
			w.logger.Error().Err(err).Str("conversation", string(ref.ID)).Msg("transcript export failed")
		}
	}
}

func (w *Worker) processConversation(ctx context.Context, ref causal.ConversationRef) error {
	sync := w.registry.Get(ref.Kind, ref.ID)

	last, err := w.store.LastArchive(ctx, ref.ID)
	if err != nil {
		return fmt.Errorf("lookup last archive: %w", err)
	}

	count := sync.MessageCount()
	if count-last.MessageCount < w.threshold {
		return nil
	}

	now := time.Now().UTC()
	transcript := Transcript{
		Conversation: ref.ID,
		Kind:         ref.Kind,
		ExportedAt:   now,
		Messages:     sync.OrderedMessages(0),
	}

	data, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	objectPath := fmt.Sprintf("transcripts/%s/%d.json", ref.ID, now.UnixNano())
	if err := w.uploader.Upload(ctx, objectPath, data); err != nil {
		return fmt.Errorf("upload transcript: %w", err)
	}

	if err := w.store.RecordArchive(ctx, storage.ArchiveRef{
		Conversation: ref.ID,
		ObjectPath:   objectPath,
		MessageCount: count,
		CreatedAt:    now,
	}); err != nil {
		return fmt.Errorf("persist archive ref: %w", err)
	}

	w.logger.Info().Str("conversation", string(ref.ID)).Int("messages", count).Msg("transcript exported")
	return nil
}

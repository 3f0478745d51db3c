package queues

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	logger "github.com/Yulian302/lfusys-services-assets/commons/logging"
	"github.com/Yulian302/lfusys-services-assets/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type FileFinalizedHandler interface {
	HandleFileFinalized(ctx context.Context, evt models.FileFinalizedEvent) error
}

// FinalizationEventsReceiver consumes "file finalized" events emitted by the
// offload worker.
type FinalizationEventsReceiver struct {
	client   SQSAPI
	handler  FileFinalizedHandler
	queueUrl string

	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewFinalizationEventsReceiver(
	parent context.Context,
	client SQSAPI,
	handler FileFinalizedHandler,
	queueUrl string,
	l logger.Logger,
) *FinalizationEventsReceiver {
	ctx, cancel := context.WithCancel(parent)

	return &FinalizationEventsReceiver{
		client:   client,
		handler:  handler,
		queueUrl: queueUrl,
		logger:   l,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *FinalizationEventsReceiver) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.pollLoop()
	}()
}

func (r *FinalizationEventsReceiver) pollLoop() error {
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		out, err := r.client.ReceiveMessage(r.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.queueUrl),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20, // long poll
			VisibilityTimeout:   60,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.logger.Warn("receive finalization events failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range out.Messages {
			r.handleMessage(r.ctx, msg)
		}
	}
}

func (r *FinalizationEventsReceiver) deleteMessage(ctx context.Context, msg types.Message) {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueUrl),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		r.logger.Error("failed to delete finalization event", "message_id", aws.ToString(msg.MessageId), "error", err)
	}
}

func (r *FinalizationEventsReceiver) handleMessage(ctx context.Context, msg types.Message) {
	if msg.Body == nil {
		r.deleteMessage(ctx, msg)
		return
	}

	var evt models.FileFinalizedEvent
	if err := json.Unmarshal([]byte(*msg.Body), &evt); err != nil || evt.AssetId == "" || evt.DatabaseId == "" {
		// poison message
		r.logger.Warn("dropping malformed finalization event", "message_id", aws.ToString(msg.MessageId), "error", err)
		r.deleteMessage(ctx, msg)
		return
	}

	if err := r.handler.HandleFileFinalized(ctx, evt); err != nil {
		r.logger.Error("finalization event handling failed, will retry", "upload_id", evt.UploadId, "asset_id", evt.AssetId, "error", err)
		return // visibility timeout redelivers
	}

	r.deleteMessage(ctx, msg)
}

func (r *FinalizationEventsReceiver) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package queues

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	logger "github.com/Yulian302/lfusys-services-assets/commons/logging"
	"github.com/Yulian302/lfusys-services-assets/commons/metrics"
	"github.com/Yulian302/lfusys-services-assets/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/segmentio/kafka-go"
)

// OffloadGateway hands large-file finalization to an out-of-process worker.
// Publish never fails loudly: it reports whether the job was accepted and
// leaves the fallback decision to the caller.
type OffloadGateway interface {
	Publish(ctx context.Context, job models.FinalizationJob) bool
}

func ValidateJob(job models.FinalizationJob) error {
	var missing []string
	check := func(name, v string) {
		if v == "" {
			missing = append(missing, name)
		}
	}
	check("uploadId", job.UploadId)
	check("assetId", job.AssetId)
	check("databaseId", job.DatabaseId)
	check("uploadType", string(job.UploadType))
	check("bucket", job.Bucket)
	check("relativeKey", job.RelativeKey)
	check("tempKey", job.TempKey)
	check("finalKey", job.FinalKey)

	switch job.Kind {
	case models.FinalizationJobMultipart:
		check("storeUploadId", job.StoreUploadId)
		if len(job.Parts) == 0 {
			missing = append(missing, "parts")
		}
	case models.FinalizationJobExternal:
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}

	if len(missing) > 0 {
		return fmt.Errorf("finalization job missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func encodeJob(job models.FinalizationJob) ([]byte, error) {
	if job.QueuedAt.IsZero() {
		job.QueuedAt = time.Now().UTC()
	}
	if err := ValidateJob(job); err != nil {
		return nil, err
	}
	return json.Marshal(job)
}

// SQSAPI is the subset of *sqs.Client used by the queues package.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSOffloadGateway struct {
	client   SQSAPI
	queueUrl string

	logger logger.Logger
}

func NewSQSOffloadGateway(client SQSAPI, queueUrl string, l logger.Logger) *SQSOffloadGateway {
	return &SQSOffloadGateway{client: client, queueUrl: queueUrl, logger: l}
}

func (g *SQSOffloadGateway) Publish(ctx context.Context, job models.FinalizationJob) bool {
	body, err := encodeJob(job)
	if err != nil {
		g.logger.Error("refusing to publish finalization job", "upload_id", job.UploadId, "relative_key", job.RelativeKey, "error", err)
		metrics.OffloadPublishes.WithLabelValues("sqs", "invalid").Inc()
		return false
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(g.queueUrl),
		MessageBody: aws.String(string(body)),
	}
	if strings.HasSuffix(g.queueUrl, ".fifo") {
		// same file, same dedup id: a retried hand-off inside the dedup
		// window is dropped by the queue
		in.MessageGroupId = aws.String(job.UploadId)
		in.MessageDeduplicationId = aws.String(dedupID(job))
	}

	if _, err := g.client.SendMessage(ctx, in); err != nil {
		g.logger.Error("failed to publish finalization job", "upload_id", job.UploadId, "relative_key", job.RelativeKey, "error", err)
		metrics.OffloadPublishes.WithLabelValues("sqs", "error").Inc()
		return false
	}

	g.logger.Info("finalization job queued", "upload_id", job.UploadId, "relative_key", job.RelativeKey, "size", job.TotalSize)
	metrics.OffloadPublishes.WithLabelValues("sqs", "ok").Inc()
	return true
}

func dedupID(job models.FinalizationJob) string {
	sum := sha256.Sum256([]byte(job.UploadId + "\x00" + job.RelativeKey + "\x00" + job.StoreUploadId))
	return hex.EncodeToString(sum[:])
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaOffloadGateway struct {
	writer MessageWriter

	logger logger.Logger
}

func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(brokers)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func NewKafkaOffloadGateway(w MessageWriter, l logger.Logger) *KafkaOffloadGateway {
	return &KafkaOffloadGateway{writer: w, logger: l}
}

func (g *KafkaOffloadGateway) Publish(ctx context.Context, job models.FinalizationJob) bool {
	body, err := encodeJob(job)
	if err != nil {
		g.logger.Error("refusing to publish finalization job", "upload_id", job.UploadId, "relative_key", job.RelativeKey, "error", err)
		metrics.OffloadPublishes.WithLabelValues("kafka", "invalid").Inc()
		return false
	}

	err = g.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.UploadId),
		Value: body,
	})
	if err != nil {
		g.logger.Error("failed to publish finalization job", "upload_id", job.UploadId, "relative_key", job.RelativeKey, "error", err)
		metrics.OffloadPublishes.WithLabelValues("kafka", "error").Inc()
		return false
	}

	metrics.OffloadPublishes.WithLabelValues("kafka", "ok").Inc()
	return true
}

func (g *KafkaOffloadGateway) Shutdown(context.Context) error {
	return g.writer.Close()
}

// DisabledOffloadGateway rejects every job, which makes callers fall back to
// synchronous completion.
type DisabledOffloadGateway struct{}

func (DisabledOffloadGateway) Publish(context.Context, models.FinalizationJob) bool { return false }

func SplitBrokers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

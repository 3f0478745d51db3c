package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperror "github.com/Yulian302/lfusys-services-assets/commons/errors"
	"github.com/Yulian302/lfusys-services-assets/commons/health"
	logger "github.com/Yulian302/lfusys-services-assets/commons/logging"
	"github.com/Yulian302/lfusys-services-assets/commons/retries"
	"github.com/Yulian302/lfusys-services-assets/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type SessionStore interface {
	CreateSession(ctx context.Context, session models.UploadSession) error
	GetSession(ctx context.Context, uploadID, assetID string) (*models.UploadSession, error)
	// SaveSession overwrites the record unconditionally.
	SaveSession(ctx context.Context, session models.UploadSession) error
	// BeginProcessing moves the session to "processing" unless another
	// completion holds an unexpired lease on it.
	BeginProcessing(ctx context.Context, session *models.UploadSession, lease time.Duration) error
	// Delete is best effort: failures are logged, never returned.
	Delete(ctx context.Context, uploadID, assetID string)

	health.ReadinessCheck
}

type SessionStoreImpl struct {
	client    *dynamodb.Client
	tableName string
	policy    retries.Policy
	now       func() time.Time

	logger logger.Logger
}

func NewSessionStoreImpl(client *dynamodb.Client, tableName string, policy retries.Policy, l logger.Logger) *SessionStoreImpl {
	return &SessionStoreImpl{
		client:    client,
		tableName: tableName,
		policy:    policy,
		now:       time.Now,
		logger:    l,
	}
}

func (s *SessionStoreImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthPolicy,
		func() error {
			_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(s.tableName),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *SessionStoreImpl) Name() string {
	return "SessionStore[" + s.tableName + "]"
}

func sessionKey(uploadID, assetID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"upload_id": &types.AttributeValueMemberS{Value: uploadID},
		"asset_id":  &types.AttributeValueMemberS{Value: assetID},
	}
}

func (s *SessionStoreImpl) CreateSession(ctx context.Context, session models.UploadSession) error {
	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return retries.Retry(
		ctx,
		s.policy,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(upload_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *SessionStoreImpl) GetSession(ctx context.Context, uploadID, assetID string) (*models.UploadSession, error) {
	var session models.UploadSession

	err := retries.Retry(
		ctx,
		s.policy,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName:      aws.String(s.tableName),
				Key:            sessionKey(uploadID, assetID),
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}

			if out.Item == nil {
				return apperror.ErrSessionNotFound
			}

			return attributevalue.UnmarshalMap(out.Item, &session)
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		if errors.Is(err, apperror.ErrSessionNotFound) {
			return nil, apperror.NotFound(err)
		}
		return nil, err
	}

	return &session, nil
}

func (s *SessionStoreImpl) SaveSession(ctx context.Context, session models.UploadSession) error {
	session.UpdatedAt = s.now().UTC()
	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return retries.Retry(
		ctx,
		s.policy,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName: aws.String(s.tableName),
				Item:      item,
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *SessionStoreImpl) BeginProcessing(ctx context.Context, session *models.UploadSession, lease time.Duration) error {
	now := s.now().UTC()
	leaseUntil := now.Add(lease).Unix()

	updatedAt, err := attributevalue.Marshal(now)
	if err != nil {
		return err
	}

	err = retries.Retry(
		ctx,
		s.policy,
		func() error {
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 sessionKey(session.UploadId, session.AssetId),
				UpdateExpression:    aws.String("SET #st = :processing, lease_until = :lease, updated_at = :now"),
				ConditionExpression: aws.String("attribute_exists(upload_id) AND (#st <> :processing OR attribute_not_exists(lease_until) OR lease_until < :epoch)"),
				ExpressionAttributeNames: map[string]string{
					"#st": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":processing": &types.AttributeValueMemberS{Value: string(models.UploadStatusProcessing)},
					":lease":      &types.AttributeValueMemberN{Value: fmt.Sprint(leaseUntil)},
					":epoch":      &types.AttributeValueMemberN{Value: fmt.Sprint(now.Unix())},
					":now":        updatedAt,
				},
			})
			return err
		},
		retries.IsRetriableDbError,
	)

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return apperror.Conflict("upload is already being completed", apperror.ErrCompletionInFlight)
	}
	if err != nil {
		return err
	}

	session.Status = models.UploadStatusProcessing
	session.LeaseUntil = leaseUntil
	session.UpdatedAt = now
	return nil
}

func (s *SessionStoreImpl) Delete(ctx context.Context, uploadID, assetID string) {
	err := retries.Retry(
		ctx,
		s.policy,
		func() error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key:       sessionKey(uploadID, assetID),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		// cleanup is best effort, the caller already has its result
		s.logger.Error("upload session deletion failed", "upload_id", uploadID, "asset_id", assetID, "error", err)
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperror "github.com/Yulian302/lfusys-services-assets/commons/errors"
	"github.com/Yulian302/lfusys-services-assets/commons/health"
	"github.com/Yulian302/lfusys-services-assets/commons/retries"
	"github.com/Yulian302/lfusys-services-assets/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type AssetStore interface {
	GetAsset(ctx context.Context, databaseID, assetID string) (*models.Asset, error)
	SaveAsset(ctx context.Context, asset models.Asset) error

	health.ReadinessCheck
}

type DatabaseStore interface {
	GetDatabase(ctx context.Context, databaseID string) (*models.Database, error)
}

type DynamoDbAssetStoreImpl struct {
	client         *dynamodb.Client
	assetsTable    string
	databasesTable string
	policy         retries.Policy
}

func NewDynamoDbAssetStoreImpl(client *dynamodb.Client, assetsTable, databasesTable string, policy retries.Policy) *DynamoDbAssetStoreImpl {
	return &DynamoDbAssetStoreImpl{
		client:         client,
		assetsTable:    assetsTable,
		databasesTable: databasesTable,
		policy:         policy,
	}
}

func (s *DynamoDbAssetStoreImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	for _, table := range []string{s.assetsTable, s.databasesTable} {
		_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(table),
		})
		if err != nil {
			return fmt.Errorf("describe %s: %w", table, err)
		}
	}
	return nil
}

func (s *DynamoDbAssetStoreImpl) Name() string {
	return "AssetStore[" + s.assetsTable + "," + s.databasesTable + "]"
}

func (s *DynamoDbAssetStoreImpl) GetAsset(ctx context.Context, databaseID, assetID string) (*models.Asset, error) {
	var asset models.Asset
	err := s.getItem(ctx, s.assetsTable, map[string]types.AttributeValue{
		"database_id": &types.AttributeValueMemberS{Value: databaseID},
		"asset_id":    &types.AttributeValueMemberS{Value: assetID},
	}, &asset, apperror.ErrAssetNotFound)
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (s *DynamoDbAssetStoreImpl) SaveAsset(ctx context.Context, asset models.Asset) error {
	item, err := attributevalue.MarshalMap(asset)
	if err != nil {
		return fmt.Errorf("marshal asset: %w", err)
	}

	return retries.Retry(
		ctx,
		s.policy,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName: aws.String(s.assetsTable),
				Item:      item,
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoDbAssetStoreImpl) GetDatabase(ctx context.Context, databaseID string) (*models.Database, error) {
	var db models.Database
	err := s.getItem(ctx, s.databasesTable, map[string]types.AttributeValue{
		"database_id": &types.AttributeValueMemberS{Value: databaseID},
	}, &db, apperror.ErrDatabaseNotFound)
	if err != nil {
		return nil, err
	}
	return &db, nil
}

func (s *DynamoDbAssetStoreImpl) getItem(ctx context.Context, table string, key map[string]types.AttributeValue, out any, notFound error) error {
	err := retries.Retry(
		ctx,
		s.policy,
		func() error {
			res, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName: aws.String(table),
				Key:       key,
			})
			if err != nil {
				return err
			}
			if res.Item == nil {
				return notFound
			}
			return attributevalue.UnmarshalMap(res.Item, out)
		},
		retries.IsRetriableDbError,
	)
	if errors.Is(err, notFound) {
		return apperror.NotFound(err)
	}
	return err
}

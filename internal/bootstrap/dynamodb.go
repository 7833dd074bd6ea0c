package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// SessionsTableConfig describes the DynamoDB sessions table.
type SessionsTableConfig struct {
	TableName    string
	SubjectIndex string

	// CleanResources deletes an existing table first, otherwise an existing
	// table is reused and its data preserved.
	CleanResources bool
}

// CreateSessionsTable creates the sessions table with its subject index and
// enables TTL on the ttl attribute.
func CreateSessionsTable(ctx context.Context, client *dynamodb.Client, cfg SessionsTableConfig) error {
	if cfg.TableName == "" {
		return fmt.Errorf("table name is required")
	}
	if cfg.SubjectIndex == "" {
		return fmt.Errorf("subject index name is required")
	}

	// Delete existing table if cleanResources is true
	if cfg.CleanResources {
		if err := deleteTableIfExists(ctx, client, cfg.TableName); err != nil {
			return err
		}
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(cfg.TableName),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("key"),
				KeyType:       types.KeyTypeHash,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("key"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("subject_id"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("created"),
				AttributeType: types.ScalarAttributeTypeN,
			},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(cfg.SubjectIndex),
				KeySchema: []types.KeySchemaElement{
					{
						AttributeName: aws.String("subject_id"),
						KeyType:       types.KeyTypeHash,
					},
					{
						AttributeName: aws.String("created"),
						KeyType:       types.KeyTypeRange,
					},
				},
				Projection: &types.Projection{
					ProjectionType: types.ProjectionTypeAll,
				},
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	}

	_, err := client.CreateTable(ctx, input)
	if err != nil {
		// If table already exists and we're not cleaning, that's OK
		var resourceInUse *types.ResourceInUseException
		if !cfg.CleanResources && errors.As(err, &resourceInUse) {
			log.Info().Str("table", cfg.TableName).Msg("sessions table exists, reusing")
			return nil
		}
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	// Wait for table to be active
	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(cfg.TableName),
	}, 30*time.Second); err != nil {
		return fmt.Errorf("failed waiting for sessions table: %w", err)
	}

	_, err = client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(cfg.TableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("ttl"),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to enable ttl on sessions table: %w", err)
	}

	log.Info().Str("table", cfg.TableName).Msg("created sessions table")

	return nil
}

// DeleteSessionsTable removes the sessions table if it exists.
func DeleteSessionsTable(ctx context.Context, client *dynamodb.Client, tableName string) error {
	return deleteTableIfExists(ctx, client, tableName)
}

// deleteTableIfExists attempts to delete a table if it exists
func deleteTableIfExists(ctx context.Context, client *dynamodb.Client, tableName string) error {
	_, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(tableName),
	})

	// If table doesn't exist, we're done
	if err != nil {
		var resourceNotFound *types.ResourceNotFoundException
		if errors.As(err, &resourceNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete table %s: %w", tableName, err)
	}

	// Wait for table deletion to complete
	waiter := dynamodb.NewTableNotExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	}, 30*time.Second)
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"

	"github.com/authgate/authgate/internal/apperr"
	"github.com/authgate/authgate/internal/models"
)

// UserRepository stores users in a DynamoDB single-table layout. Uniqueness
// of email and phone is enforced through pointer items (EMAIL#<email>,
// PHONE#<phone>) written in the same transaction as the user item, each
// guarded by an attribute_not_exists condition.
type UserRepository struct {
	client    *dynamodb.Client
	tableName string
	logger    *logrus.Logger
}

func NewUserRepository(client *dynamodb.Client, tableName string, logger *logrus.Logger) *UserRepository {
	return &UserRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	item, err := attributevalue.MarshalMap(user)
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal user for DynamoDB")
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: user.GetPK()}
	item["SK"] = &types.AttributeValueMemberS{Value: user.GetSK()}

	writes := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		},
	}

	if user.Email != "" {
		writes = append(writes, r.pointerPut(emailPK(user.Email), user.ID))
	}
	if user.Phone != "" {
		writes = append(writes, r.pointerPut(phonePK(user.Phone), user.ID))
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: writes,
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && hasConditionalFailure(canceled) {
			return apperr.New(apperr.KindAlreadyExists, "email or phone already registered")
		}
		r.logger.WithError(err).Error("Failed to create user in DynamoDB")
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{ID: id}
	return r.getItem(ctx, user.GetPK(), user.GetSK())
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	id, err := r.pointerLookup(ctx, emailPK(email))
	if err != nil || id == "" {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *UserRepository) GetByPhone(ctx context.Context, phone string) (*models.User, error) {
	id, err := r.pointerLookup(ctx, phonePK(phone))
	if err != nil || id == "" {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now()

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: user.GetPK()},
			"SK": &types.AttributeValueMemberS{Value: user.GetSK()},
		},
		UpdateExpression: aws.String("SET #name = :name, active = :active, updated_at = :updated_at"),
		ExpressionAttributeNames: map[string]string{
			"#name": "name",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":name":       &types.AttributeValueMemberS{Value: user.Name},
			":active":     &types.AttributeValueMemberBOOL{Value: user.Active},
			":updated_at": &types.AttributeValueMemberS{Value: user.UpdatedAt.Format(time.RFC3339)},
		},
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to update user in DynamoDB")
		return fmt.Errorf("failed to update user: %w", err)
	}

	return nil
}

func (r *UserRepository) getItem(ctx context.Context, pk, sk string) (*models.User, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get user from DynamoDB")
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if result.Item == nil {
		return nil, nil // user not found
	}

	var user models.User
	if err := attributevalue.UnmarshalMap(result.Item, &user); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal user from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}

func (r *UserRepository) pointerLookup(ctx context.Context, pk string) (string, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve user pointer: %w", err)
	}
	if result.Item == nil {
		return "", nil
	}
	if attr, ok := result.Item["user_id"].(*types.AttributeValueMemberS); ok {
		return attr.Value, nil
	}
	return "", fmt.Errorf("user pointer item %q has no user_id", pk)
}

func (r *UserRepository) pointerPut(pk, userID string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(r.tableName),
			Item: map[string]types.AttributeValue{
				"PK":      &types.AttributeValueMemberS{Value: pk},
				"SK":      &types.AttributeValueMemberS{Value: "METADATA"},
				"user_id": &types.AttributeValueMemberS{Value: userID},
			},
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		},
	}
}

func hasConditionalFailure(canceled *types.TransactionCanceledException) bool {
	for _, reason := range canceled.CancellationReasons {
		if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func emailPK(email string) string {
	return "EMAIL#" + strings.ToLower(email)
}

func phonePK(phone string) string {
	return "PHONE#" + phone
}

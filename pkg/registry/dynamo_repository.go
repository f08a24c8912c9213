package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	itemTypeUser       = "user"
	itemTypeClaimGuard = "claimedSubject"
	claimGuardPrefix   = "claimed-subject#"
)

// DynamoAPI is the subset of *dynamodb.Client the repository uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoRepository stores one item per identity in a table whose hash key is
// the identity attribute (userAddress or userId). A claimed subject is
// reserved by a guard item in the same table, written in the same
// transaction as the status change.
type DynamoRepository struct {
	client        DynamoAPI
	table         string
	keyAttr       string
	callbackIndex string
}

func NewDynamoRepository(client DynamoAPI, table, keyAttr, callbackIndex string) *DynamoRepository {
	return &DynamoRepository{
		client:        client,
		table:         table,
		keyAttr:       keyAttr,
		callbackIndex: callbackIndex,
	}
}

type dynamoItem struct {
	ItemType       string `dynamodbav:"itemType"`
	UserAddress    string `dynamodbav:"userAddress,omitempty"`
	TemplateLink   string `dynamodbav:"templateLink,omitempty"`
	CallbackID     string `dynamodbav:"callbackId,omitempty"`
	ClaimStatus    string `dynamodbav:"claimStatus,omitempty"`
	ClaimString    string `dynamodbav:"claimString,omitempty"`
	ClaimSubject   string `dynamodbav:"claimSubject,omitempty"`
	CreatedAt      string `dynamodbav:"createdAt,omitempty"`
	ClaimUpdatedAt string `dynamodbav:"claimUpdatedAt,omitempty"`
	Owner          string `dynamodbav:"owner,omitempty"`
}

func (r *DynamoRepository) Create(ctx context.Context, rec *UserRecord) error {
	item, err := r.marshalRecord(rec)
	if err != nil {
		return err
	}

	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(r.keyAttr))).
		Build()
	if err != nil {
		return fmt.Errorf("building create condition: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(r.table),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (r *DynamoRepository) Get(ctx context.Context, identity string) (*UserRecord, error) {
	item, err := r.getItem(ctx, identity)
	if err != nil {
		return nil, err
	}
	rec, err := r.unmarshalRecord(item)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (r *DynamoRepository) GetByCallbackID(ctx context.Context, callbackID string) (*UserRecord, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("callbackId").Equal(expression.Value(callbackID))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building callback query: %w", err)
	}

	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.table),
		IndexName:                 aws.String(r.callbackIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, err
	}
	for _, item := range out.Items {
		rec, err := r.unmarshalRecord(item)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

func (r *DynamoRepository) FindClaimedBySubject(ctx context.Context, subject string) (*UserRecord, error) {
	item, err := r.getItem(ctx, claimGuardPrefix+subject)
	if err != nil {
		return nil, err
	}
	var guard dynamoItem
	if err := attributevalue.UnmarshalMap(item, &guard); err != nil {
		return nil, err
	}
	if guard.ItemType != itemTypeClaimGuard || guard.Owner == "" {
		return nil, ErrNotFound
	}
	return r.Get(ctx, guard.Owner)
}

func (r *DynamoRepository) CompareAndSwapClaim(ctx context.Context, identity string, expected ClaimStatus, update ClaimUpdate) error {
	key := r.key(identity)

	cond := expression.Name(r.keyAttr).AttributeExists().
		And(expression.Name("claimStatus").Equal(expression.Value(string(expected))))
	upd := expression.Set(expression.Name("claimStatus"), expression.Value(string(update.Status))).
		Set(expression.Name("claimUpdatedAt"), expression.Value(formatTime(update.UpdatedAt)))
	if update.ClaimString != "" {
		upd = upd.Set(expression.Name("claimString"), expression.Value(update.ClaimString))
	}
	if update.ClaimSubject != "" {
		upd = upd.Set(expression.Name("claimSubject"), expression.Value(update.ClaimSubject))
	}
	updateExpr, err := expression.NewBuilder().WithCondition(cond).WithUpdate(upd).Build()
	if err != nil {
		return fmt.Errorf("building claim update: %w", err)
	}

	items := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName:                           aws.String(r.table),
			Key:                                 key,
			ConditionExpression:                 updateExpr.Condition(),
			UpdateExpression:                    updateExpr.Update(),
			ExpressionAttributeNames:            updateExpr.Names(),
			ExpressionAttributeValues:           updateExpr.Values(),
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		},
	}}

	if update.ClaimSubject != "" && update.Status == StatusClaimed {
		guard, err := r.marshalGuard(update.ClaimSubject, identity)
		if err != nil {
			return err
		}
		guardCond := expression.AttributeNotExists(expression.Name(r.keyAttr)).
			Or(expression.Name("owner").Equal(expression.Value(identity)))
		guardExpr, err := expression.NewBuilder().WithCondition(guardCond).Build()
		if err != nil {
			return fmt.Errorf("building subject guard: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:                 aws.String(r.table),
				Item:                      guard,
				ConditionExpression:       guardExpr.Condition(),
				ExpressionAttributeNames:  guardExpr.Names(),
				ExpressionAttributeValues: guardExpr.Values(),
			},
		})
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}

	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return err
	}
	if len(canceled.CancellationReasons) > 0 {
		first := canceled.CancellationReasons[0]
		if aws.ToString(first.Code) == "ConditionalCheckFailed" && len(first.Item) == 0 {
			return ErrNotFound
		}
	}
	return ErrConflict
}

func (r *DynamoRepository) key(identity string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		r.keyAttr: &types.AttributeValueMemberS{Value: identity},
	}
}

func (r *DynamoRepository) getItem(ctx context.Context, identity string) (map[string]types.AttributeValue, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            r.key(identity),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return out.Item, nil
}

func (r *DynamoRepository) marshalRecord(rec *UserRecord) (map[string]types.AttributeValue, error) {
	status := rec.ClaimStatus
	if status == "" {
		status = StatusPending
	}
	item := dynamoItem{
		ItemType:     itemTypeUser,
		UserAddress:  rec.UserAddress,
		TemplateLink: rec.TemplateLink,
		CallbackID:   rec.CallbackID,
		ClaimStatus:  string(status),
		ClaimString:  rec.ClaimString,
		ClaimSubject: rec.ClaimSubject,
		CreatedAt:    formatTime(rec.CreatedAt),
	}
	if rec.ClaimUpdatedAt != nil {
		item.ClaimUpdatedAt = formatTime(*rec.ClaimUpdatedAt)
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshalling user item: %w", err)
	}
	av[r.keyAttr] = &types.AttributeValueMemberS{Value: rec.Identity}
	return av, nil
}

func (r *DynamoRepository) marshalGuard(subject, owner string) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(dynamoItem{ItemType: itemTypeClaimGuard, Owner: owner})
	if err != nil {
		return nil, fmt.Errorf("marshalling subject guard: %w", err)
	}
	av[r.keyAttr] = &types.AttributeValueMemberS{Value: claimGuardPrefix + subject}
	return av, nil
}

// unmarshalRecord returns nil for items that are not user records.
func (r *DynamoRepository) unmarshalRecord(av map[string]types.AttributeValue) (*UserRecord, error) {
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("unmarshalling user item: %w", err)
	}
	if item.ItemType == itemTypeClaimGuard {
		return nil, nil
	}

	var identity string
	if v, ok := av[r.keyAttr].(*types.AttributeValueMemberS); ok {
		identity = v.Value
	}

	rec := &UserRecord{
		Identity:     identity,
		UserAddress:  item.UserAddress,
		TemplateLink: item.TemplateLink,
		CallbackID:   item.CallbackID,
		ClaimStatus:  ClaimStatus(item.ClaimStatus),
		ClaimString:  item.ClaimString,
		ClaimSubject: item.ClaimSubject,
		CreatedAt:    parseTime(item.CreatedAt),
	}
	if item.ClaimUpdatedAt != "" {
		t := parseTime(item.ClaimUpdatedAt)
		rec.ClaimUpdatedAt = &t
	}
	if rec.ClaimStatus == "" {
		rec.ClaimStatus = StatusPending
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

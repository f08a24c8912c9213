package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo stores items by hash key and lets tests script write failures.
type fakeDynamo struct {
	keyAttr  string
	items    map[string]map[string]types.AttributeValue
	putErr   error
	txErr    error
	lastPut  *dynamodb.PutItemInput
	lastTx   *dynamodb.TransactWriteItemsInput
	lastQry  *dynamodb.QueryInput
	queryOut []map[string]types.AttributeValue
}

func newFakeDynamo(keyAttr string) *fakeDynamo {
	return &fakeDynamo{keyAttr: keyAttr, items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeDynamo) hashKey(m map[string]types.AttributeValue) string {
	if v, ok := m[f.keyAttr].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPut = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	key := f.hashKey(in.Item)
	if _, exists := f.items[key]; exists && in.ConditionExpression != nil {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[f.hashKey(in.Key)]}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQry = in
	return &dynamodb.QueryOutput{Items: f.queryOut}, nil
}

// TransactWriteItems evaluates the two conditions the claim transaction
// carries: the user item must exist and still be pending, and the subject
// guard must be absent or owned by the same identity.
func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTx = in
	if f.txErr != nil {
		return nil, f.txErr
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	canceled := false
	for i, item := range in.TransactItems {
		reasons[i].Code = aws.String("None")
		switch {
		case item.Update != nil:
			current, ok := f.items[f.hashKey(item.Update.Key)]
			if !ok || stringAttr(current, "claimStatus") != string(StatusPending) {
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed"), Item: current}
				canceled = true
			}
		case item.Put != nil:
			current, ok := f.items[f.hashKey(item.Put.Item)]
			if ok && stringAttr(current, "owner") != stringAttr(item.Put.Item, "owner") {
				reasons[i].Code = aws.String("ConditionalCheckFailed")
				canceled = true
			}
		}
	}
	if canceled {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	for _, item := range in.TransactItems {
		switch {
		case item.Update != nil:
			f.items[f.hashKey(item.Update.Key)]["claimStatus"] = &types.AttributeValueMemberS{Value: string(StatusClaimed)}
		case item.Put != nil:
			f.items[f.hashKey(item.Put.Item)] = item.Put.Item
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func TestDynamoCreateAndGet(t *testing.T) {
	fake := newFakeDynamo(KeyUserID)
	repo := NewDynamoRepository(fake, "users", KeyUserID, "callbackId-index")
	ctx := context.Background()

	rec := pendingRecord("u-1", "cb-1")
	rec.UserAddress = "0xabc"
	require.NoError(t, repo.Create(ctx, rec))

	require.NotNil(t, fake.lastPut)
	assert.Equal(t, "users", aws.ToString(fake.lastPut.TableName))
	assert.Contains(t, aws.ToString(fake.lastPut.ConditionExpression), "attribute_not_exists")
	assert.Equal(t, &types.AttributeValueMemberS{Value: "u-1"}, fake.lastPut.Item[KeyUserID])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "pending"}, fake.lastPut.Item["claimStatus"])

	got, err := repo.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.Identity)
	assert.Equal(t, "0xabc", got.UserAddress)
	assert.Equal(t, "cb-1", got.CallbackID)
	assert.Equal(t, StatusPending, got.ClaimStatus)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.ClaimUpdatedAt)

	assert.ErrorIs(t, repo.Create(ctx, rec), ErrConflict)

	_, err = repo.Get(ctx, "u-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoCreatePassesThroughOtherErrors(t *testing.T) {
	fake := newFakeDynamo(KeyUserAddress)
	fake.putErr = errors.New("throttled")
	repo := NewDynamoRepository(fake, "users", KeyUserAddress, "callbackId-index")

	err := repo.Create(context.Background(), pendingRecord("0xabc", "cb-1"))
	assert.EqualError(t, err, "throttled")
}

func TestDynamoGetByCallbackIDQueriesIndex(t *testing.T) {
	fake := newFakeDynamo(KeyUserAddress)
	repo := NewDynamoRepository(fake, "users", KeyUserAddress, "callbackId-index")
	ctx := context.Background()

	_, err := repo.GetByCallbackID(ctx, "unknown-id")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NotNil(t, fake.lastQry)
	assert.Equal(t, "callbackId-index", aws.ToString(fake.lastQry.IndexName))
	assert.Equal(t, int32(1), aws.ToInt32(fake.lastQry.Limit))

	item, err := repo.marshalRecord(pendingRecord("0xabc", "cb-1"))
	require.NoError(t, err)
	fake.queryOut = []map[string]types.AttributeValue{item}

	rec, err := repo.GetByCallbackID(ctx, "cb-1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", rec.Identity)
}

func TestDynamoGuardItemsAreNotUsers(t *testing.T) {
	fake := newFakeDynamo(KeyUserAddress)
	repo := NewDynamoRepository(fake, "users", KeyUserAddress, "callbackId-index")
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingRecord("0xabc", "cb-1")))
	guard, err := repo.marshalGuard("alice@gmail.com", "0xabc")
	require.NoError(t, err)
	fake.items[claimGuardPrefix+"alice@gmail.com"] = guard

	_, err = repo.Get(ctx, claimGuardPrefix+"alice@gmail.com")
	assert.ErrorIs(t, err, ErrNotFound)

	owner, err := repo.FindClaimedBySubject(ctx, "alice@gmail.com")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", owner.Identity)

	_, err = repo.FindClaimedBySubject(ctx, "bob@gmail.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoCompareAndSwapTransaction(t *testing.T) {
	fake := newFakeDynamo(KeyUserAddress)
	repo := NewDynamoRepository(fake, "users", KeyUserAddress, "callbackId-index")
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingRecord("0xabc", "cb-1")))
	update := ClaimUpdate{
		Status:       StatusClaimed,
		ClaimString:  `[]`,
		ClaimSubject: "alice@gmail.com",
		UpdatedAt:    time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.CompareAndSwapClaim(ctx, "0xabc", StatusPending, update))

	require.NotNil(t, fake.lastTx)
	require.Len(t, fake.lastTx.TransactItems, 2)

	upd := fake.lastTx.TransactItems[0].Update
	require.NotNil(t, upd)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "0xabc"}, upd.Key[KeyUserAddress])
	assert.Contains(t, aws.ToString(upd.ConditionExpression), "attribute_exists")
	assert.Contains(t, aws.ToString(upd.UpdateExpression), "SET")
	assert.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, upd.ReturnValuesOnConditionCheckFailure)

	put := fake.lastTx.TransactItems[1].Put
	require.NotNil(t, put)
	assert.Equal(t, &types.AttributeValueMemberS{Value: claimGuardPrefix + "alice@gmail.com"}, put.Item[KeyUserAddress])
	assert.Equal(t, &types.AttributeValueMemberS{Value: itemTypeClaimGuard}, put.Item["itemType"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "0xabc"}, put.Item["owner"])
}

func TestDynamoCompareAndSwapCancellation(t *testing.T) {
	fake := newFakeDynamo(KeyUserAddress)
	repo := NewDynamoRepository(fake, "users", KeyUserAddress, "callbackId-index")
	ctx := context.Background()
	update := claimed("alice@gmail.com")

	fake.txErr = &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
		{Code: aws.String("ConditionalCheckFailed")},
		{Code: aws.String("None")},
	}}
	assert.ErrorIs(t, repo.CompareAndSwapClaim(ctx, "0xabc", StatusPending, update), ErrNotFound)

	fake.txErr = &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
		{Code: aws.String("ConditionalCheckFailed"), Item: map[string]types.AttributeValue{
			KeyUserAddress: &types.AttributeValueMemberS{Value: "0xabc"},
			"claimStatus":  &types.AttributeValueMemberS{Value: "claimed"},
		}},
		{Code: aws.String("None")},
	}}
	assert.ErrorIs(t, repo.CompareAndSwapClaim(ctx, "0xabc", StatusPending, update), ErrConflict)

	fake.txErr = &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
		{Code: aws.String("None")},
		{Code: aws.String("ConditionalCheckFailed")},
	}}
	assert.ErrorIs(t, repo.CompareAndSwapClaim(ctx, "0xabc", StatusPending, update), ErrConflict)

	fake.txErr = errors.New("network")
	err := repo.CompareAndSwapClaim(ctx, "0xabc", StatusPending, update)
	assert.EqualError(t, err, "network")
}

func TestDynamoSecondClaimIsRejected(t *testing.T) {
	fake := newFakeDynamo(KeyUserAddress)
	repo := NewDynamoRepository(fake, "users", KeyUserAddress, "callbackId-index")
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingRecord("0xabc", "cb-1")))
	require.NoError(t, repo.Create(ctx, pendingRecord("0xdef", "cb-2")))

	require.NoError(t, repo.CompareAndSwapClaim(ctx, "0xabc", StatusPending, claimed("alice@gmail.com")))

	rec, err := repo.Get(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, rec.ClaimStatus)

	owner, err := repo.FindClaimedBySubject(ctx, "alice@gmail.com")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", owner.Identity)

	assert.ErrorIs(t, repo.CompareAndSwapClaim(ctx, "0xabc", StatusPending, claimed("alice@gmail.com")), ErrConflict)
	assert.ErrorIs(t, repo.CompareAndSwapClaim(ctx, "0xdef", StatusPending, claimed("alice@gmail.com")), ErrConflict)
	assert.ErrorIs(t, repo.CompareAndSwapClaim(ctx, "0x999", StatusPending, claimed("bob@gmail.com")), ErrNotFound)

	other, err := repo.Get(ctx, "0xdef")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, other.ClaimStatus)
}

func TestDynamoGuardKeyCannotBeRegistered(t *testing.T) {
	fake := newFakeDynamo(KeyUserID)
	repo := NewDynamoRepository(fake, "users", KeyUserID, "callbackId-index")
	svc := newTestService(t, repo, KeyUserID)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Identity: claimGuardPrefix + "alice@gmail.com", UserAddress: "0xabc"})
	assert.True(t, IsValidationError(err))
	assert.Empty(t, fake.items)

	_, err = svc.Register(ctx, RegisterInput{Identity: "u-1", UserAddress: "0xabc"})
	require.NoError(t, err)

	rec, err := svc.HandleClaimCallback(ctx, "u-1", claimPayload("alice@gmail.com"))
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, rec.ClaimStatus)
}

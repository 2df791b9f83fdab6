package results

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design. All records for a
// meeting share a partition key (MEETING#{uuid}); the sort key distinguishes
// the session metadata record from per-participant results.
const (
	pkPrefix = "MEETING#"
	skMeta   = "META"
	skResult = "RESULT#"
)

// recordTTL is the time-to-live for all result records. Liveness verdicts
// are consumed by the caller shortly after the meeting ends; stale records
// are garbage.
const recordTTL = 24 * time.Hour

// DynamoStore implements Store using AWS DynamoDB.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// Compile-time interface check.
var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

// metaRecord is the DynamoDB shape of the session metadata item.
type metaRecord struct {
	State       string     `dynamodbav:"state"`
	StartedAt   time.Time  `dynamodbav:"startedAt"`
	CompletedAt *time.Time `dynamodbav:"completedAt,omitempty"`
}

func meetingPK(meetingUUID string) string {
	return pkPrefix + meetingUUID
}

func expiresAt() int64 {
	return time.Now().Add(recordTTL).Unix()
}

// putItem marshals a domain object and writes it with PK, SK, and TTL.
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

func (s *DynamoStore) CreateSession(ctx context.Context, meetingUUID string) error {
	item, err := attributevalue.MarshalMap(metaRecord{
		State:     StatePending,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: meetingPK(meetingUUID)}
	item["SK"] = &types.AttributeValueMemberS{Value: skMeta}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return nil // already created, idempotent
		}
		return fmt.Errorf("create session %s: %w", meetingUUID, err)
	}
	return nil
}

func (s *DynamoStore) SetState(ctx context.Context, meetingUUID, state string) error {
	update := "SET #st = :state"
	values := map[string]types.AttributeValue{
		":state":    &types.AttributeValueMemberS{Value: state},
		":complete": &types.AttributeValueMemberS{Value: StateComplete},
		":error":    &types.AttributeValueMemberS{Value: StateError},
	}
	if terminal(state) {
		update += ", completedAt = :completedAt"
		t, err := attributevalue.Marshal(time.Now().UTC())
		if err != nil {
			return fmt.Errorf("marshal completedAt: %w", err)
		}
		values[":completedAt"] = t
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: meetingPK(meetingUUID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression: aws.String(update),
		// Terminal states are final: refuse the update (and swallow the
		// failure) rather than regressing a completed session.
		ConditionExpression:       aws.String("attribute_exists(PK) AND #st <> :complete AND #st <> :error"),
		ExpressionAttributeNames:  map[string]string{"#st": "state"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			log.Debug().Str("meeting", meetingUUID).Str("state", state).
				Msg("Skipping state transition on terminal or missing session")
			return nil
		}
		return fmt.Errorf("set state %s for %s: %w", state, meetingUUID, err)
	}
	return nil
}

func (s *DynamoStore) SetResult(ctx context.Context, meetingUUID, participantID string, result *LivenessResult) error {
	return s.putItem(ctx, meetingPK(meetingUUID), skResult+participantID, result)
}

func (s *DynamoStore) GetSession(ctx context.Context, meetingUUID string) (*SessionStatus, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: meetingPK(meetingUUID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query session %s: %w", meetingUUID, err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}

	status := &SessionStatus{
		MeetingUUID:  meetingUUID,
		Participants: make(map[string]*LivenessResult),
	}
	foundMeta := false
	for _, item := range out.Items {
		sk := ""
		if v, ok := item["SK"].(*types.AttributeValueMemberS); ok {
			sk = v.Value
		}
		switch {
		case sk == skMeta:
			var meta metaRecord
			if err := attributevalue.UnmarshalMap(item, &meta); err != nil {
				return nil, fmt.Errorf("unmarshal meta for %s: %w", meetingUUID, err)
			}
			status.State = meta.State
			status.StartedAt = meta.StartedAt
			status.CompletedAt = meta.CompletedAt
			foundMeta = true
		case strings.HasPrefix(sk, skResult):
			var result LivenessResult
			if err := attributevalue.UnmarshalMap(item, &result); err != nil {
				return nil, fmt.Errorf("unmarshal result %s for %s: %w", sk, meetingUUID, err)
			}
			result.MeetingUUID = meetingUUID
			result.ParticipantID = strings.TrimPrefix(sk, skResult)
			status.Participants[result.ParticipantID] = &result
		}
	}
	if !foundMeta {
		// Orphaned result rows without a META record; treat as not found.
		return nil, nil
	}
	return status, nil
}

func (s *DynamoStore) CleanupSession(ctx context.Context, meetingUUID string) error {
	status, err := s.GetSession(ctx, meetingUUID)
	if err != nil {
		return err
	}
	if status == nil {
		return nil
	}

	keys := []string{skMeta}
	for participantID := range status.Participants {
		keys = append(keys, skResult+participantID)
	}
	for _, sk := range keys {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: &s.tableName,
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: meetingPK(meetingUUID)},
				"SK": &types.AttributeValueMemberS{Value: sk},
			},
		})
		if err != nil {
			return fmt.Errorf("DeleteItem SK=%s for %s: %w", sk, meetingUUID, err)
		}
	}
	return nil
}

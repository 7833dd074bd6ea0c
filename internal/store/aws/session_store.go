package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
)

// DefaultSubjectIndex is the GSI keyed by subject_id with created as the range key.
const DefaultSubjectIndex = "subject_id-index"

// sessionItem is the DynamoDB layout of a session record. Timestamps are unix
// microseconds, ttl is epoch seconds for DynamoDB's background expiry.
type sessionItem struct {
	Key         string `dynamodbav:"key"`
	Scheme      string `dynamodbav:"scheme"`
	SubjectID   string `dynamodbav:"subject_id"`
	SessionID   string `dynamodbav:"session_id"`
	DisplayName string `dynamodbav:"display_name,omitempty"`
	Ticket      []byte `dynamodbav:"ticket"`
	Created     int64  `dynamodbav:"created"`
	Renewed     int64  `dynamodbav:"renewed"`
	Expires     int64  `dynamodbav:"expires,omitempty"`
	TTL         int64  `dynamodbav:"ttl,omitempty"`
}

func toItem(r models.SessionRecord) sessionItem {
	r.Normalize()

	item := sessionItem{
		Key:         r.Key,
		Scheme:      r.Scheme,
		SubjectID:   r.SubjectID,
		SessionID:   r.SessionID,
		DisplayName: r.DisplayName,
		Ticket:      r.Ticket,
		Created:     r.Created.UnixMicro(),
		Renewed:     r.Renewed.UnixMicro(),
	}
	if r.Expires != nil {
		item.Expires = r.Expires.UnixMicro()
		item.TTL = r.Expires.Unix()
	}
	return item
}

func (i sessionItem) record() models.SessionRecord {
	r := models.SessionRecord{
		Key:         i.Key,
		Scheme:      i.Scheme,
		SubjectID:   i.SubjectID,
		SessionID:   i.SessionID,
		DisplayName: i.DisplayName,
		Ticket:      i.Ticket,
		Created:     time.UnixMicro(i.Created).UTC(),
		Renewed:     time.UnixMicro(i.Renewed).UTC(),
	}
	if i.Expires != 0 {
		e := time.UnixMicro(i.Expires).UTC()
		r.Expires = &e
	}
	return r
}

// SessionStore is a DynamoDB implementation of store.SessionStore.
//
// The (subject, session) uniqueness check reads the subject index before
// writing, so two concurrent logins racing on the same pair may both succeed.
type SessionStore struct {
	client       *dynamodb.Client
	tableName    string
	subjectIndex string
	now          func() time.Time
}

// NewSessionStore creates a new DynamoDB session store.
func NewSessionStore(client *dynamodb.Client, tableName string) *SessionStore {
	return &SessionStore{
		client:       client,
		tableName:    tableName,
		subjectIndex: DefaultSubjectIndex,
		now:          time.Now,
	}
}

// Get retrieves the live record stored at key.
func (s *SessionStore) Get(ctx context.Context, key string) (*models.SessionRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, wrapAWSError(err, "failed to get session")
	}

	if result.Item == nil {
		return nil, nil
	}

	var item sessionItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	record := item.record()
	if record.IsExpired(s.now()) {
		return nil, nil
	}

	return &record, nil
}

// GetAll returns all live records matching the filter.
func (s *SessionStore) GetAll(ctx context.Context, filter models.SessionFilter) ([]models.SessionRecord, error) {
	if err := store.ValidateFilter(filter); err != nil {
		return nil, err
	}

	items, err := s.find(ctx, filter.SubjectID, filter.SessionID, "")
	if err != nil {
		return nil, err
	}

	records := s.live(items)
	store.SortRecords(records)

	return records, nil
}

// Query returns one page of live records.
func (s *SessionStore) Query(ctx context.Context, q models.SessionQuery) (*models.SessionQueryResult, error) {
	items, err := s.find(ctx, q.SubjectID, q.SessionID, q.DisplayName)
	if err != nil {
		return nil, err
	}

	return store.Paginate(s.live(items), q)
}

// Add inserts a new record, replacing an expired record at the same key.
func (s *SessionStore) Add(ctx context.Context, record models.SessionRecord) error {
	if err := s.checkSessionPair(ctx, record); err != nil {
		return err
	}

	now := s.now().UnixMicro()

	condition := expression.AttributeNotExists(expression.Name("key")).Or(
		expression.And(
			expression.Name("expires").GreaterThan(expression.Value(0)),
			expression.Name("expires").LessThanEqual(expression.Value(now)),
		),
	)

	if err := s.put(ctx, record, condition); err != nil {
		if isConditionFailed(err) {
			return store.ErrSessionAlreadyExists
		}
		return wrapAWSError(err, "failed to add session")
	}

	log.Debug().
		Str("key", record.Key).
		Str("subject_id", record.SubjectID).
		Str("session_id", record.SessionID).
		Msg("added session")

	return nil
}

// Update replaces the record stored at record.Key.
func (s *SessionStore) Update(ctx context.Context, record models.SessionRecord) error {
	if err := s.checkSessionPair(ctx, record); err != nil {
		return err
	}

	condition := expression.AttributeExists(expression.Name("key"))

	if err := s.put(ctx, record, condition); err != nil {
		if isConditionFailed(err) {
			return store.ErrSessionNotFound
		}
		return wrapAWSError(err, "failed to update session")
	}

	log.Debug().
		Str("key", record.Key).
		Str("subject_id", record.SubjectID).
		Str("session_id", record.SessionID).
		Msg("updated session")

	return nil
}

// Delete removes all records matching the filter and returns how many were live.
func (s *SessionStore) Delete(ctx context.Context, filter models.SessionFilter) (int, error) {
	if err := store.ValidateFilter(filter); err != nil {
		return 0, err
	}

	items, err := s.find(ctx, filter.SubjectID, filter.SessionID, "")
	if err != nil {
		return 0, err
	}

	now := s.now()
	count := 0

	for _, item := range items {
		deleted, err := s.deleteMatching(ctx, item)
		if err != nil {
			return count, err
		}
		if !deleted {
			continue
		}
		record := item.record()
		if !record.IsExpired(now) {
			count++
		}
	}

	log.Debug().
		Str("subject_id", filter.SubjectID).
		Str("session_id", filter.SessionID).
		Int("count", count).
		Msg("deleted sessions")

	return count, nil
}

// deleteMatching removes the item only while it still holds the same subject
// and session, a record replaced under its key since the query is kept.
func (s *SessionStore) deleteMatching(ctx context.Context, item sessionItem) (bool, error) {
	cond, err := pairCondition(item.SubjectID, item.SessionID).Build()
	if err != nil {
		return false, fmt.Errorf("failed to build condition expression: %w", err)
	}

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       keyAttr(item.Key),
		ConditionExpression:       cond.Condition(),
		ExpressionAttributeNames:  cond.Names(),
		ExpressionAttributeValues: cond.Values(),
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, wrapAWSError(err, "failed to delete session")
	}

	return true, nil
}

func pairCondition(subjectID, sessionID string) expression.Builder {
	return expression.NewBuilder().WithCondition(expression.And(
		expression.Name("subject_id").Equal(expression.Value(subjectID)),
		expression.Name("session_id").Equal(expression.Value(sessionID)),
	))
}

// DeleteByKey removes the record at key.
func (s *SessionStore) DeleteByKey(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       keyAttr(key),
	})
	if err != nil {
		return wrapAWSError(err, "failed to delete session")
	}

	return nil
}

// DeleteExpired removes up to limit expired records. DynamoDB TTL eventually
// removes them too, this sweep exists so expiry side effects run promptly.
func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]models.SessionRecord, error) {
	cutoff := now.UnixMicro()

	filter := expression.And(
		expression.Name("expires").GreaterThan(expression.Value(0)),
		expression.Name("expires").LessThanEqual(expression.Value(cutoff)),
	)

	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build filter expression: %w", err)
	}

	items, err := s.scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, err
	}

	expired := make([]models.SessionRecord, 0, len(items))
	for _, item := range items {
		expired = append(expired, item.record())
	}
	store.SortRecords(expired)
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	deleted := expired[:0]
	for _, record := range expired {
		cond, err := expression.NewBuilder().
			WithCondition(expression.Name("expires").LessThanEqual(expression.Value(cutoff))).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build condition expression: %w", err)
		}

		_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(s.tableName),
			Key:                       keyAttr(record.Key),
			ConditionExpression:       cond.Condition(),
			ExpressionAttributeNames:  cond.Names(),
			ExpressionAttributeValues: cond.Values(),
		})
		if err != nil {
			if isConditionFailed(err) {
				// renewed since the scan
				continue
			}
			return deleted, wrapAWSError(err, "failed to delete expired session")
		}
		deleted = append(deleted, record)
	}

	if len(deleted) > 0 {
		log.Info().Int("count", len(deleted)).Msg("deleted expired sessions")
	}

	return deleted, nil
}

func (s *SessionStore) put(ctx context.Context, record models.SessionRecord, condition expression.ConditionBuilder) error {
	item, err := attributevalue.MarshalMap(toItem(record))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	expr, err := expression.NewBuilder().WithCondition(condition).Build()
	if err != nil {
		return fmt.Errorf("failed to build condition expression: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.tableName),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return err
}

// checkSessionPair rejects a write when another live record holds the subject/session pair.
func (s *SessionStore) checkSessionPair(ctx context.Context, record models.SessionRecord) error {
	items, err := s.find(ctx, record.SubjectID, record.SessionID, "")
	if err != nil {
		return err
	}

	now := s.now()
	for _, item := range items {
		other := item.record()
		if other.Key != record.Key && !other.IsExpired(now) {
			return store.ErrSessionAlreadyExists
		}
	}
	return nil
}

// find loads every item (live or expired) matching the equality filters. A
// subject id uses the subject index, anything else scans the table.
func (s *SessionStore) find(ctx context.Context, subjectID, sessionID, displayName string) ([]sessionItem, error) {
	var (
		filter    expression.ConditionBuilder
		hasFilter bool
	)

	addFilter := func(c expression.ConditionBuilder) {
		if hasFilter {
			filter = filter.And(c)
			return
		}
		filter = c
		hasFilter = true
	}

	if sessionID != "" {
		addFilter(expression.Name("session_id").Equal(expression.Value(sessionID)))
	}
	if displayName != "" {
		addFilter(expression.Name("display_name").Equal(expression.Value(displayName)))
	}

	if subjectID != "" {
		builder := expression.NewBuilder().
			WithKeyCondition(expression.Key("subject_id").Equal(expression.Value(subjectID)))
		if hasFilter {
			builder = builder.WithFilter(filter)
		}

		expr, err := builder.Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build query expression: %w", err)
		}

		return s.query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			IndexName:                 aws.String(s.subjectIndex),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
	}

	input := &dynamodb.ScanInput{
		TableName:      aws.String(s.tableName),
		ConsistentRead: aws.Bool(true),
	}

	if hasFilter {
		expr, err := expression.NewBuilder().WithFilter(filter).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build filter expression: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	return s.scan(ctx, input)
}

func (s *SessionStore) query(ctx context.Context, input *dynamodb.QueryInput) ([]sessionItem, error) {
	var items []sessionItem

	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapAWSError(err, "failed to query sessions")
		}

		var batch []sessionItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sessions: %w", err)
		}
		items = append(items, batch...)
	}

	return items, nil
}

func (s *SessionStore) scan(ctx context.Context, input *dynamodb.ScanInput) ([]sessionItem, error) {
	var items []sessionItem

	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapAWSError(err, "failed to scan sessions")
		}

		var batch []sessionItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sessions: %w", err)
		}
		items = append(items, batch...)
	}

	return items, nil
}

func (s *SessionStore) live(items []sessionItem) []models.SessionRecord {
	now := s.now()
	records := []models.SessionRecord{}

	for _, item := range items {
		record := item.record()
		if !record.IsExpired(now) {
			records = append(records, record)
		}
	}

	return records
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"key": &types.AttributeValueMemberS{Value: key},
	}
}

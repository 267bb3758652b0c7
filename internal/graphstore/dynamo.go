package graphstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/rpcerrors"
)

// DynamoStore implements IdentityStore, PropertyStore, EdgeStore and
// NodeTypeStore over a single DynamoDB table, using the same
// PK/SK-plus-conditional-write layout the pack's single-table repositories
// use, adapted for per-tenant key prefixes instead of per-graph ones.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger
}

// NewDynamoStore returns a DynamoStore bound to an existing table. The table
// is expected to have a composite key (PK string, SK string); no GSIs are
// required because every access pattern here is a query against the base
// table's partition key.
func NewDynamoStore(client *dynamodb.Client, tableName string, logger *zap.Logger) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName, logger: logger}
}

func staticPK(tenant graphtypes.Tenant, nodeType graphtypes.NodeType) string {
	return fmt.Sprintf("TENANT#%s#STATIC#%s", tenant, nodeType)
}

func sessionPK(tenant graphtypes.Tenant, nodeType graphtypes.NodeType) string {
	return fmt.Sprintf("TENANT#%s#SESSION#%s", tenant, nodeType)
}

func sessionSK(hash string, bucket uint64) string {
	return fmt.Sprintf("%s#%020d", hash, bucket)
}

func propPK(tenant graphtypes.Tenant, uid graphtypes.Uid) string {
	return fmt.Sprintf("TENANT#%s#NODE#%d", tenant, uid)
}

func propSK(prop graphtypes.PropertyName) string {
	return fmt.Sprintf("PROP#%s", prop)
}

func edgePK(tenant graphtypes.Tenant, from graphtypes.Uid, edgeName graphtypes.EdgeName) string {
	return fmt.Sprintf("TENANT#%s#EDGE#%d#%s", tenant, from, edgeName)
}

func nodeTypePK(tenant graphtypes.Tenant) string {
	return fmt.Sprintf("TENANT#%s#NODETYPE", tenant)
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// staticItem is the persisted row for a resolved static-key identity.
type staticItem struct {
	PK       string `dynamodbav:"PK"`
	SK       string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"EntityType"`
	Uid      uint64 `dynamodbav:"Uid"`
}

// InsertStaticIfAbsent implements graphstore.IdentityStore.
func (s *DynamoStore) InsertStaticIfAbsent(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, staticKeyHash string, uid graphtypes.Uid) (graphtypes.Uid, bool, error) {
	item := staticItem{
		PK:         staticPK(tenant, nodeType),
		SK:         staticKeyHash,
		EntityType: "STATIC",
		Uid:        uint64(uid),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return 0, false, fmt.Errorf("marshal static item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return uid, true, nil
	}
	if !isConditionalCheckFailed(err) {
		return 0, false, rpcerrors.Wrap(rpcerrors.Unavailable, "insert static identity", err)
	}

	existing, ok, err := s.LookupStatic(ctx, tenant, nodeType, staticKeyHash)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		// Lost the race to a concurrent delete; caller should retry.
		return 0, false, rpcerrors.New(rpcerrors.Conflict, "static identity row vanished during insert race")
	}
	return existing, false, nil
}

// LookupStatic implements graphstore.IdentityStore.
func (s *DynamoStore) LookupStatic(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, staticKeyHash string) (graphtypes.Uid, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: staticPK(tenant, nodeType)},
			"SK": &types.AttributeValueMemberS{Value: staticKeyHash},
		},
	})
	if err != nil {
		return 0, false, rpcerrors.Wrap(rpcerrors.Unavailable, "lookup static identity", err)
	}
	if out.Item == nil {
		return 0, false, nil
	}
	var item staticItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return 0, false, fmt.Errorf("unmarshal static item: %w", err)
	}
	return graphtypes.Uid(item.Uid), true, nil
}

// sessionItem is the persisted row for a session-key identity candidate,
// mirroring the original allocator's sessions.rs row shape (bucketed
// created_ts for range scans, a version for optimistic concurrency).
type sessionItem struct {
	PK              string `dynamodbav:"PK"`
	SK              string `dynamodbav:"SK"`
	EntityType      string `dynamodbav:"EntityType"`
	PseudoKeyHash   string `dynamodbav:"PseudoKeyHash"`
	CreatedTsBucket uint64 `dynamodbav:"CreatedTsBucket"`
	CreatedTs       uint64 `dynamodbav:"CreatedTs"`
	LastSeenTs      uint64 `dynamodbav:"LastSeenTs"`
	TerminatedTs    uint64 `dynamodbav:"TerminatedTs"`
	HasCreatedTs    bool   `dynamodbav:"HasCreatedTs"`
	HasTerminatedTs bool   `dynamodbav:"HasTerminatedTs"`
	Uid             uint64 `dynamodbav:"Uid"`
	IsCreateCanon   bool   `dynamodbav:"IsCreateCanon"`
	IsEndCanon      bool   `dynamodbav:"IsEndCanon"`
	Version         uint64 `dynamodbav:"Version"`
	Superseded      bool   `dynamodbav:"Superseded"`
}

func rowToItem(tenant graphtypes.Tenant, nodeType graphtypes.NodeType, row SessionRow) sessionItem {
	return sessionItem{
		PK:              sessionPK(tenant, nodeType),
		SK:              sessionSK(row.PseudoKeyHash, row.CreatedTsBucket),
		EntityType:      "SESSION",
		PseudoKeyHash:   row.PseudoKeyHash,
		CreatedTsBucket: row.CreatedTsBucket,
		CreatedTs:       row.CreatedTs,
		LastSeenTs:      row.LastSeenTs,
		TerminatedTs:    row.TerminatedTs,
		HasCreatedTs:    row.HasCreatedTs,
		HasTerminatedTs: row.HasTerminatedTs,
		Uid:             uint64(row.Uid),
		IsCreateCanon:   row.IsCreateCanon,
		IsEndCanon:      row.IsEndCanon,
		Version:         row.Version,
		Superseded:      row.Superseded,
	}
}

func itemToRow(tenant graphtypes.Tenant, nodeType graphtypes.NodeType, item sessionItem) SessionRow {
	return SessionRow{
		Tenant:          tenant,
		NodeType:        nodeType,
		PseudoKeyHash:   item.PseudoKeyHash,
		CreatedTsBucket: item.CreatedTsBucket,
		CreatedTs:       item.CreatedTs,
		LastSeenTs:      item.LastSeenTs,
		TerminatedTs:    item.TerminatedTs,
		HasCreatedTs:    item.HasCreatedTs,
		HasTerminatedTs: item.HasTerminatedTs,
		Uid:             graphtypes.Uid(item.Uid),
		IsCreateCanon:   item.IsCreateCanon,
		IsEndCanon:      item.IsEndCanon,
		Version:         item.Version,
		Superseded:      item.Superseded,
	}
}

// CandidateSessions implements graphstore.IdentityStore via a Query bounded
// to the (tenant, nodeType) partition, filtering by pseudo-key hash and
// dropping superseded rows server-side.
func (s *DynamoStore) CandidateSessions(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, pseudoKeyHash string) ([]SessionRow, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("Superseded = :f"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(tenant, nodeType)},
			":prefix": &types.AttributeValueMemberS{Value: pseudoKeyHash + "#"},
			":f":      &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if err != nil {
		return nil, rpcerrors.Wrap(rpcerrors.Unavailable, "query candidate sessions", err)
	}
	rows := make([]SessionRow, 0, len(out.Items))
	for _, av := range out.Items {
		var item sessionItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			s.logger.Warn("failed to unmarshal session item", zap.Error(err))
			continue
		}
		rows = append(rows, itemToRow(tenant, nodeType, item))
	}
	return rows, nil
}

// InsertSession implements graphstore.IdentityStore.
func (s *DynamoStore) InsertSession(ctx context.Context, row SessionRow) (bool, error) {
	item := rowToItem(row.Tenant, row.NodeType, row)
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return false, fmt.Errorf("marshal session item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return true, nil
	}
	if isConditionalCheckFailed(err) {
		return false, nil
	}
	return false, rpcerrors.Wrap(rpcerrors.Unavailable, "insert session", err)
}

// UpdateSession implements graphstore.IdentityStore, gated on the row's
// stored Version matching what the caller last read.
func (s *DynamoStore) UpdateSession(ctx context.Context, row SessionRow) (bool, error) {
	item := rowToItem(row.Tenant, row.NodeType, row)
	item.Version = row.Version + 1
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return false, fmt.Errorf("marshal session item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("Version = :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatUint(row.Version, 10)},
		},
	})
	if err == nil {
		return true, nil
	}
	if isConditionalCheckFailed(err) {
		return false, nil
	}
	return false, rpcerrors.Wrap(rpcerrors.Unavailable, "update session", err)
}

// SupersedeSession implements graphstore.IdentityStore.
func (s *DynamoStore) SupersedeSession(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, pseudoKeyHash string, createdTsBucket uint64) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(tenant, nodeType)},
			"SK": &types.AttributeValueMemberS{Value: sessionSK(pseudoKeyHash, createdTsBucket)},
		},
		UpdateExpression: aws.String("SET Superseded = :t"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil && !isConditionalCheckFailed(err) {
		return rpcerrors.Wrap(rpcerrors.Unavailable, "supersede session", err)
	}
	return nil
}

// propertyItem is the persisted row for one node property, tagged with its
// PropertyKind so merge rules can be re-applied without a schema fetch.
type propertyItem struct {
	PK   string `dynamodbav:"PK"`
	SK   string `dynamodbav:"SK"`
	Kind int    `dynamodbav:"Kind"`
	Str  string `dynamodbav:"Str"`
	I64  int64  `dynamodbav:"I64"`
	U64  uint64 `dynamodbav:"U64"`
}

func valueToItem(pk, sk string, v graphtypes.PropertyValue) propertyItem {
	return propertyItem{PK: pk, SK: sk, Kind: int(v.Kind), Str: v.Str, I64: v.I64, U64: v.U64}
}

func itemToValue(item propertyItem) graphtypes.PropertyValue {
	return graphtypes.PropertyValue{
		Kind: graphtypes.PropertyKind(item.Kind),
		Str:  item.Str,
		I64:  item.I64,
		U64:  item.U64,
	}
}

// GetProperty implements graphstore.PropertyStore.
func (s *DynamoStore) GetProperty(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, uid graphtypes.Uid, prop graphtypes.PropertyName) (graphtypes.PropertyValue, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: propPK(tenant, uid)},
			"SK": &types.AttributeValueMemberS{Value: propSK(prop)},
		},
	})
	if err != nil {
		return graphtypes.PropertyValue{}, false, rpcerrors.Wrap(rpcerrors.Unavailable, "get property", err)
	}
	if out.Item == nil {
		return graphtypes.PropertyValue{}, false, nil
	}
	var item propertyItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return graphtypes.PropertyValue{}, false, fmt.Errorf("unmarshal property item: %w", err)
	}
	return itemToValue(item), true, nil
}

// writePropertyMaxAttempts bounds the optimistic-concurrency retry loop in
// WriteProperty; a live conflict after this many attempts is surfaced as
// Unavailable rather than looped on forever.
const writePropertyMaxAttempts = 8

// WriteProperty implements graphstore.PropertyStore with a read-merge-
// conditional-write loop: DynamoDB has no native "apply this merge function"
// primitive, so the merge itself happens client-side and is committed with a
// condition that the row hasn't changed underneath it.
func (s *DynamoStore) WriteProperty(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, uid graphtypes.Uid, prop graphtypes.PropertyName, value graphtypes.PropertyValue) (bool, bool, error) {
	pk, sk := propPK(tenant, uid), propSK(prop)

	for attempt := 0; attempt < writePropertyMaxAttempts; attempt++ {
		out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: pk},
				"SK": &types.AttributeValueMemberS{Value: sk},
			},
		})
		if err != nil {
			return false, false, rpcerrors.Wrap(rpcerrors.Unavailable, "write property", err)
		}

		if out.Item == nil {
			item := valueToItem(pk, sk, value)
			av, err := attributevalue.MarshalMap(item)
			if err != nil {
				return false, false, fmt.Errorf("marshal property item: %w", err)
			}
			_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			})
			if err == nil {
				return true, false, nil
			}
			if isConditionalCheckFailed(err) {
				continue // someone else just created it; re-read and merge
			}
			return false, false, rpcerrors.Wrap(rpcerrors.Unavailable, "write property", err)
		}

		var existingItem propertyItem
		if err := attributevalue.UnmarshalMap(out.Item, &existingItem); err != nil {
			return false, false, fmt.Errorf("unmarshal property item: %w", err)
		}
		existing := itemToValue(existingItem)

		merged, ok := existing.Merge(value)
		if !ok {
			return false, true, nil
		}

		item := valueToItem(pk, sk, merged)
		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return false, false, fmt.Errorf("marshal property item: %w", err)
		}
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.tableName),
			Item:      av,
			ConditionExpression: aws.String(
				"Kind = :k AND Str = :s AND I64 = :i AND U64 = :u",
			),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":k": &types.AttributeValueMemberN{Value: strconv.Itoa(existingItem.Kind)},
				":s": &types.AttributeValueMemberS{Value: existingItem.Str},
				":i": &types.AttributeValueMemberN{Value: strconv.FormatInt(existingItem.I64, 10)},
				":u": &types.AttributeValueMemberN{Value: strconv.FormatUint(existingItem.U64, 10)},
			},
		})
		if err == nil {
			return true, false, nil
		}
		if isConditionalCheckFailed(err) {
			continue // lost the race, retry the merge against the new value
		}
		return false, false, rpcerrors.Wrap(rpcerrors.Unavailable, "write property", err)
	}

	return false, false, rpcerrors.New(rpcerrors.Unavailable, "write property: too much contention")
}

// edgeItem is the persisted row for one directed edge.
type edgeItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	To uint64 `dynamodbav:"To"`
}

// WriteEdge implements graphstore.EdgeStore.
func (s *DynamoStore) WriteEdge(ctx context.Context, tenant graphtypes.Tenant, from graphtypes.Uid, edgeName graphtypes.EdgeName, to graphtypes.Uid, cardinality graphtypes.EdgeCardinality) (graphtypes.Uid, bool, error) {
	pk := edgePK(tenant, from, edgeName)

	if cardinality == graphtypes.ToMany {
		item := edgeItem{PK: pk, SK: strconv.FormatUint(uint64(to), 10), To: uint64(to)}
		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return 0, false, fmt.Errorf("marshal edge item: %w", err)
		}
		if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.tableName),
			Item:      av,
		}); err != nil {
			return 0, false, rpcerrors.Wrap(rpcerrors.Unavailable, "write edge", err)
		}
		return 0, false, nil
	}

	existing, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return 0, false, rpcerrors.Wrap(rpcerrors.Unavailable, "write edge", err)
	}

	item := edgeItem{PK: pk, SK: strconv.FormatUint(uint64(to), 10), To: uint64(to)}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return 0, false, fmt.Errorf("marshal edge item: %w", err)
	}

	if len(existing.Items) == 0 {
		if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.tableName),
			Item:      av,
		}); err != nil {
			return 0, false, rpcerrors.Wrap(rpcerrors.Unavailable, "write edge", err)
		}
		return 0, false, nil
	}

	var prior edgeItem
	if err := attributevalue.UnmarshalMap(existing.Items[0], &prior); err != nil {
		return 0, false, fmt.Errorf("unmarshal edge item: %w", err)
	}
	if prior.To == uint64(to) {
		return 0, false, nil
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Delete: &types.Delete{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: pk},
						"SK": &types.AttributeValueMemberS{Value: prior.SK},
					},
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item:      av,
				},
			},
		},
	})
	if err != nil {
		return 0, false, rpcerrors.Wrap(rpcerrors.Unavailable, "replace to-one edge", err)
	}
	return graphtypes.Uid(prior.To), true, nil
}

// Neighbors implements graphstore.EdgeStore.
func (s *DynamoStore) Neighbors(ctx context.Context, tenant graphtypes.Tenant, from graphtypes.Uid, edgeName graphtypes.EdgeName) ([]graphtypes.Uid, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: edgePK(tenant, from, edgeName)},
		},
	})
	if err != nil {
		return nil, rpcerrors.Wrap(rpcerrors.Unavailable, "query neighbors", err)
	}
	uids := make([]graphtypes.Uid, 0, len(out.Items))
	for _, av := range out.Items {
		var item edgeItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			s.logger.Warn("failed to unmarshal edge item", zap.Error(err))
			continue
		}
		uids = append(uids, graphtypes.Uid(item.To))
	}
	return uids, nil
}

// nodeTypeItem is the persisted row recording a Uid's NodeType.
type nodeTypeItem struct {
	PK       string `dynamodbav:"PK"`
	SK       string `dynamodbav:"SK"`
	NodeType string `dynamodbav:"NodeType"`
}

// PutNodeType implements graphstore.NodeTypeStore.
func (s *DynamoStore) PutNodeType(ctx context.Context, tenant graphtypes.Tenant, uid graphtypes.Uid, nodeType graphtypes.NodeType) error {
	item := nodeTypeItem{PK: nodeTypePK(tenant), SK: strconv.FormatUint(uint64(uid), 10), NodeType: string(nodeType)}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal node type item: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	}); err != nil {
		return rpcerrors.Wrap(rpcerrors.Unavailable, "put node type", err)
	}
	return nil
}

// GetNodeType implements graphstore.NodeTypeStore.
func (s *DynamoStore) GetNodeType(ctx context.Context, tenant graphtypes.Tenant, uid graphtypes.Uid) (graphtypes.NodeType, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: nodeTypePK(tenant)},
			"SK": &types.AttributeValueMemberS{Value: strconv.FormatUint(uint64(uid), 10)},
		},
	})
	if err != nil {
		return "", false, rpcerrors.Wrap(rpcerrors.Unavailable, "get node type", err)
	}
	if out.Item == nil {
		return "", false, nil
	}
	var item nodeTypeItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return "", false, fmt.Errorf("unmarshal node type item: %w", err)
	}
	return graphtypes.NodeType(item.NodeType), true, nil
}

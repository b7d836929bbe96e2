package dynamo

import (
	"context"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeAPI is an in-process DynamoDB holding string-keyed tables.
type fakeAPI struct {
	mu       sync.Mutex
	tables   map[string]map[string]map[string]types.AttributeValue
	ttlAttrs map[string]string
	pageSize int

	// unprocessedOnce makes the next BatchWriteItem hand back this many requests.
	unprocessedOnce int
	batchCalls      int
	err             error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		tables:   make(map[string]map[string]map[string]types.AttributeValue),
		ttlAttrs: make(map[string]string),
		pageSize: 10,
	}
}

func (f *fakeAPI) table(name *string) (map[string]map[string]types.AttributeValue, error) {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}
	return t, nil
}

func keyString(key map[string]types.AttributeValue) string {
	return key[attrKey].(*types.AttributeValueMemberS).Value
}

func (f *fakeAPI) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: t[keyString(in.Key)]}, nil
}

func (f *fakeAPI) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	t[keyString(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	delete(t, keyString(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.batchCalls++

	unprocessed := make(map[string][]types.WriteRequest)
	for name, reqs := range in.RequestItems {
		if len(reqs) > batchSize {
			return nil, &types.InternalServerError{Message: aws.String("too many items")}
		}
		t, err := f.table(aws.String(name))
		if err != nil {
			return nil, err
		}
		for _, req := range reqs {
			if f.unprocessedOnce > 0 {
				f.unprocessedOnce--
				unprocessed[name] = append(unprocessed[name], req)
				continue
			}
			if req.DeleteRequest != nil {
				delete(t, keyString(req.DeleteRequest.Key))
			}
			if req.PutRequest != nil {
				t[keyString(req.PutRequest.Item)] = req.PutRequest.Item
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{UnprocessedItems: unprocessed}, nil
}

func (f *fakeAPI) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		after := keyString(in.ExclusiveStartKey)
		start = sort.SearchStrings(keys, after)
		if start < len(keys) && keys[start] == after {
			start++
		}
	}

	out := &dynamodb.ScanOutput{}
	end := min(start+f.pageSize, len(keys))
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, map[string]types.AttributeValue{attrKey: t[k][attrKey]})
	}
	if end < len(keys) {
		out.LastEvaluatedKey = keyOf(keys[end-1])
	}
	return out, nil
}

func (f *fakeAPI) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if _, err := f.table(in.TableName); err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}

func (f *fakeAPI) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	name := aws.ToString(in.TableName)
	if _, ok := f.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("Table already exists")}
	}
	f.tables[name] = make(map[string]map[string]types.AttributeValue)
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeAPI) UpdateTimeToLive(ctx context.Context, in *dynamodb.UpdateTimeToLiveInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if _, err := f.table(in.TableName); err != nil {
		return nil, err
	}
	f.ttlAttrs[aws.ToString(in.TableName)] = aws.ToString(in.TimeToLiveSpecification.AttributeName)
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}

func (f *fakeAPI) count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

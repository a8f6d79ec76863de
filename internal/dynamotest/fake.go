// Package dynamotest provides an in-memory DynamoDB used by store and
// orchestrator tests. It understands the subset of the expression grammar
// the saga stores emit: conditions in disjunctive normal form built from
// attribute_exists, attribute_not_exists, begins_with and the six
// comparison operators; SET and REMOVE update clauses; and key conditions
// on tables and global secondary indexes.
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// KeySchema names the partition and optional sort key attributes.
type KeySchema struct {
	PK string
	SK string
}

type table struct {
	key     KeySchema
	indexes map[string]KeySchema
	items   map[string]map[string]types.AttributeValue
}

// Fake implements the DynamoDBAPI interface of internal/aws.
type Fake struct {
	mu     sync.Mutex
	tables map[string]*table

	// Hook, when set, runs before every operation. A non-nil error is
	// returned to the caller and the operation is not applied.
	Hook func(op, tableName string) error
}

// New returns an empty fake with no tables.
func New() *Fake {
	return &Fake{tables: map[string]*table{}}
}

// CreateTable registers a table and its global secondary indexes.
func (f *Fake) CreateTable(name string, key KeySchema, indexes map[string]KeySchema) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{
		key:     key,
		indexes: indexes,
		items:   map[string]map[string]types.AttributeValue{},
	}
}

// Items returns a snapshot of every item stored in a table.
func (f *Fake) Items(name string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[name]
	if !ok {
		return nil
	}
	out := make([]map[string]types.AttributeValue, 0, len(t.items))
	for _, it := range t.items {
		out = append(out, clone(it))
	}
	return out
}

// Put stores an item unconditionally, for seeding test state.
func (f *Fake) Put(name string, item map[string]types.AttributeValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(name)
	if err != nil {
		return err
	}
	k, err := t.itemKey(item)
	if err != nil {
		return err
	}
	t.items[k] = clone(item)
	return nil
}

func (f *Fake) table(name string) (*table, error) {
	t, ok := f.tables[name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: strPtr("table not found: " + name)}
	}
	return t, nil
}

func (f *Fake) hook(op, name string) error {
	if f.Hook == nil {
		return nil
	}
	return f.Hook(op, name)
}

func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := deref(in.TableName)
	if err := f.hook("PutItem", name); err != nil {
		return nil, err
	}
	t, err := f.table(name)
	if err != nil {
		return nil, err
	}
	k, err := t.itemKey(in.Item)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, t.items[k])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	t.items[k] = clone(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := deref(in.TableName)
	if err := f.hook("GetItem", name); err != nil {
		return nil, err
	}
	t, err := f.table(name)
	if err != nil {
		return nil, err
	}
	k, err := t.itemKey(in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(item)}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := deref(in.TableName)
	if err := f.hook("UpdateItem", name); err != nil {
		return nil, err
	}
	t, err := f.table(name)
	if err != nil {
		return nil, err
	}
	updated, err := t.update(in.Key, in.UpdateExpression, in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, true)
	if err != nil {
		return nil, err
	}
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues != types.ReturnValueNone && in.ReturnValues != "" {
		out.Attributes = clone(updated)
	}
	return out, nil
}

func (f *Fake) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := deref(in.TableName)
	if err := f.hook("DeleteItem", name); err != nil {
		return nil, err
	}
	t, err := f.table(name)
	if err != nil {
		return nil, err
	}
	k, err := t.itemKey(in.Key)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, t.items[k])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	delete(t.items, k)
	return &dyn.DeleteItemOutput{}, nil
}

func (f *Fake) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := deref(in.TableName)
	if err := f.hook("Query", name); err != nil {
		return nil, err
	}
	t, err := f.table(name)
	if err != nil {
		return nil, err
	}
	schema := t.key
	if in.IndexName != nil {
		idx, ok := t.indexes[*in.IndexName]
		if !ok {
			return nil, fmt.Errorf("dynamotest: unknown index %s", *in.IndexName)
		}
		schema = idx
	}
	if in.KeyConditionExpression == nil {
		return nil, errors.New("dynamotest: query requires KeyConditionExpression")
	}

	var matched []map[string]types.AttributeValue
	for _, item := range t.items {
		if _, ok := item[schema.PK]; !ok {
			continue
		}
		ok, err := evalCondition(in.KeyConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, item)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if in.FilterExpression != nil {
			ok, err = evalCondition(in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, item)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		matched = append(matched, clone(item))
	}

	if schema.SK != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			return compareValues(matched[i][schema.SK], matched[j][schema.SK]) < 0
		})
	}
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if in.Limit != nil && int(*in.Limit) < len(matched) {
		matched = matched[:*in.Limit]
	}
	return &dyn.QueryOutput{Items: matched, Count: int32(len(matched))}, nil
}

func (f *Fake) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("TransactWriteItems", ""); err != nil {
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, it := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: strPtr("None")}
		var (
			name   string
			key    map[string]types.AttributeValue
			cond   *string
			names  map[string]string
			values map[string]types.AttributeValue
		)
		switch {
		case it.Put != nil:
			name, cond, names, values = deref(it.Put.TableName), it.Put.ConditionExpression, it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues
			key = it.Put.Item
		case it.Update != nil:
			name, cond, names, values = deref(it.Update.TableName), it.Update.ConditionExpression, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues
			key = it.Update.Key
		case it.Delete != nil:
			name, cond, names, values = deref(it.Delete.TableName), it.Delete.ConditionExpression, it.Delete.ExpressionAttributeNames, it.Delete.ExpressionAttributeValues
			key = it.Delete.Key
		case it.ConditionCheck != nil:
			name, cond, names, values = deref(it.ConditionCheck.TableName), it.ConditionCheck.ConditionExpression, it.ConditionCheck.ExpressionAttributeNames, it.ConditionCheck.ExpressionAttributeValues
			key = it.ConditionCheck.Key
		default:
			return nil, errors.New("dynamotest: empty transact item")
		}
		t, err := f.table(name)
		if err != nil {
			return nil, err
		}
		k, err := t.itemKey(key)
		if err != nil {
			return nil, err
		}
		ok, err := evalCondition(cond, names, values, t.items[k])
		if err != nil {
			return nil, err
		}
		if !ok {
			reasons[i] = types.CancellationReason{Code: strPtr("ConditionalCheckFailed")}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             strPtr("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			t := f.tables[deref(it.Put.TableName)]
			k, _ := t.itemKey(it.Put.Item)
			t.items[k] = clone(it.Put.Item)
		case it.Update != nil:
			t := f.tables[deref(it.Update.TableName)]
			if _, err := t.update(it.Update.Key, it.Update.UpdateExpression, nil, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues, false); err != nil {
				return nil, err
			}
		case it.Delete != nil:
			t := f.tables[deref(it.Delete.TableName)]
			k, _ := t.itemKey(it.Delete.Key)
			delete(t.items, k)
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (t *table) itemKey(item map[string]types.AttributeValue) (string, error) {
	pk, ok := item[t.key.PK]
	if !ok {
		return "", fmt.Errorf("dynamotest: missing partition key %s", t.key.PK)
	}
	k := scalar(pk)
	if t.key.SK != "" {
		sk, ok := item[t.key.SK]
		if !ok {
			return "", fmt.Errorf("dynamotest: missing sort key %s", t.key.SK)
		}
		k += "\x00" + scalar(sk)
	}
	return k, nil
}

func (t *table) update(key map[string]types.AttributeValue, updateExpr, cond *string, names map[string]string, values map[string]types.AttributeValue, checkCond bool) (map[string]types.AttributeValue, error) {
	k, err := t.itemKey(key)
	if err != nil {
		return nil, err
	}
	current := t.items[k]
	if checkCond {
		ok, err := evalCondition(cond, names, values, current)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
		}
	}
	next := clone(current)
	if next == nil {
		next = map[string]types.AttributeValue{}
		for kk, v := range key {
			next[kk] = v
		}
	}
	if err := applyUpdate(deref(updateExpr), names, values, next); err != nil {
		return nil, err
	}
	t.items[k] = next
	return next, nil
}

// applyUpdate handles "SET a = :x, #b = :y REMOVE c, #d".
func applyUpdate(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	var setPart, removePart string
	if i := strings.Index(expr, "REMOVE "); i >= 0 {
		removePart = strings.TrimSpace(expr[i+len("REMOVE "):])
		expr = strings.TrimSpace(expr[:i])
	}
	if strings.HasPrefix(expr, "SET ") {
		setPart = strings.TrimSpace(expr[len("SET "):])
	} else if expr != "" {
		return fmt.Errorf("dynamotest: unsupported update expression %q", expr)
	}

	if setPart != "" {
		for _, assign := range strings.Split(setPart, ",") {
			parts := strings.SplitN(assign, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("dynamotest: bad assignment %q", assign)
			}
			path := resolveName(strings.TrimSpace(parts[0]), names)
			v, ok := operand(strings.TrimSpace(parts[1]), names, values, item)
			if !ok {
				return fmt.Errorf("dynamotest: unresolved operand in %q", assign)
			}
			item[path] = v
		}
	}
	if removePart != "" {
		for _, p := range strings.Split(removePart, ",") {
			delete(item, resolveName(strings.TrimSpace(p), names))
		}
	}
	return nil
}

func evalCondition(expr *string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return true, nil
	}
	for _, term := range strings.Split(*expr, " OR ") {
		term = strings.TrimSpace(term)
		if strings.HasPrefix(term, "(") && strings.HasSuffix(term, ")") {
			term = strings.TrimSpace(term[1 : len(term)-1])
		}
		all := true
		for _, atom := range strings.Split(term, " AND ") {
			ok, err := evalAtom(strings.TrimSpace(atom), names, values, item)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

var comparators = []string{"<>", "<=", ">=", "=", "<", ">"}

func evalAtom(atom string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	switch {
	case strings.HasPrefix(atom, "attribute_not_exists(") && strings.HasSuffix(atom, ")"):
		path := resolveName(atom[len("attribute_not_exists("):len(atom)-1], names)
		_, ok := item[path]
		return !ok, nil
	case strings.HasPrefix(atom, "attribute_exists(") && strings.HasSuffix(atom, ")"):
		path := resolveName(atom[len("attribute_exists("):len(atom)-1], names)
		_, ok := item[path]
		return ok, nil
	case strings.HasPrefix(atom, "begins_with(") && strings.HasSuffix(atom, ")"):
		args := strings.SplitN(atom[len("begins_with("):len(atom)-1], ",", 2)
		if len(args) != 2 {
			return false, fmt.Errorf("dynamotest: bad begins_with %q", atom)
		}
		l, lok := operand(strings.TrimSpace(args[0]), names, values, item)
		r, rok := operand(strings.TrimSpace(args[1]), names, values, item)
		if !lok || !rok {
			return false, nil
		}
		ls, lIsS := l.(*types.AttributeValueMemberS)
		rs, rIsS := r.(*types.AttributeValueMemberS)
		return lIsS && rIsS && strings.HasPrefix(ls.Value, rs.Value), nil
	}

	for _, op := range comparators {
		i := strings.Index(atom, " "+op+" ")
		if i < 0 {
			continue
		}
		l, lok := operand(strings.TrimSpace(atom[:i]), names, values, item)
		r, rok := operand(strings.TrimSpace(atom[i+len(op)+2:]), names, values, item)
		if !lok || !rok {
			return false, nil
		}
		c := compareValues(l, r)
		switch op {
		case "=":
			return c == 0, nil
		case "<>":
			return c != 0, nil
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		case ">=":
			return c >= 0, nil
		}
	}
	return false, fmt.Errorf("dynamotest: unsupported condition %q", atom)
}

func operand(tok string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (types.AttributeValue, bool) {
	if strings.HasPrefix(tok, ":") {
		v, ok := values[tok]
		return v, ok
	}
	v, ok := item[resolveName(tok, names)]
	return v, ok
}

func resolveName(tok string, names map[string]string) string {
	tok = strings.TrimSpace(tok)
	if strings.HasPrefix(tok, "#") {
		if n, ok := names[tok]; ok {
			return n
		}
	}
	return tok
}

// compareValues orders two scalars. Mismatched types compare by kind name
// so the result is stable but never equal.
func compareValues(a, b types.AttributeValue) int {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		if bv, ok := b.(*types.AttributeValueMemberS); ok {
			return strings.Compare(av.Value, bv.Value)
		}
	case *types.AttributeValueMemberN:
		if bv, ok := b.(*types.AttributeValueMemberN); ok {
			return compareNumbers(av.Value, bv.Value)
		}
	case *types.AttributeValueMemberBOOL:
		if bv, ok := b.(*types.AttributeValueMemberBOOL); ok {
			if av.Value == bv.Value {
				return 0
			}
			if !av.Value {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b)) | 1
}

func compareNumbers(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	af, _ := strconv.ParseFloat(a, 64)
	bf, _ := strconv.ParseFloat(b, 64)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

func scalar(v types.AttributeValue) string {
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + tv.Value
	case *types.AttributeValueMemberN:
		return "N:" + tv.Value
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string { return &s }

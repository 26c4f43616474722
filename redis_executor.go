package couchkit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	casKeySuffix  = ":cas"
	lockKeySuffix = ":lock"

	redisPartitionCount = 1024
)

// RedisExecutor is a single-node reference backend: it executes the full
// operation set against Redis, emulating CAS with a per-key version
// counter and pessimistic locks with a TTL'd lock marker.
//
// ⚠️ LIMITATIONS:
//   - CAS is only honored by clients going through this executor; raw
//     Redis writes bypass the version counter entirely.
//   - There are no replicas. Observe reports the document as persisted to
//     the active node with zero replica copies, so any replication
//     requirement fails as impossible rather than hanging.
//
// It also implements ConnectionFactory, dialing one Redis client per
// endpoint, and ObserveClient for durability polling.
type RedisExecutor struct {
	client  *redis.Client
	locks   *keyLocks
	bucket  string
	epoch   uint64
	seqNo   uint64
	logger  Logger
	metrics Metrics
}

// NewRedisExecutor creates an executor over an existing Redis client.
// The caller keeps ownership of the client.
func NewRedisExecutor(client *redis.Client, bucket string) *RedisExecutor {
	id := uuid.New()
	return &RedisExecutor{
		client: client,
		locks:  newKeyLocks(32),
		bucket: bucket,
		epoch:  binary.BigEndian.Uint64(id[:8]),
		logger: &NoOpLogger{},
	}
}

// SetLogger sets the logger for executor diagnostics
func (e *RedisExecutor) SetLogger(logger Logger) {
	e.logger = logger
}

// SetMetrics sets the metrics collector
func (e *RedisExecutor) SetMetrics(metrics Metrics) {
	e.metrics = metrics
}

// Create dials a new Redis client for the endpoint and verifies it with a
// ping. Implements ConnectionFactory.
func (e *RedisExecutor) Create(ctx context.Context, endpoint string) (ConnectionHandle, error) {
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, WithContext(ErrNetwork, map[string]interface{}{
			"endpoint": endpoint,
			"cause":    err.Error(),
		})
	}
	return client, nil
}

// Validate pings the connection. Implements ConnectionFactory.
func (e *RedisExecutor) Validate(handle ConnectionHandle) bool {
	client, ok := handle.(*redis.Client)
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err() == nil
}

// Destroy closes the connection. Implements ConnectionFactory.
func (e *RedisExecutor) Destroy(handle ConnectionHandle) error {
	if client, ok := handle.(*redis.Client); ok {
		return client.Close()
	}
	return nil
}

// clientFor prefers the pooled handle when it is a Redis client, falling
// back to the executor's own client
func (e *RedisExecutor) clientFor(conn ConnectionHandle) *redis.Client {
	if client, ok := conn.(*redis.Client); ok && client != nil {
		return client
	}
	return e.client
}

// Execute dispatches one operation against Redis
func (e *RedisExecutor) Execute(ctx context.Context, conn ConnectionHandle, op Operation) (*OperationResult, error) {
	client := e.clientFor(conn)
	if client == nil {
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
			"reason": "no redis client available",
		})
	}

	switch o := op.(type) {
	case GetOp:
		return e.get(ctx, client, o.Key)
	case UpsertOp:
		return e.upsert(ctx, client, o)
	case InsertOp:
		return e.insert(ctx, client, o)
	case ReplaceOp:
		return e.replace(ctx, client, o)
	case RemoveOp:
		return e.remove(ctx, client, o)
	case TouchOp:
		return e.touch(ctx, client, o)
	case CounterOp:
		return e.counter(ctx, client, o)
	case ExistsOp:
		return e.exists(ctx, client, o.Key)
	case GetAndLockOp:
		return e.getAndLock(ctx, client, o)
	case UnlockOp:
		return e.unlock(ctx, client, o)
	case GetReplicaOp:
		// Single node: the active copy is the only copy
		return e.get(ctx, client, o.Key)
	case LookupInOp:
		return e.lookupIn(ctx, client, o)
	case MutateInOp:
		return e.mutateIn(ctx, client, o)
	default:
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
			"kind": string(op.Kind()),
		})
	}
}

// Observe reports the key's persistence state. Implements ObserveClient.
func (e *RedisExecutor) Observe(ctx context.Context, key string) (*ObserveState, error) {
	cas, err := e.currentCAS(ctx, e.client, key)
	if err != nil {
		return nil, err
	}
	exists, err := e.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, wrapRedisErr(err, key)
	}
	if exists == 0 {
		return nil, WithContext(ErrDocumentNotFound, map[string]interface{}{"key": key})
	}
	return &ObserveState{
		CAS:               cas,
		PersistedToMaster: true,
		ReplicateCount:    0,
		PersistCount:      1,
		MaxReplicas:       0,
	}, nil
}

func (e *RedisExecutor) get(ctx context.Context, client *redis.Client, key string) (*OperationResult, error) {
	value, err := client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, WithContext(ErrDocumentNotFound, map[string]interface{}{"key": key})
	}
	if err != nil {
		return nil, wrapRedisErr(err, key)
	}
	cas, err := e.currentCAS(ctx, client, key)
	if err != nil {
		return nil, err
	}
	return &OperationResult{CAS: cas, Value: value, Exists: true}, nil
}

func (e *RedisExecutor) upsert(ctx context.Context, client *redis.Client, op UpsertOp) (*OperationResult, error) {
	unlock := e.locks.lock(op.Key)
	defer unlock()

	if err := e.requireUnlocked(ctx, client, op.Key, 0); err != nil {
		return nil, err
	}
	if err := client.Set(ctx, op.Key, op.Value, op.Expiry).Err(); err != nil {
		return nil, wrapRedisErr(err, op.Key)
	}
	return e.mutationResult(ctx, client, op.Key)
}

func (e *RedisExecutor) insert(ctx context.Context, client *redis.Client, op InsertOp) (*OperationResult, error) {
	unlock := e.locks.lock(op.Key)
	defer unlock()

	created, err := client.SetNX(ctx, op.Key, op.Value, op.Expiry).Result()
	if err != nil {
		return nil, wrapRedisErr(err, op.Key)
	}
	if !created {
		return nil, WithContext(ErrDocumentExists, map[string]interface{}{"key": op.Key})
	}
	return e.mutationResult(ctx, client, op.Key)
}

func (e *RedisExecutor) replace(ctx context.Context, client *redis.Client, op ReplaceOp) (*OperationResult, error) {
	unlock := e.locks.lock(op.Key)
	defer unlock()

	if err := e.requireExists(ctx, client, op.Key); err != nil {
		return nil, err
	}
	if err := e.requireUnlocked(ctx, client, op.Key, op.CAS); err != nil {
		return nil, err
	}
	if err := e.checkCAS(ctx, client, op.Key, op.CAS); err != nil {
		return nil, err
	}

	expiry := op.Expiry
	if expiry == 0 {
		expiry = redis.KeepTTL
	}
	if err := client.Set(ctx, op.Key, op.Value, expiry).Err(); err != nil {
		return nil, wrapRedisErr(err, op.Key)
	}
	// Replacing with the lock's CAS releases the lock
	client.Del(ctx, op.Key+lockKeySuffix)
	return e.mutationResult(ctx, client, op.Key)
}

func (e *RedisExecutor) remove(ctx context.Context, client *redis.Client, op RemoveOp) (*OperationResult, error) {
	unlock := e.locks.lock(op.Key)
	defer unlock()

	if err := e.requireExists(ctx, client, op.Key); err != nil {
		return nil, err
	}
	if err := e.requireUnlocked(ctx, client, op.Key, op.CAS); err != nil {
		return nil, err
	}
	if err := e.checkCAS(ctx, client, op.Key, op.CAS); err != nil {
		return nil, err
	}
	if err := client.Del(ctx, op.Key, op.Key+casKeySuffix, op.Key+lockKeySuffix).Err(); err != nil {
		return nil, wrapRedisErr(err, op.Key)
	}
	return &OperationResult{Token: e.newToken(op.Key)}, nil
}

func (e *RedisExecutor) touch(ctx context.Context, client *redis.Client, op TouchOp) (*OperationResult, error) {
	unlock := e.locks.lock(op.Key)
	defer unlock()

	if err := e.requireExists(ctx, client, op.Key); err != nil {
		return nil, err
	}
	if op.Expiry > 0 {
		if err := client.Expire(ctx, op.Key, op.Expiry).Err(); err != nil {
			return nil, wrapRedisErr(err, op.Key)
		}
	} else {
		if err := client.Persist(ctx, op.Key).Err(); err != nil {
			return nil, wrapRedisErr(err, op.Key)
		}
	}
	cas, err := e.currentCAS(ctx, client, op.Key)
	if err != nil {
		return nil, err
	}
	return &OperationResult{CAS: cas, Exists: true}, nil
}

func (e *RedisExecutor) counter(ctx context.Context, client *redis.Client, op CounterOp) (*OperationResult, error) {
	unlock := e.locks.lock(op.Key)
	defer unlock()

	exists, err := client.Exists(ctx, op.Key).Result()
	if err != nil {
		return nil, wrapRedisErr(err, op.Key)
	}

	var value int64
	if exists == 0 {
		value = op.Initial
		if err := client.Set(ctx, op.Key, strconv.FormatInt(value, 10), op.Expiry).Err(); err != nil {
			return nil, wrapRedisErr(err, op.Key)
		}
	} else {
		value, err = client.IncrBy(ctx, op.Key, op.Delta).Result()
		if err != nil {
			return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
				"key":    op.Key,
				"reason": "document is not a counter",
				"cause":  err.Error(),
			})
		}
	}

	res, err := e.mutationResult(ctx, client, op.Key)
	if err != nil {
		return nil, err
	}
	res.Counter = value
	return res, nil
}

func (e *RedisExecutor) exists(ctx context.Context, client *redis.Client, key string) (*OperationResult, error) {
	n, err := client.Exists(ctx, key).Result()
	if err != nil {
		return nil, wrapRedisErr(err, key)
	}
	res := &OperationResult{Exists: n > 0}
	if res.Exists {
		cas, err := e.currentCAS(ctx, client, key)
		if err != nil {
			return nil, err
		}
		res.CAS = cas
	}
	return res, nil
}

func (e *RedisExecutor) getAndLock(ctx context.Context, client *redis.Client, op GetAndLockOp) (*OperationResult, error) {
	unlock := e.locks.lock(op.Key)
	defer unlock()

	value, err := client.Get(ctx, op.Key).Bytes()
	if err == redis.Nil {
		return nil, WithContext(ErrDocumentNotFound, map[string]interface{}{"key": op.Key})
	}
	if err != nil {
		return nil, wrapRedisErr(err, op.Key)
	}
	if err := e.requireUnlocked(ctx, client, op.Key, 0); err != nil {
		return nil, err
	}

	lockTime := op.LockTime
	if lockTime <= 0 {
		lockTime = 15 * time.Second
	}
	// The lock CAS is a fresh version only the lock holder knows
	lockCAS, err := client.Incr(ctx, op.Key+casKeySuffix).Result()
	if err != nil {
		return nil, wrapRedisErr(err, op.Key)
	}
	if err := client.Set(ctx, op.Key+lockKeySuffix, strconv.FormatInt(lockCAS, 10), lockTime).Err(); err != nil {
		return nil, wrapRedisErr(err, op.Key)
	}
	return &OperationResult{CAS: uint64(lockCAS), Value: value, Exists: true}, nil
}

func (e *RedisExecutor) unlock(ctx context.Context, client *redis.Client, op UnlockOp) (*OperationResult, error) {
	unlock := e.locks.lock(op.Key)
	defer unlock()

	if err := e.requireExists(ctx, client, op.Key); err != nil {
		return nil, err
	}
	lockCAS, err := e.lockCAS(ctx, client, op.Key)
	if err != nil {
		return nil, err
	}
	if lockCAS == 0 {
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
			"key":    op.Key,
			"reason": "document is not locked",
		})
	}
	if op.CAS != lockCAS {
		return nil, WithContext(ErrCASMismatch, map[string]interface{}{
			"key":      op.Key,
			"expected": lockCAS,
			"actual":   op.CAS,
		})
	}
	if err := client.Del(ctx, op.Key+lockKeySuffix).Err(); err != nil {
		return nil, wrapRedisErr(err, op.Key)
	}
	return &OperationResult{CAS: lockCAS, Exists: true}, nil
}

func (e *RedisExecutor) lookupIn(ctx context.Context, client *redis.Client, op LookupInOp) (*OperationResult, error) {
	if len(op.Specs) == 0 {
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
			"reason": "lookup_in requires at least one path",
		})
	}

	res, err := e.get(ctx, client, op.Key)
	if err != nil {
		return nil, err
	}

	var doc interface{}
	if err := json.Unmarshal(res.Value, &doc); err != nil {
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
			"key":    op.Key,
			"reason": "document is not JSON",
		})
	}

	fields := make([][]byte, 0, len(op.Specs))
	for _, spec := range op.Specs {
		node, ok := jsonPathGet(doc, spec.Path)
		if !ok {
			return nil, WithContext(ErrPathNotFound, map[string]interface{}{
				"key":  op.Key,
				"path": spec.Path,
			})
		}
		raw, err := json.Marshal(node)
		if err != nil {
			return nil, wrapRedisErr(err, op.Key)
		}
		fields = append(fields, raw)
	}
	return &OperationResult{CAS: res.CAS, Fields: fields, Exists: true}, nil
}

func (e *RedisExecutor) mutateIn(ctx context.Context, client *redis.Client, op MutateInOp) (*OperationResult, error) {
	if len(op.Specs) == 0 {
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
			"reason": "mutate_in requires at least one spec",
		})
	}

	unlock := e.locks.lock(op.Key)
	defer unlock()

	value, err := client.Get(ctx, op.Key).Bytes()
	if err == redis.Nil {
		return nil, WithContext(ErrDocumentNotFound, map[string]interface{}{"key": op.Key})
	}
	if err != nil {
		return nil, wrapRedisErr(err, op.Key)
	}
	if err := e.requireUnlocked(ctx, client, op.Key, op.CAS); err != nil {
		return nil, err
	}
	if err := e.checkCAS(ctx, client, op.Key, op.CAS); err != nil {
		return nil, err
	}

	var doc interface{}
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
			"key":    op.Key,
			"reason": "document is not JSON",
		})
	}

	for _, spec := range op.Specs {
		if spec.Remove {
			doc, err = jsonPathRemove(doc, spec.Path)
		} else {
			var node interface{}
			if uerr := json.Unmarshal(spec.Value, &node); uerr != nil {
				return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
					"key":    op.Key,
					"path":   spec.Path,
					"reason": "mutation value is not JSON",
				})
			}
			doc, err = jsonPathSet(doc, spec.Path, node)
		}
		if err != nil {
			return nil, WithContext(ErrPathNotFound, map[string]interface{}{
				"key":  op.Key,
				"path": spec.Path,
			})
		}
	}

	updated, err := json.Marshal(doc)
	if err != nil {
		return nil, wrapRedisErr(err, op.Key)
	}
	if err := client.Set(ctx, op.Key, updated, redis.KeepTTL).Err(); err != nil {
		return nil, wrapRedisErr(err, op.Key)
	}
	client.Del(ctx, op.Key+lockKeySuffix)
	return e.mutationResult(ctx, client, op.Key)
}

// mutationResult bumps the key's version counter and assembles the
// standard mutation response
func (e *RedisExecutor) mutationResult(ctx context.Context, client *redis.Client, key string) (*OperationResult, error) {
	cas, err := client.Incr(ctx, key+casKeySuffix).Result()
	if err != nil {
		return nil, wrapRedisErr(err, key)
	}
	return &OperationResult{CAS: uint64(cas), Exists: true, Token: e.newToken(key)}, nil
}

func (e *RedisExecutor) newToken(key string) *MutationToken {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &MutationToken{
		PartitionID:   uint16(h.Sum32() % redisPartitionCount),
		PartitionUUID: e.epoch,
		SeqNo:         atomic.AddUint64(&e.seqNo, 1),
		BucketName:    e.bucket,
	}
}

func (e *RedisExecutor) currentCAS(ctx context.Context, client *redis.Client, key string) (uint64, error) {
	raw, err := client.Get(ctx, key+casKeySuffix).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, wrapRedisErr(err, key)
	}
	cas, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, wrapRedisErr(err, key)
	}
	return cas, nil
}

func (e *RedisExecutor) lockCAS(ctx context.Context, client *redis.Client, key string) (uint64, error) {
	raw, err := client.Get(ctx, key+lockKeySuffix).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, wrapRedisErr(err, key)
	}
	cas, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, wrapRedisErr(err, key)
	}
	return cas, nil
}

func (e *RedisExecutor) requireExists(ctx context.Context, client *redis.Client, key string) error {
	n, err := client.Exists(ctx, key).Result()
	if err != nil {
		return wrapRedisErr(err, key)
	}
	if n == 0 {
		return WithContext(ErrDocumentNotFound, map[string]interface{}{"key": key})
	}
	return nil
}

// requireUnlocked rejects mutations on a locked document unless the
// caller presents the lock's CAS
func (e *RedisExecutor) requireUnlocked(ctx context.Context, client *redis.Client, key string, cas uint64) error {
	lockCAS, err := e.lockCAS(ctx, client, key)
	if err != nil {
		return err
	}
	if lockCAS != 0 && cas != lockCAS {
		return WithContext(ErrDocumentLocked, map[string]interface{}{"key": key})
	}
	return nil
}

// checkCAS compares a caller-supplied CAS against the key's version
// counter; zero means unconditional
func (e *RedisExecutor) checkCAS(ctx context.Context, client *redis.Client, key string, cas uint64) error {
	if cas == 0 {
		return nil
	}
	current, err := e.currentCAS(ctx, client, key)
	if err != nil {
		return err
	}
	if current != cas {
		return WithContext(ErrCASMismatch, map[string]interface{}{
			"key":      key,
			"expected": current,
			"actual":   cas,
		})
	}
	return nil
}

func wrapRedisErr(err error, key string) error {
	return WithContext(ErrNetwork, map[string]interface{}{
		"key":   key,
		"cause": err.Error(),
	})
}

// jsonPathGet resolves a dotted path (with optional [n] array indexes)
// inside a decoded JSON document
func jsonPathGet(doc interface{}, path string) (interface{}, bool) {
	node := doc
	for _, seg := range splitPath(path) {
		if idx, isIndex := seg.index(); isIndex {
			arr, ok := node.([]interface{})
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			node = arr[idx]
			continue
		}
		obj, ok := node.(map[string]interface{})
		if !ok {
			return nil, false
		}
		node, ok = obj[seg.name]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// jsonPathSet sets a value at a dotted path, creating intermediate
// objects for missing object segments
func jsonPathSet(doc interface{}, path string, value interface{}) (interface{}, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return value, nil
	}
	return jsonSetRec(doc, segs, value)
}

func jsonSetRec(node interface{}, segs []pathSegment, value interface{}) (interface{}, error) {
	seg := segs[0]
	if idx, isIndex := seg.index(); isIndex {
		arr, ok := node.([]interface{})
		if !ok || idx < 0 || idx >= len(arr) {
			return nil, fmt.Errorf("array index out of range: %d", idx)
		}
		if len(segs) == 1 {
			arr[idx] = value
			return arr, nil
		}
		child, err := jsonSetRec(arr[idx], segs[1:], value)
		if err != nil {
			return nil, err
		}
		arr[idx] = child
		return arr, nil
	}

	obj, ok := node.(map[string]interface{})
	if !ok {
		if node != nil {
			return nil, fmt.Errorf("path segment %q is not an object", seg.name)
		}
		obj = make(map[string]interface{})
	}
	if len(segs) == 1 {
		obj[seg.name] = value
		return obj, nil
	}
	child, err := jsonSetRec(obj[seg.name], segs[1:], value)
	if err != nil {
		return nil, err
	}
	obj[seg.name] = child
	return obj, nil
}

// jsonPathRemove deletes the value at a dotted path
func jsonPathRemove(doc interface{}, path string) (interface{}, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return doc, fmt.Errorf("empty path")
	}
	return jsonRemoveRec(doc, segs)
}

func jsonRemoveRec(node interface{}, segs []pathSegment) (interface{}, error) {
	seg := segs[0]
	if idx, isIndex := seg.index(); isIndex {
		arr, ok := node.([]interface{})
		if !ok || idx < 0 || idx >= len(arr) {
			return nil, fmt.Errorf("array index out of range: %d", idx)
		}
		if len(segs) == 1 {
			return append(arr[:idx], arr[idx+1:]...), nil
		}
		child, err := jsonRemoveRec(arr[idx], segs[1:])
		if err != nil {
			return nil, err
		}
		arr[idx] = child
		return arr, nil
	}

	obj, ok := node.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("path segment %q is not an object", seg.name)
	}
	if len(segs) == 1 {
		if _, exists := obj[seg.name]; !exists {
			return nil, fmt.Errorf("path not found: %s", seg.name)
		}
		delete(obj, seg.name)
		return obj, nil
	}
	existing, exists := obj[seg.name]
	if !exists {
		return nil, fmt.Errorf("path not found: %s", seg.name)
	}
	child, err := jsonRemoveRec(existing, segs[1:])
	if err != nil {
		return nil, err
	}
	obj[seg.name] = child
	return obj, nil
}

type pathSegment struct {
	name string
}

// index interprets the segment as a bracketed array index, e.g. "[2]"
func (s pathSegment) index() (int, bool) {
	if len(s.name) < 3 || s.name[0] != '[' || s.name[len(s.name)-1] != ']' {
		return 0, false
	}
	idx, err := strconv.Atoi(s.name[1 : len(s.name)-1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// splitPath breaks "a.b[2].c" into ["a", "b", "[2]", "c"]
func splitPath(path string) []pathSegment {
	var segs []pathSegment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		for {
			open := strings.Index(part, "[")
			if open < 0 {
				segs = append(segs, pathSegment{name: part})
				break
			}
			if open > 0 {
				segs = append(segs, pathSegment{name: part[:open]})
			}
			closeIdx := strings.Index(part[open:], "]")
			if closeIdx < 0 {
				segs = append(segs, pathSegment{name: part[open:]})
				break
			}
			segs = append(segs, pathSegment{name: part[open : open+closeIdx+1]})
			part = part[open+closeIdx+1:]
			if part == "" {
				break
			}
		}
	}
	return segs
}

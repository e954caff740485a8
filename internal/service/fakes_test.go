package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/market-sync/internal/adapter"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
	"github.com/redis/go-redis/v9"
)

const (
	marketplace = "0x1111111111111111111111111111111111111111"
	collectible = "0x2222222222222222222222222222222222222222"
	alice       = "0x00000000000000000000000000000000000000aa"
	bob         = "0x00000000000000000000000000000000000000bb"
	carol       = "0x00000000000000000000000000000000000000cc"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestCache(t *testing.T) (*storage.TTLCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.NewTTLCache(storage.NewRedisCacheFromClient(client), 0), mr
}

// fakeChain serves decoded events from memory. The event name travels in
// the log data so that DecodeLogs can restore it.
type fakeChain struct {
	mu          sync.Mutex
	head        uint64
	headErr     error
	events      []types.DecodedEvent
	failFilter  func(q adapter.LogQuery) error
	filterCalls int
	views       map[string][]interface{}
	viewErr     error
	viewCalls   int
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeChain) BlockTime(ctx context.Context, block uint64) (time.Time, error) {
	return time.Unix(int64(1_700_000_000+block*2), 0).UTC(), nil
}

func (f *fakeChain) CallView(ctx context.Context, contract, abiName, method string, args ...interface{}) ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewCalls++
	if f.viewErr != nil {
		return nil, f.viewErr
	}
	key := method
	if len(args) > 0 {
		key = fmt.Sprintf("%s(%v)", method, args[0])
	}
	out, ok := f.views[key]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return out, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, q adapter.LogQuery) ([]ethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterCalls++
	if f.failFilter != nil {
		if err := f.failFilter(q); err != nil {
			return nil, err
		}
	}

	var logs []ethtypes.Log
	for _, ev := range f.events {
		if ev.EventName != q.EventName || ev.BlockNumber < q.FromBlock || ev.BlockNumber > q.ToBlock {
			continue
		}
		logs = append(logs, ethtypes.Log{
			Address:     common.HexToAddress(q.Contract),
			BlockNumber: ev.BlockNumber,
			Index:       ev.LogIndex,
			TxHash:      common.HexToHash(ev.TransactionHash),
			Data:        []byte(ev.EventName),
		})
	}
	return logs, nil
}

func (f *fakeChain) DecodeLogs(abiName string, logs []ethtypes.Log) ([]types.DecodedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.DecodedEvent, 0, len(logs))
	for _, l := range logs {
		for _, ev := range f.events {
			if ev.BlockNumber == l.BlockNumber && ev.LogIndex == l.Index && ev.EventName == string(l.Data) {
				ev.Address = l.Address.Hex()
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

func (f *fakeChain) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filterCalls
}

type fakeAnalytics struct {
	mu      sync.Mutex
	execute func(sql string) (*adapter.AnalyticsResult, error)
	queries []string
	block   chan struct{}
}

func (f *fakeAnalytics) Execute(ctx context.Context, sql string) (*adapter.AnalyticsResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, sql)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.execute(sql)
}

func (f *fakeAnalytics) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func rowsResult(rows ...adapter.AnalyticsRow) func(string) (*adapter.AnalyticsResult, error) {
	return func(string) (*adapter.AnalyticsResult, error) {
		return &adapter.AnalyticsResult{Rows: rows}, nil
	}
}

type fakeSocial struct {
	mu            sync.Mutex
	identities    map[string]*types.Identity
	contents      map[string]*types.Content
	err           error
	identityCalls int
	contentCalls  int
}

func (f *fakeSocial) GetContentByHash(ctx context.Context, hash string) (*types.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contentCalls++
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.contents[hash]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeSocial) GetIdentityByAddress(ctx context.Context, address string) (*types.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identityCalls++
	if f.err != nil {
		return nil, f.err
	}
	id, ok := f.identities[address]
	if !ok {
		return nil, nil
	}
	cp := *id
	return &cp, nil
}

type memCheckpoints struct {
	mu         sync.Mutex
	last       map[string]uint64
	advances   []uint64
	advanceErr error
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{last: map[string]uint64{}}
}

func (m *memCheckpoints) GetOrCreate(ctx context.Context, contract string, chainID types.ChainID, startBlock uint64) (*models.SyncCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d:%s", chainID, contract)
	cp := models.NewSyncCheckpoint(contract, chainID, startBlock)
	if last, ok := m.last[key]; ok {
		cp.LastSyncedBlock = fmt.Sprint(last)
		cp.Initialized = true
	}
	return cp, nil
}

func (m *memCheckpoints) Advance(ctx context.Context, contract string, chainID types.ChainID, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advanceErr != nil {
		return m.advanceErr
	}
	key := fmt.Sprintf("%d:%s", chainID, contract)
	m.last[key] = max(m.last[key], block)
	m.advances = append(m.advances, block)
	return nil
}

type memEvents struct {
	mu        sync.Mutex
	events    map[string]models.ChainEvent
	upsertErr error
}

func newMemEvents() *memEvents {
	return &memEvents{events: map[string]models.ChainEvent{}}
}

func eventKey(chainID types.ChainID, block uint64, index uint) string {
	return fmt.Sprintf("%d:%d:%d", chainID, block, index)
}

func (m *memEvents) UpsertEvents(ctx context.Context, events []models.ChainEvent) ([]models.ChainEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	var inserted []models.ChainEvent
	for _, ev := range events {
		k := eventKey(ev.ChainID, ev.BlockNumber, ev.LogIndex)
		if _, ok := m.events[k]; ok {
			continue
		}
		m.events[k] = ev
		inserted = append(inserted, ev)
	}
	return inserted, nil
}

func (m *memEvents) ListAfterBlock(ctx context.Context, chainID types.ChainID, contract string, afterBlock uint64, names []string, limit int) ([]models.ChainEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := map[string]bool{}
	for _, n := range names {
		allowed[n] = true
	}
	var out []models.ChainEvent
	for _, ev := range m.events {
		if ev.ChainID != chainID || ev.ContractAddress != contract || ev.BlockNumber <= afterBlock {
			continue
		}
		if len(allowed) > 0 && !allowed[ev.EventName] {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memEvents) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type memMirror struct {
	mu       sync.Mutex
	mirrored []models.ChainEvent
	err      error
}

func (m *memMirror) InsertEvents(ctx context.Context, events []models.ChainEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.mirrored = append(m.mirrored, events...)
	return nil
}

type memListings struct {
	mu       sync.Mutex
	listings map[string]*models.Listing
	saveErr  error
	inserts  int
}

func newMemListings() *memListings {
	return &memListings{listings: map[string]*models.Listing{}}
}

func listingKey(id string, t types.ListingType) string { return string(t) + ":" + id }

func cloneListing(l *models.Listing) *models.Listing {
	cp := *l
	cp.Bids = append([]models.Bid(nil), l.Bids...)
	return &cp
}

func (m *memListings) Get(ctx context.Context, id string, t types.ListingType) (*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[listingKey(id, t)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneListing(l), nil
}

func (m *memListings) Insert(ctx context.Context, l *models.Listing) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := listingKey(l.ListingID, l.ListingType)
	if _, ok := m.listings[k]; ok {
		return false, nil
	}
	m.inserts++
	m.listings[k] = cloneListing(l)
	return true, nil
}

func (m *memListings) Save(ctx context.Context, l *models.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	k := listingKey(l.ListingID, l.ListingType)
	if _, ok := m.listings[k]; !ok {
		return storage.ErrNotFound
	}
	m.listings[k] = cloneListing(l)
	return nil
}

func (m *memListings) get(id string, t types.ListingType) *models.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listings[listingKey(id, t)]
}

type memCollectibles struct {
	mu      sync.Mutex
	records map[string]*models.Collectible
	deletes int
}

func newMemCollectibles() *memCollectibles {
	return &memCollectibles{records: map[string]*models.Collectible{}}
}

func (m *memCollectibles) Create(ctx context.Context, c *models.Collectible) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.records[c.TokenID] = &cp
	return nil
}

func (m *memCollectibles) UpdateOwner(ctx context.Context, tokenID, owner string, block uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.records[tokenID]
	if !ok {
		return false, nil
	}
	c.Owner = owner
	c.UpdatedBlock = block
	return true, nil
}

func (m *memCollectibles) Delete(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	delete(m.records, tokenID)
	return nil
}

func (m *memCollectibles) get(tokenID string) *models.Collectible {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[tokenID]
}

// memSnapshots mirrors the compare-and-set semantics of the snapshot table
type memSnapshots struct {
	mu         sync.Mutex
	owners     map[models.SyncJob]string
	lockedAt   map[models.SyncJob]time.Time
	watermarks map[models.SyncJob]int64
	acquires   int
	releases   int
	advanceErr error
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{
		owners:     map[models.SyncJob]string{},
		lockedAt:   map[models.SyncJob]time.Time{},
		watermarks: map[models.SyncJob]int64{},
	}
}

func (m *memSnapshots) TryAcquire(ctx context.Context, scope string, job models.SyncJob, owner string, maxAge time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder := m.owners[job]; holder != "" {
		if maxAge <= 0 || time.Since(m.lockedAt[job]) < maxAge {
			return false, nil
		}
	}
	m.acquires++
	m.owners[job] = owner
	m.lockedAt[job] = time.Now()
	return true, nil
}

func (m *memSnapshots) Release(ctx context.Context, scope string, job models.SyncJob, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[job] == owner {
		m.owners[job] = ""
		m.releases++
	}
	return nil
}

func (m *memSnapshots) Watermark(ctx context.Context, scope string, job models.SyncJob) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.watermarks[job]
	return v, ok, nil
}

func (m *memSnapshots) AdvanceWatermark(ctx context.Context, scope string, job models.SyncJob, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advanceErr != nil {
		return m.advanceErr
	}
	if cur, ok := m.watermarks[job]; !ok || value > cur {
		m.watermarks[job] = value
	}
	return nil
}

func (m *memSnapshots) locked(job models.SyncJob) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[job] != ""
}

func (m *memSnapshots) watermark(job models.SyncJob) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarks[job]
}

func (m *memSnapshots) hold(job models.SyncJob, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[job] = owner
	m.lockedAt[job] = time.Now()
}

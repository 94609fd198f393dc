package entitlements

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"github.com/docvaulthq/DocVault/app/models"
	"github.com/docvaulthq/DocVault/internal/pkg/ledger"
)

// fakeLedger implements ledger.Store in memory. The mutex stands in for the
// per-account row lock of the real store: open/finalize are atomic.
type fakeLedger struct {
	mu       sync.Mutex
	accounts map[uint]int64
	entries  map[uint]*models.LedgerEntry
	byKey    map[string]uint
	nextID   uint
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		accounts: make(map[uint]int64),
		entries:  make(map[uint]*models.LedgerEntry),
		byKey:    make(map[string]uint),
	}
}

func (f *fakeLedger) CreateAccount(userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[userID]; !ok {
		f.accounts[userID] = 0
	}
	return nil
}

func (f *fakeLedger) GetBalance(userID uint) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.accounts[userID]
	if !ok {
		return 0, ledger.ErrAccountNotFound
	}
	return balance, nil
}

func (f *fakeLedger) OpenEntry(userID uint, kind string, amount int64, referenceID, idempotencyKey string) (*models.LedgerEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byKey[idempotencyKey]; ok {
		copied := *f.entries[id]
		return &copied, false, nil
	}
	f.nextID++
	entry := &models.LedgerEntry{
		ID:             f.nextID,
		UserID:         userID,
		Kind:           kind,
		Amount:         amount,
		Status:         models.LedgerStatusPending,
		ReferenceID:    referenceID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now(),
	}
	f.entries[entry.ID] = entry
	f.byKey[idempotencyKey] = entry.ID
	copied := *entry
	return &copied, true, nil
}

func (f *fakeLedger) FinalizeEntry(entryID uint, outcome string) (*models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	if entry.IsFinal() {
		copied := *entry
		return &copied, nil
	}
	now := time.Now()
	if outcome == models.LedgerStatusFailed {
		entry.Status = models.LedgerStatusFailed
		entry.FailureReason = "confirmation failed"
		entry.FinalizedAt = &now
		copied := *entry
		return &copied, nil
	}
	balance, ok := f.accounts[entry.UserID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	if entry.Amount < 0 && balance+entry.Amount < 0 {
		entry.Status = models.LedgerStatusFailed
		entry.FailureReason = "insufficient funds"
		entry.FinalizedAt = &now
		copied := *entry
		return &copied, ledger.ErrInsufficientFunds
	}
	f.accounts[entry.UserID] = balance + entry.Amount
	entry.Status = models.LedgerStatusCompleted
	entry.FinalizedAt = &now
	copied := *entry
	return &copied, nil
}

func (f *fakeLedger) GetEntry(entryID uint) (*models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	copied := *entry
	return &copied, nil
}

func (f *fakeLedger) GetEntryByKey(idempotencyKey string) (*models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[idempotencyKey]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	copied := *f.entries[id]
	return &copied, nil
}

func (f *fakeLedger) ListEntriesByUser(userID uint, offset, limit int) ([]models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range f.entries {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListEntries(offset, limit int) ([]models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range f.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeLedger) SweepStalePending(olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	now := time.Now()
	var swept int64
	for _, e := range f.entries {
		if e.Status == models.LedgerStatusPending && e.CreatedAt.Before(cutoff) {
			e.Status = models.LedgerStatusFailed
			e.FailureReason = "stale pending entry"
			e.FinalizedAt = &now
			swept++
		}
	}
	return swept, nil
}

// completedSum returns the sum of completed entry amounts for a user, which
// must always equal the account balance.
func (f *fakeLedger) completedSum(userID uint) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int64
	for _, e := range f.entries {
		if e.UserID == userID && e.Status == models.LedgerStatusCompleted {
			sum += e.Amount
		}
	}
	return sum
}

func (f *fakeLedger) entryCount(userID uint) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if e.UserID == userID {
			n++
		}
	}
	return n
}

// fakeEntitlementStore implements Store in memory.
type fakeEntitlementStore struct {
	mu        sync.Mutex
	grants    map[string]*models.EntitlementGrant
	subs      map[uint][]*models.Subscription
	plans     map[uint]*models.SubscriptionPlan
	nextSubID uint
}

func newFakeEntitlementStore() *fakeEntitlementStore {
	return &fakeEntitlementStore{
		grants: make(map[string]*models.EntitlementGrant),
		subs:   make(map[uint][]*models.Subscription),
		plans:  make(map[uint]*models.SubscriptionPlan),
	}
}

func grantKey(userID, documentID uint) string {
	return fmt.Sprintf("%d:%d", userID, documentID)
}

func (f *fakeEntitlementStore) HasGrant(userID, documentID uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.grants[grantKey(userID, documentID)]
	return ok, nil
}

func (f *fakeEntitlementStore) GetGrant(userID, documentID uint) (*models.EntitlementGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	grant, ok := f.grants[grantKey(userID, documentID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *grant
	return &copied, nil
}

func (f *fakeEntitlementStore) CreateGrant(userID, documentID uint, via string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := grantKey(userID, documentID)
	if _, ok := f.grants[key]; ok {
		return nil
	}
	f.grants[key] = &models.EntitlementGrant{
		UserID:     userID,
		DocumentID: documentID,
		GrantedVia: via,
		GrantedAt:  time.Now(),
	}
	return nil
}

func (f *fakeEntitlementStore) ActiveSubscription(userID uint) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var newest *models.Subscription
	for _, sub := range f.subs[userID] {
		if sub.Status != models.SubscriptionStatusActive || !now.Before(sub.EndDate) {
			continue
		}
		if newest == nil || sub.EndDate.After(newest.EndDate) {
			newest = sub
		}
	}
	if newest == nil {
		return nil, nil
	}
	copied := *newest
	return &copied, nil
}

func (f *fakeEntitlementStore) LatestSubscription(userID uint) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var newest *models.Subscription
	for _, sub := range f.subs[userID] {
		if newest == nil || sub.EndDate.After(newest.EndDate) {
			newest = sub
		}
	}
	if newest == nil {
		return nil, nil
	}
	copied := *newest
	return &copied, nil
}

func (f *fakeEntitlementStore) CreateSubscription(sub *models.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSubID++
	sub.ID = f.nextSubID
	copied := *sub
	f.subs[sub.UserID] = append(f.subs[sub.UserID], &copied)
	return nil
}

func (f *fakeEntitlementStore) CancelSubscription(userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs[userID] {
		if sub.Status == models.SubscriptionStatusActive {
			sub.Status = models.SubscriptionStatusCancelled
		}
	}
	return nil
}

// ConsumeSubscriptionDownload mirrors the store contract: exactly one quota
// unit is taken from the newest usable subscription, never from several rows.
func (f *fakeEntitlementStore) ConsumeSubscriptionDownload(userID uint) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var target *models.Subscription
	for _, sub := range f.subs[userID] {
		if sub.Status != models.SubscriptionStatusActive ||
			!now.Before(sub.EndDate) || sub.DownloadsRemaining <= 0 {
			continue
		}
		if target == nil || sub.EndDate.After(target.EndDate) {
			target = sub
		}
	}
	if target == nil {
		return false, 0, nil
	}
	target.DownloadsRemaining--
	return true, target.DownloadsRemaining, nil
}

func (f *fakeEntitlementStore) totalDownloadsRemaining(userID uint) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, sub := range f.subs[userID] {
		total += sub.DownloadsRemaining
	}
	return total
}

func (f *fakeEntitlementStore) GetPlan(planID uint) (*models.SubscriptionPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plan, ok := f.plans[planID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *plan
	return &copied, nil
}

func (f *fakeEntitlementStore) ListActivePlans() ([]models.SubscriptionPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SubscriptionPlan
	for _, p := range f.plans {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeEntitlementStore) ExpireDueSubscriptions(now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired int64
	for _, subs := range f.subs {
		for _, sub := range subs {
			if sub.Status == models.SubscriptionStatusActive && !now.Before(sub.EndDate) {
				sub.Status = models.SubscriptionStatusExpired
				expired++
			}
		}
	}
	return expired, nil
}

// fakeCatalog implements Catalog in memory.
type fakeCatalog struct {
	mu   sync.Mutex
	docs map[uint]*models.Document
}

func newFakeCatalog(docs ...*models.Document) *fakeCatalog {
	c := &fakeCatalog{docs: make(map[uint]*models.Document)}
	for _, d := range docs {
		c.docs[d.ID] = d
	}
	return c
}

func (f *fakeCatalog) GetByID(id uint) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *doc
	return &copied, nil
}

func (f *fakeCatalog) GetByUUID(uuid string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range f.docs {
		if doc.UUID == uuid {
			copied := *doc
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

type testEnv struct {
	svc     *Service
	ledger  *fakeLedger
	store   *fakeEntitlementStore
	catalog *fakeCatalog
}

func newTestEnv(docs ...*models.Document) *testEnv {
	fl := newFakeLedger()
	fs := newFakeEntitlementStore()
	fc := newFakeCatalog(docs...)
	return &testEnv{
		svc:     NewService(fl, fs, fc, nil),
		ledger:  fl,
		store:   fs,
		catalog: fc,
	}
}

func (e *testEnv) fundUser(t *testing.T, userID uint, amount int64) {
	t.Helper()
	assert.NoError(t, e.ledger.CreateAccount(userID))
	if amount > 0 {
		_, err := e.svc.Deposit(context.Background(), userID, amount, fmt.Sprintf("seed-%d", userID))
		assert.NoError(t, err)
	}
}

// assertBalanceIntegrity verifies the core invariant: the balance equals the
// sum of completed ledger entry amounts and never goes negative.
func (e *testEnv) assertBalanceIntegrity(t *testing.T, userID uint) {
	t.Helper()
	balance, err := e.ledger.GetBalance(userID)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, balance, int64(0), "balance must never be negative")
	assert.Equal(t, e.ledger.completedSum(userID), balance, "balance must equal sum of completed entries")
}

func premiumDoc(id, owner uint, price int64) *models.Document {
	return &models.Document{
		ID:        id,
		UUID:      fmt.Sprintf("doc-uuid-%d", id),
		UserID:    owner,
		Title:     fmt.Sprintf("Document %d", id),
		Price:     price,
		IsPremium: price > 0,
	}
}

func TestDeposit_CreditsBalanceOnce(t *testing.T) {
	env := newTestEnv()
	env.fundUser(t, 1, 100000)

	entry, err := env.svc.Deposit(context.Background(), 1, 50000, "dep-1")
	assert.NoError(t, err)
	assert.Equal(t, models.LedgerStatusCompleted, entry.Status)
	assert.Equal(t, models.LedgerKindDeposit, entry.Kind)

	balance, err := env.svc.GetBalance(context.Background(), 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(150000), balance)
	env.assertBalanceIntegrity(t, 1)

	// Retried deposit with the same key must not double-credit.
	again, err := env.svc.Deposit(context.Background(), 1, 50000, "dep-1")
	assert.NoError(t, err)
	assert.Equal(t, entry.ID, again.ID)

	balance, _ = env.svc.GetBalance(context.Background(), 1)
	assert.Equal(t, int64(150000), balance)
}

func TestDeposit_RejectsNonPositiveAmount(t *testing.T) {
	env := newTestEnv()
	env.fundUser(t, 1, 0)

	_, err := env.svc.Deposit(context.Background(), 1, 0, "dep-zero")
	assert.Error(t, err)
	_, err = env.svc.Deposit(context.Background(), 1, -5, "dep-neg")
	assert.Error(t, err)
}

func TestPurchase_InsufficientFunds(t *testing.T) {
	env := newTestEnv(premiumDoc(10, 99, 80000))
	env.fundUser(t, 1, 50000)

	grant, err := env.svc.PurchaseDocument(context.Background(), 1, 10, "buy-1")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Nil(t, grant)

	// Balance unchanged, no grant, failed entry kept as audit trail.
	balance, _ := env.svc.GetBalance(context.Background(), 1)
	assert.Equal(t, int64(50000), balance)
	ok, _ := env.store.HasGrant(1, 10)
	assert.False(t, ok)

	entry, err := env.ledger.GetEntryByKey("buy-1")
	assert.NoError(t, err)
	assert.Equal(t, models.LedgerStatusFailed, entry.Status)
	env.assertBalanceIntegrity(t, 1)
}

func TestPurchase_SuccessAndIdempotentRetry(t *testing.T) {
	env := newTestEnv(premiumDoc(10, 99, 80000))
	env.fundUser(t, 1, 80000)

	grant, err := env.svc.PurchaseDocument(context.Background(), 1, 10, "buy-1")
	assert.NoError(t, err)
	assert.Equal(t, models.GrantViaPurchase, grant.GrantedVia)

	balance, _ := env.svc.GetBalance(context.Background(), 1)
	assert.Equal(t, int64(0), balance)

	entriesBefore := env.ledger.entryCount(1)

	// Same idempotency key: same grant back, no second debit, no new entry.
	again, err := env.svc.PurchaseDocument(context.Background(), 1, 10, "buy-1")
	assert.NoError(t, err)
	assert.Equal(t, grant.DocumentID, again.DocumentID)

	balance, _ = env.svc.GetBalance(context.Background(), 1)
	assert.Equal(t, int64(0), balance)
	assert.Equal(t, entriesBefore, env.ledger.entryCount(1))
	env.assertBalanceIntegrity(t, 1)
}

func TestPurchase_RetryAfterFailureReturnsSameOutcome(t *testing.T) {
	env := newTestEnv(premiumDoc(10, 99, 80000))
	env.fundUser(t, 1, 10000)

	_, err := env.svc.PurchaseDocument(context.Background(), 1, 10, "buy-1")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Even after a top-up, the same key reports the recorded failure; a new
	// attempt needs a new key.
	_, err = env.svc.Deposit(context.Background(), 1, 100000, "dep-2")
	assert.NoError(t, err)
	_, err = env.svc.PurchaseDocument(context.Background(), 1, 10, "buy-1")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	grant, err := env.svc.PurchaseDocument(context.Background(), 1, 10, "buy-2")
	assert.NoError(t, err)
	assert.NotNil(t, grant)
	env.assertBalanceIntegrity(t, 1)
}

func TestPurchase_FreeDocumentSkipsLedger(t *testing.T) {
	env := newTestEnv(premiumDoc(11, 99, 0))
	env.fundUser(t, 1, 0)

	grant, err := env.svc.PurchaseDocument(context.Background(), 1, 11, "buy-free")
	assert.NoError(t, err)
	assert.NotNil(t, grant)
	// No purchase entry was opened for the free path.
	assert.Equal(t, 0, env.ledger.entryCount(1))
	_, err = env.ledger.GetEntryByKey("buy-free")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestPurchase_UnknownDocument(t *testing.T) {
	env := newTestEnv()
	env.fundUser(t, 1, 1000)

	_, err := env.svc.PurchaseDocument(context.Background(), 1, 404, "buy-x")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestPurchase_OwnerIsNotCharged(t *testing.T) {
	env := newTestEnv(premiumDoc(10, 1, 80000))
	env.fundUser(t, 1, 80000)

	grant, err := env.svc.PurchaseDocument(context.Background(), 1, 10, "buy-own")
	assert.NoError(t, err)
	assert.Equal(t, models.GrantViaOwnership, grant.GrantedVia)

	balance, _ := env.svc.GetBalance(context.Background(), 1)
	assert.Equal(t, int64(80000), balance)
}

func TestConcurrentPurchases_OnlyOneSucceeds(t *testing.T) {
	env := newTestEnv(premiumDoc(10, 99, 80000), premiumDoc(11, 99, 80000))
	env.fundUser(t, 1, 80000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, docID := range []uint{10, 11} {
		wg.Add(1)
		go func(i int, docID uint) {
			defer wg.Done()
			_, errs[i] = env.svc.PurchaseDocument(context.Background(), 1, docID, fmt.Sprintf("race-%d", docID))
		}(i, docID)
	}
	wg.Wait()

	successes := 0
	insufficient := 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case err == ErrInsufficientFunds:
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes, "exactly one purchase must succeed")
	assert.Equal(t, 1, insufficient, "the other purchase must fail with insufficient funds")

	balance, _ := env.svc.GetBalance(context.Background(), 1)
	assert.Equal(t, int64(0), balance)
	env.assertBalanceIntegrity(t, 1)
}

func TestDownload_RequiresGrantOrQuota(t *testing.T) {
	env := newTestEnv(premiumDoc(10, 99, 80000), premiumDoc(11, 99, 0))
	env.fundUser(t, 1, 0)

	// Premium without grant
	_, err := env.svc.DownloadDocument(context.Background(), 1, 10)
	assert.ErrorIs(t, err, ErrDownloadNotAuthorized)

	// Free without subscription
	_, err = env.svc.DownloadDocument(context.Background(), 1, 11)
	assert.ErrorIs(t, err, ErrDownloadNotAuthorized)
}

func TestDownload_WithPurchaseGrant(t *testing.T) {
	env := newTestEnv(premiumDoc(10, 99, 80000))
	env.fundUser(t, 1, 80000)

	_, err := env.svc.PurchaseDocument(context.Background(), 1, 10, "buy-1")
	assert.NoError(t, err)

	doc, err := env.svc.DownloadDocument(context.Background(), 1, 10)
	assert.NoError(t, err)
	assert.Equal(t, uint(10), doc.ID)
}

func TestDownload_OwnerAlwaysAllowed(t *testing.T) {
	env := newTestEnv(premiumDoc(10, 1, 80000))
	env.fundUser(t, 1, 0)

	doc, err := env.svc.DownloadDocument(context.Background(), 1, 10)
	assert.NoError(t, err)
	assert.Equal(t, uint(10), doc.ID)
}

func TestDownload_SubscriptionQuotaExhaustion(t *testing.T) {
	env := newTestEnv(premiumDoc(11, 99, 0))
	env.fundUser(t, 1, 0)

	env.store.plans[1] = &models.SubscriptionPlan{ID: 1, Name: "basic", Price: 0, DurationDays: 30, DownloadQuota: 1}
	_, err := env.svc.Subscribe(context.Background(), 1, 1, "sub-1")
	assert.NoError(t, err)

	// First download consumes the last quota unit.
	_, err = env.svc.DownloadDocument(context.Background(), 1, 11)
	assert.NoError(t, err)
	sub, _ := env.store.ActiveSubscription(1)
	assert.Equal(t, 0, sub.DownloadsRemaining)

	// Quota exhausted: second download is rejected.
	_, err = env.svc.DownloadDocument(context.Background(), 1, 11)
	assert.ErrorIs(t, err, ErrDownloadNotAuthorized)
}

func TestDownload_ExpiredSubscriptionReported(t *testing.T) {
	env := newTestEnv(premiumDoc(11, 99, 0))
	env.fundUser(t, 1, 0)

	env.store.subs[1] = []*models.Subscription{{
		ID:                 1,
		UserID:             1,
		Status:             models.SubscriptionStatusActive,
		StartDate:          time.Now().Add(-48 * time.Hour),
		EndDate:            time.Now().Add(-time.Hour),
		DownloadsRemaining: 5,
	}}

	_, err := env.svc.DownloadDocument(context.Background(), 1, 11)
	assert.ErrorIs(t, err, ErrSubscriptionExpired)

	// A cancelled subscription is reported the same way.
	env.store.subs[1][0].Status = models.SubscriptionStatusCancelled
	env.store.subs[1][0].EndDate = time.Now().Add(time.Hour)
	_, err = env.svc.DownloadDocument(context.Background(), 1, 11)
	assert.ErrorIs(t, err, ErrSubscriptionExpired)

	// An active subscription with exhausted quota is plain not-authorized.
	env.store.subs[1][0].Status = models.SubscriptionStatusActive
	env.store.subs[1][0].DownloadsRemaining = 0
	_, err = env.svc.DownloadDocument(context.Background(), 1, 11)
	assert.ErrorIs(t, err, ErrDownloadNotAuthorized)
}

func TestDownload_MultipleActiveSubscriptionsConsumeOneUnit(t *testing.T) {
	env := newTestEnv(premiumDoc(11, 99, 0))
	env.fundUser(t, 1, 0)

	// Two overlapping active subscriptions, e.g. an upgrade bought before the
	// old plan ran out.
	now := time.Now()
	env.store.subs[1] = []*models.Subscription{
		{ID: 1, UserID: 1, Status: models.SubscriptionStatusActive, StartDate: now.Add(-24 * time.Hour), EndDate: now.Add(24 * time.Hour), DownloadsRemaining: 3},
		{ID: 2, UserID: 1, Status: models.SubscriptionStatusActive, StartDate: now, EndDate: now.Add(48 * time.Hour), DownloadsRemaining: 3},
	}

	_, err := env.svc.DownloadDocument(context.Background(), 1, 11)
	assert.NoError(t, err)

	// Exactly one quota unit gone in total, taken from the newest window.
	assert.Equal(t, 5, env.store.totalDownloadsRemaining(1))
	latest, err := env.store.LatestSubscription(1)
	assert.NoError(t, err)
	assert.Equal(t, 2, latest.DownloadsRemaining)
}

func TestDownload_CounterFailureDoesNotBlock(t *testing.T) {
	fl := newFakeLedger()
	fs := newFakeEntitlementStore()
	fc := newFakeCatalog(premiumDoc(10, 1, 0))
	svc := NewService(fl, fs, fc, func(uint) error { return fmt.Errorf("redis down") })

	assert.NoError(t, fl.CreateAccount(1))
	doc, err := svc.DownloadDocument(context.Background(), 1, 10)
	assert.NoError(t, err)
	assert.NotNil(t, doc)
}

func TestSubscribe_DebitsPlanPrice(t *testing.T) {
	env := newTestEnv()
	env.fundUser(t, 1, 30000)
	env.store.plans[1] = &models.SubscriptionPlan{ID: 1, Name: "basic", Price: 20000, DurationDays: 30, DownloadQuota: 10}

	sub, err := env.svc.Subscribe(context.Background(), 1, 1, "sub-1")
	assert.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 10, sub.DownloadsRemaining)

	balance, _ := env.svc.GetBalance(context.Background(), 1)
	assert.Equal(t, int64(10000), balance)
	env.assertBalanceIntegrity(t, 1)

	// Retried subscribe with the same key activates exactly one subscription.
	again, err := env.svc.Subscribe(context.Background(), 1, 1, "sub-1")
	assert.NoError(t, err)
	assert.Equal(t, sub.ID, again.ID)
	balance, _ = env.svc.GetBalance(context.Background(), 1)
	assert.Equal(t, int64(10000), balance)
}

func TestSubscribe_InsufficientFunds(t *testing.T) {
	env := newTestEnv()
	env.fundUser(t, 1, 5000)
	env.store.plans[1] = &models.SubscriptionPlan{ID: 1, Name: "basic", Price: 20000, DurationDays: 30, DownloadQuota: 10}

	_, err := env.svc.Subscribe(context.Background(), 1, 1, "sub-1")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	sub, _ := env.store.ActiveSubscription(1)
	assert.Nil(t, sub)
	env.assertBalanceIntegrity(t, 1)
}

func TestSubscribe_UnknownPlan(t *testing.T) {
	env := newTestEnv()
	env.fundUser(t, 1, 5000)

	_, err := env.svc.Subscribe(context.Background(), 1, 42, "sub-1")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestConfirmPayment_BankTransferCreditedExactlyOnce(t *testing.T) {
	env := newTestEnv()
	env.fundUser(t, 1, 0)

	entry, err := env.svc.OpenBankTransferDeposit(context.Background(), 1, 75000, "bt-1")
	assert.NoError(t, err)
	assert.Equal(t, models.LedgerStatusPending, entry.Status)

	balance, _ := env.svc.GetBalance(context.Background(), 1)
	assert.Equal(t, int64(0), balance, "pending entries must not affect the balance")

	// Gateway delivers the confirmation twice (webhook redelivery).
	first, err := env.svc.ConfirmPayment(context.Background(), "bt-1", models.LedgerStatusCompleted)
	assert.NoError(t, err)
	assert.Equal(t, models.LedgerStatusCompleted, first.Status)

	second, err := env.svc.ConfirmPayment(context.Background(), "bt-1", models.LedgerStatusCompleted)
	assert.NoError(t, err)
	assert.Equal(t, models.LedgerStatusCompleted, second.Status)

	balance, _ = env.svc.GetBalance(context.Background(), 1)
	assert.Equal(t, int64(75000), balance, "balance must be credited exactly once")
	env.assertBalanceIntegrity(t, 1)
}

func TestConfirmPayment_FailedOutcomeLeavesBalanceUntouched(t *testing.T) {
	env := newTestEnv()
	env.fundUser(t, 1, 0)

	_, err := env.svc.OpenBankTransferDeposit(context.Background(), 1, 75000, "bt-1")
	assert.NoError(t, err)

	entry, err := env.svc.ConfirmPayment(context.Background(), "bt-1", models.LedgerStatusFailed)
	assert.NoError(t, err)
	assert.Equal(t, models.LedgerStatusFailed, entry.Status)

	balance, _ := env.svc.GetBalance(context.Background(), 1)
	assert.Equal(t, int64(0), balance)
}

func TestConfirmPayment_UnknownReference(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.ConfirmPayment(context.Background(), "nope", models.LedgerStatusCompleted)
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestRefund_CreditsBackOnce(t *testing.T) {
	env := newTestEnv(premiumDoc(10, 99, 80000))
	env.fundUser(t, 1, 80000)

	_, err := env.svc.PurchaseDocument(context.Background(), 1, 10, "buy-1")
	assert.NoError(t, err)

	refund, err := env.svc.RefundEntry(context.Background(), "buy-1", "refund-1")
	assert.NoError(t, err)
	assert.Equal(t, models.LedgerKindRefund, refund.Kind)
	assert.Equal(t, int64(80000), refund.Amount)

	balance, _ := env.svc.GetBalance(context.Background(), 1)
	assert.Equal(t, int64(80000), balance)

	// Redelivered refund request must not double-credit.
	_, err = env.svc.RefundEntry(context.Background(), "buy-1", "refund-1")
	assert.NoError(t, err)
	balance, _ = env.svc.GetBalance(context.Background(), 1)
	assert.Equal(t, int64(80000), balance)
	env.assertBalanceIntegrity(t, 1)
}

func TestSweepStalePending_FailsAbandonedEntries(t *testing.T) {
	env := newTestEnv()
	env.fundUser(t, 1, 0)

	entry, err := env.svc.OpenBankTransferDeposit(context.Background(), 1, 75000, "bt-stale")
	assert.NoError(t, err)

	// Backdate the entry past the reconciliation cutoff.
	env.ledger.mu.Lock()
	env.ledger.entries[entry.ID].CreatedAt = time.Now().Add(-time.Hour)
	env.ledger.mu.Unlock()

	swept, err := env.ledger.SweepStalePending(15 * time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	stored, _ := env.ledger.GetEntryByKey("bt-stale")
	assert.Equal(t, models.LedgerStatusFailed, stored.Status)

	// A late confirmation after the sweep is a no-op.
	late, err := env.svc.ConfirmPayment(context.Background(), "bt-stale", models.LedgerStatusCompleted)
	assert.NoError(t, err)
	assert.Equal(t, models.LedgerStatusFailed, late.Status)
	balance, _ := env.svc.GetBalance(context.Background(), 1)
	assert.Equal(t, int64(0), balance)
}

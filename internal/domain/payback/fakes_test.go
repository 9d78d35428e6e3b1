package payback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paybackrewards/payback-api/internal/domain/customer"
	"github.com/paybackrewards/payback-api/internal/domain/inquiry"
	"github.com/paybackrewards/payback-api/internal/pkg/notify"
	"github.com/paybackrewards/payback-api/internal/pkg/paybackapi"
)

// memRepo is an in-memory Repository. Exclusive access is a per-customer
// mutex; nested calls reuse the held lock like the advisory lock does.
type memRepo struct {
	mu     sync.Mutex
	txs    map[uuid.UUID]*Transaction
	seq    int64
	writes int

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	locked bool
	parent *memRepo
}

func newMemRepo() *memRepo {
	return &memRepo{
		txs:   make(map[uuid.UUID]*Transaction),
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (r *memRepo) root() *memRepo {
	if r.parent != nil {
		return r.parent
	}
	return r
}

func clone(t *Transaction) *Transaction {
	c := *t
	return &c
}

func (r *memRepo) Create(ctx context.Context, t *Transaction) error {
	root := r.root()
	root.mu.Lock()
	defer root.mu.Unlock()

	for _, e := range root.txs {
		// mirrors the partial unique index: retries reuse the parent's receipt
		if !t.ParentTransactionID.Valid && !e.ParentTransactionID.Valid &&
			e.SubjectID == t.SubjectID && e.SubjectType == t.SubjectType && e.ReceiptNo == t.ReceiptNo {
			return newError(ErrDuplicate, fmt.Sprintf("receipt number %s is already in use", t.ReceiptNo))
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	root.seq++
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Unix(0, 0)
	}
	// keep insertion order stable for equal created_at values
	t.CreatedAt = t.CreatedAt.Add(time.Duration(root.seq))
	t.UpdatedAt = t.CreatedAt
	t.LockVersion = 0
	t.ClaimedUntil = sql.NullTime{}
	root.txs[t.ID] = clone(t)
	root.writes++
	return nil
}

func (r *memRepo) Update(ctx context.Context, t *Transaction) error {
	root := r.root()
	root.mu.Lock()
	defer root.mu.Unlock()

	stored, ok := root.txs[t.ID]
	if !ok || stored.LockVersion != t.LockVersion {
		return staleWrite(t)
	}
	t.LockVersion++
	root.txs[t.ID] = clone(t)
	root.writes++
	return nil
}

func (r *memRepo) Claim(ctx context.Context, t *Transaction, now, until time.Time) error {
	root := r.root()
	root.mu.Lock()
	defer root.mu.Unlock()

	stored, ok := root.txs[t.ID]
	if !ok || stored.LockVersion != t.LockVersion || stored.State != StateCreated || stored.Sending(now) {
		return newError(ErrInvalidTransition, "transaction is already being sent or was changed")
	}
	t.ClaimedUntil = sql.NullTime{Time: until, Valid: true}
	t.LockVersion++
	root.txs[t.ID] = clone(t)
	root.writes++
	return nil
}

func (r *memRepo) DeleteWaiting(ctx context.Context, id uuid.UUID) error {
	root := r.root()
	root.mu.Lock()
	defer root.mu.Unlock()

	t, ok := root.txs[id]
	if !ok || t.State != StateWaiting {
		return ErrNotFound
	}
	delete(root.txs, id)
	root.writes++
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	root := r.root()
	root.mu.Lock()
	defer root.mu.Unlock()

	t, ok := root.txs[id]
	if !ok {
		return nil, nil
	}
	return clone(t), nil
}

func (r *memRepo) GetByParentID(ctx context.Context, parentID uuid.UUID) (*Transaction, error) {
	txs := r.filter(func(t *Transaction) bool {
		return t.ParentTransactionID.Valid && t.ParentTransactionID.UUID == parentID
	})
	if len(txs) == 0 {
		return nil, nil
	}
	return txs[0], nil
}

func (r *memRepo) ListBySubject(ctx context.Context, subject Subject) ([]*Transaction, error) {
	return r.filter(func(t *Transaction) bool {
		return t.SubjectID == subject.ID && t.SubjectType == subject.Type
	}), nil
}

func (r *memRepo) ListByStates(ctx context.Context, mandateID uuid.UUID, txType TransactionType, states []State) ([]*Transaction, error) {
	return r.filter(func(t *Transaction) bool {
		return t.MandateID == mandateID && t.TransactionType == txType && hasState(states, t.State)
	}), nil
}

func (r *memRepo) CountByStates(ctx context.Context, mandateID uuid.UUID, txType TransactionType, states []State) (int, error) {
	txs, _ := r.ListByStates(ctx, mandateID, txType, states)
	return len(txs), nil
}

func (r *memRepo) ListDueForUnlock(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	txs := r.filter(func(t *Transaction) bool {
		if !t.IsBook() {
			return false
		}
		return t.State == StateToUnlock ||
			(t.State == StateLocked && t.LockedUntil.Valid && !t.LockedUntil.Time.After(now))
	})
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (r *memRepo) ListMandatesWithWaiting(ctx context.Context) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, t := range r.filter(func(t *Transaction) bool { return t.IsBook() && t.State == StateWaiting }) {
		if !seen[t.MandateID] {
			seen[t.MandateID] = true
			ids = append(ids, t.MandateID)
		}
	}
	return ids, nil
}

func (r *memRepo) WithExclusiveAccess(ctx context.Context, mandateID uuid.UUID, fn func(ctx context.Context, repo Repository) error) error {
	if r.locked {
		return fn(ctx, r)
	}
	root := r.root()
	root.locksMu.Lock()
	l, ok := root.locks[mandateID]
	if !ok {
		l = &sync.Mutex{}
		root.locks[mandateID] = l
	}
	root.locksMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx, &memRepo{locked: true, parent: root})
}

func (r *memRepo) filter(keep func(t *Transaction) bool) []*Transaction {
	root := r.root()
	root.mu.Lock()
	defer root.mu.Unlock()

	out := make([]*Transaction, 0)
	for _, t := range root.txs {
		if keep(t) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *memRepo) all() []*Transaction {
	return r.filter(func(*Transaction) bool { return true })
}

func (r *memRepo) writeCount() int {
	root := r.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	return root.writes
}

func hasState(states []State, s State) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

// memCustomers is an in-memory customer.Repository.
type memCustomers struct {
	mu        sync.Mutex
	customers map[uuid.UUID]*customer.Customer
	checks    map[uuid.UUID][]customer.SanityCheck
	// failUnlocks makes the next n UnlockPoints calls fail.
	failUnlocks int
}

func newMemCustomers(cs ...*customer.Customer) *memCustomers {
	m := &memCustomers{
		customers: make(map[uuid.UUID]*customer.Customer),
		checks:    make(map[uuid.UUID][]customer.SanityCheck),
	}
	for _, c := range cs {
		m.customers[c.ID] = c
	}
	return m
}

func (m *memCustomers) GetByID(ctx context.Context, id uuid.UUID) (*customer.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memCustomers) update(id uuid.UUID, fn func(c *customer.Customer)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return customer.ErrCustomerNotFound
	}
	fn(c)
	return nil
}

func (m *memCustomers) UpdatePaybackNumber(ctx context.Context, id uuid.UUID, paybackNumber string) error {
	return m.update(id, func(c *customer.Customer) {
		c.PaybackData.PaybackNumber = paybackNumber
		c.PaybackData.AuthenticationFailed = false
	})
}

func (m *memCustomers) AddLockedPoints(ctx context.Context, id uuid.UUID, amount int) error {
	return m.update(id, func(c *customer.Customer) { c.PaybackData.RewardedPoints.Locked += amount })
}

func (m *memCustomers) SubtractLockedPoints(ctx context.Context, id uuid.UUID, amount int) error {
	return m.update(id, func(c *customer.Customer) { c.PaybackData.RewardedPoints.Locked -= amount })
}

func (m *memCustomers) SubtractUnlockedPoints(ctx context.Context, id uuid.UUID, amount int) error {
	return m.update(id, func(c *customer.Customer) { c.PaybackData.RewardedPoints.Unlocked -= amount })
}

func (m *memCustomers) UnlockPoints(ctx context.Context, id uuid.UUID, amount int) error {
	m.mu.Lock()
	if m.failUnlocks > 0 {
		m.failUnlocks--
		m.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	m.mu.Unlock()
	return m.update(id, func(c *customer.Customer) {
		c.PaybackData.RewardedPoints.Locked -= amount
		c.PaybackData.RewardedPoints.Unlocked += amount
	})
}

func (m *memCustomers) SaveAuthenticationFailure(ctx context.Context, id uuid.UUID) error {
	return m.update(id, func(c *customer.Customer) { c.PaybackData.AuthenticationFailed = true })
}

func (m *memCustomers) SaveSanityCheckResult(ctx context.Context, id uuid.UUID, result customer.SanityCheck) error {
	err := m.update(id, func(c *customer.Customer) {
		r := result
		c.PaybackData.SanityCheck = &r
	})
	if err == nil {
		m.mu.Lock()
		m.checks[id] = append(m.checks[id], result)
		m.mu.Unlock()
	}
	return err
}

func (m *memCustomers) list(afterID uuid.UUID, limit int, keep func(c *customer.Customer) bool) []*customer.Customer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*customer.Customer, 0)
	for _, c := range m.customers {
		if keep(c) && c.ID.String() > afterID.String() {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memCustomers) ListPaybackEnabled(ctx context.Context, afterID uuid.UUID, limit int) ([]*customer.Customer, error) {
	return m.list(afterID, limit, func(c *customer.Customer) bool { return c.IsAccepted() && c.PaybackEnabled }), nil
}

func (m *memCustomers) ListRevoked(ctx context.Context, afterID uuid.UUID, limit int) ([]*customer.Customer, error) {
	return m.list(afterID, limit, func(c *customer.Customer) bool { return c.IsRevoked() && c.PaybackEnabled }), nil
}

// memInquiries is an in-memory inquiry.Repository.
type memInquiries struct {
	mu         sync.Mutex
	categories map[uuid.UUID]*inquiry.Category
	completed  map[uuid.UUID]bool
	rewarded   map[uuid.UUID]bool
}

func newMemInquiries(cats ...*inquiry.Category) *memInquiries {
	m := &memInquiries{
		categories: make(map[uuid.UUID]*inquiry.Category),
		completed:  make(map[uuid.UUID]bool),
		rewarded:   make(map[uuid.UUID]bool),
	}
	for _, c := range cats {
		m.categories[c.ID] = c
	}
	return m
}

func (m *memInquiries) GetByID(ctx context.Context, id uuid.UUID) (*inquiry.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.categories[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memInquiries) ListByCustomer(ctx context.Context, mandateID uuid.UUID, createdBefore time.Time) ([]*inquiry.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*inquiry.Category, 0)
	for _, c := range m.categories {
		if c.MandateID == mandateID && c.CreatedAt.Before(createdBefore) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memInquiries) NotRewardedIDs(ctx context.Context, mandateID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cats []*inquiry.Category
	for _, c := range m.categories {
		if c.MandateID == mandateID && !m.rewarded[c.ID] {
			cats = append(cats, c)
		}
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i].CreatedAt.Before(cats[j].CreatedAt) })
	ids := make([]uuid.UUID, 0, len(cats))
	for _, c := range cats {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (m *memInquiries) WasCompleted(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed[id], nil
}

func (m *memInquiries) setState(id uuid.UUID, state inquiry.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[id].State = state
	if state == inquiry.StateCompleted {
		m.completed[id] = true
	}
}

// fakePartner answers every request with the queued responses in order, then
// with a default success. during, if set, runs before the answer while the
// request is in flight.
type fakePartner struct {
	mu        sync.Mutex
	requests  []paybackapi.Request
	responses []*paybackapi.Response
	during    func(req paybackapi.Request)
}

func (p *fakePartner) Execute(ctx context.Context, req paybackapi.Request) *paybackapi.Response {
	p.mu.Lock()
	during := p.during
	p.mu.Unlock()
	if during != nil {
		during(req)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) > 0 {
		resp := p.responses[0]
		p.responses = p.responses[1:]
		return resp
	}
	return &paybackapi.Response{HTTPCode: 200, RawBody: `{"transaction":{}}`, Parseable: true}
}

func (p *fakePartner) queue(resps ...*paybackapi.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resps...)
}

func (p *fakePartner) calls() []paybackapi.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]paybackapi.Request(nil), p.requests...)
}

func failure(httpCode int, errorCode string) *paybackapi.Response {
	return &paybackapi.Response{
		HTTPCode:  httpCode,
		ErrorCode: errorCode,
		RawBody:   fmt.Sprintf(`{"error":{"code":%q}}`, errorCode),
		Parseable: true,
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (n *recordingNotifier) Dispatch(ctx context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, 0, len(n.messages))
	for _, m := range n.messages {
		out = append(out, m.Kind)
	}
	return out
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (a *recordingAlerter) Alert(ctx context.Context, alert notify.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

// recordingJobs remembers scheduled jobs without running them.
type recordingJobs struct {
	mu     sync.Mutex
	ids    []uuid.UUID
	delays []time.Duration
}

func (j *recordingJobs) Enqueue(ctx context.Context, id uuid.UUID) error {
	return j.EnqueueIn(ctx, id, 0)
}

func (j *recordingJobs) EnqueueIn(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ids = append(j.ids, id)
	j.delays = append(j.delays, delay)
	return nil
}

func (j *recordingJobs) scheduled() []uuid.UUID {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]uuid.UUID(nil), j.ids...)
}

type seqReceipts struct {
	mu sync.Mutex
	n  int
}

func (s *seqReceipts) Next(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%sDUP%04d", prefix, s.n)
}

// fixture wires an engine against the in-memory fakes with a fixed clock.
type fixture struct {
	now       time.Time
	repo      *memRepo
	customers *memCustomers
	inquiries *memInquiries
	partner   *fakePartner
	notifier  *recordingNotifier
	alerter   *recordingAlerter
	jobs      Jobs
	settings  Settings
	policy    PromotionPolicy
	engine    *Engine
}

type fixtureOption func(f *fixture)

func withInlineJobs() fixtureOption {
	return func(f *fixture) { f.jobs = NewInlineJobs() }
}

func withSettings(fn func(s *Settings)) fixtureOption {
	return func(f *fixture) { fn(&f.settings) }
}

func withPolicy(p PromotionPolicy) fixtureOption {
	return func(f *fixture) { f.policy = p }
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(opts ...fixtureOption) *fixture {
	f := &fixture{
		now:       testNow,
		repo:      newMemRepo(),
		customers: newMemCustomers(),
		inquiries: newMemInquiries(),
		partner:   &fakePartner{},
		notifier:  &recordingNotifier{},
		alerter:   &recordingAlerter{},
		jobs:      &recordingJobs{},
		settings:  DefaultSettings(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.engine = NewEngine(Dependencies{
		Repo:       f.repo,
		Customers:  f.customers,
		Inquiries:  f.inquiries,
		Classifier: inquiry.NewClassifier([]string{"gkv"}),
		Partner:    f.partner,
		Notifier:   f.notifier,
		Alerter:    f.alerter,
		Jobs:       f.jobs,
		Receipts:   &seqReceipts{},
		Settings:   f.settings,
		Policy:     f.policy,
		Now:        func() time.Time { return f.now },
	})
	return f
}

// addCustomer registers an accepted, payback-enabled customer.
func (f *fixture) addCustomer(acceptedAt time.Time) *customer.Customer {
	c := &customer.Customer{
		ID:             uuid.New(),
		MandateState:   customer.MandateStateAccepted,
		AcceptedAt:     sql.NullTime{Time: acceptedAt, Valid: true},
		PaybackEnabled: true,
		PaybackData:    customer.PaybackData{PaybackNumber: "1234567890"},
	}
	f.customers.mu.Lock()
	f.customers.customers[c.ID] = c
	f.customers.mu.Unlock()
	return c
}

func (f *fixture) customer(id uuid.UUID) *customer.Customer {
	c, _ := f.customers.GetByID(context.Background(), id)
	return c
}

func (f *fixture) addCategory(c *customer.Customer, ident string) *inquiry.Category {
	cat := &inquiry.Category{
		ID:            uuid.New(),
		MandateID:     c.ID,
		State:         inquiry.StatePending,
		CategoryIdent: ident,
		CategoryName:  "Category " + ident,
		CompanyName:   "Acme Versicherung",
		CreatedAt:     f.now.Add(-time.Hour),
	}
	f.inquiries.mu.Lock()
	f.inquiries.categories[cat.ID] = cat
	f.inquiries.mu.Unlock()
	return cat
}

// insert stores a transaction directly, bypassing admission.
func (f *fixture) insert(c *customer.Customer, state State, mutate ...func(t *Transaction)) *Transaction {
	subjectID := uuid.New().String()
	t := &Transaction{
		ID:              uuid.New(),
		MandateID:       c.ID,
		SubjectID:       subjectID,
		SubjectType:     SubjectInquiryCategory,
		TransactionType: TypeBook,
		State:           state,
		PointsAmount:    750,
		ReceiptNo:       DefaultReceiptNo(Subject{ID: subjectID, Type: SubjectInquiryCategory}),
		LockedUntil:     sql.NullTime{Time: f.now.Add(30 * 24 * time.Hour), Valid: true},
		Info:            Info{InitialPointsAmount: 750, EffectiveDate: timePtr(f.now)},
		CreatedAt:       f.now,
	}
	for _, m := range mutate {
		m(t)
	}
	if err := f.repo.Create(context.Background(), t); err != nil {
		panic(err)
	}
	stored, _ := f.repo.GetByID(context.Background(), t.ID)
	return stored
}

func (f *fixture) get(id uuid.UUID) *Transaction {
	t, _ := f.repo.GetByID(context.Background(), id)
	return t
}

func (f *fixture) statesOf(mandateID uuid.UUID, txType TransactionType) map[State]int {
	out := make(map[State]int)
	for _, t := range f.repo.all() {
		if t.MandateID == mandateID && t.TransactionType == txType {
			out[t.State]++
		}
	}
	return out
}

// forCategory ties an inserted transaction to a stored category.
func forCategory(cat *inquiry.Category) func(t *Transaction) {
	return func(t *Transaction) {
		t.SubjectID = cat.ID.String()
		t.ReceiptNo = DefaultReceiptNo(Subject{ID: t.SubjectID, Type: t.SubjectType})
		t.Info.CategoryID = cat.ID.String()
		t.Info.CategoryName = cat.CategoryName
		t.Info.CompanyName = cat.CompanyName
	}
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

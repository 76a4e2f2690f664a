// internal/repository/memory/store.go
package memory

import (
	"context"
	"sync"
	"time"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/entitlement"
	"billing-service/internal/domain/payment"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/registration"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/tenant"
	"billing-service/internal/repository"

	"github.com/lib/pq"
)

var _ repository.Store = (*Store)(nil)

// Store keeps every table in memory. Run serializes transactions and restores
// a snapshot when fn fails, so it honors the same atomicity the SQL store has.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

type state struct {
	tenants       map[string]tenant.Tenant
	users         map[string]tenant.User
	registrations map[string]registration.PendingRegistration
	plans         map[string]plan.Plan
	modules       map[string]plan.Module
	subscriptions map[string]subscription.Subscription
	items         map[string][]subscription.Item
	payments      []payment.SubscriptionPayment
	configs       map[string]entitlement.CompanyConfig
	events        map[string]billing.BillingEvent
}

func New() *Store {
	return &Store{
		st: &state{
			tenants:       make(map[string]tenant.Tenant),
			users:         make(map[string]tenant.User),
			registrations: make(map[string]registration.PendingRegistration),
			plans:         make(map[string]plan.Plan),
			modules:       make(map[string]plan.Module),
			subscriptions: make(map[string]subscription.Subscription),
			items:         make(map[string][]subscription.Item),
			configs:       make(map[string]entitlement.CompanyConfig),
			events:        make(map[string]billing.BillingEvent),
		},
		now: time.Now,
	}
}

// WithClock overrides the timestamps written by the store.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Repos returns repositories that each lock the store per call.
func (s *Store) Repos() repository.Repositories {
	return s.repositories(handle{s: s, locking: true})
}

// Run executes fn atomically.
func (s *Store) Run(ctx context.Context, fn func(repos repository.Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.st.clone()
	if err := fn(s.repositories(handle{s: s})); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// SeedModules inserts catalog modules.
func (s *Store) SeedModules(modules ...plan.Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range modules {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now()
		}
		s.st.modules[m.Key] = m
	}
}

// SeedPlans inserts catalog plans.
func (s *Store) SeedPlans(plans ...plan.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range plans {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = s.now()
			p.UpdatedAt = p.CreatedAt
		}
		p.Modules = cloneStrings(p.Modules)
		s.st.plans[p.ID] = p
	}
}

// DefaultModules mirrors the module seed of the SQL migration.
func DefaultModules() []plan.Module {
	return []plan.Module{
		{Key: "INV", Name: "Inventory", MonthlyPrice: 1000, YearlyPrice: 10000, Currency: "USD"},
		{Key: "HR", Name: "Human Resources", MonthlyPrice: 1000, YearlyPrice: 10000, Currency: "USD"},
		{Key: "FINANCE", Name: "Finance", MonthlyPrice: 1000, YearlyPrice: 10000, Currency: "USD"},
		{Key: "CRM", Name: "CRM", MonthlyPrice: 1500, YearlyPrice: 15000, Currency: "USD"},
	}
}

// Counts reports row counts, used by tests asserting exactly-once effects.
type Counts struct {
	Tenants       int
	Users         int
	Subscriptions int
	Payments      int
	Events        int
}

func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Tenants:       len(s.st.tenants),
		Users:         len(s.st.users),
		Subscriptions: len(s.st.subscriptions),
		Payments:      len(s.st.payments),
		Events:        len(s.st.events),
	}
}

func (s *Store) repositories(h handle) repository.Repositories {
	return repository.Repositories{
		Tenants:       &tenantRepo{h},
		Users:         &userRepo{h},
		Registrations: &registrationRepo{h},
		Plans:         &planRepo{h},
		Modules:       &moduleRepo{h},
		Subscriptions: &subscriptionRepo{h},
		Payments:      &paymentRepo{h},
		Entitlements:  &configRepo{h},
		Events:        &eventRepo{h},
	}
}

// handle binds a repository to the store; inside Run the lock is already held.
type handle struct {
	s       *Store
	locking bool
}

func (h handle) lock() func() {
	if !h.locking {
		return func() {}
	}
	h.s.mu.Lock()
	return h.s.mu.Unlock
}

func (h handle) state() *state { return h.s.st }

func (h handle) now() time.Time { return h.s.now() }

func (st *state) clone() *state {
	c := &state{
		tenants:       make(map[string]tenant.Tenant, len(st.tenants)),
		users:         make(map[string]tenant.User, len(st.users)),
		registrations: make(map[string]registration.PendingRegistration, len(st.registrations)),
		plans:         make(map[string]plan.Plan, len(st.plans)),
		modules:       make(map[string]plan.Module, len(st.modules)),
		subscriptions: make(map[string]subscription.Subscription, len(st.subscriptions)),
		items:         make(map[string][]subscription.Item, len(st.items)),
		payments:      append([]payment.SubscriptionPayment(nil), st.payments...),
		configs:       make(map[string]entitlement.CompanyConfig, len(st.configs)),
		events:        make(map[string]billing.BillingEvent, len(st.events)),
	}
	for k, v := range st.tenants {
		c.tenants[k] = v
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.registrations {
		v.CustomModuleKeys = cloneStrings(v.CustomModuleKeys)
		c.registrations[k] = v
	}
	for k, v := range st.plans {
		v.Modules = cloneStrings(v.Modules)
		c.plans[k] = v
	}
	for k, v := range st.modules {
		c.modules[k] = v
	}
	for k, v := range st.subscriptions {
		c.subscriptions[k] = v
	}
	for k, v := range st.items {
		c.items[k] = append([]subscription.Item(nil), v...)
	}
	for k, v := range st.configs {
		v.EnabledModules = cloneStrings(v.EnabledModules)
		c.configs[k] = v
	}
	for k, v := range st.events {
		c.events[k] = v
	}
	return c
}

func cloneStrings(in pq.StringArray) pq.StringArray {
	if in == nil {
		return nil
	}
	return append(pq.StringArray{}, in...)
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

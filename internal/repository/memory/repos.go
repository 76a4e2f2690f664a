// internal/repository/memory/repos.go
package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/entitlement"
	"billing-service/internal/domain/payment"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/registration"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/tenant"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/lib/pq"
	"github.com/oklog/ulid/v2"
)

// ========== Tenants ==========

type tenantRepo struct{ h handle }

func (r *tenantRepo) Create(_ context.Context, t *tenant.Tenant) error {
	defer r.h.lock()()
	st := r.h.state()
	if _, ok := st.tenants[t.ID]; ok {
		return xerrors.ErrDuplicateEntry
	}
	if t.Status == "" {
		t.Status = tenant.StatusActive
	}
	t.CreatedAt = r.h.now()
	t.UpdatedAt = t.CreatedAt
	st.tenants[t.ID] = *t
	return nil
}

func (r *tenantRepo) FindByID(_ context.Context, id string) (*tenant.Tenant, error) {
	defer r.h.lock()()
	t, ok := r.h.state().tenants[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return &t, nil
}

func (r *tenantRepo) UpdateStatus(_ context.Context, id string, status tenant.Status) error {
	defer r.h.lock()()
	st := r.h.state()
	t, ok := st.tenants[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = r.h.now()
	st.tenants[id] = t
	return nil
}

func (r *tenantRepo) ListOrphans(_ context.Context, olderThan time.Time, limit int) ([]tenant.Tenant, error) {
	defer r.h.lock()()
	st := r.h.state()

	hasSub := make(map[string]bool)
	for _, s := range st.subscriptions {
		hasSub[s.TenantID] = true
	}
	hasReg := make(map[string]bool)
	for _, p := range st.registrations {
		if p.Status == registration.StatusCompleted && p.TenantID != nil {
			hasReg[*p.TenantID] = true
		}
	}

	var out []tenant.Tenant
	for _, t := range st.tenants {
		if !t.CreatedAt.Before(olderThan) || t.Status == tenant.StatusOrphaned {
			continue
		}
		if !hasSub[t.ID] || !hasReg[t.ID] {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ========== Users ==========

type userRepo struct{ h handle }

func (r *userRepo) Create(_ context.Context, u *tenant.User) error {
	defer r.h.lock()()
	st := r.h.state()
	u.Email = strings.ToLower(u.Email)
	for _, existing := range st.users {
		if existing.Email == u.Email {
			return xerrors.ErrDuplicateEntry
		}
	}
	if _, ok := st.tenants[u.TenantID]; !ok {
		return xerrors.ErrNotFound
	}
	u.CreatedAt = r.h.now()
	st.users[u.ID] = *u
	return nil
}

func (r *userRepo) ExistsByEmail(_ context.Context, email string) (bool, error) {
	defer r.h.lock()()
	email = strings.ToLower(email)
	for _, u := range r.h.state().users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (r *userRepo) FindAdminByTenant(_ context.Context, tenantID string) (*tenant.User, error) {
	defer r.h.lock()()
	var found *tenant.User
	for _, u := range r.h.state().users {
		if u.TenantID != tenantID || u.Role != tenant.RoleAdmin {
			continue
		}
		if found == nil || u.CreatedAt.Before(found.CreatedAt) {
			u := u
			found = &u
		}
	}
	if found == nil {
		return nil, xerrors.ErrNotFound
	}
	return found, nil
}

// ========== Pending registrations ==========

type registrationRepo struct{ h handle }

func (r *registrationRepo) Create(_ context.Context, p *registration.PendingRegistration) error {
	defer r.h.lock()()
	st := r.h.state()
	if _, ok := st.registrations[p.ID]; ok {
		return xerrors.ErrDuplicateEntry
	}
	p.Email = strings.ToLower(p.Email)
	if p.Status == "" {
		p.Status = registration.StatusPending
	}
	for _, existing := range st.registrations {
		if existing.Status == registration.StatusPending && existing.Email == p.Email {
			return xerrors.ErrDuplicateEntry
		}
	}
	p.CreatedAt = r.h.now()
	p.UpdatedAt = p.CreatedAt
	stored := *p
	stored.CustomModuleKeys = cloneStrings(p.CustomModuleKeys)
	st.registrations[p.ID] = stored
	return nil
}

func (r *registrationRepo) FindByID(_ context.Context, id string) (*registration.PendingRegistration, error) {
	defer r.h.lock()()
	return r.get(id)
}

// FindByIDForUpdate needs no row lock: Run already serializes transactions.
func (r *registrationRepo) FindByIDForUpdate(_ context.Context, id string) (*registration.PendingRegistration, error) {
	defer r.h.lock()()
	return r.get(id)
}

func (r *registrationRepo) FindLatestByEmail(_ context.Context, email string) (*registration.PendingRegistration, error) {
	defer r.h.lock()()
	email = strings.ToLower(email)
	var found *registration.PendingRegistration
	for _, p := range r.h.state().registrations {
		if p.Email != email {
			continue
		}
		if found == nil || p.CreatedAt.After(found.CreatedAt) {
			p := p
			p.CustomModuleKeys = cloneStrings(p.CustomModuleKeys)
			found = &p
		}
	}
	if found == nil {
		return nil, xerrors.ErrNotFound
	}
	return found, nil
}

func (r *registrationRepo) MarkCompleted(_ context.Context, id, tenantID string, at time.Time) error {
	defer r.h.lock()()
	st := r.h.state()
	p, ok := st.registrations[id]
	if !ok || p.Status == registration.StatusCompleted {
		return xerrors.ErrNotFound
	}
	for otherID, other := range st.registrations {
		if otherID != id && other.TenantID != nil && *other.TenantID == tenantID {
			return xerrors.ErrDuplicateEntry
		}
	}
	p.Status = registration.StatusCompleted
	p.TenantID = strPtr(tenantID)
	p.CompletedAt = timePtr(at)
	p.UpdatedAt = at
	st.registrations[id] = p
	return nil
}

func (r *registrationRepo) MarkExpired(_ context.Context, id string, at time.Time) error {
	defer r.h.lock()()
	st := r.h.state()
	p, ok := st.registrations[id]
	if !ok || p.Status != registration.StatusPending {
		return xerrors.ErrNotFound
	}
	p.Status = registration.StatusExpired
	p.UpdatedAt = at
	st.registrations[id] = p
	return nil
}

func (r *registrationRepo) ExpirePendingByEmail(_ context.Context, email string, at time.Time) (int64, error) {
	defer r.h.lock()()
	st := r.h.state()
	email = strings.ToLower(email)
	var n int64
	for id, p := range st.registrations {
		if p.Email == email && p.Status == registration.StatusPending {
			p.Status = registration.StatusExpired
			p.UpdatedAt = at
			st.registrations[id] = p
			n++
		}
	}
	return n, nil
}

func (r *registrationRepo) ExpireStale(_ context.Context, now time.Time, limit int) (int64, error) {
	defer r.h.lock()()
	st := r.h.state()
	var n int64
	for id, p := range st.registrations {
		if limit > 0 && n >= int64(limit) {
			break
		}
		if p.Status == registration.StatusPending && p.ExpiresAt.Before(now) {
			p.Status = registration.StatusExpired
			p.UpdatedAt = now
			st.registrations[id] = p
			n++
		}
	}
	return n, nil
}

func (r *registrationRepo) get(id string) (*registration.PendingRegistration, error) {
	p, ok := r.h.state().registrations[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	p.CustomModuleKeys = cloneStrings(p.CustomModuleKeys)
	return &p, nil
}

// ========== Plans & modules ==========

type planRepo struct{ h handle }

func (r *planRepo) Create(_ context.Context, p *plan.Plan) error {
	defer r.h.lock()()
	st := r.h.state()
	for _, existing := range st.plans {
		if existing.Name == p.Name {
			return xerrors.ErrDuplicateEntry
		}
	}
	if _, ok := st.plans[p.ID]; ok {
		return xerrors.ErrDuplicateEntry
	}
	p.CreatedAt = r.h.now()
	p.UpdatedAt = p.CreatedAt
	stored := *p
	stored.Modules = cloneStrings(p.Modules)
	st.plans[p.ID] = stored
	return nil
}

func (r *planRepo) FindByID(_ context.Context, id string) (*plan.Plan, error) {
	defer r.h.lock()()
	p, ok := r.h.state().plans[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	p.Modules = cloneStrings(p.Modules)
	return &p, nil
}

func (r *planRepo) FindByName(_ context.Context, name string) (*plan.Plan, error) {
	defer r.h.lock()()
	for _, p := range r.h.state().plans {
		if p.Name == name {
			p.Modules = cloneStrings(p.Modules)
			return &p, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (r *planRepo) ListPublic(_ context.Context) ([]plan.Plan, error) {
	defer r.h.lock()()
	var out []plan.Plan
	for _, p := range r.h.state().plans {
		if p.IsPublic {
			p.Modules = cloneStrings(p.Modules)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BasePrice != out[j].BasePrice {
			return out[i].BasePrice < out[j].BasePrice
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

type moduleRepo struct{ h handle }

func (r *moduleRepo) FindByKeys(_ context.Context, keys []string) ([]plan.Module, error) {
	defer r.h.lock()()
	st := r.h.state()
	var out []plan.Module
	for _, k := range keys {
		if m, ok := st.modules[k]; ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *moduleRepo) List(_ context.Context) ([]plan.Module, error) {
	defer r.h.lock()()
	var out []plan.Module
	for _, m := range r.h.state().modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ========== Subscriptions ==========

type subscriptionRepo struct{ h handle }

func (r *subscriptionRepo) Create(_ context.Context, sub *subscription.Subscription) error {
	defer r.h.lock()()
	st := r.h.state()
	if err := r.checkUnique(st, sub); err != nil {
		return err
	}
	sub.CreatedAt = r.h.now()
	sub.UpdatedAt = sub.CreatedAt
	st.subscriptions[sub.ID] = *sub
	return nil
}

func (r *subscriptionRepo) FindByID(_ context.Context, id string) (*subscription.Subscription, error) {
	defer r.h.lock()()
	sub, ok := r.h.state().subscriptions[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return &sub, nil
}

func (r *subscriptionRepo) FindByTenant(_ context.Context, tenantID string) (*subscription.Subscription, error) {
	defer r.h.lock()()
	for _, sub := range r.h.state().subscriptions {
		if sub.TenantID == tenantID {
			return &sub, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (r *subscriptionRepo) FindByProviderSubscriptionID(_ context.Context, provider billing.Provider, providerSubscriptionID string) (*subscription.Subscription, error) {
	defer r.h.lock()()
	for _, sub := range r.h.state().subscriptions {
		if sub.Provider == provider && sub.ProviderSubscriptionID != nil && *sub.ProviderSubscriptionID == providerSubscriptionID {
			return &sub, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (r *subscriptionRepo) Update(_ context.Context, sub *subscription.Subscription) error {
	defer r.h.lock()()
	st := r.h.state()
	existing, ok := st.subscriptions[sub.ID]
	if !ok {
		return xerrors.ErrNotFound
	}
	if err := r.checkUnique(st, sub); err != nil {
		return err
	}
	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = r.h.now()
	st.subscriptions[sub.ID] = *sub
	return nil
}

func (r *subscriptionRepo) ReplaceItems(_ context.Context, subscriptionID string, items []subscription.Item) error {
	defer r.h.lock()()
	st := r.h.state()
	if _, ok := st.subscriptions[subscriptionID]; !ok {
		return xerrors.ErrNotFound
	}
	seen := make(map[string]bool, len(items))
	stored := make([]subscription.Item, 0, len(items))
	for i := range items {
		it := &items[i]
		if seen[it.ModuleKey] {
			return xerrors.ErrDuplicateEntry
		}
		seen[it.ModuleKey] = true
		if it.ID == "" {
			it.ID = ulid.Make().String()
		}
		it.SubscriptionID = subscriptionID
		it.CreatedAt = r.h.now()
		stored = append(stored, *it)
	}
	st.items[subscriptionID] = stored
	return nil
}

func (r *subscriptionRepo) ListItems(_ context.Context, subscriptionID string) ([]subscription.Item, error) {
	defer r.h.lock()()
	items := append([]subscription.Item(nil), r.h.state().items[subscriptionID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].ModuleKey < items[j].ModuleKey })
	return items, nil
}

func (r *subscriptionRepo) checkUnique(st *state, sub *subscription.Subscription) error {
	for id, other := range st.subscriptions {
		if id == sub.ID {
			continue
		}
		if other.TenantID == sub.TenantID {
			return xerrors.ErrDuplicateEntry
		}
		if sub.ProviderSubscriptionID != nil && other.ProviderSubscriptionID != nil &&
			other.Provider == sub.Provider && *other.ProviderSubscriptionID == *sub.ProviderSubscriptionID {
			return xerrors.ErrDuplicateEntry
		}
	}
	return nil
}

// ========== Payments ==========

type paymentRepo struct{ h handle }

func (r *paymentRepo) CreateIfAbsent(_ context.Context, p *payment.SubscriptionPayment) (bool, error) {
	defer r.h.lock()()
	st := r.h.state()
	for _, existing := range st.payments {
		if existing.SubscriptionID == p.SubscriptionID && existing.ProviderPaymentID == p.ProviderPaymentID {
			*p = existing
			return false, nil
		}
	}
	p.CreatedAt = r.h.now()
	st.payments = append(st.payments, *p)
	return true, nil
}

func (r *paymentRepo) ListBySubscription(_ context.Context, subscriptionID string, limit, offset int) ([]payment.SubscriptionPayment, error) {
	defer r.h.lock()()
	var out []payment.SubscriptionPayment
	for i := len(r.h.state().payments) - 1; i >= 0; i-- {
		p := r.h.state().payments[i]
		if p.SubscriptionID == subscriptionID {
			out = append(out, p)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ========== Company configs ==========

type configRepo struct{ h handle }

func (r *configRepo) Upsert(_ context.Context, tenantID string, modules []string, currency string) (*entitlement.CompanyConfig, error) {
	defer r.h.lock()()
	st := r.h.state()
	now := r.h.now()
	cfg, ok := st.configs[tenantID]
	if !ok {
		cfg = entitlement.CompanyConfig{
			TenantID:      tenantID,
			Timezone:      entitlement.DefaultTimezone,
			Currency:      currency,
			InvoicePrefix: entitlement.DefaultInvoicePrefix,
			CreatedAt:     now,
		}
	}
	cfg.EnabledModules = append(pq.StringArray{}, modules...)
	cfg.UpdatedAt = now
	st.configs[tenantID] = cfg

	out := cfg
	out.EnabledModules = cloneStrings(cfg.EnabledModules)
	return &out, nil
}

func (r *configRepo) FindByTenant(_ context.Context, tenantID string) (*entitlement.CompanyConfig, error) {
	defer r.h.lock()()
	cfg, ok := r.h.state().configs[tenantID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cfg.EnabledModules = cloneStrings(cfg.EnabledModules)
	return &cfg, nil
}

// ========== Billing events ==========

type eventRepo struct{ h handle }

func (r *eventRepo) RecordIfNew(_ context.Context, ev *billing.BillingEvent) (bool, error) {
	defer r.h.lock()()
	st := r.h.state()
	now := r.h.now()
	for id, existing := range st.events {
		if existing.Provider == ev.Provider && existing.ProviderEventID == ev.ProviderEventID {
			existing.Attempts++
			existing.UpdatedAt = now
			st.events[id] = existing
			*ev = existing
			return false, nil
		}
	}
	if ev.Status == "" {
		ev.Status = billing.EventStatusReceived
	}
	ev.Attempts = 1
	ev.CreatedAt = now
	ev.UpdatedAt = now
	st.events[ev.ID] = *ev
	return true, nil
}

func (r *eventRepo) FindByID(_ context.Context, id string) (*billing.BillingEvent, error) {
	defer r.h.lock()()
	ev, ok := r.h.state().events[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return &ev, nil
}

func (r *eventRepo) MarkProcessed(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(ev *billing.BillingEvent) bool {
		ev.Status = billing.EventStatusProcessed
		ev.ProcessedAt = timePtr(at)
		ev.ErrorMessage = nil
		ev.UpdatedAt = at
		return true
	})
}

func (r *eventRepo) MarkFailed(_ context.Context, id string, message string, at time.Time) error {
	return r.update(id, func(ev *billing.BillingEvent) bool {
		ev.Status = billing.EventStatusFailed
		ev.ProcessedAt = timePtr(at)
		ev.ErrorMessage = strPtr(message)
		ev.UpdatedAt = at
		return true
	})
}

func (r *eventRepo) NoteError(_ context.Context, id string, message string) error {
	now := r.h.now()
	return r.update(id, func(ev *billing.BillingEvent) bool {
		if ev.Status != billing.EventStatusReceived {
			return false
		}
		ev.ErrorMessage = strPtr(message)
		ev.UpdatedAt = now
		return true
	})
}

func (r *eventRepo) ListStale(_ context.Context, olderThan time.Time, limit int) ([]billing.BillingEvent, error) {
	defer r.h.lock()()
	var out []billing.BillingEvent
	for _, ev := range r.h.state().events {
		if ev.Status == billing.EventStatusReceived && ev.UpdatedAt.Before(olderThan) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *eventRepo) update(id string, fn func(ev *billing.BillingEvent) bool) error {
	defer r.h.lock()()
	st := r.h.state()
	ev, ok := st.events[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	if !fn(&ev) {
		return xerrors.ErrNotFound
	}
	st.events[id] = ev
	return nil
}

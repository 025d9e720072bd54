package billing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/chxlky/orba/internal/models"
	"github.com/chxlky/orba/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

var periodEnd = time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	subs  map[string]*stripe.Subscription
	calls int
}

func (f *fakeFetcher) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.calls++
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription %s", id)
	}
	return sub, nil
}

func planForPrice(priceID string) string {
	if priceID == "price_starter" {
		return models.PlanStarter
	}
	return models.PlanPro
}

func stripeSub(id, customer string, status stripe.SubscriptionStatus, end time.Time) *stripe.Subscription {
	return &stripe.Subscription{
		ID:               id,
		Customer:         &stripe.Customer{ID: customer},
		Status:           status,
		CurrentPeriodEnd: end.Unix(),
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{Price: &stripe.Price{ID: "price_pro"}}},
		},
	}
}

func subJSON(id, customer, status string, end time.Time, userID string) map[string]any {
	return map[string]any{
		"id":                   id,
		"object":               "subscription",
		"customer":             customer,
		"status":               status,
		"current_period_end":   end.Unix(),
		"cancel_at_period_end": false,
		"items": map[string]any{
			"object": "list",
			"data":   []any{map[string]any{"id": "si_1", "price": map[string]any{"id": "price_pro"}}},
		},
		"metadata": map[string]string{"userId": userID},
	}
}

func eventPayload(t *testing.T, id, typ string, obj any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":     id,
		"object": "event",
		"type":   typ,
		"data":   map[string]any{"object": obj},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func sign(payload []byte) string {
	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, testSecret)
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))
}

func newSync(t *testing.T, fetcher *fakeFetcher, opts ...Option) (*Synchronizer, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	return NewSynchronizer(db, fetcher, testSecret, planForPrice, opts...), db
}

func loadState(t *testing.T, db *gorm.DB, userID string) (models.User, *models.Subscription) {
	t.Helper()
	var u models.User
	if err := db.Where("id = ?", userID).First(&u).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	var sub models.Subscription
	err := db.Where("user_id = ?", userID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return u, nil
	}
	if err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	return u, &sub
}

// assertMirrored checks that the User copy of the billing fields agrees with the Subscription row.
func assertMirrored(t *testing.T, u models.User, sub *models.Subscription) {
	t.Helper()
	if sub == nil {
		if u.StripeSubscriptionID != nil || u.StripePriceID != nil || u.StripeCurrentPeriodEnd != nil || u.StripeCustomerID != nil {
			t.Fatalf("expected cleared mirror, got %+v", u)
		}
		if u.Plan != models.PlanFree {
			t.Fatalf("expected free plan, got %s", u.Plan)
		}
		return
	}
	if u.StripeCustomerID == nil || *u.StripeCustomerID != sub.StripeCustomerID {
		t.Fatalf("customer id drift: user=%v sub=%s", u.StripeCustomerID, sub.StripeCustomerID)
	}
	if u.StripeSubscriptionID == nil || *u.StripeSubscriptionID != sub.StripeSubscriptionID {
		t.Fatalf("subscription id drift: user=%v sub=%s", u.StripeSubscriptionID, sub.StripeSubscriptionID)
	}
	if u.StripePriceID == nil || *u.StripePriceID != sub.StripePriceID {
		t.Fatalf("price id drift: user=%v sub=%s", u.StripePriceID, sub.StripePriceID)
	}
	if u.StripeCurrentPeriodEnd == nil || !u.StripeCurrentPeriodEnd.Equal(sub.CurrentPeriodEnd) {
		t.Fatalf("period end drift: user=%v sub=%s", u.StripeCurrentPeriodEnd, sub.CurrentPeriodEnd)
	}
	wantPlan := models.PlanFree
	if sub.Entitled() && sub.Plan == models.PlanPro {
		wantPlan = models.PlanPro
	}
	if u.Plan != wantPlan {
		t.Fatalf("plan drift: user=%s want=%s", u.Plan, wantPlan)
	}
}

func TestCheckoutCompletedCreatesSubscription(t *testing.T) {
	fetcher := &fakeFetcher{subs: map[string]*stripe.Subscription{
		"sub_1": stripeSub("sub_1", "cus_1", stripe.SubscriptionStatusActive, periodEnd),
	}}
	s, db := newSync(t, fetcher)
	user := testutil.CreateUser(t, db, "ada@example.com")

	payload := eventPayload(t, "evt_1", EventCheckoutCompleted, map[string]any{
		"id":           "cs_1",
		"object":       "checkout.session",
		"mode":         "subscription",
		"subscription": "sub_1",
		"customer":     "cus_1",
		"metadata":     map[string]string{"userId": user.ID},
	})
	if err := s.Process(context.Background(), payload, sign(payload)); err != nil {
		t.Fatalf("process: %v", err)
	}

	u, sub := loadState(t, db, user.ID)
	if sub == nil {
		t.Fatal("expected subscription row")
	}
	if sub.Plan != models.PlanPro || sub.Status != "active" || !sub.CurrentPeriodEnd.Equal(periodEnd) {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	assertMirrored(t, u, sub)
	if u.Plan != models.PlanPro {
		t.Fatalf("expected pro user, got %s", u.Plan)
	}
}

func TestCheckoutCompletedPaymentModeIgnored(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, db := newSync(t, fetcher)
	user := testutil.CreateUser(t, db, "ada@example.com")

	payload := eventPayload(t, "evt_1", EventCheckoutCompleted, map[string]any{
		"id": "cs_1", "object": "checkout.session", "mode": "payment",
		"metadata": map[string]string{"userId": user.ID},
	})
	if err := s.Process(context.Background(), payload, sign(payload)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatal("payment-mode checkout must not fetch a subscription")
	}
}

func TestCheckoutCompletedWithoutOwnerFails(t *testing.T) {
	fetcher := &fakeFetcher{subs: map[string]*stripe.Subscription{
		"sub_1": stripeSub("sub_1", "cus_1", stripe.SubscriptionStatusActive, periodEnd),
	}}
	s, _ := newSync(t, fetcher)
	payload := eventPayload(t, "evt_1", EventCheckoutCompleted, map[string]any{
		"id": "cs_1", "object": "checkout.session", "mode": "subscription", "subscription": "sub_1",
	})
	if err := s.Process(context.Background(), payload, sign(payload)); !errors.Is(err, ErrMissingCheckoutOwner) {
		t.Fatalf("expected ErrMissingCheckoutOwner, got %v", err)
	}
}

func TestSubscriptionUpdatedIsIdempotent(t *testing.T) {
	s, db := newSync(t, &fakeFetcher{})
	user := testutil.CreateUser(t, db, "ada@example.com")
	db.Model(user).Update("stripe_customer_id", "cus_1")
	ctx := context.Background()

	payload := eventPayload(t, "evt_2", EventSubscriptionUpdated, subJSON("sub_1", "cus_1", "active", periodEnd, ""))
	if err := s.Process(ctx, payload, sign(payload)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	u1, sub1 := loadState(t, db, user.ID)
	assertMirrored(t, u1, sub1)

	if err := s.Process(ctx, payload, sign(payload)); err != nil {
		t.Fatalf("replay: %v", err)
	}
	u2, sub2 := loadState(t, db, user.ID)
	assertMirrored(t, u2, sub2)

	if sub1.ID != sub2.ID || sub1.Status != sub2.Status || !sub1.CurrentPeriodEnd.Equal(sub2.CurrentPeriodEnd) ||
		sub1.StripePriceID != sub2.StripePriceID || sub1.Plan != sub2.Plan || sub1.CancelAtPeriodEnd != sub2.CancelAtPeriodEnd {
		t.Fatalf("replay changed subscription: %+v vs %+v", sub1, sub2)
	}
	if u1.Plan != u2.Plan || *u1.StripeSubscriptionID != *u2.StripeSubscriptionID {
		t.Fatalf("replay changed user mirror")
	}
	var n int64
	db.Model(&models.Subscription{}).Count(&n)
	if n != 1 {
		t.Fatalf("expected one subscription row, got %d", n)
	}
}

func TestSubscriptionCreatedResolvesByMetadata(t *testing.T) {
	s, db := newSync(t, &fakeFetcher{})
	user := testutil.CreateUser(t, db, "ada@example.com")

	payload := eventPayload(t, "evt_3", EventSubscriptionCreated, subJSON("sub_9", "cus_9", "trialing", periodEnd, user.ID))
	if err := s.Process(context.Background(), payload, sign(payload)); err != nil {
		t.Fatalf("process: %v", err)
	}
	u, sub := loadState(t, db, user.ID)
	assertMirrored(t, u, sub)
	if u.Plan != models.PlanPro {
		t.Fatalf("trialing pro subscription should entitle pro, got %s", u.Plan)
	}
}

func TestSubscriptionUpdatedUnknownCustomer(t *testing.T) {
	s, _ := newSync(t, &fakeFetcher{})
	payload := eventPayload(t, "evt_4", EventSubscriptionUpdated, subJSON("sub_1", "cus_nobody", "active", periodEnd, ""))
	if err := s.Process(context.Background(), payload, sign(payload)); !errors.Is(err, ErrUnknownCustomer) {
		t.Fatalf("expected ErrUnknownCustomer, got %v", err)
	}
}

func TestSubscriptionPastDueDropsPlan(t *testing.T) {
	s, db := newSync(t, &fakeFetcher{})
	user := testutil.CreateUser(t, db, "ada@example.com")
	db.Model(user).Update("stripe_customer_id", "cus_1")
	ctx := context.Background()

	for i, status := range []string{"active", "past_due"} {
		payload := eventPayload(t, fmt.Sprintf("evt_%d", i), EventSubscriptionUpdated, subJSON("sub_1", "cus_1", status, periodEnd, ""))
		if err := s.Process(ctx, payload, sign(payload)); err != nil {
			t.Fatalf("process %s: %v", status, err)
		}
	}
	u, sub := loadState(t, db, user.ID)
	assertMirrored(t, u, sub)
	if u.Plan != models.PlanFree {
		t.Fatalf("past_due should not entitle pro, got %s", u.Plan)
	}
}

func TestSubscriptionDeletedClearsMirror(t *testing.T) {
	s, db := newSync(t, &fakeFetcher{})
	user := testutil.CreateUser(t, db, "ada@example.com")
	db.Model(user).Update("stripe_customer_id", "cus_1")
	ctx := context.Background()

	created := eventPayload(t, "evt_1", EventSubscriptionCreated, subJSON("sub_1", "cus_1", "active", periodEnd, ""))
	if err := s.Process(ctx, created, sign(created)); err != nil {
		t.Fatalf("create: %v", err)
	}
	deleted := eventPayload(t, "evt_2", EventSubscriptionDeleted, subJSON("sub_1", "cus_1", "canceled", periodEnd, ""))
	if err := s.Process(ctx, deleted, sign(deleted)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	u, sub := loadState(t, db, user.ID)
	if sub != nil {
		t.Fatal("expected subscription row to be deleted")
	}
	assertMirrored(t, u, nil)

	// A second deletion for a customer that no longer resolves is tolerated.
	again := eventPayload(t, "evt_3", EventSubscriptionDeleted, subJSON("sub_1", "cus_1", "canceled", periodEnd, ""))
	if err := s.Process(ctx, again, sign(again)); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestInvoiceEvents(t *testing.T) {
	later := periodEnd.AddDate(0, 1, 0)
	fetcher := &fakeFetcher{subs: map[string]*stripe.Subscription{}}
	s, db := newSync(t, fetcher)
	user := testutil.CreateUser(t, db, "ada@example.com")
	db.Model(user).Update("stripe_customer_id", "cus_1")
	ctx := context.Background()

	created := eventPayload(t, "evt_1", EventSubscriptionCreated, subJSON("sub_1", "cus_1", "active", periodEnd, ""))
	if err := s.Process(ctx, created, sign(created)); err != nil {
		t.Fatalf("create: %v", err)
	}

	fetcher.subs["sub_1"] = stripeSub("sub_1", "cus_1", stripe.SubscriptionStatusActive, later)
	paid := eventPayload(t, "evt_2", EventInvoicePaymentSuccess, map[string]any{
		"id": "in_1", "object": "invoice", "subscription": "sub_1", "customer": "cus_1",
	})
	if err := s.Process(ctx, paid, sign(paid)); err != nil {
		t.Fatalf("paid: %v", err)
	}
	u, sub := loadState(t, db, user.ID)
	assertMirrored(t, u, sub)
	if !sub.CurrentPeriodEnd.Equal(later) {
		t.Fatalf("expected period end %s, got %s", later, sub.CurrentPeriodEnd)
	}

	fetcher.subs["sub_1"] = stripeSub("sub_1", "cus_1", stripe.SubscriptionStatusPastDue, later.AddDate(0, 1, 0))
	failed := eventPayload(t, "evt_3", EventInvoicePaymentFailed, map[string]any{
		"id": "in_2", "object": "invoice", "subscription": "sub_1", "customer": "cus_1",
	})
	if err := s.Process(ctx, failed, sign(failed)); err != nil {
		t.Fatalf("failed: %v", err)
	}
	u, sub = loadState(t, db, user.ID)
	if sub.Status != "past_due" {
		t.Fatalf("expected past_due, got %s", sub.Status)
	}
	if !sub.CurrentPeriodEnd.Equal(later) {
		t.Fatalf("failed payment must not move the period end, got %s", sub.CurrentPeriodEnd)
	}
	assertMirrored(t, u, sub)
}

func TestInvoiceWithoutSubscriptionIgnored(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, _ := newSync(t, fetcher)
	payload := eventPayload(t, "evt_1", EventInvoicePaymentSuccess, map[string]any{"id": "in_1", "object": "invoice"})
	if err := s.Process(context.Background(), payload, sign(payload)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatal("expected no stripe calls")
	}
}

func TestUnknownEventIsNoop(t *testing.T) {
	s, _ := newSync(t, &fakeFetcher{})
	payload := eventPayload(t, "evt_1", "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	if err := s.Process(context.Background(), payload, sign(payload)); err != nil {
		t.Fatalf("process: %v", err)
	}
}

func TestBadSignatureRejectedWithoutMutation(t *testing.T) {
	s, db := newSync(t, &fakeFetcher{})
	user := testutil.CreateUser(t, db, "ada@example.com")
	db.Model(user).Update("stripe_customer_id", "cus_1")

	payload := eventPayload(t, "evt_1", EventSubscriptionCreated, subJSON("sub_1", "cus_1", "active", periodEnd, ""))
	err := s.Process(context.Background(), payload, "t=1,v1=deadbeef")
	if !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
	_, sub := loadState(t, db, user.ID)
	if sub != nil {
		t.Fatal("state mutated despite bad signature")
	}
}

func TestEmptyWebhookSecretRejectsEverything(t *testing.T) {
	db := testutil.NewDB(t)
	s := NewSynchronizer(db, nil, "", planForPrice)
	user := testutil.CreateUser(t, db, "ada@example.com")

	payload := eventPayload(t, "evt_forged", EventSubscriptionCreated, subJSON("sub_1", "cus_forged", "active", periodEnd, user.ID))
	now := time.Now()
	forged := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(webhook.ComputeSignature(now, payload, "")))

	err := s.Process(context.Background(), payload, forged)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	u, sub := loadState(t, db, user.ID)
	if sub != nil || u.Plan != models.PlanFree {
		t.Fatalf("state mutated without a webhook secret: plan=%s sub=%+v", u.Plan, sub)
	}
}

func TestStarterSubscriptionKeepsFreeUserPlan(t *testing.T) {
	s, db := newSync(t, &fakeFetcher{})
	user := testutil.CreateUser(t, db, "ada@example.com")
	db.Model(user).Update("stripe_customer_id", "cus_1")

	obj := subJSON("sub_1", "cus_1", "active", periodEnd, "")
	obj["items"] = map[string]any{
		"object": "list",
		"data":   []any{map[string]any{"id": "si_1", "price": map[string]any{"id": "price_starter"}}},
	}
	payload := eventPayload(t, "evt_1", EventSubscriptionCreated, obj)
	if err := s.Process(context.Background(), payload, sign(payload)); err != nil {
		t.Fatalf("process: %v", err)
	}

	u, sub := loadState(t, db, user.ID)
	if sub == nil || sub.Plan != models.PlanStarter {
		t.Fatalf("expected starter subscription, got %+v", sub)
	}
	if u.Plan != models.PlanFree {
		t.Fatalf("expected user plan free for starter, got %s", u.Plan)
	}
	assertMirrored(t, u, sub)
}

type countingFetcher struct {
	fakeFetcher
	fail bool
}

func (c *countingFetcher) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	if c.fail {
		c.calls++
		return nil, errors.New("stripe unavailable")
	}
	return c.fakeFetcher.GetSubscription(ctx, id)
}

func TestDeduperSkipsReplayAndReleasesOnFailure(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { client.Close() })

	fetcher := &countingFetcher{fakeFetcher: fakeFetcher{subs: map[string]*stripe.Subscription{
		"sub_1": stripeSub("sub_1", "cus_1", stripe.SubscriptionStatusActive, periodEnd),
	}}, fail: true}
	db := testutil.NewDB(t)
	s := NewSynchronizer(db, fetcher, testSecret, planForPrice, WithDeduper(NewRedisDeduper(client, time.Hour)))
	user := testutil.CreateUser(t, db, "ada@example.com")
	ctx := context.Background()

	payload := eventPayload(t, "evt_dup", EventCheckoutCompleted, map[string]any{
		"id": "cs_1", "object": "checkout.session", "mode": "subscription", "subscription": "sub_1",
		"metadata": map[string]string{"userId": user.ID},
	})

	if err := s.Process(ctx, payload, sign(payload)); err == nil {
		t.Fatal("expected failure while stripe is unavailable")
	}
	if m.Exists("orba:stripe-event:evt_dup") {
		t.Fatal("failed event must release its dedup key")
	}

	fetcher.fail = false
	if err := s.Process(ctx, payload, sign(payload)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	calls := fetcher.calls
	if err := s.Process(ctx, payload, sign(payload)); err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if fetcher.calls != calls {
		t.Fatal("duplicate delivery was processed again")
	}
	if !m.Exists("orba:stripe-event:evt_dup") {
		t.Fatal("expected dedup key to be recorded")
	}
}

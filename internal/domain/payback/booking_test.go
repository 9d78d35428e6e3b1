package payback

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/google/uuid"

	"github.com/paybackrewards/payback-api/internal/domain/customer"
	"github.com/paybackrewards/payback-api/internal/domain/inquiry"
)

func sameMessages(t *testing.T, err error, want ...string) {
	t.Helper()
	got := append([]string(nil), Messages(err)...)
	sort.Strings(got)
	want = append([]string(nil), want...)
	sort.Strings(want)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected messages %v, got %v", want, got)
	}
}

func TestBookInquiryCategory(t *testing.T) {
	f := newFixture()
	c := f.addCustomer(f.now.AddDate(0, -1, 0))
	cat := f.addCategory(c, "household")

	tx, err := f.engine.Rewards.BookInquiryCategory(context.Background(), cat.ID)
	if err != nil {
		t.Fatalf("book failed: %v", err)
	}
	if tx.State != StateCreated || tx.PointsAmount != 750 {
		t.Fatalf("expected created booking of 750, got %s/%d", tx.State, tx.PointsAmount)
	}
	if want := (Subject{ID: cat.ID.String(), Type: SubjectInquiryCategory}); tx.Subject() != want {
		t.Errorf("expected subject %s, got %s", want, tx.Subject())
	}
	if tx.ReceiptNo != DefaultReceiptNo(tx.Subject()) {
		t.Errorf("expected default receipt number, got %s", tx.ReceiptNo)
	}
	if tx.Info.CompanyName != cat.CompanyName {
		t.Errorf("expected company %s, got %s", cat.CompanyName, tx.Info.CompanyName)
	}
	if want := f.now.Add(f.settings.DefaultLockingInterval); !tx.LockedUntil.Time.Equal(want) {
		t.Errorf("expected lockedUntil %v, got %v", want, tx.LockedUntil.Time)
	}
	if scheduled := f.jobs.(*recordingJobs).scheduled(); len(scheduled) != 1 || scheduled[0] != tx.ID {
		t.Errorf("expected only %s scheduled, got %v", tx.ID, scheduled)
	}

	if _, err := f.engine.Rewards.BookInquiryCategory(context.Background(), cat.ID); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestBookInquiryCategoryEligibility(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	c := f.addCustomer(f.now.AddDate(0, -1, 0))
	err := f.customers.update(c.ID, func(c *customer.Customer) {
		c.PaybackEnabled = false
		c.PaybackData.PaybackNumber = ""
	})
	if err != nil {
		t.Fatalf("prepare customer: %v", err)
	}
	denied := f.addCategory(c, "gkv")

	_, err = f.engine.Rewards.BookInquiryCategory(ctx, denied.ID)
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	sameMessages(t, err,
		"payback is not enabled for this customer",
		"customer has no payback number",
		"inquiry category is not eligible for payback",
	)

	old := f.addCustomer(f.now.AddDate(0, -7, 0))
	late := f.addCategory(old, "household")
	_, err = f.engine.Rewards.BookInquiryCategory(ctx, late.ID)
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	sameMessages(t, err,
		"customer is outside the rewardable period",
		"inquiry category was created after the rewardable period",
	)

	fresh := f.addCustomer(f.now.AddDate(0, -1, 0))
	cancelled := f.addCategory(fresh, "household")
	f.inquiries.setState(cancelled.ID, inquiry.StateCancelled)
	_, err = f.engine.Rewards.BookInquiryCategory(ctx, cancelled.ID)
	sameMessages(t, err, "inquiry category is not in a rewardable state")

	if _, err := f.engine.Rewards.BookInquiryCategory(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := len(f.repo.all()); n != 0 {
		t.Fatalf("expected nothing stored, got %d transactions", n)
	}
}

func TestBookPromotionBonus(t *testing.T) {
	ctx := context.Background()

	t.Run("promotion disabled", func(t *testing.T) {
		f := newFixture(withPolicy(PromotionPolicy{
			Start:     testNow.AddDate(0, 0, -20),
			End:       testNow.AddDate(0, 0, -5),
			MaxActive: 2,
		}))
		c := f.addCustomer(f.now.AddDate(0, 0, -10))
		cat := f.addCategory(c, "household")

		if _, err := f.engine.Rewards.BookPromotionBonus(ctx, cat.ID); !errors.Is(err, ErrFeatureDisabled) {
			t.Fatalf("expected ErrFeatureDisabled, got %v", err)
		}
	})

	t.Run("regular customer", func(t *testing.T) {
		f, _ := blackFridayFixture()
		c := f.addCustomer(f.now.AddDate(0, -2, 0))
		cat := f.addCategory(c, "household")

		if _, err := f.engine.Rewards.BookPromotionBonus(ctx, cat.ID); !errors.Is(err, ErrNotAllowed) {
			t.Fatalf("expected ErrNotAllowed, got %v", err)
		}
	})

	t.Run("black friday customer", func(t *testing.T) {
		f, policy := blackFridayFixture()
		c := f.addCustomer(f.now.AddDate(0, 0, -10))
		cat := f.addCategory(c, "household")

		booked, err := f.engine.Rewards.BookInquiryCategory(ctx, cat.ID)
		if err != nil {
			t.Fatalf("book failed: %v", err)
		}
		bonus, err := f.engine.Rewards.BookPromotionBonus(ctx, cat.ID)
		if err != nil {
			t.Fatalf("book bonus failed: %v", err)
		}

		if bonus.SubjectType != SubjectBlackFridayBonus || bonus.PointsAmount != policy.BonusPoints {
			t.Fatalf("expected %d bonus points, got %s/%d", policy.BonusPoints, bonus.SubjectType, bonus.PointsAmount)
		}
		if bonus.ReceiptNo == booked.ReceiptNo {
			t.Error("expected the bonus to have its own receipt number")
		}
		// black friday customers get two active slots
		if bonus.State != StateCreated {
			t.Fatalf("expected bonus created, got %s", bonus.State)
		}
	})
}

func TestBookNotRewardedSkipsIneligible(t *testing.T) {
	f := newFixture()
	c := f.addCustomer(f.now.AddDate(0, -1, 0))
	first := f.addCategory(c, "household")
	f.addCategory(c, "gkv")
	second := f.addCategory(c, "legal")

	booked, err := f.engine.Rewards.BookNotRewarded(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("book not rewarded failed: %v", err)
	}
	if len(booked) != 2 {
		t.Fatalf("expected 2 bookings, got %d", len(booked))
	}

	subjects := []string{booked[0].SubjectID, booked[1].SubjectID}
	want := []string{first.ID.String(), second.ID.String()}
	sort.Strings(subjects)
	sort.Strings(want)
	if !reflect.DeepEqual(subjects, want) {
		t.Fatalf("expected subjects %v, got %v", want, subjects)
	}
	if states := f.statesOf(c.ID, TypeBook); states[StateCreated] != 1 || states[StateWaiting] != 1 || len(states) != 2 {
		t.Fatalf("expected one created and one waiting, got %v", states)
	}
}

func TestHandleInquiryCategoryCancelled(t *testing.T) {
	f := newFixture()
	c := f.addCustomer(f.now.AddDate(0, -1, 0))
	withPoints(f, c, 750, 0)
	cat := f.addCategory(c, "household")
	ctx := context.Background()

	reward := f.insert(c, StateLocked, forCategory(cat))
	bonus := f.insert(c, StateCreated, forCategory(cat), func(t *Transaction) {
		t.SubjectType = SubjectBlackFridayBonus
		t.ReceiptNo = DefaultReceiptNo(t.Subject())
		t.PointsAmount = 1500
	})
	waiting := f.insert(c, StateWaiting, forCategory(f.addCategory(c, "legal")))

	f.inquiries.setState(cat.ID, inquiry.StateCancelled)
	if err := f.engine.Rewards.HandleInquiryCategoryCancelled(ctx, cat.ID); err != nil {
		t.Fatalf("handle cancellation failed: %v", err)
	}

	if got := f.get(reward.ID).State; got != StateRefundInitiated {
		t.Errorf("expected reward refund_initiated, got %s", got)
	}
	if got := f.get(bonus.ID).State; got != StateCanceled {
		t.Errorf("expected bonus canceled, got %s", got)
	}
	if refunds := f.statesOf(c.ID, TypeRefund); len(refunds) != 1 || refunds[StateCreated] != 1 {
		t.Errorf("expected one created refund, got %v", refunds)
	}
	// the freed slot is handed to the queue
	if got := f.get(waiting.ID).State; got != StateCreated {
		t.Errorf("expected waiting transaction promoted, got %s", got)
	}

	if err := f.engine.Rewards.HandleInquiryCategoryCancelled(ctx, cat.ID); err != nil {
		t.Fatalf("expected repeated cancellation to be a no-op, got %v", err)
	}
}

func TestUpdatePaybackNumberUnknownCustomer(t *testing.T) {
	f := newFixture()
	err := f.engine.Rewards.UpdatePaybackNumber(context.Background(), uuid.New(), "1234567890")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

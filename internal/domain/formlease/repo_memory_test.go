package formlease

import (
	"context"
	"testing"
	"time"

	"github.com/ehr/formlock/pkg/lease"
)

func TestMemoryRepo_SnapshotsAreCopies(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	now := time.Now()

	fields := lease.Fields{"bp": "120/80"}
	saved, err := repo.SaveSnapshot(ctx, "F1", "A", fields, now)
	if err != nil {
		t.Fatal(err)
	}
	fields["bp"] = "mutated"
	saved.Fields["bp"] = "mutated"

	got, _ := repo.GetSnapshot(ctx, "F1")
	if got.Fields["bp"] != "120/80" {
		t.Errorf("stored snapshot shares memory with caller: %v", got.Fields)
	}
}

func TestMemoryRepo_SetLease(t *testing.T) {
	repo := NewMemoryRepo()
	old := time.Now().Add(-90 * time.Minute)
	repo.SetLease(lease.Lease{FormID: "F1", OwnerID: "B", AcquiredAt: old})

	l, _ := repo.GetLease(context.Background(), "F1")
	if l.OwnerID != "B" || !l.AcquiredAt.Equal(old) {
		t.Errorf("unexpected lease %+v", l)
	}
}

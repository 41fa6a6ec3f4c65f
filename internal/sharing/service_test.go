package sharing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"doseref/api/internal/docstore"
	"doseref/api/internal/store"
)

var testActor = Actor{ID: "u_1", Name: "Avery Quinn"}

func newTestService(t *testing.T) (*Service, *store.Repository) {
	t.Helper()
	repo := store.NewRepository(docstore.NewMemoryStore())
	return NewService(repo, nil), repo
}

func seedIngredient(t *testing.T, repo *store.Repository, id, name string) {
	t.Helper()
	err := repo.PutIngredient(context.Background(), store.Ingredient{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
		UpdatedBy: testActor.Name,
	})
	if err != nil {
		t.Fatalf("seed ingredient %s: %v", id, err)
	}
}

func seedReference(t *testing.T, repo *store.Repository, ingredientID, configID, content string) store.RefKey {
	t.Helper()
	ref := store.Reference{
		IngredientID: ingredientID,
		ConfigID:     configID,
		HealthSystem: "Mercy Health",
		Domain:       "NICU",
		Subdomain:    "parenteral",
		Version:      "v3",
	}
	if content != "" {
		ref.Sections = []store.Section{{Type: "dosing", Content: content}}
	}
	ref.ContentHash = HashReference(ref)
	ref.UpdatedAt = time.Now().UTC()
	ref.UpdatedBy = testActor.Name
	if err := repo.PutReference(context.Background(), ref); err != nil {
		t.Fatalf("seed reference %s/%s: %v", ingredientID, configID, err)
	}
	return store.RefKey{IngredientID: ingredientID, ConfigID: configID}
}

func editReference(t *testing.T, repo *store.Repository, key store.RefKey, content string) {
	t.Helper()
	ctx := context.Background()
	ref, err := repo.GetReference(ctx, key.IngredientID, key.ConfigID)
	if err != nil {
		t.Fatalf("load reference for edit: %v", err)
	}
	ref.Sections = []store.Section{{Type: "dosing", Content: content}}
	ref.ContentHash = HashReference(ref)
	if err := repo.PutReference(ctx, ref); err != nil {
		t.Fatalf("edit reference: %v", err)
	}
}

func TestCreateSharedGroup(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	seedIngredient(t, repo, "ing_a", "Calcium Gluconate")
	seedIngredient(t, repo, "ing_b", "Calcium Gluconate IV")
	keyA := seedReference(t, repo, "ing_a", "cfg1", "100 mg/kg/day")
	keyB := seedReference(t, repo, "ing_b", "cfg1", "100 mg/kg/day")

	group, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", []store.RefKey{keyA, keyB})
	if err != nil {
		t.Fatalf("CreateSharedGroup failed: %v", err)
	}
	if group.ID != GroupIDForHash(group.ContentHash) {
		t.Errorf("group id %s is not derived from its hash", group.ID)
	}
	if group.MasterIngredientID != "ing_a" {
		t.Errorf("expected master ing_a, got %s", group.MasterIngredientID)
	}
	if len(group.LinkedReferences) != 2 {
		t.Fatalf("expected 2 linked references, got %d", len(group.LinkedReferences))
	}
	if group.LinkedReferences[0].HealthSystem != "Mercy Health" {
		t.Errorf("descriptor fields should be denormalized into members")
	}

	for _, key := range []store.RefKey{keyA, keyB} {
		ref, err := repo.GetReference(ctx, key.IngredientID, key.ConfigID)
		if err != nil {
			t.Fatalf("reload reference: %v", err)
		}
		if !ref.IsShared || ref.SharedGroupID != group.ID {
			t.Errorf("reference %s/%s pointer not flipped: shared=%v group=%s", key.IngredientID, key.ConfigID, ref.IsShared, ref.SharedGroupID)
		}
	}

	master, err := repo.GetIngredient(ctx, "ing_a")
	if err != nil {
		t.Fatalf("reload master: %v", err)
	}
	if !master.IsSharedMaster || master.SharedGroupID != group.ID || master.SharedCount != 2 {
		t.Errorf("master summary wrong: %+v", master)
	}
}

func TestCreateSharedGroupIdempotent(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	seedIngredient(t, repo, "ing_a", "Calcium")
	seedIngredient(t, repo, "ing_b", "Calcium IV")
	keyA := seedReference(t, repo, "ing_a", "cfg1", "100 mg/kg/day")
	keyB := seedReference(t, repo, "ing_b", "cfg1", "100 mg/kg/day")
	refs := []store.RefKey{keyA, keyB}

	first, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", refs)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", refs)
	if err != nil {
		t.Fatalf("identical create should be idempotent: %v", err)
	}
	if first.ID != second.ID || len(second.LinkedReferences) != 2 {
		t.Errorf("idempotent create changed the group: %+v", second)
	}

	// Same content, different member set: rejected.
	seedIngredient(t, repo, "ing_c", "Calcium PO")
	keyC := seedReference(t, repo, "ing_c", "cfg1", "100 mg/kg/day")
	_, err = svc.CreateSharedGroup(ctx, testActor, "ing_a", []store.RefKey{keyA, keyC})
	if !errors.Is(err, ErrGroupExists) {
		t.Errorf("expected ErrGroupExists, got %v", err)
	}
}

func TestCreateSharedGroupPreconditions(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	seedIngredient(t, repo, "ing_a", "Calcium")
	keyA := seedReference(t, repo, "ing_a", "cfg1", "100 mg/kg/day")
	emptyKey := seedReference(t, repo, "ing_a", "cfg2", "")

	if _, err := svc.CreateSharedGroup(ctx, Actor{}, "ing_a", []store.RefKey{keyA}); !errors.Is(err, ErrNoActingUser) {
		t.Errorf("expected ErrNoActingUser, got %v", err)
	}
	if _, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", nil); !errors.Is(err, ErrNoReferences) {
		t.Errorf("expected ErrNoReferences, got %v", err)
	}
	if _, err := svc.CreateSharedGroup(ctx, testActor, "ing_missing", []store.RefKey{keyA}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing master, got %v", err)
	}
	missing := store.RefKey{IngredientID: "ing_a", ConfigID: "cfg_missing"}
	if _, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", []store.RefKey{missing}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing reference, got %v", err)
	}
	if _, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", []store.RefKey{emptyKey}); !errors.Is(err, ErrContentUnhashable) {
		t.Errorf("expected ErrContentUnhashable, got %v", err)
	}

	// Mixed content in the initial set is a mismatch, not a silent link.
	seedIngredient(t, repo, "ing_b", "Calcium IV")
	keyB := seedReference(t, repo, "ing_b", "cfg1", "different text")
	if _, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", []store.RefKey{keyA, keyB}); !errors.Is(err, ErrContentMismatch) {
		t.Errorf("expected ErrContentMismatch, got %v", err)
	}
}

func TestAddToSharedGroupMembershipProof(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	seedIngredient(t, repo, "ing_a", "Calcium")
	seedIngredient(t, repo, "ing_b", "Calcium IV")
	seedIngredient(t, repo, "ing_c", "Calcium PO")
	keyA := seedReference(t, repo, "ing_a", "cfg1", "100 mg/kg/day")
	keyB := seedReference(t, repo, "ing_b", "cfg1", "100 mg/kg/day")
	keyC := seedReference(t, repo, "ing_c", "cfg1", "200 mg/kg/day")

	group, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", []store.RefKey{keyA, keyB})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// r3 hashes differently: must fail and leave the group unchanged.
	if _, err := svc.AddToSharedGroup(ctx, testActor, group.ID, keyC); !errors.Is(err, ErrContentMismatch) {
		t.Fatalf("expected ErrContentMismatch, got %v", err)
	}
	reloaded, err := repo.GetGroup(ctx, group.ID)
	if err != nil {
		t.Fatalf("reload group: %v", err)
	}
	if len(reloaded.LinkedReferences) != 2 {
		t.Errorf("failed add mutated linkedReferences: %d members", len(reloaded.LinkedReferences))
	}

	// Fix the content, recompute, then the add passes.
	editReference(t, repo, keyC, "100 mg/kg/day")
	grown, err := svc.AddToSharedGroup(ctx, testActor, group.ID, keyC)
	if err != nil {
		t.Fatalf("add after edit failed: %v", err)
	}
	if len(grown.LinkedReferences) != 3 {
		t.Errorf("expected 3 members, got %d", len(grown.LinkedReferences))
	}
	master, _ := repo.GetIngredient(ctx, "ing_a")
	if master.SharedCount != 3 {
		t.Errorf("expected sharedCount 3, got %d", master.SharedCount)
	}

	// Re-adding an existing member changes nothing, including the count.
	again, err := svc.AddToSharedGroup(ctx, testActor, group.ID, keyC)
	if err != nil {
		t.Fatalf("idempotent add failed: %v", err)
	}
	if len(again.LinkedReferences) != 3 {
		t.Errorf("idempotent add grew the group: %d", len(again.LinkedReferences))
	}
	master, _ = repo.GetIngredient(ctx, "ing_a")
	if master.SharedCount != 3 {
		t.Errorf("idempotent add changed sharedCount: %d", master.SharedCount)
	}
}

func TestRemoveRoundTripDissolvesGroup(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	seedIngredient(t, repo, "ing_a", "Calcium")
	seedIngredient(t, repo, "ing_b", "Calcium IV")
	keyA := seedReference(t, repo, "ing_a", "cfg1", "100 mg/kg/day")
	keyB := seedReference(t, repo, "ing_b", "cfg1", "100 mg/kg/day")

	group, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", []store.RefKey{keyA, keyB})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := svc.RemoveFromSharedGroup(ctx, testActor, group.ID, keyB); err != nil {
		t.Fatalf("first remove failed: %v", err)
	}
	mid, err := repo.GetGroup(ctx, group.ID)
	if err != nil {
		t.Fatalf("group should still exist: %v", err)
	}
	if len(mid.LinkedReferences) != 1 {
		t.Errorf("expected 1 member, got %d", len(mid.LinkedReferences))
	}
	refB, _ := repo.GetReference(ctx, "ing_b", "cfg1")
	if refB.IsShared || refB.SharedGroupID != "" {
		t.Errorf("removed reference pointers not cleared: %+v", refB)
	}
	master, _ := repo.GetIngredient(ctx, "ing_a")
	if master.SharedCount != 1 {
		t.Errorf("expected sharedCount 1, got %d", master.SharedCount)
	}

	if err := svc.RemoveFromSharedGroup(ctx, testActor, group.ID, keyA); err != nil {
		t.Fatalf("second remove failed: %v", err)
	}
	if _, err := repo.GetGroup(ctx, group.ID); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("expected group deleted, got %v", err)
	}
	master, _ = repo.GetIngredient(ctx, "ing_a")
	if master.IsSharedMaster || master.SharedGroupID != "" || master.SharedCount != 0 {
		t.Errorf("master sharing fields not cleared: %+v", master)
	}
	refA, _ := repo.GetReference(ctx, "ing_a", "cfg1")
	if refA.IsShared || refA.SharedGroupID != "" {
		t.Errorf("last reference pointers not cleared: %+v", refA)
	}
}

func TestIsSharedIdempotent(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	seedIngredient(t, repo, "ing_a", "Calcium")
	seedIngredient(t, repo, "ing_b", "Calcium IV")
	keyA := seedReference(t, repo, "ing_a", "cfg1", "100 mg/kg/day")
	keyB := seedReference(t, repo, "ing_b", "cfg1", "100 mg/kg/day")

	if _, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", []store.RefKey{keyA, keyB}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	for _, tc := range []struct {
		ingredientID string
		configID     string
		want         bool
	}{
		{"ing_a", "cfg1", true},
		{"ing_a", "", true},
		{"ing_b", "cfg1", true},
		{"ing_b", "", false}, // member, but not the master
		{"ing_missing", "", false},
		{"ing_a", "cfg_missing", false},
	} {
		first, err := svc.IsShared(ctx, tc.ingredientID, tc.configID)
		if err != nil {
			t.Fatalf("IsShared(%s,%s) failed: %v", tc.ingredientID, tc.configID, err)
		}
		second, err := svc.IsShared(ctx, tc.ingredientID, tc.configID)
		if err != nil {
			t.Fatalf("IsShared(%s,%s) second call failed: %v", tc.ingredientID, tc.configID, err)
		}
		if first != tc.want {
			t.Errorf("IsShared(%s,%s) = %v, want %v", tc.ingredientID, tc.configID, first, tc.want)
		}
		if first != second {
			t.Errorf("IsShared(%s,%s) not idempotent: %v then %v", tc.ingredientID, tc.configID, first, second)
		}
	}
}

func TestGetGroupInfo(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	seedIngredient(t, repo, "ing_a", "Calcium")
	seedIngredient(t, repo, "ing_b", "Calcium IV")
	keyA := seedReference(t, repo, "ing_a", "cfg1", "100 mg/kg/day")
	keyB := seedReference(t, repo, "ing_b", "cfg1", "100 mg/kg/day")

	info, err := svc.GetGroupInfo(ctx, "ing_a")
	if err != nil {
		t.Fatalf("GetGroupInfo failed: %v", err)
	}
	if info.Shared {
		t.Error("expected not-shared sentinel before linking")
	}

	group, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", []store.RefKey{keyA, keyB})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	info, err = svc.GetGroupInfo(ctx, "ing_a")
	if err != nil {
		t.Fatalf("GetGroupInfo failed: %v", err)
	}
	if !info.Shared || info.GroupID != group.ID || info.LinkedCount != 2 || info.ContentHash != group.ContentHash {
		t.Errorf("unexpected group info: %+v", info)
	}
	if info.CreatedAt.IsZero() || info.UpdatedAt.IsZero() {
		t.Error("expected server-assigned timestamps on group info")
	}

	// Non-master member resolves the group through its references.
	info, err = svc.GetGroupInfo(ctx, "ing_b")
	if err != nil {
		t.Fatalf("GetGroupInfo for member failed: %v", err)
	}
	if !info.Shared || info.MasterIngredientID != "ing_a" {
		t.Errorf("member group info wrong: %+v", info)
	}
}

func TestLiteralScenario(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	seedIngredient(t, repo, "A", "Magnesium")
	seedIngredient(t, repo, "B", "Magnesium Sulfate")
	keyA := seedReference(t, repo, "A", "cfg1", "identical dosing text")
	keyB := seedReference(t, repo, "B", "cfg1", "identical dosing text")

	candidates, err := svc.FindCandidates(ctx, "A")
	if err != nil {
		t.Fatalf("FindCandidates failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].IngredientID != "B" {
		t.Fatalf("expected candidates [B], got %+v", candidates)
	}

	group, err := svc.CreateSharedGroup(ctx, testActor, "A", []store.RefKey{keyA, keyB})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(group.LinkedReferences) != 2 {
		t.Errorf("expected 2 linked references, got %d", len(group.LinkedReferences))
	}
	masterA, _ := repo.GetIngredient(ctx, "A")
	if masterA.SharedCount != 2 {
		t.Errorf("expected A.sharedCount 2, got %d", masterA.SharedCount)
	}

	// Editing B's content does not automatically update the group.
	editReference(t, repo, keyB, "diverged dosing text")
	unchanged, err := repo.GetGroup(ctx, group.ID)
	if err != nil {
		t.Fatalf("group should survive member drift: %v", err)
	}
	if len(unchanged.LinkedReferences) != 2 {
		t.Errorf("drift should not shrink the group: %d members", len(unchanged.LinkedReferences))
	}

	// The drift is detectable, not hidden.
	report, err := svc.CheckGroupIntegrity(ctx, group.ID)
	if err != nil {
		t.Fatalf("CheckGroupIntegrity failed: %v", err)
	}
	if len(report.Drifted) != 1 || report.Drifted[0] != keyB {
		t.Errorf("expected drift report for B, got %+v", report)
	}

	if err := svc.RemoveFromSharedGroup(ctx, testActor, group.ID, keyB); err != nil {
		t.Fatalf("remove B failed: %v", err)
	}
	mid, _ := repo.GetGroup(ctx, group.ID)
	if len(mid.LinkedReferences) != 1 {
		t.Errorf("expected 1 member, got %d", len(mid.LinkedReferences))
	}

	if err := svc.RemoveFromSharedGroup(ctx, testActor, group.ID, keyA); err != nil {
		t.Fatalf("remove A failed: %v", err)
	}
	if _, err := repo.GetGroup(ctx, group.ID); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("expected group dissolved, got %v", err)
	}
	masterA, _ = repo.GetIngredient(ctx, "A")
	if masterA.IsSharedMaster || masterA.SharedGroupID != "" || masterA.SharedCount != 0 {
		t.Errorf("A sharing fields not cleared: %+v", masterA)
	}
}

func TestConcurrentAddsBothLand(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	seedIngredient(t, repo, "ing_a", "Calcium")
	seedIngredient(t, repo, "ing_b", "Calcium IV")
	seedIngredient(t, repo, "ing_c", "Calcium PO")
	seedIngredient(t, repo, "ing_d", "Calcium ER")
	keyA := seedReference(t, repo, "ing_a", "cfg1", "100 mg/kg/day")
	keyB := seedReference(t, repo, "ing_b", "cfg1", "100 mg/kg/day")
	keyC := seedReference(t, repo, "ing_c", "cfg1", "100 mg/kg/day")
	keyD := seedReference(t, repo, "ing_d", "cfg1", "100 mg/kg/day")

	group, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", []store.RefKey{keyA, keyB})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Two sessions race to add different references. The array-union
	// design means neither write can clobber the other.
	var wg sync.WaitGroup
	for _, key := range []store.RefKey{keyC, keyD} {
		wg.Add(1)
		go func(key store.RefKey) {
			defer wg.Done()
			if _, err := svc.AddToSharedGroup(ctx, testActor, group.ID, key); err != nil {
				t.Errorf("concurrent add %v failed: %v", key, err)
			}
		}(key)
	}
	wg.Wait()

	final, err := repo.GetGroup(ctx, group.ID)
	if err != nil {
		t.Fatalf("reload group: %v", err)
	}
	if len(final.LinkedReferences) != 4 {
		t.Errorf("lost update: expected 4 members, got %d", len(final.LinkedReferences))
	}
	master, _ := repo.GetIngredient(ctx, "ing_a")
	if master.SharedCount != 4 {
		t.Errorf("expected sharedCount 4, got %d", master.SharedCount)
	}
}

func TestMakeIndependent(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	seedIngredient(t, repo, "ing_a", "Calcium")
	seedIngredient(t, repo, "ing_b", "Calcium IV")
	keyA := seedReference(t, repo, "ing_a", "cfg1", "100 mg/kg/day")
	keyB := seedReference(t, repo, "ing_b", "cfg1", "100 mg/kg/day")

	// Already independent: success, no stamp.
	if err := svc.MakeIndependent(ctx, testActor, "ing_a", "cfg1"); err != nil {
		t.Fatalf("no-op MakeIndependent failed: %v", err)
	}
	ref, _ := repo.GetReference(ctx, "ing_a", "cfg1")
	if ref.IndependentAt != nil {
		t.Error("no-op MakeIndependent should not stamp")
	}

	group, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", []store.RefKey{keyA, keyB})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := svc.MakeIndependent(ctx, testActor, "ing_b", "cfg1"); err != nil {
		t.Fatalf("MakeIndependent failed: %v", err)
	}
	ref, _ = repo.GetReference(ctx, "ing_b", "cfg1")
	if ref.IsShared || ref.SharedGroupID != "" {
		t.Errorf("detached reference pointers not cleared: %+v", ref)
	}
	if ref.IndependentAt == nil || ref.IndependentBy != testActor.Name {
		t.Errorf("expected independence stamp, got %+v", ref)
	}

	remaining, err := repo.GetGroup(ctx, group.ID)
	if err != nil {
		t.Fatalf("group should survive: %v", err)
	}
	if len(remaining.LinkedReferences) != 1 {
		t.Errorf("expected 1 remaining member, got %d", len(remaining.LinkedReferences))
	}

	if err := svc.MakeIndependent(ctx, Actor{}, "ing_b", "cfg1"); !errors.Is(err, ErrNoActingUser) {
		t.Errorf("expected ErrNoActingUser, got %v", err)
	}
	if err := svc.MakeIndependent(ctx, testActor, "ing_missing", "cfg1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindCandidates(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	seedIngredient(t, repo, "ing_a", "Calcium")
	seedIngredient(t, repo, "ing_b", "Calcium IV")
	seedIngredient(t, repo, "ing_c", "Calcium PO")
	seedReference(t, repo, "ing_a", "cfg1", "100 mg/kg/day")
	keyB := seedReference(t, repo, "ing_b", "cfg1", "100 mg/kg/day")
	seedReference(t, repo, "ing_b", "cfg2", "100 mg/kg/day")
	seedReference(t, repo, "ing_c", "cfg1", "entirely different")

	candidates, err := svc.FindCandidates(ctx, "ing_a")
	if err != nil {
		t.Fatalf("FindCandidates failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if candidates[0].IngredientID != "ing_b" {
		t.Errorf("expected candidate ing_b, got %s", candidates[0].IngredientID)
	}
	if len(candidates[0].References) != 2 {
		t.Errorf("expected both matching references, got %d", len(candidates[0].References))
	}
	if candidates[0].IsShared {
		t.Error("candidate should not be marked shared before linking")
	}

	// Sharing status is reflected once a group exists.
	keyA := store.RefKey{IngredientID: "ing_a", ConfigID: "cfg1"}
	if _, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", []store.RefKey{keyA, keyB}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	candidates, err = svc.FindCandidates(ctx, "ing_a")
	if err != nil {
		t.Fatalf("FindCandidates failed: %v", err)
	}
	if len(candidates) != 1 || !candidates[0].IsShared || candidates[0].SharedGroupID == "" {
		t.Errorf("expected shared candidate, got %+v", candidates)
	}

	// Unhashable target: empty list, no error.
	seedIngredient(t, repo, "ing_empty", "Placeholder")
	seedReference(t, repo, "ing_empty", "cfg1", "")
	candidates, err = svc.FindCandidates(ctx, "ing_empty")
	if err != nil {
		t.Fatalf("FindCandidates for unhashable target failed: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("expected no candidates, got %+v", candidates)
	}
}

func TestIntegrityReportsCountDrift(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	seedIngredient(t, repo, "ing_a", "Calcium")
	seedIngredient(t, repo, "ing_b", "Calcium IV")
	keyA := seedReference(t, repo, "ing_a", "cfg1", "100 mg/kg/day")
	keyB := seedReference(t, repo, "ing_b", "cfg1", "100 mg/kg/day")

	group, err := svc.CreateSharedGroup(ctx, testActor, "ing_a", []store.RefKey{keyA, keyB})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	report, err := svc.CheckGroupIntegrity(ctx, group.ID)
	if err != nil {
		t.Fatalf("integrity check failed: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("fresh group should be clean, got %+v", report)
	}

	// Two racing add calls for the same key both pass the membership
	// pre-check: the second ArrayUnion is a no-op but its Increment still
	// lands, leaving sharedCount ahead of the member list.
	drift := &docstore.Batch{}
	drift.Update(store.CollectionIngredients, "ing_a", docstore.Fields{
		store.FieldSharedCount: docstore.Increment(1),
	})
	if err := repo.RunBatch(ctx, drift); err != nil {
		t.Fatalf("apply drift: %v", err)
	}

	report, err = svc.CheckGroupIntegrity(ctx, group.ID)
	if err != nil {
		t.Fatalf("integrity check failed: %v", err)
	}
	if !report.CountMismatch {
		t.Fatalf("expected CountMismatch after duplicate increment, got %+v", report)
	}
	if report.Clean() {
		t.Error("drifted group must not report clean")
	}
}

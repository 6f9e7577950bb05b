package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/miradorstack/mirador-twin/internal/models"
	"github.com/miradorstack/mirador-twin/internal/repo"
	"github.com/miradorstack/mirador-twin/internal/utils"
)

func TestBuildPatch(t *testing.T) {
	r := NewReconciler(repo.NewMemoryStore(nil), PatchFields{}, quietLogger())
	want := models.Tree{
		"HealthPrediction": "FAULT_PREDICTED",
		"BallBearings":     map[string]any{"faultPredicted": true, "$metadata": map[string]any{}},
	}
	if diff := cmp.Diff(want, r.BuildPatch(models.LabelFaultPredicted)); diff != "" {
		t.Fatalf("patch mismatch (-want +got):\n%s", diff)
	}
	if got := r.BuildPatch(models.LabelNormal)["HealthPrediction"]; got != "OK" {
		t.Fatalf("expected OK for NORMAL, got %v", got)
	}
}

func TestApplyUpsertsOnceAndPreservesFields(t *testing.T) {
	ctx := context.Background()
	twins := stationTwins("Station1")
	store := repo.NewMemoryStore(twins)
	dir := NewDirectory(twins, time.Now())
	r := NewReconciler(store, DefaultPatchFields(), quietLogger())

	if _, err := r.Apply(ctx, dir, "Station1", models.LabelFaultPredicted); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if store.Upserts("Station1") != 1 {
		t.Fatalf("expected exactly one upsert, got %d", store.Upserts("Station1"))
	}

	got, _ := store.Entity("Station1")
	want := stationTwin("Station1")
	want["HealthPrediction"] = "FAULT_PREDICTED"
	want["BallBearings"].(map[string]any)["faultPredicted"] = true
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("twin mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	twins := stationTwins("Station3")
	store := repo.NewMemoryStore(twins)
	dir := NewDirectory(twins, time.Now())
	r := NewReconciler(store, DefaultPatchFields(), quietLogger())

	if _, err := r.Apply(ctx, dir, "Station3", models.LabelNormal); err != nil {
		t.Fatalf("apply: %v", err)
	}
	once, _ := store.Entity("Station3")
	if _, err := r.Apply(ctx, dir, "Station3", models.LabelNormal); err != nil {
		t.Fatalf("apply: %v", err)
	}
	twice, _ := store.Entity("Station3")
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Fatalf("second application changed state (-once +twice):\n%s", diff)
	}
}

func TestApplySkipsUnknownEntity(t *testing.T) {
	store := repo.NewMemoryStore(stationTwins("Station1"))
	dir := NewDirectory(stationTwins("Station1"), time.Now())
	var logs bytes.Buffer
	r := NewReconciler(store, DefaultPatchFields(), utils.NewLoggerTo(&logs, "debug", true))

	_, err := r.Apply(context.Background(), dir, "StationZZZ", models.LabelFaultPredicted)
	if !errors.Is(err, utils.ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
	if store.Upserts("") != 0 {
		t.Fatalf("expected zero upserts, got %d", store.Upserts(""))
	}

	var skips int
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if entry["level"] == "WARN" && entry["source_id"] == "StationZZZ" {
			skips++
		}
	}
	if skips != 1 {
		t.Fatalf("expected exactly one logged skip, got %d in:\n%s", skips, logs.String())
	}
}

func TestApplyFallsBackToSnapshotWhenStoreLacksTwin(t *testing.T) {
	store := repo.NewMemoryStore(nil)
	dir := NewDirectory(stationTwins("Station4"), time.Now())
	r := NewReconciler(store, DefaultPatchFields(), quietLogger())

	if _, err := r.Apply(context.Background(), dir, "Station4", models.LabelNormal); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, ok := store.Entity("Station4")
	if !ok {
		t.Fatalf("expected Station4 to be created")
	}
	if got["Line"] != "Munich-1" || got["HealthPrediction"] != "OK" {
		t.Fatalf("expected snapshot fields merged with patch, got %+v", got)
	}
}

func TestApplyPropagatesTransientFailure(t *testing.T) {
	twins := stationTwins("Station5")
	store := &flakyStore{MemoryStore: repo.NewMemoryStore(twins), failUpserts: 1}
	r := NewReconciler(store, DefaultPatchFields(), quietLogger())

	_, err := r.Apply(context.Background(), NewDirectory(twins, time.Now()), "Station5", models.LabelNormal)
	if !errors.Is(err, utils.ErrTransientStore) {
		t.Fatalf("expected ErrTransientStore, got %v", err)
	}
}

func TestDirectoryLookupReturnsCopies(t *testing.T) {
	dir := NewDirectory(stationTwins("Station1"), time.Now())
	tree, _ := dir.Lookup("Station1")
	tree["Line"] = "changed"
	again, _ := dir.Lookup("Station1")
	if again["Line"] != "Munich-1" {
		t.Fatalf("directory snapshot was mutated through Lookup")
	}
	if dir.Len() != 1 {
		t.Fatalf("unexpected directory size")
	}
}

package sweep

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/aws/smithy-go"

	"github.com/nimbusops/amicycle/internal/aws"
)

type mockClient struct {
	account      string
	pages        [][]aws.Snapshot
	images       []aws.Image
	deleteErr    map[string]error
	deregErr     map[string]error
	deleted      []string
	deregistered []string
	tokens       []string
	pageSizes    []int32
}

func (m *mockClient) CallerAccount(ctx context.Context) (string, error) {
	return m.account, nil
}

func (m *mockClient) SnapshotPage(ctx context.Context, pageSize int32, token string) ([]aws.Snapshot, string, error) {
	m.tokens = append(m.tokens, token)
	m.pageSizes = append(m.pageSizes, pageSize)
	page := len(m.tokens) - 1
	if page >= len(m.pages) {
		return nil, "", nil
	}
	next := ""
	if page < len(m.pages)-1 {
		next = "token-" + string(rune('1'+page))
	}
	return m.pages[page], next, nil
}

func (m *mockClient) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	if err := m.deleteErr[snapshotID]; err != nil {
		return err
	}
	m.deleted = append(m.deleted, snapshotID)
	return nil
}

func (m *mockClient) OwnedImages(ctx context.Context) ([]aws.Image, error) {
	return m.images, nil
}

func (m *mockClient) DeregisterImage(ctx context.Context, imageID string) error {
	if err := m.deregErr[imageID]; err != nil {
		return err
	}
	m.deregistered = append(m.deregistered, imageID)
	return nil
}

func newTestSweeper(client Client) (*Sweeper, *[]time.Duration) {
	sweeper := New(client, Config{})
	sleeps := &[]time.Duration{}
	sweeper.sleep = func(d time.Duration) { *sleeps = append(*sleeps, d) }
	return sweeper, sleeps
}

const account = "123456789012"

func TestSweepSnapshotsPolicy(t *testing.T) {
	client := &mockClient{
		account: account,
		pages: [][]aws.Snapshot{{
			{ID: "snap-1", Name: "nightly_BACKUP", OwnerID: account},
			{ID: "snap-2", Name: "nightly", OwnerID: account},
			{ID: "snap-3", Name: "nightly", OwnerID: "999999999999"},
			{ID: "snap-4", OwnerID: account},
		}},
	}
	sweeper, _ := newTestSweeper(client)

	report, err := sweeper.SweepSnapshots(context.Background())
	if err != nil {
		t.Fatalf("SweepSnapshots: %v", err)
	}
	if want := []string{"snap-2", "snap-4"}; !reflect.DeepEqual(report.Deleted, want) {
		t.Errorf("Deleted = %v, want %v", report.Deleted, want)
	}
	if want := []string{"snap-1", "snap-3"}; !reflect.DeepEqual(report.Retained, want) {
		t.Errorf("Retained = %v, want %v", report.Retained, want)
	}
}

func TestSweepSnapshotsInUseRetained(t *testing.T) {
	client := &mockClient{
		account: account,
		pages: [][]aws.Snapshot{{
			{ID: "snap-1", OwnerID: account},
			{ID: "snap-2", OwnerID: account},
		}},
		deleteErr: map[string]error{
			"snap-1": &smithy.GenericAPIError{Code: "InvalidSnapshot.InUse", Message: "in use"},
		},
	}
	sweeper, _ := newTestSweeper(client)

	report, err := sweeper.SweepSnapshots(context.Background())
	if err != nil {
		t.Fatalf("SweepSnapshots: %v", err)
	}
	if want := []string{"snap-1"}; !reflect.DeepEqual(report.Retained, want) {
		t.Errorf("Retained = %v, want %v", report.Retained, want)
	}
	if want := []string{"snap-2"}; !reflect.DeepEqual(report.Deleted, want) {
		t.Errorf("Deleted = %v, want %v", report.Deleted, want)
	}
}

func TestSweepSnapshotsAbortsOnDeleteError(t *testing.T) {
	client := &mockClient{
		account: account,
		pages: [][]aws.Snapshot{{
			{ID: "snap-1", OwnerID: account},
			{ID: "snap-2", OwnerID: account},
			{ID: "snap-3", OwnerID: account},
		}},
		deleteErr: map[string]error{
			"snap-2": errors.New("access denied"),
		},
	}
	sweeper, _ := newTestSweeper(client)

	report, err := sweeper.SweepSnapshots(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if want := []string{"snap-1"}; !reflect.DeepEqual(report.Deleted, want) {
		t.Errorf("Deleted = %v, want %v", report.Deleted, want)
	}
	if len(client.deleted) != 1 {
		t.Errorf("deletes after abort = %v, want 1", len(client.deleted))
	}
}

func TestSweepSnapshotsPaginates(t *testing.T) {
	client := &mockClient{
		account: account,
		pages: [][]aws.Snapshot{
			{{ID: "snap-1", OwnerID: account}},
			{{ID: "snap-2", OwnerID: account}},
			{{ID: "snap-3", OwnerID: account}},
		},
	}
	sweeper, sleeps := newTestSweeper(client)

	report, err := sweeper.SweepSnapshots(context.Background())
	if err != nil {
		t.Fatalf("SweepSnapshots: %v", err)
	}
	if want := []string{"snap-1", "snap-2", "snap-3"}; !reflect.DeepEqual(report.Deleted, want) {
		t.Errorf("Deleted = %v, want %v", report.Deleted, want)
	}
	if want := []string{"", "token-1", "token-2"}; !reflect.DeepEqual(client.tokens, want) {
		t.Errorf("tokens = %v, want %v", client.tokens, want)
	}
	for i, size := range client.pageSizes {
		if size != DefaultPageSize {
			t.Errorf("pageSizes[%v] = %v, want %v", i, size, DefaultPageSize)
		}
	}
	if len(*sleeps) != 2 {
		t.Fatalf("sleeps = %v, want 2 (between pages only)", len(*sleeps))
	}
	for _, d := range *sleeps {
		if d != DefaultPageWait {
			t.Errorf("sleep = %v, want %v", d, DefaultPageWait)
		}
	}
}

func TestSweepImages(t *testing.T) {
	client := &mockClient{
		account: account,
		images: []aws.Image{
			{ID: "ami-1", Name: "web_TMP"},
			{ID: "ami-2", Name: "web_CURRENT"},
			{ID: "ami-3", Name: "db_TMP"},
		},
		deregErr: map[string]error{
			"ami-3": errors.New("image busy"),
		},
	}
	sweeper, _ := newTestSweeper(client)

	report, err := sweeper.SweepImages(context.Background())
	if err != nil {
		t.Fatalf("SweepImages: %v", err)
	}
	if want := []string{"ami-1"}; !reflect.DeepEqual(report.Deregistered, want) {
		t.Errorf("Deregistered = %v, want %v", report.Deregistered, want)
	}
	if want := []string{"ami-3"}; !reflect.DeepEqual(report.Retained, want) {
		t.Errorf("Retained = %v, want %v", report.Retained, want)
	}
	if want := []string{"ami-1"}; !reflect.DeepEqual(client.deregistered, want) {
		t.Errorf("deregistered calls = %v, want %v", client.deregistered, want)
	}
}

func TestNewDefaults(t *testing.T) {
	sweeper := New(&mockClient{}, Config{})
	if sweeper.config.ProtectedMarker != DefaultProtectedMarker {
		t.Errorf("ProtectedMarker = %v, want %v", sweeper.config.ProtectedMarker, DefaultProtectedMarker)
	}
	if sweeper.config.TempMarker != DefaultTempMarker {
		t.Errorf("TempMarker = %v, want %v", sweeper.config.TempMarker, DefaultTempMarker)
	}
	if sweeper.config.PageSize != DefaultPageSize {
		t.Errorf("PageSize = %v, want %v", sweeper.config.PageSize, DefaultPageSize)
	}
	if sweeper.config.PageWait != DefaultPageWait {
		t.Errorf("PageWait = %v, want %v", sweeper.config.PageWait, DefaultPageWait)
	}
}

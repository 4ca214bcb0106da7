package refresh

import (
	"context"
	"fmt"
	"os/user"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"

	"github.com/nimbusops/amicycle/internal/aws"
	"github.com/nimbusops/amicycle/internal/remote"
)

// mockClient and mockRunner share one op log so tests can assert that
// the image capture happens inside the freeze window.
type mockClient struct {
	ops *[]string

	instance     aws.Instance
	image        aws.Image
	imageErr     error
	backupID     string
	nameReleased bool
	createErr    error
}

func (m *mockClient) record(format string, args ...any) {
	*m.ops = append(*m.ops, fmt.Sprintf(format, args...))
}

func (m *mockClient) FindRunningInstance(ctx context.Context, name string) (aws.Instance, error) {
	m.record("find-instance %v", name)
	return m.instance, nil
}

func (m *mockClient) FindImageByName(ctx context.Context, name string) (aws.Image, error) {
	m.record("find-image %v", name)
	return m.image, m.imageErr
}

func (m *mockClient) CopyImage(ctx context.Context, sourceImageID, name string) (string, error) {
	m.record("copy %v %v", sourceImageID, name)
	return m.backupID, nil
}

func (m *mockClient) CreateImage(ctx context.Context, instanceID, name string) (string, error) {
	m.record("create-image %v %v", instanceID, name)
	return "ami-new", m.createErr
}

func (m *mockClient) DeregisterImage(ctx context.Context, imageID string) error {
	m.record("deregister-image %v", imageID)
	return nil
}

func (m *mockClient) ImageNameExists(ctx context.Context, name string) (bool, error) {
	m.record("name-exists %v", name)
	return !m.nameReleased, nil
}

type mockRunner struct {
	ops  *[]string
	fail map[string]error
}

func (m *mockRunner) Run(ctx context.Context, command string) (remote.Result, error) {
	*m.ops = append(*m.ops, command)
	if err := m.fail[command]; err != nil {
		return remote.Result{}, err
	}
	return remote.Result{Completed: true}, nil
}

func happyClient(ops *[]string) *mockClient {
	return &mockClient{
		ops:          ops,
		instance:     aws.Instance{ID: "i-1", Name: "pg-primary", State: "running"},
		image:        aws.Image{ID: "ami-current", Name: "pg-primary_CURRENT", State: "available"},
		backupID:     "ami-backup",
		nameReleased: true,
	}
}

func newTestRefresher(t *testing.T, client *mockClient, runner *mockRunner, config Config) *Refresher {
	t.Helper()
	if config.Operator == "" {
		config.Operator = "root"
	}
	config.Interval = time.Microsecond
	config.Timeout = 5 * time.Microsecond
	refresher, err := New(client, runner, config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	refresher.currentUser = func() (*user.User, error) {
		return &user.User{Username: "root"}, nil
	}
	return refresher
}

func TestRefresh(t *testing.T) {
	var ops []string
	client := happyClient(&ops)
	runner := &mockRunner{ops: &ops}
	refresher := newTestRefresher(t, client, runner, Config{})

	if err := refresher.Refresh(context.Background(), "pg-primary.prod.example.com"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	want := []string{
		"find-image pg-primary_CURRENT",
		"find-instance pg-primary",
		"copy ami-current pg-primary_TMP",
		"deregister-image ami-current",
		"name-exists pg-primary_CURRENT",
		"sudo service postgresql stop",
		"sudo fsfreeze --freeze /var/opt",
		"create-image i-1 pg-primary_CURRENT",
		"sudo fsfreeze --unfreeze /var/opt",
		"sudo service postgresql start",
	}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("ops[%v] = %v, want %v", i, ops[i], want[i])
		}
	}
}

func TestRefreshReleasesOnCreateFailure(t *testing.T) {
	var ops []string
	client := happyClient(&ops)
	client.createErr = trace.LimitExceeded("too many pending images")
	runner := &mockRunner{ops: &ops}
	refresher := newTestRefresher(t, client, runner, Config{})

	if err := refresher.Refresh(context.Background(), "pg-primary.prod.example.com"); err != nil {
		t.Fatalf("Refresh: %v, want nil after a logged create failure", err)
	}

	tail := ops[len(ops)-2:]
	if tail[0] != "sudo fsfreeze --unfreeze /var/opt" || tail[1] != "sudo service postgresql start" {
		t.Errorf("final ops = %v, want the unfreeze and restart", tail)
	}
}

func TestRefreshThawsInReverseOrder(t *testing.T) {
	var ops []string
	client := happyClient(&ops)
	runner := &mockRunner{ops: &ops}
	refresher := newTestRefresher(t, client, runner, Config{
		Filesystems: []string{"/var/opt", "/var/lib"},
	})

	if err := refresher.Refresh(context.Background(), "pg-primary.prod.example.com"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	want := []string{
		"sudo fsfreeze --freeze /var/opt",
		"sudo fsfreeze --freeze /var/lib",
		"create-image i-1 pg-primary_CURRENT",
		"sudo fsfreeze --unfreeze /var/lib",
		"sudo fsfreeze --unfreeze /var/opt",
		"sudo service postgresql start",
	}
	got := ops[len(ops)-len(want):]
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ops[%v] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRefreshFreezeFailureReleases(t *testing.T) {
	var ops []string
	client := happyClient(&ops)
	runner := &mockRunner{
		ops: &ops,
		fail: map[string]error{
			"sudo fsfreeze --freeze /var/lib": trace.ConnectionProblem(nil, "session lost"),
		},
	}
	refresher := newTestRefresher(t, client, runner, Config{
		Filesystems: []string{"/var/opt", "/var/lib"},
	})

	if err := refresher.Refresh(context.Background(), "pg-primary.prod.example.com"); err == nil {
		t.Fatal("expected error")
	}

	joined := strings.Join(ops, "\n")
	if !strings.Contains(joined, "sudo fsfreeze --unfreeze /var/opt") {
		t.Error("the frozen filesystem was not thawed")
	}
	if strings.Contains(joined, "sudo fsfreeze --unfreeze /var/lib") {
		t.Error("unexpected thaw of a filesystem that never froze")
	}
	if strings.Contains(joined, "create-image") {
		t.Error("unexpected image creation after a freeze failure")
	}
	if ops[len(ops)-1] != "sudo service postgresql start" {
		t.Errorf("last op = %v, want the service restart", ops[len(ops)-1])
	}
}

func TestRefreshOperatorMismatch(t *testing.T) {
	var ops []string
	client := happyClient(&ops)
	runner := &mockRunner{ops: &ops}
	refresher := newTestRefresher(t, client, runner, Config{})
	refresher.currentUser = func() (*user.User, error) {
		return &user.User{Username: "jenkins"}, nil
	}

	err := refresher.Refresh(context.Background(), "pg-primary.prod.example.com")
	if !trace.IsBadParameter(err) {
		t.Fatalf("err = %v, want BadParameter", err)
	}
	for _, op := range ops {
		if strings.HasPrefix(op, "sudo") {
			t.Errorf("unexpected remote command %v after an operator mismatch", op)
		}
	}
}

func TestRefreshTimesOutWhenNameNotReleased(t *testing.T) {
	var ops []string
	client := happyClient(&ops)
	client.nameReleased = false
	runner := &mockRunner{ops: &ops}
	refresher := newTestRefresher(t, client, runner, Config{})

	err := refresher.Refresh(context.Background(), "pg-primary.prod.example.com")
	if !trace.IsLimitExceeded(err) {
		t.Fatalf("err = %v, want LimitExceeded", err)
	}
	for _, op := range ops {
		if strings.HasPrefix(op, "sudo") {
			t.Errorf("unexpected remote command %v after the release wait timed out", op)
		}
	}
}

func TestRefreshRejectsUnusableFQDN(t *testing.T) {
	var ops []string
	client := happyClient(&ops)
	runner := &mockRunner{ops: &ops}
	refresher := newTestRefresher(t, client, runner, Config{})

	err := refresher.Refresh(context.Background(), ".example.com")
	if !trace.IsBadParameter(err) {
		t.Fatalf("err = %v, want BadParameter", err)
	}
	if len(ops) != 0 {
		t.Errorf("ops = %v, want none", ops)
	}
}

func TestNewRequiresOperator(t *testing.T) {
	var ops []string
	_, err := New(happyClient(&ops), &mockRunner{ops: &ops}, Config{})
	if !trace.IsBadParameter(err) {
		t.Fatalf("err = %v, want BadParameter", err)
	}
}

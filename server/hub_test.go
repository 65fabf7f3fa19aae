package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/derivkit/jobhub/am"
	"github.com/derivkit/jobhub/client"
	"github.com/derivkit/jobhub/errors"
	hubtest "github.com/derivkit/jobhub/internal/testing"
	"github.com/derivkit/jobhub/jobs"
	"github.com/derivkit/jobhub/keystore"
	"github.com/derivkit/jobhub/workers"
)

// ============================================================================
// Archive night shift
//
//   - The hub hands out archive jobs from the vault database
//   - Ada is a trusted worker whose public key sits in the trusted dir
//   - Mallory has a valid keypair that nobody trusted
// ============================================================================

type hubFixture struct {
	hub     *Hub
	cfg     *am.Config
	hubKey  *keystore.Keypair
	ada     *keystore.Keypair
	mallory *keystore.Keypair
	store   *jobs.Store
	reg     *workers.Registry
}

func testConfig(t *testing.T) (*am.Config, *keystore.Keypair) {
	t.Helper()
	dir := t.TempDir()
	trusted := filepath.Join(dir, "trusted")
	require.NoError(t, os.MkdirAll(trusted, 0755))

	hubKey, err := keystore.GenerateKeypair("hub")
	require.NoError(t, err)
	_, secret, err := hubKey.WriteFiles(filepath.Join(dir, "hub"))
	require.NoError(t, err)

	return &am.Config{
		Hub: am.HubConfig{
			Endpoint:        "127.0.0.1:0",
			Workers:         2,
			QueueSize:       16,
			MaxMessageBytes: 1 << 16,
		},
		Keystore: am.KeystoreConfig{
			Allow:      am.AllowAny,
			KeyFile:    secret,
			TrustedDir: trusted,
		},
	}, hubKey
}

func trust(t *testing.T, cfg *am.Config, name string) *keystore.Keypair {
	t.Helper()
	kp, err := keystore.GenerateKeypair(name)
	require.NoError(t, err)
	_, secret, err := kp.WriteFiles(filepath.Join(cfg.Keystore.TrustedDir, name))
	require.NoError(t, err)
	require.NoError(t, os.Remove(secret))
	return kp
}

func startHub(t *testing.T) *hubFixture {
	t.Helper()
	cfg, hubKey := testConfig(t)
	ada := trust(t, cfg, "ada")
	mallory, err := keystore.GenerateKeypair("mallory")
	require.NoError(t, err)

	database := hubtest.CreateTestDB(t)
	h, err := New(cfg, database, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.NoError(t, h.Start())
	t.Cleanup(func() { h.Stop(context.Background()) })

	return &hubFixture{
		hub:     h,
		cfg:     cfg,
		hubKey:  hubKey,
		ada:     ada,
		mallory: mallory,
		store:   jobs.NewStore(database),
		reg:     workers.NewRegistry(database),
	}
}

func (f *hubFixture) dial(t *testing.T, kp *keystore.Keypair) (*client.Client, string, error) {
	t.Helper()
	machineID := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Config{
		Endpoint:    f.hub.Addr().String(),
		MachineID:   machineID,
		MachineName: kp.Name + "-box",
		Keypair:     kp,
		HubKey:      f.hubKey.PublicKey,
	}, zaptest.NewLogger(t).Sugar())
	if err == nil {
		t.Cleanup(func() { c.Close() })
	}
	return c, machineID, err
}

func TestHubJobLifecycle(t *testing.T) {
	f := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job := jobs.NewJob("archive", "build", jobs.ArchitectureAny, 5)
	require.NoError(t, f.store.Create(ctx, job))

	ada, adaID, err := f.dial(t, f.ada)
	require.NoError(t, err)

	got, err := ada.RequestJob(ctx, []string{"build"}, []string{"amd64"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.UUID, got.UUID)
	assert.Equal(t, jobs.StatusScheduled, got.Status)

	require.NoError(t, ada.Accept(ctx, job.UUID))
	require.NoError(t, ada.Status(ctx, job.UUID, "packing 12/40"))
	require.NoError(t, ada.Succeed(ctx, job.UUID))

	none, err := ada.RequestJob(ctx, []string{"build"}, []string{"amd64"})
	require.NoError(t, err)
	assert.Nil(t, none)

	final, err := f.store.Get(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, final.Status)
	assert.Equal(t, jobs.ResultSuccessPending, final.Result)
	assert.Equal(t, "packing 12/40", final.LatestLogExcerpt)
	assert.Equal(t, "ada-box", final.WorkerName)

	w, err := f.reg.Get(ctx, adaID)
	require.NoError(t, err)
	assert.Equal(t, f.ada.DID(), w.Owner, "owner is the authenticated key")
}

func TestHubErrorReplies(t *testing.T) {
	f := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ada, _, err := f.dial(t, f.ada)
	require.NoError(t, err)

	require.NoError(t, ada.Send(ctx, []byte(`{"request":"job-teleport"}`)))
	reply, err := ada.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Request type is unknown."}`, string(reply))

	err = ada.Accept(ctx, "")
	var replyErr *client.ReplyError
	require.True(t, errors.As(err, &replyErr), "got %v", err)
	assert.Equal(t, "Request was malformed.", replyErr.Message)
}

func TestHubRejectsUntrustedKey(t *testing.T) {
	f := startHub(t)

	c, _, err := f.dial(t, f.mallory)
	if err == nil {
		// TLS 1.3 can report the server's verdict on the first read
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err = c.RequestJob(ctx, []string{"build"}, nil)
	}
	assert.Error(t, err)
}

func TestHubRejectsWrongHubKey(t *testing.T) {
	f := startHub(t)
	impostor, err := keystore.GenerateKeypair("impostor")
	require.NoError(t, err)
	f.hubKey = impostor

	_, _, err = f.dial(t, f.ada)
	assert.Error(t, err, "the worker refuses a hub whose key it did not pin")
}

func TestHubStopDrains(t *testing.T) {
	f := startHub(t)
	assert.Equal(t, StateRunning, f.hub.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.hub.Stop(ctx))
	assert.Equal(t, StateStopped, f.hub.State())

	select {
	case err := <-f.hub.Errors():
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve loop did not exit")
	}
	assert.NoError(t, f.hub.Stop(ctx), "second stop is a no-op")
}

func TestNewRequiresHubKey(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Keystore.KeyFile = filepath.Join(t.TempDir(), "missing.key_secret")

	_, err := New(cfg, hubtest.CreateTestDB(t), zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
	assert.Contains(t, strings.Join(errors.GetAllHints(err), "\n"), "jobhub keygen --out")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg, _ := testConfig(t)
	h, err := New(cfg, hubtest.CreateTestDB(t), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return h.State() == StateRunning }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, h.State())
}

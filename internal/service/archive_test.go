package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/vaultbridge/internal/crypto/clientcrypto"
	"github.com/and161185/vaultbridge/internal/datasource"
	"github.com/and161185/vaultbridge/internal/errs"
	"github.com/and161185/vaultbridge/internal/limiter"
	"github.com/and161185/vaultbridge/internal/model"
	"github.com/and161185/vaultbridge/internal/repository"
	"github.com/and161185/vaultbridge/internal/repository/sqlite"
	"github.com/and161185/vaultbridge/internal/source"
	"github.com/and161185/vaultbridge/internal/vault"
)

var fast = clientcrypto.KDFParams{Time: 1, Memory: 64, Threads: 1}

const master = "pa55-w0rd-that-must-not-leak"

type memDS struct {
	mu      sync.Mutex
	data    []byte
	loadErr error
	saves   int
}

var _ datasource.Datasource = (*memDS)(nil)

func (m *memDS) Load(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.data == nil {
		return nil, errs.ErrNotFound
	}
	return append([]byte(nil), m.data...), nil
}

func (m *memDS) Save(_ context.Context, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.data = append([]byte(nil), b...)
	return nil
}

func (m *memDS) snapshot() ([]byte, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...), m.saves
}

// fakeOpener hands out one in-memory datasource per distinct params value.
type fakeOpener struct {
	mu  sync.Mutex
	dss map[string]*memDS
}

var _ source.Opener = (*fakeOpener)(nil)

func (o *fakeOpener) Open(p datasource.Params) (datasource.Datasource, error) {
	return o.ds(p), nil
}

func (o *fakeOpener) ds(p datasource.Params) *memDS {
	o.mu.Lock()
	defer o.mu.Unlock()
	key, _ := datasource.Marshal(p)
	if o.dss[string(key)] == nil {
		o.dss[string(key)] = &memDS{}
	}
	return o.dss[string(key)]
}

type fakeOffline struct {
	mu   sync.Mutex
	data map[model.SourceID][]byte
}

var _ repository.OfflineRepository = (*fakeOffline)(nil)

func (f *fakeOffline) PutOffline(_ context.Context, id model.SourceID, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[id] = content
	return nil
}

func (f *fakeOffline) GetOffline(_ context.Context, id model.SourceID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.data[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return c, nil
}

func (f *fakeOffline) DeleteOffline(_ context.Context, id model.SourceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, id)
	return nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	ops      map[string]int
	failed   map[string]int
	unlocked int
}

func (r *fakeRecorder) ObserveOp(op string, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op]++
	if err != nil {
		r.failed[op]++
	}
}

func (r *fakeRecorder) SetUnlocked(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlocked = n
}

type env struct {
	svc    *ArchiveService
	opener *fakeOpener
	rec    *fakeRecorder
}

func newEnv(t *testing.T, mut ...func(*Config)) env {
	t.Helper()
	op := &fakeOpener{dss: map[string]*memDS{}}
	rec := &fakeRecorder{ops: map[string]int{}, failed: map[string]int{}}
	cfg := Config{
		Sealer:  clientcrypto.NewSealer(fast),
		Opener:  op,
		KDF:     fast,
		Metrics: rec,
		Log:     zaptest.NewLogger(t),
	}
	for _, m := range mut {
		m(&cfg)
	}
	svc := New(cfg)
	t.Cleanup(svc.Close)
	return env{svc: svc, opener: op, rec: rec}
}

func pw(s string) clientcrypto.Password { return clientcrypto.NewPassword(s) }

func local(path string) datasource.LocalFileParams { return datasource.LocalFileParams{Path: path} }

func (e env) add(t *testing.T, path string) model.SourceID {
	t.Helper()
	id, err := e.svc.AddSource(context.Background(), AddSourceRequest{
		Name: "vault " + path, Params: local(path), Password: pw(master), CreateIfMissing: true,
	})
	require.NoError(t, err)
	return id
}

func (e env) defaultGroup(t *testing.T, id model.SourceID) string {
	t.Helper()
	groups, err := e.svc.ArchiveGroups(id)
	require.NoError(t, err)
	for _, g := range groups {
		if !g.IsTrash() {
			return g.ID
		}
	}
	t.Fatal("no group")
	return ""
}

func (e env) addLogin(t *testing.T, id model.SourceID, title, url string) string {
	t.Helper()
	eid, err := e.svc.AddEntry(context.Background(), id, NewEntry{
		GroupID: e.defaultGroup(t, id), Title: title, Username: "me", Password: "secret", URL: url,
	})
	require.NoError(t, err)
	return eid
}

func TestAddSource_UnlocksAndLists(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	id := e.add(t, "/a.bcup")

	require.Equal(t, 1, e.svc.UnlockedCount())
	infos := e.svc.ListSources()
	require.Equal(t, []model.SourceInfo{{ID: id, Name: "vault /a.bcup", Type: model.SourceLocalFile, Status: model.StatusUnlocked}}, infos)
	name, err := e.svc.SourceName(id)
	require.NoError(t, err)
	require.Equal(t, "vault /a.bcup", name)
	require.Equal(t, 1, e.rec.unlocked)
	require.Equal(t, 1, e.rec.ops["add source"])
}

func TestAddSource_FailedUnlockRollsBack(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_, err := e.svc.AddSource(context.Background(), AddSourceRequest{Params: local("/missing.bcup"), Password: pw(master)})
	require.ErrorIs(t, err, errs.ErrNotFound)
	var opErr *errs.OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, "add source", opErr.Op)
	require.Empty(t, e.svc.ListSources())

	_, err = e.svc.AddSource(context.Background(), AddSourceRequest{Params: local(""), Password: pw(master)})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = e.svc.AddSource(context.Background(), AddSourceRequest{Params: local("/x"), Password: clientcrypto.Password{}})
	require.ErrorIs(t, err, errs.ErrInvalidCredentials)
	require.Equal(t, 3, e.rec.failed["add source"])
}

func TestUnlock_RoundTripAndWrongPassword(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	id := e.add(t, "/a.bcup")
	e.addLogin(t, id, "Mail", "mail.example.com")
	e.addLogin(t, id, "Bank", "bank.example.org")
	before := e.svc.SearchByTerm("a")

	require.NoError(t, e.svc.LockSource(ctx, id))
	require.Zero(t, e.svc.UnlockedCount())
	require.Empty(t, e.svc.SearchByTerm("a"))

	err := e.svc.UnlockSource(ctx, id, pw("wrong"))
	require.ErrorIs(t, err, errs.ErrInvalidCredentials)
	require.Equal(t, "invalid_credentials", errs.Kind(err))
	require.NotContains(t, err.Error(), master)
	require.Contains(t, err.Error(), string(id))
	require.Equal(t, model.StatusLocked, e.svc.ListSources()[0].Status)

	require.NoError(t, e.svc.UnlockSource(ctx, id, pw(master)))
	after := e.svc.SearchByTerm("a")
	require.Len(t, after, len(before))
	for i := range before {
		require.Equal(t, before[i].Entry, after[i].Entry)
	}

	require.ErrorIs(t, e.svc.UnlockSource(ctx, "nope", pw(master)), errs.ErrSourceNotFound)
	require.ErrorIs(t, e.svc.LockSource(ctx, "nope"), errs.ErrSourceNotFound)
}

func TestSaveSource_NotUnlocked(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	id := e.add(t, "/a.bcup")
	require.NoError(t, e.svc.LockSource(ctx, id))

	err := e.svc.SaveSource(ctx, id)
	require.ErrorIs(t, err, errs.ErrSourceNotFound)
	require.ErrorIs(t, err, errs.ErrInvalidState)

	require.ErrorIs(t, e.svc.SaveSource(ctx, "unknown"), errs.ErrSourceNotFound)
}

func TestSaveSource_Idempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	id := e.add(t, "/a.bcup")
	e.addLogin(t, id, "Mail", "")
	ds := e.opener.ds(local("/a.bcup"))
	data1, saves1 := ds.snapshot()

	require.NoError(t, e.svc.SaveSource(ctx, id))
	require.NoError(t, e.svc.SaveSource(ctx, id))
	data2, saves2 := ds.snapshot()
	require.Equal(t, data1, data2)
	require.Equal(t, saves1, saves2, "no drift means no write")
}

func TestSaveSource_MergesRemoteDrift(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	id := e.add(t, "/a.bcup")
	e.addLogin(t, id, "Local one", "")
	ds := e.opener.ds(local("/a.bcup"))

	// another device adds an entry to the remote archive
	data, _ := ds.snapshot()
	rv, key, err := vault.Decrypt(data, pw(master))
	require.NoError(t, err)
	rid, err := rv.CreateEntry(e.defaultGroup(t, id))
	require.NoError(t, err)
	require.NoError(t, rv.SetProperty(rid, vault.PropertyTitle, "Remote one"))
	data, err = vault.Encrypt(rv, key)
	require.NoError(t, err)
	require.NoError(t, ds.Save(ctx, data))

	require.NoError(t, e.svc.SaveSource(ctx, id))
	got := e.svc.SearchByTerm("one")
	require.Len(t, got, 2)

	data, _ = ds.snapshot()
	final, _, err := vault.Decrypt(data, pw(master))
	require.NoError(t, err)
	require.Len(t, final.Entries(), 2)
}

func TestAutoUpdate_MergesWithoutWriting(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	id := e.add(t, "/a.bcup")
	ds := e.opener.ds(local("/a.bcup"))

	data, _ := ds.snapshot()
	rv, key, err := vault.Decrypt(data, pw(master))
	require.NoError(t, err)
	rid, err := rv.CreateEntry(e.defaultGroup(t, id))
	require.NoError(t, err)
	require.NoError(t, rv.SetProperty(rid, vault.PropertyTitle, "From elsewhere"))
	data, err = vault.Encrypt(rv, key)
	require.NoError(t, err)
	require.NoError(t, ds.Save(ctx, data))
	_, saves := ds.snapshot()

	require.NoError(t, e.svc.updateAll(ctx))
	require.Len(t, e.svc.SearchByTerm("elsewhere"), 1)
	_, savesAfter := ds.snapshot()
	require.Equal(t, saves, savesAfter)

	ds.mu.Lock()
	ds.loadErr = errs.ErrTransport
	ds.mu.Unlock()
	require.ErrorIs(t, e.svc.updateAll(ctx), errs.ErrTransport)
}

func TestAddEntry_SaveFailureReportedAsAddEntry(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	id := e.add(t, "/a.bcup")
	group := e.defaultGroup(t, id)

	ds := e.opener.ds(local("/a.bcup"))
	ds.mu.Lock()
	ds.loadErr = errs.ErrTransport
	ds.mu.Unlock()

	_, err := e.svc.AddEntry(context.Background(), id, NewEntry{GroupID: group, Title: "Bank", Password: "x"})
	require.ErrorIs(t, err, errs.ErrTransport)
	var opErr *errs.OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, "add entry", opErr.Op)
	require.Equal(t, 1, strings.Count(err.Error(), "source "+string(id)))

	e.rec.mu.Lock()
	defer e.rec.mu.Unlock()
	require.Equal(t, 1, e.rec.failed["add entry"])
	require.Zero(t, e.rec.ops["save source"])
}

func TestSearch_AcrossSources(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	a := e.add(t, "/a.bcup")
	b := e.add(t, "/b.bcup")
	e.addLogin(t, a, "Example mail", "https://mail.example.com/login")
	e.addLogin(t, b, "Example bare", "example.com")
	e.addLogin(t, b, "Other", "example.org")
	trashed := e.addLogin(t, a, "Trashed", "https://example.com")

	// trash one entry directly in the vault
	src, ok := e.svc.reg.Get(a)
	require.True(t, ok)
	ws, _ := src.Workspace()
	require.NoError(t, ws.Vault().TrashEntry(trashed))

	byURL := e.svc.SearchByURL("https://mail.example.com/login")
	require.Len(t, byURL, 2)
	require.Equal(t, a, byURL[0].SourceID)
	require.Equal(t, b, byURL[1].SourceID)

	byTerm := e.svc.SearchByTerm("example")
	require.Len(t, byTerm, 3)
	require.Equal(t, "Example mail", byTerm[0].Entry.Title())
	require.Equal(t, "Example bare", byTerm[1].Entry.Title())
	require.Equal(t, "Other", byTerm[2].Entry.Title())
}

func TestRemoveSource_LocksAndForgets(t *testing.T) {
	t.Parallel()
	off := &fakeOffline{data: map[model.SourceID][]byte{}}
	e := newEnv(t, func(c *Config) { c.Offline = off })
	ctx := context.Background()
	id := e.add(t, "/a.bcup")
	require.Contains(t, off.data, id)

	src, _ := e.svc.reg.Get(id)
	require.NoError(t, e.svc.RemoveSource(ctx, id))
	require.Equal(t, model.StatusLocked, src.Status())
	_, err := e.svc.SourceName(id)
	require.ErrorIs(t, err, errs.ErrSourceNotFound)
	require.NotContains(t, off.data, id)
	require.ErrorIs(t, e.svc.RemoveSource(ctx, id), errs.ErrSourceNotFound)
}

func TestLockAllSources(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.add(t, "/a.bcup")
	e.add(t, "/b.bcup")
	require.Equal(t, 2, e.svc.UnlockedCount())
	require.NoError(t, e.svc.LockAllSources(context.Background()))
	require.Zero(t, e.svc.UnlockedCount())
	require.Zero(t, e.rec.unlocked)
}

func TestUnlock_OfflineFallback(t *testing.T) {
	t.Parallel()
	off := &fakeOffline{data: map[model.SourceID][]byte{}}
	e := newEnv(t, func(c *Config) { c.Offline = off })
	ctx := context.Background()
	id := e.add(t, "/a.bcup")
	e.addLogin(t, id, "Cached", "")
	require.NoError(t, e.svc.LockSource(ctx, id))
	require.NoError(t, e.svc.UnlockSource(ctx, id, pw(master)))
	require.NoError(t, e.svc.LockSource(ctx, id))

	ds := e.opener.ds(local("/a.bcup"))
	ds.mu.Lock()
	ds.loadErr = errs.ErrTransport
	ds.mu.Unlock()

	require.NoError(t, e.svc.UnlockSource(ctx, id, pw(master)))
	require.Len(t, e.svc.SearchByTerm("cached"), 1)
}

func TestUnlock_TransportFailureWithoutOfflineCopy(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	id := e.add(t, "/a.bcup")
	require.NoError(t, e.svc.LockSource(ctx, id))
	ds := e.opener.ds(local("/a.bcup"))
	ds.mu.Lock()
	ds.loadErr = errs.ErrTransport
	ds.mu.Unlock()

	err := e.svc.UnlockSource(ctx, id, pw(master))
	require.ErrorIs(t, err, errs.ErrTransport)
	require.Equal(t, model.StatusError, e.svc.ListSources()[0].Status)
}

func TestUnlock_RateLimited(t *testing.T) {
	t.Parallel()
	lim := limiter.NewMemory(limiter.Policy{Window: time.Minute, MaxFails: 2, BlockFor: time.Minute}, nil)
	e := newEnv(t, func(c *Config) { c.Limiter = lim })
	ctx := context.Background()
	id := e.add(t, "/a.bcup")
	require.NoError(t, e.svc.LockSource(ctx, id))

	require.ErrorIs(t, e.svc.UnlockSource(ctx, id, pw("bad")), errs.ErrInvalidCredentials)
	err := e.svc.UnlockSource(ctx, id, pw("bad"))
	require.ErrorIs(t, err, errs.ErrInvalidCredentials)
	require.ErrorIs(t, err, errs.ErrRateLimited)

	err = e.svc.UnlockSource(ctx, id, pw(master))
	require.ErrorIs(t, err, errs.ErrRateLimited)
	require.Equal(t, "rate_limited", errs.Kind(err))
}

func TestEntryQueries(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	id := e.add(t, "/a.bcup")
	eid := e.addLogin(t, id, "Forum", "forum.example.net/login")
	bare := e.addLogin(t, id, "No URL", "")

	got, err := e.svc.GetEntry(id, eid)
	require.NoError(t, err)
	require.Equal(t, "Forum", got.Title())
	require.Equal(t, "me", got.Username())

	path, err := e.svc.EntryPath(id, eid)
	require.NoError(t, err)
	require.Len(t, path, 1)

	u, err := e.svc.EntryLoginURL(id, eid)
	require.NoError(t, err)
	require.Equal(t, "https://forum.example.net/login", u)
	_, err = e.svc.EntryLoginURL(id, bare)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = e.svc.GetEntry(id, "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = e.svc.AddEntry(ctx, id, NewEntry{GroupID: "missing", Title: "x"})
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = e.svc.AddEntry(ctx, id, NewEntry{GroupID: e.defaultGroup(t, id)})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	require.NoError(t, e.svc.LockSource(ctx, id))
	_, err = e.svc.GetEntry(id, eid)
	require.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = e.svc.ArchiveGroups(id)
	require.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestNeedsUnlock(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(c *Config) { c.AutoUnlock = true })
	require.False(t, e.svc.NeedsUnlock())
	id := e.add(t, "/a.bcup")
	require.False(t, e.svc.NeedsUnlock())
	require.NoError(t, e.svc.LockSource(context.Background(), id))
	require.True(t, e.svc.NeedsUnlock())

	off := newEnv(t)
	off.add(t, "/a.bcup")
	require.NoError(t, off.svc.LockAllSources(context.Background()))
	require.False(t, off.svc.NeedsUnlock())
}

func TestAddMyButtercupSources(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	archives := []MyButtercupArchive{{ArchiveID: "1", Name: "Team"}, {OrgID: "org", ArchiveID: "2", Name: "Shared"}}

	// hosted archives exist already
	for _, a := range archives {
		v, err := vault.NewWithDefaults()
		require.NoError(t, err)
		key, err := vault.NewKey(pw(master), fast)
		require.NoError(t, err)
		data, err := vault.Encrypt(v, key)
		require.NoError(t, err)
		ds := e.opener.ds(datasource.MyButtercupParams{Token: "tok", OrgID: a.OrgID, ArchiveID: a.ArchiveID})
		require.NoError(t, ds.Save(ctx, data))
	}

	ids, err := e.svc.AddMyButtercupSources(ctx, "tok", archives, pw(master))
	require.NoError(t, err)
	require.Len(t, ids, 2)
	infos := e.svc.ListSources()
	require.Equal(t, "Team", infos[0].Name)
	require.Equal(t, model.SourceMyButtercup, infos[1].Type)

	ids, err = e.svc.AddMyButtercupSources(ctx, "tok", []MyButtercupArchive{{ArchiveID: "1", Name: "Again"}, {ArchiveID: "404"}}, pw(master))
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Len(t, ids, 1)

	_, err = e.svc.AddMyButtercupSources(ctx, "tok", nil, pw(master))
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestRestore_FromSQLiteStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, ":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := newEnv(t, func(c *Config) { c.Sources = store; c.Offline = store })
	id := e.add(t, "/a.bcup")
	e.addLogin(t, id, "Persisted", "")

	recs, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	for _, rec := range recs {
		require.False(t, strings.Contains(string(rec.SourceCredentials)+string(rec.ArchiveCredentials)+rec.Name, master))
	}

	// a new process with the same store and datasources
	restarted := New(Config{Sources: store, Offline: store, Sealer: clientcrypto.NewSealer(fast), Opener: e.opener, KDF: fast})
	t.Cleanup(restarted.Close)
	require.NoError(t, restarted.Restore(ctx))
	infos := restarted.ListSources()
	require.Len(t, infos, 1)
	require.Equal(t, id, infos[0].ID)
	require.Equal(t, model.StatusLocked, infos[0].Status)

	require.NoError(t, restarted.UnlockSource(ctx, id, pw(master)))
	require.Len(t, restarted.SearchByTerm("persisted"), 1)
}

func TestConcurrentSavesOnDifferentSources(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	ids := []model.SourceID{e.add(t, "/a.bcup"), e.add(t, "/b.bcup"), e.add(t, "/c.bcup")}

	groups := map[model.SourceID]string{}
	for _, id := range ids {
		groups[id] = e.defaultGroup(t, id)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 30)
	for i := 0; i < 10; i++ {
		for _, id := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.svc.AddEntry(ctx, id, NewEntry{GroupID: groups[id], Title: "t"})
				errCh <- err
			}()
		}
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	require.Len(t, e.svc.SearchByTerm("t"), 30)
}

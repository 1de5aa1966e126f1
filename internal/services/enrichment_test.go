package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichflow/backend/internal/engine"
	"enrichflow/backend/internal/repository"
	"enrichflow/backend/pkg/models"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Warn(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// memStore is an in-memory implementation of Store plus the coalescer's
// entity CAS.
type memStore struct {
	mu sync.Mutex

	steps       map[string]*models.StepDefinition
	configs     map[string]*models.StepConfig
	items       map[string]*models.WorkItem
	itemStatus  map[string]models.WorkflowStatus
	itemMeta    map[string]*models.Meta
	entities    map[string]string // dedup key -> entity id
	entitySteps map[string]*models.EntityWorkflowState
	results     []*models.ResultRecord
}

func newMemStore() *memStore {
	return &memStore{
		steps:       make(map[string]*models.StepDefinition),
		configs:     make(map[string]*models.StepConfig),
		items:       make(map[string]*models.WorkItem),
		itemStatus:  make(map[string]models.WorkflowStatus),
		itemMeta:    make(map[string]*models.Meta),
		entities:    make(map[string]string),
		entitySteps: make(map[string]*models.EntityWorkflowState),
	}
}

func (m *memStore) StepDefinition(ctx context.Context, slug string) (*models.StepDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.steps[slug]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", slug, repository.ErrNotFound)
	}
	return def, nil
}

func (m *memStore) StepConfig(ctx context.Context, itemID, stepSlug string) (*models.StepConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configs[stepSlug], nil
}

func (m *memStore) WorkItem(ctx context.Context, itemID string) (*models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", itemID, repository.ErrNotFound)
	}
	return item, nil
}

func (m *memStore) SetItemStatus(ctx context.Context, itemID, stepName string, status models.WorkflowStatus, meta *models.Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := itemID + "/" + stepName
	m.itemStatus[key] = status
	m.itemMeta[key] = meta
	return nil
}

func (m *memStore) SetEntityStepStatus(ctx context.Context, entityID, stepName string, status models.WorkflowStatus, meta *models.Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityID + "/" + stepName
	es, ok := m.entitySteps[key]
	if !ok {
		es = &models.EntityWorkflowState{EntityID: entityID, StepName: stepName}
		m.entitySteps[key] = es
	}
	es.Status = status
	es.Meta = meta
	return nil
}

func (m *memStore) ResolveEntity(ctx context.Context, kind models.EntityKind, dedupKey string, name *string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(kind) + "/" + dedupKey
	if id, ok := m.entities[key]; ok {
		return id, nil
	}
	id := uuid.New().String()
	m.entities[key] = id
	return id, nil
}

func (m *memStore) TryStartEntityStep(ctx context.Context, entityID, stepName, triggeredBy string) (bool, models.WorkflowStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityID + "/" + stepName
	if es, ok := m.entitySteps[key]; ok {
		if es.Status == models.StatusPending || es.Status == models.StatusFailed {
			es.Status = models.StatusInProgress
			es.TriggeredBy = &triggeredBy
			return true, es.Status, nil
		}
		return false, es.Status, nil
	}
	m.entitySteps[key] = &models.EntityWorkflowState{
		EntityID: entityID, StepName: stepName,
		Status: models.StatusInProgress, TriggeredBy: &triggeredBy,
	}
	return true, models.StatusInProgress, nil
}

func (m *memStore) AppendResult(ctx context.Context, rec *models.ResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, rec)
	return nil
}

func (m *memStore) status(itemID, stepName string) models.WorkflowStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemStatus[itemID+"/"+stepName]
}

func (m *memStore) meta(itemID, stepName string) *models.Meta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemMeta[itemID+"/"+stepName]
}

// fakeWebhook records posts and can be told to fail.
type fakeWebhook struct {
	mu    sync.Mutex
	posts []string
	err   error
}

func (f *fakeWebhook) Post(ctx context.Context, url string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.posts = append(f.posts, url)
	return nil
}

// fakeArchiver records archived payloads.
type fakeArchiver struct {
	keys []string
	err  error
}

func (f *fakeArchiver) StorePayload(ctx context.Context, subjectID, stepName string, payload []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	key := stepName + "/" + subjectID
	f.keys = append(f.keys, key)
	return key, nil
}

func newTestService(store *memStore, webhook WebhookClient, archiver Archiver) (*EnrichmentService, *engine.Trigger) {
	logger := &NoOpLogger{}
	trigger := engine.NewTrigger()
	coalescer := engine.NewCoalescer(store, logger)
	return NewEnrichmentService(store, coalescer, webhook, archiver, trigger, logger), trigger
}

func seedItem(store *memStore, id string, companyDomain string) *models.WorkItem {
	item := &models.WorkItem{ID: id, BatchID: "b1"}
	if companyDomain != "" {
		item.CompanyDomain = &companyDomain
		name := "Some Co"
		item.CompanyName = &name
	}
	store.items[id] = item
	return item
}

func task(itemID, step string) engine.Task {
	return engine.Task{StateID: "st-" + itemID, BatchID: "b1", ItemID: itemID, StepName: step}
}

func triggered(tr *engine.Trigger) bool {
	select {
	case <-tr.C():
		return true
	default:
		return false
	}
}

func TestSendUnknownStepFailsItem(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store, &fakeWebhook{}, nil)

	err := svc.Send(context.Background(), task("i1", "mystery"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, store.status("i1", "mystery"))
	meta := store.meta("i1", "mystery")
	require.NotNil(t, meta)
	assert.Equal(t, models.MetaError, meta.Kind)
}

func TestSendSyncStepCompletesInline(t *testing.T) {
	store := newMemStore()
	store.steps["normalize"] = &models.StepDefinition{Slug: "normalize", Kind: models.StepKindSync, EntityScope: models.ScopeItem}
	seedItem(store, "i1", "acme.com")

	svc, trigger := newTestService(store, &fakeWebhook{}, nil)
	svc.RegisterSyncHandler("normalize", func(ctx context.Context, item *models.WorkItem) (any, error) {
		return map[string]string{"domain": *item.CompanyDomain}, nil
	})

	err := svc.Send(context.Background(), task("i1", "normalize"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, store.status("i1", "normalize"))
	require.Len(t, store.results, 1)
	assert.Equal(t, models.SubjectItem, store.results[0].SubjectKind)
	assert.True(t, triggered(trigger), "completion should poke the trigger")
}

func TestSendSyncStepWithoutHandlerFails(t *testing.T) {
	store := newMemStore()
	store.steps["normalize"] = &models.StepDefinition{Slug: "normalize", Kind: models.StepKindSync, EntityScope: models.ScopeItem}
	seedItem(store, "i1", "acme.com")

	svc, _ := newTestService(store, &fakeWebhook{}, nil)
	err := svc.Send(context.Background(), task("i1", "normalize"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, store.status("i1", "normalize"))
}

func TestSendSyncHandlerErrorFailsItem(t *testing.T) {
	store := newMemStore()
	store.steps["normalize"] = &models.StepDefinition{Slug: "normalize", Kind: models.StepKindSync, EntityScope: models.ScopeItem}
	seedItem(store, "i1", "acme.com")

	svc, _ := newTestService(store, &fakeWebhook{}, nil)
	svc.RegisterSyncHandler("normalize", func(ctx context.Context, item *models.WorkItem) (any, error) {
		return nil, errors.New("boom")
	})

	err := svc.Send(context.Background(), task("i1", "normalize"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, store.status("i1", "normalize"))
	assert.Empty(t, store.results)
}

func TestSendAsyncPostsWebhookAndMarksInProgress(t *testing.T) {
	store := newMemStore()
	store.steps["email_finder"] = &models.StepDefinition{Slug: "email_finder", Kind: models.StepKindAsync, EntityScope: models.ScopeItem}
	store.configs["email_finder"] = &models.StepConfig{WebhookURL: "http://provider/email"}
	seedItem(store, "i1", "acme.com")

	webhook := &fakeWebhook{}
	svc, _ := newTestService(store, webhook, nil)

	err := svc.Send(context.Background(), task("i1", "email_finder"))
	require.NoError(t, err)

	require.Len(t, webhook.posts, 1)
	assert.Equal(t, "http://provider/email", webhook.posts[0])

	assert.Equal(t, models.StatusInProgress, store.status("i1", "email_finder"))
	meta := store.meta("i1", "email_finder")
	require.NotNil(t, meta)
	assert.Equal(t, models.MetaDispatch, meta.Kind)
	assert.Equal(t, "http://provider/email", meta.Dispatch.WebhookURL)
}

func TestSendAsyncWithoutConfigFails(t *testing.T) {
	store := newMemStore()
	store.steps["email_finder"] = &models.StepDefinition{Slug: "email_finder", Kind: models.StepKindAsync, EntityScope: models.ScopeItem}
	seedItem(store, "i1", "acme.com")

	webhook := &fakeWebhook{}
	svc, _ := newTestService(store, webhook, nil)

	err := svc.Send(context.Background(), task("i1", "email_finder"))
	require.NoError(t, err)

	assert.Empty(t, webhook.posts)
	assert.Equal(t, models.StatusFailed, store.status("i1", "email_finder"))
}

func TestSendAsyncWebhookErrorFailsItem(t *testing.T) {
	store := newMemStore()
	store.steps["email_finder"] = &models.StepDefinition{Slug: "email_finder", Kind: models.StepKindAsync, EntityScope: models.ScopeItem}
	store.configs["email_finder"] = &models.StepConfig{WebhookURL: "http://provider/email"}
	seedItem(store, "i1", "acme.com")

	svc, _ := newTestService(store, &fakeWebhook{err: errors.New("connection refused")}, nil)

	err := svc.Send(context.Background(), task("i1", "email_finder"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, store.status("i1", "email_finder"))
}

func TestSendCoalescesItemsSharingACompany(t *testing.T) {
	store := newMemStore()
	store.steps["company_enrich"] = &models.StepDefinition{Slug: "company_enrich", Kind: models.StepKindAsync, EntityScope: models.ScopeCompany}
	store.configs["company_enrich"] = &models.StepConfig{WebhookURL: "http://provider/company"}
	seedItem(store, "i1", "acme.com")
	seedItem(store, "i2", "https://www.acme.com/about") // same company, noisier domain
	seedItem(store, "i3", "acme.com")

	webhook := &fakeWebhook{}
	svc, _ := newTestService(store, webhook, nil)

	for _, id := range []string{"i1", "i2", "i3"} {
		require.NoError(t, svc.Send(context.Background(), task(id, "company_enrich")))
	}

	// exactly one external call for the shared entity
	assert.Len(t, webhook.posts, 1)
	assert.Equal(t, models.StatusInProgress, store.status("i1", "company_enrich"))

	for _, id := range []string{"i2", "i3"} {
		assert.Equal(t, models.StatusCompleted, store.status(id, "company_enrich"), id)
		meta := store.meta(id, "company_enrich")
		require.NotNil(t, meta, id)
		assert.Equal(t, models.MetaSkip, meta.Kind, id)
		assert.Equal(t, models.SkipEntityInProgress, meta.Skip.Reason, id)
	}
}

func TestSendEntityScopedWithoutDedupKeyRunsUncoalesced(t *testing.T) {
	store := newMemStore()
	store.steps["company_enrich"] = &models.StepDefinition{Slug: "company_enrich", Kind: models.StepKindAsync, EntityScope: models.ScopeCompany}
	store.configs["company_enrich"] = &models.StepConfig{WebhookURL: "http://provider/company"}
	seedItem(store, "i1", "") // no domain, no name

	webhook := &fakeWebhook{}
	svc, _ := newTestService(store, webhook, nil)

	require.NoError(t, svc.Send(context.Background(), task("i1", "company_enrich")))
	assert.Len(t, webhook.posts, 1)
	assert.Equal(t, models.StatusInProgress, store.status("i1", "company_enrich"))
}

func TestReceiveRejectsMalformedCallbacks(t *testing.T) {
	store := newMemStore()
	store.steps["email_finder"] = &models.StepDefinition{Slug: "email_finder", Kind: models.StepKindAsync, EntityScope: models.ScopeItem}
	svc, trigger := newTestService(store, &fakeWebhook{}, nil)

	cases := []CallbackResult{
		{ItemID: "not-a-uuid", StepName: "email_finder", Payload: json.RawMessage(`{}`)},
		{ItemID: uuid.New().String(), StepName: "", Payload: json.RawMessage(`{}`)},
		{ItemID: uuid.New().String(), StepName: "email_finder", Payload: nil},
		{ItemID: uuid.New().String(), StepName: "email_finder", Payload: json.RawMessage(`{broken`)},
		{ItemID: uuid.New().String(), StepName: "unknown_step", Payload: json.RawMessage(`{}`)},
	}
	for _, c := range cases {
		err := svc.Receive(context.Background(), c)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	}

	// rejected callbacks write nothing
	assert.Empty(t, store.results)
	assert.Empty(t, store.itemStatus)
	assert.False(t, triggered(trigger))
}

func TestReceiveRecordsResultAndCompletes(t *testing.T) {
	store := newMemStore()
	store.steps["email_finder"] = &models.StepDefinition{Slug: "email_finder", Kind: models.StepKindAsync, EntityScope: models.ScopeItem}
	itemID := uuid.New().String()
	seedItem(store, itemID, "acme.com")

	archiver := &fakeArchiver{}
	svc, trigger := newTestService(store, &fakeWebhook{}, archiver)

	err := svc.Receive(context.Background(), CallbackResult{
		ItemID: itemID, StepName: "email_finder",
		Payload: json.RawMessage(`{"email":"ada@acme.com"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, store.status(itemID, "email_finder"))
	require.Len(t, store.results, 1)
	assert.Equal(t, itemID, store.results[0].SubjectID)
	assert.Len(t, archiver.keys, 1)
	assert.True(t, triggered(trigger))
}

func TestReceiveErrorPayloadFailsItem(t *testing.T) {
	store := newMemStore()
	store.steps["email_finder"] = &models.StepDefinition{Slug: "email_finder", Kind: models.StepKindAsync, EntityScope: models.ScopeItem}
	itemID := uuid.New().String()
	seedItem(store, itemID, "acme.com")

	svc, _ := newTestService(store, &fakeWebhook{}, nil)

	err := svc.Receive(context.Background(), CallbackResult{
		ItemID: itemID, StepName: "email_finder",
		Payload: json.RawMessage(`{"error":"no email found"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, store.status(itemID, "email_finder"))
	meta := store.meta(itemID, "email_finder")
	require.NotNil(t, meta)
	assert.Equal(t, models.MetaError, meta.Kind)
	assert.Equal(t, "no email found", meta.Error.Message)
	// the raw result is still logged for inspection
	assert.Len(t, store.results, 1)
}

func TestReceiveArchiveFailureIsNonFatal(t *testing.T) {
	store := newMemStore()
	store.steps["email_finder"] = &models.StepDefinition{Slug: "email_finder", Kind: models.StepKindAsync, EntityScope: models.ScopeItem}
	itemID := uuid.New().String()
	seedItem(store, itemID, "acme.com")

	svc, _ := newTestService(store, &fakeWebhook{}, &fakeArchiver{err: errors.New("bucket gone")})

	err := svc.Receive(context.Background(), CallbackResult{
		ItemID: itemID, StepName: "email_finder",
		Payload: json.RawMessage(`{"email":"ada@acme.com"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, store.status(itemID, "email_finder"))
}

func TestReceiveEntityScopedMirrorsEntityOutcome(t *testing.T) {
	store := newMemStore()
	store.steps["company_enrich"] = &models.StepDefinition{Slug: "company_enrich", Kind: models.StepKindAsync, EntityScope: models.ScopeCompany}
	itemID := uuid.New().String()
	seedItem(store, itemID, "acme.com")

	svc, _ := newTestService(store, &fakeWebhook{}, nil)

	err := svc.Receive(context.Background(), CallbackResult{
		ItemID: itemID, StepName: "company_enrich",
		Payload: json.RawMessage(`{"industry":"manufacturing"}`),
	})
	require.NoError(t, err)

	// one item-level and one entity-level record
	require.Len(t, store.results, 2)
	kinds := map[models.SubjectKind]bool{}
	for _, rec := range store.results {
		kinds[rec.SubjectKind] = true
	}
	assert.True(t, kinds[models.SubjectItem])
	assert.True(t, kinds[models.SubjectEntity])

	// the shared entity row is COMPLETED so later items skip
	found := false
	for _, es := range store.entitySteps {
		if es.StepName == "company_enrich" {
			found = true
			assert.Equal(t, models.StatusCompleted, es.Status)
		}
	}
	assert.True(t, found)
}

func TestEntityRefCompanyNormalizesDomain(t *testing.T) {
	domain := "https://www.Acme.com/about"
	name := "Acme Corp"
	item := &models.WorkItem{CompanyDomain: &domain, CompanyName: &name}

	kind, key, gotName, ok := entityRef(item, models.ScopeCompany)
	require.True(t, ok)
	assert.Equal(t, models.EntityCompany, kind)
	assert.Equal(t, "acme.com", key)
	assert.Equal(t, "Acme Corp", *gotName)
}

func TestEntityRefCompanyFallsBackToName(t *testing.T) {
	name := "Acme Corp"
	item := &models.WorkItem{CompanyName: &name}

	_, key, _, ok := entityRef(item, models.ScopeCompany)
	require.True(t, ok)
	assert.Equal(t, "acme corp", key)
}

func TestEntityRefPersonPrefersLinkedIn(t *testing.T) {
	url := "https://linkedin.com/in/ada/"
	first, last := "Ada", "Lovelace"
	item := &models.WorkItem{PersonLinkedInURL: &url, PersonFirstName: &first, PersonLastName: &last}

	kind, key, _, ok := entityRef(item, models.ScopePerson)
	require.True(t, ok)
	assert.Equal(t, models.EntityPerson, kind)
	assert.Equal(t, "https://linkedin.com/in/ada", key)
}

func TestEntityRefPersonNameAtDomain(t *testing.T) {
	first, last, domain := "Ada", "Lovelace", "acme.com"
	item := &models.WorkItem{PersonFirstName: &first, PersonLastName: &last, CompanyDomain: &domain}

	_, key, _, ok := entityRef(item, models.ScopePerson)
	require.True(t, ok)
	assert.Equal(t, "ada lovelace@acme.com", key)
}

func TestEntityRefNoUsableKey(t *testing.T) {
	_, _, _, ok := entityRef(&models.WorkItem{}, models.ScopePerson)
	assert.False(t, ok)
}

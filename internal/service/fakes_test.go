package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/vipul43/mailvault-worker/internal/jobs"
	"github.com/vipul43/mailvault-worker/internal/models"
	"github.com/vipul43/mailvault-worker/internal/repository"
)

const testAccountID = "acc-1"

type fakeAccounts struct {
	accounts map[string]*models.Account
}

func newFakeAccounts(ids ...string) *fakeAccounts {
	f := &fakeAccounts{accounts: map[string]*models.Account{}}
	for _, id := range ids {
		f.accounts[id] = &models.Account{ID: id, ProviderID: models.ProviderGmail, IsActive: true}
	}
	return f
}

func (f *fakeAccounts) GetByID(_ context.Context, accountID string) (*models.Account, error) {
	acc, ok := f.accounts[accountID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	copied := *acc
	return &copied, nil
}

type fakeSettings struct {
	settings map[string]*models.AccountSettings
	saves    int
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{settings: map[string]*models.AccountSettings{}}
}

func (f *fakeSettings) Get(_ context.Context, accountID string) (*models.AccountSettings, error) {
	if s, ok := f.settings[accountID]; ok {
		copied := *s
		return &copied, nil
	}
	return models.DefaultSettings(accountID), nil
}

func (f *fakeSettings) Save(_ context.Context, settings *models.AccountSettings) error {
	copied := *settings
	f.settings[settings.AccountID] = &copied
	f.saves++
	return nil
}

type fakeMessages struct {
	mu     sync.Mutex
	rows   []*models.Message
	nextID int
}

func (f *fakeMessages) find(accountID, messageID string) *models.Message {
	for _, m := range f.rows {
		if m.AccountID == accountID && m.MessageID == messageID {
			return m
		}
	}
	return nil
}

func (f *fakeMessages) Exists(_ context.Context, accountID, messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(accountID, messageID) != nil, nil
}

func (f *fakeMessages) ExistingIDs(_ context.Context, accountID string, messageIDs []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for _, id := range messageIDs {
		if f.find(accountID, id) != nil {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeMessages) Create(_ context.Context, msg *models.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.find(msg.AccountID, msg.MessageID) != nil {
		return false, nil
	}
	f.nextID++
	copied := *msg
	copied.ID = fmt.Sprintf("row-%d", f.nextID)
	f.rows = append(f.rows, &copied)
	return true, nil
}

func (f *fakeMessages) MarkDeletedByProviderIDs(_ context.Context, accountID string, providerIDs []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.rows {
		for _, pid := range providerIDs {
			if m.AccountID == accountID && m.ProviderID == pid && !m.IsDeleted {
				m.IsDeleted = true
				n++
			}
		}
	}
	return n, nil
}

func (f *fakeMessages) ApplyFlags(_ context.Context, accountID, providerID string, update models.FlagUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.AccountID != accountID || m.ProviderID != providerID {
			continue
		}
		if update.IsRead != nil {
			m.IsRead = *update.IsRead
		}
		if update.IsImportant != nil {
			m.IsImportant = *update.IsImportant
		}
		if update.IsSpam != nil {
			m.IsSpam = *update.IsSpam
		}
		if update.IsArchived != nil {
			m.IsArchived = *update.IsArchived
		}
		if update.IsDeleted != nil {
			m.IsDeleted = *update.IsDeleted
		}
	}
	return nil
}

func (f *fakeMessages) FindDeletionCandidates(_ context.Context, accountID string, criteria models.DeletionCriteria, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.rows {
		if m.AccountID == accountID && criteria.Matches(m) {
			out = append(out, *m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SyncedAt.Before(out[j].SyncedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessages) MarkForDeletion(_ context.Context, accountID string, ids []string, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.rows {
		if m.AccountID != accountID || m.MarkedForDeletion {
			continue
		}
		for _, id := range ids {
			if m.ID == id {
				stamp := at
				m.MarkedForDeletion = true
				m.MarkedForDeletionAt = &stamp
				n++
			}
		}
	}
	return n, nil
}

func (f *fakeMessages) MarkDeleted(_ context.Context, accountID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.AccountID == accountID && m.ID == id {
			m.IsDeleted = true
			m.MarkedForDeletion = false
			m.MarkedForDeletionAt = nil
		}
	}
	return nil
}

func (f *fakeMessages) ClearDeletionMarks(_ context.Context, accountID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.rows {
		if m.AccountID == accountID && m.MarkedForDeletion {
			m.MarkedForDeletion = false
			m.MarkedForDeletionAt = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeMessages) byMessageID(messageID string) *models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.MessageID == messageID {
			return m
		}
	}
	return nil
}

func (f *fakeMessages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeMessages) marked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.rows {
		if m.MarkedForDeletion {
			n++
		}
	}
	return n
}

type fakeFolders struct {
	folders map[string]*models.Folder
	cursors map[string]string
}

func newFakeFolders() *fakeFolders {
	return &fakeFolders{folders: map[string]*models.Folder{}, cursors: map[string]string{}}
}

func (f *fakeFolders) UpsertFolders(_ context.Context, accountID string, folders []models.Folder) error {
	for _, folder := range folders {
		key := accountID + "/" + folder.Path
		if existing, ok := f.folders[key]; ok {
			existing.Name = folder.Name
			existing.Selectable = folder.Selectable
			continue
		}
		copied := folder
		copied.AccountID = accountID
		f.folders[key] = &copied
	}
	return nil
}

func (f *fakeFolders) ListFolders(_ context.Context, accountID string) ([]models.Folder, error) {
	var out []models.Folder
	for _, folder := range f.folders {
		if folder.AccountID == accountID {
			out = append(out, *folder)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *fakeFolders) Get(_ context.Context, accountID, path string) (*models.Folder, error) {
	folder, ok := f.folders[accountID+"/"+path]
	if !ok {
		return nil, nil
	}
	copied := *folder
	return &copied, nil
}

func (f *fakeFolders) UpdateCursor(_ context.Context, accountID, path string, uidValidity, lastUID uint32) error {
	key := accountID + "/" + path
	folder, ok := f.folders[key]
	if !ok {
		folder = &models.Folder{AccountID: accountID, Path: path, Name: path, Selectable: true}
		f.folders[key] = folder
	}
	folder.UIDValidity = uidValidity
	folder.LastUID = lastUID
	return nil
}

func (f *fakeFolders) GetSyncState(_ context.Context, accountID string) (string, error) {
	return f.cursors[accountID], nil
}

func (f *fakeFolders) SaveSyncState(_ context.Context, accountID, cursor string) error {
	f.cursors[accountID] = cursor
	return nil
}

type fakeFailures struct {
	mu       sync.Mutex
	recorded map[string]int
}

func newFakeFailures() *fakeFailures {
	return &fakeFailures{recorded: map[string]int{}}
}

func (f *fakeFailures) Record(_ context.Context, accountID, messageID string, _ models.TaskType, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded[messageID]++
	return nil
}

type fakeAttachments struct {
	rows []models.Attachment
}

func (f *fakeAttachments) Create(_ context.Context, attachment *models.Attachment) error {
	f.rows = append(f.rows, *attachment)
	return nil
}

type fakeBlobs struct {
	mu       sync.Mutex
	messages map[string][]byte
	files    map[string][]byte
	err      error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{messages: map[string][]byte{}, files: map[string][]byte{}}
}

func (f *fakeBlobs) StoreMessage(_ context.Context, accountID, messageID string, raw []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	key := accountID + "/" + messageID + ".eml"
	f.messages[key] = raw
	return key, nil
}

func (f *fakeBlobs) StoreAttachment(_ context.Context, accountID, messageID, filename string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := accountID + "/" + messageID + "/" + filename
	f.files[key] = data
	return key, nil
}

type fakeStatusRepo struct {
	mu      sync.Mutex
	records map[string]*models.JobStatusRecord
}

func newFakeStatusRepo() *fakeStatusRepo {
	return &fakeStatusRepo{records: map[string]*models.JobStatusRecord{}}
}

func (f *fakeStatusRepo) row(accountID string, jobType models.JobType) *models.JobStatusRecord {
	key := accountID + "/" + string(jobType)
	rec, ok := f.records[key]
	if !ok {
		rec = &models.JobStatusRecord{AccountID: accountID, JobType: jobType, Metadata: models.JSONB{}}
		f.records[key] = rec
	}
	return rec
}

func (f *fakeStatusRepo) RecordStart(_ context.Context, accountID string, jobType models.JobType, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.row(accountID, jobType)
	rec.LastRunAt = at
	rec.Success = false
	rec.Error = nil
	return nil
}

func (f *fakeStatusRepo) RecordResult(_ context.Context, accountID string, jobType models.JobType, success bool, errMsg *string, metadata models.JSONB) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.row(accountID, jobType)
	rec.Success = success
	rec.Error = errMsg
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	return nil
}

func (f *fakeStatusRepo) MergeMetadata(_ context.Context, accountID string, jobType models.JobType, partial models.JSONB) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.row(accountID, jobType)
	for k, v := range partial {
		rec.Metadata[k] = v
	}
	return nil
}

func (f *fakeStatusRepo) Get(_ context.Context, accountID string, jobType models.JobType) (*models.JobStatusRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[accountID+"/"+string(jobType)]
	if !ok {
		return nil, nil
	}
	copied := *rec
	copied.Metadata = models.JSONB{}
	for k, v := range rec.Metadata {
		copied.Metadata[k] = v
	}
	return &copied, nil
}

type fakeEvents struct {
	subjects []string
}

func (f *fakeEvents) Publish(_ context.Context, subject string, _ interface{}) error {
	f.subjects = append(f.subjects, subject)
	return nil
}

// fakeGmail is a history and delete capable provider
type fakeGmail struct {
	mu          sync.Mutex
	pages       map[string]*MessagePage
	rawErrs     map[string][]error
	listErrs    map[string][]error
	deleteErrs  map[string]error
	cursor      string
	history     *HistoryResult
	historyErr  error
	folders     []ProviderFolder
	listCalls   map[string]int
	cursorCalls int
	deleted     []string
}

func newFakeGmail() *fakeGmail {
	return &fakeGmail{
		pages:      map[string]*MessagePage{},
		rawErrs:    map[string][]error{},
		listErrs:   map[string][]error{},
		deleteErrs: map[string]error{},
		cursor:     "100",
		folders: []ProviderFolder{
			{Path: "INBOX", Name: "INBOX", Selectable: true},
			{Path: "SENT", Name: "SENT", Selectable: true},
		},
		listCalls: map[string]int{},
	}
}

// addPages chains pages of the given ids: "" -> "t1" -> "t2" ...
func (f *fakeGmail) addPages(pages ...[]string) {
	for i, ids := range pages {
		token := ""
		if i > 0 {
			token = fmt.Sprintf("t%d", i)
		}
		page := &MessagePage{}
		for _, id := range ids {
			page.Messages = append(page.Messages, MessageRef{ID: id})
		}
		if i < len(pages)-1 {
			page.NextPageToken = fmt.Sprintf("t%d", i+1)
		}
		f.pages[token] = page
	}
}

func (f *fakeGmail) ListFolders(context.Context) ([]ProviderFolder, error) {
	return f.folders, nil
}

func (f *fakeGmail) ListMessages(_ context.Context, _ int, pageToken string) (*MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls[pageToken]++
	if errs := f.listErrs[pageToken]; len(errs) > 0 {
		f.listErrs[pageToken] = errs[1:]
		return nil, errs[0]
	}
	page, ok := f.pages[pageToken]
	if !ok {
		return &MessagePage{}, nil
	}
	return page, nil
}

func (f *fakeGmail) GetMessage(_ context.Context, id string) (*MessageMeta, error) {
	date := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &MessageMeta{
		ProviderID: id,
		MessageID:  id,
		Subject:    "subject " + id,
		Date:       &date,
		Labels:     []string{LabelInbox},
	}, nil
}

func (f *fakeGmail) GetRawMessage(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.rawErrs[id]; len(errs) > 0 {
		f.rawErrs[id] = errs[1:]
		if errs[0] != nil {
			return nil, errs[0]
		}
	}
	return rawMessage(id), nil
}

func (f *fakeGmail) Close() error { return nil }

func (f *fakeGmail) CurrentCursor(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursorCalls++
	return f.cursor, nil
}

func (f *fakeGmail) GetHistorySince(_ context.Context, _ string) (*HistoryResult, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	if f.history == nil {
		return &HistoryResult{NewCursor: f.cursor}, nil
	}
	return f.history, nil
}

func (f *fakeGmail) DeleteMessage(_ context.Context, providerID string) error {
	if err := f.deleteErrs[providerID]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, providerID)
	return nil
}

// fakeIMAP is a folder partitioned provider without history or delete
type fakeIMAP struct {
	folders     []ProviderFolder
	uidValidity map[string]uint32
	messages    map[string]map[uint32][]byte
	listCalls   int
}

func newFakeIMAP() *fakeIMAP {
	return &fakeIMAP{
		folders: []ProviderFolder{
			{Path: "INBOX", Name: "INBOX", Delimiter: "/", Selectable: true},
			{Path: "Archive", Name: "Archive", Delimiter: "/", Selectable: true},
			{Path: "[Gmail]", Name: "[Gmail]", Delimiter: "/", Selectable: false},
		},
		uidValidity: map[string]uint32{"INBOX": 7, "Archive": 7},
		messages:    map[string]map[uint32][]byte{},
	}
}

func (f *fakeIMAP) put(path string, uid uint32, messageID string) {
	if f.messages[path] == nil {
		f.messages[path] = map[uint32][]byte{}
	}
	f.messages[path][uid] = rawMessage(messageID)
}

func (f *fakeIMAP) ListFolders(context.Context) ([]ProviderFolder, error) { return f.folders, nil }

func (f *fakeIMAP) ListMessages(context.Context, int, string) (*MessagePage, error) {
	return &MessagePage{}, nil
}

func (f *fakeIMAP) GetMessage(context.Context, string) (*MessageMeta, error) {
	return nil, io.ErrUnexpectedEOF
}

func (f *fakeIMAP) GetRawMessage(context.Context, string) ([]byte, error) {
	return nil, io.ErrUnexpectedEOF
}

func (f *fakeIMAP) Close() error { return nil }

func (f *fakeIMAP) FolderStatus(_ context.Context, path string) (*FolderStatus, error) {
	return &FolderStatus{UIDValidity: f.uidValidity[path], Messages: uint32(len(f.messages[path]))}, nil
}

func (f *fakeIMAP) ListFolderUIDs(_ context.Context, path string, afterUID uint32, limit int) ([]uint32, error) {
	f.listCalls++
	var uids []uint32
	for uid := range f.messages[path] {
		if uid > afterUID {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if len(uids) > limit {
		uids = uids[:limit]
	}
	return uids, nil
}

func (f *fakeIMAP) GetFolderMessage(_ context.Context, path string, uid uint32) (*MessageMeta, []byte, error) {
	raw := f.messages[path][uid]
	return &MessageMeta{
		ProviderID: fmt.Sprintf("%s:%d:%d", path, f.uidValidity[path], uid),
		FolderPath: path,
	}, raw, nil
}

type fakeFactory struct {
	client ProviderClient
	err    error
}

func (f *fakeFactory) ForAccount(context.Context, *models.Account) (ProviderClient, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

func rawMessage(messageID string) []byte {
	return []byte("Message-ID: <" + messageID + ">\r\n" +
		"From: sender@example.com\r\n" +
		"To: me@example.com\r\n" +
		"Subject: message " + messageID + "\r\n" +
		"Date: Fri, 02 Jan 2026 03:04:05 +0000\r\n" +
		"\r\n" +
		"body of " + messageID + "\r\n")
}

type testEnv struct {
	store       *jobs.MemoryStore
	accounts    *fakeAccounts
	settings    *fakeSettings
	messages    *fakeMessages
	folders     *fakeFolders
	failures    *fakeFailures
	attachments *fakeAttachments
	statusRepo  *fakeStatusRepo
	blobs       *fakeBlobs
	events      *fakeEvents
	factory     *fakeFactory
	scheduler   *Scheduler
	status      *JobStatusService
	ingestor    *Ingestor
	sync        *SyncService
}

func newTestEnv(t *testing.T, client ProviderClient, opts SyncOptions) *testEnv {
	t.Helper()
	env := &testEnv{
		store:       jobs.NewMemoryStore(),
		accounts:    newFakeAccounts(testAccountID),
		settings:    newFakeSettings(),
		messages:    &fakeMessages{},
		folders:     newFakeFolders(),
		failures:    newFakeFailures(),
		attachments: &fakeAttachments{},
		statusRepo:  newFakeStatusRepo(),
		blobs:       newFakeBlobs(),
		events:      &fakeEvents{},
		factory:     &fakeFactory{client: client},
	}
	env.scheduler = NewScheduler(env.store, 5)
	env.status = NewJobStatusService(env.statusRepo, env.store)
	env.ingestor = NewIngestor(env.messages, env.attachments, env.blobs, nil)
	env.sync = NewSyncService(SyncDeps{
		Accounts:  env.accounts,
		Settings:  env.settings,
		Messages:  env.messages,
		Folders:   env.folders,
		Failures:  env.failures,
		Providers: env.factory,
		Ingestor:  env.ingestor,
		Scheduler: env.scheduler,
		Status:    env.status,
		Events:    env.events,
	}, opts)
	return env
}

// pendingOf returns the unresolved jobs of one task type
func (e *testEnv) pendingOf(taskType models.TaskType) []models.Job {
	var out []models.Job
	for _, job := range e.store.All() {
		if job.TaskType == taskType && job.FailedAt == nil {
			out = append(out, job)
		}
	}
	return out
}

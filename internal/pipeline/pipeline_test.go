package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/knowledge-pipeline/internal/ai"
	"github.com/iago/knowledge-pipeline/internal/convert"
	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/repository"
	"github.com/iago/knowledge-pipeline/internal/storage"
	"github.com/iago/knowledge-pipeline/internal/transcribe"
)

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, _ ai.EmbedMode) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = []float32{float32(len(text)), 1, 0}
	}
	return vectors, nil
}

type fakeGenerator struct {
	text    string
	request ai.GenerateRequest
}

func (f *fakeGenerator) Available() bool { return true }

func (f *fakeGenerator) Generate(_ context.Context, request ai.GenerateRequest) (ai.GenerateResult, error) {
	f.request = request
	return ai.GenerateResult{
		Text:     f.text,
		ModelID:  request.Model,
		Provider: "openai",
		Usage:    ai.TokenUsage{InputTokens: 40, OutputTokens: 400, TotalTokens: 440},
	}, nil
}

func (f *fakeGenerator) Stream(context.Context, ai.GenerateRequest) (<-chan string, <-chan ai.StreamResult) {
	return nil, nil
}

type fakeTranscriber struct {
	source transcribe.Source
	result transcribe.Result
	err    error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, source transcribe.Source) (transcribe.Result, error) {
	f.source = source
	return f.result, f.err
}

func newJob(jobType domain.JobType) *domain.Job {
	return &domain.Job{ID: "job-1", TenantID: "t1", Type: jobType}
}

func newObjects(t *testing.T) *storage.LocalStore {
	t.Helper()
	objects, err := storage.NewLocalStore(storage.LocalConfig{Root: t.TempDir(), SigningKey: "k", BaseURL: "http://files"})
	require.NoError(t, err)
	return objects
}

func TestIndexReplacesEmbeddingsAndStampsDocument(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateDocument(ctx, &domain.Document{
		ID:       "d1",
		TenantID: "t1",
		Title:    "Handbook",
		Content:  "# Leave\n\n" + strings.Repeat("Employees get twenty days of paid leave. ", 30),
	}))

	embedder := &fakeEmbedder{}
	p := New(Deps{Documents: store, Embeddings: store, Embedder: embedder})

	out, err := p.Index(ctx, newJob(domain.JobTypeDocumentIndexing), domain.IndexingPayload{DocumentID: "d1"})
	require.NoError(t, err)

	result := out.(IndexResult)
	assert.Equal(t, "d1", result.DocumentID)
	assert.Equal(t, result.ChunksCreated, result.EmbeddingsGenerated)
	assert.GreaterOrEqual(t, result.ChunksCreated, 1)

	chunk, err := store.HybridSearch(ctx, repository.HybridQuery{TenantID: "t1", Embedding: []float32{1, 1, 0}, Text: "leave", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, chunk)
	assert.Equal(t, "Handbook", chunk[0].Title())
	assert.True(t, strings.HasPrefix(chunk[0].ChunkContent, "Document: Handbook\nSection: Leave\n\n"))

	doc, err := store.GetDocument(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.NotNil(t, doc.LastIndexedAt)
}

func TestIndexIsTenantScopedAndSurfacesEmbedErrors(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateDocument(ctx, &domain.Document{ID: "d1", TenantID: "t2", Content: "hello world"}))

	p := New(Deps{Documents: store, Embeddings: store, Embedder: &fakeEmbedder{}})
	_, err := p.Index(ctx, newJob(domain.JobTypeDocumentIndexing), domain.IndexingPayload{DocumentID: "d1"})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, store.CreateDocument(ctx, &domain.Document{ID: "d2", TenantID: "t1", Content: "hello world"}))
	p = New(Deps{Documents: store, Embeddings: store, Embedder: &fakeEmbedder{err: errors.New("boom")}})
	_, err = p.Index(ctx, newJob(domain.JobTypeDocumentIndexing), domain.IndexingPayload{DocumentID: "d2"})
	assert.Error(t, err)

	doc, _ := store.GetDocument(ctx, "t1", "d2")
	assert.Nil(t, doc.LastIndexedAt)
}

func TestConvertMarkdownUploadCreatesDraftWithLineageAndUsage(t *testing.T) {
	store := repository.NewMemoryStore()
	objects := newObjects(t)
	ctx := context.Background()
	require.NoError(t, objects.Put(ctx, "t1/uploads/team-onboarding_guide.md", strings.NewReader("# Onboarding\n\nWelcome.")))

	deps := NewDepsFromStore(store)
	deps.Objects = objects
	p := New(deps)

	out, err := p.Convert(ctx, newJob(domain.JobTypeDocumentConvert), domain.ConvertPayload{
		StoragePath:      "t1/uploads/team-onboarding_guide.md",
		OriginalFilename: "team-onboarding_guide.md",
		FileSize:         22,
		Mimetype:         convert.MimeMarkdown,
		UserID:           "u1",
	})
	require.NoError(t, err)

	result := out.(ConvertResult)
	assert.Equal(t, "Team onboarding guide", result.Title)
	assert.Equal(t, len("# Onboarding\n\nWelcome."), result.ContentLength)

	doc, err := store.GetDocument(ctx, "t1", result.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusDraft, doc.Status)
	assert.Equal(t, "u1", doc.AuthorID)

	lineage := store.Lineage()
	require.Len(t, lineage, 1)
	assert.Equal(t, domain.LineageConvertedFromMarkdown, lineage[0].EventType)

	usage := store.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, domain.QueryDocumentConversion, usage[0].QueryType)
	assert.Equal(t, 1, usage[0].Credits)
}

func TestConvertRejectsUnsupportedType(t *testing.T) {
	store := repository.NewMemoryStore()
	objects := newObjects(t)
	ctx := context.Background()
	require.NoError(t, objects.Put(ctx, "t1/a.png", strings.NewReader("png")))

	deps := NewDepsFromStore(store)
	deps.Objects = objects
	_, err := New(deps).Convert(ctx, newJob(domain.JobTypeDocumentConvert), domain.ConvertPayload{
		StoragePath: "t1/a.png", OriginalFilename: "a.png", FileSize: 3, Mimetype: "image/png", UserID: "u1",
	})
	assert.True(t, domain.IsValidation(err))
	assert.Empty(t, store.Usage())
}

func TestIngestVideoFromStorageSignsURLAndDeletesUpload(t *testing.T) {
	store := repository.NewMemoryStore()
	objects := newObjects(t)
	ctx := context.Background()
	require.NoError(t, objects.Put(ctx, "t1/videos/all-hands.mp4", strings.NewReader("video")))

	transcriber := &fakeTranscriber{result: transcribe.Result{
		Text:   "Welcome everyone to the all hands\n" + strings.Repeat("word ", 700),
		Model:  "whisper-1",
		Method: transcribe.MethodCloud,
	}}
	deps := NewDepsFromStore(store)
	deps.Objects = objects
	deps.Transcriber = transcriber
	deps.DeleteVideoAfterProcessing = true
	p := New(deps)

	out, err := p.IngestVideo(ctx, newJob(domain.JobTypeVideoIngestion), domain.VideoPayload{
		StoragePath:      "t1/videos/all-hands.mp4",
		OriginalFilename: "all-hands.mp4",
		FileSize:         5,
		UserID:           "u1",
	})
	require.NoError(t, err)

	assert.Contains(t, transcriber.source.URL, "/objects/t1/videos/all-hands.mp4?")
	assert.False(t, transcriber.source.YouTube)

	result := out.(VideoResult)
	assert.Equal(t, "Welcome everyone to the all hands", result.Title)
	assert.Equal(t, 5, result.DurationMinutes)
	assert.Equal(t, 1, result.CreditsUsed)

	_, err = objects.Download(ctx, "t1/videos/all-hands.mp4")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	usage := store.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, domain.QueryVideoIngestion, usage[0].QueryType)
	assert.Equal(t, domain.LineageConvertedFromVideo, store.Lineage()[0].EventType)
}

func TestIngestVideoYouTubeKeepsStorageAndNamesDocument(t *testing.T) {
	store := repository.NewMemoryStore()
	transcriber := &fakeTranscriber{result: transcribe.Result{Text: "short", Method: transcribe.MethodWhisper, UsedFallback: true}}
	deps := NewDepsFromStore(store)
	deps.Transcriber = transcriber
	p := New(deps)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	out, err := p.IngestVideo(context.Background(), newJob(domain.JobTypeVideoIngestion), domain.VideoPayload{
		URL:    "https://www.youtube.com/watch?v=abc",
		UserID: "u1",
	})
	require.NoError(t, err)
	assert.True(t, transcriber.source.YouTube)

	result := out.(VideoResult)
	assert.True(t, result.IsYouTube)
	assert.True(t, result.UsedFallback)
	assert.Equal(t, "Video: YouTube Video 2026 03 01T12:00:00Z", result.Title)
	assert.Equal(t, "YouTube Video - 2026-03-01T12:00:00Z", transcriber.source.Filename)
}

func TestIngestVideoTranscriptionFailureFailsJob(t *testing.T) {
	store := repository.NewMemoryStore()
	deps := NewDepsFromStore(store)
	deps.Transcriber = &fakeTranscriber{err: errors.New("both cloud and fallback transcription failed")}

	_, err := New(deps).IngestVideo(context.Background(), newJob(domain.JobTypeVideoIngestion), domain.VideoPayload{URL: "https://cdn.example.com/v.mp4", UserID: "u1"})
	assert.Error(t, err)
	assert.Empty(t, store.Usage())
}

func TestGenerateCreatesSanitizedDraft(t *testing.T) {
	store := repository.NewMemoryStore()
	generator := &fakeGenerator{text: "# Remote Work Policy\n\nWork from anywhere.<script>alert(1)</script>"}
	deps := NewDepsFromStore(store)
	deps.Generator = generator
	p := New(deps)

	out, err := p.Generate(context.Background(), newJob(domain.JobTypeAIGeneration), domain.GenerationPayload{
		Prompt:           "Write a remote work policy",
		Model:            "deepseek-v3",
		UserID:           "u1",
		EstimatedCredits: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, "deepseek-v3", generator.request.Model)
	assert.Equal(t, defaultGenerationTokens, generator.request.MaxOutputTokens)

	result := out.(GenerationResult)
	assert.Equal(t, "Remote Work Policy", result.Title)
	assert.Equal(t, 40, result.TokensInput)
	assert.Equal(t, "openai", result.Provider)

	doc, err := store.GetDocument(context.Background(), "t1", result.DocumentID)
	require.NoError(t, err)
	assert.NotContains(t, doc.Content, "<script>")

	usage := store.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, 3, usage[0].Credits)
	assert.Equal(t, domain.LineageAIGenerated, store.Lineage()[0].EventType)
}

func TestDeleteAccountRemovesAuthoredContent(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	store.PutUser(domain.User{ID: "u1", TenantID: "t1", Email: "jo@example.com", FullName: "Jo", Status: domain.UserStatusActive})
	store.PutTemplate(domain.Template{ID: "tpl1", TenantID: "t1", OwnerID: "u1"})
	require.NoError(t, store.CreateDocument(ctx, &domain.Document{ID: "d1", TenantID: "t1", AuthorID: "u1"}))
	require.NoError(t, store.CreateDocument(ctx, &domain.Document{ID: "d2", TenantID: "t1", AuthorID: "other"}))
	require.NoError(t, store.ReplaceEmbeddings(ctx, "t1", "d1", []domain.EmbeddingRecord{
		{ID: "e1", DocumentID: "d1", TenantID: "t1", ChunkIndex: 0},
		{ID: "e2", DocumentID: "d1", TenantID: "t1", ChunkIndex: 1},
	}))
	require.NoError(t, store.RecordLineage(ctx, domain.LineageEvent{ID: "l1", DocumentID: "d1", TenantID: "t1"}))
	require.NoError(t, store.RecordUsage(ctx, domain.UsageRecord{ID: "q1", TenantID: "t1", UserID: "u1", QueryType: domain.QueryRAGQuestion}))

	p := New(NewDepsFromStore(store))
	out, err := p.DeleteAccount(ctx, newJob(domain.JobTypeAccountDeletion), domain.AccountDeletionPayload{
		UserID: "u1", RequestedAt: time.Now(), RequestedBy: "u1",
	})
	require.NoError(t, err)

	result := out.(AccountDeletionResult)
	assert.True(t, result.UserAnonymized)
	assert.Equal(t, 1, result.DocumentsDeleted)
	assert.Equal(t, 2, result.EmbeddingsDeleted)
	assert.Equal(t, 1, result.TemplatesDeleted)
	assert.Equal(t, 1, result.UsageHistoryAnonymized)
	assert.Equal(t, 1, result.LineageDeleted)

	user, ok := store.GetUser("t1", "u1")
	require.True(t, ok)
	assert.Equal(t, repository.AnonymizedEmail("u1"), user.Email)
	assert.Equal(t, domain.UserStatusDeleted, user.Status)

	_, err = store.GetDocument(ctx, "t1", "d2")
	assert.NoError(t, err, "other authors keep their documents")

	audits := 0
	for _, record := range store.Usage() {
		if record.QueryType == domain.QueryAccountDeletion {
			audits++
		}
	}
	assert.Equal(t, 2, audits, "started and completed audit rows")
}

func TestHandlersCoverEveryJobType(t *testing.T) {
	handlers := New(Deps{}).Handlers()
	for _, jobType := range domain.JobTypes {
		assert.Contains(t, handlers, jobType)
	}
}

func TestHandlerRejectsWrongPayloadVariant(t *testing.T) {
	_, err := New(Deps{}).Generate(context.Background(), newJob(domain.JobTypeAIGeneration), domain.IndexingPayload{DocumentID: "d1"})
	assert.True(t, domain.IsValidation(err))
}

package review

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/quality"
)

type mockNotion struct {
	mock.Mock
}

func (m *mockNotion) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *mockNotion) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *mockNotion) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, Item) error {
	f.calls++
	return assert.AnError
}

func testItem() Item {
	return Item{
		AttemptID:  "att-1",
		DocumentID: "doc-1",
		FileName:   "guide-aide.pdf",
		Method:     model.MethodHybrid,
		Confidence: 48,
		Overall:    55.5,
		Verdict:    quality.VerdictManualReview,
		Reasons:    []string{"amount is missing"},
		CreatedAt:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestNewItem(t *testing.T) {
	a := model.NewAttempt("att-1", "doc-1", model.AttemptInput{FileName: "f.pdf"}, time.Now())
	a.ExtractionMethod = model.MethodLocal
	a.Confidence = 40
	qa := quality.Assessment{
		Overall: 50,
		Verdict: quality.VerdictManualReview,
		Issues: []quality.Issue{
			{Type: quality.IssueError, Field: "amount", Message: "amount must be positive"},
			{Type: quality.IssueInfo, Field: "programme_code", Message: "programme_code has no profile mapping"},
			{Type: quality.IssueWarning, Field: "deadline", Message: "deadline is missing"},
		},
	}

	item := NewItem(a, qa, "https://review.example.fr")
	assert.Equal(t, "att-1", item.AttemptID)
	assert.Equal(t, "f.pdf", item.FileName)
	assert.Equal(t, []string{"amount must be positive", "deadline is missing"}, item.Reasons)
	assert.Equal(t, "https://review.example.fr/attempts/att-1", item.DashboardURL)

	item = NewItem(a, quality.Assessment{}, "")
	assert.Empty(t, item.DashboardURL)
	assert.NotNil(t, item.Reasons)
}

func TestWebhook_Notify(t *testing.T) {
	var got Item
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhook(srv.URL).Notify(context.Background(), testItem()))
	assert.Equal(t, "att-1", got.AttemptID)
	assert.Equal(t, quality.VerdictManualReview, got.Verdict)
	assert.Equal(t, 55.5, got.Overall)
}

func TestWebhook_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).Notify(context.Background(), testItem())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestNotion_CreatesPage(t *testing.T) {
	mc := new(mockNotion)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "review-db", mock.Anything).
		Return(&notionapi.DatabaseQueryResponse{}, nil)
	mc.On("CreatePage", ctx, mock.MatchedBy(func(req *notionapi.PageCreateRequest) bool {
		if req.Parent.DatabaseID != "review-db" {
			return false
		}
		title, ok := req.Properties[PropTitle].(notionapi.TitleProperty)
		if !ok || title.Title[0].Text.Content != "guide-aide.pdf" {
			return false
		}
		score, ok := req.Properties[PropScore].(notionapi.NumberProperty)
		if !ok || score.Number != 55.5 {
			return false
		}
		method, ok := req.Properties[PropMethod].(notionapi.SelectProperty)
		return ok && method.Select.Name == "hybrid"
	})).Return(&notionapi.Page{ID: "new-page"}, nil)

	require.NoError(t, NewNotion(mc, "review-db").Notify(ctx, testItem()))
	mc.AssertExpectations(t)
	mc.AssertNotCalled(t, "UpdatePage", mock.Anything, mock.Anything, mock.Anything)
}

func TestNotion_UpdatesExistingPage(t *testing.T) {
	mc := new(mockNotion)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "review-db", mock.Anything).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "page-7"}}}, nil)
	mc.On("UpdatePage", ctx, "page-7", mock.AnythingOfType("*notionapi.PageUpdateRequest")).
		Return(&notionapi.Page{ID: "page-7"}, nil)

	require.NoError(t, NewNotion(mc, "review-db").Notify(ctx, testItem()))
	mc.AssertExpectations(t)
	mc.AssertNotCalled(t, "CreatePage", mock.Anything, mock.Anything)
}

func TestNotion_LookupError(t *testing.T) {
	mc := new(mockNotion)
	mc.On("QueryDatabase", mock.Anything, "review-db", mock.Anything).Return(nil, assert.AnError)

	err := NewNotion(mc, "review-db").Notify(context.Background(), testItem())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review: look up notion page")
}

func TestRichTextTruncates(t *testing.T) {
	long := make([]rune, maxRichText+50)
	for i := range long {
		long[i] = 'é'
	}
	rt := richText(string(long))
	assert.Len(t, []rune(rt[0].Text.Content), maxRichText)
}

func TestMulti_NeverFails(t *testing.T) {
	a, b := &failingNotifier{}, &failingNotifier{}
	assert.NoError(t, Multi{a, b}.Notify(context.Background(), testItem()))
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.NoError(t, Multi(nil).Notify(context.Background(), testItem()))
}

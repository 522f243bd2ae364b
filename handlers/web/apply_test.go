package web

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"applymatic/config"
	"applymatic/handlers/api"
	"applymatic/models"
	"applymatic/storage"
	"applymatic/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

type sentMessage struct {
	to          string
	subject     string
	body        string
	resume      *api.AttachmentData
	attachments []api.AttachmentData
}

type fakeMailer struct {
	sends  []sentMessage
	failAt map[int]error // 1-based send position -> error to return
}

func (m *fakeMailer) Send(to, subject, body string, resume *api.AttachmentData, attachments []api.AttachmentData) (string, error) {
	position := len(m.sends) + 1
	if err, ok := m.failAt[position]; ok {
		m.sends = append(m.sends, sentMessage{to: to})
		return "", err
	}
	m.sends = append(m.sends, sentMessage{to, subject, body, resume, attachments})
	return "msg-id", nil
}

func newTestCampaigns(t *testing.T) *storage.CampaignStorage {
	t.Helper()

	root := t.TempDir()
	db, err := storage.InitDB(root)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	campaigns, err := storage.NewCampaignStorage(root, db)
	require.NoError(t, err)
	return campaigns
}

func newTestHandler(t *testing.T, leads []models.Lead, mailer api.Mailer) *ApplyHandler {
	t.Helper()

	campaigns := newTestCampaigns(t)
	return &ApplyHandler{
		campaigns:   campaigns,
		sendEnabled: true,
		sendDelay:   0,
		extract: func(path string) ([]models.Lead, error) {
			return leads, nil
		},
		openAssets: campaigns.OpenAssets,
		newMailer: func(ctx context.Context, user *models.User) (api.Mailer, error) {
			return mailer, nil
		},
	}
}

func testLeads() []models.Lead {
	return []models.Lead{
		{Email: "hr@acme.com", Website: "acme.com", CompanyName: "Acme"},
		{Email: "jobs@initech.co.uk", Website: "initech.co.uk", CompanyName: "Initech"},
	}
}

func authedSubmission(user *models.User) *submission {
	return &submission{
		user:        user,
		companies:   storage.FileArtifact{Filename: "companies.pdf", Data: []byte("%PDF fake")},
		resume:      &storage.FileArtifact{Filename: "cv.pdf", Data: []byte("resume bytes")},
		subject:     "Application to {company_name}",
		coverLetter: "Dear {company_name} team,",
	}
}

func TestRunCampaign_GuestNeverDispatches(t *testing.T) {
	mailer := &fakeMailer{}
	h := newTestHandler(t, testLeads(), mailer)

	sub := &submission{
		companies: storage.FileArtifact{Filename: "companies.pdf", Data: []byte("%PDF fake")},
	}

	result, err := h.runCampaign(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, "guest", result.Status)
	assert.Equal(t, 2, result.LeadsCount)
	assert.Equal(t, 0, result.SentCount)
	assert.Empty(t, mailer.sends)

	// Guest submissions still persist under the shared base name
	_, ok := h.campaigns.LatestCampaign(&models.User{})
	assert.True(t, ok)
}

func TestRunCampaign_SendsPersonalizedMessages(t *testing.T) {
	mailer := &fakeMailer{}
	h := newTestHandler(t, testLeads(), mailer)
	user := &models.User{ID: "u1", FirstName: "Jane", LastName: "Doe"}

	result, err := h.runCampaign(context.Background(), authedSubmission(user))
	require.NoError(t, err)

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, 2, result.SentCount)
	require.Len(t, mailer.sends, 2)

	assert.Equal(t, "hr@acme.com", mailer.sends[0].to)
	assert.Equal(t, "Dear Acme team,", mailer.sends[0].body)
	assert.Equal(t, "Dear Initech team,", mailer.sends[1].body)

	// Subject is sent as-is; only the body is personalized
	assert.Equal(t, "Application to {company_name}", mailer.sends[0].subject)

	require.NotNil(t, mailer.sends[0].resume)
	assert.Equal(t, []byte("resume bytes"), mailer.sends[0].resume.Data)
}

func TestRunCampaign_MidBatchFailureContinues(t *testing.T) {
	mailer := &fakeMailer{failAt: map[int]error{2: errors.New("smtp 550")}}
	leads := append(testLeads(), models.Lead{Email: "hi@third.com", CompanyName: "Third"})
	h := newTestHandler(t, leads, mailer)
	user := &models.User{ID: "u1", FirstName: "Jane", LastName: "Doe"}

	result, err := h.runCampaign(context.Background(), authedSubmission(user))
	require.NoError(t, err)

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, 3, result.LeadsCount)
	assert.Equal(t, 2, result.SentCount)
	assert.Len(t, mailer.sends, 3)
}

func TestRunCampaign_CredentialRejectionAbortsBatch(t *testing.T) {
	mailer := &fakeMailer{failAt: map[int]error{1: &googleapi.Error{Code: 401}}}
	h := newTestHandler(t, testLeads(), mailer)
	user := &models.User{ID: "u1", FirstName: "Jane", LastName: "Doe"}

	_, err := h.runCampaign(context.Background(), authedSubmission(user))
	require.Error(t, err)

	appErr, ok := err.(*utils.AppError)
	require.True(t, ok)
	assert.Equal(t, 403, appErr.Code)

	// First attempt failed and nothing after it was tried
	assert.Len(t, mailer.sends, 1)
}

func TestRunCampaign_MissingCredentialAbortsBeforeSending(t *testing.T) {
	mailer := &fakeMailer{}
	h := newTestHandler(t, testLeads(), mailer)
	h.newMailer = func(ctx context.Context, user *models.User) (api.Mailer, error) {
		return nil, utils.CredentialError("Cannot send emails. Google OAuth credentials missing.", storage.ErrTokenNotFound)
	}
	user := &models.User{ID: "u1", FirstName: "Jane", LastName: "Doe"}

	_, err := h.runCampaign(context.Background(), authedSubmission(user))
	require.Error(t, err)

	appErr, ok := err.(*utils.AppError)
	require.True(t, ok)
	assert.Equal(t, 403, appErr.Code)
	assert.Empty(t, mailer.sends)
}

func TestRunCampaign_DryRun(t *testing.T) {
	mailer := &fakeMailer{}
	h := newTestHandler(t, testLeads(), mailer)
	h.sendEnabled = false
	user := &models.User{ID: "u1", FirstName: "Jane", LastName: "Doe"}

	result, err := h.runCampaign(context.Background(), authedSubmission(user))
	require.NoError(t, err)

	assert.Equal(t, "test", result.Status)
	assert.Equal(t, 2, result.SentCount)
	assert.Empty(t, mailer.sends)
}

func TestRunCampaign_ReusesStoredAssets(t *testing.T) {
	mailer := &fakeMailer{}
	h := newTestHandler(t, testLeads(), mailer)
	user := &models.User{ID: "u1", FirstName: "Jane", LastName: "Doe"}

	// First submission carries a resume and an attachment
	first := authedSubmission(user)
	first.attachments = []storage.FileArtifact{{Filename: "cert.pdf", Data: []byte("cert bytes")}}
	_, err := h.runCampaign(context.Background(), first)
	require.NoError(t, err)

	// Second submission omits both; history fills them in
	second := authedSubmission(user)
	second.resume = nil
	second.attachments = nil
	result, err := h.runCampaign(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, 2, result.SentCount)

	sent := mailer.sends[len(mailer.sends)-1]
	require.NotNil(t, sent.resume)
	assert.Equal(t, []byte("resume bytes"), sent.resume.Data)
	require.Len(t, sent.attachments, 1)
	assert.Equal(t, []byte("cert bytes"), sent.attachments[0].Data)
}

// captureAssets wraps the handler's asset opener and records every handle it
// hands out so tests can verify release.
func captureAssets(h *ApplyHandler) *struct {
	assets  *storage.CampaignAssets
	handles []*os.File
} {
	captured := &struct {
		assets  *storage.CampaignAssets
		handles []*os.File
	}{}

	inner := h.openAssets
	h.openAssets = func(folder string) (*storage.CampaignAssets, error) {
		assets, err := inner(folder)
		if assets != nil {
			captured.assets = assets
			if assets.Resume != nil {
				captured.handles = append(captured.handles, assets.Resume)
			}
			captured.handles = append(captured.handles, assets.Attachments...)
		}
		return assets, err
	}

	return captured
}

func assertHandlesClosed(t *testing.T, handles []*os.File) {
	t.Helper()

	require.NotEmpty(t, handles)
	for _, f := range handles {
		_, err := f.Read(make([]byte, 1))
		assert.ErrorIs(t, err, os.ErrClosed)
	}
}

func TestRunCampaign_ReusedHandlesClosedAfterDispatch(t *testing.T) {
	mailer := &fakeMailer{}
	h := newTestHandler(t, testLeads(), mailer)
	user := &models.User{ID: "u1", FirstName: "Jane", LastName: "Doe"}

	first := authedSubmission(user)
	first.attachments = []storage.FileArtifact{{Filename: "cert.pdf", Data: []byte("cert bytes")}}
	_, err := h.runCampaign(context.Background(), first)
	require.NoError(t, err)

	captured := captureAssets(h)

	second := authedSubmission(user)
	second.resume = nil
	second.attachments = nil
	_, err = h.runCampaign(context.Background(), second)
	require.NoError(t, err)

	require.NotNil(t, captured.assets)
	assert.Nil(t, captured.assets.Resume)
	assertHandlesClosed(t, captured.handles)
}

func TestRunCampaign_ReusedHandlesClosedOnMidBatchFailure(t *testing.T) {
	setup := &fakeMailer{}
	h := newTestHandler(t, testLeads(), setup)
	user := &models.User{ID: "u1", FirstName: "Jane", LastName: "Doe"}

	first := authedSubmission(user)
	first.attachments = []storage.FileArtifact{{Filename: "cert.pdf", Data: []byte("cert bytes")}}
	_, err := h.runCampaign(context.Background(), first)
	require.NoError(t, err)

	captured := captureAssets(h)

	// Second send fails in transport; dispatch continues past it
	mailer := &fakeMailer{failAt: map[int]error{2: errors.New("smtp 421")}}
	h.newMailer = func(ctx context.Context, u *models.User) (api.Mailer, error) {
		return mailer, nil
	}

	second := authedSubmission(user)
	second.resume = nil
	second.attachments = nil
	result, err := h.runCampaign(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SentCount)

	assertHandlesClosed(t, captured.handles)
}

func TestRunCampaign_ReusedHandlesClosedOnCredentialAbort(t *testing.T) {
	setup := &fakeMailer{}
	h := newTestHandler(t, testLeads(), setup)
	user := &models.User{ID: "u1", FirstName: "Jane", LastName: "Doe"}

	_, err := h.runCampaign(context.Background(), authedSubmission(user))
	require.NoError(t, err)

	captured := captureAssets(h)

	mailer := &fakeMailer{failAt: map[int]error{1: &googleapi.Error{Code: 403}}}
	h.newMailer = func(ctx context.Context, u *models.User) (api.Mailer, error) {
		return mailer, nil
	}

	second := authedSubmission(user)
	second.resume = nil
	_, err = h.runCampaign(context.Background(), second)
	require.Error(t, err)

	assertHandlesClosed(t, captured.handles)
}

func TestRunCampaign_ExtractionErrorStopsEverything(t *testing.T) {
	mailer := &fakeMailer{}
	h := newTestHandler(t, nil, mailer)
	h.extract = func(path string) ([]models.Lead, error) {
		return nil, utils.DocumentParseError(errors.New("malformed pdf"))
	}
	user := &models.User{ID: "u1", FirstName: "Jane", LastName: "Doe"}

	_, err := h.runCampaign(context.Background(), authedSubmission(user))
	require.Error(t, err)

	appErr, ok := err.(*utils.AppError)
	require.True(t, ok)
	assert.Equal(t, 400, appErr.Code)

	// Nothing was persisted for a submission that failed to parse
	_, ok = h.campaigns.LatestCampaign(user)
	assert.False(t, ok)
	assert.Empty(t, mailer.sends)
}

func TestRunCampaign_TempBufferRemoved(t *testing.T) {
	mailer := &fakeMailer{}
	h := newTestHandler(t, testLeads(), mailer)

	var tmpPath string
	inner := h.extract
	h.extract = func(path string) ([]models.Lead, error) {
		tmpPath = path
		return inner(path)
	}

	user := &models.User{ID: "u1", FirstName: "Jane", LastName: "Doe"}
	_, err := h.runCampaign(context.Background(), authedSubmission(user))
	require.NoError(t, err)

	require.NotEmpty(t, tmpPath)
	_, statErr := os.Stat(tmpPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunCampaign_CampaignFolderContents(t *testing.T) {
	mailer := &fakeMailer{}
	h := newTestHandler(t, testLeads(), mailer)
	user := &models.User{ID: "u1", FirstName: "Jane", LastName: "Doe"}

	_, err := h.runCampaign(context.Background(), authedSubmission(user))
	require.NoError(t, err)

	folder, ok := h.campaigns.LatestCampaign(user)
	require.True(t, ok)
	assert.Equal(t, "jane_doe_1", filepath.Base(folder))

	subject, err := os.ReadFile(filepath.Join(folder, "subject.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Application to {company_name}", string(subject))

	cover, err := os.ReadFile(filepath.Join(folder, "coverletter.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Dear {company_name} team,", string(cover))

	_, err = os.Stat(filepath.Join(folder, "resume.pdf"))
	assert.NoError(t, err)
}

// parseViaForm runs parseSubmission against a real multipart request
func parseViaForm(t *testing.T, h *ApplyHandler, build func(w *multipart.Writer)) (*submission, error) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	build(w)
	require.NoError(t, w.Close())

	app := fiber.New()
	var sub *submission
	var parseErr error
	app.Post("/apply", func(c *fiber.Ctx) error {
		sub, parseErr = h.parseSubmission(c)
		return nil
	})

	req := httptest.NewRequest("POST", "/apply", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	_, err := app.Test(req, -1)
	require.NoError(t, err)

	return sub, parseErr
}

func newParseHandler(t *testing.T) *ApplyHandler {
	t.Helper()

	cfg := &config.Config{}
	cfg.Mail.MaxAttachments = 2
	cfg.Mail.MaxAttachmentMB = 1
	return &ApplyHandler{config: cfg}
}

func TestParseSubmission_PDFsNotBoundByAttachmentCap(t *testing.T) {
	h := newParseHandler(t)
	overCap := make([]byte, 1536*1024) // above the 1 MB attachment cap

	sub, err := parseViaForm(t, h, func(w *multipart.Writer) {
		part, _ := w.CreateFormFile("companies_pdf", "companies.pdf")
		part.Write(overCap)
		part, _ = w.CreateFormFile("resume_pdf", "cv.pdf")
		part.Write(overCap)
	})
	require.NoError(t, err)

	assert.Len(t, sub.companies.Data, len(overCap))
	require.NotNil(t, sub.resume)
	assert.Len(t, sub.resume.Data, len(overCap))
}

func TestParseSubmission_AttachmentOverCapRejected(t *testing.T) {
	h := newParseHandler(t)

	_, err := parseViaForm(t, h, func(w *multipart.Writer) {
		part, _ := w.CreateFormFile("companies_pdf", "companies.pdf")
		part.Write([]byte("%PDF"))
		part, _ = w.CreateFormFile("attachments", "big.pdf")
		part.Write(make([]byte, 1536*1024))
	})
	require.Error(t, err)

	appErr, ok := err.(*utils.AppError)
	require.True(t, ok)
	assert.Equal(t, 400, appErr.Code)
}

func TestParseSubmission_TooManyAttachments(t *testing.T) {
	h := newParseHandler(t)

	_, err := parseViaForm(t, h, func(w *multipart.Writer) {
		part, _ := w.CreateFormFile("companies_pdf", "companies.pdf")
		part.Write([]byte("%PDF"))
		for _, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
			part, _ = w.CreateFormFile("attachments", name)
			part.Write([]byte("x"))
		}
	})
	require.Error(t, err)

	appErr, ok := err.(*utils.AppError)
	require.True(t, ok)
	assert.Equal(t, 400, appErr.Code)
}

func TestValidate_Roles(t *testing.T) {
	companies := storage.FileArtifact{Filename: "c.pdf", Data: []byte("x")}
	resume := &storage.FileArtifact{Filename: "cv.pdf", Data: []byte("r")}

	tests := []struct {
		name    string
		sub     *submission
		role    submitterRole
		wantErr bool
	}{
		{"guest needs only companies", &submission{companies: companies}, roleGuest, false},
		{"guest without companies", &submission{}, roleGuest, true},
		{"authenticated complete", &submission{companies: companies, resume: resume, subject: "s", coverLetter: "c"}, roleAuthenticated, false},
		{"authenticated without resume", &submission{companies: companies, subject: "s", coverLetter: "c"}, roleAuthenticated, true},
		{"authenticated without subject", &submission{companies: companies, resume: resume, coverLetter: "c"}, roleAuthenticated, true},
		{"history makes resume optional", &submission{companies: companies, subject: "s", coverLetter: "c"}, roleAuthenticatedWithHistory, false},
		{"history still needs cover letter", &submission{companies: companies, subject: "s"}, roleAuthenticatedWithHistory, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(tt.sub, tt.role)
			if tt.wantErr {
				require.Error(t, err)
				appErr, ok := err.(*utils.AppError)
				require.True(t, ok)
				assert.Equal(t, 400, appErr.Code)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

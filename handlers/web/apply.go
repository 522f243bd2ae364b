// handlers/web/apply.go
package web

import (
	"context"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"applymatic/config"
	"applymatic/handlers/api"
	"applymatic/models"
	"applymatic/storage"
	"applymatic/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
)

// submitterRole picks which validation rules apply to a submission
type submitterRole int

const (
	roleGuest submitterRole = iota
	roleAuthenticated
	roleAuthenticatedWithHistory
)

// fieldRule is one declarative requirement, evaluated once per submission
type fieldRule struct {
	label    string
	required bool
	present  func(*submission) bool
}

// submission carries one request's inputs through the pipeline
type submission struct {
	user        *models.User // nil for guests
	companies   storage.FileArtifact
	resume      *storage.FileArtifact
	subject     string
	coverLetter string
	attachments []storage.FileArtifact
}

type ApplyHandler struct {
	store     *session.Store
	config    *config.Config
	auth      *AuthHandler
	users     *storage.UserStorage
	campaigns *storage.CampaignStorage
	progress  *api.ProgressHandler

	sendEnabled bool
	sendDelay   time.Duration

	// Seams for tests: extraction, asset opening and mailer construction
	// are injectable
	extract    func(path string) ([]models.Lead, error)
	openAssets func(folder string) (*storage.CampaignAssets, error)
	newMailer  func(ctx context.Context, user *models.User) (api.Mailer, error)
}

// NewApplyHandler creates the submission handler. Send-vs-dry-run comes from
// the config at construction, never from package state.
func NewApplyHandler(store *session.Store, cfg *config.Config, auth *AuthHandler, users *storage.UserStorage, campaigns *storage.CampaignStorage, progress *api.ProgressHandler) *ApplyHandler {
	h := &ApplyHandler{
		store:       store,
		config:      cfg,
		auth:        auth,
		users:       users,
		campaigns:   campaigns,
		progress:    progress,
		sendEnabled: cfg.Mail.SendEnabled,
		sendDelay:   cfg.Mail.SendDelay(),
	}

	h.extract = api.ExtractLeads
	h.openAssets = campaigns.OpenAssets
	h.newMailer = h.gmailMailer

	return h
}

// ShowApply renders the apply form, prefilled from the user's latest
// campaign when one exists.
func (h *ApplyHandler) ShowApply(c *fiber.Ctx) error {
	authenticated := c.Locals("authenticated") == true

	var defaults models.CampaignDefaults
	if authenticated {
		if user, err := h.sessionUser(c); err == nil {
			if folder, ok := h.campaigns.LatestCampaign(user); ok {
				if d, err := h.campaigns.LoadDefaults(folder); err == nil {
					defaults = d
				}
			}
		}
	}

	return c.Render("apply", fiber.Map{
		"Authenticated": authenticated,
		"Email":         c.Locals("email"),
		"Defaults":      defaults,
		"CSRFToken":     c.Locals("csrf"),
	})
}

// HandleDefaults returns the latest campaign's reusable pieces as JSON
func (h *ApplyHandler) HandleDefaults(c *fiber.Ctx) error {
	user, err := h.sessionUser(c)
	if err != nil {
		return utils.UnauthorizedError("Invalid session", err)
	}

	folder, ok := h.campaigns.LatestCampaign(user)
	if !ok {
		return c.JSON(models.CampaignDefaults{})
	}

	defaults, err := h.campaigns.LoadDefaults(folder)
	if err != nil {
		return utils.InternalServerError("Failed to load campaign defaults", err)
	}

	return c.JSON(defaults)
}

// HandleSubmit processes one campaign submission end to end: validate,
// extract leads, resolve reusable assets, persist, dispatch, report.
func (h *ApplyHandler) HandleSubmit(c *fiber.Ctx) error {
	sub, err := h.parseSubmission(c)
	if err != nil {
		return h.fail(c, err)
	}

	result, err := h.runCampaign(c.Context(), sub)
	if err != nil {
		return h.fail(c, err)
	}

	return c.Render("result", fiber.Map{
		"Authenticated": c.Locals("authenticated"),
		"Email":         c.Locals("email"),
		"Status":        result.Status,
		"SentCount":     result.SentCount,
		"LeadsCount":    result.LeadsCount,
		"Leads":         result.Leads,
	})
}

// fail reports submission errors the way the form expects: a JSON error body
// with the taxonomy's status code.
func (h *ApplyHandler) fail(c *fiber.Ctx, err error) error {
	if appErr, ok := err.(*utils.AppError); ok {
		if appErr.Code >= 500 {
			utils.Log.Error("Submission failed: %v", appErr)
		}
		return c.Status(appErr.Code).JSON(fiber.Map{"error": appErr.Message})
	}

	utils.Log.Error("Submission failed: %v", err)
	return c.Status(500).JSON(fiber.Map{"error": "Internal server error"})
}

// parseSubmission reads the multipart form into memory. Attachment count and
// size caps are enforced here, before anything heavier runs.
func (h *ApplyHandler) parseSubmission(c *fiber.Ctx) (*submission, error) {
	sub := &submission{}

	if c.Locals("authenticated") == true {
		user, err := h.sessionUser(c)
		if err != nil {
			return nil, utils.UnauthorizedError("Invalid session", err)
		}
		sub.user = user
	}

	form, err := c.MultipartForm()
	if err != nil {
		return nil, utils.ValidationError("Expected a multipart form")
	}

	sub.subject = utils.CleanText(firstValue(form, "subject"))
	sub.coverLetter = utils.CleanText(firstValue(form, "cover_letter"))

	// The per-file size cap applies to the extra attachments only; the
	// companies and resume PDFs are bounded by the server body limit.
	if fh := firstFile(form, "companies_pdf"); fh != nil {
		artifact, err := readFormFile(fh, 0)
		if err != nil {
			return nil, err
		}
		sub.companies = artifact
	}

	if fh := firstFile(form, "resume_pdf"); fh != nil {
		artifact, err := readFormFile(fh, 0)
		if err != nil {
			return nil, err
		}
		sub.resume = &artifact
	}

	files := form.File["attachments"]
	if len(files) > h.config.Mail.MaxAttachments {
		return nil, utils.ValidationError("Too many attachments")
	}
	for _, fh := range files {
		artifact, err := readFormFile(fh, h.config.Mail.MaxAttachmentBytes())
		if err != nil {
			return nil, err
		}
		sub.attachments = append(sub.attachments, artifact)
	}

	return sub, nil
}

// runCampaign is the submission state machine. Linear, no retries: validate,
// extract, resolve fallback assets, persist a new campaign folder, dispatch
// one message per lead, report counts.
func (h *ApplyHandler) runCampaign(ctx context.Context, sub *submission) (*models.CampaignResult, error) {
	role, priorFolder := h.resolveRole(sub)

	if err := validate(sub, role); err != nil {
		return nil, err
	}

	leads, err := h.extractLeads(sub)
	if err != nil {
		return nil, err
	}

	// Resolve reusable assets from the prior campaign. The handles stay open
	// through dispatch and are released on every exit path below.
	var assets *storage.CampaignAssets
	if sub.user != nil && priorFolder != "" && (sub.resume == nil || len(sub.attachments) == 0) {
		assets, err = h.openAssets(priorFolder)
		if err != nil {
			utils.Log.Warn("Failed to open stored campaign assets: %v", err)
			assets = nil
		}
	}
	defer assets.Close()

	if err := h.persist(sub); err != nil {
		return nil, err
	}

	result := &models.CampaignResult{
		LeadsCount: len(leads),
		Leads:      leads,
	}

	if sub.user == nil {
		// Guests never dispatch
		result.Status = "guest"
		return result, nil
	}

	sent, err := h.dispatch(ctx, sub, leads, assets)
	if err != nil {
		return nil, err
	}

	result.SentCount = sent
	result.Status = "success"
	if !h.sendEnabled {
		result.Status = "test"
	}

	return result, nil
}

// resolveRole decides which rule set applies and finds the prior campaign.
// History only counts when the stored campaign actually has a resume to fall
// back on.
func (h *ApplyHandler) resolveRole(sub *submission) (submitterRole, string) {
	if sub.user == nil {
		return roleGuest, ""
	}

	folder, ok := h.campaigns.LatestCampaign(sub.user)
	if !ok {
		return roleAuthenticated, ""
	}

	defaults, err := h.campaigns.LoadDefaults(folder)
	if err != nil || !defaults.HasResume() {
		return roleAuthenticated, folder
	}

	return roleAuthenticatedWithHistory, folder
}

// validate evaluates the declarative rule set for the submitter's role
func validate(sub *submission, role submitterRole) error {
	rules := []fieldRule{
		{"companies PDF", true, func(s *submission) bool { return len(s.companies.Data) > 0 }},
		{"subject", role != roleGuest, func(s *submission) bool { return s.subject != "" }},
		{"cover letter", role != roleGuest, func(s *submission) bool { return s.coverLetter != "" }},
		{"resume", role == roleAuthenticated, func(s *submission) bool { return s.resume != nil }},
	}

	for _, rule := range rules {
		if rule.required && !rule.present(sub) {
			return utils.ValidationError("Missing required field: " + rule.label)
		}
	}

	return nil
}

// extractLeads buffers the companies PDF to a transient file, extracts and
// removes the buffer whatever the outcome.
func (h *ApplyHandler) extractLeads(sub *submission) ([]models.Lead, error) {
	tmpPath, err := h.campaigns.BufferTemp(sub.companies.Data, sub.companies.Filename)
	if err != nil {
		return nil, utils.InternalServerError("Failed to buffer upload", err)
	}
	defer os.Remove(tmpPath)

	return h.extract(tmpPath)
}

// persist stores the companies file in the dedup pool and writes this
// submission's artifacts into a freshly allocated campaign folder. Reused
// assets from prior campaigns are not rewritten.
func (h *ApplyHandler) persist(sub *submission) error {
	if _, err := h.campaigns.StoreCompaniesFile(sub.companies.Data, sub.companies.Filename); err != nil {
		return utils.InternalServerError("Failed to store companies file", err)
	}

	owner := sub.user
	if owner == nil {
		// Guests share the fallback base name
		owner = &models.User{}
	}

	folder, err := h.campaigns.AllocateCampaignFolder(owner)
	if err != nil {
		return utils.InternalServerError("Failed to allocate campaign folder", err)
	}

	if err := h.campaigns.PersistCampaign(folder, sub.subject, sub.coverLetter, sub.resume, sub.attachments); err != nil {
		return utils.InternalServerError("Failed to persist campaign", err)
	}

	return nil
}

// dispatch sends one personalized message per lead. A missing credential
// aborts before any send; a credential rejection on the first attempt aborts
// the batch; individual transport failures are logged and counted as not
// sent.
func (h *ApplyHandler) dispatch(ctx context.Context, sub *submission, leads []models.Lead, assets *storage.CampaignAssets) (int, error) {
	if len(leads) == 0 {
		return 0, nil
	}

	resume, attachments, err := resolveAttachments(sub, assets)
	if err != nil {
		return 0, utils.InternalServerError("Failed to read stored campaign assets", err)
	}

	if !h.sendEnabled {
		for _, lead := range leads {
			utils.Log.Info("[dry run] would send to %s (%s)", lead.Email, lead.CompanyName)
		}
		return len(leads), nil
	}

	mailer, err := h.newMailer(ctx, sub.user)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i, lead := range leads {
		body := strings.ReplaceAll(sub.coverLetter, "{company_name}", lead.CompanyName)

		id, err := mailer.Send(lead.Email, sub.subject, body, resume, attachments)
		if err != nil {
			if i == 0 && api.IsCredentialError(err) {
				return 0, utils.CredentialError("Cannot send emails. Google credentials missing or expired.", err)
			}
			utils.Log.Error("Send to %s failed: %v", lead.Email, err)
			h.notifySend(lead.Email, false, i+1, len(leads))
		} else {
			utils.Log.Debug("Sent %s to %s", id, lead.Email)
			sent++
			h.notifySend(lead.Email, true, i+1, len(leads))
		}

		// Fixed pacing between sends to stay under the API rate limit
		if i < len(leads)-1 {
			time.Sleep(h.sendDelay)
		}
	}

	if h.progress != nil {
		h.progress.NotifyDone(len(leads), sent)
	}

	return sent, nil
}

// resolveAttachments prefers freshly uploaded files and falls back to the
// open handles of the prior campaign.
func resolveAttachments(sub *submission, assets *storage.CampaignAssets) (*api.AttachmentData, []api.AttachmentData, error) {
	var resume *api.AttachmentData
	if sub.resume != nil {
		resume = &api.AttachmentData{Filename: sub.resume.Filename, Data: sub.resume.Data}
	} else if assets != nil && assets.Resume != nil {
		att, err := readAsset(assets.Resume)
		if err != nil {
			return nil, nil, err
		}
		resume = att
	}

	var attachments []api.AttachmentData
	if len(sub.attachments) > 0 {
		for _, a := range sub.attachments {
			attachments = append(attachments, api.AttachmentData{Filename: a.Filename, Data: a.Data})
		}
	} else if assets != nil {
		for _, f := range assets.Attachments {
			att, err := readAsset(f)
			if err != nil {
				return nil, nil, err
			}
			attachments = append(attachments, *att)
		}
	}

	return resume, attachments, nil
}

// readAsset reads an open asset handle from the start without closing it
func readAsset(f *os.File) (*api.AttachmentData, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	return &api.AttachmentData{
		Filename:    filepath.Base(f.Name()),
		ContentType: api.DetectContentType(f.Name()),
		Data:        data,
	}, nil
}

// gmailMailer builds the real Gmail mailer from the user's stored credential
func (h *ApplyHandler) gmailMailer(ctx context.Context, user *models.User) (api.Mailer, error) {
	token, err := h.auth.Credentials(user.ID)
	if err != nil {
		return nil, utils.CredentialError("Cannot send emails. Google OAuth credentials missing.", err)
	}

	return api.NewGmailClient(ctx, h.auth.OAuthConfig(), token, user.Email)
}

func (h *ApplyHandler) notifySend(email string, sent bool, position, total int) {
	if h.progress != nil {
		h.progress.NotifySend(email, sent, position, total)
	}
}

func (h *ApplyHandler) sessionUser(c *fiber.Ctx) (*models.User, error) {
	userID, _ := c.Locals("userId").(string)
	if userID == "" {
		return nil, storage.ErrUserNotFound
	}
	return h.users.GetUser(userID)
}

func firstValue(form *multipart.Form, key string) string {
	if v, ok := form.Value[key]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

func firstFile(form *multipart.Form, key string) *multipart.FileHeader {
	if fhs, ok := form.File[key]; ok && len(fhs) > 0 {
		return fhs[0]
	}
	return nil
}

// readFormFile buffers one uploaded file. A positive maxBytes rejects
// anything over the cap; zero means no per-file limit.
func readFormFile(fh *multipart.FileHeader, maxBytes int64) (storage.FileArtifact, error) {
	if maxBytes > 0 && fh.Size > maxBytes {
		return storage.FileArtifact{}, utils.ValidationError("File too large: " + fh.Filename)
	}

	file, err := fh.Open()
	if err != nil {
		return storage.FileArtifact{}, utils.InternalServerError("Failed to open upload", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return storage.FileArtifact{}, utils.InternalServerError("Failed to read upload", err)
	}

	return storage.FileArtifact{Filename: filepath.Base(fh.Filename), Data: data}, nil
}

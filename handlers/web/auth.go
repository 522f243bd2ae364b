// handlers/web/auth.go
package web

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"applymatic/config"
	"applymatic/handlers/api"
	"applymatic/models"
	"applymatic/storage"
	"applymatic/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

const userinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

type AuthHandler struct {
	store  *session.Store
	config *config.Config
	oauth  *oauth2.Config
	users  *storage.UserStorage
	tokens *storage.TokenStorage
}

// NewAuthHandler creates a new instance of AuthHandler
func NewAuthHandler(store *session.Store, cfg *config.Config, users *storage.UserStorage, tokens *storage.TokenStorage) *AuthHandler {
	return &AuthHandler{
		store:  store,
		config: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
			// Basic profile plus permission to send mail as the user
			Scopes:   []string{"openid", "email", "profile", gmail.GmailSendScope},
			Endpoint: google.Endpoint,
		},
		users:  users,
		tokens: tokens,
	}
}

// OAuthConfig exposes the Google OAuth configuration for building mail
// clients from stored tokens.
func (h *AuthHandler) OAuthConfig() *oauth2.Config {
	return h.oauth
}

// HandleGoogleLogin redirects the user to Google's consent screen.
// Offline access plus forced consent makes Google return a refresh token.
func (h *AuthHandler) HandleGoogleLogin(c *fiber.Ctx) error {
	sess, err := h.store.Get(c)
	if err != nil {
		return c.Status(500).SendString("Session error")
	}

	state, err := randomState()
	if err != nil {
		return utils.InternalServerError("Failed to create login state", err)
	}

	sess.Set("oauthState", state)
	if err := sess.Save(); err != nil {
		return utils.InternalServerError("Failed to save session", err)
	}

	url := h.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	return c.Redirect(url)
}

// HandleGoogleCallback exchanges the authorization code for tokens, signs the
// user in and stores the token pair for later sends.
func (h *AuthHandler) HandleGoogleCallback(c *fiber.Ctx) error {
	sess, err := h.store.Get(c)
	if err != nil {
		return c.Status(500).SendString("Session error")
	}

	if state := c.Query("state"); state == "" || state != sess.Get("oauthState") {
		return utils.BadRequestError("Invalid login state", nil)
	}
	sess.Delete("oauthState")

	code := c.Query("code")
	if code == "" {
		// User cancelled the consent screen
		return c.Redirect("/")
	}

	token, err := h.oauth.Exchange(c.Context(), code)
	if err != nil {
		return utils.UnauthorizedError("Failed to exchange authorization code", err)
	}

	info, err := h.fetchUserinfo(c, token)
	if err != nil {
		return utils.InternalServerError("Failed to fetch Google profile", err)
	}
	if info.Email == "" {
		return utils.UnauthorizedError("Google profile has no email", nil)
	}

	user, err := h.findOrCreateUser(info)
	if err != nil {
		return utils.InternalServerError("Failed to create user", err)
	}

	// Store the token pair. SaveToken keeps the previous refresh token when
	// Google omits one on re-authentication.
	if err := h.tokens.SaveToken(&models.OAuthToken{
		UserID:       user.ID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}); err != nil {
		return utils.InternalServerError("Failed to store credentials", err)
	}

	apiToken, err := api.GenerateToken(user.ID, user.Email, h.config.JWT.Secret)
	if err != nil {
		return utils.InternalServerError("Failed to create authentication token", err)
	}

	sess.Set("authenticated", true)
	sess.Set("userId", user.ID)
	sess.Set("email", user.Email)
	sess.Set("token", apiToken)
	sess.Delete("guestId")
	sess.SetExpiry(24 * time.Hour)

	if err := sess.Save(); err != nil {
		return utils.InternalServerError("Failed to create session", err)
	}

	utils.Log.Info("User %s signed in with Google", user.Email)
	return c.Redirect("/apply")
}

// ShowLanding renders the landing page. Visitors with an active session go
// straight to the apply form.
func (h *AuthHandler) ShowLanding(c *fiber.Ctx) error {
	sess, err := h.store.Get(c)
	if err == nil {
		if sess.Get("authenticated") == true || sess.Get("guestId") != nil {
			return c.Redirect("/apply")
		}
	}

	return c.Render("landing", fiber.Map{
		"CSRFToken": c.Locals("csrf"),
	})
}

// HandleGuest assigns a guest id so unauthenticated visitors can try
// extraction without sending anything.
func (h *AuthHandler) HandleGuest(c *fiber.Ctx) error {
	sess, err := h.store.Get(c)
	if err != nil {
		return c.Status(500).SendString("Session error")
	}

	if guestID, ok := sess.Get("guestId").(string); !ok || guestID == "" {
		sess.Set("guestId", uuid.New().String())
		if err := sess.Save(); err != nil {
			return utils.InternalServerError("Failed to create session", err)
		}
	}

	return c.Redirect("/apply")
}

// HandleLogout processes user logout
func (h *AuthHandler) HandleLogout(c *fiber.Ctx) error {
	sess, err := h.store.Get(c)
	if err != nil {
		return c.Redirect("/")
	}

	if err := sess.Destroy(); err != nil {
		return c.Status(500).SendString("Error during logout")
	}

	return c.Redirect("/")
}

// Credentials returns the stored OAuth token pair for a user, or an error
// when the user never granted mail access.
func (h *AuthHandler) Credentials(userID string) (*oauth2.Token, error) {
	stored, err := h.tokens.GetToken(userID)
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		// Force the oauth2 transport to refresh on first use; the stored
		// access token may have expired since the last campaign.
		Expiry: stored.UpdatedAt.Add(time.Minute),
	}, nil
}

type googleUserinfo struct {
	Email      string `json:"email"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
}

func (h *AuthHandler) fetchUserinfo(c *fiber.Ctx, token *oauth2.Token) (*googleUserinfo, error) {
	client := h.oauth.Client(c.Context(), token)

	resp, err := client.Get(userinfoURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}

	var info googleUserinfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}

	return &info, nil
}

func (h *AuthHandler) findOrCreateUser(info *googleUserinfo) (*models.User, error) {
	user, err := h.users.GetUserByEmail(info.Email)
	if err == nil {
		// Refresh names in case the Google profile changed
		if info.GivenName != "" {
			user.FirstName = info.GivenName
		}
		if info.FamilyName != "" {
			user.LastName = info.FamilyName
		}
		if err := h.users.UpdateUser(user); err != nil {
			utils.Log.Warn("Failed to update user %s: %v", user.Email, err)
		}
		h.users.UpdateLastLogin(user.ID)
		return user, nil
	}
	if !errors.Is(err, storage.ErrUserNotFound) {
		return nil, err
	}

	user = &models.User{
		Email:     info.Email,
		FirstName: info.GivenName,
		LastName:  info.FamilyName,
	}
	if err := h.users.CreateUser(user); err != nil {
		return nil, err
	}

	return user, nil
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"hemtjanst/api/internal/auth"
	"hemtjanst/api/internal/authpw"
	"hemtjanst/api/internal/config"
	"hemtjanst/api/internal/content"
	"hemtjanst/api/internal/editmode"
	"hemtjanst/api/internal/email"
	"hemtjanst/api/internal/flags"
	"hemtjanst/api/internal/gitrepo"
	"hemtjanst/api/internal/logging"
	"hemtjanst/api/internal/rbac"
	"hemtjanst/api/internal/search"
	"hemtjanst/api/internal/store"
)

// Session is the signed-in staff member behind a bearer token.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	ExpiresAt time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	InsertCustomer(ctx context.Context, customer store.Customer) (store.Customer, error)
	GetContentBlock(ctx context.Context, key, locale string) (store.ContentBlock, error)

	GetQuoteByToken(ctx context.Context, token string) (store.Quote, error)
	InsertQuoteQuestion(ctx context.Context, question store.QuoteQuestion) error
	DeclineQuote(ctx context.Context, rejection store.QuoteRejection) error
	InsertQuoteReminder(ctx context.Context, reminder store.QuoteReminder) (store.QuoteReminder, error)
	DueReminders(ctx context.Context, now time.Time, limit int) ([]store.QuoteReminder, error)
	MarkReminderSent(ctx context.Context, id int64) error

	DispatchProject(ctx context.Context, projectID, strategy, workerID string) error
	GetJob(ctx context.Context, jobID string) (store.Job, error)
	InsertJobRequests(ctx context.Context, requests []store.JobRequest) (int, error)
}

type historyArchive interface {
	History(key, locale string, limit int) ([]gitrepo.CommitInfo, error)
	ContentAt(key, locale, hash string) (gitrepo.Snapshot, gitrepo.CommitInfo, error)
}

type mailer interface {
	IsConfigured() bool
	SendQuoteReminder(to string, data email.ReminderData) error
	NotifyQuoteQuestion(data email.QuestionData) error
}

type signInService interface {
	SignIn(ctx context.Context, req authpw.SignInRequest) (store.User, error)
}

type searcher interface {
	Search(q search.Query) search.Response
}

// Deps are the collaborators the service routes requests to. Optional ones may be nil.
type Deps struct {
	Store    dataStore
	Cache    *content.Cache
	Pipeline *content.Pipeline
	Sessions *editmode.Sessions
	Flags    *flags.Service
	Search   searcher
	History  historyArchive
	Mailer   mailer
	SignIn   signInService
	Realtime http.Handler
	Logger   logging.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	cache    *content.Cache
	pipeline *content.Pipeline
	sessions *editmode.Sessions
	flags    *flags.Service
	search   searcher
	history  historyArchive
	mailer   mailer
	signIn   signInService
	tokens   *auth.Issuer
	realtime http.Handler
	log      logging.Logger
	now      func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		cache:    deps.Cache,
		pipeline: deps.Pipeline,
		sessions: deps.Sessions,
		flags:    deps.Flags,
		search:   deps.Search,
		history:  deps.History,
		mailer:   deps.Mailer,
		signIn:   deps.SignIn,
		tokens:   auth.NewIssuer(cfg.JWTSecret, cfg.AccessTTL),
		realtime: deps.Realtime,
		log:      logging.OrNoOp(deps.Logger),
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// SignIn checks credentials and issues an access token.
func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	if s.signIn == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	user, err := s.signIn.SignIn(ctx, authpw.SignInRequest{Email: emailAddr, Password: password})
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if err != nil {
		return Session{}, err
	}
	token, expires, err := s.tokens.Issue(user.ID, user.DisplayName, user.Role)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{Token: token, UserID: user.ID, UserName: user.DisplayName, Role: user.Role, ExpiresAt: expires}, nil
}

// SessionFromToken resolves a bearer token. The role is re-read from the user row.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub())
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Content

func (s *Service) PublishedContent(locale string) map[string]any {
	if locale == "" {
		locale = s.cfg.DefaultLocale()
	}
	blocks := map[string]content.Fields{}
	hydrated := false
	var loadedAt time.Time
	if s.cache != nil {
		blocks = s.cache.Published(locale)
		hydrated = s.cache.Hydrated()
		loadedAt = s.cache.LoadedAt()
	}
	payload := map[string]any{
		"locale":   locale,
		"hydrated": hydrated,
		"blocks":   blocks,
	}
	if !loadedAt.IsZero() {
		payload["loadedAt"] = loadedAt
	}
	return payload
}

// ContentBlock returns a single block. Callers without draft access only see the published fields.
func (s *Service) ContentBlock(ctx context.Context, key, locale string, canReadDraft bool) (map[string]any, error) {
	block, err := s.store.GetContentBlock(ctx, key, locale)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"key":       block.Key,
		"locale":    block.Locale,
		"published": block.Published,
		"version":   block.Version,
	}
	if block.PublishedAt != nil {
		payload["publishedAt"] = block.PublishedAt
	}
	if canReadDraft {
		payload["draft"] = block.Draft
		payload["updatedAt"] = block.UpdatedAt
		payload["updatedBy"] = block.UpdatedBy
		payload["publishedBy"] = block.PublishedBy
	}
	return payload, nil
}

func (s *Service) UpdateDraft(ctx context.Context, session Session, key, locale string, patch content.Fields, baseVersion *int) (content.Block, error) {
	return s.pipeline.UpdateDraft(ctx, key, locale, patch, session.UserID, baseVersion)
}

func (s *Service) Publish(ctx context.Context, session Session, key, locale string) (content.Block, error) {
	return s.pipeline.Publish(ctx, key, locale, session.UserID)
}

func (s *Service) ContentHistory(key, locale string, limit int) ([]gitrepo.CommitInfo, error) {
	if s.history == nil {
		return []gitrepo.CommitInfo{}, nil
	}
	return s.history.History(key, locale, limit)
}

func (s *Service) ContentAt(key, locale, hash string) (gitrepo.Snapshot, gitrepo.CommitInfo, error) {
	if s.history == nil {
		return gitrepo.Snapshot{}, gitrepo.CommitInfo{}, fmt.Errorf("%w: history disabled", store.ErrNotFound)
	}
	return s.history.ContentAt(key, locale, hash)
}

func (s *Service) Search(q search.Query) search.Response {
	if q.Locale == "" {
		q.Locale = s.cfg.DefaultLocale()
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// Edit sessions

func (s *Service) editor(session Session) editmode.Editor {
	return editmode.Editor{
		UserID:  session.UserID,
		Name:    session.UserName,
		CanEdit: rbac.CanEdit(rbac.Normalize(session.Role)),
	}
}

// OpenEditSession opens or reuses the caller's edit session and applies the requested view mode.
func (s *Service) OpenEditSession(session Session, mode editmode.ViewMode) (*editmode.Session, error) {
	sess := s.sessions.Open(s.editor(session))
	if !sess.Controller.SetViewMode(mode) {
		return sess, editmode.ErrNotEditor
	}
	return sess, nil
}

func (s *Service) CloseEditSession(ctx context.Context, session Session) bool {
	return s.sessions.Close(ctx, session.UserID)
}

// EditSession returns the caller's open session, or 404 when none is open.
func (s *Service) EditSession(session Session) (*editmode.Session, error) {
	sess, ok := s.sessions.Get(session.UserID)
	if !ok {
		return nil, domainError(http.StatusNotFound, "NO_EDIT_SESSION", "Open an edit session first", nil)
	}
	return sess, nil
}

func editStatus(sess *editmode.Session) map[string]any {
	return map[string]any{
		"sessionId":      sess.ID,
		"mode":           sess.Controller.Mode(),
		"canEdit":        sess.Controller.CanEdit(),
		"unsavedChanges": sess.Controller.HasUnsavedChanges(),
		"stagedScopes":   sess.Controller.StagedScopes(),
		"locks":          sess.Locks.Scopes(),
		"openedAt":       sess.OpenedAt,
	}
}

// Customers

type CustomerInput struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	OrgNumber string `json:"orgNumber"`
}

func (s *Service) CreateCustomer(ctx context.Context, input CustomerInput) (store.Customer, error) {
	if err := input.Validate(); err != nil {
		return store.Customer{}, err
	}
	customer := store.Customer{Name: input.Name, Email: input.Email, Phone: input.Phone}
	if input.OrgNumber != "" {
		normalized, err := normalizeOrgNumber(input.OrgNumber)
		if err != nil {
			return store.Customer{}, err
		}
		customer.OrgNumber = normalized
	}
	return s.store.InsertCustomer(ctx, customer)
}

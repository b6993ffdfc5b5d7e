package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"matheditor/api/internal/access"
	"matheditor/api/internal/auth"
	"matheditor/api/internal/authpw"
	"matheditor/api/internal/blob"
	"matheditor/api/internal/config"
	"matheditor/api/internal/content"
	"matheditor/api/internal/export"
	"matheditor/api/internal/revcache"
	"matheditor/api/internal/search"
	"matheditor/api/internal/store"
	"matheditor/api/internal/util"
)

// Session identifies the authenticated caller for the duration of a request.
type Session struct {
	UserID string
	Handle string
	Name   string
	Email  string
	Role   string
}

// Anonymous reports whether the session belongs to no signed-in user.
func (s Session) Anonymous() bool {
	return s.UserID == ""
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user store.User) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByHandle(ctx context.Context, handle string) (store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	UpdateUser(ctx context.Context, user store.User) (store.User, error)
	DeleteUser(ctx context.Context, userID string) error

	InsertDocument(ctx context.Context, doc store.Document) (store.Document, error)
	GetDocumentByID(ctx context.Context, documentID string) (store.Document, error)
	GetDocumentByHandle(ctx context.Context, handle string) (store.Document, error)
	ListPublishedDocuments(ctx context.Context, page, pageSize int) (store.Page[store.Document], error)
	ListUserDocuments(ctx context.Context, userID string, page, pageSize int) (store.Page[store.Document], error)
	UpdateDocument(ctx context.Context, doc store.Document) (store.Document, error)
	DeleteDocument(ctx context.Context, documentID string) error
	MoveHead(ctx context.Context, documentID, revisionID string) (bool, error)

	AddCoauthor(ctx context.Context, documentID, userID string) error
	RemoveCoauthor(ctx context.Context, documentID, userID string) error
	ListCoauthors(ctx context.Context, documentID string) ([]store.Coauthor, error)

	GetRevision(ctx context.Context, revisionID string) (store.Revision, error)
	ListRevisionMeta(ctx context.Context, documentID string) ([]store.RevisionMeta, error)
	CreateRevision(ctx context.Context, rev store.Revision) (store.Revision, error)
	DeleteRevision(ctx context.Context, revisionID string) error
	CopyRevision(ctx context.Context, sourceRevisionID, targetDocumentID, newRevisionID, authorID string) error

	UsageByUser(ctx context.Context, userID string) ([]store.DocumentUsage, error)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	authpw *authpw.Service
	search *search.Service
	cache  *revcache.Cache
	blob   *blob.Store
	export *export.Service

	httpClient *http.Client
}

// New wires the service. search, cache and blob may be nil; the matching
// features degrade (no search index, uncached revisions, no avatar uploads).
func New(cfg config.Config, st dataStore, passwords *authpw.Service, searchSvc *search.Service, cache *revcache.Cache, blobStore *blob.Store) *Service {
	return &Service{
		cfg:        cfg,
		store:      st,
		authpw:     passwords,
		search:     searchSvc,
		cache:      cache,
		blob:       blobStore,
		export:     export.NewService(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ── Auth ──

func (s *Service) Register(ctx context.Context, email, password, name, handle string) (map[string]any, error) {
	user, err := s.authpw.Register(ctx, authpw.RegisterRequest{
		Email:    email,
		Password: password,
		Name:     name,
		Handle:   handle,
	})
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) || errors.Is(err, authpw.ErrHandleTaken) {
			return nil, err
		}
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	token, err := s.issueToken(user)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return map[string]any{"token": token, "user": userResponse(user, true)}, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (map[string]any, error) {
	user, err := s.authpw.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	token, err := s.issueToken(user)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return map[string]any{"token": token, "user": userResponse(user, true)}, nil
}

func (s *Service) issueToken(user store.User) (string, error) {
	return auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: user.ID},
		Handle:           user.Handle,
		Name:             user.Name,
		Email:            user.Email,
		Role:             user.Role,
	}, s.cfg.TokenTTL)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID: claims.Subject,
		Handle: claims.Handle,
		Name:   claims.Name,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}

// SessionUser resolves the session's user row, so disabled or deleted
// accounts stop resolving even while their token is still valid.
func (s *Service) SessionUser(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]any{"user": nil}, nil
		}
		return nil, err
	}
	if user.Disabled {
		return map[string]any{"user": nil}, nil
	}
	return map[string]any{"user": userResponse(user, true)}, nil
}

// ── Users ──

func (s *Service) ListUsers(ctx context.Context, session Session) (map[string]any, error) {
	if !access.IsAdmin(session.Role) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, u := range users {
		items = append(items, userResponse(u, true))
	}
	return map[string]any{"users": items}, nil
}

// GetUser looks up a user by id first, then by handle.
func (s *Service) GetUser(ctx context.Context, session Session, idOrHandle string) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, idOrHandle)
	if errors.Is(err, sql.ErrNoRows) {
		user, err = s.store.GetUserByHandle(ctx, idOrHandle)
	}
	if err != nil {
		return nil, err
	}
	includePrivate := session.UserID == user.ID || access.IsAdmin(session.Role)
	return map[string]any{"user": userResponse(user, includePrivate)}, nil
}

type UpdateUserInput struct {
	Handle   *string `json:"handle"`
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	Disabled *bool   `json:"disabled"`
	Role     *string `json:"role"`
}

func (s *Service) UpdateUser(ctx context.Context, session Session, userID string, input UpdateUserInput) (map[string]any, error) {
	if session.UserID != userID && !access.IsAdmin(session.Role) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name cannot be empty", nil)
		}
		user.Name = name
	}
	if input.Handle != nil {
		handle := strings.ToLower(strings.TrimSpace(*input.Handle))
		if handle != "" && !util.ValidHandle(handle) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "handle may contain lowercase letters, digits and hyphens only", nil)
		}
		if handle != "" && !strings.EqualFold(handle, user.Handle) {
			if _, lookupErr := s.store.GetUserByHandle(ctx, handle); lookupErr == nil {
				return nil, domainError(http.StatusConflict, "CONFLICT", "handle already taken", nil)
			} else if !errors.Is(lookupErr, sql.ErrNoRows) {
				return nil, lookupErr
			}
		}
		user.Handle = handle
	}
	if input.Email != nil {
		email := strings.TrimSpace(*input.Email)
		if !strings.Contains(email, "@") {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is invalid", nil)
		}
		if !strings.EqualFold(email, user.Email) {
			if _, lookupErr := s.store.GetUserByEmail(ctx, email); lookupErr == nil {
				return nil, domainError(http.StatusConflict, "CONFLICT", "email already registered", nil)
			} else if !errors.Is(lookupErr, sql.ErrNoRows) {
				return nil, lookupErr
			}
		}
		user.Email = email
	}
	if input.Password != nil {
		hash, hashErr := authpw.HashPassword(*input.Password)
		if hashErr != nil {
			return nil, hashErr
		}
		user.PasswordHash = hash
	}
	if input.Disabled != nil || input.Role != nil {
		if !access.IsAdmin(session.Role) {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		if input.Disabled != nil {
			user.Disabled = *input.Disabled
		}
		if input.Role != nil {
			role := *input.Role
			if role != "user" && role != "admin" && role != "owner" {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be user, admin or owner", nil)
			}
			user.Role = role
		}
	}

	updated, err := s.store.UpdateUser(ctx, user)
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": userResponse(updated, true)}, nil
}

func (s *Service) DeleteUser(ctx context.Context, session Session, userID string) error {
	if !access.IsAdmin(session.Role) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.store.DeleteUser(ctx, userID)
}

// ── Avatars ──

func (s *Service) UploadAvatar(ctx context.Context, session Session, userID, contentType string, body io.Reader, size int64) (map[string]any, error) {
	if s.blob == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Avatar storage not configured", nil)
	}
	if session.UserID != userID && !access.IsAdmin(session.Role) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	key := "avatars/" + userID
	if err := s.blob.Put(ctx, key, contentType, body, size); err != nil {
		return nil, fmt.Errorf("store avatar: %w", err)
	}
	user.Image = key
	if _, err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	return map[string]any{"image": key}, nil
}

func (s *Service) GetAvatar(ctx context.Context, userID string) (io.ReadCloser, string, error) {
	if s.blob == nil {
		return nil, "", sql.ErrNoRows
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if user.Image == "" {
		return nil, "", sql.ErrNoRows
	}
	return s.blob.Get(ctx, user.Image)
}

// ── Documents ──

func (s *Service) ListPublished(ctx context.Context, page, pageSize int) (map[string]any, error) {
	result, err := s.store.ListPublishedDocuments(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}
	return documentPageResponse(result), nil
}

func (s *Service) ListMine(ctx context.Context, session Session, page, pageSize int) (map[string]any, error) {
	result, err := s.store.ListUserDocuments(ctx, session.UserID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return documentPageResponse(result), nil
}

func (s *Service) SearchDocuments(ctx context.Context, q string, page, pageSize int) (map[string]any, error) {
	if s.search == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search not configured", nil)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	resp := s.search.Search(search.Query{
		Text:   q,
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	return map[string]any{
		"results": resp.Results,
		"total":   resp.Total,
		"query":   resp.Query,
	}, nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanView(doc, session.UserID, session.Role) {
		return nil, sql.ErrNoRows
	}
	return map[string]any{"document": documentResponse(doc)}, nil
}

func (s *Service) GetDocumentByHandle(ctx context.Context, session Session, handle string) (map[string]any, error) {
	doc, err := s.store.GetDocumentByHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	if !access.CanView(doc, session.UserID, session.Role) {
		return nil, sql.ErrNoRows
	}
	return map[string]any{"document": documentResponse(doc)}, nil
}

type CreateDocumentInput struct {
	Handle          string          `json:"handle"`
	Name            string          `json:"name"`
	Published       bool            `json:"published"`
	Collab          bool            `json:"collab"`
	Private         bool            `json:"private"`
	Coauthors       []string        `json:"coauthors"`
	InitialRevision json.RawMessage `json:"initialRevision"`
}

func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	handle := strings.ToLower(strings.TrimSpace(input.Handle))
	if handle != "" {
		if !util.ValidHandle(handle) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "handle may contain lowercase letters, digits and hyphens only", nil)
		}
		if _, err := s.store.GetDocumentByHandle(ctx, handle); err == nil {
			return nil, domainError(http.StatusConflict, "CONFLICT", "handle already taken", nil)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	// Resolve coauthor emails before inserting anything.
	coauthorIDs := make([]string, 0, len(input.Coauthors))
	for _, email := range input.Coauthors {
		user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(email))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domainError(http.StatusNotFound, "NOT_FOUND", "coauthor is not a registered user", map[string]any{"email": email})
			}
			return nil, err
		}
		if user.ID == session.UserID {
			continue
		}
		coauthorIDs = append(coauthorIDs, user.ID)
	}

	if len(input.InitialRevision) > 0 {
		if _, err := content.Parse(input.InitialRevision); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		}
	}

	doc, err := s.store.InsertDocument(ctx, store.Document{
		ID:        util.NewID("doc"),
		Handle:    handle,
		Name:      name,
		AuthorID:  session.UserID,
		Published: input.Published,
		Collab:    input.Collab,
		Private:   input.Private,
	})
	if err != nil {
		return nil, err
	}

	for _, userID := range coauthorIDs {
		if err := s.store.AddCoauthor(ctx, doc.ID, userID); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
	}

	if len(input.InitialRevision) > 0 {
		if _, err := s.store.CreateRevision(ctx, store.Revision{
			ID:         util.NewID("rev"),
			DocumentID: doc.ID,
			AuthorID:   session.UserID,
			Data:       input.InitialRevision,
		}); err != nil {
			return nil, err
		}
	}

	doc, err = s.store.GetDocumentByID(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	s.indexDocument(ctx, doc)
	return map[string]any{"document": documentResponse(doc)}, nil
}

type UpdateDocumentInput struct {
	Handle    *string `json:"handle"`
	Name      *string `json:"name"`
	Published *bool   `json:"published"`
	Collab    *bool   `json:"collab"`
	Private   *bool   `json:"private"`
}

func (s *Service) UpdateDocument(ctx context.Context, session Session, documentID string, input UpdateDocumentInput) (map[string]any, error) {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanEdit(doc, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name cannot be empty", nil)
		}
		doc.Name = name
	}
	if input.Handle != nil {
		handle := strings.ToLower(strings.TrimSpace(*input.Handle))
		if handle != "" && !util.ValidHandle(handle) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "handle may contain lowercase letters, digits and hyphens only", nil)
		}
		if handle != "" && !strings.EqualFold(handle, doc.Handle) {
			if _, lookupErr := s.store.GetDocumentByHandle(ctx, handle); lookupErr == nil {
				return nil, domainError(http.StatusConflict, "CONFLICT", "handle already taken", nil)
			} else if !errors.Is(lookupErr, sql.ErrNoRows) {
				return nil, lookupErr
			}
		}
		doc.Handle = handle
	}
	if input.Published != nil || input.Private != nil {
		// Publishing state is the author's call, not a coauthor's.
		if !access.CanManage(doc, session.UserID) {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		if input.Published != nil {
			doc.Published = *input.Published
		}
		if input.Private != nil {
			doc.Private = *input.Private
		}
	}
	if input.Collab != nil {
		doc.Collab = *input.Collab
	}

	updated, err := s.store.UpdateDocument(ctx, doc)
	if err != nil {
		return nil, err
	}
	updated, err = s.store.GetDocumentByID(ctx, updated.ID)
	if err != nil {
		return nil, err
	}
	s.indexDocument(ctx, updated)
	return map[string]any{"document": documentResponse(updated)}, nil
}

func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return err
	}
	if !access.CanManage(doc, session.UserID) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.Delete(documentID)
	}
	return nil
}

// Fork copies a document's head revision into a fresh document owned by the
// caller. The fork starts unpublished, without a handle, and records its
// lineage in baseId.
func (s *Service) Fork(ctx context.Context, session Session, baseID string) (map[string]any, error) {
	base, err := s.store.GetDocumentByID(ctx, baseID)
	if err != nil {
		return nil, err
	}
	if !access.CanView(base, session.UserID, session.Role) {
		return nil, sql.ErrNoRows
	}

	fork, err := s.store.InsertDocument(ctx, store.Document{
		ID:       util.NewID("doc"),
		Name:     base.Name + " (fork)",
		AuthorID: session.UserID,
		Collab:   base.Collab,
		BaseID:   base.ID,
	})
	if err != nil {
		return nil, err
	}

	if base.Head != "" {
		if err := s.store.CopyRevision(ctx, base.Head, fork.ID, util.NewID("rev"), session.UserID); err != nil {
			return nil, fmt.Errorf("copy head revision: %w", err)
		}
	}

	fork, err = s.store.GetDocumentByID(ctx, fork.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"document": documentResponse(fork)}, nil
}

func (s *Service) AddCoauthor(ctx context.Context, session Session, documentID, email string) (map[string]any, error) {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanManage(doc, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "coauthor is not a registered user", nil)
		}
		return nil, err
	}
	if user.ID == doc.AuthorID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "the author cannot be a coauthor", nil)
	}
	if err := s.store.AddCoauthor(ctx, documentID, user.ID); err != nil {
		return nil, err
	}
	coauthors, err := s.store.ListCoauthors(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"coauthors": coauthorResponses(coauthors)}, nil
}

func (s *Service) RemoveCoauthor(ctx context.Context, session Session, documentID, email string) (map[string]any, error) {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanManage(doc, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, err
	}
	if err := s.store.RemoveCoauthor(ctx, documentID, user.ID); err != nil {
		return nil, err
	}
	coauthors, err := s.store.ListCoauthors(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"coauthors": coauthorResponses(coauthors)}, nil
}

func (s *Service) MoveHead(ctx context.Context, session Session, documentID, revisionID string) (map[string]any, error) {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanEdit(doc, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	moved, err := s.store.MoveHead(ctx, documentID, revisionID)
	if err != nil {
		return nil, err
	}
	if !moved {
		// The revision does not exist or belongs to another document.
		return nil, sql.ErrNoRows
	}
	doc, err = s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"document": documentResponse(doc)}, nil
}

// ── Revisions ──

// cachedRevision is the payload shape stored in the revision cache.
type cachedRevision struct {
	ID           string          `json:"id"`
	DocumentID   string          `json:"documentId"`
	DocumentName string          `json:"documentName"`
	AuthorID     string          `json:"authorId"`
	AuthorName   string          `json:"authorName"`
	CreatedAt    time.Time       `json:"createdAt"`
	Data         json.RawMessage `json:"data"`
}

func (s *Service) CreateRevision(ctx context.Context, session Session, documentID string, data json.RawMessage) (map[string]any, error) {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanEdit(doc, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if _, err := content.Parse(data); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	rev, err := s.store.CreateRevision(ctx, store.Revision{
		ID:         util.NewID("rev"),
		DocumentID: documentID,
		AuthorID:   session.UserID,
		Data:       data,
	})
	if err != nil {
		return nil, err
	}

	s.cacheRevision(ctx, cachedRevision{
		ID:           rev.ID,
		DocumentID:   documentID,
		DocumentName: doc.Name,
		AuthorID:     session.UserID,
		AuthorName:   session.Name,
		CreatedAt:    rev.CreatedAt,
		Data:         data,
	})

	doc, err = s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	s.indexDocument(ctx, doc)
	return map[string]any{"revision": revisionResponse(cachedRevision{
		ID:           rev.ID,
		DocumentID:   documentID,
		DocumentName: doc.Name,
		AuthorID:     session.UserID,
		AuthorName:   session.Name,
		CreatedAt:    rev.CreatedAt,
		Data:         data,
	})}, nil
}

func (s *Service) GetRevision(ctx context.Context, session Session, revisionID string) (map[string]any, error) {
	if cached, ok := s.revisionFromCache(ctx, revisionID); ok {
		doc, err := s.store.GetDocumentByID(ctx, cached.DocumentID)
		if err != nil {
			return nil, err
		}
		if !access.CanView(doc, session.UserID, session.Role) {
			return nil, sql.ErrNoRows
		}
		return map[string]any{"revision": revisionResponse(cached)}, nil
	}

	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocumentByID(ctx, rev.DocumentID)
	if err != nil {
		return nil, err
	}
	if !access.CanView(doc, session.UserID, session.Role) {
		return nil, sql.ErrNoRows
	}

	cr := cachedRevision{
		ID:           rev.ID,
		DocumentID:   rev.DocumentID,
		DocumentName: rev.DocumentName,
		AuthorID:     rev.AuthorID,
		AuthorName:   rev.Author.Name,
		CreatedAt:    rev.CreatedAt,
		Data:         rev.Data,
	}
	s.cacheRevision(ctx, cr)
	return map[string]any{"revision": revisionResponse(cr)}, nil
}

func (s *Service) ListRevisions(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanView(doc, session.UserID, session.Role) {
		return nil, sql.ErrNoRows
	}
	metas, err := s.store.ListRevisionMeta(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"revisions": revisionMetaResponses(metas)}, nil
}

func (s *Service) DeleteRevision(ctx context.Context, session Session, revisionID string) error {
	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return err
	}
	doc, err := s.store.GetDocumentByID(ctx, rev.DocumentID)
	if err != nil {
		return err
	}
	if !access.CanEdit(doc, session.UserID) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err := s.store.DeleteRevision(ctx, revisionID); err != nil {
		return err
	}
	s.invalidateRevision(ctx, revisionID)
	return nil
}

func (s *Service) cacheRevision(ctx context.Context, cr cachedRevision) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(cr)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, cr.ID, payload)
}

func (s *Service) revisionFromCache(ctx context.Context, revisionID string) (cachedRevision, bool) {
	if s.cache == nil {
		return cachedRevision{}, false
	}
	payload, err := s.cache.Get(ctx, revisionID)
	if err != nil {
		return cachedRevision{}, false
	}
	var cr cachedRevision
	if err := json.Unmarshal(payload, &cr); err != nil {
		return cachedRevision{}, false
	}
	return cr, true
}

func (s *Service) invalidateRevision(ctx context.Context, revisionID string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Invalidate(ctx, revisionID)
}

// Revalidate drops a revision from the cache so the next read refetches it.
func (s *Service) Revalidate(ctx context.Context, session Session, revisionID string) (map[string]any, error) {
	if !access.IsAdmin(session.Role) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	s.invalidateRevision(ctx, revisionID)
	return map[string]any{"revalidated": revisionID}, nil
}

// ── Usage ──

func (s *Service) Usage(ctx context.Context, session Session) (map[string]any, error) {
	rows, err := s.store.UsageByUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	documents := make([]map[string]any, 0, len(rows))
	var totalBytes int64
	totalRevisions := 0
	for _, row := range rows {
		documents = append(documents, map[string]any{
			"documentId": row.DocumentID,
			"name":       row.Name,
			"revisions":  row.Revisions,
			"bytes":      row.Bytes,
		})
		totalBytes += row.Bytes
		totalRevisions += row.Revisions
	}
	return map[string]any{
		"documents":      documents,
		"totalBytes":     totalBytes,
		"totalRevisions": totalRevisions,
	}, nil
}

// ── Export ──

func (s *Service) ExportDocument(ctx context.Context, session Session, documentID string, format export.Format) (*export.Result, error) {
	doc, state, err := s.headState(ctx, session, documentID)
	if err != nil {
		return nil, err
	}
	return s.export.Export(ctx, export.Document{
		ID:        doc.ID,
		Title:     doc.Name,
		Handle:    doc.Handle,
		Author:    doc.Author.Name,
		UpdatedAt: doc.UpdatedAt,
		State:     state,
	}, format)
}

func (s *Service) OGCard(ctx context.Context, session Session, documentID string) (*export.Result, error) {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanView(doc, session.UserID, session.Role) {
		return nil, sql.ErrNoRows
	}
	return export.RenderOGCard(doc.Name, doc.Author.Name), nil
}

func (s *Service) headState(ctx context.Context, session Session, documentID string) (store.Document, content.State, error) {
	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return store.Document{}, content.State{}, err
	}
	if !access.CanView(doc, session.UserID, session.Role) {
		return store.Document{}, content.State{}, sql.ErrNoRows
	}
	if doc.Head == "" {
		return store.Document{}, content.State{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "document has no content", nil)
	}
	rev, err := s.store.GetRevision(ctx, doc.Head)
	if err != nil {
		return store.Document{}, content.State{}, err
	}
	state, err := content.Parse(rev.Data)
	if err != nil {
		return store.Document{}, content.State{}, fmt.Errorf("parse head revision: %w", err)
	}
	return doc, state, nil
}

// ── Completion proxy ──

// Completion forwards a completion request to the configured upstream and
// returns its response body verbatim.
func (s *Service) Completion(ctx context.Context, body []byte) ([]byte, int, error) {
	if s.cfg.CompletionURL == "" {
		return nil, 0, domainError(http.StatusServiceUnavailable, "COMPLETION_UNAVAILABLE", "Completion upstream not configured", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.CompletionURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, 0, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.CompletionKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.CompletionKey)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("completion upstream: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read completion response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// ── Search indexing ──

func (s *Service) indexDocument(ctx context.Context, doc store.Document) {
	if s.search == nil {
		return
	}
	if !doc.Published || doc.Private {
		s.search.Delete(doc.ID)
		return
	}
	text := ""
	if doc.Head != "" {
		if rev, err := s.store.GetRevision(ctx, doc.Head); err == nil {
			if state, parseErr := content.Parse(rev.Data); parseErr == nil {
				text = content.PlainText(state)
			}
		}
	}
	s.search.Index(search.Record{
		ID:         doc.ID,
		Handle:     doc.Handle,
		Name:       doc.Name,
		AuthorID:   doc.AuthorID,
		AuthorName: doc.Author.Name,
		Published:  doc.Published,
		Text:       text,
	})
}

// ── Response shaping ──

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func userResponse(u store.User, includePrivate bool) map[string]any {
	resp := map[string]any{
		"id":        u.ID,
		"handle":    nullable(u.Handle),
		"name":      u.Name,
		"image":     nullable(u.Image),
		"createdAt": u.CreatedAt,
	}
	if includePrivate {
		resp["email"] = u.Email
		resp["role"] = u.Role
		resp["disabled"] = u.Disabled
		resp["updatedAt"] = u.UpdatedAt
	}
	return resp
}

func documentResponse(d store.Document) map[string]any {
	return map[string]any{
		"id":        d.ID,
		"handle":    nullable(d.Handle),
		"name":      d.Name,
		"head":      nullable(d.Head),
		"authorId":  d.AuthorID,
		"published": d.Published,
		"collab":    d.Collab,
		"private":   d.Private,
		"baseId":    nullable(d.BaseID),
		"createdAt": d.CreatedAt,
		"updatedAt": d.UpdatedAt,
		"author":    userResponse(d.Author, false),
		"coauthors": coauthorResponses(d.Coauthors),
		"revisions": revisionMetaResponses(d.Revisions),
	}
}

func coauthorResponses(coauthors []store.Coauthor) []map[string]any {
	items := make([]map[string]any, 0, len(coauthors))
	for _, c := range coauthors {
		items = append(items, map[string]any{
			"userId":    c.UserID,
			"email":     c.Email,
			"name":      c.Name,
			"handle":    nullable(c.Handle),
			"createdAt": c.CreatedAt,
		})
	}
	return items
}

func revisionMetaResponses(metas []store.RevisionMeta) []map[string]any {
	items := make([]map[string]any, 0, len(metas))
	for _, m := range metas {
		items = append(items, map[string]any{
			"id":         m.ID,
			"documentId": m.DocumentID,
			"authorId":   m.AuthorID,
			"authorName": m.AuthorName,
			"createdAt":  m.CreatedAt,
		})
	}
	return items
}

func revisionResponse(cr cachedRevision) map[string]any {
	return map[string]any{
		"id":           cr.ID,
		"documentId":   cr.DocumentID,
		"documentName": cr.DocumentName,
		"authorId":     cr.AuthorID,
		"authorName":   cr.AuthorName,
		"createdAt":    cr.CreatedAt,
		"data":         cr.Data,
	}
}

func documentPageResponse(p store.Page[store.Document]) map[string]any {
	items := make([]map[string]any, 0, len(p.Items))
	for _, d := range p.Items {
		items = append(items, documentResponse(d))
	}
	return map[string]any{
		"items":      items,
		"total":      p.Total,
		"page":       p.Page,
		"pageSize":   p.PageSize,
		"totalPages": p.TotalPages,
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"doseref/api/internal/auth"
	"doseref/api/internal/config"
	"doseref/api/internal/docstore"
	"doseref/api/internal/history"
	"doseref/api/internal/search"
	"doseref/api/internal/sharing"
	"doseref/api/internal/store"
	"doseref/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

// SectionInput is one ordered content block in a save request.
type SectionInput struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// SaveReferenceInput is the body of a reference upsert.
type SaveReferenceInput struct {
	HealthSystem string         `json:"healthSystem"`
	Domain       string         `json:"domain"`
	Subdomain    string         `json:"subdomain"`
	Version      string         `json:"version"`
	Sections     []SectionInput `json:"sections"`
	LegacyNotes  []string       `json:"legacyNotes"`
}

// CreateGroupInput is the body of a shared-group creation request.
type CreateGroupInput struct {
	MasterIngredientID string         `json:"masterIngredientId"`
	References         []store.RefKey `json:"references"`
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID, displayName string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	Ping(ctx context.Context) error
}

type historyService interface {
	RecordReference(ref store.Reference, author, message string) (history.CommitInfo, error)
	History(ingredientID string, limit int) ([]history.CommitInfo, error)
	ReferenceAt(ingredientID, configID, hash string) (store.Reference, error)
}

type Service struct {
	cfg      config.Config
	repo     *store.Repository
	linker   *sharing.Service
	sessions sessionStore
	search   *search.Service
	history  historyService
}

func New(cfg config.Config, repo *store.Repository, linker *sharing.Service, sessions sessionStore, searchSvc *search.Service, historySvc historyService) *Service {
	return &Service{
		cfg:      cfg,
		repo:     repo,
		linker:   linker,
		sessions: sessions,
		search:   searchSvc,
		history:  historySvc,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// --- sessions ---

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}
	user := store.User{ID: util.NewID("usr"), DisplayName: userName}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, user.DisplayName, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func actorFrom(session Session) sharing.Actor {
	return sharing.Actor{ID: session.UserID, Name: session.UserName}
}

// --- ingredients ---

func (s *Service) CreateIngredient(ctx context.Context, name, userName string) (store.Ingredient, error) {
	ingredientName := strings.TrimSpace(name)
	if ingredientName == "" {
		return store.Ingredient{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	item := store.Ingredient{
		ID:        util.NewID("ing"),
		Name:      ingredientName,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
		UpdatedBy: userName,
	}
	if err := s.repo.PutIngredient(ctx, item); err != nil {
		return store.Ingredient{}, err
	}
	s.search.IndexIngredient(ingredientRecord(item))
	return item, nil
}

func (s *Service) ListIngredients(ctx context.Context) ([]map[string]any, error) {
	ingredients, err := s.repo.ListIngredients(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(ingredients))
	for _, ing := range ingredients {
		items = append(items, map[string]any{
			"id":             ing.ID,
			"name":           ing.Name,
			"isSharedMaster": ing.IsSharedMaster,
			"sharedGroupId":  nilIfEmpty(ing.SharedGroupID),
			"sharedCount":    ing.SharedCount,
			"updatedBy":      ing.UpdatedBy,
		})
	}
	return items, nil
}

func (s *Service) GetIngredientDetail(ctx context.Context, ingredientID string) (map[string]any, error) {
	ingredient, err := s.repo.GetIngredient(ctx, ingredientID)
	if err != nil {
		return nil, err
	}
	references, err := s.repo.ListReferences(ctx, ingredientID)
	if err != nil {
		return nil, err
	}
	info, err := s.linker.GetGroupInfo(ctx, ingredientID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ingredient": ingredient,
		"references": references,
		"sharing":    info,
	}, nil
}

// --- references ---

func (s *Service) GetReference(ctx context.Context, ingredientID, configID string) (store.Reference, error) {
	return s.repo.GetReference(ctx, ingredientID, configID)
}

// SaveReference upserts a reference's content and recomputes its hash.
// Editing a shared reference does not detach it from its group; the drift
// is surfaced through the group integrity check instead.
func (s *Service) SaveReference(ctx context.Context, session Session, ingredientID, configID string, input SaveReferenceInput) (store.Reference, error) {
	if strings.TrimSpace(configID) == "" {
		return store.Reference{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "configId is required", nil)
	}
	if _, err := s.repo.GetIngredient(ctx, ingredientID); err != nil {
		return store.Reference{}, err
	}

	ref := store.Reference{IngredientID: ingredientID, ConfigID: configID}
	existing, err := s.repo.GetReference(ctx, ingredientID, configID)
	if err == nil {
		ref = existing
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return store.Reference{}, err
	}

	ref.HealthSystem = firstNonBlank(strings.TrimSpace(input.HealthSystem), ref.HealthSystem)
	ref.Domain = firstNonBlank(strings.TrimSpace(input.Domain), ref.Domain)
	ref.Subdomain = firstNonBlank(strings.TrimSpace(input.Subdomain), ref.Subdomain)
	ref.Version = firstNonBlank(strings.TrimSpace(input.Version), ref.Version)
	if input.Sections != nil {
		sections := make([]store.Section, 0, len(input.Sections))
		for _, section := range input.Sections {
			sections = append(sections, store.Section{Type: section.Type, Content: section.Content})
		}
		ref.Sections = sections
	}
	if input.LegacyNotes != nil {
		ref.LegacyNotes = input.LegacyNotes
	}
	ref.ContentHash = sharing.HashReference(ref)
	ref.UpdatedAt = time.Now().UTC()
	ref.UpdatedBy = session.UserName

	if err := s.repo.PutReference(ctx, ref); err != nil {
		return store.Reference{}, err
	}
	if _, err := s.history.RecordReference(ref, session.UserName, "Update reference content"); err != nil {
		log.Printf("app: record history for %s/%s: %v", ingredientID, configID, err)
	}
	s.search.IndexReference(search.ToReferenceRecord(ref))
	return ref, nil
}

// DeleteReference removes a reference, unlinking it from its shared group
// first so the group's membership never points at a missing document.
func (s *Service) DeleteReference(ctx context.Context, session Session, ingredientID, configID string) error {
	ref, err := s.repo.GetReference(ctx, ingredientID, configID)
	if err != nil {
		return err
	}
	if ref.IsShared && ref.SharedGroupID != "" {
		key := store.RefKey{IngredientID: ingredientID, ConfigID: configID}
		if err := s.linker.RemoveFromSharedGroup(ctx, actorFrom(session), ref.SharedGroupID, key); err != nil {
			return err
		}
	}
	if err := s.repo.DeleteReference(ctx, ingredientID, configID); err != nil {
		return err
	}
	s.search.DeleteReference(store.ReferenceDocID(ingredientID, configID))
	return nil
}

// --- sharing ---

func (s *Service) FindCandidates(ctx context.Context, ingredientID string) (map[string]any, error) {
	if _, err := s.repo.GetIngredient(ctx, ingredientID); err != nil {
		return nil, err
	}
	candidates, err := s.linker.FindCandidates(ctx, ingredientID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ingredientId": ingredientID,
		"candidates":   candidates,
	}, nil
}

func (s *Service) CreateSharedGroup(ctx context.Context, session Session, input CreateGroupInput) (store.SharedGroup, error) {
	group, err := s.linker.CreateSharedGroup(ctx, actorFrom(session), input.MasterIngredientID, input.References)
	if err != nil {
		return store.SharedGroup{}, err
	}
	s.reindexGroupMembers(ctx, group)
	return group, nil
}

func (s *Service) AddToSharedGroup(ctx context.Context, session Session, groupID string, key store.RefKey) (store.SharedGroup, error) {
	group, err := s.linker.AddToSharedGroup(ctx, actorFrom(session), groupID, key)
	if err != nil {
		return store.SharedGroup{}, err
	}
	s.reindexReference(ctx, key)
	return group, nil
}

func (s *Service) RemoveFromSharedGroup(ctx context.Context, session Session, groupID string, key store.RefKey) error {
	if err := s.linker.RemoveFromSharedGroup(ctx, actorFrom(session), groupID, key); err != nil {
		return err
	}
	s.reindexReference(ctx, key)
	return nil
}

func (s *Service) IsShared(ctx context.Context, ingredientID, configID string) (map[string]any, error) {
	shared, err := s.linker.IsShared(ctx, ingredientID, configID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ingredientId": ingredientID,
		"configId":     nilIfEmpty(configID),
		"isShared":     shared,
	}, nil
}

func (s *Service) GetGroupInfo(ctx context.Context, ingredientID string) (sharing.GroupInfo, error) {
	return s.linker.GetGroupInfo(ctx, ingredientID)
}

func (s *Service) MakeIndependent(ctx context.Context, session Session, ingredientID, configID string) error {
	if err := s.linker.MakeIndependent(ctx, actorFrom(session), ingredientID, configID); err != nil {
		return err
	}
	s.reindexReference(ctx, store.RefKey{IngredientID: ingredientID, ConfigID: configID})
	return nil
}

func (s *Service) CheckGroupIntegrity(ctx context.Context, groupID string) (sharing.IntegrityReport, error) {
	return s.linker.CheckGroupIntegrity(ctx, groupID)
}

// --- search ---

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(q)
}

// --- history ---

func (s *Service) History(ctx context.Context, ingredientID string, limit int) (map[string]any, error) {
	if _, err := s.repo.GetIngredient(ctx, ingredientID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.history.History(ingredientID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"hash":    entry.Hash,
			"message": entry.Message,
			"meta":    fmt.Sprintf("%s · %s", entry.Author, relative(entry.CreatedAt)),
		})
	}
	return map[string]any{
		"ingredientId": ingredientID,
		"commits":      items,
	}, nil
}

func (s *Service) ReferenceAt(ctx context.Context, ingredientID, configID, hash string) (store.Reference, error) {
	if _, err := s.repo.GetIngredient(ctx, ingredientID); err != nil {
		return store.Reference{}, err
	}
	ref, err := s.history.ReferenceAt(ingredientID, configID, hash)
	if err != nil {
		return store.Reference{}, domainError(http.StatusNotFound, "NOT_FOUND", "No recorded content at that commit", nil)
	}
	return ref, nil
}

// --- helpers ---

func (s *Service) reindexGroupMembers(ctx context.Context, group store.SharedGroup) {
	for _, member := range group.LinkedReferences {
		s.reindexReference(ctx, member.Key())
	}
	if ingredient, err := s.repo.GetIngredient(ctx, group.MasterIngredientID); err == nil {
		s.search.IndexIngredient(ingredientRecord(ingredient))
	}
}

func (s *Service) reindexReference(ctx context.Context, key store.RefKey) {
	ref, err := s.repo.GetReference(ctx, key.IngredientID, key.ConfigID)
	if err != nil {
		return
	}
	s.search.IndexReference(search.ToReferenceRecord(ref))
}

func ingredientRecord(ing store.Ingredient) search.IngredientRecord {
	return search.IngredientRecord{
		ID:            ing.ID,
		Name:          ing.Name,
		IsShared:      ing.IsSharedMaster,
		SharedGroupID: ing.SharedGroupID,
		SharedCount:   ing.SharedCount,
	}
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func relative(t time.Time) string {
	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

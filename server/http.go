package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"studiorelay/apperr"
	"studiorelay/attachments"
	"studiorelay/auth"
	"studiorelay/db"
	"studiorelay/logger"
	"studiorelay/models"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// multipartOverhead covers boundaries and part headers around an upload.
const multipartOverhead = 64 << 10

// Router wires the REST surface, the relay endpoint and the operational routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.issuer.Middleware(writeError))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/users/me", s.handleUpdateProfile).Methods(http.MethodPut)
	api.HandleFunc("/users/me/unread", s.handleUnread).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}", s.handleGetUser).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/messages", s.handlePostMessage).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/reactions", s.handlePostReaction).Methods(http.MethodPost)
	api.HandleFunc("/messages/{userA}/{userB}", s.handleConversation).Methods(http.MethodGet)
	api.HandleFunc("/attachments", s.handleUpload).Methods(http.MethodPost)

	r.HandleFunc("/uploads/{name}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warnf("Error writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal || code == apperr.CodePersistence {
		logger.Log.Errorf("Request failed: %v", err)
	}
	writeJSON(w, apperr.HTTPStatus(code), map[string]string{
		"code":    string(code),
		"message": apperr.MessageOf(err),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid JSON body")
	}
	return nil
}

func requireIdentity(r *http.Request) (auth.Identity, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return auth.Identity{}, apperr.Unauthenticated("bearer token required")
	}
	return id, nil
}

func (s *Server) loadUser(id string) (*models.User, error) {
	user, err := s.db.GetUser(id)
	if errors.Is(err, db.ErrNoRows) {
		return nil, apperr.ErrUserNotFound
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return user, nil
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	switch {
	case req.Name == "":
		writeError(w, apperr.Validation("name is required"))
		return
	case !strings.Contains(req.Email, "@"):
		writeError(w, apperr.Validation("a valid email is required"))
		return
	case req.Password == "":
		writeError(w, apperr.Validation("password is required"))
		return
	}

	switch req.Role {
	case "", models.RoleUser, models.RoleArtist:
	case models.RoleAdmin:
		writeError(w, apperr.Forbidden("admin accounts cannot be self-registered"))
		return
	default:
		writeError(w, apperr.Validation("unknown role"))
		return
	}

	user := &models.User{Name: req.Name, Email: req.Email, Phone: req.Phone, Role: req.Role}
	if err := s.db.CreateUser(user, req.Password); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			writeError(w, apperr.ErrEmailTaken)
			return
		}
		writeError(w, apperr.Internal(err))
		return
	}

	logger.Log.Infof("Registered user %s (%s)", user.ID, user.Role)
	writeJSON(w, http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, apperr.ErrInvalidCredentials)
		return
	}

	user, err := s.db.AuthenticateUser(req.Email, req.Password)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	if user == nil {
		writeError(w, apperr.ErrInvalidCredentials)
		return
	}

	token, err := s.issuer.Issue(user.ID, user.Role)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.loadUser(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type profileRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	err = s.db.UpdateProfile(id.UserID, strings.TrimSpace(req.Name), strings.TrimSpace(req.Phone))
	if errors.Is(err, db.ErrNoRows) {
		writeError(w, apperr.ErrUserNotFound)
		return
	}
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}

	user, err := s.loadUser(id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type statusResponse struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	user, err := s.loadUser(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		UserID:   user.ID,
		Online:   s.IsOnline(user.ID),
		LastSeen: user.LastSeen(),
	})
}

// handleUnread reports, per sender, how many messages arrived between the
// caller's last disconnect and the registration that followed it.
func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	id, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := s.db.GetOfflineMessageCounts(id.UserID)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	vars := mux.Vars(r)
	a, b := vars["userA"], vars["userB"]
	if id.Role != models.RoleAdmin && id.UserID != a && id.UserID != b {
		writeError(w, apperr.Forbidden("not a participant of this conversation"))
		return
	}

	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}

	messages, err := s.store.ListConversationPage(a, b, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation(key + " must be a non-negative integer")
	}
	return n, nil
}

type postMessageRequest struct {
	ReceiverID string             `json:"receiverId"`
	Message    string             `json:"message"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
}

// handlePostMessage is the REST twin of the sendMessage event. The sender is
// always the authenticated caller.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req postMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := s.store.Append(id.UserID, req.ReceiverID, req.Message, req.Attachment)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deliverMessage(msg)
	writeJSON(w, http.StatusCreated, msg)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (s *Server) handlePostReaction(w http.ResponseWriter, r *http.Request) {
	id, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req reactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := s.store.AddReaction(mux.Vars(r)["id"], req.Emoji, id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.broadcastReaction(msg)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if _, err := requireIdentity(r); err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.attachments.MaxBytes()+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, attachments.ErrTooLarge)
			return
		}
		writeError(w, apperr.Validation("multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	att, err := s.attachments.Save(header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	path, err := s.attachments.Path(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}
